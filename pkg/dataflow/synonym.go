package dataflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/duck"
)

// TableSynonym is a Dataset with its own step identity whose storage is
// another table's storage. In-place transforms use it to write back to the
// CDC table produced upstream while remaining distinct nodes of the graph.
type TableSynonym struct {
	*Step

	name    string
	wrapped *Table
}

func NewTableSynonym(log *slog.Logger, name string, table *Table) *TableSynonym {
	return &TableSynonym{
		Step:    NewStep(log, name, KindDataset),
		name:    name,
		wrapped: table,
	}
}

// SynonymFor returns the table the synonym shares storage with.
func (s *TableSynonym) SynonymFor() *Table { return s.wrapped }

func (s *TableSynonym) Underlying() *Table { return s.wrapped }

func (s *TableSynonym) DatasetName() string { return s.name }
func (s *TableSynonym) TableName() string   { return s.wrapped.TableName() }
func (s *TableSynonym) IsPersisted() bool   { return s.wrapped.IsPersisted() }
func (s *TableSynonym) IsCDC() bool         { return s.wrapped.IsCDC() }

func (s *TableSynonym) SubSelectClause() string {
	return s.wrapped.SubSelectClause()
}

func (s *TableSynonym) Schema(ctx context.Context, conn duck.Connection) (*arrow.Schema, error) {
	return s.wrapped.Schema(ctx, conn)
}

func (s *TableSynonym) Cols(ctx context.Context, conn duck.Connection) ([]string, error) {
	return s.wrapped.Cols(ctx, conn)
}

func (s *TableSynonym) PKList() []string { return s.wrapped.PKList() }

// SetPKList routes to the underlying table.
func (s *TableSynonym) SetPKList(pk []string) { s.wrapped.SetPKList(pk) }

func (s *TableSynonym) TablePrimaryKey(ctx context.Context, conn duck.Connection) ([]string, error) {
	return s.wrapped.TablePrimaryKey(ctx, conn)
}

func (s *TableSynonym) AddColumn(arrow.Field) error {
	return fmt.Errorf("%s stands for %s: %w", s.name, s.wrapped.TableName(), ErrSynonymMutation)
}

func (s *TableSynonym) AddAllColumns(context.Context, duck.Connection, Dataset) error {
	return fmt.Errorf("%s stands for %s: %w", s.name, s.wrapped.TableName(), ErrSynonymMutation)
}

func (s *TableSynonym) CreateTable(context.Context, duck.Connection) error {
	return fmt.Errorf("%s stands for %s: %w", s.name, s.wrapped.TableName(), ErrSynonymMutation)
}

func (s *TableSynonym) ShowData(ctx context.Context, conn duck.Connection) ([][]any, error) {
	return s.wrapped.ShowData(ctx, conn)
}
