package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// Table is a Dataset persisted in the engine under a table name.
type Table struct {
	*Step
	datasetBase

	name      string
	tableName string
}

func NewTable(log *slog.Logger, name, tableName string, isCDC bool, pkList []string) *Table {
	t := &Table{
		Step:      NewStep(log, name, KindDataset),
		name:      name,
		tableName: tableName,
	}
	t.isCDC = isCDC
	t.pkList = pkList
	return t
}

func (t *Table) DatasetName() string { return t.name }
func (t *Table) TableName() string   { return t.tableName }
func (t *Table) IsPersisted() bool   { return true }
func (t *Table) Underlying() *Table  { return t }

// InvalidateSchema drops the cached schema so the next access reads the
// catalog again. Steps that recreate their table call this after doing so.
func (t *Table) InvalidateSchema() { t.schema = nil }

func (t *Table) SubSelectClause() string {
	return fmt.Sprintf("(select * from %s)", sqlutil.QuoteIdent(t.tableName))
}

// Schema returns the cached schema, reading it from the engine catalog when
// not yet known. Columns added with AddColumn before the table exists stay in
// the cache.
func (t *Table) Schema(ctx context.Context, conn duck.Connection) (*arrow.Schema, error) {
	if t.schema != nil {
		return t.schema, nil
	}
	cols, err := conn.CatalogColumns(ctx, t.tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema of table %s: %w", t.tableName, err)
	}
	if len(cols) == 0 {
		// Table not in the catalog yet; fall back to the sub-select.
		schema, err := querySchema(ctx, conn, t.SubSelectClause())
		if err != nil {
			return nil, fmt.Errorf("failed to discover schema of table %s: %w", t.tableName, err)
		}
		t.schema = schema
		return t.schema, nil
	}
	fields := make([]arrow.Field, 0, len(cols))
	for _, col := range cols {
		dt, err := col.ArrowType()
		if err != nil {
			return nil, fmt.Errorf("failed to map column %s of table %s: %w", col.Name, t.tableName, err)
		}
		fields = append(fields, arrow.Field{Name: col.Name, Type: dt, Nullable: col.Nullable})
	}
	t.schema = arrow.NewSchema(fields, nil)
	return t.schema, nil
}

func (t *Table) Cols(ctx context.Context, conn duck.Connection) ([]string, error) {
	schema, err := t.Schema(ctx, conn)
	if err != nil {
		return nil, err
	}
	return schemaCols(schema), nil
}

// TablePrimaryKey resolves the primary key from the pk list or, when unset,
// from the engine catalog. The result is cached on the dataset.
func (t *Table) TablePrimaryKey(ctx context.Context, conn duck.Connection) ([]string, error) {
	if len(t.pkList) > 0 {
		return t.pkList, nil
	}
	pk, err := conn.PrimaryKey(ctx, t.tableName)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of table %s: %w", t.tableName, err)
	}
	if len(pk) > 0 {
		t.pkList = pk
	}
	return t.pkList, nil
}

// AddColumn appends a column to the pending schema of a table that is being
// built before CreateTable materialises it.
func (t *Table) AddColumn(field arrow.Field) error {
	t.schema = appendField(t.schema, field)
	return nil
}

// AddAllColumns copies the source's column definitions into this table's
// pending schema. Persisted sources go through the catalog so nullability and
// decimal precision are preserved; virtual sources go through their Arrow
// schema.
func (t *Table) AddAllColumns(ctx context.Context, conn duck.Connection, source Dataset) error {
	var fields []arrow.Field
	if persisted, ok := source.(interface{ TableName() string }); ok && source.IsPersisted() {
		cols, err := conn.CatalogColumns(ctx, persisted.TableName())
		if err != nil {
			return fmt.Errorf("failed to read columns of %s: %w", persisted.TableName(), err)
		}
		for _, col := range cols {
			dt, err := col.ArrowType()
			if err != nil {
				return fmt.Errorf("failed to map column %s of %s: %w", col.Name, persisted.TableName(), err)
			}
			fields = append(fields, arrow.Field{Name: col.Name, Type: dt, Nullable: col.Nullable})
		}
	} else {
		schema, err := source.Schema(ctx, conn)
		if err != nil {
			return fmt.Errorf("failed to read schema of %s: %w", source.DatasetName(), err)
		}
		fields = schema.Fields()
	}
	for _, f := range fields {
		t.schema = appendField(t.schema, f)
	}
	return nil
}

// CreateTable materialises the accumulated schema, replacing any existing
// table of the same name. A non-empty pk list becomes the primary key
// constraint.
func (t *Table) CreateTable(ctx context.Context, conn duck.Connection) error {
	if t.schema == nil || t.schema.NumFields() == 0 {
		return fmt.Errorf("table %s: %w", t.tableName, ErrNoColumns)
	}
	defs := make([]string, 0, t.schema.NumFields()+1)
	for _, f := range t.schema.Fields() {
		sqlType, err := duck.SQLType(f.Type)
		if err != nil {
			return fmt.Errorf("failed to map column %s of table %s: %w", f.Name, t.tableName, err)
		}
		defs = append(defs, fmt.Sprintf("%s %s", sqlutil.QuoteIdent(f.Name), sqlType))
	}
	if len(t.pkList) > 0 {
		defs = append(defs, fmt.Sprintf("primary key (%s)", sqlutil.JoinQuoted(t.pkList, "")))
	}
	query := fmt.Sprintf("create or replace table %s (%s)", sqlutil.QuoteIdent(t.tableName), strings.Join(defs, ", "))
	t.Log().Debug("creating table", "table", t.tableName, "sql", query)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", t.tableName, err)
	}
	return nil
}

// ShowData runs the presentation query configured with SetShowColumns and
// SetShowWhereClause over the table.
func (t *Table) ShowData(ctx context.Context, conn duck.Connection) ([][]any, error) {
	return t.showData(ctx, conn, t.SubSelectClause())
}
