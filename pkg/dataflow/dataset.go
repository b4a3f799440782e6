package dataflow

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

var (
	// ErrNoColumns is returned when a table is created without any declared
	// columns.
	ErrNoColumns = errors.New("cannot create a table without columns, add some first")
	// ErrSynonymMutation is returned when a schema change is attempted on a
	// synonym instead of the table it stands for.
	ErrSynonymMutation = errors.New("schema changes must go to the table the synonym stands for")
)

// Dataset is a named source of rows: a persisted table, a parameterised
// query, or a synonym sharing another table's storage.
type Dataset interface {
	Node
	// DatasetName is the dataset's identity within the graph.
	DatasetName() string
	// IsPersisted reports whether the dataset is backed by a table.
	IsPersisted() bool
	// SubSelectClause returns a parenthesised SQL expression selecting all
	// columns of the dataset, for inlining into a larger statement.
	SubSelectClause() string
	// Schema returns the dataset's Arrow schema, discovering it on first use.
	Schema(ctx context.Context, conn duck.Connection) (*arrow.Schema, error)
	// Cols returns the sorted column names of the dataset.
	Cols(ctx context.Context, conn duck.Connection) ([]string, error)
	// IsCDC reports whether the dataset semantically carries a change type
	// column.
	IsCDC() bool
	PKList() []string
	SetPKList(pk []string)
}

// PersistedDataset is a Dataset backed by table storage: a Table, a
// TableSynonym, or any step embedding one of them.
type PersistedDataset interface {
	Dataset
	TableName() string
	// Underlying returns the Table holding the storage; a synonym returns
	// the table it stands for.
	Underlying() *Table
	TablePrimaryKey(ctx context.Context, conn duck.Connection) ([]string, error)
}

var (
	_ Dataset          = (*Table)(nil)
	_ Dataset          = (*Query)(nil)
	_ PersistedDataset = (*Table)(nil)
	_ PersistedDataset = (*TableSynonym)(nil)
)

// datasetBase carries the state shared by all dataset variants.
type datasetBase struct {
	isCDC          bool
	pkList         []string
	schema         *arrow.Schema
	showProjection string
	whereClause    string
}

func (d *datasetBase) IsCDC() bool          { return d.isCDC }
func (d *datasetBase) PKList() []string     { return d.pkList }
func (d *datasetBase) SetPKList(pk []string) { d.pkList = pk }

// SetShowColumns restricts the projection returned by ShowData.
func (d *datasetBase) SetShowColumns(cols []string) {
	d.showProjection = sqlutil.JoinQuoted(cols, "")
}

// SetShowWhereClause restricts the rows returned by ShowData.
func (d *datasetBase) SetShowWhereClause(clause string) {
	d.whereClause = clause
}

func (d *datasetBase) showData(ctx context.Context, conn duck.Connection, subSelect string) ([][]any, error) {
	projection := d.showProjection
	if projection == "" {
		projection = "*"
	}
	where := ""
	if d.whereClause != "" {
		where = " where " + d.whereClause
	}
	query := fmt.Sprintf("with tab as %s select %s from tab%s", subSelect, projection, where)
	return conn.Fetch(ctx, query)
}

func schemaCols(schema *arrow.Schema) []string {
	cols := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		cols = append(cols, f.Name)
	}
	sort.Strings(cols)
	return cols
}

func appendField(schema *arrow.Schema, field arrow.Field) *arrow.Schema {
	if schema == nil {
		return arrow.NewSchema([]arrow.Field{field}, nil)
	}
	return arrow.NewSchema(append(schema.Fields(), field), nil)
}

// querySchema discovers the Arrow schema of a dataset by wrapping its
// sub-select clause.
func querySchema(ctx context.Context, conn duck.Connection, subSelect string) (*arrow.Schema, error) {
	return conn.ArrowSchema(ctx, fmt.Sprintf("with source as %s select * from source", subSelect))
}
