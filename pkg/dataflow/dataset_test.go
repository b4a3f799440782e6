package dataflow

import (
	"context"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/duck/ducktest"
)

func TestDeltaflow_Dataflow_Table_SubSelectClause(t *testing.T) {
	t.Parallel()
	table := NewTable(testLogger(), "customers", "customers", false, []string{"id"})
	require.Equal(t, `(select * from "customers")`, table.SubSelectClause())
	require.True(t, table.IsPersisted())
	require.Equal(t, []string{"id"}, table.PKList())
}

func TestDeltaflow_Dataflow_Table_CreateTable(t *testing.T) {
	t.Parallel()
	conn := ducktest.New()
	table := NewTable(testLogger(), "dim", "dim_customer", false, nil)

	// No columns declared yet.
	err := table.CreateTable(context.Background(), conn)
	require.ErrorIs(t, err, ErrNoColumns)

	require.NoError(t, table.AddColumn(arrow.Field{Name: "id", Type: arrow.BinaryTypes.String}))
	require.NoError(t, table.AddColumn(arrow.Field{Name: "valid_from", Type: &arrow.TimestampType{Unit: arrow.Millisecond}}))
	require.NoError(t, table.AddColumn(arrow.Field{Name: "version_id", Type: arrow.PrimitiveTypes.Int32}))
	table.SetPKList([]string{"version_id"})

	require.NoError(t, table.CreateTable(context.Background(), conn))
	require.Len(t, conn.Statements, 1)
	sql := conn.Statements[0].SQL
	require.Contains(t, sql, `create or replace table "dim_customer"`)
	require.Contains(t, sql, `"id" VARCHAR`)
	require.Contains(t, sql, `"valid_from" TIMESTAMP_MS`)
	require.Contains(t, sql, `"version_id" INTEGER`)
	require.Contains(t, sql, `primary key ("version_id")`)
}

func TestDeltaflow_Dataflow_Table_SchemaFromCatalog(t *testing.T) {
	t.Parallel()
	conn := ducktest.New()
	conn.CatalogColumnsFunc = func(table string) ([]duck.ColumnInfo, error) {
		require.Equal(t, "customers", table)
		return []duck.ColumnInfo{
			{Name: "id", Type: "VARCHAR", Nullable: false},
			{Name: "amount", Type: "DECIMAL(18,2)", Nullable: true},
		}, nil
	}
	table := NewTable(testLogger(), "customers", "customers", false, nil)

	cols, err := table.Cols(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, []string{"amount", "id"}, cols)

	schema, err := table.Schema(context.Background(), conn)
	require.NoError(t, err)
	idx := schema.FieldIndices("amount")
	require.Len(t, idx, 1)
	dec, ok := schema.Field(idx[0]).Type.(*arrow.Decimal128Type)
	require.True(t, ok)
	require.Equal(t, int32(18), dec.Precision)
	require.Equal(t, int32(2), dec.Scale)
}

func TestDeltaflow_Dataflow_Table_PrimaryKeyFromCatalog(t *testing.T) {
	t.Parallel()
	conn := ducktest.New()
	conn.PrimaryKeyFunc = func(table string) ([]string, error) {
		return []string{"id"}, nil
	}
	table := NewTable(testLogger(), "customers", "customers", false, nil)
	pk, err := table.TablePrimaryKey(context.Background(), conn)
	require.NoError(t, err)
	require.Equal(t, []string{"id"}, pk)
	// Cached on the dataset afterwards.
	require.Equal(t, []string{"id"}, table.PKList())
}

func TestDeltaflow_Dataflow_Synonym_SharesStorageAndRejectsMutation(t *testing.T) {
	t.Parallel()
	table := NewTable(testLogger(), "customers_tc", "customers_tc", true, nil)
	syn := NewTableSynonym(testLogger(), "scd2", table)

	require.Equal(t, table.SubSelectClause(), syn.SubSelectClause())
	require.Equal(t, "customers_tc", syn.TableName())
	require.True(t, syn.IsCDC())
	require.Same(t, table, syn.Underlying())

	// Distinct step identity.
	require.NotSame(t, table.Node(), syn.Node())

	err := syn.AddColumn(arrow.Field{Name: "x", Type: arrow.BinaryTypes.String})
	require.ErrorIs(t, err, ErrSynonymMutation)
	err = syn.CreateTable(context.Background(), ducktest.New())
	require.ErrorIs(t, err, ErrSynonymMutation)

	// The primary key routes to the wrapped table.
	syn.SetPKList([]string{"id"})
	require.Equal(t, []string{"id"}, table.PKList())
}

func TestDeltaflow_Dataflow_Query_PlaceholderValidation(t *testing.T) {
	t.Parallel()
	source := NewTable(testLogger(), "customers", "customers", false, nil)

	q, err := NewQuery(testLogger(), "q", "select * from {customers}", []Dataset{source}, false, nil)
	require.NoError(t, err)
	require.False(t, q.IsPersisted())
	require.Equal(t, `(select * from (select * from "customers"))`, q.SubSelectClause())

	_, err = NewQuery(testLogger(), "q", "select * from {missing}", []Dataset{source}, false, nil)
	require.Error(t, err)
	require.ErrorContains(t, err, "missing")

	_, err = NewQuery(testLogger(), "q", "select * from {orders}", nil, false, nil)
	require.Error(t, err)
}

func TestDeltaflow_Dataflow_Query_NestedSubstitution(t *testing.T) {
	t.Parallel()
	source := NewTable(testLogger(), "customers", "customers", false, nil)
	inner, err := NewQuery(testLogger(), "active", "select * from {customers} where active", []Dataset{source}, false, nil)
	require.NoError(t, err)
	outer, err := NewQuery(testLogger(), "named", "select id from {active}", []Dataset{inner}, false, nil)
	require.NoError(t, err)
	require.Equal(t,
		`(select id from (select * from (select * from "customers") where active))`,
		outer.SubSelectClause())
}

func TestDeltaflow_Dataflow_ShowData(t *testing.T) {
	t.Parallel()
	conn := ducktest.New()
	var captured string
	conn.FetchFunc = func(query string, args ...any) ([][]any, error) {
		captured = query
		return [][]any{{"56b3cEA1E6A49F1", "Barry"}}, nil
	}
	table := NewTable(testLogger(), "customers", "customers", false, nil)
	table.SetShowColumns([]string{"Customer Id", "First Name"})
	table.SetShowWhereClause(`"Customer Id" = '56b3cEA1E6A49F1'`)

	rows, err := table.ShowData(context.Background(), conn)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, strings.HasPrefix(captured, `with tab as (select * from "customers") select "Customer Id", "First Name" from tab where `))
}
