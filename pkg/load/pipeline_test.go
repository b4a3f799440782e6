package load

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/deltaflow/pkg/cdc"
	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
)

func openTestConn(t *testing.T) duck.Connection {
	t.Helper()
	db, err := duck.Open(testLogger(), "")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	conn, err := db.Conn(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// fetchVersions returns the target's row count and the sorted names of the
// active versions.
func fetchVersions(t *testing.T, conn duck.Connection) (total int, active []string) {
	t.Helper()
	rows, err := conn.Fetch(context.Background(),
		`select "First Name", "current" from "customer_output"`)
	require.NoError(t, err)
	for _, row := range rows {
		if row[1] == "Y" {
			active = append(active, row[0].(string))
		}
	}
	sort.Strings(active)
	return len(rows), active
}

// The three-run round trip: load an initial dimension, change and delete
// rows, then revert to the initial content. Every change yields a new version
// with a fresh key; reverted values never reopen a closed version.
func TestDeltaflow_Load_SCD2Pipeline_ThreeRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := openTestConn(t)

	require.NoError(t, conn.Exec(ctx, `create table customers ("Customer Id" varchar primary key, "First Name" varchar)`))
	require.NoError(t, conn.Exec(ctx, `insert into customers values ('56b3cEA1E6A49F1', 'Barry'), ('eF43a70995dabAB', 'Terrance')`))

	log := testLogger()
	termination := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

	df := dataflow.New(log)
	source := dataflow.NewTable(log, "customers", "customers", false, []string{"Customer Id"})
	df.Add(source)

	cmp, err := cdc.NewComparison(log, source, cdc.ComparisonConfig{
		DetectDeletes:   true,
		OrderColumn:     "version_id",
		EndDateColumn:   "end_date",
		TerminationDate: termination,
	})
	require.NoError(t, err)
	df.Add(cmp)

	scd2, err := cdc.NewSCD2(log, cmp, cdc.SCD2Config{
		StartDateColumn:   "start_date",
		EndDateColumn:     "end_date",
		TerminationDate:   termination,
		CurrentFlagColumn: "current",
	})
	require.NoError(t, err)
	df.Add(scd2)

	loader, err := NewTableLoader(log, scd2, "customer_output", Config{})
	require.NoError(t, err)

	gk, err := cdc.NewGenerateKey(log, scd2, cdc.GenerateKeyConfig{
		SurrogateKeyColumn: "version_id",
		Target:             loader,
	})
	require.NoError(t, err)
	df.Add(gk)
	// Keys must exist before the loader applies the stream.
	require.NoError(t, loader.Node().AddInput(gk.Node()))
	df.Add(loader)
	cmp.SetComparison(loader)

	require.NoError(t, loader.AddAllColumns(ctx, conn, source))
	require.NoError(t, scd2.AddDefaultColumns(loader.Underlying()))
	require.NoError(t, gk.AddDefaultColumns(loader.Underlying()))
	require.NoError(t, loader.CreateTable(ctx, conn))

	run := func() {
		t.Helper()
		require.NoError(t, df.Start(ctx, conn))
		df.Completed()
	}

	// Run 1: initial load into the empty dimension.
	run()
	total, active := fetchVersions(t, conn)
	require.Equal(t, 2, total)
	require.Equal(t, []string{"Barry", "Terrance"}, active)
	count, ok, err := conn.FetchInt64(ctx,
		`select count(*) from "customer_output" where "end_date" = ?`, termination)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(2), count)

	// Run 2: one update, one delete, one insert.
	require.NoError(t, conn.Exec(ctx, `update customers set "First Name" = 'Berry' where "Customer Id" = '56b3cEA1E6A49F1'`))
	require.NoError(t, conn.Exec(ctx, `delete from customers where "Customer Id" = 'eF43a70995dabAB'`))
	require.NoError(t, conn.Exec(ctx, `insert into customers values ('FaE5E3c1Ea0dAf6', 'Fritz')`))
	run()
	total, active = fetchVersions(t, conn)
	require.Equal(t, 4, total)
	require.Equal(t, []string{"Berry", "Fritz"}, active)

	// Run 3: revert to the initial content. The reappearing key gets a new
	// version instead of reopening the closed one.
	require.NoError(t, conn.Exec(ctx, `update customers set "First Name" = 'Barry' where "Customer Id" = '56b3cEA1E6A49F1'`))
	require.NoError(t, conn.Exec(ctx, `delete from customers where "Customer Id" = 'FaE5E3c1Ea0dAf6'`))
	require.NoError(t, conn.Exec(ctx, `insert into customers values ('eF43a70995dabAB', 'Terrance')`))
	run()
	total, active = fetchVersions(t, conn)
	require.Equal(t, 6, total)
	require.Equal(t, []string{"Barry", "Terrance"}, active)

	// Surrogate keys stay unique across all versions.
	distinct, ok, err := conn.FetchInt64(ctx, `select count(distinct "version_id") from "customer_output"`)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(6), distinct)
}

// An identity run produces an empty delta and leaves the target untouched.
func TestDeltaflow_Load_SCD2Pipeline_IdentityRunIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := openTestConn(t)

	require.NoError(t, conn.Exec(ctx, `create table items (id varchar primary key, name varchar)`))
	require.NoError(t, conn.Exec(ctx, `insert into items values ('a', 'alpha'), ('b', 'beta')`))
	require.NoError(t, conn.Exec(ctx, `create table items_target as select id, name from items`))

	log := testLogger()
	source := dataflow.NewTable(log, "items", "items", false, []string{"id"})
	cmp, err := cdc.NewComparison(log, source, cdc.ComparisonConfig{DetectDeletes: true})
	require.NoError(t, err)
	cmp.SetComparison(dataflow.NewTable(log, "items_target", "items_target", false, nil))

	require.NoError(t, cmp.Node().Start(ctx, conn))
	require.Equal(t, int64(0), cmp.Node().LastExecution.RowsProcessed)
}

// Changes confined to ignored columns produce no delta.
func TestDeltaflow_Load_SCD2Pipeline_IgnoredColumnsProduceNoDelta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := openTestConn(t)

	require.NoError(t, conn.Exec(ctx, `create table items (id varchar primary key, name varchar, change_date timestamp)`))
	require.NoError(t, conn.Exec(ctx, `insert into items values ('a', 'alpha', now())`))
	require.NoError(t, conn.Exec(ctx, `create table items_target as select * from items`))
	require.NoError(t, conn.Exec(ctx, `update items set change_date = now() + interval 1 day`))

	log := testLogger()
	source := dataflow.NewTable(log, "items", "items", false, []string{"id"})
	cmp, err := cdc.NewComparison(log, source, cdc.ComparisonConfig{ColumnsToIgnore: []string{"change_date"}})
	require.NoError(t, err)
	cmp.SetComparison(dataflow.NewTable(log, "items_target", "items_target", false, nil))

	require.NoError(t, cmp.Node().Start(ctx, conn))
	require.Equal(t, int64(0), cmp.Node().LastExecution.RowsProcessed)
}

// A source row for a key that only has closed history must come back as an
// insert, not an update of the closed version.
func TestDeltaflow_Load_SCD2Pipeline_ClosedHistoryYieldsInsert(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := openTestConn(t)

	termination := time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)
	require.NoError(t, conn.Exec(ctx, `create table items (id varchar primary key, name varchar)`))
	require.NoError(t, conn.Exec(ctx, `insert into items values ('k', 'kilo')`))
	require.NoError(t, conn.Exec(ctx, `create table items_target (id varchar, name varchar, start_date timestamp_ms, end_date timestamp_ms)`))
	// Only a closed historic version for the key, no active row.
	require.NoError(t, conn.Exec(ctx, `insert into items_target values ('k', 'kilo', timestamp '2024-01-01', timestamp '2024-06-01')`))

	log := testLogger()
	source := dataflow.NewTable(log, "items", "items", false, []string{"id"})
	cmp, err := cdc.NewComparison(log, source, cdc.ComparisonConfig{
		EndDateColumn:   "end_date",
		TerminationDate: termination,
	})
	require.NoError(t, err)
	cmp.SetComparison(dataflow.NewTable(log, "items_target", "items_target", false, nil))

	require.NoError(t, cmp.Node().Start(ctx, conn))
	rows, err := conn.Fetch(ctx, `select "__change_type" from "items_tc"`)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "I", fmt.Sprint(rows[0][0]))
}

// Loading the same non-CDC data twice must neither duplicate rows nor change
// the row count.
func TestDeltaflow_Load_TableLoader_UpsertRerunProducesNoDuplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conn := openTestConn(t)

	require.NoError(t, conn.Exec(ctx, `create table staged (id varchar, v varchar)`))
	require.NoError(t, conn.Exec(ctx, `insert into staged values ('a', '1'), ('b', '2')`))
	require.NoError(t, conn.Exec(ctx, `create table kv (id varchar primary key, v varchar)`))

	log := testLogger()
	source := dataflow.NewTable(log, "staged", "staged", false, nil)
	loader, err := NewTableLoader(log, source, "kv", Config{})
	require.NoError(t, err)

	for range 2 {
		require.NoError(t, loader.Node().Start(ctx, conn))
		loader.Node().Completed()
	}
	count, _, err := conn.FetchInt64(ctx, `select count(*) from kv`)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}
