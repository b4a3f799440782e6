package load

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/deltaflow/pkg/cdc"
)

func TestDeltaflow_Load_MergeLoader_CDCSource(t *testing.T) {
	t.Parallel()
	source := seededTable(t, "customers_tc", true, nil, "id", "name", cdc.ChangeType)

	loader, err := NewMergeLoader(testLogger(), source, "lake.main.dim_customer", Config{PKList: []string{"id"}})
	require.NoError(t, err)

	conn := countingConn(3)
	require.NoError(t, loader.Node().Start(context.Background(), conn))

	sql := conn.SQL()
	require.Len(t, sql, 1)
	merge := sql[0]
	require.Contains(t, merge, `merge into "lake"."main"."dim_customer" as t`)
	require.Contains(t, merge, `on s."id" = t."id"`)
	require.Contains(t, merge, `when matched and s."__change_type" = 'D' then delete`)
	require.Contains(t, merge, `when matched and s."__change_type" = 'U' then update set "name" = s."name"`)
	require.Contains(t, merge, `when not matched and s."__change_type" = 'I' then insert ("id", "name") values (s."id", s."name")`)
	// The change type steers the branches but never lands in the target.
	require.NotContains(t, merge, `insert ("__change_type"`)
	require.Equal(t, int64(3), loader.Node().LastExecution.RowsProcessed)
}

func TestDeltaflow_Load_MergeLoader_UpsertWithoutChangeTypes(t *testing.T) {
	t.Parallel()
	source := seededTable(t, "customers", false, nil, "id", "name")

	loader, err := NewMergeLoader(testLogger(), source, "lake.main.dim_customer", Config{PKList: []string{"id"}})
	require.NoError(t, err)

	conn := countingConn(2)
	require.NoError(t, loader.Node().Start(context.Background(), conn))
	merge := conn.SQL()[0]
	require.Contains(t, merge, "when matched then update set")
	require.Contains(t, merge, "when not matched then insert")
	require.NotContains(t, merge, "__change_type")
}

func TestDeltaflow_Load_MergeLoader_AppendWithoutPK(t *testing.T) {
	t.Parallel()
	source := seededTable(t, "events", false, nil, "id", "payload")

	loader, err := NewMergeLoader(testLogger(), source, "lake.main.events", Config{})
	require.NoError(t, err)

	conn := countingConn(5)
	require.NoError(t, loader.Node().Start(context.Background(), conn))
	merge := conn.SQL()[0]
	require.Contains(t, merge, `insert into "lake"."main"."events"("id", "payload")`)
	require.NotContains(t, merge, "merge into")
}

func TestDeltaflow_Load_MergeLoader_GeneratedKeyProjection(t *testing.T) {
	t.Parallel()
	source := seededTable(t, "customers_tc", true, nil, "id", "name", "version_id", cdc.ChangeType)

	loader, err := NewMergeLoader(testLogger(), source, "lake.main.dim_customer", Config{
		PKList:             []string{"id"},
		GeneratedKeyColumn: "version_id",
	})
	require.NoError(t, err)

	conn := countingConn(3)
	require.NoError(t, loader.Node().Start(context.Background(), conn))
	merge := conn.SQL()[0]
	// Insert rows draw from the sequence, everything else keeps its key.
	require.Contains(t, merge, `case when "__change_type" = 'I' then nextval('lake_main_dim_customer_seq') else "version_id" end as "version_id"`)
	require.Contains(t, merge, `insert ("id", "name", "version_id")`)
}
