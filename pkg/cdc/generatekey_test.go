package cdc

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/deltaflow/pkg/duck/ducktest"
)

func TestDeltaflow_CDC_GenerateKey_ConfigValidation(t *testing.T) {
	t.Parallel()
	cdcTable := seededTable(t, "customers_tc", true, []string{"id"}, "id", "version_id")

	_, err := NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{})
	require.Error(t, err)

	_, err = NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{SurrogateKeyColumn: "version_id"})
	require.Error(t, err) // no start value and no target to read it from
}

func TestDeltaflow_CDC_GenerateKey_ExplicitStartValue(t *testing.T) {
	t.Parallel()
	cdcTable := seededTable(t, "customers_tc", true, []string{"id"}, "id", "version_id")
	start := int64(100)
	gk, err := NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{
		SurrogateKeyColumn: "version_id",
		StartValue:         &start,
	})
	require.NoError(t, err)

	conn := countingConn(3)
	require.NoError(t, gk.Node().Start(context.Background(), conn))

	require.Equal(t, int64(100), conn.Sequences["customers_tc_seq"])
	require.Len(t, conn.Statements, 1)
	require.Equal(t,
		`update "customers_tc" set "version_id" = nextval('customers_tc_seq') where "__change_type" = 'I'`,
		conn.Statements[0].SQL)
	require.Equal(t, int64(3), gk.Node().LastExecution.RowsProcessed)
}

func TestDeltaflow_CDC_GenerateKey_StartFromTargetMax(t *testing.T) {
	t.Parallel()
	cdcTable := seededTable(t, "customers_tc", true, []string{"id"}, "id", "version_id")
	target := seededTable(t, "dim_customer", false, []string{"version_id"}, "id", "version_id")

	gk, err := NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{Target: target})
	require.NoError(t, err)

	conn := ducktest.New()
	conn.FetchInt64Func = func(query string, args ...any) (int64, bool, error) {
		if strings.Contains(query, "max(") {
			return 41, true, nil
		}
		return 0, true, nil
	}
	require.NoError(t, gk.Node().Start(context.Background(), conn))
	require.Equal(t, int64(42), conn.Sequences["customers_tc_seq"])
}

func TestDeltaflow_CDC_GenerateKey_EmptyTargetStartsAtOne(t *testing.T) {
	t.Parallel()
	cdcTable := seededTable(t, "customers_tc", true, []string{"id"}, "id", "version_id")
	target := seededTable(t, "dim_customer", false, []string{"version_id"}, "id", "version_id")

	gk, err := NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{Target: target})
	require.NoError(t, err)

	conn := ducktest.New()
	conn.FetchInt64Func = func(query string, args ...any) (int64, bool, error) {
		if strings.Contains(query, "max(") {
			return 0, false, nil // null max on an empty target
		}
		return 0, true, nil
	}
	require.NoError(t, gk.Node().Start(context.Background(), conn))
	require.Equal(t, int64(1), conn.Sequences["customers_tc_seq"])
}

func TestDeltaflow_CDC_GenerateKey_KeyColumnFromTargetPK(t *testing.T) {
	t.Parallel()
	cdcTable := seededTable(t, "customers_tc", true, []string{"id"}, "id", "version_id")

	// Composite primary key cannot serve as surrogate key column.
	composite := seededTable(t, "dim_multi", false, []string{"a", "b"}, "a", "b")
	gk, err := NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{Target: composite})
	require.NoError(t, err)
	err = gk.Node().Start(context.Background(), countingConn(0))
	require.Error(t, err)
	require.ErrorContains(t, err, "composite")

	// No primary key at all.
	bare := seededTable(t, "dim_bare", false, nil, "a")
	gk2, err := NewGenerateKey(testLogger(), cdcTable, GenerateKeyConfig{Target: bare})
	require.NoError(t, err)
	err = gk2.Node().Start(context.Background(), countingConn(0))
	require.Error(t, err)
	require.ErrorContains(t, err, "no primary key")
}
