package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeltaflow_SQLUtil_QuoteIdent(t *testing.T) {
	t.Parallel()
	require.Equal(t, `"Customer Id"`, QuoteIdent("Customer Id"))
	require.Equal(t, `"already"`, QuoteIdent(`"already"`))
	require.Equal(t, "", QuoteIdent(""))
}

func TestDeltaflow_SQLUtil_QuoteQualified(t *testing.T) {
	t.Parallel()
	require.Equal(t, `"dim_customer"`, QuoteQualified("dim_customer"))
	require.Equal(t, `"lake"."main"."dim_customer"`, QuoteQualified("lake.main.dim_customer"))
}

func TestDeltaflow_SQLUtil_JoinQuoted(t *testing.T) {
	t.Parallel()
	require.Equal(t, `"a", "b"`, JoinQuoted([]string{"a", "b"}, ""))
	require.Equal(t, `s."a", s."b"`, JoinQuoted([]string{"a", "b"}, "s"))
	require.Equal(t, "", JoinQuoted(nil, "s"))
}

func TestDeltaflow_SQLUtil_JoinCondition(t *testing.T) {
	t.Parallel()
	require.Equal(t, `s."id" = t."id"`, JoinCondition([]string{"id"}, "s", "t"))
	require.Equal(t, `s."a" = t."a" and s."b" = t."b"`, JoinCondition([]string{"a", "b"}, "s", "t"))
	require.Equal(t, `"id" = b."id"`, JoinCondition([]string{"id"}, "", "b"))
}

func TestDeltaflow_SQLUtil_Diff(t *testing.T) {
	t.Parallel()
	require.Equal(t, []string{"a", "c"}, Diff([]string{"a", "b", "c"}, []string{"b"}))
	require.Empty(t, Diff([]string{"a"}, []string{"a"}))
	require.Equal(t, []string{"a"}, Diff([]string{"a"}, nil))
	require.True(t, Contains([]string{"a", "b"}, "b"))
	require.False(t, Contains(nil, "a"))
}
