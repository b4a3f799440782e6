// Package sqlutil contains small helpers for building SQL text: identifier
// quoting, comma-separated column lists and primary-key join conditions.
// User-provided values never pass through here; those are bound positionally.
package sqlutil

import "strings"

// QuoteIdent wraps an identifier in double quotes unless it is already quoted.
func QuoteIdent(name string) string {
	if name == "" {
		return name
	}
	if strings.HasPrefix(name, `"`) {
		return name
	}
	return `"` + name + `"`
}

// QuoteQualified quotes a possibly catalog-qualified name part by part, so
// "lake.main.dim" becomes `"lake"."main"."dim"`.
func QuoteQualified(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = QuoteIdent(p)
	}
	return strings.Join(parts, ".")
}

// JoinQuoted turns a list of column names into a comma separated string of
// quoted identifiers, optionally prefixed with a qualifier (e.g. `s."id"`).
func JoinQuoted(cols []string, qualifier string) string {
	var b strings.Builder
	for i, col := range cols {
		if i > 0 {
			b.WriteString(", ")
		}
		if qualifier != "" {
			b.WriteString(qualifier)
			b.WriteString(".")
		}
		b.WriteString(QuoteIdent(col))
	}
	return b.String()
}

// JoinCondition builds an equality join condition over the given key columns,
// `l."pk1" = r."pk1" and l."pk2" = r."pk2"`. An empty qualifier omits the
// prefix on that side.
func JoinCondition(keys []string, qualifierLeft, qualifierRight string) string {
	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteString(" and ")
		}
		col := QuoteIdent(key)
		if qualifierLeft != "" {
			b.WriteString(qualifierLeft)
			b.WriteString(".")
		}
		b.WriteString(col)
		b.WriteString(" = ")
		if qualifierRight != "" {
			b.WriteString(qualifierRight)
			b.WriteString(".")
		}
		b.WriteString(col)
	}
	return b.String()
}

// Diff returns the elements of a that are not in b, preserving the order of a.
func Diff(a, b []string) []string {
	out := make([]string, 0, len(a))
	for _, v := range a {
		if !Contains(b, v) {
			out = append(out, v)
		}
	}
	return out
}

// Contains reports whether the list holds the given value.
func Contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
