// Package ducktest provides a recording fake of the engine connection for
// tests that assert on the SQL a step generates without a live database.
package ducktest

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/duck"
)

// Statement is one recorded Exec call.
type Statement struct {
	SQL  string
	Args []any
}

// Conn records every statement and answers queries through the optional
// hooks. Unset hooks return empty results.
type Conn struct {
	Statements []Statement
	Sequences  map[string]int64

	FetchFunc          func(query string, args ...any) ([][]any, error)
	FetchInt64Func     func(query string, args ...any) (int64, bool, error)
	ArrowSchemaFunc    func(query string) (*arrow.Schema, error)
	CatalogColumnsFunc func(table string) ([]duck.ColumnInfo, error)
	PrimaryKeyFunc     func(table string) ([]string, error)
}

var _ duck.Connection = (*Conn)(nil)

func New() *Conn {
	return &Conn{Sequences: make(map[string]int64)}
}

// SQL returns the recorded statement texts in execution order.
func (c *Conn) SQL() []string {
	out := make([]string, len(c.Statements))
	for i, s := range c.Statements {
		out[i] = s.SQL
	}
	return out
}

func (c *Conn) Exec(ctx context.Context, query string, args ...any) error {
	c.Statements = append(c.Statements, Statement{SQL: query, Args: args})
	return nil
}

func (c *Conn) Fetch(ctx context.Context, query string, args ...any) ([][]any, error) {
	if c.FetchFunc != nil {
		return c.FetchFunc(query, args...)
	}
	return nil, nil
}

func (c *Conn) FetchInt64(ctx context.Context, query string, args ...any) (int64, bool, error) {
	if c.FetchInt64Func != nil {
		return c.FetchInt64Func(query, args...)
	}
	return 0, false, nil
}

func (c *Conn) ArrowSchema(ctx context.Context, query string) (*arrow.Schema, error) {
	if c.ArrowSchemaFunc != nil {
		return c.ArrowSchemaFunc(query)
	}
	return arrow.NewSchema(nil, nil), nil
}

func (c *Conn) CatalogColumns(ctx context.Context, table string) ([]duck.ColumnInfo, error) {
	if c.CatalogColumnsFunc != nil {
		return c.CatalogColumnsFunc(table)
	}
	return nil, nil
}

func (c *Conn) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	if c.PrimaryKeyFunc != nil {
		return c.PrimaryKeyFunc(table)
	}
	return nil, nil
}

func (c *Conn) CreateSequence(ctx context.Context, name string, start int64) error {
	c.Sequences[name] = start
	return nil
}

func (c *Conn) Close() error { return nil }
