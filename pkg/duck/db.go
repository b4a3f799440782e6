// Package duck is the narrow adapter over the embedded DuckDB engine. The
// pipeline steps only ever talk to the Connection interface: execute a
// statement with positional parameters, fetch rows, read the table catalog,
// or ask for the Arrow schema of an arbitrary query.
package duck

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/malbeclabs/deltaflow/pkg/metrics"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// ColumnInfo describes one column of a persisted table as reported by the
// engine catalog, in table order.
type ColumnInfo struct {
	Name             string
	Type             string
	Nullable         bool
	NumericPrecision int64
	NumericScale     int64
	HasPrecision     bool
}

// Connection is the engine contract the pipeline steps are written against.
type Connection interface {
	// Exec runs a statement; parameters are bound by position.
	Exec(ctx context.Context, query string, args ...any) error
	// Fetch runs a query and returns all rows as value tuples.
	Fetch(ctx context.Context, query string, args ...any) ([][]any, error)
	// FetchInt64 runs a single-value query (count, max) and returns the
	// result as int64. A NULL result yields ok=false.
	FetchInt64(ctx context.Context, query string, args ...any) (value int64, ok bool, err error)
	// ArrowSchema returns the Arrow schema of the query result without
	// materialising it client-side.
	ArrowSchema(ctx context.Context, query string) (*arrow.Schema, error)
	// CatalogColumns returns the ordered column metadata of a persisted table.
	CatalogColumns(ctx context.Context, table string) ([]ColumnInfo, error)
	// PrimaryKey returns the primary key column names of a persisted table,
	// or an empty slice when the table has no primary key.
	PrimaryKey(ctx context.Context, table string) ([]string, error)
	// CreateSequence creates or replaces a monotonic counter starting at start.
	CreateSequence(ctx context.Context, name string, start int64) error

	Close() error
}

// DB represents an embedded DuckDB database.
type DB struct {
	log   *slog.Logger
	sqlDB *sql.DB
}

// Open opens a DuckDB database at the given path. An empty path opens an
// in-memory database.
func Open(log *slog.Logger, path string) (*DB, error) {
	sqlDB, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping DuckDB database: %w", err)
	}
	return &DB{log: log, sqlDB: sqlDB}, nil
}

// Conn returns the single connection a pipeline run is executed on. Sequences
// and temporary state created by the steps live on this connection.
func (db *DB) Conn(ctx context.Context) (Connection, error) {
	conn, err := db.sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire DuckDB connection: %w", err)
	}
	return &connection{log: db.log, conn: conn}, nil
}

func (db *DB) Close() error {
	return db.sqlDB.Close()
}

type connection struct {
	log  *slog.Logger
	conn *sql.Conn
}

var _ Connection = (*connection)(nil)

func (c *connection) Exec(ctx context.Context, query string, args ...any) error {
	start := time.Now()
	_, err := c.conn.ExecContext(ctx, query, args...)
	observeStatement(start, err)
	if err != nil {
		return fmt.Errorf("failed to execute statement: %w", err)
	}
	return nil
}

func (c *connection) Fetch(ctx context.Context, query string, args ...any) ([][]any, error) {
	start := time.Now()
	rows, err := c.conn.QueryContext(ctx, query, args...)
	observeStatement(start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	var result [][]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		result = append(result, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return result, nil
}

func (c *connection) FetchInt64(ctx context.Context, query string, args ...any) (int64, bool, error) {
	rows, err := c.Fetch(ctx, query, args...)
	if err != nil {
		return 0, false, err
	}
	if len(rows) == 0 || len(rows[0]) == 0 || rows[0][0] == nil {
		return 0, false, nil
	}
	switch v := rows[0][0].(type) {
	case int64:
		return v, true, nil
	case int32:
		return int64(v), true, nil
	case int:
		return int64(v), true, nil
	case uint64:
		return int64(v), true, nil
	case uint32:
		return int64(v), true, nil
	case float64:
		return int64(v), true, nil
	default:
		return 0, false, fmt.Errorf("unexpected scalar type %T for query %q", v, query)
	}
}

func (c *connection) CreateSequence(ctx context.Context, name string, start int64) error {
	query := fmt.Sprintf("create or replace sequence %s start %d", sqlutil.QuoteIdent(name), start)
	if err := c.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create sequence %s: %w", name, err)
	}
	return nil
}

func (c *connection) Close() error {
	return c.conn.Close()
}

func observeStatement(start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.EngineStatementsTotal.WithLabelValues(status).Inc()
	metrics.EngineStatementDuration.Observe(time.Since(start).Seconds())
}
