package duck

import (
	"context"
	"database/sql/driver"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	duckdb "github.com/duckdb/duckdb-go/v2"
)

// ArrowSchema runs the query through the driver's Arrow interface and returns
// the schema of the result. This is how virtual datasets discover their
// columns without being persisted.
func (c *connection) ArrowSchema(ctx context.Context, query string) (*arrow.Schema, error) {
	var schema *arrow.Schema
	err := c.conn.Raw(func(driverConn any) error {
		dc, ok := driverConn.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected driver connection type %T", driverConn)
		}
		ar, err := duckdb.NewArrowFromConn(dc)
		if err != nil {
			return fmt.Errorf("failed to create Arrow interface: %w", err)
		}
		reader, err := ar.QueryContext(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to execute Arrow query: %w", err)
		}
		defer reader.Release()
		schema = reader.Schema()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read Arrow schema: %w", err)
	}
	return schema, nil
}
