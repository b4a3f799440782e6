package duck

import (
	"context"
	"database/sql"
	"fmt"
)

// CatalogColumns reads the ordered column metadata of a persisted table from
// the information schema, including nullability and decimal precision/scale.
func (c *connection) CatalogColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	query := `select column_name, data_type, is_nullable, numeric_precision, numeric_scale
		from information_schema.columns
		where table_name = ?
		order by ordinal_position`
	rows, err := c.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog columns of %s: %w", table, err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var (
			name      string
			dataType  string
			nullable  string
			precision sql.NullInt64
			scale     sql.NullInt64
		)
		if err := rows.Scan(&name, &dataType, &nullable, &precision, &scale); err != nil {
			return nil, fmt.Errorf("failed to scan catalog column of %s: %w", table, err)
		}
		cols = append(cols, ColumnInfo{
			Name:             name,
			Type:             dataType,
			Nullable:         nullable == "YES",
			NumericPrecision: precision.Int64,
			NumericScale:     scale.Int64,
			HasPrecision:     precision.Valid,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating catalog columns of %s: %w", table, err)
	}
	return cols, nil
}

// PrimaryKey reads the primary key constraint of a persisted table from the
// engine catalog. Tables without a primary key yield an empty slice.
func (c *connection) PrimaryKey(ctx context.Context, table string) ([]string, error) {
	query := `select constraint_column_names from duckdb_constraints()
		where table_name = ? and constraint_type = 'PRIMARY KEY'`
	rows, err := c.Fetch(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key of %s: %w", table, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var pk []string
	switch names := rows[0][0].(type) {
	case []any:
		for _, n := range names {
			s, ok := n.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected primary key column type %T for table %s", n, table)
			}
			pk = append(pk, s)
		}
	case []string:
		pk = append(pk, names...)
	default:
		return nil, fmt.Errorf("unexpected primary key constraint type %T for table %s", names, table)
	}
	return pk, nil
}
