// Package load contains the final steps of a pipeline: appliers that bring a
// CDC stream or a plain dataset into a persistent target table.
package load

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/cdc"
	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// Config is the shared loader configuration.
type Config struct {
	// Name of the step; derived from the table name when empty.
	Name string
	// PKList is the target's physical primary key, for targets that do not
	// declare one. The logical key of the source is not used here.
	PKList []string
	// AllowEvolution marks targets that tolerate appended columns.
	AllowEvolution bool
	// IsCDC marks targets that store the change type column themselves.
	IsCDC bool
	// GeneratedKeyColumn is filled from a sequence for all insert rows.
	GeneratedKeyColumn string
	// StartValue seeds the key sequence; when nil, max(key)+1 is read from
	// the target.
	StartValue *int64
}

// TableLoader applies its source to a local target table. A CDC source is
// applied as insert, update and delete statements in that order; a plain
// source is upserted when a primary key is known and appended otherwise.
// CDC source into CDC target appends the change stream as is.
type TableLoader struct {
	*dataflow.Table

	log    *slog.Logger
	cfg    Config
	source dataflow.Dataset
}

func NewTableLoader(log *slog.Logger, source dataflow.Dataset, tableName string, cfg Config) (*TableLoader, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("target table %s", tableName)
	}
	l := &TableLoader{
		Table:  dataflow.NewTable(log, name, tableName, cfg.IsCDC, cfg.PKList),
		log:    log,
		cfg:    cfg,
		source: source,
	}
	l.Node().Bind(dataflow.KindLoader, l.execute)
	if err := l.Node().AddInput(source.Node()); err != nil {
		return nil, err
	}
	return l, nil
}

// AddDefaultColumns appends the loader's own columns to the pending target
// schema: the generated key column, which becomes the primary key, and the
// change type column when the target itself stores the CDC stream.
func (l *TableLoader) AddDefaultColumns() error {
	if l.cfg.GeneratedKeyColumn != "" {
		if err := l.AddColumn(arrow.Field{Name: l.cfg.GeneratedKeyColumn, Type: arrow.PrimitiveTypes.Int32, Nullable: true}); err != nil {
			return err
		}
		l.SetPKList([]string{l.cfg.GeneratedKeyColumn})
	}
	if l.cfg.IsCDC {
		if err := l.AddColumn(arrow.Field{Name: cdc.ChangeType, Type: arrow.BinaryTypes.String, Nullable: true}); err != nil {
			return err
		}
	}
	return nil
}

// generatedKeyStart resolves the first key of the run: the configured start
// value, else max(key)+1 from the target, else 1 on an empty target.
func (l *TableLoader) generatedKeyStart(ctx context.Context, conn duck.Connection) (int64, error) {
	if l.cfg.StartValue != nil {
		return *l.cfg.StartValue, nil
	}
	query := fmt.Sprintf("select max(%s) from %s",
		sqlutil.QuoteIdent(l.cfg.GeneratedKeyColumn), sqlutil.QuoteIdent(l.TableName()))
	l.log.Debug("reading the key start value from the target", "step", l.DatasetName(), "sql", query)
	maxKey, ok, err := conn.FetchInt64(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to read max key from %s: %w", l.TableName(), err)
	}
	if !ok {
		return 1, nil
	}
	return maxKey + 1, nil
}

func (l *TableLoader) execute(ctx context.Context, conn duck.Connection) error {
	l.Node().StartExecution()

	target := sqlutil.QuoteIdent(l.TableName())

	tablePK, err := conn.PrimaryKey(ctx, l.TableName())
	if err != nil {
		return err
	}
	pkList := l.cfg.PKList
	useTablePK := false
	if len(pkList) == 0 {
		pkList = tablePK
		useTablePK = len(tablePK) > 0
		if !useTablePK {
			l.log.Debug("target has no primary key, data will be appended", "table", l.TableName())
		}
	} else if slices.Equal(pkList, tablePK) {
		useTablePK = true
	}
	l.SetPKList(pkList)

	sourceCols, err := l.source.Cols(ctx, conn)
	if err != nil {
		return err
	}
	targetCols, err := l.Cols(ctx, conn)
	if err != nil {
		return err
	}
	cols := sourceCols
	if !sqlutil.Contains(targetCols, cdc.ChangeType) {
		cols = sqlutil.Diff(cols, []string{cdc.ChangeType})
	}

	genKeyCols := ""
	genKeyInsertValue := ""
	genKeyAppendValue := ""
	if l.cfg.GeneratedKeyColumn != "" {
		startValue, err := l.generatedKeyStart(ctx, conn)
		if err != nil {
			return err
		}
		sequenceName := l.TableName() + "_seq"
		if err := conn.CreateSequence(ctx, sequenceName, startValue); err != nil {
			return err
		}
		keyCol := sqlutil.QuoteIdent(l.cfg.GeneratedKeyColumn)
		genKeyCols = ", " + keyCol
		genKeyInsertValue = fmt.Sprintf(", nextval('%s')", sequenceName)
		if sqlutil.Contains(cols, l.cfg.GeneratedKeyColumn) {
			genKeyAppendValue = fmt.Sprintf(", coalesce(%s, nextval('%s'))", keyCol, sequenceName)
		} else {
			genKeyAppendValue = genKeyInsertValue
		}
		cols = sqlutil.Diff(cols, []string{l.cfg.GeneratedKeyColumn})
	}
	colsStr := sqlutil.JoinQuoted(cols, "")

	sourceClause := l.source.SubSelectClause()
	cdcToCDC := l.source.IsCDC() && l.IsCDC()
	switch {
	case l.source.IsCDC() && !l.IsCDC() && len(pkList) > 0:
		if err := l.applyChanges(ctx, conn, sourceClause, cols, colsStr, pkList, genKeyCols, genKeyInsertValue); err != nil {
			return err
		}
	case useTablePK && !cdcToCDC:
		query := fmt.Sprintf("with source as %s insert or replace into %s(%s%s) select %s%s from source",
			sourceClause, target, colsStr, genKeyCols, colsStr, genKeyAppendValue)
		l.log.Debug("upserting all rows", "step", l.DatasetName(), "sql", query)
		if err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to upsert into %s: %w", l.TableName(), err)
		}
	case len(pkList) > 0 && !cdcToCDC:
		if err := l.upsertByLogicalPK(ctx, conn, sourceClause, cols, colsStr, pkList, genKeyCols, genKeyAppendValue); err != nil {
			return err
		}
	default:
		query := fmt.Sprintf("with source as %s insert into %s(%s%s) select %s%s from source",
			sourceClause, target, colsStr, genKeyCols, colsStr, genKeyAppendValue)
		l.log.Debug("appending all rows", "step", l.DatasetName(), "sql", query)
		if err := conn.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to append into %s: %w", l.TableName(), err)
		}
	}

	count, _, err := conn.FetchInt64(ctx, fmt.Sprintf("with source as %s select count(*) from source", sourceClause))
	if err != nil {
		return fmt.Errorf("failed to count source rows of %s: %w", l.DatasetName(), err)
	}
	l.Node().FinishExecution(count)
	return nil
}

// applyChanges applies a CDC stream to a non-CDC target: insert the 'I' rows,
// update the 'U' rows by primary key, delete the 'D' rows by primary key.
func (l *TableLoader) applyChanges(ctx context.Context, conn duck.Connection, sourceClause string, cols []string, colsStr string, pkList []string, genKeyCols, genKeyValue string) error {
	target := sqlutil.QuoteIdent(l.TableName())
	changeType := sqlutil.QuoteIdent(cdc.ChangeType)

	insertSQL := fmt.Sprintf("with source as %s insert into %s(%s%s) select %s%s from source where %s = '%s'",
		sourceClause, target, colsStr, genKeyCols, colsStr, genKeyValue, changeType, cdc.Insert)
	l.log.Debug("inserting all insert rows", "step", l.DatasetName(), "sql", insertSQL)
	if err := conn.Exec(ctx, insertSQL); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", l.TableName(), err)
	}

	updateSQL := fmt.Sprintf("with source as %s update %s set %s from source s where %s and s.%s = '%s'",
		sourceClause, target, updateAssignments(cols, pkList, l.cfg.GeneratedKeyColumn),
		sqlutil.JoinCondition(pkList, "s", target), changeType, cdc.Update)
	l.log.Debug("updating all update rows", "step", l.DatasetName(), "sql", updateSQL)
	if err := conn.Exec(ctx, updateSQL); err != nil {
		return fmt.Errorf("failed to update %s: %w", l.TableName(), err)
	}

	pkStr := sqlutil.JoinQuoted(pkList, "")
	deleteSQL := fmt.Sprintf("with source as %s delete from %s where (%s) in (select %s from source where %s = '%s')",
		sourceClause, target, pkStr, pkStr, changeType, cdc.Delete)
	l.log.Debug("deleting all delete rows", "step", l.DatasetName(), "sql", deleteSQL)
	if err := conn.Exec(ctx, deleteSQL); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", l.TableName(), err)
	}
	return nil
}

// upsertByLogicalPK updates matching rows first, then inserts the missing
// ones, for targets without a declared primary key constraint.
func (l *TableLoader) upsertByLogicalPK(ctx context.Context, conn duck.Connection, sourceClause string, cols []string, colsStr string, pkList []string, genKeyCols, genKeyValue string) error {
	target := sqlutil.QuoteIdent(l.TableName())

	updateSQL := fmt.Sprintf("with source as %s update %s set %s from source s where %s",
		sourceClause, target, updateAssignments(cols, pkList, l.cfg.GeneratedKeyColumn),
		sqlutil.JoinCondition(pkList, "s", target))
	l.log.Debug("updating all matching rows", "step", l.DatasetName(), "sql", updateSQL)
	if err := conn.Exec(ctx, updateSQL); err != nil {
		return fmt.Errorf("failed to update %s: %w", l.TableName(), err)
	}

	pkStr := sqlutil.JoinQuoted(pkList, "")
	insertSQL := fmt.Sprintf("with source as %s insert into %s(%s%s) select %s%s from source where (%s) not in (select %s from %s)",
		sourceClause, target, colsStr, genKeyCols, colsStr, genKeyValue, pkStr, pkStr, target)
	l.log.Debug("inserting all new rows", "step", l.DatasetName(), "sql", insertSQL)
	if err := conn.Exec(ctx, insertSQL); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", l.TableName(), err)
	}
	return nil
}

func updateAssignments(cols, pkList []string, generatedKeyColumn string) string {
	var assignments []string
	for _, col := range cols {
		if sqlutil.Contains(pkList, col) || col == generatedKeyColumn || col == cdc.ChangeType {
			continue
		}
		assignments = append(assignments, fmt.Sprintf("%s = s.%s", sqlutil.QuoteIdent(col), sqlutil.QuoteIdent(col)))
	}
	return strings.Join(assignments, ", ")
}
