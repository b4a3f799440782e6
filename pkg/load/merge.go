package load

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/malbeclabs/deltaflow/pkg/cdc"
	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// MergeLoader applies its source to a lakehouse-style target through the
// engine's MERGE INTO. The table name may be catalog-qualified, e.g.
// "lake.main.dim_customer" on an attached lakehouse catalog. A CDC source
// turns into delete/update/insert merge branches keyed on the change type; a
// plain source with a known primary key becomes an upsert merge; without a
// key the rows are appended.
type MergeLoader struct {
	*dataflow.Table

	log    *slog.Logger
	cfg    Config
	source dataflow.Dataset
}

func NewMergeLoader(log *slog.Logger, source dataflow.Dataset, tableName string, cfg Config) (*MergeLoader, error) {
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("merge target %s", tableName)
	}
	l := &MergeLoader{
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

// SubSelectClause quotes catalog-qualified names part by part.
func (l *MergeLoader) SubSelectClause() string {
	return fmt.Sprintf("(select * from %s)", sqlutil.QuoteQualified(l.TableName()))
}

func (l *MergeLoader) generatedKeyStart(ctx context.Context, conn duck.Connection) (int64, error) {
	if l.cfg.StartValue != nil {
		return *l.cfg.StartValue, nil
	}
	query := fmt.Sprintf("select max(%s) from %s",
		sqlutil.QuoteIdent(l.cfg.GeneratedKeyColumn), sqlutil.QuoteQualified(l.TableName()))
	l.log.Debug("reading the key start value from the merge target", "step", l.DatasetName(), "sql", query)
	maxKey, ok, err := conn.FetchInt64(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("failed to read max key from %s: %w", l.TableName(), err)
	}
	if !ok {
		return 1, nil
	}
	return maxKey + 1, nil
}

func (l *MergeLoader) execute(ctx context.Context, conn duck.Connection) error {
	l.Node().StartExecution()

	target := sqlutil.QuoteQualified(l.TableName())
	changeType := sqlutil.QuoteIdent(cdc.ChangeType)

	cols, err := l.source.Cols(ctx, conn)
	if err != nil {
		return err
	}
	// The change type stays in the merge source projection for a CDC source,
	// the branch predicates read it; it only ever lands in the target when
	// the target stores the stream itself.
	if !l.source.IsCDC() && !l.IsCDC() {
		cols = sqlutil.Diff(cols, []string{cdc.ChangeType})
	}

	// The key expression is projected into the merge source so matched rows
	// keep their key and new rows draw from the sequence.
	keyProjection := ""
	if l.cfg.GeneratedKeyColumn != "" {
		startValue, err := l.generatedKeyStart(ctx, conn)
		if err != nil {
			return err
		}
		sequenceName := strings.ReplaceAll(l.TableName(), ".", "_") + "_seq"
		if err := conn.CreateSequence(ctx, sequenceName, startValue); err != nil {
			return err
		}
		keyCol := sqlutil.QuoteIdent(l.cfg.GeneratedKeyColumn)
		if l.source.IsCDC() {
			keyProjection = fmt.Sprintf(", case when %s = '%s' then nextval('%s') else %s end as %s",
				changeType, cdc.Insert, sequenceName, keyCol, keyCol)
		} else {
			keyProjection = fmt.Sprintf(", coalesce(%s, nextval('%s')) as %s", keyCol, sequenceName, keyCol)
		}
		cols = sqlutil.Diff(cols, []string{l.cfg.GeneratedKeyColumn})
	}
	colsStr := sqlutil.JoinQuoted(cols, "")

	pkList := l.cfg.PKList
	if len(pkList) == 0 {
		pkList, err = conn.PrimaryKey(ctx, l.TableName())
		if err != nil {
			return err
		}
		l.SetPKList(pkList)
	}

	sourceSelect := fmt.Sprintf("(with source as %s select %s%s from source)",
		l.source.SubSelectClause(), colsStr, keyProjection)

	insertCols := cols
	if l.cfg.GeneratedKeyColumn != "" {
		insertCols = append(append([]string{}, cols...), l.cfg.GeneratedKeyColumn)
	}
	if !l.IsCDC() {
		insertCols = sqlutil.Diff(insertCols, []string{cdc.ChangeType})
	}

	var query string
	switch {
	case l.source.IsCDC() && !l.IsCDC() && len(pkList) > 0:
		query = fmt.Sprintf(`merge into %s as t using %s as s on %s
			when matched and s.%s = '%s' then delete
			when matched and s.%s = '%s' then update set %s
			when not matched and s.%s = '%s' then insert (%s) values (%s)`,
			target, sourceSelect, sqlutil.JoinCondition(pkList, "s", "t"),
			changeType, cdc.Delete,
			changeType, cdc.Update, updateAssignments(cols, pkList, l.cfg.GeneratedKeyColumn),
			changeType, cdc.Insert,
			sqlutil.JoinQuoted(insertCols, ""),
			sqlutil.JoinQuoted(insertCols, "s"))
	case len(pkList) > 0:
		query = fmt.Sprintf(`merge into %s as t using %s as s on %s
			when matched then update set %s
			when not matched then insert (%s) values (%s)`,
			target, sourceSelect, sqlutil.JoinCondition(pkList, "s", "t"),
			updateAssignments(cols, pkList, l.cfg.GeneratedKeyColumn),
			sqlutil.JoinQuoted(insertCols, ""),
			sqlutil.JoinQuoted(insertCols, "s"))
	default:
		query = fmt.Sprintf("insert into %s(%s) %s", target, sqlutil.JoinQuoted(insertCols, ""), sourceSelect)
	}
	l.log.Debug("merging into the target", "step", l.DatasetName(), "sql", query)
	if err := conn.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to merge into %s: %w", l.TableName(), err)
	}

	count, _, err := conn.FetchInt64(ctx, fmt.Sprintf("with source as %s select count(*) from source", l.source.SubSelectClause()))
	if err != nil {
		return fmt.Errorf("failed to count source rows of %s: %w", l.DatasetName(), err)
	}
	l.Node().FinishExecution(count)
	return nil
}
