package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// CDCOperationConfig configures change-type remapping and column assignments
// from the matched before image.
type CDCOperationConfig struct {
	// Name of the step; derived from the CDC table when empty.
	Name string
	// PKList identifies which before image belongs to what after image.
	// Required when ColumnExpressions is used; defaults to the CDC table's
	// primary key.
	PKList []string
	// MapInsertTo etc. remap the respective change type. Empty keeps it.
	MapInsertTo RowType
	MapUpdateTo RowType
	MapBeforeTo RowType
	MapDeleteTo RowType
	// ColumnExpressions assigns columns from raw SQL expressions, written
	// against the CDC table and the before image aliased b.
	ColumnExpressions map[string]string
}

// CDCOperation post-processes a CDC table in place: it remaps change types,
// e.g. turning every update into an insert, and sets columns from the
// matched before image row. Expressions run before the remapping so they
// still see the original change types.
type CDCOperation struct {
	*dataflow.TableSynonym

	log *slog.Logger
	cfg CDCOperationConfig
}

func NewCDCOperation(log *slog.Logger, cdcTable dataflow.PersistedDataset, cfg CDCOperationConfig) (*CDCOperation, error) {
	if !cdcTable.IsCDC() {
		return nil, fmt.Errorf("input dataset %s must be a CDC table", cdcTable.DatasetName())
	}
	if !cdcTable.IsPersisted() {
		return nil, fmt.Errorf("input dataset %s must be a persisted table", cdcTable.DatasetName())
	}
	if len(cfg.PKList) == 0 {
		cfg.PKList = cdcTable.PKList()
	}
	if len(cfg.ColumnExpressions) > 0 && len(cfg.PKList) == 0 {
		return nil, errors.New("for column expressions the logical primary key must be specified to match before and after images")
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("cdc operation for %s", cdcTable.TableName())
	}
	op := &CDCOperation{
		TableSynonym: dataflow.NewTableSynonym(log, name, cdcTable.Underlying()),
		log:          log,
		cfg:          cfg,
	}
	op.Node().Bind(dataflow.KindCDCOperation, op.execute)
	if err := op.Node().AddInput(cdcTable.Node()); err != nil {
		return nil, err
	}
	return op, nil
}

func (o *CDCOperation) mappingCases() string {
	mappings := []struct {
		from RowType
		to   RowType
	}{
		{Insert, o.cfg.MapInsertTo},
		{Update, o.cfg.MapUpdateTo},
		{Before, o.cfg.MapBeforeTo},
		{Delete, o.cfg.MapDeleteTo},
	}
	var cases []string
	for _, m := range mappings {
		if m.to != "" {
			cases = append(cases, fmt.Sprintf("when %s = '%s' then '%s'", changeTypeCol, m.from, m.to))
		}
	}
	if len(cases) == 0 {
		return ""
	}
	return strings.Join(cases, " ")
}

func (o *CDCOperation) execute(ctx context.Context, conn duck.Connection) error {
	o.Node().StartExecution()

	table := sqlutil.QuoteIdent(o.TableName())

	// Column expressions first: they read the before image by its original
	// change type, which the remapping below may rewrite.
	if len(o.cfg.ColumnExpressions) > 0 {
		cols := make([]string, 0, len(o.cfg.ColumnExpressions))
		for col := range o.cfg.ColumnExpressions {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		assignments := make([]string, 0, len(cols))
		for _, col := range cols {
			assignments = append(assignments, fmt.Sprintf("%s = %s", sqlutil.QuoteIdent(col), o.cfg.ColumnExpressions[col]))
		}
		joinCondition := sqlutil.JoinCondition(o.cfg.PKList, table, "b")
		updateSQL := fmt.Sprintf("update %s set %s from %s b where %s and b.%s = '%s'",
			table, strings.Join(assignments, ", "), table, joinCondition, changeTypeCol, Before)
		o.log.Debug("applying column expressions from the before image", "step", o.DatasetName(), "sql", updateSQL)
		if err := conn.Exec(ctx, updateSQL); err != nil {
			return fmt.Errorf("failed to apply column expressions on %s: %w", o.TableName(), err)
		}
	}

	if cases := o.mappingCases(); cases != "" {
		updateSQL := fmt.Sprintf("update %s set %s = case %s else %s end",
			table, changeTypeCol, cases, changeTypeCol)
		o.log.Debug("remapping change types", "step", o.DatasetName(), "sql", updateSQL)
		if err := conn.Exec(ctx, updateSQL); err != nil {
			return fmt.Errorf("failed to remap change types on %s: %w", o.TableName(), err)
		}
	}

	count, _, err := conn.FetchInt64(ctx, fmt.Sprintf("select count(*) from %s", table))
	if err != nil {
		return fmt.Errorf("failed to count rows of %s: %w", o.TableName(), err)
	}
	o.Node().FinishExecution(count)
	return nil
}
