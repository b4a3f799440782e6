package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// ErrNoPrimaryKey is returned when no logical primary key can be derived from
// the configuration, the comparison table or the source table.
var ErrNoPrimaryKey = errors.New("no logical primary key can be derived, provide one explicitly")

// DefaultTerminationDate marks an open-ended active version.
var DefaultTerminationDate = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// ComparisonConfig configures the delta computation.
type ComparisonConfig struct {
	// Name of the step; derived from the source when empty.
	Name string
	// PKList is the logical primary key. When empty it is resolved from the
	// source dataset, then the comparison table, then the source table.
	PKList []string
	// ColumnsToIgnore are source columns excluded from the equality
	// comparison but still propagated to the output.
	ColumnsToIgnore []string
	// OrderColumn picks the row with the greatest value when the comparison
	// table stores multiple rows per primary key.
	OrderColumn string
	// BeforeImage controls whether a 'B' row is emitted per update.
	// Defaults to true.
	BeforeImage *bool
	// DetectDeletes emits 'D' rows for keys present in the comparison table
	// but missing in the source.
	DetectDeletes bool
	// EndDateColumn restricts the rows compared against to those where this
	// column equals TerminationDate, the active SCD2 version. Delete detection
	// is not restricted by it.
	EndDateColumn string
	// TerminationDate is the end date of an active version. Defaults to
	// 9999-12-31. Bound as a parameter only when EndDateColumn is set.
	TerminationDate time.Time
}

func (cfg *ComparisonConfig) Validate() error {
	if cfg.BeforeImage == nil {
		enabled := true
		cfg.BeforeImage = &enabled
	}
	if cfg.TerminationDate.IsZero() {
		cfg.TerminationDate = DefaultTerminationDate
	}
	return nil
}

// Comparison computes the row-level delta between a source dataset and a
// comparison table, typically the current target. It produces a CDC table
// named <source>_tc with every row tagged 'I', 'U', 'B' or 'D': the shape of
// the comparison table plus the change type column.
//
// The comparison table may carry more columns than the source; their current
// values are retained on updates and left null on inserts. When it stores
// multiple rows per key, OrderColumn selects the row to compare against, so a
// value flipping A -> B -> A still yields a new version. With EndDateColumn
// set, only rows of the active SCD2 version are compared against, which is
// what makes a delete followed by a re-insert a fresh version rather than a
// reopened one. Delete detection reads every row of the comparison table,
// closed versions included.
type Comparison struct {
	*dataflow.Table

	log        *slog.Logger
	cfg        ComparisonConfig
	source     dataflow.Dataset
	comparison dataflow.Dataset
}

func NewComparison(log *slog.Logger, source dataflow.Dataset, cfg ComparisonConfig) (*Comparison, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate comparison config: %w", err)
	}
	pkList := cfg.PKList
	if len(pkList) == 0 && len(source.PKList()) > 0 {
		pkList = source.PKList()
		log.Debug("no logical primary key provided, using the source's", "source", source.DatasetName(), "pk", pkList)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("comparison for %s", source.DatasetName())
	}
	c := &Comparison{
		Table:  dataflow.NewTable(log, name, source.DatasetName()+"_tc", true, pkList),
		log:    log,
		cfg:    cfg,
		source: source,
	}
	c.Node().Bind(dataflow.KindComparison, c.execute)
	if err := c.Node().AddInput(source.Node()); err != nil {
		return nil, err
	}
	return c, nil
}

// SetComparison sets the dataset the source is compared against, typically
// the target table of the pipeline.
func (c *Comparison) SetComparison(ds dataflow.Dataset) {
	c.comparison = ds
}

// SetSource rewires the comparison to a new source dataset between runs.
func (c *Comparison) SetSource(source dataflow.Dataset) error {
	if c.source != nil {
		c.Node().RemoveInput(c.source.Node())
	}
	c.source = source
	return c.Node().AddInput(source.Node())
}

func (c *Comparison) resolvePK(ctx context.Context, conn duck.Connection) ([]string, error) {
	if pk := c.PKList(); len(pk) > 0 {
		return pk, nil
	}
	if t, ok := c.comparison.(dataflow.PersistedDataset); ok {
		pk, err := t.TablePrimaryKey(ctx, conn)
		if err != nil {
			return nil, err
		}
		if len(pk) > 0 {
			c.log.Debug("using the comparison table's primary key", "table", t.TableName(), "pk", pk)
			return pk, nil
		}
	}
	if t, ok := c.source.(dataflow.PersistedDataset); ok {
		pk, err := t.TablePrimaryKey(ctx, conn)
		if err != nil {
			return nil, err
		}
		if len(pk) > 0 {
			c.log.Debug("using the source table's primary key", "table", t.TableName(), "pk", pk)
			return pk, nil
		}
	}
	return nil, ErrNoPrimaryKey
}

func (c *Comparison) execute(ctx context.Context, conn duck.Connection) error {
	if c.comparison == nil {
		return fmt.Errorf("comparison %s has no comparison dataset, call SetComparison first", c.DatasetName())
	}
	c.Node().StartExecution()

	pkList, err := c.resolvePK(ctx, conn)
	if err != nil {
		return err
	}
	c.SetPKList(pkList)

	inputCols, err := c.source.Cols(ctx, conn)
	if err != nil {
		return err
	}
	// In case the source carries the change type already, it never takes
	// part in the comparison.
	inputCols = sqlutil.Diff(inputCols, []string{ChangeType})

	comparisonCols, err := c.comparison.Cols(ctx, conn)
	if err != nil {
		return err
	}
	comparisonHasChangeType := sqlutil.Contains(comparisonCols, ChangeType)
	comparisonCols = sqlutil.Diff(comparisonCols, []string{ChangeType})

	compareCols := sqlutil.Diff(inputCols, c.cfg.ColumnsToIgnore)
	extraCols := sqlutil.Diff(comparisonCols, inputCols)

	pkStr := sqlutil.JoinQuoted(pkList, "")
	inputColsS := sqlutil.JoinQuoted(inputCols, "s")
	inputColsT := sqlutil.JoinQuoted(inputCols, "t")
	compareColsStr := sqlutil.JoinQuoted(compareCols, "")

	var extraNulls, extraT, extraS strings.Builder
	for _, col := range extraCols {
		extraNulls.WriteString(fmt.Sprintf(", null as %s", sqlutil.QuoteIdent(col)))
		extraT.WriteString(", t." + sqlutil.QuoteIdent(col))
		extraS.WriteString(", s." + sqlutil.QuoteIdent(col))
	}

	joinSourceCurrent := sqlutil.JoinCondition(pkList, "s", "t")
	joinChangedCurrent := sqlutil.JoinCondition(pkList, "k", "t")

	orderClause := ""
	if c.cfg.OrderColumn != "" {
		orderClause = fmt.Sprintf("order by %s desc", sqlutil.QuoteIdent(c.cfg.OrderColumn))
	}
	activeFilter := ""
	if c.cfg.EndDateColumn != "" {
		activeFilter = fmt.Sprintf("where %s = ?", sqlutil.QuoteIdent(c.cfg.EndDateColumn))
	}

	selectSQL := fmt.Sprintf(`
		with comparison_table as %s,
		current_version as (
			select * from (
				select *, row_number() over (partition by %s %s) as "__rownumber"
				from comparison_table %s
			) where "__rownumber" = 1
		),
		source as %s,
		changed as (
			select %s from source as s
			except
			select %s from current_version as s
		)
		select %s%s, '%s' as %s
		from source as s where (%s) not in (select %s from current_version)
		union all
		select %s%s, '%s' as %s
		from source as s join current_version as t on %s join changed k on %s`,
		c.comparison.SubSelectClause(),
		pkStr, orderClause,
		activeFilter,
		c.source.SubSelectClause(),
		compareColsStr,
		compareColsStr,
		inputColsS, extraNulls.String(), Insert, changeTypeCol,
		pkStr, pkStr,
		inputColsS, extraT.String(), Update, changeTypeCol,
		joinSourceCurrent, joinChangedCurrent,
	)
	if *c.cfg.BeforeImage {
		selectSQL += fmt.Sprintf(`
		union all
		select %s%s, '%s' as %s
		from source as s join current_version as t on %s join changed k on %s`,
			inputColsT, extraT.String(), Before, changeTypeCol,
			joinSourceCurrent, joinChangedCurrent,
		)
	}
	if c.cfg.DetectDeletes {
		selectSQL += fmt.Sprintf(`
		union all
		select %s%s, '%s' as %s
		from comparison_table as s where (%s) not in (select %s from source)`,
			inputColsS, extraS.String(), Delete, changeTypeCol,
			pkStr, pkStr,
		)
	}

	outputTable := sqlutil.QuoteIdent(c.TableName())
	createSQL := fmt.Sprintf("create or replace table %s as from %s with no data",
		outputTable, c.comparison.SubSelectClause())
	c.log.Debug("creating the comparison output table", "step", c.DatasetName(), "sql", createSQL)
	if err := conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("failed to create output table %s: %w", c.TableName(), err)
	}
	if !comparisonHasChangeType {
		alterSQL := fmt.Sprintf("alter table %s add %s varchar(1)", outputTable, changeTypeCol)
		c.log.Debug("adding the change type column", "step", c.DatasetName(), "sql", alterSQL)
		if err := conn.Exec(ctx, alterSQL); err != nil {
			return fmt.Errorf("failed to add change type column to %s: %w", c.TableName(), err)
		}
	}
	c.InvalidateSchema()

	outputList := sqlutil.JoinQuoted(inputCols, "")
	for _, col := range extraCols {
		outputList += ", " + sqlutil.QuoteIdent(col)
	}
	outputList += ", " + changeTypeCol
	insertSQL := fmt.Sprintf("insert into %s(%s) %s", outputTable, outputList, selectSQL)
	c.log.Debug("computing the delta", "step", c.DatasetName(), "sql", insertSQL)
	if c.cfg.EndDateColumn != "" {
		err = conn.Exec(ctx, insertSQL, c.cfg.TerminationDate)
	} else {
		err = conn.Exec(ctx, insertSQL)
	}
	if err != nil {
		return fmt.Errorf("failed to compute delta into %s: %w", c.TableName(), err)
	}

	count, _, err := conn.FetchInt64(ctx, fmt.Sprintf("select count(*) from %s", outputTable))
	if err != nil {
		return fmt.Errorf("failed to count delta rows of %s: %w", c.TableName(), err)
	}
	c.Node().FinishExecution(count)
	return nil
}
