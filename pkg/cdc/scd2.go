package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// SCD2Config configures the conversion of CDC rows into SCD2 versioning rows.
type SCD2Config struct {
	// Name of the step; derived from the source table when empty.
	Name string
	// StartDateColumn and EndDateColumn are the validity window columns.
	StartDateColumn string
	EndDateColumn   string
	// StartDate of new versions. Defaults to now(UTC) at execute time. Insert
	// rows that already carry a start date keep it; a pre-supplied order date
	// can serve as start date that way. Updates are overwritten
	// unconditionally.
	StartDate time.Time
	// EndDate assigned to closed versions. Defaults to StartDate.
	EndDate time.Time
	// TerminationDate assigned to active versions. Defaults to 9999-12-31.
	TerminationDate time.Time
	// CurrentFlagColumn optionally marks the active version. When empty, the
	// flag assignment is omitted from the update.
	CurrentFlagColumn string
	CurrentFlagSet    string
	CurrentFlagUnset  string
	// Clock supplies the default start date; tests inject a fake.
	Clock clockwork.Clock
}

func (cfg *SCD2Config) Validate() error {
	if cfg.StartDateColumn == "" {
		return errors.New("start date column is required")
	}
	if cfg.EndDateColumn == "" {
		return errors.New("end date column is required")
	}
	if cfg.TerminationDate.IsZero() {
		cfg.TerminationDate = DefaultTerminationDate
	}
	if cfg.CurrentFlagSet == "" {
		cfg.CurrentFlagSet = "Y"
	}
	if cfg.CurrentFlagUnset == "" {
		cfg.CurrentFlagUnset = "N"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return nil
}

// SCD2 converts the change set of a CDC table into SCD2 versioning rows, in
// place. Insert and after-image rows become new active versions with the
// start date set and the end date at the termination date; before-image and
// delete rows become closing updates of the prior version, keeping their
// start date and receiving the end date. The resulting table only carries 'I'
// and 'U' rows for the downstream applier.
type SCD2 struct {
	*dataflow.TableSynonym

	log    *slog.Logger
	cfg    SCD2Config
	source dataflow.PersistedDataset
}

func NewSCD2(log *slog.Logger, source dataflow.PersistedDataset, cfg SCD2Config) (*SCD2, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate SCD2 config: %w", err)
	}
	if !source.IsPersisted() {
		return nil, fmt.Errorf("SCD2 source %s must be a persisted table, it updates values in place", source.DatasetName())
	}
	if !source.IsCDC() {
		return nil, fmt.Errorf("SCD2 source %s must be a CDC dataset", source.DatasetName())
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("scd2 for %s", source.TableName())
	}
	s := &SCD2{
		TableSynonym: dataflow.NewTableSynonym(log, name, source.Underlying()),
		log:          log,
		cfg:          cfg,
		source:       source,
	}
	s.Node().Bind(dataflow.KindSCD2, s.execute)
	if err := s.Node().AddInput(source.Node()); err != nil {
		return nil, err
	}
	return s, nil
}

// AddDefaultColumns appends the validity window columns and the optional
// current flag column to a target table that is being built.
func (s *SCD2) AddDefaultColumns(target *dataflow.Table) error {
	if err := target.AddColumn(arrow.Field{Name: s.cfg.StartDateColumn, Type: &arrow.TimestampType{Unit: arrow.Millisecond}, Nullable: true}); err != nil {
		return err
	}
	if err := target.AddColumn(arrow.Field{Name: s.cfg.EndDateColumn, Type: &arrow.TimestampType{Unit: arrow.Millisecond}, Nullable: true}); err != nil {
		return err
	}
	if s.cfg.CurrentFlagColumn != "" {
		if err := target.AddColumn(arrow.Field{Name: s.cfg.CurrentFlagColumn, Type: arrow.BinaryTypes.String, Nullable: true}); err != nil {
			return err
		}
	}
	return nil
}

func (s *SCD2) execute(ctx context.Context, conn duck.Connection) error {
	s.Node().StartExecution()

	startDate := s.cfg.StartDate
	if startDate.IsZero() {
		startDate = s.cfg.Clock.Now().UTC()
	}
	endDate := s.cfg.EndDate
	if endDate.IsZero() {
		endDate = startDate
	}

	table := sqlutil.QuoteIdent(s.TableName())
	startCol := sqlutil.QuoteIdent(s.cfg.StartDateColumn)
	endCol := sqlutil.QuoteIdent(s.cfg.EndDateColumn)

	flagAssignment := ""
	if s.cfg.CurrentFlagColumn != "" {
		flagAssignment = fmt.Sprintf(`
			%s = case when %s = '%s' or %s = '%s' then $4
			when %s = '%s' or %s = '%s' then $5
			end,`,
			sqlutil.QuoteIdent(s.cfg.CurrentFlagColumn),
			changeTypeCol, Insert, changeTypeCol, Update,
			changeTypeCol, Before, changeTypeCol, Delete,
		)
	}

	updateSQL := fmt.Sprintf(`
		update %s set
		%s = case when %s = '%s' then ifnull(%s, $1)
		when %s = '%s' then $1
		when %s = '%s' or %s = '%s' then %s
		end,
		%s = case when %s = '%s' or %s = '%s' then $3
		when %s = '%s' or %s = '%s' then $2
		end,%s
		%s = case when %s = '%s' or %s = '%s' then '%s'
		when %s = '%s' or %s = '%s' then '%s'
		end`,
		table,
		startCol, changeTypeCol, Insert, startCol,
		changeTypeCol, Update,
		changeTypeCol, Before, changeTypeCol, Delete, startCol,
		endCol, changeTypeCol, Insert, changeTypeCol, Update,
		changeTypeCol, Before, changeTypeCol, Delete,
		flagAssignment,
		changeTypeCol, changeTypeCol, Insert, changeTypeCol, Update, Insert,
		changeTypeCol, Before, changeTypeCol, Delete, Update,
	)
	s.log.Debug("converting CDC rows into SCD2 versions", "step", s.DatasetName(), "table", s.TableName(), "sql", updateSQL)
	args := []any{startDate, endDate, s.cfg.TerminationDate}
	if s.cfg.CurrentFlagColumn != "" {
		args = append(args, s.cfg.CurrentFlagSet, s.cfg.CurrentFlagUnset)
	}
	if err := conn.Exec(ctx, updateSQL, args...); err != nil {
		return fmt.Errorf("failed to convert %s into SCD2 rows: %w", s.TableName(), err)
	}

	count, _, err := conn.FetchInt64(ctx, fmt.Sprintf("select count(*) from %s", table))
	if err != nil {
		return fmt.Errorf("failed to count rows of %s: %w", s.TableName(), err)
	}
	s.Node().FinishExecution(count)
	return nil
}
