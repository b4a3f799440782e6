package cdc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/sqlutil"
)

// GenerateKeyConfig configures surrogate-key assignment on a CDC table.
type GenerateKeyConfig struct {
	// Name of the step; derived from the CDC table when empty.
	Name string
	// SurrogateKeyColumn receives the generated keys. When empty it is
	// resolved from the target table's single-column primary key.
	SurrogateKeyColumn string
	// StartValue is the first key to assign. When nil, max(key)+1 is read
	// from the target table.
	StartValue *int64
	// Target is the physical target table the start value and, when needed,
	// the key column are read from.
	Target dataflow.PersistedDataset
}

func (cfg *GenerateKeyConfig) Validate() error {
	if cfg.SurrogateKeyColumn == "" && cfg.Target == nil {
		return errors.New("either a surrogate key column or a target table is required")
	}
	if cfg.StartValue == nil && cfg.Target == nil {
		return errors.New("either a start value or a target table is required")
	}
	return nil
}

// GenerateKey assigns fresh surrogate keys to every insert row of the CDC
// table, in place. The keys come from a sequence recreated per run, starting
// at the explicit start value or at max(key)+1 of the target table, so keys
// stay unique across runs.
type GenerateKey struct {
	*dataflow.TableSynonym

	log *slog.Logger
	cfg GenerateKeyConfig
}

func NewGenerateKey(log *slog.Logger, cdcTable dataflow.PersistedDataset, cfg GenerateKeyConfig) (*GenerateKey, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate generate key config: %w", err)
	}
	name := cfg.Name
	if name == "" {
		name = fmt.Sprintf("generate key for %s", cdcTable.TableName())
	}
	g := &GenerateKey{
		TableSynonym: dataflow.NewTableSynonym(log, name, cdcTable.Underlying()),
		log:          log,
		cfg:          cfg,
	}
	g.Node().Bind(dataflow.KindGenerateKey, g.execute)
	if err := g.Node().AddInput(cdcTable.Node()); err != nil {
		return nil, err
	}
	return g, nil
}

// AddDefaultColumns appends the surrogate key column to a target table that
// is being built and makes it the primary key.
func (g *GenerateKey) AddDefaultColumns(target *dataflow.Table) error {
	if g.cfg.SurrogateKeyColumn == "" {
		return errors.New("the surrogate key column must be known to add it to the target")
	}
	if err := target.AddColumn(arrow.Field{Name: g.cfg.SurrogateKeyColumn, Type: arrow.PrimitiveTypes.Int32, Nullable: true}); err != nil {
		return err
	}
	target.SetPKList([]string{g.cfg.SurrogateKeyColumn})
	return nil
}

func (g *GenerateKey) resolveKeyColumn(ctx context.Context, conn duck.Connection) (string, error) {
	if g.cfg.SurrogateKeyColumn != "" {
		return g.cfg.SurrogateKeyColumn, nil
	}
	pk, err := g.cfg.Target.TablePrimaryKey(ctx, conn)
	if err != nil {
		return "", err
	}
	switch len(pk) {
	case 0:
		return "", fmt.Errorf("target table %s has no primary key, specify a surrogate key column", g.cfg.Target.TableName())
	case 1:
		return pk[0], nil
	default:
		return "", fmt.Errorf("target table %s has the composite primary key %v, specify a surrogate key column", g.cfg.Target.TableName(), pk)
	}
}

func (g *GenerateKey) execute(ctx context.Context, conn duck.Connection) error {
	g.Node().StartExecution()

	keyColumn, err := g.resolveKeyColumn(ctx, conn)
	if err != nil {
		return err
	}
	g.cfg.SurrogateKeyColumn = keyColumn

	var startValue int64
	if g.cfg.StartValue != nil {
		startValue = *g.cfg.StartValue
	} else {
		query := fmt.Sprintf("select max(%s) from %s",
			sqlutil.QuoteIdent(keyColumn), sqlutil.QuoteIdent(g.cfg.Target.TableName()))
		g.log.Debug("reading the key start value from the target", "step", g.DatasetName(), "sql", query)
		maxKey, ok, err := conn.FetchInt64(ctx, query)
		if err != nil {
			return fmt.Errorf("failed to read max key from %s: %w", g.cfg.Target.TableName(), err)
		}
		if !ok {
			startValue = 1
		} else {
			startValue = maxKey + 1
		}
	}

	sequenceName := g.TableName() + "_seq"
	g.log.Debug("creating the key sequence", "step", g.DatasetName(), "sequence", sequenceName, "start", startValue)
	if err := conn.CreateSequence(ctx, sequenceName, startValue); err != nil {
		return err
	}

	updateSQL := fmt.Sprintf("update %s set %s = nextval('%s') where %s = '%s'",
		sqlutil.QuoteIdent(g.TableName()), sqlutil.QuoteIdent(keyColumn), sequenceName, changeTypeCol, Insert)
	g.log.Debug("assigning keys to insert rows", "step", g.DatasetName(), "sql", updateSQL)
	if err := conn.Exec(ctx, updateSQL); err != nil {
		return fmt.Errorf("failed to assign keys on %s: %w", g.TableName(), err)
	}

	count, _, err := conn.FetchInt64(ctx, fmt.Sprintf("select count(*) from %s where %s = '%s'",
		sqlutil.QuoteIdent(g.TableName()), changeTypeCol, Insert))
	if err != nil {
		return fmt.Errorf("failed to count insert rows of %s: %w", g.TableName(), err)
	}
	g.Node().FinishExecution(count)
	return nil
}
