package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/deltaflow/pkg/cdc"
	"github.com/malbeclabs/deltaflow/pkg/dataflow"
	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/load"
	"github.com/malbeclabs/deltaflow/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	dbPathFlag := flag.String("db", "", "DuckDB database path (or set DELTAFLOW_DB env var; empty = in-memory)")
	sourceTableFlag := flag.String("source-table", "", "source table name")
	sourceQueryFlag := flag.String("source-query", "", "source SQL (alternative to --source-table)")
	targetTableFlag := flag.String("target-table", "", "target dimension table name")
	pkFlag := flag.StringSlice("pk", nil, "logical primary key columns")
	ignoreFlag := flag.StringSlice("ignore-columns", nil, "columns excluded from the comparison")
	detectDeletesFlag := flag.Bool("detect-deletes", false, "emit delete rows for keys missing in the source")
	orderColumnFlag := flag.String("order-column", "", "order column picking the current row per key")

	scd2Flag := flag.Bool("scd2", false, "convert the delta into SCD2 versions")
	startDateColumnFlag := flag.String("start-date-column", "start_date", "SCD2 start date column")
	endDateColumnFlag := flag.String("end-date-column", "end_date", "SCD2 end date column")
	currentFlagColumnFlag := flag.String("current-flag-column", "", "SCD2 current flag column (optional)")
	keyColumnFlag := flag.String("key-column", "", "surrogate key column filled for insert rows (optional)")

	createTargetFlag := flag.Bool("create-target", false, "create the target table from the source schema before the run")
	metricsAddrFlag := flag.String("metrics-addr", "", "listen address for Prometheus metrics (optional)")

	flag.Parse()

	// A .env next to the binary is a convenience for local runs; absence is fine.
	_ = godotenv.Load()
	if envDB := os.Getenv("DELTAFLOW_DB"); envDB != "" && *dbPathFlag == "" {
		*dbPathFlag = envDB
	}

	log := logger.New(*verboseFlag)

	if *targetTableFlag == "" {
		return fmt.Errorf("--target-table is required")
	}
	if (*sourceTableFlag == "") == (*sourceQueryFlag == "") {
		return fmt.Errorf("exactly one of --source-table and --source-query is required")
	}

	if *metricsAddrFlag != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(*metricsAddrFlag, mux); err != nil {
				log.Error("metrics listener failed", "addr", *metricsAddrFlag, "error", err)
			}
		}()
	}

	ctx := context.Background()

	db, err := duck.Open(log, *dbPathFlag)
	if err != nil {
		return err
	}
	defer db.Close()
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	var source dataflow.Dataset
	if *sourceTableFlag != "" {
		source = dataflow.NewTable(log, *sourceTableFlag, *sourceTableFlag, false, *pkFlag)
	} else {
		query, err := dataflow.NewQuery(log, "source", *sourceQueryFlag, nil, false, *pkFlag)
		if err != nil {
			return err
		}
		source = query
	}

	df := dataflow.New(log)
	df.Add(source)

	comparison, err := cdc.NewComparison(log, source, cdc.ComparisonConfig{
		PKList:          *pkFlag,
		ColumnsToIgnore: *ignoreFlag,
		OrderColumn:     *orderColumnFlag,
		DetectDeletes:   *detectDeletesFlag,
		EndDateColumn:   scd2EndDateColumn(*scd2Flag, *endDateColumnFlag),
	})
	if err != nil {
		return err
	}
	df.Add(comparison)

	var loaderSource dataflow.Dataset = comparison
	var scd2Step *cdc.SCD2
	var keyStep *cdc.GenerateKey

	if *scd2Flag {
		scd2Step, err = cdc.NewSCD2(log, comparison, cdc.SCD2Config{
			StartDateColumn:   *startDateColumnFlag,
			EndDateColumn:     *endDateColumnFlag,
			CurrentFlagColumn: *currentFlagColumnFlag,
		})
		if err != nil {
			return err
		}
		df.Add(scd2Step)
		loaderSource = scd2Step
	}

	loader, err := load.NewTableLoader(log, loaderSource, *targetTableFlag, load.Config{})
	if err != nil {
		return err
	}

	if *keyColumnFlag != "" {
		var keySource dataflow.PersistedDataset = comparison
		if scd2Step != nil {
			keySource = scd2Step
		}
		keyStep, err = cdc.NewGenerateKey(log, keySource, cdc.GenerateKeyConfig{
			SurrogateKeyColumn: *keyColumnFlag,
			Target:             loader,
		})
		if err != nil {
			return err
		}
		df.Add(keyStep)
		// Keys must be assigned before the loader applies the stream; the
		// sibling order of the graph walk makes no such promise.
		if err := loader.Node().AddInput(keyStep.Node()); err != nil {
			return err
		}
	}
	df.Add(loader)
	comparison.SetComparison(loader)

	if *createTargetFlag {
		if err := loader.AddAllColumns(ctx, conn, source); err != nil {
			return err
		}
		if scd2Step != nil {
			if err := scd2Step.AddDefaultColumns(loader.Underlying()); err != nil {
				return err
			}
		}
		if keyStep != nil {
			if err := keyStep.AddDefaultColumns(loader.Underlying()); err != nil {
				return err
			}
		}
		if err := loader.CreateTable(ctx, conn); err != nil {
			return err
		}
	}

	if err := df.Start(ctx, conn); err != nil {
		return err
	}
	return nil
}

func scd2EndDateColumn(scd2 bool, endDateColumn string) string {
	if !scd2 {
		return ""
	}
	return strings.TrimSpace(endDateColumn)
}
