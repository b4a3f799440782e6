package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StepExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltaflow_step_executions_total",
			Help: "Total number of step executions",
		},
		[]string{"kind", "status"},
	)

	StepExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deltaflow_step_execution_duration_seconds",
			Help:    "Duration of step executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 0.01s to ~20s
		},
		[]string{"kind"},
	)

	StepRowsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltaflow_step_rows_processed_total",
			Help: "Total number of rows processed by steps",
		},
		[]string{"kind"},
	)

	EngineStatementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deltaflow_engine_statements_total",
			Help: "Total number of SQL statements executed against the engine",
		},
		[]string{"status"},
	)

	EngineStatementDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deltaflow_engine_statement_duration_seconds",
			Help:    "Duration of SQL statements executed against the engine",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~2s
		},
	)
)
