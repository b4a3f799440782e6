// Package dataflow holds the step graph of a pipeline run and the dataset
// model the transforms operate on. Steps are linked by symmetric input/output
// edges and executed topologically, each at most once per run.
package dataflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/malbeclabs/deltaflow/pkg/duck"
	"github.com/malbeclabs/deltaflow/pkg/metrics"
)

// Step kinds, used as the metrics label and to find loaders in a dataflow.
const (
	KindDataset      = "dataset"
	KindComparison   = "comparison"
	KindSCD2         = "scd2"
	KindGenerateKey  = "generate_key"
	KindCDCOperation = "cdc_operation"
	KindLoader       = "loader"
)

// ExecuteFunc is the work a step performs once all its inputs have executed.
type ExecuteFunc func(ctx context.Context, conn duck.Connection) error

// Node is anything that owns a step in the graph.
type Node interface {
	Node() *Step
}

// Step is one node of the dataflow graph. Concrete steps embed a *Step and
// bind their execute function to it.
type Step struct {
	log     *slog.Logger
	name    string
	kind    string
	execute ExecuteFunc

	inputs  []*Step
	outputs []*Step

	executed    bool
	executeLock bool

	LastExecution *OperationalMetadata
}

func NewStep(log *slog.Logger, name, kind string) *Step {
	if log == nil {
		log = slog.Default()
	}
	return &Step{log: log, name: name, kind: kind}
}

// Bind sets the step kind and the execute function. Called by the concrete
// step's constructor after it embedded the node.
func (s *Step) Bind(kind string, execute ExecuteFunc) {
	s.kind = kind
	s.execute = execute
}

func (s *Step) Node() *Step    { return s }
func (s *Step) Name() string   { return s.name }
func (s *Step) Kind() string   { return s.kind }
func (s *Step) Executed() bool { return s.executed }

func (s *Step) Inputs() []*Step  { return append([]*Step(nil), s.inputs...) }
func (s *Step) Outputs() []*Step { return append([]*Step(nil), s.outputs...) }

// AddInput registers in as a predecessor of s and s as a successor of in.
// Adding an edge that would close a cycle fails.
func (s *Step) AddInput(in *Step) error {
	if s.hasInput(in) {
		return nil
	}
	if in == s || s.reaches(in) {
		return fmt.Errorf("edge %s -> %s would create a cycle", in.name, s.name)
	}
	s.inputs = append(s.inputs, in)
	in.outputs = append(in.outputs, s)
	return nil
}

// AddOutput registers out as a successor of s; the reverse edge is implied.
func (s *Step) AddOutput(out *Step) error {
	return out.AddInput(s)
}

// RemoveInput drops the edge between in and s in both directions. Used when a
// step is rewired to a new source between runs.
func (s *Step) RemoveInput(in *Step) {
	s.inputs = removeStep(s.inputs, in)
	in.outputs = removeStep(in.outputs, s)
}

func (s *Step) hasInput(in *Step) bool {
	for _, existing := range s.inputs {
		if existing == in {
			return true
		}
	}
	return false
}

// reaches reports whether target can be reached from s along output edges.
func (s *Step) reaches(target *Step) bool {
	for _, out := range s.outputs {
		if out == target || out.reaches(target) {
			return true
		}
	}
	return false
}

func removeStep(steps []*Step, step *Step) []*Step {
	out := steps[:0]
	for _, s := range steps {
		if s != step {
			out = append(out, s)
		}
	}
	return out
}

// Start executes the graph from this node: unexecuted inputs first, then this
// step, then any unexecuted outputs. Each step runs at most once until
// Completed resets the graph.
func (s *Step) Start(ctx context.Context, conn duck.Connection) error {
	s.executeLock = true
	if !s.executed {
		for _, in := range s.inputs {
			if !in.executed && !in.executeLock {
				if err := in.Start(ctx, conn); err != nil {
					return err
				}
			}
		}
		if err := s.runExecute(ctx, conn); err != nil {
			return err
		}
		s.executed = true
	}
	for _, out := range s.outputs {
		if !out.executed && !out.executeLock {
			if err := out.Start(ctx, conn); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Step) runExecute(ctx context.Context, conn duck.Connection) error {
	if s.execute == nil {
		return nil
	}
	start := time.Now()
	err := s.execute(ctx, conn)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.StepExecutionsTotal.WithLabelValues(s.kind, status).Inc()
	metrics.StepExecutionDuration.WithLabelValues(s.kind).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("step %s failed: %w", s.name, err)
	}
	return nil
}

// Completed resets the executed and lock flags across the connected component
// so the graph can be run again, e.g. after new source data arrived.
func (s *Step) Completed() {
	for _, in := range s.inputs {
		if in.executed || in.executeLock {
			in.Completed()
		}
	}
	s.executed = false
	s.executeLock = false
	for _, out := range s.outputs {
		if out.executed || out.executeLock {
			out.Completed()
		}
	}
}

// StartExecution opens a fresh run record for this step.
func (s *Step) StartExecution() {
	s.LastExecution = NewOperationalMetadata()
	s.log.Info("step started", "step", s.name, "kind", s.kind)
}

// FinishExecution closes the run record with the processed row count.
func (s *Step) FinishExecution(rows int64) {
	s.LastExecution.Processed(rows)
	metrics.StepRowsProcessedTotal.WithLabelValues(s.kind).Add(float64(rows))
	s.log.Info("step completed", "step", s.name, "kind", s.kind, "execution", s.LastExecution.String())
}

// Log returns the step's logger.
func (s *Step) Log() *slog.Logger {
	return s.log
}
