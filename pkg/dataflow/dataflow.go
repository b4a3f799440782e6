package dataflow

import (
	"context"
	"log/slog"

	"github.com/malbeclabs/deltaflow/pkg/duck"
)

// Dataflow holds the step set of one pipeline. Start triggers the graph from
// the first node added; each step pulls its unexecuted predecessors first.
type Dataflow struct {
	log   *slog.Logger
	nodes []Node

	LastExecution *OperationalMetadata
}

func New(log *slog.Logger) *Dataflow {
	if log == nil {
		log = slog.Default()
	}
	return &Dataflow{log: log}
}

// Add registers a step with the dataflow and returns it.
func (d *Dataflow) Add(n Node) Node {
	d.nodes = append(d.nodes, n)
	return n
}

// Start runs the graph and records the total number of rows the loaders
// applied to their targets.
func (d *Dataflow) Start(ctx context.Context, conn duck.Connection) error {
	if len(d.nodes) == 0 {
		return nil
	}
	d.LastExecution = NewOperationalMetadata()
	if err := d.nodes[0].Node().Start(ctx, conn); err != nil {
		return err
	}
	var rowsLoaded int64
	for _, n := range d.nodes {
		step := n.Node()
		if step.Kind() == KindLoader && step.LastExecution != nil {
			rowsLoaded += step.LastExecution.RowsProcessed
		}
	}
	d.LastExecution.Processed(rowsLoaded)
	d.log.Info("dataflow completed", "run_id", d.LastExecution.RunID, "execution", d.LastExecution.String())
	return nil
}

// Completed resets all steps so the dataflow can run again.
func (d *Dataflow) Completed() {
	for _, n := range d.nodes {
		if n.Node().Executed() {
			n.Node().Completed()
		}
	}
}
