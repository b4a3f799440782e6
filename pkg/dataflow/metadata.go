package dataflow

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationalMetadata is the per-run record of a step execution: when it ran,
// how many rows it processed and the resulting throughput.
type OperationalMetadata struct {
	RunID         uuid.UUID
	RowsProcessed int64
	StartTime     time.Time
	EndTime       time.Time
	ExecutionTime time.Duration
}

func NewOperationalMetadata() *OperationalMetadata {
	return &OperationalMetadata{
		RunID:     uuid.New(),
		StartTime: time.Now().UTC(),
	}
}

// Processed closes the record with the number of rows the step handled.
func (m *OperationalMetadata) Processed(rows int64) {
	m.RowsProcessed = rows
	m.EndTime = time.Now().UTC()
	m.ExecutionTime = m.EndTime.Sub(m.StartTime)
}

// Throughput returns rows per second, zero when the duration is zero.
func (m *OperationalMetadata) Throughput() float64 {
	if m.ExecutionTime <= 0 {
		return 0
	}
	return float64(m.RowsProcessed) / m.ExecutionTime.Seconds()
}

func (m *OperationalMetadata) String() string {
	return fmt.Sprintf("started at %s, ended at %s, duration %s, rows processed %d, throughput %.0f rows/sec",
		m.StartTime.Format(time.RFC3339Nano), m.EndTime.Format(time.RFC3339Nano),
		m.ExecutionTime, m.RowsProcessed, m.Throughput())
}
