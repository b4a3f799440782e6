// Package cdc contains the change-data-capture transforms of a pipeline:
// delta computation against a comparison table, SCD2 versioning,
// surrogate-key generation and change-type post-processing.
package cdc

import "github.com/malbeclabs/deltaflow/pkg/sqlutil"

// ChangeType is the reserved column carrying the change type of a CDC row.
const ChangeType = "__change_type"

var changeTypeCol = sqlutil.QuoteIdent(ChangeType)

// RowType is the single-character change type of a CDC row.
type RowType string

const (
	// Insert marks a brand new record. A record with this primary key was
	// not present before; when that is not guaranteed, use Upsert.
	Insert RowType = "I"
	// Update is the after image of a change: the holder of the new values.
	Update RowType = "U"
	// Delete marks a deleted record; the payload contains the complete
	// latest version. When only the primary key is known, use Exterminate.
	Delete RowType = "D"
	// Before is the before image of a change: the holder of the old values.
	Before RowType = "B"
	// Upsert creates a record or overwrites its last version.
	Upsert RowType = "A"
	// Exterminate deletes by primary key; all other fields are ignored.
	Exterminate RowType = "X"
	// Truncate deletes a set of rows at once, identified by the non-null
	// payload fields of the truncate record.
	Truncate RowType = "T"
	// Replace marks rows loaded after a truncate, a truncate-and-reload.
	Replace RowType = "R"
)

func (r RowType) String() string { return string(r) }
