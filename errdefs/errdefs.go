/*
Copyright (C) 2024-2026  DriftDB Authors

    This program is free software: you can redistribute it and/or modify
    it under the terms of the GNU General Public License as published by
    the Free Software Foundation, either version 3 of the License, or
    (at your option) any later version.

    This program is distributed in the hope that it will be useful,
    but WITHOUT ANY WARRANTY; without even the implied warranty of
    MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
    GNU General Public License for more details.

    You should have received a copy of the GNU General Public License
    along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package errdefs implements the DriftDB error taxonomy. Every error a
// caller of the engine can observe is represented here, either as a
// sentinel value (for zero-payload errors) or a typed struct (when the
// error carries context such as an offset or a table name).
package errdefs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Compare with errors.Is.
var (
	// ErrWriteConflict is returned when an MVCC write collides with
	// another transaction's uncommitted or concurrently-committed write.
	// The caller should retry the transaction.
	ErrWriteConflict = errors.New("driftdb: write conflict")

	// ErrSerializationFailure is returned at commit time under
	// Serializable isolation when a read-write conflict is detected.
	// The caller should retry the transaction.
	ErrSerializationFailure = errors.New("driftdb: serialization failure")

	// ErrForeignKeyViolation is returned when an INSERT references a key
	// absent from the referenced table.
	ErrForeignKeyViolation = errors.New("driftdb: foreign key violation")

	// ErrWalCorruption is fatal to the current open; it indicates a CRC
	// failure in the middle of the journal, implying lost writes.
	ErrWalCorruption = errors.New("driftdb: wal corruption")

	// ErrCancelled is returned by long-running operations when their
	// cancellation token fires.
	ErrCancelled = errors.New("driftdb: cancelled")

	// ErrNotAvailable is returned by a temporal read whose cutoff
	// predates both the oldest snapshot retained for that table and the
	// oldest event still on the segment log, typically because the
	// table was compacted past that point.
	ErrNotAvailable = errors.New("driftdb: state not available at requested cutoff")

	// ErrTxNotActive is returned when an operation is attempted against
	// a transaction that is not in the Active state.
	ErrTxNotActive = errors.New("driftdb: transaction is not active")
)

// TableNotFound means the named table does not exist in the schema.
type TableNotFound struct{ Table string }

func (e *TableNotFound) Error() string { return fmt.Sprintf("driftdb: table not found: %s", e.Table) }

// TableExists means CREATE TABLE targeted an existing table name.
type TableExists struct{ Table string }

func (e *TableExists) Error() string { return fmt.Sprintf("driftdb: table already exists: %s", e.Table) }

// ColumnNotFound means a query referenced an undeclared column.
type ColumnNotFound struct {
	Table, Column string
}

func (e *ColumnNotFound) Error() string {
	return fmt.Sprintf("driftdb: column not found: %s.%s", e.Table, e.Column)
}

// PrimaryKeyMissing means an INSERT payload omitted the primary key column.
type PrimaryKeyMissing struct{ Table string }

func (e *PrimaryKeyMissing) Error() string {
	return fmt.Sprintf("driftdb: primary key missing for table %s", e.Table)
}

// SchemaViolation covers any other mismatch between a payload and the
// declared schema (wrong column count, etc).
type SchemaViolation struct{ Reason string }

func (e *SchemaViolation) Error() string { return "driftdb: schema violation: " + e.Reason }

// InvalidQuery wraps a SQL parse or semantic error. The message is
// returned to the client verbatim.
type InvalidQuery struct{ Reason string }

func (e *InvalidQuery) Error() string { return "driftdb: invalid query: " + e.Reason }

// SegmentCorruption is detected by doctor() or replay; recoverable by
// truncating the segment file at Offset.
type SegmentCorruption struct {
	Segment string
	Offset  int64
}

func (e *SegmentCorruption) Error() string {
	return fmt.Sprintf("driftdb: segment corruption in %s at offset %d", e.Segment, e.Offset)
}

// IOError wraps an underlying I/O failure with path context, distinguishing
// not-found and permission-denied cases explicitly.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("driftdb: io error at %s: %v", e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

func NewIOError(path string, err error) error {
	if err == nil {
		return nil
	}
	return &IOError{Path: path, Err: err}
}
