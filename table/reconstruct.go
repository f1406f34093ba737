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

package table

import (
	"errors"
	"fmt"
	"time"

	"github.com/driftdb/driftdb/cache"
	"github.com/driftdb/driftdb/errdefs"
	"github.com/driftdb/driftdb/event"
	"github.com/driftdb/driftdb/segment"
	"github.com/driftdb/driftdb/snapshot"
)

// Row is a reconstructed record keyed by its canonical primary-key
// string.
type Row = map[string]any

// State is a materialized table at some sequence: primary key -> row.
type State = map[string]Row

// Reconstructor folds a table's event log, accelerated by its newest
// snapshot at or before the requested cutoff, and caches the result.
// One Reconstructor is owned per table by the engine.
type Reconstructor struct {
	Log         *segment.Log
	SnapshotDir string
	Cache       *cache.Cache // may be nil to disable caching
}

// NewReconstructor wires a log and optional cache together. If c is nil a
// fresh unbounded-by-policy cache is not created, callers that want
// caching must supply one.
func NewReconstructor(log *segment.Log, snapshotDir string, c *cache.Cache) *Reconstructor {
	return &Reconstructor{Log: log, SnapshotDir: snapshotDir, Cache: c}
}

// Fold applies one event's effect to state in place: Insert overwrites
// the row outright; Patch shallow-merges changed
// fields into an existing row and is a no-op if the row is absent;
// SoftDelete removes the row. Exported so the engine façade can maintain
// an incrementally-folded current-state view without a full
// reconstruction on every write.
func Fold(state State, e event.Event) {
	key := event.CanonicalKey(e.PrimaryKey)
	switch e.Type {
	case event.Insert:
		row := make(Row, len(e.Payload))
		for k, v := range e.Payload {
			row[k] = v
		}
		state[key] = row
	case event.Patch:
		row, ok := state[key]
		if !ok {
			return
		}
		for k, v := range e.Payload {
			row[k] = v
		}
	case event.SoftDelete:
		delete(state, key)
	}
}

func cacheKey(table string, cutoffSeq uint64) string {
	return fmt.Sprintf("%s@%d", table, cutoffSeq)
}

// estimateSize is a rough byte estimate of a reconstructed state, used
// only for cache budget accounting.
func estimateSize(s State) int64 {
	var n int64
	for k, row := range s {
		n += int64(len(k)) + int64(len(row))*32
	}
	return n
}

// AtSequence reconstructs table's state as of cutoffSeq (inclusive):
// every event with sequence <= cutoffSeq has been folded in, nothing
// later has. Out-of-range segments (those whose bounds lie entirely after
// cutoffSeq) are skipped without being opened.
func (r *Reconstructor) AtSequence(tableName string, cutoffSeq uint64) (State, error) {
	if r.Cache != nil {
		if v, ok := r.Cache.Get(cacheKey(tableName, cutoffSeq)); ok {
			return v.(State), nil
		}
	}

	base, baseSeq, snapCovers, err := r.baseline(cutoffSeq)
	if err != nil {
		return nil, err
	}

	if !snapCovers && cutoffSeq > 0 {
		if earliest, ok := r.Log.EarliestSequence(); ok && earliest > cutoffSeq {
			return nil, fmt.Errorf("table: %s at sequence %d: %w", tableName, cutoffSeq, errdefs.ErrNotAvailable)
		}
	}

	if cutoffSeq > baseSeq {
		err := r.Log.ScanRange(baseSeq+1, cutoffSeq, func(e event.Event) error {
			Fold(base, e)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("table: reconstruct %s at %d: %w", tableName, cutoffSeq, err)
		}
	}

	if r.Cache != nil {
		r.Cache.Put(cacheKey(tableName, cutoffSeq), base, estimateSize(base))
	}
	return base, nil
}

// baseline returns the starting state and sequence to fold forward from
// (the newest snapshot at or before cutoffSeq, or an empty state at
// sequence 0 if none exists) and whether a snapshot actually covered
// cutoffSeq: false means the caller must still check whether the log
// still holds every event back to cutoffSeq before trusting the result.
func (r *Reconstructor) baseline(cutoffSeq uint64) (State, uint64, bool, error) {
	if r.SnapshotDir == "" {
		return make(State), 0, false, nil
	}
	snap, found, err := snapshot.Latest(r.SnapshotDir, cutoffSeq)
	if err != nil {
		return nil, 0, false, fmt.Errorf("table: load snapshot: %w", err)
	}
	if !found {
		return make(State), 0, false, nil
	}
	rows, err := snap.Rows()
	if err != nil {
		return nil, 0, false, err
	}
	return rows, snap.Sequence, true, nil
}

// SequenceAsOf translates a timestamp cutoff into the largest sequence
// number whose event timestamp is <= ts. Events are assumed
// to be appended in non-decreasing timestamp order, since they are
// applied by a single monotonically-advancing sequence counter.
func (r *Reconstructor) SequenceAsOf(ts time.Time) (uint64, error) {
	var result uint64
	err := r.Log.ScanFrom(0, func(e event.Event) error {
		if e.Timestamp.After(ts) {
			return errStopScan
		}
		result = e.Sequence
		return nil
	})
	if err != nil && err != errStopScan {
		return 0, fmt.Errorf("table: translate timestamp: %w", err)
	}
	return result, nil
}

// errStopScan is a sentinel used internally to short-circuit ScanFrom once
// the timestamp cutoff is passed; it is never returned to callers.
var errStopScan = errors.New("table: scan stopped")

// AtTime reconstructs table's state as of the newest event whose
// timestamp is <= ts.
func (r *Reconstructor) AtTime(tableName string, ts time.Time) (State, error) {
	seq, err := r.SequenceAsOf(ts)
	if err != nil {
		return nil, err
	}
	return r.AtSequence(tableName, seq)
}
