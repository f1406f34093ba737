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

// Package engine implements the façade that owns every table, routes
// writes through segment append, secondary indexes, and the WAL,
// replays the WAL on open, and coordinates compaction and integrity
// checks. Tables are kept in a single registry-by-name catalog rather
// than split across several overlapping structures.
package engine

import (
	"os"
	"time"

	"github.com/go-kit/log"

	"github.com/driftdb/driftdb/mvcc"
	"github.com/driftdb/driftdb/snapshot"
)

// Config collects every tunable the engine needs, scoped to one Engine
// value instead of process-wide globals: there is no global mutable
// state.
type Config struct {
	SegmentRotationBytes int64
	WalRotationBytes     int64
	SnapshotPolicy       snapshot.Policy
	BloomFalsePositive   float64
	DefaultIsolation     mvcc.Isolation
	CompactionWorkers    int
	CacheBudgetBytes     int64
	Logger               log.Logger
}

// withDefaults fills zero-valued tunables that have a safe, non-domain
// default (rotation sizes, worker counts) while leaving domain policy
// fields like SnapshotPolicy untouched: those have no built-in default
// (see DESIGN.md) and must be supplied explicitly by the caller wiring
// up an Engine.
func (c Config) withDefaults() Config {
	if c.SegmentRotationBytes <= 0 {
		c.SegmentRotationBytes = 10 * 1024 * 1024
	}
	if c.WalRotationBytes <= 0 {
		c.WalRotationBytes = 16 * 1024 * 1024
	}
	if c.BloomFalsePositive <= 0 {
		c.BloomFalsePositive = 0.01
	}
	if c.CompactionWorkers <= 0 {
		c.CompactionWorkers = 4
	}
	if c.CacheBudgetBytes <= 0 {
		c.CacheBudgetBytes = 64 * 1024 * 1024
	}
	if c.Logger == nil {
		c.Logger = log.NewLogfmtLogger(os.Stderr)
	}
	return c
}

// freshSnapshotStats returns a fresh Stats tracker seeded at now, used when
// a table is created or loaded without a persisted stats record.
func freshSnapshotStats(now time.Time) *snapshot.Stats {
	return &snapshot.Stats{LastSnapshotAt: now}
}
