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

package engine

import (
	"path/filepath"
	"sync"

	"github.com/driftdb/driftdb/event"
	"github.com/driftdb/driftdb/segment"
	"github.com/driftdb/driftdb/sindex"
	"github.com/driftdb/driftdb/snapshot"
	"github.com/driftdb/driftdb/table"
)

// tableState is everything the engine keeps in memory for one table. The
// per-table mutex is an exclusive guard covering sequence assignment
// through segment append, index update, and WAL fsync; readers of
// reconstructed state do not take it.
type tableState struct {
	name   string
	dir    string
	schema table.Schema

	log     *segment.Log
	meta    *segment.Meta
	indexes map[string]*sindex.Index
	recon   *table.Reconstructor
	stats   *snapshot.Stats

	mu      sync.Mutex
	current table.State // incrementally folded current row state, keyed by canonical pk
}

func tableDir(basePath, name string) string {
	return filepath.Join(basePath, "tables", name)
}

func (ts *tableState) schemaPath() string    { return filepath.Join(ts.dir, "schema.yaml") }
func (ts *tableState) segmentsDir() string   { return filepath.Join(ts.dir, "segments") }
func (ts *tableState) snapshotsDir() string  { return filepath.Join(ts.dir, "snapshots") }
func (ts *tableState) indexesDir() string    { return filepath.Join(ts.dir, "indexes") }
func (ts *tableState) indexPath(col string) string {
	return filepath.Join(ts.indexesDir(), col+".idx")
}

// applyFold folds e onto the table's in-memory current-state view and
// mutates every secondary index accordingly. Must be called with ts.mu
// held.
func (ts *tableState) applyFold(e event.Event) {
	table.Fold(ts.current, e)
	key := event.CanonicalKey(e.PrimaryKey)
	row := ts.current[key] // nil after a SoftDelete, populated otherwise
	for _, ix := range ts.indexes {
		ix.Apply(key, e, row)
	}
}

func (ts *tableState) flushIndexes() error {
	for col, ix := range ts.indexes {
		if err := ix.Flush(ts.indexPath(col)); err != nil {
			return err
		}
	}
	return nil
}
