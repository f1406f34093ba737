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

package segment

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Meta is a table's persisted metadata.
// Invariant: segment IDs are dense from 1 to SegmentCount; LastSequence
// equals the max MaxSeq across all segments after any committed append.
type Meta struct {
	mu sync.RWMutex

	LastSequence         uint64 `json:"last_sequence"`
	LastSnapshotSequence uint64 `json:"last_snapshot_sequence"`
	SegmentCount         uint64 `json:"segment_count"`
	SnapshotInterval     uint64 `json:"snapshot_interval"`
	CompactThreshold     uint64 `json:"compact_threshold"`

	Index *Index `json:"-"`
}

// metaDoc is the JSON-on-disk shape: Index is flattened to a slice so the
// file is stable under btree internals changing.
type metaDoc struct {
	LastSequence         uint64   `json:"last_sequence"`
	LastSnapshotSequence uint64   `json:"last_snapshot_sequence"`
	SegmentCount         uint64   `json:"segment_count"`
	SnapshotInterval     uint64   `json:"snapshot_interval"`
	CompactThreshold     uint64   `json:"compact_threshold"`
	SegmentIndex         []Bounds `json:"segment_index"`
}

// NewMeta returns a fresh Meta for a newly created table.
func NewMeta(snapshotInterval, compactThreshold uint64) *Meta {
	return &Meta{
		SnapshotInterval: snapshotInterval,
		CompactThreshold: compactThreshold,
		Index:            NewIndex(),
	}
}

func metaPath(dir string) string { return filepath.Join(dir, "meta.json") }

// Load reads meta.json from dir. It returns (nil, false, nil) if the file
// does not exist (new table).
func Load(dir string) (*Meta, bool, error) {
	b, err := os.ReadFile(metaPath(dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("segment: read meta: %w", err)
	}
	var doc metaDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, false, fmt.Errorf("segment: parse meta: %w", err)
	}
	idx := NewIndex()
	for _, bd := range doc.SegmentIndex {
		idx.Set(bd)
	}
	m := &Meta{
		LastSequence:         doc.LastSequence,
		LastSnapshotSequence: doc.LastSnapshotSequence,
		SegmentCount:         doc.SegmentCount,
		SnapshotInterval:     doc.SnapshotInterval,
		CompactThreshold:     doc.CompactThreshold,
		Index:                idx,
	}
	return m, true, nil
}

// Save persists Meta via temp-file-then-rename, so a crash mid-write
// never leaves a truncated or partially-overwritten meta.json behind.
func (m *Meta) Save(dir string) error {
	m.mu.RLock()
	doc := metaDoc{
		LastSequence:         m.LastSequence,
		LastSnapshotSequence: m.LastSnapshotSequence,
		SegmentCount:         m.SegmentCount,
		SnapshotInterval:     m.SnapshotInterval,
		CompactThreshold:     m.CompactThreshold,
		SegmentIndex:         m.Index.All(),
	}
	m.mu.RUnlock()

	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("segment: mkdir %s: %w", dir, err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("segment: marshal meta: %w", err)
	}
	tmp := metaPath(dir) + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("segment: write meta tmp: %w", err)
	}
	if err := os.Rename(tmp, metaPath(dir)); err != nil {
		return fmt.Errorf("segment: rename meta: %w", err)
	}
	return nil
}

// AdvanceSequence bumps LastSequence to seq if seq is greater, returning
// whether it did. This is what makes re-applying an already-seen event a
// no-op: only a strictly advancing sequence counts as new.
func (m *Meta) AdvanceSequence(seq uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.LastSequence {
		return false
	}
	m.LastSequence = seq
	return true
}

// LastSeq returns the current LastSequence.
func (m *Meta) LastSeq() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastSequence
}

// SetSegmentCount updates the dense segment-id counter.
func (m *Meta) SetSegmentCount(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > m.SegmentCount {
		m.SegmentCount = n
	}
}

func (m *Meta) GetSegmentCount() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SegmentCount
}

// SetLastSnapshotSequence records the sequence of the most recent
// snapshot.
func (m *Meta) SetLastSnapshotSequence(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LastSnapshotSequence = seq
}

func (m *Meta) GetLastSnapshotSequence() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.LastSnapshotSequence
}
