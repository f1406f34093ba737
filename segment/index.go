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
	"sort"
	"sync"

	"github.com/google/btree"
)

// Bounds records the sequence range and event count of one segment.
type Bounds struct {
	SegmentID  uint64 `json:"segment_id"`
	MinSeq     uint64 `json:"min_sequence"`
	MaxSeq     uint64 `json:"max_sequence"`
	EventCount uint64 `json:"event_count"`
}

// boundsItem orders Bounds by MaxSeq so the btree can answer range and
// first-after queries in O(log N).
type boundsItem struct{ Bounds }

func (a boundsItem) Less(b btree.Item) bool {
	return a.MaxSeq < b.(boundsItem).MaxSeq
}

// Index is the per-table segment index: an ordered map from segment id to
// its sequence bounds, supporting first-segment-after and segments-in-range
// lookups in O(log N).
type Index struct {
	mu   sync.RWMutex
	byID map[uint64]Bounds
	tree *btree.BTree
}

// NewIndex returns an empty segment index.
func NewIndex() *Index {
	return &Index{byID: make(map[uint64]Bounds), tree: btree.New(32)}
}

// Update records or extends the bounds for segmentID. Called on every
// append that extends the range.
func (idx *Index) Update(segmentID, seq uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	b, ok := idx.byID[segmentID]
	if ok {
		idx.tree.Delete(boundsItem{b})
	} else {
		b = Bounds{SegmentID: segmentID, MinSeq: seq, MaxSeq: seq}
	}
	if !ok {
		b.MinSeq = seq
	} else if seq < b.MinSeq {
		b.MinSeq = seq
	}
	if seq > b.MaxSeq {
		b.MaxSeq = seq
	}
	b.EventCount++
	idx.byID[segmentID] = b
	idx.tree.ReplaceOrInsert(boundsItem{b})
}

// Set installs an exact Bounds record, used when rebuilding the index
// from a segment scan after a mismatch is detected.
func (idx *Index) Set(b Bounds) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if old, ok := idx.byID[b.SegmentID]; ok {
		idx.tree.Delete(boundsItem{old})
	}
	idx.byID[b.SegmentID] = b
	idx.tree.ReplaceOrInsert(boundsItem{b})
}

// Get returns the bounds for a specific segment id.
func (idx *Index) Get(segmentID uint64) (Bounds, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	b, ok := idx.byID[segmentID]
	return b, ok
}

// Len returns the number of indexed segments.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.byID)
}

// FindFirstSegmentAfter returns the first segment whose MaxSeq > s, in
// segment-id order, or (Bounds{}, false) if none.
func (idx *Index) FindFirstSegmentAfter(s uint64) (Bounds, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var found Bounds
	ok := false
	idx.tree.AscendGreaterOrEqual(boundsItem{Bounds{MaxSeq: s + 1}}, func(item btree.Item) bool {
		found = item.(boundsItem).Bounds
		ok = true
		return false
	})
	return found, ok
}

// SegmentsInRange returns every segment overlapping [lo,hi], in ascending
// segment-id order.
func (idx *Index) SegmentsInRange(lo, hi uint64) []Bounds {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	var out []Bounds
	idx.tree.AscendGreaterOrEqual(boundsItem{Bounds{MaxSeq: lo}}, func(item btree.Item) bool {
		b := item.(boundsItem).Bounds
		if b.MinSeq > hi {
			return false
		}
		out = append(out, b)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out
}

// All returns every segment's bounds in ascending segment-id order.
func (idx *Index) All() []Bounds {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Bounds, 0, len(idx.byID))
	for _, b := range idx.byID {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SegmentID < out[j].SegmentID })
	return out
}

// Remove drops a segment's entry, used after compaction collapses the log
// into a single new segment.
func (idx *Index) Remove(segmentID uint64) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if b, ok := idx.byID[segmentID]; ok {
		idx.tree.Delete(boundsItem{b})
		delete(idx.byID, segmentID)
	}
}
