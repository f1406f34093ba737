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

// Package sindex implements per-column secondary indexes: an in-memory
// multimap from a lookup value to the set of primary keys holding that
// value, persisted beside the table and rebuildable from the event log
// on demand. Built on an ordered btree so range predicates over an
// indexed column can be served directly rather than with a full scan.
// Each index also keeps a scalable bloom filter over its indexed values,
// so an exact-value Lookup for a value that was never added can answer
// "definitely absent" without touching the btree at all; a filter hit
// (true positive or false positive) falls through to the real lookup.
package sindex

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/driftdb/driftdb/bloom"
	"github.com/driftdb/driftdb/event"
)

// item orders (value, pk) pairs in the btree so Scan can walk a column in
// value order (useful for range predicates over an indexed column).
type item struct {
	Value string
	Key   string
}

func (a item) Less(b btree.Item) bool {
	bi := b.(item)
	if a.Value != bi.Value {
		return a.Value < bi.Value
	}
	return a.Key < bi.Key
}

// Index is the multimap for a single indexed column.
type Index struct {
	mu     sync.RWMutex
	Column string
	tree   *btree.BTree
	// keyset tracks, per primary key, the lookup value it is currently
	// indexed under, needed so Patch/SoftDelete can remove the old
	// mapping without a linear scan.
	keyset map[string]string
	filter *bloom.Scalable
}

// New returns an empty index over column, with a bloom filter targeting
// falsePositiveRate (the engine's configured BloomFalsePositive).
func New(column string, falsePositiveRate float64) *Index {
	return &Index{
		Column: column,
		tree:   btree.New(32),
		keyset: make(map[string]string),
		filter: bloom.NewScalable(1024, falsePositiveRate),
	}
}

// LookupValue computes the canonical lookup string for a column value:
// the bare value for strings, otherwise its canonical JSON.
func LookupValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return event.CanonicalKey(v)
}

// Add inserts the mapping value -> key.
func (ix *Index) Add(value, key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.keyset[key]; ok && old == value {
		return
	} else if ok {
		ix.tree.Delete(item{old, key})
	}
	ix.tree.ReplaceOrInsert(item{value, key})
	ix.keyset[key] = value
	ix.filter.Add([]byte(value))
}

// Remove deletes every mapping for key. A SoftDelete removes all
// mappings for the key it targets.
func (ix *Index) Remove(key string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.keyset[key]; ok {
		ix.tree.Delete(item{old, key})
		delete(ix.keyset, key)
	}
}

// Lookup returns every primary key currently mapped to value. A value the
// bloom filter reports as definitely absent short-circuits to nil without
// walking the btree; otherwise (true positive or false positive) the
// btree is consulted for the real answer.
func (ix *Index) Lookup(value string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if !ix.filter.MayContain([]byte(value)) {
		return nil
	}
	var out []string
	ix.tree.AscendGreaterOrEqual(item{Value: value}, func(i btree.Item) bool {
		it := i.(item)
		if it.Value != value {
			return false
		}
		out = append(out, it.Key)
		return true
	})
	return out
}

// Range returns every primary key whose indexed value is within [lo, hi]
// (inclusive), in value order. Used to plan range predicates.
func (ix *Index) Range(lo, hi string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var out []string
	ix.tree.AscendGreaterOrEqual(item{Value: lo}, func(i btree.Item) bool {
		it := i.(item)
		if it.Value > hi {
			return false
		}
		out = append(out, it.Key)
		return true
	})
	return out
}

// persistedEntry is the on-disk shape of one (value, key) mapping.
type persistedEntry struct {
	Value string `json:"value"`
	Key   string `json:"key"`
}

// Flush persists the index to path via temp-then-rename. Indexes are
// flushed to disk after each batch of applied events.
func (ix *Index) Flush(path string) error {
	ix.mu.RLock()
	entries := make([]persistedEntry, 0, len(ix.keyset))
	ix.tree.Ascend(func(i btree.Item) bool {
		it := i.(item)
		entries = append(entries, persistedEntry{it.Value, it.Key})
		return true
	})
	ix.mu.RUnlock()

	b, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("sindex: marshal %s: %w", ix.Column, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return fmt.Errorf("sindex: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// Load reads a persisted index file. Returns (nil, false, nil) if it does
// not exist, signalling the caller should rebuild from the event log. The
// bloom filter is not itself persisted; it is rebuilt by re-adding every
// loaded entry.
func Load(column, path string, falsePositiveRate float64) (*Index, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sindex: read %s: %w", path, err)
	}
	var entries []persistedEntry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, false, fmt.Errorf("sindex: parse %s: %w", path, err)
	}
	ix := New(column, falsePositiveRate)
	for _, e := range entries {
		ix.Add(e.Value, e.Key)
	}
	return ix, true, nil
}

// Apply mutates the index in response to one applied event: Insert adds
// the mapping; Patch adjusts the mapping only if the indexed column was
// touched; SoftDelete removes all mappings for the key. newRow is the
// row's state after applying e (nil for SoftDelete, where it is
// ignored).
func (ix *Index) Apply(key string, e event.Event, newRow map[string]any) {
	switch e.Type {
	case event.Insert:
		if v, ok := newRow[ix.Column]; ok {
			ix.Add(LookupValue(v), key)
		}
	case event.SoftDelete:
		ix.Remove(key)
	case event.Patch:
		if _, touched := e.Payload[ix.Column]; !touched {
			return
		}
		if v, ok := newRow[ix.Column]; ok {
			ix.Add(LookupValue(v), key)
		} else {
			ix.Remove(key)
		}
	}
}

// Columns returns the sorted list of column names in a registry map, used
// when deciding which indexes can serve a predicate set.
func Columns(registry map[string]*Index) []string {
	cols := make([]string, 0, len(registry))
	for c := range registry {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}
