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

package sindex

import (
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"github.com/driftdb/driftdb/event"
)

func TestIndexInsertPatchSoftDelete(t *testing.T) {
	ix := New("status", 0.01)

	ix.Apply("k1", event.Event{Type: event.Insert}, map[string]any{"status": "open"})
	ix.Apply("k2", event.Event{Type: event.Insert}, map[string]any{"status": "open"})
	ix.Apply("k3", event.Event{Type: event.Insert}, map[string]any{"status": "closed"})

	got := ix.Lookup("open")
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"k1", "k2"}) {
		t.Fatalf("unexpected lookup result: %v", got)
	}

	// Patch that does not touch the indexed column is a no-op.
	ix.Apply("k1", event.Event{Type: event.Patch, Payload: map[string]any{"other": 1}}, map[string]any{"status": "open", "other": 1})
	if got := ix.Lookup("open"); len(got) != 2 {
		t.Fatalf("untouched-column patch should not change mapping, got %v", got)
	}

	// Patch that touches the indexed column moves the mapping.
	ix.Apply("k1", event.Event{Type: event.Patch, Payload: map[string]any{"status": "closed"}}, map[string]any{"status": "closed"})
	open := ix.Lookup("open")
	if len(open) != 1 || open[0] != "k2" {
		t.Fatalf("expected only k2 under open after patch, got %v", open)
	}
	closed := ix.Lookup("closed")
	sort.Strings(closed)
	if !reflect.DeepEqual(closed, []string{"k1", "k3"}) {
		t.Fatalf("expected k1,k3 under closed, got %v", closed)
	}

	ix.Apply("k3", event.Event{Type: event.SoftDelete}, nil)
	if got := ix.Lookup("closed"); len(got) != 1 || got[0] != "k1" {
		t.Fatalf("expected soft-deleted key removed, got %v", got)
	}
}

func TestIndexRange(t *testing.T) {
	ix := New("score", 0.01)
	ix.Add("10", "a")
	ix.Add("20", "b")
	ix.Add("30", "c")

	got := ix.Range("15", "25")
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("expected only b in range, got %v", got)
	}
}

func TestIndexFlushAndLoad(t *testing.T) {
	dir := t.TempDir()
	ix := New("status", 0.01)
	ix.Add("open", "k1")
	ix.Add("open", "k2")
	ix.Add("closed", "k3")

	path := filepath.Join(dir, "status.idx")
	if err := ix.Flush(path); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, found, err := Load("status", path, 0.01)
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	got := loaded.Lookup("open")
	sort.Strings(got)
	if !reflect.DeepEqual(got, []string{"k1", "k2"}) {
		t.Fatalf("unexpected reloaded mapping: %v", got)
	}
}

func TestIndexLookupBloomFilterShortCircuitsAbsentValue(t *testing.T) {
	ix := New("status", 0.01)
	ix.Add("open", "k1")

	if ix.filter.MayContain([]byte("never-added")) {
		t.Skip("bloom filter false positive on this value, cannot assert the short-circuit")
	}
	if got := ix.Lookup("never-added"); got != nil {
		t.Fatalf("expected nil for a value the bloom filter reports absent, got %v", got)
	}
	if got := ix.Lookup("open"); len(got) != 1 || got[0] != "k1" {
		t.Fatalf("expected k1 for a present value, got %v", got)
	}
}

func TestIndexLoadMissingFile(t *testing.T) {
	_, found, err := Load("status", filepath.Join(t.TempDir(), "absent.idx"), 0.01)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for a missing index file")
	}
}
