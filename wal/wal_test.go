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

package wal

import (
	"os"
	"path/filepath"
	"testing"
)

func openTestWAL(t *testing.T) *WAL {
	t.Helper()
	w, err := Open(t.TempDir(), 1<<20, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return w
}

func TestWALBasicAutocommitReplay(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	for i := uint64(1); i <= 5; i++ {
		if err := w.WriteEvent(i, 0, OpInsert, "t", "k", nil, map[string]any{"n": i}); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}

	var seqs []uint64
	if err := w.ReplayFrom(0, func(r Record) error {
		seqs = append(seqs, r.Sequence)
		return nil
	}); err != nil {
		t.Fatalf("ReplayFrom: %v", err)
	}
	if len(seqs) != 5 {
		t.Fatalf("expected 5 records, got %d", len(seqs))
	}
}

func TestWALSkipsUncommittedTransaction(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	txn1, err := w.BeginTransaction(1)
	if err != nil {
		t.Fatal(err)
	}
	w.WriteEvent(2, txn1, OpInsert, "t", "a", nil, map[string]any{"v": 1})
	w.CommitTransaction(3, txn1)

	txn2, _ := w.BeginTransaction(4)
	w.WriteEvent(5, txn2, OpInsert, "t", "b", nil, map[string]any{"v": 2})
	// txn2 never commits (simulating a crash mid-transaction).

	var keys []string
	w.ReplayFrom(0, func(r Record) error {
		keys = append(keys, r.Op.Key)
		return nil
	})
	if len(keys) != 1 || keys[0] != "a" {
		t.Fatalf("expected only committed txn's write to replay, got %v", keys)
	}
}

func TestWALRollbackIsSkipped(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()

	txn1, _ := w.BeginTransaction(1)
	w.WriteEvent(2, txn1, OpInsert, "t", "a", nil, map[string]any{"v": 1})
	w.RollbackTransaction(3, txn1)

	var count int
	w.ReplayFrom(0, func(Record) error { count++; return nil })
	if count != 0 {
		t.Fatalf("expected rolled-back writes to be skipped, got %d records", count)
	}
}

func TestWALTornLastRecordDiscardedSilently(t *testing.T) {
	w := openTestWAL(t)
	for i := uint64(1); i <= 3; i++ {
		w.WriteEvent(i, 0, OpInsert, "t", "k", nil, map[string]any{"n": i})
	}
	w.Close()

	// truncate the file to chop off the tail of the last frame.
	path := filepath.Join(w.dir, walFileName(w.currentID))
	info, _ := os.Stat(path)
	if err := os.Truncate(path, info.Size()-3); err != nil {
		t.Fatal(err)
	}

	w2, err := Open(w.dir, 1<<20, nil)
	if err != nil {
		t.Fatalf("Open after torn write: %v", err)
	}
	defer w2.Close()
	var count int
	if err := w2.ReplayFrom(0, func(Record) error { count++; return nil }); err != nil {
		t.Fatalf("ReplayFrom should tolerate a torn last record, got: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 surviving records, got %d", count)
	}
}

func TestWALMidStreamCorruptionIsFatal(t *testing.T) {
	w := openTestWAL(t)
	for i := uint64(1); i <= 3; i++ {
		w.WriteEvent(i, 0, OpInsert, "t", "k", nil, map[string]any{"n": i})
	}
	w.Close()

	path := filepath.Join(w.dir, walFileName(w.currentID))
	b, _ := os.ReadFile(path)
	// flip a byte inside the first frame's payload, well before the tail.
	b[6] ^= 0xFF
	os.WriteFile(path, b, 0644)

	w2, err := Open(w.dir, 1<<20, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()
	err = w2.ReplayFrom(0, func(Record) error { return nil })
	if err == nil {
		t.Fatalf("expected fatal corruption error")
	}
	if _, ok := err.(*ErrCorruption); !ok {
		t.Fatalf("expected *ErrCorruption, got %T: %v", err, err)
	}
}

func TestWALCheckpointAndTruncate(t *testing.T) {
	w := openTestWAL(t)
	defer w.Close()
	for i := uint64(1); i <= 3; i++ {
		w.WriteEvent(i, 0, OpInsert, "t", "k", nil, nil)
	}
	if err := w.Checkpoint(3); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	// truncation is allowed but not required; it must not error even
	// though the only segment is the live (current) one.
	if err := w.TruncateAt(3); err != nil {
		t.Fatalf("TruncateAt: %v", err)
	}
}
