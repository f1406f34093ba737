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

package mvcc

import (
	"errors"
	"testing"

	"github.com/driftdb/driftdb/errdefs"
	"github.com/driftdb/driftdb/event"
)

func rid(key string) event.RecordID { return event.RecordID{Table: "t", Key: key} }

func TestReadYourOwnWrites(t *testing.T) {
	m := New()
	tx := m.Begin(Snapshot)
	if err := m.Write(tx, rid("a"), map[string]any{"v": 1}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	v, found, err := m.Read(tx, rid("a"))
	if err != nil || !found {
		t.Fatalf("expected to read own uncommitted write, found=%v err=%v", found, err)
	}
	if v["v"] != 1 {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestCommitMakesVersionVisibleToNewTransactions(t *testing.T) {
	m := New()
	tx1 := m.Begin(Snapshot)
	m.Write(tx1, rid("a"), map[string]any{"v": 1})
	if err := m.Commit(tx1); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	tx2 := m.Begin(Snapshot)
	v, found, err := m.Read(tx2, rid("a"))
	if err != nil || !found {
		t.Fatalf("expected committed value visible, found=%v err=%v", found, err)
	}
	if v["v"] != 1 {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestSnapshotIsolationHidesLaterCommits(t *testing.T) {
	m := New()
	tx1 := m.Begin(Snapshot)
	m.Write(tx1, rid("a"), map[string]any{"v": 1})
	m.Commit(tx1)

	reader := m.Begin(Snapshot)

	tx2 := m.Begin(Snapshot)
	m.Write(tx2, rid("a"), map[string]any{"v": 2})
	m.Commit(tx2)

	v, _, _ := m.Read(reader, rid("a"))
	if v["v"] != 1 {
		t.Fatalf("expected snapshot reader to see pre-existing value 1, got %v", v)
	}
}

func TestSnapshotFirstCommitterWins(t *testing.T) {
	m := New()
	base := m.Begin(Snapshot)
	m.Write(base, rid("a"), map[string]any{"v": 0})
	m.Commit(base)

	tx1 := m.Begin(Snapshot)
	tx2 := m.Begin(Snapshot)

	m.Write(tx1, rid("a"), map[string]any{"v": 1})
	m.Write(tx2, rid("a"), map[string]any{"v": 2})

	if err := m.Commit(tx1); err != nil {
		t.Fatalf("expected first committer to succeed: %v", err)
	}
	err := m.Commit(tx2)
	if err == nil {
		t.Fatalf("expected second committer to fail under snapshot isolation")
	}
	if !errors.Is(err, errdefs.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
}

func TestReadCommittedSecondWriterFailsFast(t *testing.T) {
	m := New()
	tx1 := m.Begin(ReadCommitted)
	tx2 := m.Begin(ReadCommitted)

	if err := m.Write(tx1, rid("a"), map[string]any{"v": 1}); err != nil {
		t.Fatalf("Write tx1: %v", err)
	}
	err := m.Write(tx2, rid("a"), map[string]any{"v": 2})
	if err == nil {
		t.Fatalf("expected second concurrent writer to fail fast")
	}
	if !errors.Is(err, errdefs.ErrWriteConflict) {
		t.Fatalf("expected ErrWriteConflict, got %v", err)
	}
}

func TestSerializableDetectsReadWriteConflict(t *testing.T) {
	m := New()
	base := m.Begin(Snapshot)
	m.Write(base, rid("a"), map[string]any{"v": 0})
	m.Commit(base)

	tx1 := m.Begin(Serializable)
	m.Read(tx1, rid("a")) // tx1 depends on a's value

	tx2 := m.Begin(Serializable)
	m.Write(tx2, rid("a"), map[string]any{"v": 99})
	if err := m.Commit(tx2); err != nil {
		t.Fatalf("tx2 should commit cleanly: %v", err)
	}

	m.Write(tx1, rid("b"), map[string]any{"v": 1})
	err := m.Commit(tx1)
	if err == nil {
		t.Fatalf("expected serialization failure for tx1")
	}
	if !errors.Is(err, errdefs.ErrSerializationFailure) {
		t.Fatalf("expected ErrSerializationFailure, got %v", err)
	}
}

func TestRollbackDiscardsWrites(t *testing.T) {
	m := New()
	tx := m.Begin(Snapshot)
	m.Write(tx, rid("a"), map[string]any{"v": 1})
	if err := m.Rollback(tx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	tx2 := m.Begin(Snapshot)
	_, found, _ := m.Read(tx2, rid("a"))
	if found {
		t.Fatalf("expected no committed value after rollback")
	}
}

func TestGCDiscardsUnreachableVersions(t *testing.T) {
	m := New()
	tx1 := m.Begin(Snapshot)
	m.Write(tx1, rid("a"), map[string]any{"v": 1})
	m.Commit(tx1)

	tx2 := m.Begin(Snapshot)
	m.Write(tx2, rid("a"), map[string]any{"v": 2})
	m.Commit(tx2)

	discarded := m.GC()
	if discarded != 1 {
		t.Fatalf("expected the superseded version to be collected, got %d", discarded)
	}
}
