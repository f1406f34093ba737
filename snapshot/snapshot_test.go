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

package snapshot

import (
	"testing"
	"time"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	rows := map[string]map[string]any{
		"1": {"id": 1.0, "name": "alice"},
		"2": {"id": 2.0, "name": "bob"},
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := Write(dir, 100, now, rows)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if s.RowCount != 2 {
		t.Fatalf("expected row count 2, got %d", s.RowCount)
	}

	got, found, err := Latest(dir, 200)
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if got.Sequence != 100 {
		t.Fatalf("expected sequence 100, got %d", got.Sequence)
	}
	decoded, err := got.Rows()
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if decoded["1"]["name"] != "alice" {
		t.Fatalf("unexpected decoded row: %v", decoded["1"])
	}
}

func TestLatestRespectsCutoff(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	Write(dir, 50, now, map[string]map[string]any{"a": {"v": 1}})
	Write(dir, 150, now, map[string]map[string]any{"a": {"v": 2}})

	got, found, err := Latest(dir, 100)
	if err != nil || !found {
		t.Fatalf("Latest: found=%v err=%v", found, err)
	}
	if got.Sequence != 50 {
		t.Fatalf("expected the 50-sequence snapshot under a cutoff of 100, got %d", got.Sequence)
	}
}

func TestLatestNoneQualify(t *testing.T) {
	dir := t.TempDir()
	Write(dir, 500, time.Now(), map[string]map[string]any{"a": {"v": 1}})
	_, found, err := Latest(dir, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected no snapshot to qualify under cutoff 10")
	}
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	Write(dir, 10, now, map[string]map[string]any{"a": {"v": 1}})
	Write(dir, 20, now, map[string]map[string]any{"a": {"v": 2}})
	Write(dir, 30, now, map[string]map[string]any{"a": {"v": 3}})

	if err := Prune(dir, 20); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	seqs, err := list(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 20 || seqs[1] != 30 {
		t.Fatalf("expected [20 30] remaining, got %v", seqs)
	}
}

func TestPolicyForcesAfterMaxInterval(t *testing.T) {
	p := Policy{MinWrites: 1000, MaxWrites: 100000, MinInterval: time.Minute, MaxInterval: time.Hour}
	s := &Stats{LastSnapshotAt: time.Now().Add(-2 * time.Hour), WritesSinceSnapshot: 1}
	if !p.ShouldSnapshot(s, time.Now()) {
		t.Fatalf("expected forced snapshot after exceeding MaxInterval")
	}
}

func TestPolicySuppressesUnderMinInterval(t *testing.T) {
	p := Policy{MinWrites: 10, MaxWrites: 1000, MinInterval: time.Hour, MaxInterval: 24 * time.Hour}
	s := &Stats{LastSnapshotAt: time.Now(), WritesSinceSnapshot: 10000}
	if p.ShouldSnapshot(s, time.Now()) {
		t.Fatalf("expected suppression within MinInterval")
	}
}

func TestPolicyWriteCountThreshold(t *testing.T) {
	p := Policy{MinWrites: 100, MaxWrites: 1000, MinInterval: 0, MaxInterval: time.Hour}
	s := &Stats{WritesSinceSnapshot: 50}
	if p.ShouldSnapshot(s, time.Now()) {
		t.Fatalf("expected no snapshot before reaching MinWrites")
	}
	s.WritesSinceSnapshot = 150
	if !p.ShouldSnapshot(s, time.Now()) {
		t.Fatalf("expected snapshot once write count passes MinWrites")
	}
}
