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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driftdb/driftdb/event"
)

func mkEvent(seq uint64) event.Event {
	return event.Event{
		Sequence:  seq,
		Timestamp: time.Unix(int64(seq), 0).UTC(),
		Table:     "t",
		PrimaryKey: "k",
		Type:      event.Insert,
		Payload:   map[string]any{"n": float64(seq)},
	}
}

func TestSegmentAppendAndReadAll(t *testing.T) {
	dir := t.TempDir()
	seg, err := Open(dir, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer seg.Close()

	for i := uint64(1); i <= 5; i++ {
		if _, err := seg.Append(mkEvent(i)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	events, _, corrupt, err := seg.ReadAll()
	if err != nil || corrupt {
		t.Fatalf("ReadAll: events=%v corrupt=%v err=%v", events, corrupt, err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}
	for i, e := range events {
		if e.Sequence != uint64(i+1) {
			t.Fatalf("event %d has sequence %d", i, e.Sequence)
		}
	}
}

func TestSegmentCorruptionTruncation(t *testing.T) {
	dir := t.TempDir()
	seg, _ := Open(dir, 1)
	for i := uint64(1); i <= 3; i++ {
		seg.Append(mkEvent(i))
	}
	seg.Close()

	// flip a byte in the last frame.
	f, err := os.OpenFile(filepath.Join(dir, fileName(1)), os.O_RDWR, 0644)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := f.Stat()
	f.WriteAt([]byte{0xFF}, info.Size()-2)
	f.Close()

	seg2, err := Open(dir, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer seg2.Close()
	offset, found, err := seg2.ScanForCorruption()
	if err != nil {
		t.Fatalf("ScanForCorruption: %v", err)
	}
	if !found {
		t.Fatalf("expected corruption to be found")
	}
	if err := seg2.TruncateAt(offset); err != nil {
		t.Fatalf("TruncateAt: %v", err)
	}
	events, _, corrupt, err := seg2.ReadAll()
	if err != nil || corrupt {
		t.Fatalf("post-truncate ReadAll should be clean: %v %v %v", events, corrupt, err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 surviving events, got %d", len(events))
	}
}
