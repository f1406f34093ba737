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
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/driftdb/driftdb/event"
)

// Log owns the directory of segment files for one table and the index
// that describes them, combining file lifecycle with its in-memory
// representation.
type Log struct {
	dir            string
	rotationBytes  int64
	meta           *Meta
	current        *Segment
}

var segmentFileRe = regexp.MustCompile(`^(\d{8})\.seg$`)

// OpenLog opens (or creates) the segment directory under dir, discovering
// existing segments and rebuilding the index if it's missing or its size
// disagrees with SegmentCount.
func OpenLog(dir string, meta *Meta, rotationBytes int64) (*Log, error) {
	if rotationBytes <= 0 {
		rotationBytes = DefaultRotationBytes
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("segment: mkdir %s: %w", dir, err)
	}
	l := &Log{dir: dir, rotationBytes: rotationBytes, meta: meta}

	ids, err := discoverSegmentIDs(dir)
	if err != nil {
		return nil, err
	}
	if uint64(len(ids)) != meta.GetSegmentCount() || meta.Index.Len() != len(ids) {
		if err := l.rebuildIndex(ids); err != nil {
			return nil, err
		}
	}
	if len(ids) == 0 {
		ids = []uint64{1}
		meta.SetSegmentCount(1)
	}
	lastID := ids[len(ids)-1]
	seg, err := Open(dir, lastID)
	if err != nil {
		return nil, err
	}
	l.current = seg
	return l, nil
}

func discoverSegmentIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("segment: readdir %s: %w", dir, err)
	}
	var ids []uint64
	for _, ent := range entries {
		m := segmentFileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.ParseUint(m[1], 10, 64)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// rebuildIndex rescans every segment file for its first and last
// sequence. This is how a missing or size-mismatched index gets
// repaired: by scanning each segment.
func (l *Log) rebuildIndex(ids []uint64) error {
	idx := NewIndex()
	for _, id := range ids {
		seg, err := Open(l.dir, id)
		if err != nil {
			return err
		}
		events, _, _, err := seg.ReadAll()
		seg.Close()
		if err != nil {
			return err
		}
		for _, e := range events {
			idx.Update(id, e.Sequence)
		}
	}
	l.meta.Index = idx
	l.meta.SetSegmentCount(uint64(len(ids)))
	return nil
}

// Append writes e to the current segment, rotating first if the segment
// has reached its rotation threshold. It returns the number of bytes
// written to the (possibly just-rotated) current segment.
func (l *Log) Append(e event.Event) (int, error) {
	if l.current.Size() >= l.rotationBytes {
		if err := l.Rotate(); err != nil {
			return 0, err
		}
	}
	n, err := l.current.Append(e)
	if err != nil {
		return 0, err
	}
	l.meta.Index.Update(l.current.ID, e.Sequence)
	return n, nil
}

// Rotate closes (and fsyncs) the current segment and opens the next one.
func (l *Log) Rotate() error {
	if err := l.current.Close(); err != nil {
		return err
	}
	nextID := l.current.ID + 1
	seg, err := Open(l.dir, nextID)
	if err != nil {
		return err
	}
	l.current = seg
	l.meta.SetSegmentCount(nextID)
	return nil
}

// Sync fsyncs the current segment on demand (e.g. before a checkpoint).
func (l *Log) Sync() error { return l.current.Sync() }

// Close closes the current segment.
func (l *Log) Close() error { return l.current.Close() }

// CurrentID returns the id of the currently-open segment.
func (l *Log) CurrentID() uint64 { return l.current.ID }

// EarliestSequence returns the lowest sequence number still present in
// any live segment, or (0, false) if the index has no entries yet (a
// table that has never been appended to).
func (l *Log) EarliestSequence() (uint64, bool) {
	bounds := l.meta.Index.All()
	if len(bounds) == 0 {
		return 0, false
	}
	earliest := bounds[0].MinSeq
	for _, b := range bounds[1:] {
		if b.MinSeq < earliest {
			earliest = b.MinSeq
		}
	}
	return earliest, true
}

// ScanFrom replays every event with Sequence >= startSeq, in ascending
// sequence order, skipping segments entirely before startSeq using the
// index.
func (l *Log) ScanFrom(startSeq uint64, visit func(event.Event) error) error {
	for _, b := range l.meta.Index.All() {
		if b.MaxSeq < startSeq {
			continue
		}
		if err := l.scanSegment(b.SegmentID, func(e event.Event) error {
			if e.Sequence < startSeq {
				return nil
			}
			return visit(e)
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScanRange replays every event with lo <= Sequence <= hi.
func (l *Log) ScanRange(lo, hi uint64, visit func(event.Event) error) error {
	for _, b := range l.meta.Index.SegmentsInRange(lo, hi) {
		if err := l.scanSegment(b.SegmentID, func(e event.Event) error {
			if e.Sequence < lo || e.Sequence > hi {
				return nil
			}
			return visit(e)
		}); err != nil {
			return err
		}
	}
	return nil
}

func (l *Log) scanSegment(id uint64, visit func(event.Event) error) error {
	if id == l.current.ID {
		if err := l.current.Sync(); err != nil {
			return err
		}
	}
	seg, err := Open(l.dir, id)
	if err != nil {
		return err
	}
	defer seg.Close()
	events, _, corrupt, err := seg.ReadAll()
	if err != nil {
		return err
	}
	if corrupt {
		return &corruptionError{segment: seg.Path()}
	}
	for _, e := range events {
		if err := visit(e); err != nil {
			return err
		}
	}
	return nil
}

type corruptionError struct{ segment string }

func (e *corruptionError) Error() string { return "segment: corruption in " + e.segment }

// CheckIntegrity scans every segment in ascending id order and returns
// the path and offset of the first corruption found, without mutating
// anything.
func (l *Log) CheckIntegrity() (segmentPath string, offset int64, found bool, err error) {
	for _, b := range l.meta.Index.All() {
		if b.SegmentID == l.current.ID {
			if err := l.current.Sync(); err != nil {
				return "", 0, false, err
			}
		}
		seg, err := Open(l.dir, b.SegmentID)
		if err != nil {
			return "", 0, false, err
		}
		off, bad, err := seg.ScanForCorruption()
		path := seg.Path()
		seg.Close()
		if err != nil {
			return "", 0, false, err
		}
		if bad {
			return path, off, true, nil
		}
	}
	return "", 0, false, nil
}

// TruncateSegmentFile truncates the segment file at path to offset,
// discarding everything from the first bad frame onward. If path is the
// currently-open segment, its in-memory handle is truncated directly;
// otherwise the file is opened, truncated, and closed.
func (l *Log) TruncateSegmentFile(path string, offset int64) error {
	if path == l.current.Path() {
		return l.current.TruncateAt(offset)
	}
	id, ok := idFromSegmentPath(path)
	if !ok {
		return fmt.Errorf("segment: cannot parse segment id from %s", path)
	}
	seg, err := Open(l.dir, id)
	if err != nil {
		return err
	}
	defer seg.Close()
	return seg.TruncateAt(offset)
}

func idFromSegmentPath(path string) (uint64, bool) {
	m := segmentFileRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// RebuildIndex rescans every segment file on disk and rebuilds this log's
// in-memory sequence index from scratch, used after a corrupt segment has
// been truncated out from under it.
func (l *Log) RebuildIndex() error {
	ids, err := discoverSegmentIDs(l.dir)
	if err != nil {
		return err
	}
	return l.rebuildIndex(ids)
}

// Rewrite performs atomic compaction: it writes events to a new staging
// segment (id = current max + 1000000, to avoid clashing while both exist
// briefly), fsyncs it, then renames the staging file over segment 1 and
// removes every other prior segment file, leaving a single dense segment.
// Cancellation is cooperative: cancel is checked between events; if it
// fires, the staging file is discarded and persistent state is
// unchanged.
func (l *Log) Rewrite(events []event.Event, cancel <-chan struct{}) error {
	stagingID := l.current.ID + 1_000_000
	staging, err := Open(l.dir, stagingID)
	if err != nil {
		return err
	}
	newIndex := NewIndex()
	for _, e := range events {
		select {
		case <-cancel:
			staging.Remove()
			return fmt.Errorf("segment: rewrite cancelled")
		default:
		}
		if _, err := staging.Append(e); err != nil {
			staging.Remove()
			return err
		}
		newIndex.Update(1, e.Sequence)
	}
	if err := staging.Close(); err != nil {
		return err
	}

	oldIDs, err := discoverSegmentIDs(l.dir)
	if err != nil {
		staging.Remove()
		return err
	}
	finalPath := filepath.Join(l.dir, fileName(1))
	if err := os.Rename(staging.Path(), finalPath); err != nil {
		return fmt.Errorf("segment: rewrite rename: %w", err)
	}
	for _, id := range oldIDs {
		if id == 1 {
			continue
		}
		os.Remove(filepath.Join(l.dir, fileName(id)))
	}

	seg, err := Open(l.dir, 1)
	if err != nil {
		return err
	}
	l.current = seg
	l.meta.Index = newIndex
	l.meta.mu.Lock()
	l.meta.SegmentCount = 1
	l.meta.mu.Unlock()
	return nil
}
