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

// Package segment implements the append-only segmented event log and
// its accompanying per-table segment index and metadata.
//
// Metadata uses temp-then-rename writes; data files are opened for
// append, one file per logical unit, lazily opened.
package segment

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftdb/driftdb/event"
)

// DefaultRotationBytes is the design default rotation threshold (~10
// MiB). Callers should treat this as a starting point, not a hard-coded
// production default, Engine.Config exposes it.
const DefaultRotationBytes = 10 * 1024 * 1024

// fileName renders the zero-padded 8-digit segment file name used on
// disk.
func fileName(id uint64) string { return fmt.Sprintf("%08d.seg", id) }

// Segment is a single append-only file holding a contiguous range of
// framed events.
type Segment struct {
	ID   uint64
	path string
	f    *os.File
	size int64
}

// Open opens (creating if necessary) the segment file with the given id
// under dir, positioned for appending.
func Open(dir string, id uint64) (*Segment, error) {
	path := filepath.Join(dir, fileName(id))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: stat %s: %w", path, err)
	}
	if _, err := f.Seek(0, 2); err != nil {
		f.Close()
		return nil, err
	}
	return &Segment{ID: id, path: path, f: f, size: info.Size()}, nil
}

// Path returns the segment's on-disk path.
func (s *Segment) Path() string { return s.path }

// Size returns the current file size in bytes.
func (s *Segment) Size() int64 { return s.size }

// Append writes one framed event and returns the number of bytes
// written. It does not fsync: append fsyncs only on segment close;
// durability before that is the WAL's job.
func (s *Segment) Append(e event.Event) (int, error) {
	buf, err := event.Encode(e)
	if err != nil {
		return 0, err
	}
	n, err := s.f.Write(buf)
	if err != nil {
		return n, fmt.Errorf("segment: append to %s: %w", s.path, err)
	}
	s.size += int64(n)
	return n, nil
}

// Sync fsyncs the segment file. Called on rotation/close and does not
// honour cancellation: it runs to completion to avoid torn writes.
func (s *Segment) Sync() error { return s.f.Sync() }

// Close syncs and closes the underlying file.
func (s *Segment) Close() error {
	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}

// ReadAll decodes every well-formed event from the start of the file,
// leaving the file's seek position untouched on return. It reports the
// offset of the first bad frame, if any, mirroring event.ReadAll.
func (s *Segment) ReadAll() (events []event.Event, corruptAt int64, corrupt bool, err error) {
	cur, err := s.f.Seek(0, 1)
	if err != nil {
		return nil, 0, false, err
	}
	defer s.f.Seek(cur, 0)
	if _, err := s.f.Seek(0, 0); err != nil {
		return nil, 0, false, err
	}
	events, corruptAt, corrupt = event.ReadAll(s.f)
	return events, corruptAt, corrupt, nil
}

// ScanForCorruption walks the segment without materialising events.
func (s *Segment) ScanForCorruption() (offset int64, found bool, err error) {
	cur, err := s.f.Seek(0, 1)
	if err != nil {
		return 0, false, err
	}
	defer s.f.Seek(cur, 0)
	if _, err := s.f.Seek(0, 0); err != nil {
		return 0, false, err
	}
	offset, found = event.ScanForCorruption(s.f)
	return offset, found, nil
}

// TruncateAt truncates the file exactly at offset, discarding everything
// from the first bad frame onward, and repositions the write cursor
// there.
func (s *Segment) TruncateAt(offset int64) error {
	if err := s.f.Truncate(offset); err != nil {
		return fmt.Errorf("segment: truncate %s: %w", s.path, err)
	}
	if _, err := s.f.Seek(offset, 0); err != nil {
		return err
	}
	s.size = offset
	return nil
}

// Remove closes and deletes the segment file.
func (s *Segment) Remove() error {
	s.f.Close()
	return os.Remove(s.path)
}
