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

// Package snapshot implements compressed materialized-state checkpoints:
// periodic snapshots of a table's row state at a given sequence, used to
// bound state-reconstruction cost. Writes use a temp-then-rename pattern
// and zstd compression.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/DataDog/zstd"
)

const zstdLevel = 3

// Snapshot is a compressed point-in-time materialization of a table.
type Snapshot struct {
	Sequence  uint64            `json:"sequence"`
	Timestamp time.Time         `json:"timestamp"`
	RowCount  int               `json:"row_count"`
	State     map[string]string `json:"state"` // primary key -> row JSON
}

var fileRe = regexp.MustCompile(`^(\d+)\.snap$`)

func fileName(seq uint64) string { return fmt.Sprintf("%020d.snap", seq) }

// Write serializes rows (primary key -> row value) at sequence into dir,
// compressed with zstd and written via temp-then-rename, so a snapshot
// write is atomic with respect to readers.
func Write(dir string, sequence uint64, ts time.Time, rows map[string]map[string]any) (*Snapshot, error) {
	state := make(map[string]string, len(rows))
	for pk, row := range rows {
		b, err := json.Marshal(row)
		if err != nil {
			return nil, fmt.Errorf("snapshot: marshal row %s: %w", pk, err)
		}
		state[pk] = string(b)
	}
	s := &Snapshot{Sequence: sequence, Timestamp: ts, RowCount: len(state), State: state}

	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal: %w", err)
	}
	compressed, err := zstd.CompressLevel(nil, raw, zstdLevel)
	if err != nil {
		return nil, fmt.Errorf("snapshot: compress: %w", err)
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("snapshot: mkdir: %w", err)
	}
	path := filepath.Join(dir, fileName(sequence))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return nil, fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("snapshot: rename %s: %w", path, err)
	}
	return s, nil
}

// Read loads and decompresses the snapshot at path.
func Read(path string) (*Snapshot, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read %s: %w", path, err)
	}
	raw, err := zstd.Decompress(nil, compressed)
	if err != nil {
		return nil, fmt.Errorf("snapshot: decompress %s: %w", path, err)
	}
	var s Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("snapshot: parse %s: %w", path, err)
	}
	return &s, nil
}

// Rows decodes the snapshot's row state back into typed maps.
func (s *Snapshot) Rows() (map[string]map[string]any, error) {
	out := make(map[string]map[string]any, len(s.State))
	for pk, raw := range s.State {
		var row map[string]any
		if err := json.Unmarshal([]byte(raw), &row); err != nil {
			return nil, fmt.Errorf("snapshot: decode row %s: %w", pk, err)
		}
		out[pk] = row
	}
	return out, nil
}

// list returns every snapshot's sequence number found under dir, sorted
// ascending.
func list(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("snapshot: readdir %s: %w", dir, err)
	}
	var seqs []uint64
	for _, ent := range entries {
		m := fileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.ParseUint(m[1], 10, 64)
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// Latest returns the newest snapshot with sequence <= cutoff, or
// (nil, false, nil) if none qualify.
func Latest(dir string, cutoff uint64) (*Snapshot, bool, error) {
	seqs, err := list(dir)
	if err != nil {
		return nil, false, err
	}
	var best uint64
	found := false
	for _, s := range seqs {
		if s <= cutoff && (!found || s > best) {
			best, found = s, true
		}
	}
	if !found {
		return nil, false, nil
	}
	snap, err := Read(filepath.Join(dir, fileName(best)))
	if err != nil {
		return nil, false, err
	}
	return snap, true, nil
}

// Prune deletes every snapshot file with sequence < keepFrom, retaining
// the ability to reconstruct state at any sequence >= keepFrom.
func Prune(dir string, keepFrom uint64) error {
	seqs, err := list(dir)
	if err != nil {
		return err
	}
	for _, s := range seqs {
		if s < keepFrom {
			if err := os.Remove(filepath.Join(dir, fileName(s))); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("snapshot: prune %d: %w", s, err)
			}
		}
	}
	return nil
}
