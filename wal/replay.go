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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
)

// decodedFrame is one successfully-or-not-successfully parsed frame,
// tracking the byte range it occupied so replay can tell a torn tail
// frame from mid-stream corruption.
type decodedFrame struct {
	record Record
	ok     bool
	start  int64
	// torn is true when the frame could not be fully read because the
	// buffer ended (a partial write); fatal is true when the frame was
	// fully present but invalid (CRC/checksum mismatch) and more bytes
	// follow it, meaning it is not simply a torn tail write.
	torn  bool
	fatal bool
}

// readAllFrames decodes every frame in buf, stopping at the first
// problem and classifying it as torn-tail or fatal-mid-stream.
func readAllFrames(buf []byte) (records []Record, problem *decodedFrame) {
	pos := int64(0)
	for {
		if pos >= int64(len(buf)) {
			return records, nil
		}
		start := pos
		remaining := buf[pos:]
		if len(remaining) < 4 {
			return records, &decodedFrame{start: start, torn: true}
		}
		length := binary.LittleEndian.Uint32(remaining[0:4])
		need := 4 + int64(length) + 4
		if int64(len(remaining)) < need {
			return records, &decodedFrame{start: start, torn: true}
		}
		payload := remaining[4 : 4+length]
		wantCRC := binary.LittleEndian.Uint32(remaining[4+length : need])
		pos += need
		if crc32.ChecksumIEEE(payload) != wantCRC {
			more := pos < int64(len(buf))
			return records, &decodedFrame{start: start, fatal: more, torn: !more}
		}
		var r Record
		if err := json.Unmarshal(payload, &r); err != nil {
			more := pos < int64(len(buf))
			return records, &decodedFrame{start: start, fatal: more, torn: !more}
		}
		if !r.verify() {
			more := pos < int64(len(buf))
			return records, &decodedFrame{start: start, fatal: more, torn: !more}
		}
		records = append(records, r)
	}
}

// readAllRecords concatenates every WAL segment file in id order and
// decodes them, applying the torn-tail-vs-fatal classification across the
// whole journal (a torn write can only legitimately occur at the very end
// of the most recent segment).
func (w *WAL) readAllRecords() ([]Record, error) {
	ids, err := discoverWalIDs(w.dir)
	if err != nil {
		return nil, err
	}
	var all []Record
	for i, id := range ids {
		if id == w.currentID {
			w.mu.Lock()
			w.current.Sync()
			w.mu.Unlock()
		}
		b, err := os.ReadFile(filepath.Join(w.dir, walFileName(id)))
		if err != nil {
			return nil, fmt.Errorf("wal: read segment %d: %w", id, err)
		}
		records, problem := readAllFrames(b)
		all = append(all, records...)
		if problem != nil {
			isLastSegment := i == len(ids)-1
			if problem.torn && isLastSegment {
				// not durably written; silently discard and stop.
				return all, nil
			}
			return all, &ErrCorruption{Offset: problem.start}
		}
	}
	return all, nil
}

// ReplayFrom calls visit, in ascending sequence order, once per record
// whose effect should be considered durable: DML/DDL/Checkpoint records
// with TxnID == 0 (autocommit), or scoped to a transaction that has a
// matching commit marker later in the log. Begin/Commit/Abort markers
// themselves are not delivered to visit. Only records with Sequence >
// startSeq are delivered.
func (w *WAL) ReplayFrom(startSeq uint64, visit func(Record) error) error {
	records, err := w.readAllRecords()
	if err != nil {
		if _, ok := err.(*ErrCorruption); ok {
			return err
		}
		return fmt.Errorf("wal: replay: %w", err)
	}

	committed := make(map[uint64]bool)
	for _, r := range records {
		if r.Op.Kind == OpTransactionCommit {
			committed[r.Op.TxnID] = true
		}
	}

	for _, r := range records {
		if r.Sequence <= startSeq {
			continue
		}
		switch r.Op.Kind {
		case OpTransactionBegin, OpTransactionCommit, OpTransactionAbort:
			continue
		default:
			if r.Op.TxnID != 0 && !committed[r.Op.TxnID] {
				continue // belongs to a transaction that never committed
			}
			if err := visit(r); err != nil {
				return err
			}
		}
	}
	return nil
}
