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

// Package wal implements the write-ahead journal: a durable,
// transaction-framed operation log used for crash recovery. Segments
// rotate as append-only files, with structured logging via go-kit/log.
package wal

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io"
	"time"
)

// OpKind discriminates the WAL operation sum type.
type OpKind string

const (
	OpTransactionBegin  OpKind = "TransactionBegin"
	OpTransactionCommit OpKind = "TransactionCommit"
	OpTransactionAbort  OpKind = "TransactionAbort"
	OpInsert            OpKind = "Insert"
	OpUpdate            OpKind = "Update"
	OpDelete            OpKind = "Delete"
	OpCreateTable       OpKind = "CreateTable"
	OpCreateIndex       OpKind = "CreateIndex"
	OpDropIndex         OpKind = "DropIndex"
	OpCheckpoint        OpKind = "Checkpoint"
)

// Operation is one WAL record's payload. Not every field applies to every
// Kind; the comments on Column and Seq name the Kinds that use them.
type Operation struct {
	Kind   OpKind         `json:"kind"`
	TxnID  uint64         `json:"txn_id,omitempty"`
	Table  string         `json:"table,omitempty"`
	Key    string         `json:"key,omitempty"`
	Before map[string]any `json:"before,omitempty"`
	After  map[string]any `json:"after,omitempty"`
	Column string         `json:"column,omitempty"` // CreateIndex/DropIndex
	Seq    uint64         `json:"seq,omitempty"`    // Checkpoint
}

// Record is one durable entry in the journal.
type Record struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  uint32    `json:"checksum"`
	Op        Operation `json:"operation"`
}

// computeChecksum hashes the fields that make up the durable content of
// the record (everything but the Checksum field itself).
func computeChecksum(seq uint64, ts time.Time, op Operation) (uint32, []byte, error) {
	body, err := json.Marshal(struct {
		Sequence  uint64    `json:"sequence"`
		Timestamp time.Time `json:"timestamp"`
		Op        Operation `json:"operation"`
	}{seq, ts, op})
	if err != nil {
		return 0, nil, err
	}
	return crc32.ChecksumIEEE(body), body, nil
}

// encodeRecord frames a record identically to the segment log's frame
// format: u32 length | payload | u32 crc32(payload). The payload here is
// the full Record (including its own semantic Checksum field), and the
// frame's trailing CRC guards the frame itself the same way segments do;
// Record.Checksum additionally guards against the record being silently
// re-ordered or mutated independent of its frame.
func encodeRecord(r Record) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 4+len(payload)+4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:], payload)
	binary.LittleEndian.PutUint32(buf[4+len(payload):], crc32.ChecksumIEEE(payload))
	return buf, nil
}

// newRecord builds a Record with its Checksum populated.
func newRecord(seq uint64, ts time.Time, op Operation) (Record, error) {
	sum, _, err := computeChecksum(seq, ts, op)
	if err != nil {
		return Record{}, err
	}
	return Record{Sequence: seq, Timestamp: ts, Checksum: sum, Op: op}, nil
}

// verify recomputes the record's semantic checksum and compares it.
func (r Record) verify() bool {
	sum, _, err := computeChecksum(r.Sequence, r.Timestamp, r.Op)
	if err != nil {
		return false
	}
	return sum == r.Checksum
}

// decodeRecord reads exactly one frame from rd. See event.Reader for the
// torn-frame vs CRC-mismatch distinction this mirrors.
func decodeRecord(rd io.Reader) (Record, bool, error) {
	var lenBuf [4]byte
	n, err := io.ReadFull(rd, lenBuf[:])
	if err != nil {
		if n == 0 && err == io.EOF {
			return Record{}, false, nil
		}
		return Record{}, false, io.ErrUnexpectedEOF
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, length)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return Record{}, false, io.ErrUnexpectedEOF
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(rd, crcBuf[:]); err != nil {
		return Record{}, false, io.ErrUnexpectedEOF
	}
	wantCRC := binary.LittleEndian.Uint32(crcBuf[:])
	if crc32.ChecksumIEEE(payload) != wantCRC {
		return Record{}, false, errCRCMismatch
	}
	var r Record
	if err := json.Unmarshal(payload, &r); err != nil {
		return Record{}, false, err
	}
	if !r.verify() {
		return Record{}, false, errChecksumMismatch
	}
	return r, true, nil
}
