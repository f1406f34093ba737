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
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var (
	errCRCMismatch      = errors.New("wal: frame crc mismatch")
	errChecksumMismatch = errors.New("wal: record checksum mismatch")
)

// ErrCorruption is returned by Replay/Open when a non-terminal record in
// the journal is unreadable. This is fatal and requires operator
// intervention.
type ErrCorruption struct{ Offset int64 }

func (e *ErrCorruption) Error() string {
	return fmt.Sprintf("wal: corruption at offset %d", e.Offset)
}

const defaultRotationBytes = 16 * 1024 * 1024

var walFileRe = regexp.MustCompile(`^(\d{8})\.wal$`)

func walFileName(id uint64) string { return fmt.Sprintf("%08d.wal", id) }

// WAL is the write-ahead journal for an entire engine, shared across
// tables rather than one per table. It is single-writer; the caller is
// responsible for serialising writes (the engine does this via its
// per-table guard plus a WAL-wide append lock here).
type WAL struct {
	dir           string
	rotationBytes int64
	logger        log.Logger

	mu         sync.Mutex // single-writer
	current    *os.File
	currentID  uint64
	currentSz  int64

	txnCounter uint64
	openTxns   sync.Map // txn id -> struct{}
}

// Open opens or creates the WAL directory, positioning for append at the
// tail of the most recent segment file.
func Open(dir string, rotationBytes int64, logger log.Logger) (*WAL, error) {
	if rotationBytes <= 0 {
		rotationBytes = defaultRotationBytes
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}
	ids, err := discoverWalIDs(dir)
	if err != nil {
		return nil, err
	}
	id := uint64(1)
	if len(ids) > 0 {
		id = ids[len(ids)-1]
	}
	f, err := os.OpenFile(filepath.Join(dir, walFileName(id)), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	w := &WAL{
		dir:           dir,
		rotationBytes: rotationBytes,
		logger:        logger,
		current:       f,
		currentID:     id,
		currentSz:     info.Size(),
	}
	level.Debug(logger).Log("msg", "wal opened", "dir", dir, "segment", id, "size", info.Size())
	return w, nil
}

func discoverWalIDs(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: readdir: %w", err)
	}
	var ids []uint64
	for _, ent := range entries {
		m := walFileRe.FindStringSubmatch(ent.Name())
		if m == nil {
			continue
		}
		id, _ := strconv.ParseUint(m[1], 10, 64)
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Close syncs and closes the WAL's current segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.current.Sync(); err != nil {
		w.current.Close()
		return err
	}
	return w.current.Close()
}

// append writes one record frame, fsyncs (the WAL's durability
// contract), and rotates if the threshold is exceeded.
func (w *WAL) append(seq uint64, op Operation) (Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, err := newRecord(seq, time.Now().UTC(), op)
	if err != nil {
		return Record{}, err
	}
	buf, err := encodeRecord(r)
	if err != nil {
		return Record{}, err
	}
	n, err := w.current.Write(buf)
	if err != nil {
		return Record{}, fmt.Errorf("wal: append: %w", err)
	}
	if err := w.current.Sync(); err != nil {
		return Record{}, fmt.Errorf("wal: fsync: %w", err)
	}
	w.currentSz += int64(n)
	if w.currentSz >= w.rotationBytes {
		if err := w.rotateLocked(); err != nil {
			return Record{}, err
		}
	}
	return r, nil
}

func (w *WAL) rotateLocked() error {
	if err := w.current.Close(); err != nil {
		return err
	}
	nextID := w.currentID + 1
	f, err := os.OpenFile(filepath.Join(w.dir, walFileName(nextID)), os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	level.Info(w.logger).Log("msg", "wal rotated", "segment", nextID)
	w.current = f
	w.currentID = nextID
	w.currentSz = 0
	return nil
}

// BeginTransaction allocates a new transaction id and durably records the
// begin marker.
func (w *WAL) BeginTransaction(seq uint64) (uint64, error) {
	txnID := atomic.AddUint64(&w.txnCounter, 1)
	if _, err := w.append(seq, Operation{Kind: OpTransactionBegin, TxnID: txnID}); err != nil {
		return 0, err
	}
	w.openTxns.Store(txnID, struct{}{})
	return txnID, nil
}

// WriteEvent appends a DML operation (Insert/Update/Delete) scoped to
// txnID. txnID of 0 means an autocommit, non-transactional write.
func (w *WAL) WriteEvent(seq uint64, txnID uint64, kind OpKind, table, key string, before, after map[string]any) error {
	_, err := w.append(seq, Operation{Kind: kind, TxnID: txnID, Table: table, Key: key, Before: before, After: after})
	return err
}

// CommitTransaction durably records the commit marker. A Commit is only
// honoured on replay if preceded by a Begin with the same id.
func (w *WAL) CommitTransaction(seq uint64, txnID uint64) error {
	if _, err := w.append(seq, Operation{Kind: OpTransactionCommit, TxnID: txnID}); err != nil {
		return err
	}
	w.openTxns.Delete(txnID)
	return nil
}

// RollbackTransaction durably records the abort marker.
func (w *WAL) RollbackTransaction(seq uint64, txnID uint64) error {
	if _, err := w.append(seq, Operation{Kind: OpTransactionAbort, TxnID: txnID}); err != nil {
		return err
	}
	w.openTxns.Delete(txnID)
	return nil
}

// LogDDL appends a schema-change operation. DDL is never part of a
// transaction in this engine.
func (w *WAL) LogDDL(seq uint64, op Operation) error {
	_, err := w.append(seq, op)
	return err
}

// Checkpoint records that every write with sequence <= seq is durable in
// its segment file, so the WAL may (but need not) discard records at or
// before seq.
func (w *WAL) Checkpoint(seq uint64) error {
	_, err := w.append(seq, Operation{Kind: OpCheckpoint, Seq: seq})
	if err == nil {
		level.Info(w.logger).Log("msg", "checkpoint", "sequence", seq)
	}
	return err
}

// TruncateAt deletes every fully-rotated WAL segment file whose records
// are all <= seq. Truncation is allowed but never required for
// correctness, a failed or skipped truncation just leaves more journal
// to replay next time.
func (w *WAL) TruncateAt(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ids, err := discoverWalIDs(w.dir)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == w.currentID {
			continue // never remove the live segment
		}
		maxSeq, err := maxSequenceInFile(filepath.Join(w.dir, walFileName(id)))
		if err != nil {
			return err
		}
		if maxSeq <= seq {
			os.Remove(filepath.Join(w.dir, walFileName(id)))
		}
	}
	return nil
}

func maxSequenceInFile(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var max uint64
	rd := bytes.NewReader(b)
	for {
		r, ok, err := decodeRecord(rd)
		if err != nil || !ok {
			break
		}
		if r.Sequence > max {
			max = r.Sequence
		}
	}
	return max, nil
}
