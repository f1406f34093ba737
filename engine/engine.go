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

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dc0d/onexit"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/driftdb/driftdb/cache"
	"github.com/driftdb/driftdb/errdefs"
	"github.com/driftdb/driftdb/event"
	"github.com/driftdb/driftdb/mvcc"
	"github.com/driftdb/driftdb/segment"
	"github.com/driftdb/driftdb/sindex"
	"github.com/driftdb/driftdb/snapshot"
	"github.com/driftdb/driftdb/table"
	"github.com/driftdb/driftdb/wal"
)

// Engine is the façade: it owns the table registry, index registries,
// the snapshot policy, the WAL handle, the transaction manager, and the
// global sequence counter. It is the one long-lived, process-wide object
// in DriftDB; there is no global mutable state, everything hangs off
// this value instead.
type Engine struct {
	basePath string
	cfg      Config

	mu     sync.RWMutex
	tables map[string]*tableState

	wal         *wal.WAL
	mvccMgr     *mvcc.Manager
	sharedCache *cache.Cache

	seq uint64 // atomic global last-sequence counter, shared across tables

	txMu          sync.Mutex
	txns          map[uint64]*mvcc.Tx
	pendingWrites map[uint64][]event.Event
}

// Init creates the on-disk directory skeleton at path and returns an
// opened Engine against it. It fails if path already contains an
// initialized engine.
func Init(path string, cfg Config) (*Engine, error) {
	if _, err := os.Stat(filepath.Join(path, "wal")); err == nil {
		return nil, fmt.Errorf("engine: %s already initialized", path)
	}
	if err := os.MkdirAll(filepath.Join(path, "wal"), 0750); err != nil {
		return nil, errdefs.NewIOError(path, err)
	}
	if err := os.MkdirAll(filepath.Join(path, "tables"), 0750); err != nil {
		return nil, errdefs.NewIOError(path, err)
	}
	return Open(path, cfg)
}

// Open discovers every table under path, rebuilds stale segment indexes
// (handled transparently by segment.OpenLog), and replays the WAL
// forward from the highest last_sequence among loaded table metas: every
// record whose sequence is strictly greater than that gets replayed.
func Open(path string, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()

	w, err := wal.Open(filepath.Join(path, "wal"), cfg.WalRotationBytes, cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		basePath:      path,
		cfg:           cfg,
		tables:        make(map[string]*tableState),
		wal:           w,
		mvccMgr:       mvcc.New(),
		sharedCache:   cache.New(cfg.CacheBudgetBytes),
		txns:          make(map[uint64]*mvcc.Tx),
		pendingWrites: make(map[uint64][]event.Event),
	}

	if err := e.loadTables(); err != nil {
		w.Close()
		return nil, err
	}

	var maxSeq uint64
	for _, ts := range e.tables {
		if s := ts.meta.LastSeq(); s > maxSeq {
			maxSeq = s
		}
	}
	atomic.StoreUint64(&e.seq, maxSeq)

	if err := e.replayWAL(maxSeq); err != nil {
		w.Close()
		return nil, err
	}
	for _, ts := range e.tables {
		if err := ts.meta.Save(ts.dir); err != nil {
			w.Close()
			return nil, fmt.Errorf("engine: save meta for %s after replay: %w", ts.name, err)
		}
	}

	onexit.Register(func() { e.Close() })
	level.Info(cfg.Logger).Log("msg", "engine opened", "path", path, "tables", len(e.tables), "last_sequence", maxSeq)
	return e, nil
}

// loadTables discovers every tables/<name> directory and opens its
// schema, meta, segment log, and secondary indexes.
func (e *Engine) loadTables() error {
	tablesDir := filepath.Join(e.basePath, "tables")
	entries, err := os.ReadDir(tablesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errdefs.NewIOError(tablesDir, err)
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		ts, err := e.openTableState(ent.Name())
		if err != nil {
			return err
		}
		e.tables[ent.Name()] = ts
	}
	return nil
}

func (e *Engine) openTableState(name string) (*tableState, error) {
	dir := tableDir(e.basePath, name)
	ts := &tableState{name: name, dir: dir, indexes: make(map[string]*sindex.Index)}

	schema, err := table.LoadSchema(ts.schemaPath())
	if err != nil {
		return nil, err
	}
	ts.schema = schema

	meta, found, err := segment.Load(dir)
	if err != nil {
		return nil, err
	}
	if !found {
		meta = segment.NewMeta(0, 0)
	}
	ts.meta = meta

	log, err := segment.OpenLog(ts.segmentsDir(), meta, e.cfg.SegmentRotationBytes)
	if err != nil {
		return nil, err
	}
	ts.log = log

	for _, col := range schema.Indexed {
		ix, found, err := sindex.Load(col, ts.indexPath(col), e.cfg.BloomFalsePositive)
		if err != nil {
			return nil, err
		}
		if !found {
			ix, err = e.rebuildIndex(ts, col)
			if err != nil {
				return nil, err
			}
		}
		ts.indexes[col] = ix
	}

	ts.stats = freshSnapshotStats(time.Now())
	ts.recon = table.NewReconstructor(ts.log, ts.snapshotsDir(), e.sharedCache)

	state, err := ts.recon.AtSequence(name, meta.LastSeq())
	if err != nil {
		return nil, err
	}
	ts.current = state

	return ts, nil
}

// rebuildIndex reconstructs a secondary index from the current table
// state when its on-disk file is missing.
func (e *Engine) rebuildIndex(ts *tableState, column string) (*sindex.Index, error) {
	state, err := ts.recon.AtSequence(ts.name, ts.meta.LastSeq())
	if err != nil {
		return nil, err
	}
	ix := sindex.New(column, e.cfg.BloomFalsePositive)
	for key, row := range state {
		if v, ok := row[column]; ok {
			ix.Add(sindex.LookupValue(v), key)
		}
	}
	return ix, nil
}

// replayWAL reapplies every durable record whose sequence is greater than
// fromSeq, restoring segment/index state for writes that reached the WAL
// but not their segment before a crash.
func (e *Engine) replayWAL(fromSeq uint64) error {
	return e.wal.ReplayFrom(fromSeq, func(r wal.Record) error {
		switch r.Op.Kind {
		case wal.OpInsert, wal.OpUpdate, wal.OpDelete:
			ts, ok := e.tables[r.Op.Table]
			if !ok {
				return nil // table dropped after this record was written; nothing to replay into
			}
			if r.Sequence <= ts.meta.LastSeq() {
				return nil // already reflected in this table's segment log
			}
			return e.replayOneEvent(ts, r)
		default:
			return nil
		}
	})
}

func (e *Engine) replayOneEvent(ts *tableState, r wal.Record) error {
	typ := event.Insert
	switch r.Op.Kind {
	case wal.OpUpdate:
		typ = event.Patch
	case wal.OpDelete:
		typ = event.SoftDelete
	}
	ev := event.Event{
		Sequence:   r.Sequence,
		Timestamp:  r.Timestamp,
		Table:      r.Op.Table,
		PrimaryKey: r.Op.Key,
		Type:       typ,
		Payload:    r.Op.After,
	}
	if _, err := ts.log.Append(ev); err != nil {
		return err
	}
	ts.meta.AdvanceSequence(ev.Sequence)
	ts.applyFold(ev)
	return nil
}

// Close syncs and closes every table's segment log, persists table meta,
// flushes secondary indexes, and closes the WAL.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, ts := range e.tables {
		record(ts.log.Close())
		record(ts.flushIndexes())
		record(ts.meta.Save(ts.dir))
	}
	record(e.wal.Close())
	e.sharedCache.Close()
	return firstErr
}

// ListTables returns every table name currently registered.
func (e *Engine) ListTables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	return names
}

// CreateTable registers a new table, failing if one by that name
// already exists.
func (e *Engine) CreateTable(name string, schema table.Schema) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.tables[name]; exists {
		return &errdefs.TableExists{Table: name}
	}
	if schema.PrimaryKey == "" {
		return &errdefs.PrimaryKeyMissing{Table: name}
	}

	dir := tableDir(e.basePath, name)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return errdefs.NewIOError(dir, err)
	}
	ts := &tableState{name: name, dir: dir, schema: schema, indexes: make(map[string]*sindex.Index)}

	if err := table.SaveSchema(ts.schemaPath(), schema); err != nil {
		return err
	}
	ts.meta = segment.NewMeta(0, 0)
	log, err := segment.OpenLog(ts.segmentsDir(), ts.meta, e.cfg.SegmentRotationBytes)
	if err != nil {
		return err
	}
	ts.log = log
	for _, col := range schema.Indexed {
		ts.indexes[col] = sindex.New(col, e.cfg.BloomFalsePositive)
	}
	ts.stats = freshSnapshotStats(time.Now())
	ts.recon = table.NewReconstructor(ts.log, ts.snapshotsDir(), e.sharedCache)
	ts.current = make(table.State)

	if err := ts.meta.Save(dir); err != nil {
		return err
	}

	e.tables[name] = ts
	level.Info(e.cfg.Logger).Log("msg", "table created", "table", name)
	return nil
}

func (e *Engine) tableStateFor(name string) (*tableState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ts, ok := e.tables[name]
	if !ok {
		return nil, &errdefs.TableNotFound{Table: name}
	}
	return ts, nil
}

func (e *Engine) nextSequence() uint64 { return atomic.AddUint64(&e.seq, 1) }

// ApplyEvent assigns a sequence, appends it to its table's segment log,
// updates secondary indexes, durably writes the WAL record, and
// checkpoints if the snapshot policy demands it. Autocommit path: txnID
// 0.
func (e *Engine) ApplyEvent(ev event.Event) (uint64, error) {
	ts, err := e.tableStateFor(ev.Table)
	if err != nil {
		return 0, err
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ev.Sequence = e.nextSequence()
	ev.Timestamp = time.Now().UTC()

	if _, err := ts.log.Append(ev); err != nil {
		return 0, fmt.Errorf("engine: append %s: %w", ev.Table, err)
	}
	ts.applyFold(ev)
	if err := ts.flushIndexes(); err != nil {
		return 0, err
	}

	kind, before, after := walShapeFor(ev)
	if err := e.wal.WriteEvent(ev.Sequence, 0, kind, ev.Table, event.CanonicalKey(ev.PrimaryKey), before, after); err != nil {
		return 0, fmt.Errorf("engine: wal write: %w", err)
	}
	ts.meta.AdvanceSequence(ev.Sequence)
	ts.stats.RecordWrite(ev.Timestamp)
	if err := ts.meta.Save(ts.dir); err != nil {
		return 0, fmt.Errorf("engine: save meta: %w", err)
	}

	if e.cfg.SnapshotPolicy.ShouldSnapshot(ts.stats, ev.Timestamp) {
		if err := e.snapshotTableLocked(ts, ev.Timestamp); err != nil {
			level.Warn(e.cfg.Logger).Log("msg", "snapshot failed", "table", ev.Table, "err", err)
		}
	}

	return ev.Sequence, nil
}

func walShapeFor(ev event.Event) (wal.OpKind, map[string]any, map[string]any) {
	switch ev.Type {
	case event.Insert:
		return wal.OpInsert, nil, ev.Payload
	case event.Patch:
		return wal.OpUpdate, nil, ev.Payload
	default:
		return wal.OpDelete, nil, nil
	}
}

// snapshotTableLocked writes a snapshot of ts's current state. Caller
// must hold ts.mu.
func (e *Engine) snapshotTableLocked(ts *tableState, now time.Time) error {
	rows := make(map[string]map[string]any, len(ts.current))
	for k, v := range ts.current {
		rows[k] = v
	}
	seq := ts.meta.LastSeq()
	if _, err := snapshot.Write(ts.snapshotsDir(), seq, now, rows); err != nil {
		return err
	}
	ts.meta.SetLastSnapshotSequence(seq)
	ts.stats.RecordSnapshot(now)
	level.Info(e.cfg.Logger).Log("msg", "snapshot created", "table", ts.name, "sequence", seq)
	return nil
}

// CreateSnapshot forces an immediate snapshot of table, bypassing policy.
func (e *Engine) CreateSnapshot(tableName string) error {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return e.snapshotTableLocked(ts, time.Now().UTC())
}

// ReconstructAt returns table's row state as of the given sequence
// cutoff.
func (e *Engine) ReconstructAt(tableName string, cutoffSeq uint64) (table.State, error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return nil, err
	}
	return ts.recon.AtSequence(tableName, cutoffSeq)
}

// ReconstructAtTime returns table's row state as of the newest event at
// or before cutoff.
func (e *Engine) ReconstructAtTime(tableName string, cutoff time.Time) (table.State, error) {
	tstate, err := e.tableStateFor(tableName)
	if err != nil {
		return nil, err
	}
	return tstate.recon.AtTime(tableName, cutoff)
}

// Schema returns table's declared schema.
func (e *Engine) Schema(tableName string) (table.Schema, error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return table.Schema{}, err
	}
	return ts.schema, nil
}

// ScanEvents returns every raw event recorded for table with sequence in
// [lo, hi], in ascending sequence order, the primitive behind
// `FOR SYSTEM_TIME ALL` and `FOR SYSTEM_TIME BETWEEN` as a DriftHistory
// result.
func (e *Engine) ScanEvents(tableName string, lo, hi uint64) ([]event.Event, error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return nil, err
	}
	var out []event.Event
	if err := ts.log.ScanRange(lo, hi, func(ev event.Event) error {
		out = append(out, ev)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("engine: scan events %s: %w", tableName, err)
	}
	return out, nil
}

// CreateIndex adds a secondary index to column on an existing table,
// built from the table's current state, and persists the updated
// schema. It is idempotent: indexing an already-indexed column is a
// no-op.
func (e *Engine) CreateIndex(tableName, column string) error {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.indexes[column]; exists {
		return nil
	}
	ix, err := e.rebuildIndex(ts, column)
	if err != nil {
		return err
	}
	if err := ix.Flush(ts.indexPath(column)); err != nil {
		return err
	}
	ts.indexes[column] = ix
	ts.schema.Indexed = append(ts.schema.Indexed, column)
	if err := table.SaveSchema(ts.schemaPath(), ts.schema); err != nil {
		return err
	}
	level.Info(e.cfg.Logger).Log("msg", "index created", "table", tableName, "column", column)
	return nil
}

// DropIndex removes column's secondary index from table.
func (e *Engine) DropIndex(tableName, column string) error {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if _, exists := ts.indexes[column]; !exists {
		return fmt.Errorf("engine: no index on %s.%s", tableName, column)
	}
	delete(ts.indexes, column)
	os.Remove(ts.indexPath(column))
	filtered := ts.schema.Indexed[:0]
	for _, c := range ts.schema.Indexed {
		if c != column {
			filtered = append(filtered, c)
		}
	}
	ts.schema.Indexed = filtered
	return table.SaveSchema(ts.schemaPath(), ts.schema)
}

// CandidateKeys asks the named column's secondary index for every
// primary key currently holding lookupValue, narrowing an equality
// predicate to a candidate set. indexed is false when the column
// carries no index, signalling the caller should fall back to a full
// scan instead.
func (e *Engine) CandidateKeys(tableName, column, lookupValue string) (keys []string, indexed bool, err error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return nil, false, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ix, ok := ts.indexes[column]
	if !ok {
		return nil, false, nil
	}
	return ix.Lookup(lookupValue), true, nil
}

// CandidateKeyRange narrows a range predicate on column to the primary
// keys whose indexed value falls within [lo, hi], using the same
// secondary index as CandidateKeys.
func (e *Engine) CandidateKeyRange(tableName, column, lo, hi string) (keys []string, indexed bool, err error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return nil, false, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ix, ok := ts.indexes[column]
	if !ok {
		return nil, false, nil
	}
	return ix.Range(lo, hi), true, nil
}

// CurrentSequence returns table's current last_sequence.
func (e *Engine) CurrentSequence(tableName string) (uint64, error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return 0, err
	}
	return ts.meta.LastSeq(), nil
}

// Statistics is a table's observable counters, as surfaced by ANALYZE.
type Statistics struct {
	RowCount            int
	LastSequence        uint64
	LastSnapshotSeq     uint64
	SnapshotsCreated    uint64
	WritesProcessed     uint64
	WritesSinceSnapshot uint64
}

// CollectTableStatistics reports basic table statistics.
func (e *Engine) CollectTableStatistics(tableName string) (Statistics, error) {
	ts, err := e.tableStateFor(tableName)
	if err != nil {
		return Statistics{}, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return Statistics{
		RowCount:            len(ts.current),
		LastSequence:        ts.meta.LastSeq(),
		LastSnapshotSeq:      ts.meta.GetLastSnapshotSequence(),
		SnapshotsCreated:    ts.stats.SnapshotsCreated,
		WritesProcessed:     ts.stats.WritesProcessed,
		WritesSinceSnapshot: ts.stats.WritesSinceSnapshot,
	}, nil
}

// BeginTransaction starts a new transaction at the given isolation level
// and durably records its begin marker, returning the id callers use
// for every subsequent transaction-scoped call.
func (e *Engine) BeginTransaction(isolation mvcc.Isolation) (uint64, error) {
	tx := e.mvccMgr.Begin(isolation)
	seq := e.nextSequence()
	if err := e.wal.LogDDL(seq, wal.Operation{Kind: wal.OpTransactionBegin, TxnID: tx.ID}); err != nil {
		e.mvccMgr.Rollback(tx)
		return 0, fmt.Errorf("engine: begin transaction: %w", err)
	}

	e.txMu.Lock()
	e.txns[tx.ID] = tx
	e.pendingWrites[tx.ID] = nil
	e.txMu.Unlock()
	level.Debug(e.cfg.Logger).Log("msg", "transaction begin", "txn_id", tx.ID, "txn_handle", tx.Handle, "isolation", isolation)
	return tx.ID, nil
}

func (e *Engine) txnFor(txnID uint64) (*mvcc.Tx, error) {
	e.txMu.Lock()
	defer e.txMu.Unlock()
	tx, ok := e.txns[txnID]
	if !ok {
		return nil, fmt.Errorf("engine: transaction %d: %w", txnID, errdefs.ErrTxNotActive)
	}
	return tx, nil
}

// ApplyEventInTransaction stages ev under txnID, running it through MVCC
// conflict detection immediately but deferring its segment-log append
// until commit: a transaction's committed writes are applied to the log
// in sequence order at commit time.
func (e *Engine) ApplyEventInTransaction(txnID uint64, ev event.Event) error {
	tx, err := e.txnFor(txnID)
	if err != nil {
		return err
	}
	if _, err := e.tableStateFor(ev.Table); err != nil {
		return err
	}

	rid := event.RecordID{Table: ev.Table, Key: event.CanonicalKey(ev.PrimaryKey)}
	visible, _, err := e.mvccMgr.Read(tx, rid)
	if err != nil {
		return err
	}
	scratch := table.State{}
	if visible != nil {
		scratch[rid.Key] = visible
	}
	table.Fold(scratch, ev)

	if err := e.mvccMgr.Write(tx, rid, scratch[rid.Key]); err != nil {
		return err
	}

	e.txMu.Lock()
	e.pendingWrites[txnID] = append(e.pendingWrites[txnID], ev)
	e.txMu.Unlock()
	return nil
}

// CommitTransaction validates and commits txnID's write set via MVCC, then
// applies each staged event to its table's segment log and the WAL, in
// the order they were staged, assigning sequences as it goes.
func (e *Engine) CommitTransaction(txnID uint64) error {
	tx, err := e.txnFor(txnID)
	if err != nil {
		return err
	}
	e.txMu.Lock()
	writes := e.pendingWrites[txnID]
	e.txMu.Unlock()

	if err := e.mvccMgr.Commit(tx); err != nil {
		return err
	}

	for _, ev := range writes {
		ts, err := e.tableStateFor(ev.Table)
		if err != nil {
			return err
		}
		if err := e.applyTransactionalEvent(ts, txnID, ev); err != nil {
			return err
		}
	}

	commitSeq := e.nextSequence()
	if err := e.wal.CommitTransaction(commitSeq, txnID); err != nil {
		return fmt.Errorf("engine: commit transaction %d: %w", txnID, err)
	}

	e.txMu.Lock()
	delete(e.txns, txnID)
	delete(e.pendingWrites, txnID)
	e.txMu.Unlock()
	return nil
}

func (e *Engine) applyTransactionalEvent(ts *tableState, txnID uint64, ev event.Event) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	ev.Sequence = e.nextSequence()
	ev.Timestamp = time.Now().UTC()

	if _, err := ts.log.Append(ev); err != nil {
		return fmt.Errorf("engine: append %s: %w", ev.Table, err)
	}
	ts.applyFold(ev)
	if err := ts.flushIndexes(); err != nil {
		return err
	}

	kind, before, after := walShapeFor(ev)
	if err := e.wal.WriteEvent(ev.Sequence, txnID, kind, ev.Table, event.CanonicalKey(ev.PrimaryKey), before, after); err != nil {
		return fmt.Errorf("engine: wal write: %w", err)
	}
	ts.meta.AdvanceSequence(ev.Sequence)
	ts.stats.RecordWrite(ev.Timestamp)
	if err := ts.meta.Save(ts.dir); err != nil {
		return fmt.Errorf("engine: save meta: %w", err)
	}
	return nil
}

// RollbackTransaction discards txnID's staged writes without touching any
// table's segment log.
func (e *Engine) RollbackTransaction(txnID uint64) error {
	tx, err := e.txnFor(txnID)
	if err != nil {
		return err
	}
	if err := e.mvccMgr.Rollback(tx); err != nil {
		return err
	}

	seq := e.nextSequence()
	if err := e.wal.RollbackTransaction(seq, txnID); err != nil {
		return fmt.Errorf("engine: rollback transaction %d: %w", txnID, err)
	}

	e.txMu.Lock()
	delete(e.txns, txnID)
	delete(e.pendingWrites, txnID)
	e.txMu.Unlock()
	return nil
}

// CompactTable collapses a table's segment log to a single dense segment
// holding one synthetic Insert per live row at its current state, then
// truncates the WAL up to the table's new last sequence.
func (e *Engine) CompactTable(name string) error {
	ts, err := e.tableStateFor(name)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	cutoff := ts.meta.LastSeq()
	state, err := ts.recon.AtSequence(name, cutoff)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	events := make([]event.Event, 0, len(state))
	for _, row := range state {
		events = append(events, event.Event{
			Sequence:   e.nextSequence(),
			Timestamp:  now,
			Table:      name,
			PrimaryKey: row[ts.schema.PrimaryKey],
			Type:       event.Insert,
			Payload:    row,
		})
	}
	newCutoff := cutoff
	if len(events) > 0 {
		newCutoff = events[len(events)-1].Sequence
	}

	if err := ts.log.Rewrite(events, nil); err != nil {
		return fmt.Errorf("engine: compact %s: %w", name, err)
	}
	ts.meta.AdvanceSequence(newCutoff)
	if err := ts.meta.Save(ts.dir); err != nil {
		return err
	}
	if err := e.wal.TruncateAt(newCutoff); err != nil {
		level.Warn(e.cfg.Logger).Log("msg", "wal truncate after compaction failed", "table", name, "err", err)
	}
	level.Info(e.cfg.Logger).Log("msg", "table compacted", "table", name, "rows", len(events))
	return nil
}

// CompactAll runs CompactTable across every registered table concurrently,
// bounded by Config.CompactionWorkers, grounded on the same errgroup
// limiter pattern as Doctor.
func (e *Engine) CompactAll(ctx context.Context) error {
	e.mu.RLock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	e.mu.RUnlock()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.CompactionWorkers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return e.CompactTable(name)
		})
	}
	return g.Wait()
}

// DoctorFinding reports one repaired corruption found by Doctor.
type DoctorFinding struct {
	Table       string
	SegmentPath string
	Offset      int64
}

// Doctor scans every table's segment files for corruption concurrently
// (bounded by Config.CompactionWorkers), truncating each corrupt segment
// at its first bad frame and rebuilding that table's segment index.
func (e *Engine) Doctor(ctx context.Context) ([]DoctorFinding, error) {
	e.mu.RLock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	e.mu.RUnlock()

	var mu sync.Mutex
	var findings []DoctorFinding

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.CompactionWorkers)
	for _, name := range names {
		name := name
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return e.doctorTable(name, &mu, &findings)
		})
	}
	if err := g.Wait(); err != nil {
		return findings, err
	}
	return findings, nil
}

func (e *Engine) doctorTable(name string, mu *sync.Mutex, findings *[]DoctorFinding) error {
	ts, err := e.tableStateFor(name)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	path, offset, found, err := ts.log.CheckIntegrity()
	if err != nil {
		return fmt.Errorf("engine: doctor %s: %w", name, err)
	}
	if !found {
		return nil
	}
	if err := ts.log.TruncateSegmentFile(path, offset); err != nil {
		return fmt.Errorf("engine: doctor %s: truncate: %w", name, err)
	}
	if err := ts.log.RebuildIndex(); err != nil {
		return fmt.Errorf("engine: doctor %s: rebuild index: %w", name, err)
	}
	if err := ts.meta.Save(ts.dir); err != nil {
		return err
	}

	mu.Lock()
	*findings = append(*findings, DoctorFinding{Table: name, SegmentPath: path, Offset: offset})
	mu.Unlock()
	level.Warn(e.cfg.Logger).Log("msg", "doctor repaired corruption", "table", name, "segment", path, "offset", offset)
	return nil
}

// WALUpdate is one item delivered by SubscribeWAL: either a durable
// record or a keepalive sent because no record arrived within the
// configured interval.
type WALUpdate struct {
	Record    *wal.Record
	Keepalive bool
}

// SubscribeWAL streams every durable WAL record with sequence > startSeq,
// in order, sending a Keepalive update whenever keepalive elapses with
// nothing new to deliver. The returned channel is closed when cancel
// fires or the subscription's goroutine hits a fatal error.
func (e *Engine) SubscribeWAL(startSeq uint64, keepalive time.Duration, cancel <-chan struct{}) <-chan WALUpdate {
	if keepalive <= 0 {
		keepalive = 30 * time.Second
	}
	pollEvery := keepalive / 10
	if pollEvery < 50*time.Millisecond {
		pollEvery = 50 * time.Millisecond
	}

	out := make(chan WALUpdate, 256)
	go func() {
		defer close(out)
		last := startSeq
		lastEmit := time.Now()
		ticker := time.NewTicker(pollEvery)
		defer ticker.Stop()

		for {
			select {
			case <-cancel:
				return
			case <-ticker.C:
				sentAny := false
				err := e.wal.ReplayFrom(last, func(r wal.Record) error {
					rc := r
					select {
					case out <- WALUpdate{Record: &rc}:
						sentAny = true
						if r.Sequence > last {
							last = r.Sequence
						}
						return nil
					case <-cancel:
						return errdefs.ErrCancelled
					}
				})
				if err != nil {
					return
				}
				if sentAny {
					lastEmit = time.Now()
					continue
				}
				if time.Since(lastEmit) >= keepalive {
					select {
					case out <- WALUpdate{Keepalive: true}:
						lastEmit = time.Now()
					case <-cancel:
						return
					}
				}
			}
		}
	}()
	return out
}
