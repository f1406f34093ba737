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

// Package mvcc implements multi-version concurrency control over the
// record ids defined by package event: a version chain per (table, key),
// five isolation levels, and the corresponding conflict-detection rules.
// Structured around an atomic transaction-id counter, an explicit state
// enum, and a global commit epoch used as a snapshot boundary, with true
// per-key version chains rather than a single shared overlay, since the
// append-only event log already gives every write a durable before/after
// image to chain from.
package mvcc

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/driftdb/driftdb/errdefs"
	"github.com/driftdb/driftdb/event"
)

// Isolation selects the visibility and conflict-detection rules applied
// to a transaction.
type Isolation int

const (
	ReadUncommitted Isolation = iota
	ReadCommitted
	RepeatableRead
	Snapshot
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadUncommitted:
		return "ReadUncommitted"
	case ReadCommitted:
		return "ReadCommitted"
	case RepeatableRead:
		return "RepeatableRead"
	case Snapshot:
		return "Snapshot"
	case Serializable:
		return "Serializable"
	default:
		return "Unknown"
	}
}

// State is a transaction's position in the Active -> Preparing ->
// (Committed | Aborted) state machine. Preparing is entered
// at the first step of Commit; only the commit protocol itself may move a
// transaction out of Preparing.
type State int

const (
	Active State = iota
	Preparing
	Committed
	Aborted
)

// Version is one entry in a record's version chain.
type Version struct {
	RecordID     event.RecordID
	Value        map[string]any // nil means this version represents a delete
	CreatedByTxn uint64
	CreatedAtTs  uint64
	DeletedByTxn uint64 // 0 until superseded
	DeletedAtTs  uint64 // 0 until superseded
}

func (v *Version) visibleAt(ts uint64) bool {
	if v.CreatedAtTs > ts {
		return false
	}
	if v.DeletedAtTs != 0 && v.DeletedAtTs <= ts {
		return false
	}
	return true
}

// Tx is a transaction's working state. ID is the ordering token used for
// conflict detection and visibility (must stay a monotonic counter);
// Handle is an opaque correlation id for logs and client-facing session
// tracking that carries no ordering meaning of its own.
type Tx struct {
	ID         uint64
	Handle     uuid.UUID
	Isolation  Isolation
	SnapshotTs uint64
	State      State

	mu       sync.Mutex
	readSet  map[event.RecordID]uint64 // record -> version ts observed
	writeSet map[event.RecordID]*Version
}

func newTx(id uint64, isolation Isolation, snapshotTs uint64) *Tx {
	return &Tx{
		ID:         id,
		Handle:     newTxHandle(),
		Isolation:  isolation,
		SnapshotTs: snapshotTs,
		State:      Active,
		readSet:    make(map[event.RecordID]uint64),
		writeSet:   make(map[event.RecordID]*Version),
	}
}

var txHandleCounter uint64 = uint64(time.Now().UnixNano())

// newTxHandle returns a UUIDv4-like value without relying on crypto/rand:
// fine for a log-correlation id, not for anything security-sensitive.
func newTxHandle() uuid.UUID {
	ctr := atomic.AddUint64(&txHandleCounter, 1)
	now := uint64(time.Now().UnixNano())
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], ctr)
	binary.LittleEndian.PutUint64(b[8:16], ctr^now^(now<<17))
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return uuid.UUID(b)
}

// chain is a record's version history, newest first.
type chain struct {
	mu       sync.RWMutex
	versions []*Version
}

// Manager owns every record's version chain and the set of live
// transactions. ts is a single logical clock shared by transaction ids and
// commit timestamps: a transaction-id counter and a commit epoch, unified
// into one counter since both only need to be monotonic and comparable.
type Manager struct {
	mu     sync.RWMutex
	chains map[event.RecordID]*chain
	active map[uint64]*Tx
	ts     uint64
}

// New returns an empty manager.
func New() *Manager {
	return &Manager{
		chains: make(map[event.RecordID]*chain),
		active: make(map[uint64]*Tx),
	}
}

func (m *Manager) nextTs() uint64 { return atomic.AddUint64(&m.ts, 1) }

// Begin starts a new transaction at the given isolation level.
func (m *Manager) Begin(isolation Isolation) *Tx {
	id := m.nextTs()
	snapshot := atomic.LoadUint64(&m.ts)
	tx := newTx(id, isolation, snapshot)
	m.mu.Lock()
	m.active[id] = tx
	m.mu.Unlock()
	return tx
}

func (m *Manager) chainFor(rid event.RecordID) *chain {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[rid]
	if !ok {
		c = &chain{}
		m.chains[rid] = c
	}
	return c
}

// Read returns the value visible to tx for rid, applying tx's isolation
// level, and records rid in tx's read set for conflict detection at
// commit time under Serializable.
func (m *Manager) Read(tx *Tx, rid event.RecordID) (map[string]any, bool, error) {
	tx.mu.Lock()
	if tx.State != Active {
		tx.mu.Unlock()
		return nil, false, errdefs.ErrTxNotActive
	}
	if staged, ok := tx.writeSet[rid]; ok {
		tx.mu.Unlock()
		return staged.Value, staged.Value != nil, nil
	}
	tx.mu.Unlock()

	c := m.chainFor(rid)
	c.mu.RLock()
	defer c.mu.RUnlock()

	var visTs uint64
	switch tx.Isolation {
	case ReadUncommitted, ReadCommitted:
		// Dirty reads are not representable once writes are chained by
		// commit timestamp, so both levels observe the latest committed
		// version, the strongest guarantee the structure can offer.
		visTs = atomic.LoadUint64(&m.ts)
	default:
		visTs = tx.SnapshotTs
	}

	for _, v := range c.versions {
		if v.visibleAt(visTs) {
			tx.mu.Lock()
			tx.readSet[rid] = v.CreatedAtTs
			tx.mu.Unlock()
			return v.Value, v.Value != nil, nil
		}
	}
	return nil, false, nil
}

// Write stages a new value for rid under tx, applying the write-write
// conflict rule for tx's isolation level:
//   - ReadCommitted/RepeatableRead: fail fast if a different, still-active
//     transaction has an uncommitted write on rid (second-writer loses).
//   - Snapshot/Serializable: conflict detection is deferred to Commit
//     (first-committer-wins).
func (m *Manager) Write(tx *Tx, rid event.RecordID, value map[string]any) error {
	// The cross-transaction conflict scan below must not run while tx.mu is
	// held, since it locks other transactions' mutexes in turn, holding
	// both at once is how two concurrent writers would deadlock on each
	// other.
	if tx.Isolation == ReadCommitted || tx.Isolation == RepeatableRead {
		if owner, conflict := m.uncommittedWriter(rid, tx.ID); conflict {
			return fmt.Errorf("record %s: %w (held by txn %d)", rid, errdefs.ErrWriteConflict, owner)
		}
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.State != Active {
		return errdefs.ErrTxNotActive
	}
	tx.writeSet[rid] = &Version{RecordID: rid, Value: value, CreatedByTxn: tx.ID}
	return nil
}

// uncommittedWriter reports whether some other active transaction already
// holds an uncommitted write on rid.
func (m *Manager) uncommittedWriter(rid event.RecordID, selfID uint64) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, other := range m.active {
		if id == selfID {
			continue
		}
		other.mu.Lock()
		_, writing := other.writeSet[rid]
		state := other.State
		other.mu.Unlock()
		if writing && state == Active {
			return id, true
		}
	}
	return 0, false
}

// Commit validates and applies tx's write set, per the conflict rules for
// its isolation level, then transitions it to Committed. Validation
// failure transitions tx to Aborted and returns an error without applying
// any writes: commit is all-or-nothing.
func (m *Manager) Commit(tx *Tx) error {
	tx.mu.Lock()
	if tx.State != Active {
		tx.mu.Unlock()
		return errdefs.ErrTxNotActive
	}
	tx.State = Preparing
	writes := make(map[event.RecordID]*Version, len(tx.writeSet))
	for k, v := range tx.writeSet {
		writes[k] = v
	}
	reads := make(map[event.RecordID]uint64, len(tx.readSet))
	for k, v := range tx.readSet {
		reads[k] = v
	}
	tx.mu.Unlock()

	if err := m.validate(tx, writes, reads); err != nil {
		m.finish(tx, Aborted)
		return err
	}

	commitTs := m.nextTs()
	for rid, v := range writes {
		c := m.chainFor(rid)
		c.mu.Lock()
		if len(c.versions) > 0 {
			c.versions[0].DeletedByTxn = tx.ID
			c.versions[0].DeletedAtTs = commitTs
		}
		v.CreatedAtTs = commitTs
		c.versions = append([]*Version{v}, c.versions...)
		c.mu.Unlock()
	}

	m.finish(tx, Committed)
	return nil
}

// validate applies the per-isolation commit-time conflict checks.
func (m *Manager) validate(tx *Tx, writes map[event.RecordID]*Version, reads map[event.RecordID]uint64) error {
	switch tx.Isolation {
	case Snapshot, Serializable:
		for rid := range writes {
			c := m.chainFor(rid)
			c.mu.RLock()
			var latest uint64
			if len(c.versions) > 0 {
				latest = c.versions[0].CreatedAtTs
			}
			c.mu.RUnlock()
			if latest > tx.SnapshotTs {
				return fmt.Errorf("record %s: %w", rid, errdefs.ErrWriteConflict)
			}
		}
		if tx.Isolation == Serializable {
			for rid, seenTs := range reads {
				c := m.chainFor(rid)
				c.mu.RLock()
				var latest uint64
				if len(c.versions) > 0 {
					latest = c.versions[0].CreatedAtTs
				}
				c.mu.RUnlock()
				if latest > seenTs {
					return fmt.Errorf("record %s: %w", rid, errdefs.ErrSerializationFailure)
				}
			}
		}
	}
	return nil
}

// Rollback discards tx's staged writes and transitions it to Aborted.
func (m *Manager) Rollback(tx *Tx) error {
	tx.mu.Lock()
	if tx.State != Active && tx.State != Preparing {
		tx.mu.Unlock()
		return errdefs.ErrTxNotActive
	}
	tx.mu.Unlock()
	m.finish(tx, Aborted)
	return nil
}

func (m *Manager) finish(tx *Tx, state State) {
	tx.mu.Lock()
	tx.State = state
	tx.mu.Unlock()
	m.mu.Lock()
	delete(m.active, tx.ID)
	m.mu.Unlock()
}

// minActiveSnapshot returns the oldest snapshot timestamp among active
// transactions, or one past the current clock value if none are active
// (a transaction begun later takes a snapshot above the current clock).
func (m *Manager) minActiveSnapshot() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	min := atomic.LoadUint64(&m.ts) + 1
	for _, tx := range m.active {
		if tx.SnapshotTs < min {
			min = tx.SnapshotTs
		}
	}
	return min
}

// GC discards superseded versions no active transaction can still see
// (deleted_at_ts < min(active txn snapshot_ts)). Returns the
// number of versions discarded.
func (m *Manager) GC() int {
	floor := m.minActiveSnapshot()
	discarded := 0
	m.mu.RLock()
	chains := make([]*chain, 0, len(m.chains))
	for _, c := range m.chains {
		chains = append(chains, c)
	}
	m.mu.RUnlock()

	for _, c := range chains {
		c.mu.Lock()
		kept := c.versions[:0]
		for _, v := range c.versions {
			if v.DeletedAtTs != 0 && v.DeletedAtTs < floor {
				discarded++
				continue
			}
			kept = append(kept, v)
		}
		c.versions = kept
		c.mu.Unlock()
	}
	return discarded
}
