/*
Lock manager implements row-level shared/exclusive locking under strict
two-phase locking, with wound-wait deadlock prevention.

Every record id maps to a queue of lock requests plus a condition variable.
One mutex guards the whole table; the per-queue condition variables share
it, so a woken waiter re-examines the queue under the same lock it blocked
under. The scan a waiter re-runs is idempotent, which makes spurious
wake-ups harmless.

Wound-wait: on conflict the older transaction (smaller id) always wins.
- an older transaction finding a younger conflicting one wounds it: the
  victim's request is removed, its lock sets cleared for the record, its
  state set to aborted, and the queue's waiters are woken.
- a younger shared requester blocked by an older exclusive holder waits.
- a younger exclusive requester blocked by an older holder dies immediately
  instead of waiting.
Deadlock needs a cycle of transactions each waiting for an older one; under
wound-wait waits only ever point old <- young, so no cycle can form.

Protocol violations abort the calling transaction and return false:
acquiring while shrinking, or taking any lock at READ UNCOMMITTED.
Nothing here retries; the caller decides what to do with a false.
*/
package lock

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/uzudb/uzudb/common"
	"github.com/uzudb/uzudb/transaction"
	"github.com/uzudb/uzudb/transaction/txid"
)

var (
	woundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uzudb",
		Subsystem: "lock",
		Name:      "wounds_total",
		Help:      "Transactions aborted by an older conflicting transaction.",
	})
	waitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uzudb",
		Subsystem: "lock",
		Name:      "waits_total",
		Help:      "Times a transaction blocked waiting for a lock.",
	})
)

// Manager is the lock manager
type Manager struct {
	mu     sync.Mutex
	table  map[common.RID]*requestQueue
	logger *zap.Logger
}

// NewManager initializes the lock manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		table:  make(map[common.RID]*requestQueue),
		logger: logger,
	}
}

// queue returns the request queue of the record, creating it if needed.
// the caller must hold m.mu.
func (m *Manager) queue(rid common.RID) *requestQueue {
	q, ok := m.table[rid]
	if !ok {
		q = &requestQueue{
			upgrading: txid.InvalidTxID,
			cond:      sync.NewCond(&m.mu),
		}
		m.table[rid] = q
	}
	return q
}

// checkAcquire applies the up-front rejections shared by every acquire
// path. returns false after aborting the transaction where the protocol
// demands it. the caller must hold m.mu.
func (m *Manager) checkAcquire(tx *transaction.Tx) bool {
	if tx.State() == transaction.StateAborted {
		return false
	}
	// READ UNCOMMITTED never takes shared locks, and a transaction that
	// skips shared locks has no business upgrading or demanding them
	if tx.IsolationLevel() == transaction.LevelReadUncommitted {
		tx.SetState(transaction.StateAborted)
		return false
	}
	// acquiring after the first release violates two-phase locking
	if tx.State() == transaction.StateShrinking {
		tx.SetState(transaction.StateAborted)
		return false
	}
	return true
}

// wound aborts the younger transaction at queue index i on behalf of tx:
// remove its request, clear its lock sets for rid, set it aborted, wake the
// queue. the caller must hold m.mu.
func (m *Manager) wound(q *requestQueue, i int, victim *transaction.Tx, rid common.RID, by *transaction.Tx) {
	q.removeAt(i)
	if q.upgrading == victim.ID() {
		q.upgrading = txid.InvalidTxID
	}
	victim.Wound(rid)
	woundsTotal.Inc()
	m.logger.Debug("wounded transaction",
		zap.Uint64("victim", uint64(victim.ID())),
		zap.Uint64("by", uint64(by.ID())),
		zap.String("rid", rid.String()))
	q.cond.Broadcast()
}

// LockShared acquires a shared lock on rid.
// a younger requester blocked by an older exclusive holder enqueues itself
// and waits; an older requester wounds younger exclusive holders. returns
// false if the transaction is or becomes aborted.
func (m *Manager) LockShared(tx *transaction.Tx, rid common.RID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		if !m.checkAcquire(tx) {
			return false
		}
		q := m.queue(rid)
		if tx.IsSharedLocked(rid) {
			// already granted. a parked waiter also has rid in its shared
			// set, but its request is not granted, so it re-runs the scan
			if i := q.find(tx); i == -1 || q.requests[i].granted {
				q.enqueue(tx, ModeShared, true)
				return true
			}
		}
		waited := false
		i := 0
		for i < len(q.requests) {
			other := q.requests[i].tx
			if other == tx {
				i++
				continue
			}
			if tx.ID().IsOlderThan(other.ID()) && other.IsExclusiveLocked(rid) {
				m.wound(q, i, other, rid, tx)
				continue
			}
			if other.ID().IsOlderThan(tx.ID()) && other.IsExclusiveLocked(rid) {
				// enqueue before blocking so older transactions can find
				// and wound this waiter
				q.enqueue(tx, ModeShared, false)
				tx.AddSharedLock(rid)
				waitsTotal.Inc()
				q.cond.Wait()
				waited = true
				break
			}
			i++
		}
		if waited {
			// the world may have changed arbitrarily: re-run everything
			continue
		}
		tx.SetState(transaction.StateGrowing)
		q.enqueue(tx, ModeShared, true)
		tx.AddSharedLock(rid)
		return true
	}
}

// LockExclusive acquires an exclusive lock on rid.
// an older requester wounds every younger transaction in the queue; a
// younger requester finding an older one dies instead of waiting. returns
// false if the transaction is or becomes aborted.
func (m *Manager) LockExclusive(tx *transaction.Tx, rid common.RID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.checkAcquire(tx) {
		return false
	}
	if tx.IsExclusiveLocked(rid) {
		return true
	}
	q := m.queue(rid)
	i := 0
	for i < len(q.requests) {
		other := q.requests[i].tx
		if other == tx {
			i++
			continue
		}
		if tx.ID().IsOlderThan(other.ID()) {
			m.wound(q, i, other, rid, tx)
			continue
		}
		// an older transaction is in the way: the younger exclusive
		// requester dies rather than waits
		tx.RemoveLock(rid)
		tx.SetState(transaction.StateAborted)
		return false
	}
	tx.SetState(transaction.StateGrowing)
	q.enqueue(tx, ModeExclusive, true)
	tx.AddExclusiveLock(rid)
	return true
}

// LockUpgrade upgrades a held shared lock on rid to exclusive.
// only one upgrade may be in flight per record: a second upgrader aborts.
// younger transactions in the queue are wounded, older ones are waited out.
func (m *Manager) LockUpgrade(tx *transaction.Tx, rid common.RID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for {
		q := m.queue(rid)
		if !m.checkAcquire(tx) {
			if q.upgrading == tx.ID() {
				q.upgrading = txid.InvalidTxID
			}
			return false
		}
		if tx.IsExclusiveLocked(rid) {
			if q.upgrading == tx.ID() {
				q.upgrading = txid.InvalidTxID
			}
			return true
		}
		// a concurrent upgrade on the same record would deadlock: each
		// holds S and wants X. the late arrival aborts.
		if q.upgrading.IsValid() && q.upgrading != tx.ID() {
			tx.SetState(transaction.StateAborted)
			return false
		}
		q.upgrading = tx.ID()

		waited := false
		i := 0
		for i < len(q.requests) {
			other := q.requests[i].tx
			if other == tx {
				i++
				continue
			}
			if tx.ID().IsOlderThan(other.ID()) {
				m.wound(q, i, other, rid, tx)
				continue
			}
			// an older transaction holds the record: wait and retry the
			// entire upgrade
			waitsTotal.Inc()
			q.cond.Wait()
			waited = true
			break
		}
		if waited {
			continue
		}
		tx.SetState(transaction.StateGrowing)
		// all conflicts are gone, so the front request is this
		// transaction's: flip it in place
		if len(q.requests) > 0 {
			q.requests[0].mode = ModeExclusive
			q.requests[0].granted = true
		}
		tx.UpgradeLock(rid)
		q.upgrading = txid.InvalidTxID
		return true
	}
}

// Unlock releases the transaction's lock on rid.
// under isolation stricter than READ COMMITTED the first release ends the
// growing phase. waiters on the record are woken. returns false if the
// transaction holds no request on the record.
func (m *Manager) Unlock(tx *transaction.Tx, rid common.RID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, ok := m.table[rid]
	if !ok {
		return false
	}
	i := q.find(tx)
	if i == -1 {
		return false
	}
	if tx.IsolationLevel() > transaction.LevelReadCommitted && !transaction.IsCompleted(tx.State()) {
		tx.SetState(transaction.StateShrinking)
	}
	q.removeAt(i)
	if q.upgrading == tx.ID() {
		q.upgrading = txid.InvalidTxID
	}
	tx.RemoveLock(rid)
	if len(q.requests) > 0 {
		q.cond.Broadcast()
	} else {
		delete(m.table, rid)
	}
	return true
}

// ReleaseAll releases every lock the transaction still holds. meant for the
// end of a transaction, after commit or abort, when the shrinking
// transition no longer matters.
func (m *Manager) ReleaseAll(tx *transaction.Tx) {
	for _, rid := range tx.LockedRIDs() {
		m.Unlock(tx, rid)
	}
}
