/*
Tx is a transaction as the lock manager sees it: an age (the id), a
two-phase-locking state, an isolation level and the sets of record ids it
holds shared and exclusive locks on.

State and lock sets are mutated from two sides: by the transaction's own
thread and, under wound-wait, by the lock manager acting on behalf of an
older transaction. The internal mutex makes each mutation atomic; the lock
manager additionally performs the compound "remove request, clear sets, set
aborted" under its own table mutex.
*/
package transaction

import (
	"sync"

	"github.com/uzudb/uzudb/common"
	"github.com/uzudb/uzudb/transaction/txid"
)

// Tx is a transaction
type Tx struct {
	id    txid.TxID
	level IsolationLevel

	mu        sync.Mutex
	state     State
	shared    map[common.RID]struct{}
	exclusive map[common.RID]struct{}
}

// NewTransaction initializes a transaction in its growing phase
func NewTransaction(id txid.TxID, level IsolationLevel) *Tx {
	return &Tx{
		id:        id,
		level:     level,
		state:     StateGrowing,
		shared:    make(map[common.RID]struct{}),
		exclusive: make(map[common.RID]struct{}),
	}
}

// ID returns the transaction id
func (tx *Tx) ID() txid.TxID {
	return tx.id
}

// IsolationLevel returns the transaction isolation level
func (tx *Tx) IsolationLevel() IsolationLevel {
	return tx.level
}

// State returns the transaction state
func (tx *Tx) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

// SetState sets the transaction state
func (tx *Tx) SetState(state State) {
	tx.mu.Lock()
	tx.state = state
	tx.mu.Unlock()
}

// IsSharedLocked checks whether the transaction holds a shared lock on rid
func (tx *Tx) IsSharedLocked(rid common.RID) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	_, ok := tx.shared[rid]
	return ok
}

// IsExclusiveLocked checks whether the transaction holds an exclusive lock
// on rid
func (tx *Tx) IsExclusiveLocked(rid common.RID) bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	_, ok := tx.exclusive[rid]
	return ok
}

// AddSharedLock records a shared lock on rid
func (tx *Tx) AddSharedLock(rid common.RID) {
	tx.mu.Lock()
	tx.shared[rid] = struct{}{}
	tx.mu.Unlock()
}

// AddExclusiveLock records an exclusive lock on rid
func (tx *Tx) AddExclusiveLock(rid common.RID) {
	tx.mu.Lock()
	tx.exclusive[rid] = struct{}{}
	tx.mu.Unlock()
}

// RemoveLock drops rid from whichever lock set holds it
func (tx *Tx) RemoveLock(rid common.RID) {
	tx.mu.Lock()
	delete(tx.shared, rid)
	delete(tx.exclusive, rid)
	tx.mu.Unlock()
}

// UpgradeLock moves rid from the shared set to the exclusive set
func (tx *Tx) UpgradeLock(rid common.RID) {
	tx.mu.Lock()
	delete(tx.shared, rid)
	tx.exclusive[rid] = struct{}{}
	tx.mu.Unlock()
}

// Wound aborts the transaction on behalf of an older one: both lock sets
// are cleared for rid and the state becomes aborted, in one step
func (tx *Tx) Wound(rid common.RID) {
	tx.mu.Lock()
	delete(tx.shared, rid)
	delete(tx.exclusive, rid)
	tx.state = StateAborted
	tx.mu.Unlock()
}

// LockedRIDs returns a snapshot of every rid the transaction holds a lock on
func (tx *Tx) LockedRIDs() []common.RID {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	rids := make([]common.RID, 0, len(tx.shared)+len(tx.exclusive))
	for rid := range tx.shared {
		rids = append(rids, rid)
	}
	for rid := range tx.exclusive {
		rids = append(rids, rid)
	}
	return rids
}
