/*
Transaction manager hands out transactions and tracks the active ones.

Concurrency control in uzudb is strict two-phase locking: a transaction
acquires row locks through the lock manager while growing, and releases them
after commit or abort. The manager itself only owns the lifecycle — id
allocation, the active-transaction registry, and the final state
transition. Lock release is the lock manager's business, which keeps the
dependency pointing one way (the lock manager knows transactions, not the
other way around).
*/
package transaction

import (
	"sync"

	"github.com/uzudb/uzudb/transaction/txid"
)

// Manager manages transaction lifecycles
type Manager struct {
	tm *txid.Manager

	mu     sync.Mutex
	active map[txid.TxID]*Tx
}

// NewManager initializes the transaction manager
func NewManager(tm *txid.Manager) *Manager {
	return &Manager{
		tm:     tm,
		active: make(map[txid.TxID]*Tx),
	}
}

// Begin starts a transaction at the given isolation level
func (m *Manager) Begin(level IsolationLevel) *Tx {
	tx := NewTransaction(m.tm.Allocate(), level)
	m.mu.Lock()
	m.active[tx.ID()] = tx
	m.mu.Unlock()
	return tx
}

// Get returns the active transaction with the id, or nil
func (m *Manager) Get(id txid.TxID) *Tx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

// Commit commits the transaction and drops it from the registry.
// a transaction that was wounded in the meantime cannot commit; false is
// returned and the transaction stays aborted.
func (m *Manager) Commit(tx *Tx) bool {
	m.mu.Lock()
	delete(m.active, tx.ID())
	m.mu.Unlock()

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.state == StateAborted {
		return false
	}
	tx.state = StateCommitted
	return true
}

// Abort aborts the transaction and drops it from the registry
func (m *Manager) Abort(tx *Tx) {
	m.mu.Lock()
	delete(m.active, tx.ID())
	m.mu.Unlock()
	tx.SetState(StateAborted)
}
