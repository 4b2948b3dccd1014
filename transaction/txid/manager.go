package txid

import "sync/atomic"

// Manager allocates transaction ids
type Manager struct {
	// last id handed out; the next one is last+1
	last uint64
}

// NewManager initializes the id allocator
func NewManager() *Manager {
	return &Manager{last: uint64(InvalidTxID)}
}

// Allocate returns the next transaction id
func (m *Manager) Allocate() TxID {
	return TxID(atomic.AddUint64(&m.last, 1))
}
