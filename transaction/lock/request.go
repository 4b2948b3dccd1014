package lock

import (
	"sync"

	"github.com/uzudb/uzudb/transaction"
	"github.com/uzudb/uzudb/transaction/txid"
)

// Mode is the lock mode of a request
type Mode uint

const (
	// ModeShared is a read lock; shared requests are compatible with each
	// other
	ModeShared Mode = iota
	// ModeExclusive is a write lock; exclusive requests are compatible with
	// nothing
	ModeExclusive
)

// request is one transaction's position in a record's lock queue.
// a waiting shared or upgrading transaction is enqueued before it blocks, so
// that older transactions scanning the queue can find and wound it.
type request struct {
	tx      *transaction.Tx
	mode    Mode
	granted bool
}

// requestQueue is the per-record lock state
type requestQueue struct {
	requests []*request
	// upgrading is the transaction currently upgrading S to X on this
	// record, or InvalidTxID. at most one upgrade may be in flight.
	upgrading txid.TxID
	// cond wakes waiters when the queue changes. it shares the manager's
	// table mutex, so a woken waiter re-checks the world under the same
	// lock it blocked under.
	cond *sync.Cond
}

// find returns the index of the transaction's request, or -1
func (q *requestQueue) find(tx *transaction.Tx) int {
	for i, r := range q.requests {
		if r.tx == tx {
			return i
		}
	}
	return -1
}

// enqueue appends a request for the transaction unless one exists; an
// existing request is updated in place
func (q *requestQueue) enqueue(tx *transaction.Tx, mode Mode, granted bool) {
	if i := q.find(tx); i != -1 {
		q.requests[i].mode = mode
		q.requests[i].granted = granted
		return
	}
	q.requests = append(q.requests, &request{tx: tx, mode: mode, granted: granted})
}

// removeAt drops the request at index i, keeping arrival order
func (q *requestQueue) removeAt(i int) {
	q.requests = append(q.requests[:i], q.requests[i+1:]...)
}
