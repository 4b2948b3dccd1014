package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uzudb/uzudb/common"
	"github.com/uzudb/uzudb/transaction"
	"github.com/uzudb/uzudb/transaction/txid"
)

// testingTxns begins n transactions at REPEATABLE READ; txns[0] is the
// oldest
func testingTxns(n int) []*transaction.Tx {
	tm := transaction.NewManager(txid.NewManager())
	txns := make([]*transaction.Tx, 0, n)
	for i := 0; i < n; i++ {
		txns = append(txns, tm.Begin(transaction.DefaultLevel))
	}
	return txns
}

func TestLockShared(t *testing.T) {
	t.Run("compatible shared locks", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(2)
		r := common.NewRID(1, 1)

		assert.True(t, lm.LockShared(txns[0], r))
		assert.True(t, lm.LockShared(txns[1], r))
		assert.True(t, txns[0].IsSharedLocked(r))
		assert.True(t, txns[1].IsSharedLocked(r))

		// re-locking an already held record succeeds
		assert.True(t, lm.LockShared(txns[0], r))
	})
	t.Run("read uncommitted may not take shared locks", func(t *testing.T) {
		lm := NewManager(nil)
		tm := transaction.NewManager(txid.NewManager())
		tx := tm.Begin(transaction.LevelReadUncommitted)

		assert.False(t, lm.LockShared(tx, common.NewRID(1, 1)))
		assert.Equal(t, transaction.StateAborted, tx.State())
	})
	t.Run("acquiring while shrinking aborts", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(1)
		r1, r2 := common.NewRID(1, 1), common.NewRID(1, 2)

		assert.True(t, lm.LockShared(txns[0], r1))
		assert.True(t, lm.Unlock(txns[0], r1))
		assert.Equal(t, transaction.StateShrinking, txns[0].State())

		assert.False(t, lm.LockShared(txns[0], r2))
		assert.Equal(t, transaction.StateAborted, txns[0].State())
	})
	t.Run("aborted transaction is rejected", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(1)
		txns[0].SetState(transaction.StateAborted)
		assert.False(t, lm.LockShared(txns[0], common.NewRID(1, 1)))
	})
}

func TestLockExclusive(t *testing.T) {
	t.Run("exclusive lock is granted on an empty queue", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(1)
		r := common.NewRID(1, 1)

		assert.True(t, lm.LockExclusive(txns[0], r))
		assert.True(t, txns[0].IsExclusiveLocked(r))
		// idempotent for the holder
		assert.True(t, lm.LockExclusive(txns[0], r))
	})
	t.Run("older exclusive requester wounds younger holder", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(2)
		r := common.NewRID(1, 1)

		assert.True(t, lm.LockExclusive(txns[1], r))
		assert.True(t, lm.LockExclusive(txns[0], r))
		assert.Equal(t, transaction.StateAborted, txns[1].State())
		assert.False(t, txns[1].IsExclusiveLocked(r))
		assert.True(t, txns[0].IsExclusiveLocked(r))
	})
	t.Run("younger exclusive requester dies instead of waiting", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(2)
		r := common.NewRID(1, 1)

		assert.True(t, lm.LockShared(txns[0], r))
		assert.False(t, lm.LockExclusive(txns[1], r))
		assert.Equal(t, transaction.StateAborted, txns[1].State())
		// the older holder is untouched
		assert.True(t, txns[0].IsSharedLocked(r))
	})
}

// wound-wait end to end: txn1 holds X, txn2 blocks on S, then txn0 arrives
// with an X request and wounds them both
func TestWoundWait(t *testing.T) {
	lm := NewManager(nil)
	txns := testingTxns(3)
	r := common.NewRID(1, 1)

	require.True(t, lm.LockExclusive(txns[1], r))

	got := make(chan bool, 1)
	go func() {
		got <- lm.LockShared(txns[2], r)
	}()
	// txn2 must be parked in the queue before txn0 scans it
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		q, ok := lm.table[r]
		return ok && q.find(txns[2]) != -1
	}, time.Second, time.Millisecond)

	assert.True(t, lm.LockExclusive(txns[0], r))
	assert.True(t, txns[0].IsExclusiveLocked(r))

	// both younger transactions were wounded
	select {
	case ok := <-got:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wounded waiter did not wake up")
	}
	assert.Equal(t, transaction.StateAborted, txns[1].State())
	assert.Equal(t, transaction.StateAborted, txns[2].State())

	// wounded transactions cannot acquire anything afterwards
	assert.False(t, lm.LockShared(txns[1], r))
	assert.False(t, lm.LockExclusive(txns[2], r))
}

// a younger shared waiter gets the lock once the older holder releases
func TestSharedWaiterProceedsAfterUnlock(t *testing.T) {
	lm := NewManager(nil)
	txns := testingTxns(2)
	r := common.NewRID(1, 1)

	require.True(t, lm.LockExclusive(txns[0], r))

	got := make(chan bool, 1)
	go func() {
		got <- lm.LockShared(txns[1], r)
	}()
	require.Eventually(t, func() bool {
		lm.mu.Lock()
		defer lm.mu.Unlock()
		q, ok := lm.table[r]
		return ok && q.find(txns[1]) != -1
	}, time.Second, time.Millisecond)

	require.True(t, lm.Unlock(txns[0], r))

	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up")
	}
	assert.True(t, txns[1].IsSharedLocked(r))
}

func TestLockUpgrade(t *testing.T) {
	t.Run("upgrade wounds younger shared holders", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(2)
		r := common.NewRID(1, 1)

		require.True(t, lm.LockShared(txns[0], r))
		require.True(t, lm.LockShared(txns[1], r))

		assert.True(t, lm.LockUpgrade(txns[0], r))
		assert.True(t, txns[0].IsExclusiveLocked(r))
		assert.False(t, txns[0].IsSharedLocked(r))
		assert.Equal(t, transaction.StateAborted, txns[1].State())
	})
	t.Run("upgrade by the exclusive holder is a no-op", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(1)
		r := common.NewRID(1, 1)

		require.True(t, lm.LockExclusive(txns[0], r))
		assert.True(t, lm.LockUpgrade(txns[0], r))
	})
	t.Run("second concurrent upgrader aborts", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(2)
		r := common.NewRID(1, 1)

		require.True(t, lm.LockShared(txns[0], r))
		require.True(t, lm.LockShared(txns[1], r))

		// simulate txn1 parked mid-upgrade
		lm.mu.Lock()
		lm.table[r].upgrading = txns[1].ID()
		lm.mu.Unlock()

		assert.False(t, lm.LockUpgrade(txns[0], r))
		assert.Equal(t, transaction.StateAborted, txns[0].State())
	})
	t.Run("upgrader waits out an older shared holder", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(2)
		r := common.NewRID(1, 1)

		require.True(t, lm.LockShared(txns[0], r))
		require.True(t, lm.LockShared(txns[1], r))

		got := make(chan bool, 1)
		go func() {
			got <- lm.LockUpgrade(txns[1], r)
		}()
		// the younger upgrader parks on the older holder
		require.Eventually(t, func() bool {
			lm.mu.Lock()
			defer lm.mu.Unlock()
			q, ok := lm.table[r]
			return ok && q.upgrading == txns[1].ID()
		}, time.Second, time.Millisecond)

		require.True(t, lm.Unlock(txns[0], r))

		select {
		case ok := <-got:
			assert.True(t, ok)
		case <-time.After(time.Second):
			t.Fatal("upgrader did not wake up")
		}
		assert.True(t, txns[1].IsExclusiveLocked(r))
	})
}

func TestUnlock(t *testing.T) {
	t.Run("unlock without a lock", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(1)
		assert.False(t, lm.Unlock(txns[0], common.NewRID(1, 1)))
		assert.Equal(t, transaction.StateGrowing, txns[0].State())
	})
	t.Run("read committed does not enter shrinking", func(t *testing.T) {
		lm := NewManager(nil)
		tm := transaction.NewManager(txid.NewManager())
		tx := tm.Begin(transaction.LevelReadCommitted)
		r := common.NewRID(1, 1)

		require.True(t, lm.LockShared(tx, r))
		require.True(t, lm.Unlock(tx, r))
		assert.Equal(t, transaction.StateGrowing, tx.State())

		// so it may keep acquiring
		assert.True(t, lm.LockShared(tx, r))
	})
	t.Run("unlock drops the rid from the lock set", func(t *testing.T) {
		lm := NewManager(nil)
		txns := testingTxns(1)
		r := common.NewRID(1, 1)

		require.True(t, lm.LockExclusive(txns[0], r))
		require.True(t, lm.Unlock(txns[0], r))
		assert.False(t, txns[0].IsExclusiveLocked(r))
	})
}

func TestReleaseAll(t *testing.T) {
	lm := NewManager(nil)
	txns := testingTxns(1)
	r1, r2 := common.NewRID(1, 1), common.NewRID(2, 2)

	require.True(t, lm.LockShared(txns[0], r1))
	require.True(t, lm.LockExclusive(txns[0], r2))

	lm.ReleaseAll(txns[0])
	assert.False(t, txns[0].IsSharedLocked(r1))
	assert.False(t, txns[0].IsExclusiveLocked(r2))
	assert.Empty(t, txns[0].LockedRIDs())
}

// two-phase locking safety: once shrinking, no lock of any mode can be
// acquired
func TestNoAcquireAfterShrinking(t *testing.T) {
	lm := NewManager(nil)
	txns := testingTxns(1)
	r1, r2 := common.NewRID(1, 1), common.NewRID(1, 2)

	require.True(t, lm.LockExclusive(txns[0], r1))
	require.True(t, lm.Unlock(txns[0], r1))
	require.Equal(t, transaction.StateShrinking, txns[0].State())

	assert.False(t, lm.LockExclusive(txns[0], r2))
	assert.Equal(t, transaction.StateAborted, txns[0].State())
}
