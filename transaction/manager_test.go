package transaction

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/uzudb/uzudb/transaction/txid"
)

func TestBegin(t *testing.T) {
	m := NewManager(txid.NewManager())

	tx1 := m.Begin(DefaultLevel)
	tx2 := m.Begin(LevelReadCommitted)
	assert.True(t, tx1.ID().IsOlderThan(tx2.ID()))
	assert.Equal(t, StateGrowing, tx1.State())
	assert.Equal(t, LevelReadCommitted, tx2.IsolationLevel())

	assert.Same(t, tx1, m.Get(tx1.ID()))
	assert.Same(t, tx2, m.Get(tx2.ID()))
}

func TestCommit(t *testing.T) {
	m := NewManager(txid.NewManager())

	tx := m.Begin(DefaultLevel)
	assert.True(t, m.Commit(tx))
	assert.Equal(t, StateCommitted, tx.State())
	assert.Nil(t, m.Get(tx.ID()))
}

func TestCommitWoundedFails(t *testing.T) {
	m := NewManager(txid.NewManager())

	tx := m.Begin(DefaultLevel)
	tx.SetState(StateAborted)
	assert.False(t, m.Commit(tx))
	assert.Equal(t, StateAborted, tx.State())
}

func TestAbort(t *testing.T) {
	m := NewManager(txid.NewManager())

	tx := m.Begin(DefaultLevel)
	m.Abort(tx)
	assert.Equal(t, StateAborted, tx.State())
	assert.Nil(t, m.Get(tx.ID()))
}
