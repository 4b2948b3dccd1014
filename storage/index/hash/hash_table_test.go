package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/uzudb/uzudb/common"
	"github.com/uzudb/uzudb/storage/buffer"
)

// identityHash makes directory placement predictable in tests
func identityHash(k Key) uint32 {
	return uint32(k)
}

func testingNewTable(t *testing.T, poolSize int) *Table {
	t.Helper()
	return NewTable(buffer.TestingNewManager(poolSize), nil, identityHash, nil)
}

func TestInsertThenScan(t *testing.T) {
	ht := testingNewTable(t, 5)

	for i := 0; i < 5; i++ {
		assert.True(t, ht.Insert(Key(i), rid(uint32(i))))
	}
	for i := 0; i < 5; i++ {
		vals, ok := ht.GetValue(Key(i))
		assert.True(t, ok)
		assert.Equal(t, []common.RID{rid(uint32(i))}, vals)
	}
	_, ok := ht.GetValue(Key(100))
	assert.False(t, ok)
}

func TestInsertDuplicatePair(t *testing.T) {
	ht := testingNewTable(t, 5)

	assert.True(t, ht.Insert(Key(0), rid(0)))
	assert.False(t, ht.Insert(Key(0), rid(0)))

	vals, ok := ht.GetValue(Key(0))
	assert.True(t, ok)
	assert.Equal(t, []common.RID{rid(0)}, vals)
}

func TestSameKeyManyValues(t *testing.T) {
	ht := testingNewTable(t, 5)

	want := make([]common.RID, 0, 10)
	for i := uint32(0); i < 10; i++ {
		assert.True(t, ht.Insert(Key(42), rid(i)))
		want = append(want, rid(i))
	}
	vals, ok := ht.GetValue(Key(42))
	assert.True(t, ok)
	assert.ElementsMatch(t, want, vals)
}

func TestDirectoryGrowth(t *testing.T) {
	// the directory, the bucket and its split image must coexist, so three
	// frames suffice
	ht := testingNewTable(t, 3)

	// one more pair than a bucket holds forces the first split
	n := BucketCapacity + 1
	for i := 0; i < n; i++ {
		require.True(t, ht.Insert(Key(i), rid(uint32(i))), "insert %d", i)
	}
	assert.Equal(t, uint32(1), ht.GetGlobalDepth())
	assert.Nil(t, ht.VerifyIntegrity())

	for i := 0; i < n; i++ {
		vals, ok := ht.GetValue(Key(i))
		require.True(t, ok, "lookup %d", i)
		assert.Equal(t, []common.RID{rid(uint32(i))}, vals)
	}
}

func TestGrowThenShrink(t *testing.T) {
	ht := testingNewTable(t, 10)

	const n = 1000
	for i := 0; i < n; i++ {
		require.True(t, ht.Insert(Key(i), rid(uint32(i))), "insert %d", i)
	}
	assert.Greater(t, ht.GetGlobalDepth(), uint32(1))
	assert.Nil(t, ht.VerifyIntegrity())
	for i := 0; i < n; i++ {
		_, ok := ht.GetValue(Key(i))
		require.True(t, ok, "lookup %d", i)
	}

	for i := 0; i < n; i++ {
		require.True(t, ht.Remove(Key(i), rid(uint32(i))), "remove %d", i)
	}
	for i := 0; i < n; i++ {
		_, ok := ht.GetValue(Key(i))
		require.False(t, ok, "lookup of removed %d", i)
	}
	assert.LessOrEqual(t, ht.GetGlobalDepth(), uint32(1))
	assert.Nil(t, ht.VerifyIntegrity())
}

func TestRemoveMissing(t *testing.T) {
	ht := testingNewTable(t, 5)

	assert.False(t, ht.Remove(Key(1), rid(1)))
	assert.True(t, ht.Insert(Key(1), rid(1)))
	// value mismatch removes nothing
	assert.False(t, ht.Remove(Key(1), rid(2)))
	assert.True(t, ht.Remove(Key(1), rid(1)))
}

func TestCapacityCap(t *testing.T) {
	// every key hashes to the same slot, so splitting never relieves the
	// bucket and the depth climbs to the cap
	sameSlot := func(Key) uint32 { return 0 }
	ht := NewTable(buffer.TestingNewManager(20), nil, sameSlot, nil)

	inserted := 0
	for i := 0; i <= BucketCapacity; i++ {
		if ht.Insert(Key(i), rid(uint32(i))) {
			inserted++
		}
	}
	// the bucket filled up and the overflowing insert failed at MaxDepth
	assert.Equal(t, BucketCapacity, inserted)
	assert.Equal(t, uint32(MaxDepth), ht.GetGlobalDepth())
	assert.Nil(t, ht.VerifyIntegrity())
}

func TestConcurrentInsertAndScan(t *testing.T) {
	ht := testingNewTable(t, 20)

	const (
		workers = 4
		perW    = 300
	)
	var g errgroup.Group
	for w := 0; w < workers; w++ {
		w := w
		g.Go(func() error {
			for i := w * perW; i < (w+1)*perW; i++ {
				if !ht.Insert(Key(i), rid(uint32(i))) {
					return assert.AnError
				}
			}
			return nil
		})
	}
	require.Nil(t, g.Wait())

	assert.Nil(t, ht.VerifyIntegrity())
	for i := 0; i < workers*perW; i++ {
		vals, ok := ht.GetValue(Key(i))
		require.True(t, ok, "lookup %d", i)
		assert.Equal(t, []common.RID{rid(uint32(i))}, vals)
	}
}

func TestConcurrentRemove(t *testing.T) {
	ht := testingNewTable(t, 20)

	const n = 600
	for i := 0; i < n; i++ {
		require.True(t, ht.Insert(Key(i), rid(uint32(i))))
	}

	var g errgroup.Group
	for w := 0; w < 3; w++ {
		w := w
		g.Go(func() error {
			for i := w; i < n; i += 3 {
				if !ht.Remove(Key(i), rid(uint32(i))) {
					return assert.AnError
				}
			}
			return nil
		})
	}
	require.Nil(t, g.Wait())

	for i := 0; i < n; i++ {
		_, ok := ht.GetValue(Key(i))
		assert.False(t, ok)
	}
	assert.Nil(t, ht.VerifyIntegrity())
}
