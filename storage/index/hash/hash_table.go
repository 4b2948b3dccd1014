/*
Disk-resident extendible hash table.

The table owns nothing but page ids: the directory and every bucket live in
buffer-pool frames and are re-fetched (and re-viewed) on each operation,
bracketed by pin/unpin. When a bucket overflows, the table splits it —
possibly doubling the directory — and when a bucket drains, the table merges
it back into its split image and shrinks the directory while it can.

Latching discipline:
- the table latch is held shared by point operations (lookup, in-bucket
  insert/remove) and exclusively by structural ones (split, merge). this
  serializes directory rewrites against everything else.
- the bucket's page latch serializes concurrent probes of one bucket, so
  point operations on different buckets proceed in parallel.
- latches are always taken table first, page second; buffer pool calls
  happen inside (the instance mutex is the innermost lock).

The table refuses to grow past MaxDepth: an insert into a full bucket whose
local depth is already MaxDepth fails.
*/
package hash

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uzudb/uzudb/common"
	"github.com/uzudb/uzudb/storage/page"
)

// Key is the fixed-width key of the table
type Key uint64

// Comparator compares two keys, returning 0 on equality
type Comparator func(a, b Key) int

// HashFunc maps a key to the 32-bit hash the directory consumes
type HashFunc func(Key) uint32

// DefaultComparator is plain integer ordering
func DefaultComparator(a, b Key) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// DefaultHash hashes the key's 8-byte encoding with xxhash, truncated to
// the 32 bits extendible hashing consumes
func DefaultHash(k Key) uint32 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(k))
	return uint32(xxhash.Sum64(b[:]))
}

// PoolManager is the buffer pool capability the table consumes; both a
// single pool instance and the parallel pool satisfy it
type PoolManager interface {
	FetchPage(page.PageID) *page.Page
	NewPage() *page.Page
	UnpinPage(id page.PageID, isDirty bool) bool
	DeletePage(page.PageID) bool
}

// Table is a disk-resident extendible hash table
type Table struct {
	bpm    PoolManager
	cmp    Comparator
	hash   HashFunc
	logger *zap.Logger

	// tableLatch orders structural modification against point operations
	tableLatch sync.RWMutex

	// bootMu guards lazy creation of the directory page
	bootMu          sync.Mutex
	directoryPageID page.PageID
}

// NewTable initializes a table over the buffer pool. cmp and hashFn may be
// nil to select the defaults.
func NewTable(bpm PoolManager, cmp Comparator, hashFn HashFunc, logger *zap.Logger) *Table {
	if cmp == nil {
		cmp = DefaultComparator
	}
	if hashFn == nil {
		hashFn = DefaultHash
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		bpm:             bpm,
		cmp:             cmp,
		hash:            hashFn,
		logger:          logger,
		directoryPageID: page.InvalidPageID,
	}
}

// fetchDirectory returns the pinned directory page, creating the directory
// and its first bucket on first use. a new directory sits entirely in a
// zeroed page: global depth 0, one slot, local depth 0.
func (t *Table) fetchDirectory() *page.Page {
	t.bootMu.Lock()
	if !t.directoryPageID.IsValid() {
		dp := t.bpm.NewPage()
		if dp == nil {
			t.bootMu.Unlock()
			return nil
		}
		dir := directoryView(dp)
		dir.setPageID(dp.ID())
		bp := t.bpm.NewPage()
		if bp == nil {
			t.bpm.UnpinPage(dp.ID(), false)
			t.bootMu.Unlock()
			return nil
		}
		dir.setBucketPageID(0, bp.ID())
		t.directoryPageID = dp.ID()
		t.bpm.UnpinPage(dp.ID(), true)
		t.bpm.UnpinPage(bp.ID(), true)
	}
	t.bootMu.Unlock()
	return t.bpm.FetchPage(t.directoryPageID)
}

// dirIndex computes the directory slot of the key under the current depth
func (t *Table) dirIndex(key Key, dir directoryPage) uint32 {
	return t.hash(key) & dir.globalDepthMask()
}

// GetValue returns every value stored under key and whether any was found
func (t *Table) GetValue(key Key) ([]common.RID, bool) {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dp := t.fetchDirectory()
	if dp == nil {
		return nil, false
	}
	dir := directoryView(dp)
	bid := dir.bucketPageID(t.dirIndex(key, dir))
	bp := t.bpm.FetchPage(bid)
	if bp == nil {
		t.bpm.UnpinPage(dp.ID(), false)
		return nil, false
	}
	bp.RLatch()
	values := bucketView(bp).getValue(key, t.cmp)
	bp.RUnlatch()
	t.bpm.UnpinPage(bid, false)
	t.bpm.UnpinPage(dp.ID(), false)
	return values, len(values) > 0
}

// Insert stores the (key, value) pair. duplicates of an existing pair are
// rejected. a full bucket triggers a split (and possibly directory growth).
func (t *Table) Insert(key Key, value common.RID) bool {
	t.tableLatch.RLock()

	dp := t.fetchDirectory()
	if dp == nil {
		t.tableLatch.RUnlock()
		return false
	}
	dir := directoryView(dp)
	bid := dir.bucketPageID(t.dirIndex(key, dir))
	bp := t.bpm.FetchPage(bid)
	if bp == nil {
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.RUnlock()
		return false
	}
	bp.WLatch()
	b := bucketView(bp)
	if !b.isFull() {
		inserted := b.insert(key, value, t.cmp)
		bp.WUnlatch()
		t.bpm.UnpinPage(bid, inserted)
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.RUnlock()
		return inserted
	}
	// bucket full: drop the shared resources and take the structural path
	bp.WUnlatch()
	t.bpm.UnpinPage(bid, false)
	t.bpm.UnpinPage(dp.ID(), false)
	t.tableLatch.RUnlock()
	return t.splitInsert(key, value)
}

// splitInsert splits the key's bucket under the table write latch, then
// re-enters Insert. each round raises either the bucket's local depth or
// the global depth, so the recursion is bounded by MaxDepth.
func (t *Table) splitInsert(key Key, value common.RID) bool {
	t.tableLatch.Lock()

	dp := t.fetchDirectory()
	if dp == nil {
		t.tableLatch.Unlock()
		return false
	}
	dir := directoryView(dp)
	idx := t.dirIndex(key, dir)
	bid := dir.bucketPageID(idx)
	bp := t.bpm.FetchPage(bid)
	if bp == nil {
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.Unlock()
		return false
	}
	bp.WLatch()
	b := bucketView(bp)

	// the overflow may have been resolved while the latch was dropped
	if !b.isFull() {
		inserted := b.insert(key, value, t.cmp)
		bp.WUnlatch()
		t.bpm.UnpinPage(bid, inserted)
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.Unlock()
		return inserted
	}

	ld := dir.localDepth(idx)
	if ld >= MaxDepth {
		bp.WUnlatch()
		t.bpm.UnpinPage(bid, false)
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.Unlock()
		return false
	}

	imgPage := t.bpm.NewPage()
	if imgPage == nil {
		bp.WUnlatch()
		t.bpm.UnpinPage(bid, false)
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.Unlock()
		return false
	}
	img := bucketView(imgPage)

	if ld == dir.globalDepth() {
		// directory grow: double it, each new slot mirroring its
		// counterpart in the lower half
		half := dir.size()
		for i := uint32(0); i < half; i++ {
			dir.setBucketPageID(half+i, dir.bucketPageID(i))
			dir.setLocalDepth(half+i, dir.localDepth(i))
		}
		dir.incrGlobalDepth()
	}

	// local split: raise the depth of every slot still pointing at the
	// overflowing bucket and re-route the half distinguished by the new bit
	// to the image
	newDepth := ld + 1
	mask := uint32(1)<<newDepth - 1
	for i := uint32(0); i < dir.size(); i++ {
		if dir.bucketPageID(i) != bid {
			continue
		}
		dir.setLocalDepth(i, newDepth)
		if i&mask != idx&mask {
			dir.setBucketPageID(i, imgPage.ID())
		}
	}

	// rehash: every entry of the old bucket lands in the bucket or its
	// image according to the new distinguishing bit
	type entry struct {
		key   Key
		value common.RID
	}
	var entries []entry
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if b.isReadable(slot) {
			entries = append(entries, entry{b.keyAt(slot), b.valueAt(slot)})
		}
	}
	b.reset()
	for _, e := range entries {
		if dir.bucketPageID(t.dirIndex(e.key, dir)) == bid {
			b.insert(e.key, e.value, t.cmp)
		} else {
			img.insert(e.key, e.value, t.cmp)
		}
	}
	t.logger.Debug("bucket split",
		zap.Int32("bucket", int32(bid)),
		zap.Int32("image", int32(imgPage.ID())),
		zap.Uint32("local_depth", newDepth),
		zap.Uint32("global_depth", dir.globalDepth()))

	bp.WUnlatch()
	t.bpm.UnpinPage(bid, true)
	t.bpm.UnpinPage(imgPage.ID(), true)
	t.bpm.UnpinPage(dp.ID(), true)
	t.tableLatch.Unlock()
	return t.Insert(key, value)
}

// Remove deletes the (key, value) pair. a bucket left empty is merged into
// its split image.
func (t *Table) Remove(key Key, value common.RID) bool {
	t.tableLatch.RLock()

	dp := t.fetchDirectory()
	if dp == nil {
		t.tableLatch.RUnlock()
		return false
	}
	dir := directoryView(dp)
	bid := dir.bucketPageID(t.dirIndex(key, dir))
	bp := t.bpm.FetchPage(bid)
	if bp == nil {
		t.bpm.UnpinPage(dp.ID(), false)
		t.tableLatch.RUnlock()
		return false
	}
	bp.WLatch()
	b := bucketView(bp)
	removed := b.remove(key, value, t.cmp)
	empty := b.isEmpty()
	bp.WUnlatch()
	t.bpm.UnpinPage(bid, removed)
	t.bpm.UnpinPage(dp.ID(), false)
	t.tableLatch.RUnlock()

	if removed && empty {
		t.merge(key)
	}
	return removed
}

// merge folds the key's (empty) bucket into its split image and shrinks the
// directory while every slot allows it. the whole operation — including the
// bucket deletion — runs under the table write latch, so no reader can
// observe a directory slot pointing at the deleted bucket.
func (t *Table) merge(key Key) {
	t.tableLatch.Lock()
	defer t.tableLatch.Unlock()

	dp := t.fetchDirectory()
	if dp == nil {
		return
	}
	dir := directoryView(dp)
	idx := t.dirIndex(key, dir)
	bid := dir.bucketPageID(idx)
	bp := t.bpm.FetchPage(bid)
	if bp == nil {
		t.bpm.UnpinPage(dp.ID(), false)
		return
	}
	bp.RLatch()
	empty := bucketView(bp).isEmpty()
	bp.RUnlatch()

	ld := dir.localDepth(idx)
	// the merge is skipped when:
	// 1. the bucket has been refilled by a racing inserter
	// 2. the bucket's local depth is zero (it is the only bucket)
	// 3. the split image has a different local depth (the halves disagree)
	if !empty || ld == 0 {
		t.bpm.UnpinPage(bid, false)
		t.bpm.UnpinPage(dp.ID(), false)
		return
	}
	imgIdx := idx ^ 1<<(ld-1)
	imgID := dir.bucketPageID(imgIdx)
	if dir.localDepth(imgIdx) != ld || imgID == bid {
		t.bpm.UnpinPage(bid, false)
		t.bpm.UnpinPage(dp.ID(), false)
		return
	}

	t.bpm.UnpinPage(bid, false)
	t.bpm.DeletePage(bid)

	// every slot pointing at either half now points at the image, one
	// level shallower
	for i := uint32(0); i < dir.size(); i++ {
		if dir.bucketPageID(i) == bid || dir.bucketPageID(i) == imgID {
			dir.setBucketPageID(i, imgID)
			dir.setLocalDepth(i, ld-1)
		}
	}
	for dir.canShrink() {
		dir.decrGlobalDepth()
	}
	t.logger.Debug("bucket merged",
		zap.Int32("bucket", int32(bid)),
		zap.Int32("image", int32(imgID)),
		zap.Uint32("global_depth", dir.globalDepth()))
	t.bpm.UnpinPage(dp.ID(), true)
}

// GetGlobalDepth returns the directory's current global depth
func (t *Table) GetGlobalDepth() uint32 {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dp := t.fetchDirectory()
	if dp == nil {
		return 0
	}
	depth := directoryView(dp).globalDepth()
	t.bpm.UnpinPage(dp.ID(), false)
	return depth
}

// VerifyIntegrity checks the directory invariants
func (t *Table) VerifyIntegrity() error {
	t.tableLatch.RLock()
	defer t.tableLatch.RUnlock()

	dp := t.fetchDirectory()
	if dp == nil {
		return errors.New("directory page is not available")
	}
	err := directoryView(dp).verifyIntegrity()
	t.bpm.UnpinPage(dp.ID(), false)
	return err
}
