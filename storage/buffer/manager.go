/*
Buffer pool manager caches disk pages in a fixed set of in-memory frames.

Disk I/O is expensive, so pages are cached in memory and evicted under an
LRU policy when room is needed. Access follows the pin protocol:
- FetchPage/NewPage return a pinned frame; the caller must UnpinPage when done
- a pinned frame is never evicted
- a caller that modified the page passes isDirty=true to UnpinPage, and the
  dirty frame is written back to disk before its frame is reused

Victim selection always prefers the free list over the replacer: evicting a
cached page costs a possible future read, a free frame costs nothing.

One Manager is a single instance (shard) of the pool. It owns a striped page
id allocator seeded with its instance index and advancing by the number of
instances, so id mod numInstances always equals the owning instance — the
parallel pool routes requests by that invariant alone (see parallel.go).

All operations serialize on one per-instance mutex, including the disk I/O
performed inside. The write-ahead rule is kept on the eviction path: when a
dirty victim is written back, the log manager (if any) is synced first.
*/
package buffer

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/uzudb/uzudb/storage/disk"
	"github.com/uzudb/uzudb/storage/page"
)

// LogManager is the write-ahead-log capability the buffer pool consumes.
// the pool only needs to make the log durable before a dirty page reaches
// disk; appending records is the business of upper layers.
type LogManager interface {
	Sync() error
}

// Manager is one buffer pool instance
type Manager struct {
	mu sync.Mutex

	dm     *disk.Manager
	lm     LogManager // may be nil
	logger *zap.Logger

	poolSize      int
	numInstances  uint32
	instanceIndex uint32
	// next page id handed out by allocatePage. advances by numInstances so
	// the shard assignment is derivable from the id.
	nextPageID page.PageID

	pages     []*page.Page
	pageTable map[page.PageID]FrameID
	freeList  []FrameID
	replacer  *LRUReplacer

	hits       prometheus.Counter
	misses     prometheus.Counter
	evicted    prometheus.Counter
	writtenOut prometheus.Counter
}

// NewManager initializes a standalone buffer pool (a parallel pool with a
// single instance)
func NewManager(poolSize int, dm *disk.Manager, lm LogManager, logger *zap.Logger) *Manager {
	return NewManagerInstance(poolSize, 1, 0, dm, lm, logger)
}

// NewManagerInstance initializes one instance of a parallel buffer pool
func NewManagerInstance(poolSize int, numInstances, instanceIndex uint32, dm *disk.Manager, lm LogManager, logger *zap.Logger) *Manager {
	if numInstances == 0 {
		panic("buffer: number of instances must be positive")
	}
	if instanceIndex >= numInstances {
		panic("buffer: instance index out of range")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	label := strconv.FormatUint(uint64(instanceIndex), 10)
	m := &Manager{
		dm:            dm,
		lm:            lm,
		logger:        logger,
		poolSize:      poolSize,
		numInstances:  numInstances,
		instanceIndex: instanceIndex,
		nextPageID:    page.PageID(instanceIndex),
		pages:         make([]*page.Page, poolSize),
		pageTable:     make(map[page.PageID]FrameID, poolSize),
		freeList:      make([]FrameID, 0, poolSize),
		replacer:      NewLRUReplacer(poolSize),
		hits:          fetchHits.WithLabelValues(label),
		misses:        fetchMisses.WithLabelValues(label),
		evicted:       evictions.WithLabelValues(label),
		writtenOut:    writeBacks.WithLabelValues(label),
	}
	// frames are pre-allocated once and reused for the life of the pool
	for i := 0; i < poolSize; i++ {
		m.pages[i] = page.New()
		m.freeList = append(m.freeList, FrameID(i))
	}
	return m
}

// PoolSize returns the number of frames of this instance
func (m *Manager) PoolSize() int {
	return m.poolSize
}

// allocatePage hands out the next page id of this instance's stripe.
// the caller must hold m.mu.
func (m *Manager) allocatePage() page.PageID {
	id := m.nextPageID
	m.nextPageID += page.PageID(m.numInstances)
	return id
}

// victimFrame selects the frame the next page will occupy: free list first,
// replacer second. an evicted dirty page is written back (log first), and
// the old page-table mapping is removed. the caller must hold m.mu.
func (m *Manager) victimFrame() (FrameID, bool) {
	if len(m.freeList) > 0 {
		fid := m.freeList[0]
		m.freeList = m.freeList[1:]
		return fid, true
	}
	fid, ok := m.replacer.Victim()
	if !ok {
		return 0, false
	}
	p := m.pages[fid]
	if p.IsDirty() {
		if err := m.syncLog(); err != nil {
			m.logger.Error("log sync before write-back failed",
				zap.Int32("page", int32(p.ID())), zap.Error(err))
			m.replacer.Unpin(fid)
			return 0, false
		}
		if err := m.dm.WritePage(p.ID(), p.Data()); err != nil {
			// the frame cannot be reused safely; put it back and give up
			m.logger.Error("write-back of dirty victim failed",
				zap.Int32("page", int32(p.ID())), zap.Error(err))
			m.replacer.Unpin(fid)
			return 0, false
		}
		m.writtenOut.Inc()
		p.SetDirty(false)
	}
	m.evicted.Inc()
	m.logger.Debug("evicted page", zap.Int32("page", int32(p.ID())),
		zap.Int("frame", int(fid)))
	delete(m.pageTable, p.ID())
	return fid, true
}

// syncLog makes the write-ahead log durable, if one is attached
func (m *Manager) syncLog() error {
	if m.lm == nil {
		return nil
	}
	return m.lm.Sync()
}

// FetchPage returns the frame holding the page, reading it from disk if it
// is not resident. the frame is returned pinned; the caller must UnpinPage.
// returns nil when every frame is pinned.
func (m *Manager) FetchPage(id page.PageID) *page.Page {
	m.mu.Lock()
	defer m.mu.Unlock()

	if fid, ok := m.pageTable[id]; ok {
		p := m.pages[fid]
		if p.PinCount() == 0 {
			m.replacer.Pin(fid)
		}
		p.Pin()
		m.hits.Inc()
		return p
	}
	m.misses.Inc()

	fid, ok := m.victimFrame()
	if !ok {
		return nil
	}
	p := m.pages[fid]
	p.SetID(id)
	p.SetPinCount(1)
	p.SetDirty(false)
	m.pageTable[id] = fid
	if err := m.dm.ReadPage(id, p.Data()); err != nil {
		m.logger.Error("page read failed", zap.Int32("page", int32(id)), zap.Error(err))
		delete(m.pageTable, id)
		p.Reset()
		m.freeList = append(m.freeList, fid)
		return nil
	}
	return p
}

// NewPage allocates a new page id, installs a zeroed frame for it and
// returns the frame pinned. the zero page is written to disk immediately so
// a later fetch of the id succeeds even if the frame is evicted untouched.
// returns nil when every frame is pinned.
func (m *Manager) NewPage() *page.Page {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.freeList) == 0 && m.replacer.Size() == 0 {
		return nil
	}
	fid, ok := m.victimFrame()
	if !ok {
		return nil
	}
	id := m.allocatePage()
	p := m.pages[fid]
	p.Reset()
	p.SetID(id)
	p.SetPinCount(1)
	m.pageTable[id] = fid
	if err := m.dm.WritePage(id, p.Data()); err != nil {
		m.logger.Error("materializing new page failed", zap.Int32("page", int32(id)), zap.Error(err))
		delete(m.pageTable, id)
		p.Reset()
		m.freeList = append(m.freeList, fid)
		return nil
	}
	p.SetDirty(false)
	return p
}

// UnpinPage drops one pin on the page. isDirty records that the caller
// modified the content; the dirty bit is only ever raised here, never
// cleared. when the pin count reaches zero the frame becomes an eviction
// candidate. returns false if the page is not resident or not pinned.
func (m *Manager) UnpinPage(id page.PageID, isDirty bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable[id]
	if !ok {
		return false
	}
	p := m.pages[fid]
	if p.PinCount() == 0 {
		return false
	}
	if isDirty {
		p.SetDirty(true)
	}
	p.Unpin()
	if p.PinCount() == 0 {
		m.replacer.Unpin(fid)
	}
	return true
}

// FlushPage writes the page to disk and clears its dirty bit. pin state is
// untouched. returns false if the id is invalid or the page not resident.
func (m *Manager) FlushPage(id page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushPage(id)
}

// flushPage is FlushPage with m.mu already held
func (m *Manager) flushPage(id page.PageID) bool {
	if !id.IsValid() {
		return false
	}
	fid, ok := m.pageTable[id]
	if !ok {
		return false
	}
	p := m.pages[fid]
	if p.IsDirty() {
		if err := m.syncLog(); err != nil {
			m.logger.Error("log sync before flush failed", zap.Int32("page", int32(id)), zap.Error(err))
			return false
		}
	}
	if err := m.dm.WritePage(id, p.Data()); err != nil {
		m.logger.Error("page flush failed", zap.Int32("page", int32(id)), zap.Error(err))
		return false
	}
	p.SetDirty(false)
	return true
}

// FlushAllPages writes every dirty resident page to disk
func (m *Manager) FlushAllPages() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushDirty(len(m.pageTable))
}

// flushDirty writes back up to max dirty pages and returns how many it
// wrote. the caller must hold m.mu. the log is synced once up front, which
// covers every page written afterwards.
func (m *Manager) flushDirty(max int) int {
	written := 0
	synced := false
	for id, fid := range m.pageTable {
		if written >= max {
			break
		}
		p := m.pages[fid]
		if !p.IsDirty() {
			continue
		}
		if !synced {
			if err := m.syncLog(); err != nil {
				m.logger.Error("log sync before flush failed", zap.Error(err))
				return written
			}
			synced = true
		}
		if err := m.dm.WritePage(id, p.Data()); err != nil {
			m.logger.Error("page flush failed", zap.Int32("page", int32(id)), zap.Error(err))
			continue
		}
		p.SetDirty(false)
		written++
	}
	return written
}

// DeletePage drops the page from the pool and deallocates it on disk.
// returns true if the page is not resident (nothing to do) or was dropped,
// false if the page is still pinned.
func (m *Manager) DeletePage(id page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	fid, ok := m.pageTable[id]
	if !ok {
		return true
	}
	p := m.pages[fid]
	if p.PinCount() > 0 {
		return false
	}
	if p.IsDirty() {
		if !m.flushPage(id) {
			return false
		}
	}
	delete(m.pageTable, id)
	// the frame moves to the free list, so it must leave the replacer
	m.replacer.Pin(fid)
	p.Reset()
	m.freeList = append(m.freeList, fid)
	if err := m.dm.DeallocatePage(id); err != nil {
		m.logger.Error("page deallocation failed", zap.Int32("page", int32(id)), zap.Error(err))
	}
	return true
}
