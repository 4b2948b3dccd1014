/*
Parallel buffer pool fans requests out over several independent instances.

A single pool instance serializes everything on one mutex, which becomes the
bottleneck under concurrent load. The parallel pool shards by page id: the
instance responsible for a page is id mod numInstances, which matches the
striped allocator inside each instance, so routing needs no shared state at
all. The only shared state is the round-robin cursor used to spread NewPage
allocations, protected by a private mutex.

There is no cross-instance atomicity: each operation is linearizable within
the instance that serves it, nothing more.
*/
package buffer

import (
	"sync"

	"go.uber.org/zap"

	"github.com/uzudb/uzudb/storage/disk"
	"github.com/uzudb/uzudb/storage/page"
)

// ParallelManager routes buffer pool operations to instances by page id
type ParallelManager struct {
	instances []*Manager
	poolSize  int

	// startIndex is the round-robin cursor for NewPage
	mu         sync.Mutex
	startIndex uint32
}

// NewParallelManager initializes numInstances pool instances of poolSize
// frames each, all sharing one disk manager and one log manager
func NewParallelManager(numInstances uint32, poolSize int, dm *disk.Manager, lm LogManager, logger *zap.Logger) *ParallelManager {
	pm := &ParallelManager{
		instances: make([]*Manager, 0, numInstances),
		poolSize:  poolSize,
	}
	for i := uint32(0); i < numInstances; i++ {
		pm.instances = append(pm.instances, NewManagerInstance(poolSize, numInstances, i, dm, lm, logger))
	}
	return pm
}

// GetPoolSize returns the total number of frames across all instances
func (pm *ParallelManager) GetPoolSize() int {
	return pm.poolSize * len(pm.instances)
}

// instance returns the pool instance responsible for the page id
func (pm *ParallelManager) instance(id page.PageID) *Manager {
	return pm.instances[uint32(id)%uint32(len(pm.instances))]
}

// FetchPage fetches the page from the responsible instance
func (pm *ParallelManager) FetchPage(id page.PageID) *page.Page {
	return pm.instance(id).FetchPage(id)
}

// UnpinPage unpins the page on the responsible instance
func (pm *ParallelManager) UnpinPage(id page.PageID, isDirty bool) bool {
	return pm.instance(id).UnpinPage(id, isDirty)
}

// FlushPage flushes the page on the responsible instance
func (pm *ParallelManager) FlushPage(id page.PageID) bool {
	return pm.instance(id).FlushPage(id)
}

// DeletePage deletes the page on the responsible instance
func (pm *ParallelManager) DeletePage(id page.PageID) bool {
	return pm.instance(id).DeletePage(id)
}

// NewPage allocates a page from the first instance with a frame to spare,
// starting at the round-robin cursor. the cursor advances after every
// attempt, successful or not, so future allocations spread over instances.
// returns nil if every instance is out of frames.
func (pm *ParallelManager) NewPage() *page.Page {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	n := uint32(len(pm.instances))
	for tries := uint32(0); tries < n; tries++ {
		inst := pm.instances[pm.startIndex]
		pm.startIndex = (pm.startIndex + 1) % n
		if p := inst.NewPage(); p != nil {
			return p
		}
	}
	return nil
}

// FlushAllPages flushes every instance
func (pm *ParallelManager) FlushAllPages() {
	for _, inst := range pm.instances {
		inst.FlushAllPages()
	}
}
