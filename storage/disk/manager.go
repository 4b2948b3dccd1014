/*
Disk manager reads and writes pages of the single data file.

The buffer pool is the only caller: every page that enters or leaves memory
goes through ReadPage/WritePage here. Page ids map directly to file offsets
(offset = id * page size), so the file needs no header or page directory.

Page id allocation is NOT the disk manager's job. Each buffer pool instance
owns a striped monotonic allocator (see storage/buffer), which keeps the
shard assignment derivable from the id alone. The disk manager only learns
about ids when asked to read, write or deallocate them.

Reading a page that was never written returns a zeroed page instead of an
error: a freshly allocated id may be fetched again after eviction before any
user write reached disk, and the zero page is exactly what such a page
contains.
*/
package disk

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/uzudb/uzudb/storage/page"
)

// Manager manages the data file
type Manager struct {
	st storage

	// deallocated page ids. ids are not reused; the set exists so that
	// deallocation is observable and a later reclaim pass has something to
	// work from.
	mu    sync.Mutex
	freed map[page.PageID]struct{}
}

// NewManager initializes a disk manager backed by the file at path
func NewManager(path string) (*Manager, error) {
	st, err := openFileStorage(path)
	if err != nil {
		return nil, errors.Wrap(err, "openFileStorage failed")
	}
	return &Manager{
		st:    st,
		freed: make(map[page.PageID]struct{}),
	}, nil
}

// fileOffset calculates the page's offset within the data file
func fileOffset(id page.PageID) int64 {
	return int64(id) * page.PageSize
}

// ReadPage reads the page into p.
// reading past the end of the file yields a zeroed page.
func (m *Manager) ReadPage(id page.PageID, p page.PagePtr) error {
	if !id.IsValid() {
		return errors.Errorf("read of invalid page id %d", id)
	}
	size, err := m.st.Size()
	if err != nil {
		return errors.Wrap(err, "st.Size failed")
	}
	off := fileOffset(id)
	if off >= size {
		*p = [page.PageSize]byte{}
		return nil
	}
	if _, err := m.st.ReadAt(p[:], off); err != nil {
		return errors.Wrapf(err, "st.ReadAt failed for page %d", id)
	}
	return nil
}

// WritePage writes the page content at p to disk
func (m *Manager) WritePage(id page.PageID, p page.PagePtr) error {
	if !id.IsValid() {
		return errors.Errorf("write of invalid page id %d", id)
	}
	if _, err := m.st.WriteAt(p[:], fileOffset(id)); err != nil {
		return errors.Wrapf(err, "st.WriteAt failed for page %d", id)
	}
	return nil
}

// DeallocatePage marks the page id as no longer in use.
// the file is not shrunk and ids are not handed out again.
func (m *Manager) DeallocatePage(id page.PageID) error {
	if !id.IsValid() {
		return errors.Errorf("deallocate of invalid page id %d", id)
	}
	m.mu.Lock()
	m.freed[id] = struct{}{}
	m.mu.Unlock()
	return nil
}

// IsDeallocated reports whether the page id was deallocated
func (m *Manager) IsDeallocated(id page.PageID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.freed[id]
	return ok
}

// Sync flushes the data file to stable storage
func (m *Manager) Sync() error {
	return m.st.Sync()
}

// Close closes the data file
func (m *Manager) Close() error {
	return m.st.Close()
}
