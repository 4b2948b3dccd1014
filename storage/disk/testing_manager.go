package disk

import (
	"testing"

	"github.com/uzudb/uzudb/storage/page"
)

// TestingNewFileManager initializes a disk manager over a real file in a
// temporary directory that is removed after the test completes.
func TestingNewFileManager(t *testing.T) (*Manager, error) {
	return NewManager(t.TempDir() + "/data")
}

// TestingNewBufferManager initializes a disk manager with in-memory storage
// instead of file storage. This prevents unnecessary disk I/O in tests.
func TestingNewBufferManager() *Manager {
	return &Manager{
		st:    newBufferStorage(),
		freed: make(map[page.PageID]struct{}),
	}
}
