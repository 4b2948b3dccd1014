package buffer

import "github.com/uzudb/uzudb/storage/disk"

// TestingNewManager initializes a single-instance pool over in-memory
// storage. This prevents unnecessary disk I/O in tests.
func TestingNewManager(poolSize int) *Manager {
	return NewManager(poolSize, disk.TestingNewBufferManager(), nil, nil)
}

// TestingNewParallelManager initializes a parallel pool over in-memory
// storage
func TestingNewParallelManager(numInstances uint32, poolSize int) *ParallelManager {
	return NewParallelManager(numInstances, poolSize, disk.TestingNewBufferManager(), nil, nil)
}
