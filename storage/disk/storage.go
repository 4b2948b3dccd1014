/*
This file defines the storage interface and its implementations.
We don't want to execute real disk I/O in tests, so the byte-addressed
backend behind the manager is an interface:
- fileStorage: wrapper of os.File
- bufferStorage: byte slice kept in memory, used by tests

os.File supports concurrent ReadAt/WriteAt, so bufferStorage has to as well;
it carries its own mutex.
*/
package disk

import (
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// storage is the byte-addressed backend of the disk manager
type storage interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Sync() error
	Close() error
}

// fileStorage is file storage
type fileStorage struct {
	*os.File
}

// openFileStorage opens (or creates) the data file at path
func openFileStorage(path string) (fileStorage, error) {
	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		return fileStorage{}, errors.Wrap(err, "os.OpenFile failed")
	}
	return fileStorage{fd}, nil
}

// Size returns the file size
func (fs fileStorage) Size() (int64, error) {
	stat, err := fs.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "Stat failed")
	}
	return stat.Size(), nil
}

// bufferStorage is in-memory storage
type bufferStorage struct {
	mu  sync.Mutex
	buf []byte
}

func newBufferStorage() *bufferStorage {
	return &bufferStorage{}
}

// ReadAt reads into p from the buffer at off
func (bs *bufferStorage) ReadAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if off >= int64(len(bs.buf)) {
		return 0, io.EOF
	}
	n := copy(p, bs.buf[off:])
	if n < len(p) {
		// zero-fill the tail like a sparse file would
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
	}
	return len(p), nil
}

// WriteAt writes p into the buffer at off, growing the buffer when needed
func (bs *bufferStorage) WriteAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if need := off + int64(len(p)); need > int64(len(bs.buf)) {
		grown := make([]byte, need)
		copy(grown, bs.buf)
		bs.buf = grown
	}
	return copy(bs.buf[off:], p), nil
}

// Size returns the buffer size
func (bs *bufferStorage) Size() (int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return int64(len(bs.buf)), nil
}

// Sync doesn't do anything for an in-memory buffer
func (bs *bufferStorage) Sync() error { return nil }

// Close doesn't do anything for an in-memory buffer
func (bs *bufferStorage) Close() error { return nil }
