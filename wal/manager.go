/*
Write-ahead log.

The log is an append-only file of length-prefixed records. Appends land in
an in-memory buffer and become durable on Sync. The buffer pool syncs the
log before writing any dirty page to disk, which preserves the write-ahead
rule: no page change reaches the data file before the log that describes it.

Replay (redo/undo) is not implemented here; Records exposes the durable
tail so recovery tooling and tests can read what was logged.
*/
package wal

import (
	"bytes"
	"encoding/binary"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/uzudb/uzudb/storage/page"
	"github.com/uzudb/uzudb/transaction/txid"
)

// LSN is a log sequence number. LSNs are dense and start at 1.
type LSN uint64

// InvalidLSN marks "no log record"
const InvalidLSN LSN = 0

// RecordType tags what a log record describes
type RecordType uint8

const (
	// RecordTypeUpdate is a page content change
	RecordTypeUpdate RecordType = iota + 1
	// RecordTypeNewPage is a page allocation
	RecordTypeNewPage
	// RecordTypeFreePage is a page deallocation
	RecordTypeFreePage
	// RecordTypeBegin marks a transaction start
	RecordTypeBegin
	// RecordTypeCommit marks a transaction commit
	RecordTypeCommit
	// RecordTypeAbort marks a transaction abort
	RecordTypeAbort
)

// Record is one write-ahead log entry
type Record struct {
	LSN     LSN
	TxID    txid.TxID
	Type    RecordType
	PageID  page.PageID
	Payload []byte
}

// record framing: u32 payload length, u64 lsn, u64 txid, u8 type,
// u32 page id, payload bytes
const recordHeaderSize = 4 + 8 + 8 + 1 + 4

// Manager owns the log file
type Manager struct {
	path   string
	logger *zap.Logger

	mu      sync.Mutex
	f       *os.File
	buf     bytes.Buffer
	nextLSN LSN
}

// NewManager opens (or creates) the log file at path
func NewManager(path string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0700)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	m := &Manager{
		path:    path,
		logger:  logger,
		f:       f,
		nextLSN: LSN(1),
	}
	// resume LSNs after whatever is already in the file
	records, err := m.Records()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "reading existing log failed")
	}
	if n := len(records); n > 0 {
		m.nextLSN = records[n-1].LSN + 1
		m.logger.Info("resuming write-ahead log",
			zap.Int("records", n), zap.Uint64("next_lsn", uint64(m.nextLSN)))
	}
	return m, nil
}

// Append assigns the record its LSN and buffers it. the record is not
// durable until Sync returns.
func (m *Manager) Append(rec *Record) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.LSN = m.nextLSN
	m.nextLSN++

	var hdr [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(rec.Payload)))
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(rec.LSN))
	binary.LittleEndian.PutUint64(hdr[12:20], uint64(rec.TxID))
	hdr[20] = byte(rec.Type)
	binary.LittleEndian.PutUint32(hdr[21:25], uint32(rec.PageID))
	m.buf.Write(hdr[:])
	m.buf.Write(rec.Payload)
	return rec.LSN, nil
}

// Sync writes the buffered records to the log file and fsyncs it
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf.Len() > 0 {
		if _, err := m.f.Write(m.buf.Bytes()); err != nil {
			return errors.Wrap(err, "log write failed")
		}
		m.buf.Reset()
	}
	if err := m.f.Sync(); err != nil {
		return errors.Wrap(err, "log fsync failed")
	}
	return nil
}

// Records reads every durable record from the start of the log.
// buffered, unsynced records are not included.
func (m *Manager) Records() ([]Record, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, errors.Wrap(err, "os.ReadFile failed")
	}
	var records []Record
	for off := 0; off < len(data); {
		if off+recordHeaderSize > len(data) {
			return nil, errors.Errorf("truncated record header at offset %d", off)
		}
		payloadLen := int(binary.LittleEndian.Uint32(data[off : off+4]))
		rec := Record{
			LSN:    LSN(binary.LittleEndian.Uint64(data[off+4 : off+12])),
			TxID:   txid.TxID(binary.LittleEndian.Uint64(data[off+12 : off+20])),
			Type:   RecordType(data[off+20]),
			PageID: page.PageID(binary.LittleEndian.Uint32(data[off+21 : off+25])),
		}
		off += recordHeaderSize
		if off+payloadLen > len(data) {
			return nil, errors.Errorf("truncated record payload at offset %d", off)
		}
		if payloadLen > 0 {
			rec.Payload = append([]byte(nil), data[off:off+payloadLen]...)
			off += payloadLen
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close syncs and closes the log file
func (m *Manager) Close() error {
	if err := m.Sync(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}
