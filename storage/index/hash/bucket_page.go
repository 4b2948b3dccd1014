/*
Bucket page is the on-page layout of one hash bucket.

Layout:
- occupied bitmap: one bit per slot, set once a slot has ever held an entry
- readable bitmap: one bit per slot, set while the slot holds a live entry
- entry array: fixed-width (key, rid) pairs

A removed entry only clears its readable bit; occupied stays set as a
tombstone. A slot is live iff readable, and readable implies occupied.

Bit i of bitmap byte b corresponds to slot 8*b+i (least significant bit is
the lowest slot).

The bucketPage type is a typed view over a buffer-pool frame. Views are
re-derived on every access and must not outlive the unpin of their page —
the buffer pool owns the memory.
*/
package hash

import (
	"encoding/binary"

	"github.com/uzudb/uzudb/common"
	"github.com/uzudb/uzudb/storage/page"
)

const (
	// serialized entry: key (8 bytes) + rid page id (4) + rid slot (4)
	entrySize = 16

	// BucketCapacity is the number of slots in a bucket page: per slot we
	// need one entry plus two bitmap bits, so capacity n must satisfy
	// 2*ceil(n/8) + n*entrySize <= PageSize
	BucketCapacity = 4 * page.PageSize / (4*entrySize + 1)

	bucketBitmapBytes = (BucketCapacity + 7) / 8

	occupiedOffset = 0
	readableOffset = occupiedOffset + bucketBitmapBytes
	entriesOffset  = readableOffset + bucketBitmapBytes
)

// bucketPage is a typed view over a frame holding a bucket
type bucketPage struct {
	data page.PagePtr
}

func bucketView(p *page.Page) bucketPage {
	return bucketPage{data: p.Data()}
}

func (b bucketPage) isOccupied(slot uint32) bool {
	return b.data[occupiedOffset+slot/8]>>(slot%8)&1 != 0
}

func (b bucketPage) setOccupied(slot uint32) {
	b.data[occupiedOffset+slot/8] |= 1 << (slot % 8)
}

func (b bucketPage) isReadable(slot uint32) bool {
	return b.data[readableOffset+slot/8]>>(slot%8)&1 != 0
}

func (b bucketPage) setReadable(slot uint32) {
	b.data[readableOffset+slot/8] |= 1 << (slot % 8)
}

func (b bucketPage) keyAt(slot uint32) Key {
	off := entriesOffset + slot*entrySize
	return Key(binary.LittleEndian.Uint64(b.data[off : off+8]))
}

func (b bucketPage) valueAt(slot uint32) common.RID {
	off := entriesOffset + slot*entrySize
	return common.RID{
		PageID:  int32(binary.LittleEndian.Uint32(b.data[off+8 : off+12])),
		SlotNum: binary.LittleEndian.Uint32(b.data[off+12 : off+16]),
	}
}

func (b bucketPage) setEntry(slot uint32, key Key, value common.RID) {
	off := entriesOffset + slot*entrySize
	binary.LittleEndian.PutUint64(b.data[off:off+8], uint64(key))
	binary.LittleEndian.PutUint32(b.data[off+8:off+12], uint32(value.PageID))
	binary.LittleEndian.PutUint32(b.data[off+12:off+16], value.SlotNum)
}

// getValue collects the values of every live entry matching key
func (b bucketPage) getValue(key Key, cmp Comparator) []common.RID {
	var result []common.RID
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if b.isReadable(slot) && cmp(key, b.keyAt(slot)) == 0 {
			result = append(result, b.valueAt(slot))
		}
	}
	return result
}

// insert places the pair into the first non-live slot.
// returns false if the identical (key, value) pair is already present or the
// bucket is full.
func (b bucketPage) insert(key Key, value common.RID, cmp Comparator) bool {
	free := int32(-1)
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if b.isReadable(slot) {
			if cmp(key, b.keyAt(slot)) == 0 && value == b.valueAt(slot) {
				return false
			}
		} else if free == -1 {
			free = int32(slot)
		}
	}
	if free == -1 {
		return false
	}
	b.setOccupied(uint32(free))
	b.setReadable(uint32(free))
	b.setEntry(uint32(free), key, value)
	return true
}

// remove clears the readable bit of the live entry matching both key and
// value. occupied stays set.
func (b bucketPage) remove(key Key, value common.RID, cmp Comparator) bool {
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if b.isOccupied(slot) && b.isReadable(slot) {
			if cmp(key, b.keyAt(slot)) == 0 && value == b.valueAt(slot) {
				b.removeAt(slot)
				return true
			}
		}
	}
	return false
}

// removeAt clears the readable bit of the slot
func (b bucketPage) removeAt(slot uint32) {
	b.data[readableOffset+slot/8] &^= 1 << (slot % 8)
}

// isFull reports whether every slot holds a live entry
func (b bucketPage) isFull() bool {
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if !b.isReadable(slot) {
			return false
		}
	}
	return true
}

// isEmpty reports whether no slot holds a live entry
func (b bucketPage) isEmpty() bool {
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if b.isReadable(slot) {
			return false
		}
	}
	return true
}

// numReadable counts live entries
func (b bucketPage) numReadable() uint32 {
	var n uint32
	for slot := uint32(0); slot < BucketCapacity; slot++ {
		if b.isReadable(slot) {
			n++
		}
	}
	return n
}

// reset zeroes both bitmaps, emptying the bucket
func (b bucketPage) reset() {
	for i := 0; i < 2*bucketBitmapBytes; i++ {
		b.data[i] = 0
	}
}
