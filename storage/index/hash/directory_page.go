/*
Directory page is the on-page layout of the extendible hash directory.

Layout:
- page id (u32): the directory's own page id
- global depth (u32): number of hash bits consulted, at most MaxDepth
- bucket page ids (u32 each): one slot per possible directory entry
- local depths (u8 each): hash bits the slot's bucket distinguishes

The arrays are sized for the maximum directory (1<<MaxDepth slots); only the
first 1<<globalDepth slots are meaningful.

Invariants (checked by verifyIntegrity):
- every local depth is at most the global depth
- all slots sharing a bucket page id share a local depth
- exactly 2^(globalDepth-localDepth) slots point to each bucket
*/
package hash

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/uzudb/uzudb/storage/page"
)

const (
	// MaxDepth caps both global and local depth; the table refuses to grow
	// past it
	MaxDepth = 9

	// directoryCapacity is the slot count of a fully grown directory
	directoryCapacity = 1 << MaxDepth

	dirPageIDOffset     = 0
	dirGlobalDepthOff   = 4
	dirBucketPageIDsOff = 8
	dirLocalDepthsOff   = dirBucketPageIDsOff + 4*directoryCapacity
)

// directoryPage is a typed view over a frame holding the directory
type directoryPage struct {
	data page.PagePtr
}

func directoryView(p *page.Page) directoryPage {
	return directoryPage{data: p.Data()}
}

func (d directoryPage) pageID() page.PageID {
	return page.PageID(binary.LittleEndian.Uint32(d.data[dirPageIDOffset : dirPageIDOffset+4]))
}

func (d directoryPage) setPageID(id page.PageID) {
	binary.LittleEndian.PutUint32(d.data[dirPageIDOffset:dirPageIDOffset+4], uint32(id))
}

func (d directoryPage) globalDepth() uint32 {
	return binary.LittleEndian.Uint32(d.data[dirGlobalDepthOff : dirGlobalDepthOff+4])
}

func (d directoryPage) setGlobalDepth(depth uint32) {
	binary.LittleEndian.PutUint32(d.data[dirGlobalDepthOff:dirGlobalDepthOff+4], depth)
}

// globalDepthMask masks a hash down to the bits the directory consults
func (d directoryPage) globalDepthMask() uint32 {
	return (1 << d.globalDepth()) - 1
}

// size returns the number of meaningful directory slots
func (d directoryPage) size() uint32 {
	return 1 << d.globalDepth()
}

func (d directoryPage) incrGlobalDepth() {
	d.setGlobalDepth(d.globalDepth() + 1)
}

func (d directoryPage) decrGlobalDepth() {
	d.setGlobalDepth(d.globalDepth() - 1)
}

func (d directoryPage) bucketPageID(slot uint32) page.PageID {
	off := dirBucketPageIDsOff + 4*slot
	return page.PageID(binary.LittleEndian.Uint32(d.data[off : off+4]))
}

func (d directoryPage) setBucketPageID(slot uint32, id page.PageID) {
	off := dirBucketPageIDsOff + 4*slot
	binary.LittleEndian.PutUint32(d.data[off:off+4], uint32(id))
}

func (d directoryPage) localDepth(slot uint32) uint32 {
	return uint32(d.data[dirLocalDepthsOff+slot])
}

func (d directoryPage) setLocalDepth(slot uint32, depth uint32) {
	d.data[dirLocalDepthsOff+slot] = uint8(depth)
}

func (d directoryPage) incrLocalDepth(slot uint32) {
	d.data[dirLocalDepthsOff+slot]++
}

func (d directoryPage) decrLocalDepth(slot uint32) {
	d.data[dirLocalDepthsOff+slot]--
}

// canShrink reports whether the directory can halve: true iff every slot's
// local depth is strictly below the global depth
func (d directoryPage) canShrink() bool {
	if d.globalDepth() == 0 {
		return false
	}
	for slot := uint32(0); slot < d.size(); slot++ {
		if d.localDepth(slot) == d.globalDepth() {
			return false
		}
	}
	return true
}

// verifyIntegrity checks the directory invariants
func (d directoryPage) verifyIntegrity() error {
	gd := d.globalDepth()
	if gd > MaxDepth {
		return errors.Errorf("global depth %d exceeds max depth %d", gd, MaxDepth)
	}
	pointers := make(map[page.PageID]uint32)
	depths := make(map[page.PageID]uint32)
	for slot := uint32(0); slot < d.size(); slot++ {
		id := d.bucketPageID(slot)
		ld := d.localDepth(slot)
		if ld > gd {
			return errors.Errorf("slot %d: local depth %d exceeds global depth %d", slot, ld, gd)
		}
		if known, ok := depths[id]; ok && known != ld {
			return errors.Errorf("bucket %d: local depth %d at slot %d differs from %d", id, ld, slot, known)
		}
		depths[id] = ld
		pointers[id]++
	}
	for id, count := range pointers {
		want := uint32(1) << (gd - depths[id])
		if count != want {
			return errors.Errorf("bucket %d: %d slots point to it, want %d (gd=%d, ld=%d)",
				id, count, want, gd, depths[id])
		}
	}
	return nil
}
