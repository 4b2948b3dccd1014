package common

import "fmt"

// RID is a record identifier: the page a record lives on plus its slot
// within that page. The lock manager locks at RID granularity and the hash
// index stores RIDs as its value type, so RID has to be a comparable value
// type usable as a map key.
type RID struct {
	PageID  int32
	SlotNum uint32
}

// NewRID initializes a record identifier
func NewRID(pageID int32, slotNum uint32) RID {
	return RID{PageID: pageID, SlotNum: slotNum}
}

func (r RID) String() string {
	return fmt.Sprintf("(%d,%d)", r.PageID, r.SlotNum)
}
