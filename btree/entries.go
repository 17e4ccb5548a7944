// Package btree implements the persistent unique-key B+ tree over
// object-manager pages: binary search, recursive split/underflow
// propagation without stored parent pointers, and a leaf-to-leaf cursor
// for range scans. It is the largest component of trainbase, grounded
// on the teacher's btree.go/btree_page.go recursive propagation shape
// (insertIntoTree → insertWithSplit → insertIntoParent, returning up
// through the call stack rather than storing parent pointers) and
// supplemented for real delete-side rebalancing and a bidirectional
// cursor where the teacher's simpler tree has neither.
package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/slottedpage"
)

// Page-kind flag bits, stored in the shared slottedpage header's Flags
// field.
const (
	FlagLeaf slottedpage.Flags = 1 << iota
	FlagInternal
	FlagRoot
)

// leafItem is a leaf entry decoded into memory: (key, ObjectID).
type leafItem struct {
	key []byte
	oid ids.ObjectID
}

// internalItem is an internal entry decoded into memory: (child page,
// separator key).
type internalItem struct {
	spid ids.PageNo
	key  []byte
}

// binarySearch implements spec.md §4.4.1's convention: on a match idx
// is the matching slot; on a miss idx is the greatest slot whose key is
// < searchKey (-1 if none). The same function serves both leaf search
// and internal child selection — callers interpret idx differently
// (leaf: found slot; internal: idx==-1 picks p0, else entry idx's spid).
func binarySearch(n int16, key []byte, at func(i int16) []byte) (bool, int16) {
	lo, hi := int16(0), n-1
	result := int16(-1)
	for lo <= hi {
		mid := lo + (hi-lo)/2
		c := bytes.Compare(at(mid), key)
		switch {
		case c == 0:
			return true, mid
		case c < 0:
			result = mid
			lo = mid + 1
		default:
			hi = mid - 1
		}
	}
	return false, result
}

// ── Leaf entry encoding: {nObjects=1, klen, kval[aligned], oid} ───────────

func leafKeyAt(buf []byte, i int16) []byte {
	off := slottedpage.SlotOffset(buf, i)
	klen := binary.LittleEndian.Uint16(buf[off+2:])
	return buf[int(off)+4 : int(off)+4+int(klen)]
}

func leafEntryLenAt(buf []byte, off int16) int {
	klen := binary.LittleEndian.Uint16(buf[off+2:])
	return 4 + ids.AlignedLength(int(klen)) + 12
}

func leafEntryLenCB(buf []byte, off int16) int { return leafEntryLenAt(buf, off) }

func writeLeafEntry(buf []byte, off int16, key []byte, oid ids.ObjectID) {
	binary.LittleEndian.PutUint16(buf[off:], 1)
	binary.LittleEndian.PutUint16(buf[off+2:], uint16(len(key)))
	copy(buf[off+4:], key)
	oidOff := int(off) + 4 + ids.AlignedLength(len(key))
	binary.LittleEndian.PutUint16(buf[oidOff:], uint16(oid.Vol))
	binary.LittleEndian.PutUint32(buf[oidOff+2:], uint32(oid.Page))
	binary.LittleEndian.PutUint16(buf[oidOff+6:], uint16(oid.Slot))
	binary.LittleEndian.PutUint32(buf[oidOff+8:], uint32(oid.Unique))
}

func readLeafEntry(buf []byte, off int16) ([]byte, ids.ObjectID) {
	klen := binary.LittleEndian.Uint16(buf[off+2:])
	key := append([]byte(nil), buf[off+4:int(off)+4+int(klen)]...)
	oidOff := int(off) + 4 + ids.AlignedLength(int(klen))
	oid := ids.ObjectID{
		Vol:    ids.VolumeNo(binary.LittleEndian.Uint16(buf[oidOff:])),
		Page:   ids.PageNo(binary.LittleEndian.Uint32(buf[oidOff+2:])),
		Slot:   int16(binary.LittleEndian.Uint16(buf[oidOff+6:])),
		Unique: int32(binary.LittleEndian.Uint32(buf[oidOff+8:])),
	}
	return key, oid
}

func leafEntryBytes(key []byte) int {
	return 4 + ids.AlignedLength(len(key)) + 12 + slottedpage.SlotSize
}

func sumLeafBytes(items []leafItem) int {
	sum := 0
	for _, it := range items {
		sum += leafEntryBytes(it.key)
	}
	return sum
}

func collectLeafItems(buf []byte) []leafItem {
	n := slottedpage.NSlots(buf)
	items := make([]leafItem, n)
	for i := int16(0); i < n; i++ {
		off := slottedpage.SlotOffset(buf, i)
		k, oid := readLeafEntry(buf, off)
		items[i] = leafItem{key: k, oid: oid}
	}
	return items
}

func insertLeafSorted(items []leafItem, it leafItem) []leafItem {
	idx := sort.Search(len(items), func(i int) bool { return bytes.Compare(items[i].key, it.key) >= 0 })
	out := make([]leafItem, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, it)
	out = append(out, items[idx:]...)
	return out
}

func rebuildLeaf(buf []byte, pid ids.PageID, fileID ids.FileID, items []leafItem, prev, next ids.PageNo) {
	slottedpage.Init(buf, pid, FlagLeaf, fileID)
	slottedpage.SetPrevPage(buf, prev)
	slottedpage.SetNextPage(buf, next)
	free := int16(slottedpage.HeaderSize)
	for i, it := range items {
		entryLen := 4 + ids.AlignedLength(len(it.key)) + 12
		writeLeafEntry(buf, free, it.key, it.oid)
		slottedpage.SetSlot(buf, int16(i), free, 0)
		free += int16(entryLen)
	}
	slottedpage.SetNSlots(buf, int16(len(items)))
	slottedpage.SetFree(buf, free)
}

// ── Internal entry encoding: {spid, klen, pad, kval[aligned]} ─────────────

func internalKeyAt(buf []byte, i int16) []byte {
	off := slottedpage.SlotOffset(buf, i)
	klen := binary.LittleEndian.Uint16(buf[off+4:])
	return buf[int(off)+8 : int(off)+8+int(klen)]
}

func internalEntryLenAt(buf []byte, off int16) int {
	klen := binary.LittleEndian.Uint16(buf[off+4:])
	return 8 + ids.AlignedLength(int(klen))
}

func internalEntryLenCB(buf []byte, off int16) int { return internalEntryLenAt(buf, off) }

func writeInternalEntry(buf []byte, off int16, spid ids.PageNo, key []byte) {
	binary.LittleEndian.PutUint32(buf[off:], uint32(spid))
	binary.LittleEndian.PutUint16(buf[off+4:], uint16(len(key)))
	binary.LittleEndian.PutUint16(buf[off+6:], 0)
	copy(buf[off+8:], key)
}

func readInternalEntry(buf []byte, off int16) (ids.PageNo, []byte) {
	spid := ids.PageNo(binary.LittleEndian.Uint32(buf[off:]))
	klen := binary.LittleEndian.Uint16(buf[off+4:])
	key := append([]byte(nil), buf[off+8:int(off)+8+int(klen)]...)
	return spid, key
}

func internalEntryBytes(key []byte) int {
	return 8 + ids.AlignedLength(len(key)) + slottedpage.SlotSize
}

func sumInternalBytes(items []internalItem) int {
	sum := 0
	for _, it := range items {
		sum += internalEntryBytes(it.key)
	}
	return sum
}

func collectInternalItems(buf []byte) (ids.PageNo, []internalItem) {
	p0 := slottedpage.Aux(buf)
	n := slottedpage.NSlots(buf)
	items := make([]internalItem, n)
	for i := int16(0); i < n; i++ {
		off := slottedpage.SlotOffset(buf, i)
		spid, key := readInternalEntry(buf, off)
		items[i] = internalItem{spid: spid, key: key}
	}
	return p0, items
}

func insertInternalSorted(items []internalItem, it internalItem) []internalItem {
	idx := sort.Search(len(items), func(i int) bool { return bytes.Compare(items[i].key, it.key) >= 0 })
	out := make([]internalItem, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, it)
	out = append(out, items[idx:]...)
	return out
}

func rebuildInternal(buf []byte, pid ids.PageID, fileID ids.FileID, p0 ids.PageNo, items []internalItem, isRoot bool) {
	flags := FlagInternal
	if isRoot {
		flags |= FlagRoot
	}
	slottedpage.Init(buf, pid, flags, fileID)
	slottedpage.SetAux(buf, p0)
	free := int16(slottedpage.HeaderSize)
	for i, it := range items {
		entryLen := 8 + ids.AlignedLength(len(it.key))
		writeInternalEntry(buf, free, it.spid, it.key)
		slottedpage.SetSlot(buf, int16(i), free, 0)
		free += int16(entryLen)
	}
	slottedpage.SetNSlots(buf, int16(len(items)))
	slottedpage.SetFree(buf, free)
}

// ── Generic slot-array shifting, shared by leaf and internal insert/delete ─

func shiftSlotsRight(buf []byte, from, n int16) {
	for i := n; i > from; i-- {
		off := slottedpage.SlotOffset(buf, i-1)
		uniq := slottedpage.SlotUnique(buf, i-1)
		slottedpage.SetSlot(buf, i, off, uniq)
	}
}

func shiftSlotsLeft(buf []byte, from, n int16) {
	for i := from; i < n-1; i++ {
		off := slottedpage.SlotOffset(buf, i+1)
		uniq := slottedpage.SlotUnique(buf, i+1)
		slottedpage.SetSlot(buf, i, off, uniq)
	}
}
