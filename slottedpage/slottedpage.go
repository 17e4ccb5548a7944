// Package slottedpage implements the in-page record layout shared by
// object and btree: a header, a data region growing forward from the
// header, and a slot directory growing backward from the page tail.
// Every function here operates directly on the raw byte buffer handed
// out by a buffer.Pin — there is no intermediate decoded struct, so a
// mutation through these accessors is immediately visible to whatever
// eventually flushes that buffer to disk.
package slottedpage

import (
	"encoding/binary"

	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
)

// Header field byte offsets, matching spec.md §3's
// {pageID, flags, free, unused, fileID, nextPage, prevPage, nSlots}.
const (
	offVol      = 0
	offPage     = 2
	offFlags    = 6
	offFree     = 8
	offUnused   = 10
	offFileID   = 12
	offNextPage = 28
	offPrevPage = 32
	offNSlots   = 36

	// offAvailNext/offAvailPrev give object data pages a second link
	// pair, distinct from nextPage/prevPage (the file page list), for
	// available-space-list membership — spec.md §3's "list membership is
	// stored in the slotted-page header links {nextPage, prevPage}
	// distinct from the file-wide page list" needs two independent
	// doubly-linked structures through the same header; btree pages
	// simply leave these at NilPage.
	offAvailNext = 38
	offAvailPrev = 42

	// offAux is a fourth link field with no fixed meaning at this layer:
	// btree repurposes it as an internal page's p0 (leftmost child
	// pageNo); object pages leave it at NilPage. Keeping it here rather
	// than in a btree-specific header keeps the header shape genuinely
	// shared between the two layers, per spec.md §4.2's "shared by OM
	// and BtM."
	offAux = 46

	// HeaderSize is the fixed header footprint every page pays for.
	HeaderSize = 50

	// SlotSize is sizeof(Slot): {offset int16, unique int32}.
	SlotSize = 6

	// EmptySlot is the sentinel slot.offset value marking a freed slot.
	EmptySlot int16 = -1

	// NoPreserve tells Compact there is no in-progress slot to place last.
	NoPreserve int16 = -1
)

// Flags holds the page-kind bits. slottedpage itself defines none of
// the bit values — btree owns LEAF/INTERNAL/ROOT, object pages leave it
// zero — it only provides storage and accessors.
type Flags uint16

// PageID reads the page's own identity out of its header.
func PageID(buf []byte) ids.PageID {
	return ids.PageID{
		Vol:  ids.VolumeNo(binary.LittleEndian.Uint16(buf[offVol:])),
		Page: ids.PageNo(binary.LittleEndian.Uint32(buf[offPage:])),
	}
}

// SetPageID stamps the page's identity into its header.
func SetPageID(buf []byte, pid ids.PageID) {
	binary.LittleEndian.PutUint16(buf[offVol:], uint16(pid.Vol))
	binary.LittleEndian.PutUint32(buf[offPage:], uint32(pid.Page))
}

func GetFlags(buf []byte) Flags { return Flags(binary.LittleEndian.Uint16(buf[offFlags:])) }
func SetFlags(buf []byte, f Flags) {
	binary.LittleEndian.PutUint16(buf[offFlags:], uint16(f))
}

// Free returns header.free: the offset where the next object write
// begins.
func Free(buf []byte) int16 { return int16(binary.LittleEndian.Uint16(buf[offFree:])) }
func SetFree(buf []byte, v int16) {
	binary.LittleEndian.PutUint16(buf[offFree:], uint16(v))
}

// Unused returns the count of freed-but-uncompacted bytes inside
// [0, free).
func Unused(buf []byte) int16 { return int16(binary.LittleEndian.Uint16(buf[offUnused:])) }
func SetUnused(buf []byte, v int16) {
	binary.LittleEndian.PutUint16(buf[offUnused:], uint16(v))
}

func GetFileID(buf []byte) ids.FileID {
	var f ids.FileID
	copy(f[:], buf[offFileID:offFileID+16])
	return f
}
func SetFileID(buf []byte, f ids.FileID) {
	copy(buf[offFileID:offFileID+16], f[:])
}

func NextPage(buf []byte) ids.PageNo {
	return ids.PageNo(binary.LittleEndian.Uint32(buf[offNextPage:]))
}
func SetNextPage(buf []byte, p ids.PageNo) {
	binary.LittleEndian.PutUint32(buf[offNextPage:], uint32(p))
}

func PrevPage(buf []byte) ids.PageNo {
	return ids.PageNo(binary.LittleEndian.Uint32(buf[offPrevPage:]))
}
func SetPrevPage(buf []byte, p ids.PageNo) {
	binary.LittleEndian.PutUint32(buf[offPrevPage:], uint32(p))
}

func NSlots(buf []byte) int16 { return int16(binary.LittleEndian.Uint16(buf[offNSlots:])) }
func SetNSlots(buf []byte, n int16) {
	binary.LittleEndian.PutUint16(buf[offNSlots:], uint16(n))
}

func AvailNext(buf []byte) ids.PageNo {
	return ids.PageNo(binary.LittleEndian.Uint32(buf[offAvailNext:]))
}
func SetAvailNext(buf []byte, p ids.PageNo) {
	binary.LittleEndian.PutUint32(buf[offAvailNext:], uint32(p))
}

func AvailPrev(buf []byte) ids.PageNo {
	return ids.PageNo(binary.LittleEndian.Uint32(buf[offAvailPrev:]))
}
func SetAvailPrev(buf []byte, p ids.PageNo) {
	binary.LittleEndian.PutUint32(buf[offAvailPrev:], uint32(p))
}

// Aux reads the fourth link field (btree's p0 on internal pages).
func Aux(buf []byte) ids.PageNo { return ids.PageNo(binary.LittleEndian.Uint32(buf[offAux:])) }
func SetAux(buf []byte, p ids.PageNo) {
	binary.LittleEndian.PutUint32(buf[offAux:], uint32(p))
}

// Init zeroes and formats buf as a fresh, empty slotted page.
func Init(buf []byte, pid ids.PageID, flags Flags, fileID ids.FileID) {
	for i := range buf {
		buf[i] = 0
	}
	SetPageID(buf, pid)
	SetFlags(buf, flags)
	SetFree(buf, HeaderSize)
	SetUnused(buf, 0)
	SetFileID(buf, fileID)
	SetNextPage(buf, ids.NilPage)
	SetPrevPage(buf, ids.NilPage)
	SetNSlots(buf, 0)
}

// slotAt returns the byte offset of slot i's 6-byte entry, which sits
// at the tail of the page, growing backward as nSlots grows.
func slotAt(pageSize int, i int16) int {
	return pageSize - (int(i)+1)*SlotSize
}

// SlotOffset returns slot i's data offset, or EmptySlot.
func SlotOffset(buf []byte, i int16) int16 {
	o := slotAt(len(buf), i)
	return int16(binary.LittleEndian.Uint16(buf[o:]))
}

// SlotUnique returns slot i's unique stamp.
func SlotUnique(buf []byte, i int16) int32 {
	o := slotAt(len(buf), i)
	return int32(binary.LittleEndian.Uint32(buf[o+2:]))
}

// SetSlot writes slot i's {offset, unique} pair.
func SetSlot(buf []byte, i int16, offset int16, unique int32) {
	o := slotAt(len(buf), i)
	binary.LittleEndian.PutUint16(buf[o:], uint16(offset))
	binary.LittleEndian.PutUint32(buf[o+2:], uint32(unique))
}

// IsEmptySlot reports whether slot i is a freed slot.
func IsEmptySlot(buf []byte, i int16) bool {
	return SlotOffset(buf, i) == EmptySlot
}

// SPContiguousFree is SP_CFREE: the contiguous free region between the
// data cursor and the slot array, excluding any scattered unused holes.
func SPContiguousFree(buf []byte) int {
	n := int(NSlots(buf))
	return len(buf) - n*SlotSize - int(Free(buf))
}

// SPFree is SP_FREE: everything SPContiguousFree reports plus the
// scattered bytes Compact would reclaim.
func SPFree(buf []byte) int {
	return SPContiguousFree(buf) + int(Unused(buf))
}

// EntryLength is supplied by the caller because slottedpage does not
// know the shape of the object/entry header living at a given offset —
// object and btree entries have different header shapes.
type EntryLength func(buf []byte, offset int16) int

// Compact copies every live entry to the front of the data area in
// ascending slot order, except preserveSlot (pass NoPreserve if there is
// none in progress), which is placed last so an in-flight insert can
// append beside it without an extra move. Resets free to the new end
// and unused to 0, and rewrites every live slot's offset.
func Compact(buf []byte, preserveSlot int16, length EntryLength) error {
	n := int(NSlots(buf))
	order := make([]int16, 0, n)
	for i := int16(0); i < int16(n); i++ {
		if i == preserveSlot {
			continue
		}
		if !IsEmptySlot(buf, i) {
			order = append(order, i)
		}
	}
	if preserveSlot != NoPreserve && preserveSlot >= 0 && preserveSlot < int16(n) && !IsEmptySlot(buf, preserveSlot) {
		order = append(order, preserveSlot)
	}

	tmp := make([]byte, len(buf))
	cursor := int16(HeaderSize)
	for _, slotIdx := range order {
		off := SlotOffset(buf, slotIdx)
		l := length(buf, off)
		if l < 0 || int(off)+l > len(buf) {
			return errs.New(errs.Integrity, "slottedpage.Compact", "entry length out of range")
		}
		copy(tmp[cursor:], buf[off:int(off)+l])
		SetSlot(buf, slotIdx, cursor, SlotUnique(buf, slotIdx))
		cursor += int16(l)
	}
	copy(buf[HeaderSize:cursor], tmp[HeaderSize:cursor])
	SetFree(buf, cursor)
	SetUnused(buf, 0)
	return nil
}
