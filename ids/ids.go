// Package ids holds the identifier types shared across every trainbase
// layer: volume-relative page/train locators and object identifiers.
// Keeping them in one leaf package avoids an import cycle between buffer,
// object, and btree, which all need to name a page without depending on
// each other.
package ids

import "fmt"

// VolumeNo identifies a volume (a raw-disk collaborator may span several).
type VolumeNo uint16

// PageNo is a page/train number within a volume.
type PageNo uint32

// NilPage is the reserved "no page" sentinel, matching spec.md's use of 0
// as a null page pointer (InvalidPageID in the teacher's pager package).
const NilPage PageNo = 0

// PageID locates a fixed-size disk unit by (volumeNo, pageNo). spec.md §3
// calls this the "TrainID / PageID" — the same shape serves both buffer
// types (page and train); only the backing buffer size differs.
type PageID struct {
	Vol  VolumeNo
	Page PageNo
}

// TrainID is an alias for PageID used where spec.md's train-granularity
// vocabulary reads more naturally (disk.Manager, buffer.Manager for the
// large buffer type).
type TrainID = PageID

func (p PageID) String() string {
	return fmt.Sprintf("(%d,%d)", p.Vol, p.Page)
}

// IsNil reports whether p is the null page pointer.
func (p PageID) IsNil() bool { return p.Page == NilPage }

// BufferType distinguishes the two pool sizes spec.md §3 describes:
// "small" (page) and "large" (train).
type BufferType uint8

const (
	// TypePage is the slotted-page-sized buffer type used by object/btree.
	TypePage BufferType = iota
	// TypeTrain is the larger, opaque buffer type used for raw extents.
	TypeTrain
)

func (t BufferType) String() string {
	if t == TypeTrain {
		return "train"
	}
	return "page"
}

// ExtentNo identifies a contiguous run of trains handed out by the
// raw-disk allocator.
type ExtentNo uint32

// ObjectID identifies a record within a slotted page: the page that holds
// it, the slot, and a monotonic "unique" stamp disambiguating slot reuse
// over time (spec.md §3, "Object").
type ObjectID struct {
	Vol    VolumeNo
	Page   PageNo
	Slot   int16
	Unique int32
}

// NilSlot is the reserved "no slot" sentinel (EMPTYSLOT convention reused
// for "no object" where a NULL ObjectID is meaningful, e.g. NextObject's
// start-of-file marker).
const NilSlot int16 = -1

// Nil reports whether oid is the null object identifier.
func (o ObjectID) Nil() bool { return o.Slot == NilSlot && o.Page == NilPage }

// NilObjectID is the NULL ObjectID spec.md §4.3 uses as the "start of
// file" / "end of file" marker for NextObject/PrevObject.
var NilObjectID = ObjectID{Slot: NilSlot}

func (o ObjectID) String() string {
	return fmt.Sprintf("{vol:%d page:%d slot:%d uniq:%d}", o.Vol, o.Page, o.Slot, o.Unique)
}

// AlignedLength rounds n up to the next 4-byte boundary, per spec.md §8/§9:
// ALIGNED_LENGTH(n) = (n + 3) &^ 3.
func AlignedLength(n int) int {
	return (n + 3) &^ 3
}
