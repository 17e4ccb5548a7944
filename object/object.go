// Package object implements record CRUD on top of slotted pages: the
// five-step page-selection algorithm, available-space-list maintenance,
// and the file-wide page list — spec.md §4.3. It never touches disk
// directly, only through a buffer.Manager, and it never knows about the
// catalog: callers pass a *FileHandle describing the file being
// mutated, and object.Manager mutates that handle's FirstPage/LastPage/
// AvailSpaceList fields in place as pages are allocated, filled, and
// freed.
package object

import (
	"encoding/binary"
	"errors"

	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/slottedpage"
)

// NumBands is the number of available-space bands spec.md §3 buckets
// pages into (the "10/20/30/40/50% classes").
const NumBands = 6

// EOS is the end-of-scan sentinel NextObject/PrevObject return once the
// file's page list is exhausted. It is deliberately not an *errs.Error:
// spec.md §6 calls EOS out as "a sentinel, not an error."
var EOS = errors.New("object: end of scan")

// objHeaderSize is sizeof(ObjectHdr): properties, tag, length, all u16.
const objHeaderSize = 6

// Header is the caller-visible per-object header; Length is filled in
// by CreateObject from the data slice and overwritten by ReadObject
// from what is stored on disk.
type Header struct {
	Properties uint16
	Tag        uint16
	Length     uint16
}

func writeObjHeader(buf []byte, off int16, h Header) {
	binary.LittleEndian.PutUint16(buf[off:], h.Properties)
	binary.LittleEndian.PutUint16(buf[off+2:], h.Tag)
	binary.LittleEndian.PutUint16(buf[off+4:], h.Length)
}

func readObjHeader(buf []byte, off int16) Header {
	return Header{
		Properties: binary.LittleEndian.Uint16(buf[off:]),
		Tag:        binary.LittleEndian.Uint16(buf[off+2:]),
		Length:     binary.LittleEndian.Uint16(buf[off+4:]),
	}
}

// objEntryLen is the slottedpage.EntryLength callback for object pages.
func objEntryLen(buf []byte, off int16) int {
	length := binary.LittleEndian.Uint16(buf[off+4:])
	return objHeaderSize + ids.AlignedLength(int(length))
}

// FileHandle is the in-memory overlay a caller (typically catalog) owns
// and threads through every object.Manager call for one data file — the
// "catObj" of spec.md §4.3. It is not persisted by this package; the
// catalog package is responsible for reading and writing it back.
type FileHandle struct {
	FID            ids.FileID
	Vol            ids.VolumeNo
	FirstPage      ids.PageNo
	LastPage       ids.PageNo
	AvailSpaceList [NumBands]ids.PageNo
}

// Manager is the Object Manager: record CRUD plus page allocation and
// deallocation via a raw-disk collaborator, all mediated through one
// buffer pool.
type Manager struct {
	bufs                 *buffer.Manager
	disk                 disk.Manager
	largeObjectThreshold int
	unique               int32
}

// NewManager builds an Object Manager over bufs/d. largeObjectThreshold
// is the aligned length above which CreateObject rejects a record
// outright (spec.md's Non-goal: "no large-object handling").
func NewManager(bufs *buffer.Manager, d disk.Manager, largeObjectThreshold int) *Manager {
	return &Manager{bufs: bufs, disk: d, largeObjectThreshold: largeObjectThreshold}
}

func (m *Manager) nextUnique() int32 {
	m.unique++
	return m.unique
}

func (m *Manager) pageCapacity() int {
	return m.disk.TrainSize() - slottedpage.HeaderSize
}

// bandOf buckets a page's SP_FREE into one of NumBands bands, relative
// to the page's data capacity.
func bandOf(free, capacity int) int {
	if capacity <= 0 {
		return 0
	}
	pct := free * 100 / capacity
	switch {
	case pct < 10:
		return 0
	case pct < 20:
		return 1
	case pct < 30:
		return 2
	case pct < 40:
		return 3
	case pct < 50:
		return 4
	default:
		return 5
	}
}

func (m *Manager) withPage(vol ids.VolumeNo, pageNo ids.PageNo, fn func([]byte)) error {
	pid := ids.PageID{Vol: vol, Page: pageNo}
	pin, err := m.bufs.GetTrain(pid)
	if err != nil {
		return err
	}
	defer pin.Unfix()
	fn(pin.Bytes())
	pin.SetDirty()
	return nil
}

func (m *Manager) pageFree(pid ids.PageID) (int, error) {
	pin, err := m.bufs.GetTrain(pid)
	if err != nil {
		return 0, err
	}
	defer pin.Unfix()
	return slottedpage.SPFree(pin.Bytes()), nil
}

// CreateFile allocates and formats a brand-new file's first page and
// returns a ready-to-use FileHandle. fid tags every page the file ever
// allocates; it is opaque to object itself and meaningful only to the
// catalog that issued it. The first page is exempt from DestroyObject's
// dealloc path for the file's whole lifetime — only dropping the file
// itself (the caller's responsibility, since object.Manager does not
// know what "the file" means beyond this handle) releases it.
func (m *Manager) CreateFile(vol ids.VolumeNo, fid ids.FileID) (*FileHandle, error) {
	fh := &FileHandle{FID: fid, Vol: vol}
	first, err := m.allocNewPage(fh)
	if err != nil {
		return nil, err
	}
	fh.FirstPage = first
	fh.LastPage = first
	return fh, nil
}

// allocNewPage asks the raw-disk collaborator for one fresh train and
// formats it as an empty slotted page belonging to fh's file. The new
// page is not yet linked into any list.
func (m *Manager) allocNewPage(fh *FileHandle) (ids.PageNo, error) {
	var ext ids.ExtentNo
	if fh.LastPage != ids.NilPage {
		var err error
		ext, err = m.disk.PageIdToExtNo(ids.PageID{Vol: fh.Vol, Page: fh.LastPage})
		if err != nil {
			return 0, err
		}
	}
	near := ids.PageID{Vol: fh.Vol, Page: fh.LastPage}
	pid, err := m.disk.AllocTrains(fh.Vol, ext, near, 0, 1, ids.TypePage)
	if err != nil {
		return 0, err
	}
	pin, err := m.bufs.GetNewTrain(pid)
	if err != nil {
		return 0, err
	}
	defer pin.Unfix()
	slottedpage.Init(pin.Bytes(), pid, 0, fh.FID)
	pin.SetDirty()
	return pid.Page, nil
}

func (m *Manager) appendPageToFileList(fh *FileHandle, newPage ids.PageNo) error {
	if fh.LastPage == ids.NilPage {
		fh.FirstPage = newPage
		fh.LastPage = newPage
		return nil
	}
	oldLast := fh.LastPage
	if err := m.withPage(fh.Vol, oldLast, func(b []byte) { slottedpage.SetNextPage(b, newPage) }); err != nil {
		return err
	}
	if err := m.withPage(fh.Vol, newPage, func(b []byte) { slottedpage.SetPrevPage(b, oldLast) }); err != nil {
		return err
	}
	fh.LastPage = newPage
	return nil
}

func (m *Manager) insertPageAfter(fh *FileHandle, afterPage, newPage ids.PageNo) error {
	var afterNext ids.PageNo
	if err := m.withPage(fh.Vol, afterPage, func(b []byte) {
		afterNext = slottedpage.NextPage(b)
		slottedpage.SetNextPage(b, newPage)
	}); err != nil {
		return err
	}
	if err := m.withPage(fh.Vol, newPage, func(b []byte) {
		slottedpage.SetPrevPage(b, afterPage)
		slottedpage.SetNextPage(b, afterNext)
	}); err != nil {
		return err
	}
	if afterNext != ids.NilPage {
		if err := m.withPage(fh.Vol, afterNext, func(b []byte) { slottedpage.SetPrevPage(b, newPage) }); err != nil {
			return err
		}
	} else {
		fh.LastPage = newPage
	}
	return nil
}

func (m *Manager) unlinkFromFileList(fh *FileHandle, pageNo ids.PageNo) error {
	var prev, next ids.PageNo
	if err := m.withPage(fh.Vol, pageNo, func(b []byte) {
		prev = slottedpage.PrevPage(b)
		next = slottedpage.NextPage(b)
	}); err != nil {
		return err
	}
	if prev != ids.NilPage {
		if err := m.withPage(fh.Vol, prev, func(b []byte) { slottedpage.SetNextPage(b, next) }); err != nil {
			return err
		}
	} else {
		fh.FirstPage = next
	}
	if next != ids.NilPage {
		if err := m.withPage(fh.Vol, next, func(b []byte) { slottedpage.SetPrevPage(b, prev) }); err != nil {
			return err
		}
	} else {
		fh.LastPage = prev
	}
	return nil
}

// removeFromAvailList detaches pageNo from whichever available-space
// band list it currently heads or sits in, a no-op if it is in none.
func (m *Manager) removeFromAvailList(fh *FileHandle, pageNo ids.PageNo) error {
	pid := ids.PageID{Vol: fh.Vol, Page: pageNo}
	pin, err := m.bufs.GetTrain(pid)
	if err != nil {
		return err
	}
	defer pin.Unfix()
	buf := pin.Bytes()

	prev := slottedpage.AvailPrev(buf)
	next := slottedpage.AvailNext(buf)
	headBand := -1
	for i, h := range fh.AvailSpaceList {
		if h == pageNo {
			headBand = i
			break
		}
	}
	if headBand == -1 && prev == ids.NilPage && next == ids.NilPage {
		return nil
	}
	if headBand != -1 {
		fh.AvailSpaceList[headBand] = next
	}
	if prev != ids.NilPage {
		if err := m.withPage(fh.Vol, prev, func(b []byte) { slottedpage.SetAvailNext(b, next) }); err != nil {
			return err
		}
	}
	if next != ids.NilPage {
		if err := m.withPage(fh.Vol, next, func(b []byte) { slottedpage.SetAvailPrev(b, prev) }); err != nil {
			return err
		}
	}
	slottedpage.SetAvailNext(buf, ids.NilPage)
	slottedpage.SetAvailPrev(buf, ids.NilPage)
	pin.SetDirty()
	return nil
}

// reinsertAvailList inserts the already-pinned page at the head of the
// band matching its current SP_FREE.
func (m *Manager) reinsertAvailList(fh *FileHandle, pin *buffer.Pin) error {
	buf := pin.Bytes()
	band := bandOf(slottedpage.SPFree(buf), m.pageCapacity())
	oldHead := fh.AvailSpaceList[band]
	pageNo := slottedpage.PageID(buf).Page

	slottedpage.SetAvailNext(buf, oldHead)
	slottedpage.SetAvailPrev(buf, ids.NilPage)
	fh.AvailSpaceList[band] = pageNo

	if oldHead != ids.NilPage {
		if err := m.withPage(fh.Vol, oldHead, func(b []byte) { slottedpage.SetAvailPrev(b, pageNo) }); err != nil {
			return err
		}
	}
	return nil
}

// selectPage implements spec.md §4.3's five-step page-selection
// algorithm for CreateObject.
func (m *Manager) selectPage(fh *FileHandle, near *ids.ObjectID, need int) (ids.PageNo, error) {
	if near != nil {
		free, err := m.pageFree(ids.PageID{Vol: fh.Vol, Page: near.Page})
		if err != nil {
			return 0, err
		}
		if free >= need {
			return near.Page, nil
		}
		newPage, err := m.allocNewPage(fh)
		if err != nil {
			return 0, err
		}
		if err := m.insertPageAfter(fh, near.Page, newPage); err != nil {
			return 0, err
		}
		return newPage, nil
	}

	for band := 0; band < NumBands; band++ {
		head := fh.AvailSpaceList[band]
		if head == ids.NilPage {
			continue
		}
		free, err := m.pageFree(ids.PageID{Vol: fh.Vol, Page: head})
		if err != nil {
			return 0, err
		}
		if free >= need {
			return head, nil
		}
	}

	if fh.LastPage != ids.NilPage {
		free, err := m.pageFree(ids.PageID{Vol: fh.Vol, Page: fh.LastPage})
		if err != nil {
			return 0, err
		}
		if free >= need {
			return fh.LastPage, nil
		}
	}

	newPage, err := m.allocNewPage(fh)
	if err != nil {
		return 0, err
	}
	if err := m.appendPageToFileList(fh, newPage); err != nil {
		return 0, err
	}
	return newPage, nil
}

func findFreeSlot(buf []byte) int16 {
	n := slottedpage.NSlots(buf)
	for i := int16(0); i < n; i++ {
		if slottedpage.IsEmptySlot(buf, i) {
			return i
		}
	}
	return -1
}

// CreateObject stores a new record in fh, choosing a page per the
// five-step algorithm, compacting if necessary, and returns the new
// object's identity.
func (m *Manager) CreateObject(fh *FileHandle, near *ids.ObjectID, hdr Header, data []byte, dl *dealloc.List) (ids.ObjectID, error) {
	if fh == nil {
		return ids.ObjectID{}, errs.New(errs.Invalid, "object.CreateObject", "nil file handle")
	}
	aligned := ids.AlignedLength(len(data))
	if aligned > m.largeObjectThreshold {
		return ids.ObjectID{}, errs.New(errs.Invalid, "object.CreateObject", "object exceeds large object threshold")
	}
	need := objHeaderSize + aligned + slottedpage.SlotSize

	pageNo, err := m.selectPage(fh, near, need)
	if err != nil {
		return ids.ObjectID{}, err
	}
	if err := m.removeFromAvailList(fh, pageNo); err != nil {
		return ids.ObjectID{}, err
	}

	pid := ids.PageID{Vol: fh.Vol, Page: pageNo}
	pin, err := m.bufs.GetTrain(pid)
	if err != nil {
		return ids.ObjectID{}, err
	}
	defer pin.Unfix()
	buf := pin.Bytes()

	if slottedpage.SPContiguousFree(buf) < need {
		if err := slottedpage.Compact(buf, slottedpage.NoPreserve, objEntryLen); err != nil {
			return ids.ObjectID{}, err
		}
	}

	slot := findFreeSlot(buf)
	if slot == -1 {
		slot = slottedpage.NSlots(buf)
		slottedpage.SetNSlots(buf, slot+1)
	}

	offset := slottedpage.Free(buf)
	unique := m.nextUnique()
	hdr.Length = uint16(len(data))
	writeObjHeader(buf, offset, hdr)
	copy(buf[int(offset)+objHeaderSize:], data)
	slottedpage.SetSlot(buf, slot, offset, unique)
	slottedpage.SetFree(buf, offset+int16(objHeaderSize+aligned))

	if err := m.reinsertAvailList(fh, pin); err != nil {
		return ids.ObjectID{}, err
	}
	pin.SetDirty()

	return ids.ObjectID{Vol: fh.Vol, Page: pageNo, Slot: slot, Unique: unique}, nil
}

func validateSlot(buf []byte, oid ids.ObjectID) error {
	n := slottedpage.NSlots(buf)
	if oid.Slot < 0 || oid.Slot >= n {
		return errs.New(errs.NotFound, "object", "slot out of range")
	}
	if slottedpage.SlotOffset(buf, oid.Slot) == slottedpage.EmptySlot {
		return errs.New(errs.NotFound, "object", "empty slot")
	}
	if slottedpage.SlotUnique(buf, oid.Slot) != oid.Unique {
		return errs.New(errs.NotFound, "object", "stale object id")
	}
	return nil
}

// ReadObject returns the header and data for oid.
func (m *Manager) ReadObject(oid ids.ObjectID) (Header, []byte, error) {
	pid := ids.PageID{Vol: oid.Vol, Page: oid.Page}
	pin, err := m.bufs.GetTrain(pid)
	if err != nil {
		return Header{}, nil, err
	}
	defer pin.Unfix()
	buf := pin.Bytes()
	if err := validateSlot(buf, oid); err != nil {
		return Header{}, nil, err
	}
	off := slottedpage.SlotOffset(buf, oid.Slot)
	h := readObjHeader(buf, off)
	data := make([]byte, h.Length)
	copy(data, buf[int(off)+objHeaderSize:int(off)+objHeaderSize+int(h.Length)])
	return h, data, nil
}

func pageIsEmpty(buf []byte) bool {
	n := slottedpage.NSlots(buf)
	for i := int16(0); i < n; i++ {
		if !slottedpage.IsEmptySlot(buf, i) {
			return false
		}
	}
	return true
}

// DestroyObject removes oid from fh. If the page becomes empty and is
// not the file's first page, it is unlinked from the file list and
// queued on dl for the caller to eventually return to the disk
// allocator; otherwise it is reinserted into the matching
// available-space band.
func (m *Manager) DestroyObject(fh *FileHandle, oid ids.ObjectID, dl *dealloc.List) error {
	if err := m.removeFromAvailList(fh, oid.Page); err != nil {
		return err
	}

	pid := ids.PageID{Vol: fh.Vol, Page: oid.Page}
	pin, err := m.bufs.GetTrain(pid)
	if err != nil {
		return err
	}
	defer pin.Unfix()
	buf := pin.Bytes()

	if err := validateSlot(buf, oid); err != nil {
		return err
	}

	off := slottedpage.SlotOffset(buf, oid.Slot)
	entryLen := objEntryLen(buf, off)
	n := slottedpage.NSlots(buf)
	if oid.Slot == n-1 {
		slottedpage.SetNSlots(buf, n-1)
		slottedpage.SetFree(buf, slottedpage.Free(buf)-int16(entryLen))
	} else {
		slottedpage.SetUnused(buf, slottedpage.Unused(buf)+int16(entryLen))
	}
	slottedpage.SetSlot(buf, oid.Slot, slottedpage.EmptySlot, 0)

	if pageIsEmpty(buf) && oid.Page != fh.FirstPage {
		if err := m.unlinkFromFileList(fh, oid.Page); err != nil {
			return err
		}
		if err := dl.Push(dealloc.Page, pid); err != nil {
			return err
		}
		pin.SetDirty()
		return nil
	}

	if err := m.reinsertAvailList(fh, pin); err != nil {
		return err
	}
	pin.SetDirty()
	return nil
}

// NextObject walks forward from cur (the NilObjectID means "start of
// file") skipping empty slots and crossing pages via nextPage, per
// spec.md §4.3. It returns EOS once the file list is exhausted.
func (m *Manager) NextObject(fh *FileHandle, cur ids.ObjectID) (ids.ObjectID, error) {
	var pageNo ids.PageNo
	var slot int16
	if cur.Nil() {
		pageNo = fh.FirstPage
		slot = 0
	} else {
		pageNo = cur.Page
		slot = cur.Slot + 1
	}
	for pageNo != ids.NilPage {
		pin, err := m.bufs.GetTrain(ids.PageID{Vol: fh.Vol, Page: pageNo})
		if err != nil {
			return ids.ObjectID{}, err
		}
		buf := pin.Bytes()
		n := slottedpage.NSlots(buf)
		for ; slot < n; slot++ {
			if !slottedpage.IsEmptySlot(buf, slot) {
				oid := ids.ObjectID{Vol: fh.Vol, Page: pageNo, Slot: slot, Unique: slottedpage.SlotUnique(buf, slot)}
				pin.Unfix()
				return oid, nil
			}
		}
		nextPage := slottedpage.NextPage(buf)
		pin.Unfix()
		pageNo = nextPage
		slot = 0
	}
	return ids.ObjectID{}, EOS
}

// PrevObject is NextObject's mirror: cur == NilObjectID means "end of
// file."
func (m *Manager) PrevObject(fh *FileHandle, cur ids.ObjectID) (ids.ObjectID, error) {
	var pageNo ids.PageNo
	var slot int16
	atStart := cur.Nil()
	if atStart {
		pageNo = fh.LastPage
	} else {
		pageNo = cur.Page
		slot = cur.Slot - 1
	}
	for pageNo != ids.NilPage {
		pin, err := m.bufs.GetTrain(ids.PageID{Vol: fh.Vol, Page: pageNo})
		if err != nil {
			return ids.ObjectID{}, err
		}
		buf := pin.Bytes()
		if atStart {
			slot = slottedpage.NSlots(buf) - 1
			atStart = false
		}
		for ; slot >= 0; slot-- {
			if !slottedpage.IsEmptySlot(buf, slot) {
				oid := ids.ObjectID{Vol: fh.Vol, Page: pageNo, Slot: slot, Unique: slottedpage.SlotUnique(buf, slot)}
				pin.Unfix()
				return oid, nil
			}
		}
		prevPage := slottedpage.PrevPage(buf)
		pin.Unfix()
		pageNo = prevPage
		atStart = true
	}
	return ids.ObjectID{}, EOS
}

// DropFile queues every page belonging to fh on dl, in file-list order,
// for the caller to eventually return to the disk allocator. It does not
// touch individual objects or available-space bands since the whole file
// is going away; fh must not be used again afterward.
func (m *Manager) DropFile(fh *FileHandle, dl *dealloc.List) error {
	pageNo := fh.FirstPage
	for pageNo != ids.NilPage {
		pid := ids.PageID{Vol: fh.Vol, Page: pageNo}
		pin, err := m.bufs.GetTrain(pid)
		if err != nil {
			return err
		}
		next := slottedpage.NextPage(pin.Bytes())
		pin.Unfix()
		if err := dl.Push(dealloc.Page, pid); err != nil {
			return err
		}
		pageNo = next
	}
	fh.FirstPage = ids.NilPage
	fh.LastPage = ids.NilPage
	return nil
}
