// Package catalog implements the volume/file registry spec.md §6 treats
// as an external collaborator: a thin wrapper around the Object Manager
// that persists a DataFileEntry or IndexFileEntry per registered file,
// keyed by a FileID, on a dedicated catalog file pinned at the first
// train ever allocated on the volume. Store is a client of object.Manager,
// never a parallel storage path, matching the teacher's own OpenCatalog
// (pager/catalog.go), which stores catalog rows through its own page
// layer rather than beside it.
package catalog

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/object"
)

// NewFileID mints a fresh file identifier, grounded on the teacher's
// uuid_helpers.go, which exists purely to hand out and parse uuid.UUID
// values.
func NewFileID() ids.FileID {
	return ids.FileID(uuid.New())
}

// ParseFileID parses a canonical UUID string into a FileID.
func ParseFileID(s string) (ids.FileID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ids.FileID{}, errs.Wrap(errs.Invalid, "catalog.ParseFileID", "malformed file id", err)
	}
	return ids.FileID(u), nil
}

// String renders fid as a canonical UUID string.
func String(fid ids.FileID) string { return uuid.UUID(fid).String() }

// entryKind distinguishes the two overlay shapes a catalog object can
// hold; stored in the persisted object's Header.Properties field.
type entryKind uint16

const (
	kindData entryKind = iota
	kindIndex
)

// DataFileEntry is sm_CatOverlayForData: the persisted snapshot of an
// object.FileHandle, named by FID.
type DataFileEntry struct {
	FID            ids.FileID
	FirstPage      ids.PageNo
	LastPage       ids.PageNo
	AvailSpaceList [object.NumBands]ids.PageNo
}

func (e DataFileEntry) encode() []byte {
	buf := make([]byte, 16+4+4+object.NumBands*4)
	copy(buf, e.FID[:])
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.FirstPage))
	binary.LittleEndian.PutUint32(buf[20:], uint32(e.LastPage))
	for i, p := range e.AvailSpaceList {
		binary.LittleEndian.PutUint32(buf[24+i*4:], uint32(p))
	}
	return buf
}

func decodeDataFileEntry(buf []byte) DataFileEntry {
	var e DataFileEntry
	copy(e.FID[:], buf[:16])
	e.FirstPage = ids.PageNo(binary.LittleEndian.Uint32(buf[16:]))
	e.LastPage = ids.PageNo(binary.LittleEndian.Uint32(buf[20:]))
	for i := range e.AvailSpaceList {
		e.AvailSpaceList[i] = ids.PageNo(binary.LittleEndian.Uint32(buf[24+i*4:]))
	}
	return e
}

func dataEntryFromHandle(fh *object.FileHandle) DataFileEntry {
	return DataFileEntry{
		FID:            fh.FID,
		FirstPage:      fh.FirstPage,
		LastPage:       fh.LastPage,
		AvailSpaceList: fh.AvailSpaceList,
	}
}

func (e DataFileEntry) handle(vol ids.VolumeNo) *object.FileHandle {
	return &object.FileHandle{
		FID:            e.FID,
		Vol:            vol,
		FirstPage:      e.FirstPage,
		LastPage:       e.LastPage,
		AvailSpaceList: e.AvailSpaceList,
	}
}

// IndexFileEntry is sm_CatOverlayForBtree: the persisted snapshot of a
// B+ tree's allocation footprint, named by FID. FirstPage names the
// tree's very first allocated page (its lifetime root PageID, per the
// root-stability invariant the btree package maintains); RootPage is
// carried separately since a future rebuild could in principle relocate
// it, even though today's btree never does.
type IndexFileEntry struct {
	FID       ids.FileID
	FirstPage ids.PageNo
	RootPage  ids.PageNo
}

func (e IndexFileEntry) encode() []byte {
	buf := make([]byte, 16+4+4)
	copy(buf, e.FID[:])
	binary.LittleEndian.PutUint32(buf[16:], uint32(e.FirstPage))
	binary.LittleEndian.PutUint32(buf[20:], uint32(e.RootPage))
	return buf
}

func decodeIndexFileEntry(buf []byte) IndexFileEntry {
	var e IndexFileEntry
	copy(e.FID[:], buf[:16])
	e.FirstPage = ids.PageNo(binary.LittleEndian.Uint32(buf[16:]))
	e.RootPage = ids.PageNo(binary.LittleEndian.Uint32(buf[20:]))
	return e
}

// record is the in-memory index entry Store keeps per registered file:
// where its snapshot lives in the catalog's own object storage, and
// what kind of overlay it decodes to. The catalog has no secondary
// index structure of its own to look itself up by, so this map is the
// whole of its bookkeeping.
type record struct {
	kind entryKind
	oid  ids.ObjectID
}

// Store is the catalog registry for one volume. It owns its own
// object.FileHandle, bootstrapped on the volume's very first allocated
// page, distinct from every data/index file it registers.
type Store struct {
	om  *object.Manager
	vol ids.VolumeNo
	fh  *object.FileHandle

	handles map[ids.FileID]*object.FileHandle // live data-file handles
	entries map[ids.FileID]record
}

// Bootstrap creates a brand-new, empty catalog for vol. Callers must
// invoke this exactly once per fresh volume, before registering any
// data or index file, so the catalog's own storage lands on train 1 —
// the first train disk.Manager ever hands out on that volume.
func Bootstrap(om *object.Manager, vol ids.VolumeNo) (*Store, error) {
	fh, err := om.CreateFile(vol, ids.NilFileID)
	if err != nil {
		return nil, errs.Wrap(errs.IO, "catalog.Bootstrap", "allocate catalog file", err)
	}
	return &Store{
		om:      om,
		vol:     vol,
		fh:      fh,
		handles: make(map[ids.FileID]*object.FileHandle),
		entries: make(map[ids.FileID]record),
	}, nil
}

// Open reopens an existing catalog whose own file handle snapshot
// (typically persisted alongside the volume header) is fh, and rebuilds
// the in-memory FID index by walking every object in it.
func Open(om *object.Manager, vol ids.VolumeNo, fh *object.FileHandle) (*Store, error) {
	s := &Store{
		om:      om,
		vol:     vol,
		fh:      fh,
		handles: make(map[ids.FileID]*object.FileHandle),
		entries: make(map[ids.FileID]record),
	}
	cur := ids.NilObjectID
	for {
		oid, err := om.NextObject(fh, cur)
		if err == object.EOS {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.IO, "catalog.Open", "scan catalog", err)
		}
		hdr, data, err := om.ReadObject(oid)
		if err != nil {
			return nil, errs.Wrap(errs.IO, "catalog.Open", "read catalog entry", err)
		}
		kind := entryKind(hdr.Properties)
		var fid ids.FileID
		switch kind {
		case kindData:
			e := decodeDataFileEntry(data)
			fid = e.FID
			s.handles[fid] = e.handle(vol)
		case kindIndex:
			e := decodeIndexFileEntry(data)
			fid = e.FID
		default:
			return nil, errs.New(errs.Integrity, "catalog.Open", "unknown catalog entry kind")
		}
		s.entries[fid] = record{kind: kind, oid: oid}
		cur = oid
	}
	return s, nil
}

// FileHandle returns fh's own live object.FileHandle, so a caller can
// persist a fresh copy of this catalog's backing store alongside the
// volume header for a later Open.
func (s *Store) FileHandle() *object.FileHandle { return s.fh }

func (s *Store) put(fid ids.FileID, kind entryKind, data []byte) error {
	if old, ok := s.entries[fid]; ok {
		if err := s.om.DestroyObject(s.fh, old.oid, noopDealloc()); err != nil {
			return errs.Wrap(errs.IO, "catalog.put", "replace catalog entry", err)
		}
	}
	oid, err := s.om.CreateObject(s.fh, nil, object.Header{Properties: uint16(kind)}, data, noopDealloc())
	if err != nil {
		return errs.Wrap(errs.IO, "catalog.put", "persist catalog entry", err)
	}
	s.entries[fid] = record{kind: kind, oid: oid}
	return nil
}

// noopDealloc hands CreateObject/DestroyObject a scratch dealloc.List
// for the catalog's own bookkeeping pages. The catalog's own file never
// shrinks to zero pages in practice (its entries are small and few), so
// these pages are never expected to be queued; a dedicated throwaway
// list keeps that expectation from silently leaking into a caller's
// real dealloc list.
func noopDealloc() *dealloc.List {
	return dealloc.NewList(dealloc.NewPool(4))
}

// CreateDataFile allocates a brand-new data file, registers it under a
// freshly minted FID, and returns both. The returned *object.FileHandle
// is the live handle object.Manager mutates as pages are allocated and
// freed; call Sync to persist its current snapshot.
func (s *Store) CreateDataFile() (ids.FileID, *object.FileHandle, error) {
	fid := NewFileID()
	fh, err := s.om.CreateFile(s.vol, fid)
	if err != nil {
		return ids.FileID{}, nil, errs.Wrap(errs.IO, "catalog.CreateDataFile", "allocate data file", err)
	}
	if err := s.put(fid, kindData, dataEntryFromHandle(fh).encode()); err != nil {
		return ids.FileID{}, nil, err
	}
	s.handles[fid] = fh
	return fid, fh, nil
}

// DataFile returns the live *object.FileHandle for a previously created
// or reopened data file.
func (s *Store) DataFile(fid ids.FileID) (*object.FileHandle, error) {
	fh, ok := s.handles[fid]
	if !ok {
		return nil, errs.New(errs.NotFound, "catalog.DataFile", "no such data file")
	}
	return fh, nil
}

// SyncDataFile re-persists fh's current snapshot under its own FID,
// matching the engine-wide rule that nothing beyond an explicit flush is
// durable.
func (s *Store) SyncDataFile(fh *object.FileHandle) error {
	return s.put(fh.FID, kindData, dataEntryFromHandle(fh).encode())
}

// DropDataFile queues every page belonging to fid's data file on dl and
// removes its catalog entry. fid must not be used again afterward.
func (s *Store) DropDataFile(fid ids.FileID, dl *dealloc.List) error {
	fh, ok := s.handles[fid]
	if !ok {
		return errs.New(errs.NotFound, "catalog.DropDataFile", "no such data file")
	}
	if err := s.om.DropFile(fh, dl); err != nil {
		return errs.Wrap(errs.IO, "catalog.DropDataFile", "drop data file pages", err)
	}
	rec := s.entries[fid]
	if err := s.om.DestroyObject(s.fh, rec.oid, noopDealloc()); err != nil {
		return errs.Wrap(errs.IO, "catalog.DropDataFile", "remove catalog entry", err)
	}
	delete(s.handles, fid)
	delete(s.entries, fid)
	return nil
}

// RegisterIndexFile records a B+ tree's allocation footprint under fid.
// btree.Tree owns its own page allocation directly through disk.Manager,
// so the caller mints fid, creates the tree (via btree.CreateIndex using
// the same fid as the tree's page tag), and passes its first page and
// root here rather than the catalog allocating anything on the tree's
// behalf.
func (s *Store) RegisterIndexFile(fid ids.FileID, firstPage, rootPage ids.PageNo) error {
	e := IndexFileEntry{FID: fid, FirstPage: firstPage, RootPage: rootPage}
	return s.put(fid, kindIndex, e.encode())
}

// IndexFile returns the persisted snapshot for a previously registered
// index file, typically used to reopen it via btree.OpenIndex.
func (s *Store) IndexFile(fid ids.FileID) (IndexFileEntry, error) {
	rec, ok := s.entries[fid]
	if !ok || rec.kind != kindIndex {
		return IndexFileEntry{}, errs.New(errs.NotFound, "catalog.IndexFile", "no such index file")
	}
	_, data, err := s.om.ReadObject(rec.oid)
	if err != nil {
		return IndexFileEntry{}, errs.Wrap(errs.IO, "catalog.IndexFile", "read index entry", err)
	}
	return decodeIndexFileEntry(data), nil
}

// DropIndexFile removes fid's catalog entry. Freeing the tree's own
// pages is the caller's job via btree.Tree.DropIndex, since Store never
// holds a live *btree.Tree (importing btree here would cycle back
// through object, which btree already depends on).
func (s *Store) DropIndexFile(fid ids.FileID) error {
	rec, ok := s.entries[fid]
	if !ok || rec.kind != kindIndex {
		return errs.New(errs.NotFound, "catalog.DropIndexFile", "no such index file")
	}
	if err := s.om.DestroyObject(s.fh, rec.oid, noopDealloc()); err != nil {
		return errs.Wrap(errs.IO, "catalog.DropIndexFile", "remove catalog entry", err)
	}
	delete(s.entries, fid)
	return nil
}

// SyncAll re-persists every live data-file handle's current snapshot, a
// single explicit-flush point a caller invokes before closing the
// volume.
func (s *Store) SyncAll() error {
	for _, fh := range s.handles {
		if err := s.SyncDataFile(fh); err != nil {
			return err
		}
	}
	return nil
}
