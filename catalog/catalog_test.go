package catalog

import (
	"bytes"
	"testing"

	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/object"
)

const testPageSize = 256

func newTestStore(t *testing.T, nbufs int) (*Store, *object.Manager) {
	t.Helper()
	d, err := disk.NewMemManager(1, testPageSize)
	if err != nil {
		t.Fatalf("NewMemManager: %v", err)
	}
	bufs, err := buffer.NewManager(d, ids.TypePage, nbufs)
	if err != nil {
		t.Fatalf("buffer.NewManager: %v", err)
	}
	om := object.NewManager(bufs, d, 128)
	s, err := Bootstrap(om, 1)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	return s, om
}

func TestBootstrapLandsOnFirstTrain(t *testing.T) {
	s, _ := newTestStore(t, 8)
	if s.FileHandle().FirstPage != 1 {
		t.Fatalf("catalog's own file should land on the volume's first train, got page %v", s.FileHandle().FirstPage)
	}
}

func TestCreateDataFileRoundTrip(t *testing.T) {
	s, om := newTestStore(t, 8)

	fid, fh, err := s.CreateDataFile()
	if err != nil {
		t.Fatalf("CreateDataFile: %v", err)
	}
	dl := dealloc.NewList(dealloc.NewPool(16))
	oid, err := om.CreateObject(fh, nil, object.Header{}, []byte("hello"), dl)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	got, err := s.DataFile(fid)
	if err != nil {
		t.Fatalf("DataFile: %v", err)
	}
	if got != fh {
		t.Fatalf("DataFile returned a different handle than CreateDataFile")
	}
	_, data, err := om.ReadObject(oid)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if !bytes.Equal(data, []byte("hello")) {
		t.Fatalf("data mismatch: %q", data)
	}
}

func TestDataFileUnknownFIDFails(t *testing.T) {
	s, _ := newTestStore(t, 8)
	if _, err := s.DataFile(NewFileID()); err == nil {
		t.Fatalf("expected lookup failure for an unregistered file id")
	}
}

func TestSyncDataFilePersistsMutatedHandle(t *testing.T) {
	s, om := newTestStore(t, 8)
	fid, fh, err := s.CreateDataFile()
	if err != nil {
		t.Fatalf("CreateDataFile: %v", err)
	}
	dl := dealloc.NewList(dealloc.NewPool(16))
	large := bytes.Repeat([]byte("x"), 128)
	for i := 0; i < 2; i++ {
		if _, err := om.CreateObject(fh, nil, object.Header{}, large, dl); err != nil {
			t.Fatalf("CreateObject %d: %v", i, err)
		}
	}
	if fh.LastPage == fh.FirstPage {
		t.Fatalf("expected the second large object to spill onto a new page")
	}
	if err := s.SyncDataFile(fh); err != nil {
		t.Fatalf("SyncDataFile: %v", err)
	}

	// Reopen the catalog from its own persisted file handle and check the
	// mutated snapshot survived.
	reopened, err := Open(om, 1, s.FileHandle())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := reopened.DataFile(fid)
	if err != nil {
		t.Fatalf("DataFile after reopen: %v", err)
	}
	if got.LastPage != fh.LastPage || got.FirstPage != fh.FirstPage {
		t.Fatalf("reopened handle mismatch: got %+v, want first=%v last=%v", got, fh.FirstPage, fh.LastPage)
	}
}

func TestDropDataFileRemovesEntry(t *testing.T) {
	s, _ := newTestStore(t, 8)
	fid, _, err := s.CreateDataFile()
	if err != nil {
		t.Fatalf("CreateDataFile: %v", err)
	}
	dl := dealloc.NewList(dealloc.NewPool(16))
	if err := s.DropDataFile(fid, dl); err != nil {
		t.Fatalf("DropDataFile: %v", err)
	}
	if dl.Empty() {
		t.Fatalf("expected DropDataFile to queue at least the file's first page")
	}
	if _, err := s.DataFile(fid); err == nil {
		t.Fatalf("expected DataFile to fail after DropDataFile")
	}
}

func TestRegisterAndReopenIndexFile(t *testing.T) {
	s, _ := newTestStore(t, 8)
	fid := NewFileID()
	if err := s.RegisterIndexFile(fid, 7, 7); err != nil {
		t.Fatalf("RegisterIndexFile: %v", err)
	}
	got, err := s.IndexFile(fid)
	if err != nil {
		t.Fatalf("IndexFile: %v", err)
	}
	if got.FirstPage != 7 || got.RootPage != 7 {
		t.Fatalf("index entry mismatch: %+v", got)
	}
	if err := s.DropIndexFile(fid); err != nil {
		t.Fatalf("DropIndexFile: %v", err)
	}
	if _, err := s.IndexFile(fid); err == nil {
		t.Fatalf("expected IndexFile to fail after DropIndexFile")
	}
}

func TestFileIDStringRoundTrip(t *testing.T) {
	fid := NewFileID()
	parsed, err := ParseFileID(String(fid))
	if err != nil {
		t.Fatalf("ParseFileID: %v", err)
	}
	if parsed != fid {
		t.Fatalf("round trip mismatch: got %v, want %v", parsed, fid)
	}
}
