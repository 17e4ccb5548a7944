package object

import (
	"bytes"
	"errors"
	"testing"

	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/slottedpage"
)

const testPageSize = 256

func newTestManager(t *testing.T, nbufs int) (*Manager, *FileHandle, *dealloc.List) {
	t.Helper()
	d, err := disk.NewMemManager(1, testPageSize)
	if err != nil {
		t.Fatalf("NewMemManager: %v", err)
	}
	bufs, err := buffer.NewManager(d, ids.TypePage, nbufs)
	if err != nil {
		t.Fatalf("buffer.NewManager: %v", err)
	}
	m := NewManager(bufs, d, 128)

	fh := &FileHandle{Vol: 1}
	newPage, err := m.allocNewPage(fh)
	if err != nil {
		t.Fatalf("allocNewPage: %v", err)
	}
	fh.FirstPage = newPage
	fh.LastPage = newPage

	pool := dealloc.NewPool(16)
	dl := dealloc.NewList(pool)
	return m, fh, dl
}

// TestSingleInsertRead is spec.md §8 scenario 1.
func TestSingleInsertRead(t *testing.T) {
	m, fh, dl := newTestManager(t, 4)
	data := bytes.Repeat([]byte("A"), 100)

	oid, err := m.CreateObject(fh, nil, Header{Tag: 0}, data, dl)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}

	got, err := m.NextObject(fh, ids.NilObjectID)
	if err != nil {
		t.Fatalf("NextObject: %v", err)
	}
	if got != oid {
		t.Fatalf("NextObject returned %v, want %v", got, oid)
	}

	hdr, readBack, err := m.ReadObject(oid)
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if hdr.Length != 100 || hdr.Tag != 0 {
		t.Fatalf("header mismatch: %+v", hdr)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("data mismatch")
	}

	if _, err := m.NextObject(fh, oid); !errors.Is(err, EOS) {
		t.Fatalf("NextObject past last object: got %v, want EOS", err)
	}
}

func TestCreateObjectRejectsOversized(t *testing.T) {
	m, fh, dl := newTestManager(t, 4)
	big := make([]byte, 200)
	if _, err := m.CreateObject(fh, nil, Header{}, big, dl); err == nil {
		t.Fatalf("expected rejection of oversized object")
	}
}

func TestDestroyThenReadFails(t *testing.T) {
	m, fh, dl := newTestManager(t, 4)
	oid, err := m.CreateObject(fh, nil, Header{}, []byte("hello"), dl)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := m.DestroyObject(fh, oid, dl); err != nil {
		t.Fatalf("DestroyObject: %v", err)
	}
	if _, _, err := m.ReadObject(oid); err == nil {
		t.Fatalf("expected ReadObject to fail after destroy")
	}
}

func TestCreateObjectSpillsToNewPage(t *testing.T) {
	m, fh, dl := newTestManager(t, 8)
	var oids []ids.ObjectID
	payload := bytes.Repeat([]byte("x"), 40)
	for i := 0; i < 10; i++ {
		oid, err := m.CreateObject(fh, nil, Header{}, payload, dl)
		if err != nil {
			t.Fatalf("CreateObject %d: %v", i, err)
		}
		oids = append(oids, oid)
	}
	if fh.LastPage == fh.FirstPage {
		t.Fatalf("expected the file to have spilled onto a second page")
	}

	cur := ids.NilObjectID
	var seen []ids.ObjectID
	for {
		next, err := m.NextObject(fh, cur)
		if errors.Is(err, EOS) {
			break
		}
		if err != nil {
			t.Fatalf("NextObject: %v", err)
		}
		seen = append(seen, next)
		cur = next
	}
	if len(seen) != len(oids) {
		t.Fatalf("NextObject walk saw %d objects, want %d", len(seen), len(oids))
	}
}

func TestDestroyObjectNeverRemovesFirstPage(t *testing.T) {
	m, fh, dl := newTestManager(t, 8)
	oid, err := m.CreateObject(fh, nil, Header{}, []byte("lonely"), dl)
	if err != nil {
		t.Fatalf("CreateObject: %v", err)
	}
	if err := m.DestroyObject(fh, oid, dl); err != nil {
		t.Fatalf("DestroyObject: %v", err)
	}
	if fh.FirstPage == ids.NilPage {
		t.Fatalf("first page must never be freed, even when empty")
	}
	if !dl.Empty() {
		t.Fatalf("first page must not be queued for dealloc")
	}
}

// TestAvailSpaceListCoherence checks spec.md §8's available-space-list
// coherence property after a batch of creates that fills a second page:
// every page listed in a band list sits in the band whose bounds match
// its SP_FREE.
func TestAvailSpaceListCoherence(t *testing.T) {
	m, fh, dl := newTestManager(t, 8)
	payload := bytes.Repeat([]byte("y"), 30)
	for i := 0; i < 6; i++ {
		if _, err := m.CreateObject(fh, nil, Header{}, payload, dl); err != nil {
			t.Fatalf("CreateObject %d: %v", i, err)
		}
	}

	found := 0
	for band, head := range fh.AvailSpaceList {
		p := head
		for p != ids.NilPage {
			found++
			pin, err := m.bufs.GetTrain(ids.PageID{Vol: fh.Vol, Page: p})
			if err != nil {
				t.Fatalf("GetTrain: %v", err)
			}
			if got := bandOf(slottedpage.SPFree(pin.Bytes()), m.pageCapacity()); got != band {
				t.Fatalf("page %d is listed in band %d but its SP_FREE belongs in band %d", p, band, got)
			}
			p = slottedpage.AvailNext(pin.Bytes())
			pin.Unfix()
		}
	}
	if found == 0 {
		t.Fatalf("expected at least one page registered in an available-space list")
	}
}
