package buffer

import (
	"bytes"
	"testing"

	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/ids"
)

func newTestPool(t *testing.T, nbufs int) (*Manager, *disk.MemManager) {
	t.Helper()
	d, err := disk.NewMemManager(1, 128)
	if err != nil {
		t.Fatalf("NewMemManager: %v", err)
	}
	m, err := NewManager(d, ids.TypePage, nbufs)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, d
}

func pid(n ids.PageNo) ids.PageID { return ids.PageID{Vol: 1, Page: n} }

// TestSecondChanceEviction is spec.md §8 scenario 5, verbatim: a pool of
// 3 buffers, pages A,B,C pinned then unpinned (REFER set on each), then
// pinning D must clear REFER on A,B,C on the first scan and evict A on
// the second pass, leaving {B,C,D} resident.
func TestSecondChanceEviction(t *testing.T) {
	m, _ := newTestPool(t, 3)

	a, b, c := pid(1), pid(2), pid(3)
	for _, p := range []ids.PageID{a, b, c} {
		pin, err := m.GetTrain(p)
		if err != nil {
			t.Fatalf("GetTrain(%v): %v", p, err)
		}
		if err := pin.Unfix(); err != nil {
			t.Fatalf("Unfix(%v): %v", p, err)
		}
	}

	d := pid(4)
	pinD, err := m.GetTrain(d)
	if err != nil {
		t.Fatalf("GetTrain(D): %v", err)
	}
	defer pinD.Unfix()

	if idx := m.lookup(a); idx != nilFrame {
		t.Fatalf("A should have been evicted, still resident at frame %d", idx)
	}
	for _, p := range []ids.PageID{b, c, d} {
		if idx := m.lookup(p); idx == nilFrame {
			t.Fatalf("%v should still be resident", p)
		}
	}
}

// TestDirtyFlushRoundTrip is spec.md §8 scenario 6: GetNewTrain, fill
// with 0xAB, SetDirty, FreeTrain, FlushAll, DiscardAll, then GetTrain
// must read back 0xAB from disk.
func TestDirtyFlushRoundTrip(t *testing.T) {
	m, d := newTestPool(t, 2)

	p := pid(1)
	pin, err := m.GetNewTrain(p)
	if err != nil {
		t.Fatalf("GetNewTrain: %v", err)
	}
	buf := pin.Bytes()
	for i := range buf {
		buf[i] = 0xAB
	}
	pin.SetDirty()
	if err := pin.Unfix(); err != nil {
		t.Fatalf("Unfix: %v", err)
	}
	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}
	m.DiscardAll()

	pin2, err := m.GetTrain(p)
	if err != nil {
		t.Fatalf("GetTrain after discard: %v", err)
	}
	defer pin2.Unfix()
	want := bytes.Repeat([]byte{0xAB}, d.TrainSize())
	if !bytes.Equal(pin2.Bytes(), want) {
		t.Fatalf("round trip through disk lost data")
	}
}

func TestFreeTrainNotResidentFails(t *testing.T) {
	m, _ := newTestPool(t, 2)
	if err := m.FreeTrain(pid(99)); err == nil {
		t.Fatalf("expected error freeing a non-resident page")
	}
}

func TestFreeTrainDoubleFreeFails(t *testing.T) {
	m, _ := newTestPool(t, 2)
	p := pid(1)
	pin, err := m.GetNewTrain(p)
	if err != nil {
		t.Fatalf("GetNewTrain: %v", err)
	}
	if err := pin.Unfix(); err != nil {
		t.Fatalf("first Unfix: %v", err)
	}
	if err := m.FreeTrain(p); err == nil {
		t.Fatalf("expected error on double free via raw FreeTrain")
	}
}

func TestAllocTrainFailsWhenAllFixed(t *testing.T) {
	m, _ := newTestPool(t, 2)
	pin1, err := m.GetNewTrain(pid(1))
	if err != nil {
		t.Fatalf("GetNewTrain: %v", err)
	}
	defer pin1.Unfix()
	pin2, err := m.GetNewTrain(pid(2))
	if err != nil {
		t.Fatalf("GetNewTrain: %v", err)
	}
	defer pin2.Unfix()

	if _, err := m.GetTrain(pid(3)); err == nil {
		t.Fatalf("expected capacity error when every frame is pinned")
	}
}

func TestHashTableCorrespondence(t *testing.T) {
	m, _ := newTestPool(t, 4)
	var pins []*Pin
	pages := []ids.PageID{pid(1), pid(2), pid(3), pid(4)}
	for _, p := range pages {
		pin, err := m.GetNewTrain(p)
		if err != nil {
			t.Fatalf("GetNewTrain(%v): %v", p, err)
		}
		pins = append(pins, pin)
	}
	for i, p := range pages {
		idx := m.lookup(p)
		if idx == nilFrame {
			t.Fatalf("%v not found via lookup", p)
		}
		if m.frames[idx].Key != p {
			t.Fatalf("frame %d key mismatch", idx)
		}
		_ = i
	}
	for _, pin := range pins {
		pin.Unfix()
	}
}

func TestGetTrainHitIncrementsFixCount(t *testing.T) {
	m, _ := newTestPool(t, 2)
	p := pid(1)
	pin1, err := m.GetNewTrain(p)
	if err != nil {
		t.Fatalf("GetNewTrain: %v", err)
	}
	pin2, err := m.GetTrain(p)
	if err != nil {
		t.Fatalf("GetTrain (hit): %v", err)
	}
	idx := m.lookup(p)
	if m.frames[idx].NFixed != 2 {
		t.Fatalf("NFixed = %d, want 2", m.frames[idx].NFixed)
	}
	pin1.Unfix()
	if m.frames[idx].NFixed != 1 {
		t.Fatalf("NFixed after one Unfix = %d, want 1", m.frames[idx].NFixed)
	}
	pin2.Unfix()
}
