package btree

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/ids"
)

const testTrainSize = 256

func newTestTree(t *testing.T, nbufs int) (*Tree, *dealloc.List) {
	t.Helper()
	d, err := disk.NewMemManager(1, testTrainSize)
	if err != nil {
		t.Fatalf("NewMemManager: %v", err)
	}
	bufs, err := buffer.NewManager(d, ids.TypePage, nbufs)
	if err != nil {
		t.Fatalf("buffer.NewManager: %v", err)
	}
	tr, err := CreateIndex(bufs, d, 1, ids.NilFileID)
	if err != nil {
		t.Fatalf("CreateIndex: %v", err)
	}
	dl := dealloc.NewList(dealloc.NewPool(64))
	return tr, dl
}

func oidFor(n int) ids.ObjectID {
	return ids.ObjectID{Vol: 1, Page: ids.PageNo(n + 1), Slot: 0, Unique: int32(n)}
}

func key(n int) []byte { return []byte(fmt.Sprintf("k%04d", n)) }

func TestInsertAndFetchEQRoundTrip(t *testing.T) {
	tr, _ := newTestTree(t, 16)
	if err := tr.InsertObject(key(1), oidFor(1)); err != nil {
		t.Fatalf("InsertObject: %v", err)
	}
	cur, err := tr.Fetch(key(1), EQ, nil, EQ)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !cur.OK() {
		t.Fatalf("expected cursor positioned on inserted key")
	}
	if !bytes.Equal(cur.Key(), key(1)) || cur.ObjectID() != oidFor(1) {
		t.Fatalf("cursor mismatch: key=%q oid=%v", cur.Key(), cur.ObjectID())
	}
}

func TestInsertDuplicateKeyRejected(t *testing.T) {
	tr, _ := newTestTree(t, 16)
	if err := tr.InsertObject(key(1), oidFor(1)); err != nil {
		t.Fatalf("InsertObject: %v", err)
	}
	if err := tr.InsertObject(key(1), oidFor(2)); err == nil {
		t.Fatalf("expected duplicate-key rejection")
	}
}

func TestFetchMissingKeyEQReturnsEOS(t *testing.T) {
	tr, _ := newTestTree(t, 16)
	cur, err := tr.Fetch(key(1), EQ, nil, EQ)
	if err != nil {
		t.Fatalf("Fetch on empty tree: %v", err)
	}
	if cur.OK() {
		t.Fatalf("expected end-of-scan on an empty tree")
	}
}

// TestSplitForcesNewLeafAndRootGrows inserts enough entries into a small
// page to force at least one leaf split and a root grow, then checks
// every inserted key is still independently fetchable and the root's
// PageID never changed.
func TestSplitForcesNewLeafAndRootGrows(t *testing.T) {
	tr, _ := newTestTree(t, 32)
	origRoot := tr.Root()

	const n = 40
	for i := 0; i < n; i++ {
		if err := tr.InsertObject(key(i), oidFor(i)); err != nil {
			t.Fatalf("InsertObject(%d): %v", i, err)
		}
	}
	if tr.Root() != origRoot {
		t.Fatalf("root PageID changed across splits: got %v, want %v", tr.Root(), origRoot)
	}

	for i := 0; i < n; i++ {
		cur, err := tr.Fetch(key(i), EQ, nil, EQ)
		if err != nil {
			t.Fatalf("Fetch(%d): %v", i, err)
		}
		if !cur.OK() {
			t.Fatalf("key %d not found after splits", i)
		}
		if cur.ObjectID() != oidFor(i) {
			t.Fatalf("key %d resolved to wrong object: %v", i, cur.ObjectID())
		}
	}
}

// TestRangeScanForwardAndBackward is the B+ tree's range-scan scenario:
// insert out of order, then walk the whole key space ascending via
// Fetch/FetchNext and descending via FetchPrev, checking ordering.
func TestRangeScanForwardAndBackward(t *testing.T) {
	tr, _ := newTestTree(t, 32)
	order := []int{5, 1, 9, 3, 7, 0, 8, 2, 6, 4}
	for _, i := range order {
		if err := tr.InsertObject(key(i), oidFor(i)); err != nil {
			t.Fatalf("InsertObject(%d): %v", i, err)
		}
	}

	cur, err := tr.Fetch(key(0), GE, nil, GE)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	var seen []string
	for cur.OK() {
		seen = append(seen, string(cur.Key()))
		if err := cur.FetchNext(nil, GE); err != nil {
			t.Fatalf("FetchNext: %v", err)
		}
	}
	if len(seen) != 10 {
		t.Fatalf("forward scan saw %d entries, want 10", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i-1] >= seen[i] {
			t.Fatalf("forward scan not ascending at %d: %q >= %q", i, seen[i-1], seen[i])
		}
	}

	cur, err = tr.Fetch(key(9), LE, nil, LE)
	if err != nil {
		t.Fatalf("Fetch backward start: %v", err)
	}
	var back []string
	for cur.OK() {
		back = append(back, string(cur.Key()))
		if err := cur.FetchPrev(nil, LE); err != nil {
			t.Fatalf("FetchPrev: %v", err)
		}
	}
	if len(back) != 10 {
		t.Fatalf("backward scan saw %d entries, want 10", len(back))
	}
	for i := 1; i < len(back); i++ {
		if back[i-1] <= back[i] {
			t.Fatalf("backward scan not descending at %d", i)
		}
	}
}

func TestRangeScanRespectsStopBound(t *testing.T) {
	tr, _ := newTestTree(t, 32)
	for i := 0; i < 10; i++ {
		if err := tr.InsertObject(key(i), oidFor(i)); err != nil {
			t.Fatalf("InsertObject(%d): %v", i, err)
		}
	}
	cur, err := tr.Fetch(key(2), GE, key(5), LT)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	count := 0
	for cur.OK() {
		count++
		if err := cur.FetchNext(key(5), LT); err != nil {
			t.Fatalf("FetchNext: %v", err)
		}
	}
	if count != 3 {
		t.Fatalf("bounded scan saw %d entries, want 3 (keys 2,3,4)", count)
	}
}

// TestDeleteThenFetchFails checks straightforward delete-and-verify
// without triggering any rebalancing.
func TestDeleteThenFetchFails(t *testing.T) {
	tr, dl := newTestTree(t, 16)
	if err := tr.InsertObject(key(1), oidFor(1)); err != nil {
		t.Fatalf("InsertObject: %v", err)
	}
	if err := tr.DeleteObject(key(1), dl); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	cur, err := tr.Fetch(key(1), EQ, nil, EQ)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if cur.OK() {
		t.Fatalf("expected key to be gone after delete")
	}
}

func TestDeleteMissingKeyFails(t *testing.T) {
	tr, dl := newTestTree(t, 16)
	if err := tr.InsertObject(key(1), oidFor(1)); err != nil {
		t.Fatalf("InsertObject: %v", err)
	}
	if err := tr.DeleteObject(key(2), dl); err == nil {
		t.Fatalf("expected error deleting a key that was never inserted")
	}
}

// TestDeleteToUnderflowCollapsesParent builds a tree wide enough to
// split into several leaves, then deletes two of every three keys,
// checking every survivor is still reachable and the root never lost
// its PageID (spec.md §8's delete-collapse scenario).
func TestDeleteToUnderflowCollapsesParent(t *testing.T) {
	tr, dl := newTestTree(t, 32)
	origRoot := tr.Root()

	const n = 40
	for i := 0; i < n; i++ {
		if err := tr.InsertObject(key(i), oidFor(i)); err != nil {
			t.Fatalf("InsertObject(%d): %v", i, err)
		}
	}

	var survivors []int
	for i := 0; i < n; i++ {
		if i%3 == 0 {
			survivors = append(survivors, i)
			continue
		}
		if err := tr.DeleteObject(key(i), dl); err != nil {
			t.Fatalf("DeleteObject(%d): %v", i, err)
		}
	}

	if tr.Root() != origRoot {
		t.Fatalf("root PageID changed across deletes: got %v, want %v", tr.Root(), origRoot)
	}

	for _, i := range survivors {
		cur, err := tr.Fetch(key(i), EQ, nil, EQ)
		if err != nil {
			t.Fatalf("Fetch(%d): %v", i, err)
		}
		if !cur.OK() {
			t.Fatalf("surviving key %d not found after deletes", i)
		}
	}

	for i := 0; i < n; i++ {
		if i%3 == 0 {
			continue
		}
		cur, err := tr.Fetch(key(i), EQ, nil, EQ)
		if err != nil {
			t.Fatalf("Fetch(%d): %v", i, err)
		}
		if cur.OK() {
			t.Fatalf("deleted key %d still reachable", i)
		}
	}
}

func TestDropIndexQueuesEveryPage(t *testing.T) {
	tr, dl := newTestTree(t, 32)
	for i := 0; i < 40; i++ {
		if err := tr.InsertObject(key(i), oidFor(i)); err != nil {
			t.Fatalf("InsertObject(%d): %v", i, err)
		}
	}
	if err := tr.DropIndex(dl); err != nil {
		t.Fatalf("DropIndex: %v", err)
	}
	if dl.Empty() {
		t.Fatalf("expected DropIndex to queue at least the root page")
	}
	elems := dl.Elems()
	seen := map[ids.PageID]bool{}
	for _, e := range elems {
		if seen[e.PID] {
			t.Fatalf("DropIndex queued page %v twice", e.PID)
		}
		seen[e.PID] = true
	}
	if !seen[tr.Root()] {
		t.Fatalf("DropIndex did not queue the root page")
	}
}
