package btree

import (
	"bytes"

	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/slottedpage"
)

// Op names a comparison a cursor applies against a start or stop key,
// grounded on hmarui66-blink-tree-go's range-scan predicate shape.
type Op int

const (
	EQ Op = iota
	LT
	LE
	GT
	GE
)

// Cursor is a position within one leaf's slot array. It does not hold a
// pin between calls — every Fetch/FetchNext/FetchPrev call re-pins only
// the pages it needs to walk and releases them before returning, so a
// live cursor never pins a buffer frame indefinitely.
type Cursor struct {
	tree *Tree
	on   bool
	leaf ids.PageNo
	slot int16
	key  []byte
	oid  ids.ObjectID
}

// OK reports whether the cursor is positioned on a live entry.
func (c *Cursor) OK() bool { return c.on }

// Key returns the current entry's key. Only valid while OK().
func (c *Cursor) Key() []byte { return c.key }

// ObjectID returns the current entry's object locator. Only valid while
// OK().
func (c *Cursor) ObjectID() ids.ObjectID { return c.oid }

func checkStop(key, stopKey []byte, stopOp Op) bool {
	if stopKey == nil {
		return true
	}
	c := bytes.Compare(key, stopKey)
	switch stopOp {
	case LT:
		return c < 0
	case LE:
		return c <= 0
	case GT:
		return c > 0
	case GE:
		return c >= 0
	case EQ:
		return c == 0
	default:
		return true
	}
}

func (t *Tree) leafBuf(pageNo ids.PageNo) (*buffer.Pin, error) {
	return t.bufs.GetTrain(t.pageID(pageNo))
}

func (t *Tree) leafSlotCount(pageNo ids.PageNo) (int16, error) {
	pin, err := t.leafBuf(pageNo)
	if err != nil {
		return 0, err
	}
	defer pin.Unfix()
	return slottedpage.NSlots(pin.Bytes()), nil
}

func (t *Tree) leafNeighbor(pageNo ids.PageNo, wantPrev bool) (ids.PageNo, error) {
	pin, err := t.leafBuf(pageNo)
	if err != nil {
		return 0, err
	}
	defer pin.Unfix()
	if wantPrev {
		return slottedpage.PrevPage(pin.Bytes()), nil
	}
	return slottedpage.NextPage(pin.Bytes()), nil
}

func (t *Tree) leafEntryAt(pageNo ids.PageNo, slot int16) ([]byte, ids.ObjectID, error) {
	pin, err := t.leafBuf(pageNo)
	if err != nil {
		return nil, ids.ObjectID{}, err
	}
	defer pin.Unfix()
	buf := pin.Bytes()
	off := slottedpage.SlotOffset(buf, slot)
	key, oid := readLeafEntry(buf, off)
	return key, oid, nil
}

// findLeafFor descends from the root following p0/spid child pointers
// for key, pinning and releasing one page per level.
func (t *Tree) findLeafFor(key []byte) (ids.PageNo, error) {
	pageNo := t.root
	for {
		pin, err := t.leafBuf(pageNo)
		if err != nil {
			return 0, err
		}
		buf := pin.Bytes()
		flags := slottedpage.GetFlags(buf)
		if flags&FlagLeaf != 0 {
			pin.Unfix()
			return pageNo, nil
		}
		p0, items := collectInternalItems(buf)
		pin.Unfix()
		_, idx := binarySearch(int16(len(items)), key, func(i int16) []byte { return items[i].key })
		if idx == -1 {
			pageNo = p0
		} else {
			pageNo = items[idx].spid
		}
	}
}

// Fetch positions a new cursor at the first entry satisfying startOp
// against startKey, then checks stopOp/stopKey immediately — a scan that
// starts already past its stop bound returns a cursor with OK()==false,
// per spec.md §4.4.7.
func (t *Tree) Fetch(startKey []byte, startOp Op, stopKey []byte, stopOp Op) (*Cursor, error) {
	eos := &Cursor{tree: t, on: false}

	leafPageNo, err := t.findLeafFor(startKey)
	if err != nil {
		return nil, err
	}
	n, err := t.leafSlotCount(leafPageNo)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return eos, nil
	}

	pin, err := t.leafBuf(leafPageNo)
	if err != nil {
		return nil, err
	}
	buf := pin.Bytes()
	found, idx := binarySearch(n, startKey, func(i int16) []byte { return leafKeyAt(buf, i) })
	pin.Unfix()

	var slot int16
	switch startOp {
	case EQ:
		if !found {
			return eos, nil
		}
		slot = idx
	case LT:
		if found {
			slot = idx - 1
		} else {
			slot = idx
		}
	case LE:
		slot = idx
	case GT:
		slot = idx + 1
	case GE:
		if found {
			slot = idx
		} else {
			slot = idx + 1
		}
	default:
		return nil, errs.New(errs.Invalid, "btree.Fetch", "unsupported start operator")
	}

	curLeaf := leafPageNo
	for slot < 0 {
		prev, err := t.leafNeighbor(curLeaf, true)
		if err != nil {
			return nil, err
		}
		if prev == ids.NilPage {
			return eos, nil
		}
		curLeaf = prev
		cnt, err := t.leafSlotCount(curLeaf)
		if err != nil {
			return nil, err
		}
		slot = cnt - 1
	}
	for {
		cnt, err := t.leafSlotCount(curLeaf)
		if err != nil {
			return nil, err
		}
		if slot < cnt {
			break
		}
		next, err := t.leafNeighbor(curLeaf, false)
		if err != nil {
			return nil, err
		}
		if next == ids.NilPage {
			return eos, nil
		}
		curLeaf = next
		slot = 0
	}

	key, oid, err := t.leafEntryAt(curLeaf, slot)
	if err != nil {
		return nil, err
	}
	if !checkStop(key, stopKey, stopOp) {
		return eos, nil
	}
	return &Cursor{tree: t, on: true, leaf: curLeaf, slot: slot, key: key, oid: oid}, nil
}

// FetchNext advances the cursor to the next entry in ascending key
// order, crossing a leaf boundary via NextPage as needed, and checks the
// stop bound passed to it; the cursor does not remember Fetch's bound.
func (c *Cursor) FetchNext(stopKey []byte, stopOp Op) error {
	if !c.on {
		return errs.New(errs.Integrity, "btree.FetchNext", "cursor not positioned")
	}
	t := c.tree
	slot := c.slot + 1
	curLeaf := c.leaf
	for {
		cnt, err := t.leafSlotCount(curLeaf)
		if err != nil {
			return err
		}
		if slot < cnt {
			break
		}
		next, err := t.leafNeighbor(curLeaf, false)
		if err != nil {
			return err
		}
		if next == ids.NilPage {
			c.on = false
			return nil
		}
		curLeaf = next
		slot = 0
	}
	key, oid, err := t.leafEntryAt(curLeaf, slot)
	if err != nil {
		return err
	}
	if !checkStop(key, stopKey, stopOp) {
		c.on = false
		return nil
	}
	c.leaf, c.slot, c.key, c.oid = curLeaf, slot, key, oid
	return nil
}

// FetchPrev is FetchNext's mirror, walking PrevPage on leaf exhaustion.
func (c *Cursor) FetchPrev(stopKey []byte, stopOp Op) error {
	if !c.on {
		return errs.New(errs.Integrity, "btree.FetchPrev", "cursor not positioned")
	}
	t := c.tree
	slot := c.slot - 1
	curLeaf := c.leaf
	for slot < 0 {
		prev, err := t.leafNeighbor(curLeaf, true)
		if err != nil {
			return err
		}
		if prev == ids.NilPage {
			c.on = false
			return nil
		}
		curLeaf = prev
		cnt, err := t.leafSlotCount(curLeaf)
		if err != nil {
			return err
		}
		slot = cnt - 1
	}
	key, oid, err := t.leafEntryAt(curLeaf, slot)
	if err != nil {
		return err
	}
	if !checkStop(key, stopKey, stopOp) {
		c.on = false
		return nil
	}
	c.leaf, c.slot, c.key, c.oid = curLeaf, slot, key, oid
	return nil
}
