package btree

import (
	"github.com/trainbase/trainbase/buffer"
	"github.com/trainbase/trainbase/dealloc"
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
	"github.com/trainbase/trainbase/slottedpage"
)

// Tree is one B+ tree index: a single fixed root page whose identity
// never changes across its lifetime (splits and collapses always move
// content, never the root's own PageID), grounded on the teacher's
// BTree{pager, root} plus the recursive insertIntoTree/insertWithSplit
// shape in btree.go, generalized here with the found/idx binary-search
// convention and real delete-side rebalancing.
type Tree struct {
	bufs *buffer.Manager
	disk disk.Manager
	vol  ids.VolumeNo
	root ids.PageNo
}

// CreateIndex formats a fresh single-leaf tree and returns it. fileID
// tags every page the tree allocates, exactly as object.FileHandle tags
// object pages, so a volume scan can tell index pages from data pages.
func CreateIndex(bufs *buffer.Manager, d disk.Manager, vol ids.VolumeNo, fileID ids.FileID) (*Tree, error) {
	pid, err := d.AllocTrains(vol, 0, ids.PageID{}, 0, 1, ids.TypePage)
	if err != nil {
		return nil, err
	}
	pin, err := bufs.GetNewTrain(pid)
	if err != nil {
		return nil, err
	}
	defer pin.Unfix()
	slottedpage.Init(pin.Bytes(), pid, FlagLeaf|FlagRoot, fileID)
	pin.SetDirty()
	return &Tree{bufs: bufs, disk: d, vol: vol, root: pid.Page}, nil
}

// OpenIndex rewraps a tree whose root page is already known, e.g. read
// back from a catalog.IndexFileEntry.
func OpenIndex(bufs *buffer.Manager, d disk.Manager, vol ids.VolumeNo, root ids.PageNo) *Tree {
	return &Tree{bufs: bufs, disk: d, vol: vol, root: root}
}

// Root reports the tree's stable root page identity.
func (t *Tree) Root() ids.PageID { return ids.PageID{Vol: t.vol, Page: t.root} }

func (t *Tree) allocPage() (ids.PageID, error) {
	return t.disk.AllocTrains(t.vol, 0, ids.PageID{}, 0, 1, ids.TypePage)
}

func (t *Tree) pageID(p ids.PageNo) ids.PageID { return ids.PageID{Vol: t.vol, Page: p} }

func (t *Tree) withPage(pageNo ids.PageNo, fn func([]byte)) error {
	pin, err := t.bufs.GetTrain(t.pageID(pageNo))
	if err != nil {
		return err
	}
	defer pin.Unfix()
	fn(pin.Bytes())
	pin.SetDirty()
	return nil
}

// ── Insert ──────────────────────────────────────────────────────────────

// InsertObject adds key -> oid to the tree. Duplicate keys are rejected;
// spec.md's Non-goals exclude duplicate-key overflow chains entirely.
func (t *Tree) InsertObject(key []byte, oid ids.ObjectID) error {
	item, err := t.insert(t.root, key, oid)
	if err != nil {
		return err
	}
	if item != nil {
		return t.growRoot(*item)
	}
	return nil
}

// insert recursively descends to the leaf owning key, inserts, and
// returns a non-nil promoted separator if the node it touched had to
// split. There is no stored parent pointer anywhere: the caller that
// re-pins this page after the recursive call returns is what lets the
// split propagate upward, exactly the teacher's insertIntoTree shape.
func (t *Tree) insert(pageNo ids.PageNo, key []byte, oid ids.ObjectID) (*internalItem, error) {
	pin, err := t.bufs.GetTrain(t.pageID(pageNo))
	if err != nil {
		return nil, err
	}
	buf := pin.Bytes()
	flags := slottedpage.GetFlags(buf)

	if flags&FlagInternal != 0 {
		p0, items := collectInternalItems(buf)
		_, idx := binarySearch(int16(len(items)), key, func(i int16) []byte { return items[i].key })
		child := p0
		if idx != -1 {
			child = items[idx].spid
		}
		if err := pin.Unfix(); err != nil {
			return nil, err
		}

		promoted, err := t.insert(child, key, oid)
		if err != nil {
			return nil, err
		}
		if promoted == nil {
			return nil, nil
		}

		pin, err = t.bufs.GetTrain(t.pageID(pageNo))
		if err != nil {
			return nil, err
		}
		defer pin.Unfix()
		buf = pin.Bytes()
		ok, err := tryInsertInternal(buf, promoted.spid, promoted.key)
		if err != nil {
			return nil, err
		}
		if ok {
			pin.SetDirty()
			return nil, nil
		}
		item, err := t.splitInternal(pin, promoted.spid, promoted.key)
		if err != nil {
			return nil, err
		}
		return &item, nil
	}

	defer pin.Unfix()
	ok, err := tryInsertLeaf(buf, key, oid)
	if err != nil {
		return nil, err
	}
	if ok {
		pin.SetDirty()
		return nil, nil
	}
	item, err := t.splitLeaf(pin, key, oid)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func tryInsertLeaf(buf []byte, key []byte, oid ids.ObjectID) (bool, error) {
	n := slottedpage.NSlots(buf)
	found, idx := binarySearch(n, key, func(i int16) []byte { return leafKeyAt(buf, i) })
	if found {
		return false, errs.New(errs.Integrity, "btree.InsertObject", "duplicate key")
	}
	insertPos := idx + 1
	entryLen := 4 + ids.AlignedLength(len(key)) + 12
	need := entryLen + slottedpage.SlotSize
	if slottedpage.SPFree(buf) < need {
		return false, nil
	}
	if slottedpage.SPContiguousFree(buf) < need {
		if err := slottedpage.Compact(buf, slottedpage.NoPreserve, leafEntryLenCB); err != nil {
			return false, err
		}
	}
	shiftSlotsRight(buf, insertPos, n)
	off := slottedpage.Free(buf)
	writeLeafEntry(buf, off, key, oid)
	slottedpage.SetSlot(buf, insertPos, off, 0)
	slottedpage.SetFree(buf, off+int16(entryLen))
	slottedpage.SetNSlots(buf, n+1)
	return true, nil
}

func tryInsertInternal(buf []byte, spid ids.PageNo, key []byte) (bool, error) {
	n := slottedpage.NSlots(buf)
	found, idx := binarySearch(n, key, func(i int16) []byte { return internalKeyAt(buf, i) })
	if found {
		return false, errs.New(errs.Integrity, "btree.InsertObject", "duplicate separator key")
	}
	insertPos := idx + 1
	entryLen := 8 + ids.AlignedLength(len(key))
	need := entryLen + slottedpage.SlotSize
	if slottedpage.SPFree(buf) < need {
		return false, nil
	}
	if slottedpage.SPContiguousFree(buf) < need {
		if err := slottedpage.Compact(buf, slottedpage.NoPreserve, internalEntryLenCB); err != nil {
			return false, err
		}
	}
	shiftSlotsRight(buf, insertPos, n)
	off := slottedpage.Free(buf)
	writeInternalEntry(buf, off, spid, key)
	slottedpage.SetSlot(buf, insertPos, off, 0)
	slottedpage.SetFree(buf, off+int16(entryLen))
	slottedpage.SetNSlots(buf, n+1)
	return true, nil
}

// splitLeaf rebuilds the overflowing leaf and a brand-new sibling from
// scratch from the combined, sorted item list (existing entries plus the
// one that did not fit), rather than shifting entries in place — far
// simpler to get right than incremental partial copies, at the cost of
// rewriting slightly more than the minimum. The original leaf keeps its
// PageID; the new sibling is spliced in after it.
func (t *Tree) splitLeaf(pin *buffer.Pin, key []byte, oid ids.ObjectID) (internalItem, error) {
	buf := pin.Bytes()
	items := insertLeafSorted(collectLeafItems(buf), leafItem{key: key, oid: oid})

	payload := t.disk.TrainSize() - slottedpage.HeaderSize
	cutoff := leafSplitCutoff(items, payload)
	left, right := items[:cutoff], items[cutoff:]

	fileID := slottedpage.GetFileID(buf)
	oldPID := slottedpage.PageID(buf)
	oldNext := slottedpage.NextPage(buf)
	wasRoot := slottedpage.GetFlags(buf)&FlagRoot != 0

	newPID, err := t.allocPage()
	if err != nil {
		return internalItem{}, err
	}
	sibPin, err := t.bufs.GetNewTrain(newPID)
	if err != nil {
		return internalItem{}, err
	}
	defer sibPin.Unfix()

	rebuildLeaf(buf, oldPID, fileID, left, slottedpage.PrevPage(buf), newPID.Page)
	if wasRoot {
		slottedpage.SetFlags(buf, FlagLeaf)
	}
	rebuildLeaf(sibPin.Bytes(), newPID, fileID, right, oldPID.Page, oldNext)

	if oldNext != ids.NilPage {
		if err := t.withPage(oldNext, func(b []byte) { slottedpage.SetPrevPage(b, newPID.Page) }); err != nil {
			return internalItem{}, err
		}
	}

	pin.SetDirty()
	sibPin.SetDirty()
	return internalItem{spid: newPID.Page, key: right[0].key}, nil
}

// leafSplitCutoff walks items in order, accumulating each entry's
// on-page footprint until adding the next one would cross half of the
// page's payload, per spec.md §4.4.3. Guard rails keep both halves
// non-empty regardless of how lopsided the key sizes are.
func leafSplitCutoff(items []leafItem, payload int) int {
	half := payload / 2
	sum, cutoff := 0, 0
	for i, it := range items {
		sz := leafEntryBytes(it.key)
		if i > 0 && sum+sz > half {
			break
		}
		sum += sz
		cutoff = i + 1
	}
	if cutoff >= len(items) {
		cutoff = len(items) - 1
	}
	if cutoff < 1 {
		cutoff = 1
	}
	return cutoff
}

// splitInternal rebuilds the overflowing internal node and a new sibling
// from the combined entry list, promoting the median entry to the
// parent rather than copying it to either side — standard B+ tree
// internal split, since p0/spid pointers (not keys) carry all routing
// information below the promoted separator.
func (t *Tree) splitInternal(pin *buffer.Pin, newSpid ids.PageNo, newKey []byte) (internalItem, error) {
	buf := pin.Bytes()
	p0, items := collectInternalItems(buf)
	items = insertInternalSorted(items, internalItem{spid: newSpid, key: newKey})

	mid := len(items) / 2
	promoted := items[mid]
	left, right := items[:mid], items[mid+1:]

	fileID := slottedpage.GetFileID(buf)
	oldPID := slottedpage.PageID(buf)

	newPID, err := t.allocPage()
	if err != nil {
		return internalItem{}, err
	}
	sibPin, err := t.bufs.GetNewTrain(newPID)
	if err != nil {
		return internalItem{}, err
	}
	defer sibPin.Unfix()

	rebuildInternal(buf, oldPID, fileID, p0, left, false)
	rebuildInternal(sibPin.Bytes(), newPID, fileID, promoted.spid, right, false)

	pin.SetDirty()
	sibPin.SetDirty()
	return internalItem{spid: newPID.Page, key: promoted.key}, nil
}

// growRoot implements spec.md §4.4.4's root split: move the (already
// split) old root's content to a brand new page, then reinitialize the
// root page itself as a fresh internal node with p0 pointing at that new
// page and the promoted item as its sole entry. The root's own PageID
// never moves, so nothing outside the tree ever needs to learn a new
// root pointer.
func (t *Tree) growRoot(item internalItem) error {
	rootPID := t.pageID(t.root)
	rootPin, err := t.bufs.GetTrain(rootPID)
	if err != nil {
		return err
	}
	defer rootPin.Unfix()
	rootBuf := rootPin.Bytes()
	wasLeaf := slottedpage.GetFlags(rootBuf)&FlagLeaf != 0
	fileID := slottedpage.GetFileID(rootBuf)

	newLeftPID, err := t.allocPage()
	if err != nil {
		return err
	}
	newLeftPin, err := t.bufs.GetNewTrain(newLeftPID)
	if err != nil {
		return err
	}
	copy(newLeftPin.Bytes(), rootBuf)
	slottedpage.SetPageID(newLeftPin.Bytes(), newLeftPID)
	slottedpage.SetFlags(newLeftPin.Bytes(), slottedpage.GetFlags(newLeftPin.Bytes())&^FlagRoot)
	newLeftPin.SetDirty()
	if err := newLeftPin.Unfix(); err != nil {
		return err
	}

	if wasLeaf {
		if err := t.withPage(item.spid, func(b []byte) {
			if slottedpage.PrevPage(b) == t.root {
				slottedpage.SetPrevPage(b, newLeftPID.Page)
			}
		}); err != nil {
			return err
		}
	}

	rebuildInternal(rootBuf, rootPID, fileID, newLeftPID.Page, []internalItem{item}, true)
	rootPin.SetDirty()
	return nil
}

// ── Delete ──────────────────────────────────────────────────────────────

// DeleteObject removes key from the tree. Pages left empty by merges are
// pushed onto dl for the caller to release; the tree never drains its
// own dealloc list, matching object.Manager's convention.
func (t *Tree) DeleteObject(key []byte, dl *dealloc.List) error {
	if _, err := t.delete(t.root, key, dl); err != nil {
		return err
	}
	return t.collapseRoot(dl)
}

func (t *Tree) delete(pageNo ids.PageNo, key []byte, dl *dealloc.List) (bool, error) {
	pin, err := t.bufs.GetTrain(t.pageID(pageNo))
	if err != nil {
		return false, err
	}
	buf := pin.Bytes()
	flags := slottedpage.GetFlags(buf)

	if flags&FlagInternal != 0 {
		p0, items := collectInternalItems(buf)
		_, idx := binarySearch(int16(len(items)), key, func(i int16) []byte { return items[i].key })
		child := p0
		if idx != -1 {
			child = items[idx].spid
		}
		if err := pin.Unfix(); err != nil {
			return false, err
		}

		childUnderflow, err := t.delete(child, key, dl)
		if err != nil {
			return false, err
		}
		if !childUnderflow {
			return false, nil
		}
		return t.underflow(pageNo, idx, dl)
	}

	defer pin.Unfix()
	underflowed, err := deleteFromLeaf(buf, key, t.disk.TrainSize())
	if err != nil {
		return false, err
	}
	pin.SetDirty()
	return underflowed, nil
}

// deleteFromLeaf removes key's entry, and reports underflow (true) iff
// the resulting SP_FREE is at least half the page's payload, per
// spec.md §4.4.5.
func deleteFromLeaf(buf []byte, key []byte, trainSize int) (bool, error) {
	n := slottedpage.NSlots(buf)
	found, idx := binarySearch(n, key, func(i int16) []byte { return leafKeyAt(buf, i) })
	if !found {
		return false, errs.New(errs.NotFound, "btree.DeleteObject", "key not found")
	}
	off := slottedpage.SlotOffset(buf, idx)
	entryLen := leafEntryLenAt(buf, off)
	shiftSlotsLeft(buf, idx, n)
	slottedpage.SetNSlots(buf, n-1)
	slottedpage.SetUnused(buf, slottedpage.Unused(buf)+int16(entryLen))
	payload := trainSize - slottedpage.HeaderSize
	return slottedpage.SPFree(buf) >= payload/2, nil
}

// underflow handles a child of parentPageNo that reported underflow.
// childIdx uses the same -1=p0 convention as binarySearch. It merges the
// child with a neighbor when the combination fits in a single page, or
// redistributes entries across the boundary otherwise, then reports
// whether removing (merge) or rewriting (redistribute) an entry left the
// parent itself underflowing.
func (t *Tree) underflow(parentPageNo ids.PageNo, childIdx int16, dl *dealloc.List) (bool, error) {
	parentPID := t.pageID(parentPageNo)
	parentPin, err := t.bufs.GetTrain(parentPID)
	if err != nil {
		return false, err
	}
	defer parentPin.Unfix()
	parentBuf := parentPin.Bytes()
	p0, items := collectInternalItems(parentBuf)

	childPID := func(i int16) ids.PageNo {
		if i == -1 {
			return p0
		}
		return items[i].spid
	}

	var leftIdx int16
	if childIdx+1 < int16(len(items)) {
		leftIdx = childIdx
	} else {
		leftIdx = childIdx - 1
	}
	leftPID := childPID(leftIdx)
	rightEntryIdx := leftIdx + 1
	rightPID := items[rightEntryIdx].spid

	leftPin, err := t.bufs.GetTrain(t.pageID(leftPID))
	if err != nil {
		return false, err
	}
	defer leftPin.Unfix()
	rightPin, err := t.bufs.GetTrain(t.pageID(rightPID))
	if err != nil {
		return false, err
	}
	defer rightPin.Unfix()

	payload := t.disk.TrainSize() - slottedpage.HeaderSize
	isLeaf := slottedpage.GetFlags(leftPin.Bytes())&FlagLeaf != 0

	if isLeaf {
		leftItems := collectLeafItems(leftPin.Bytes())
		rightItems := collectLeafItems(rightPin.Bytes())
		if sumLeafBytes(leftItems)+sumLeafBytes(rightItems) <= payload {
			if err := t.mergeLeaves(leftPin, rightPin, leftItems, rightItems, dl); err != nil {
				return false, err
			}
			items = append(items[:rightEntryIdx], items[rightEntryIdx+1:]...)
		} else {
			redistributeLeaves(leftPin.Bytes(), rightPin.Bytes(), leftItems, rightItems)
			leftPin.SetDirty()
			rightPin.SetDirty()
			items[rightEntryIdx].key = collectLeafItems(rightPin.Bytes())[0].key
		}
	} else {
		leftP0, leftItems := collectInternalItems(leftPin.Bytes())
		rightP0, rightItems := collectInternalItems(rightPin.Bytes())
		sep := items[rightEntryIdx].key
		if sumInternalBytes(leftItems)+internalEntryBytes(sep)+sumInternalBytes(rightItems) <= payload {
			if err := t.mergeInternals(leftPin, rightPin, leftP0, leftItems, sep, rightP0, rightItems, dl); err != nil {
				return false, err
			}
			items = append(items[:rightEntryIdx], items[rightEntryIdx+1:]...)
		} else {
			newSep := redistributeInternals(leftPin.Bytes(), rightPin.Bytes(), leftP0, leftItems, sep, rightP0, rightItems)
			leftPin.SetDirty()
			rightPin.SetDirty()
			items[rightEntryIdx].key = newSep
		}
	}

	fileID := slottedpage.GetFileID(parentBuf)
	wasRoot := slottedpage.GetFlags(parentBuf)&FlagRoot != 0
	rebuildInternal(parentBuf, parentPID, fileID, p0, items, wasRoot)
	parentPin.SetDirty()

	return slottedpage.SPFree(parentBuf) >= payload/2, nil
}

func (t *Tree) mergeLeaves(leftPin, rightPin *buffer.Pin, leftItems, rightItems []leafItem, dl *dealloc.List) error {
	leftBuf, rightBuf := leftPin.Bytes(), rightPin.Bytes()
	combined := append(append([]leafItem{}, leftItems...), rightItems...)
	fileID := slottedpage.GetFileID(leftBuf)
	leftPID := slottedpage.PageID(leftBuf)
	rightPID := slottedpage.PageID(rightBuf)
	nextOfRight := slottedpage.NextPage(rightBuf)

	rebuildLeaf(leftBuf, leftPID, fileID, combined, slottedpage.PrevPage(leftBuf), nextOfRight)
	leftPin.SetDirty()

	if nextOfRight != ids.NilPage {
		if err := t.withPage(nextOfRight, func(b []byte) { slottedpage.SetPrevPage(b, leftPID.Page) }); err != nil {
			return err
		}
	}
	return dl.Push(dealloc.Page, rightPID)
}

func redistributeLeaves(leftBuf, rightBuf []byte, leftItems, rightItems []leafItem) {
	combined := append(append([]leafItem{}, leftItems...), rightItems...)
	mid := len(combined) / 2
	fileID := slottedpage.GetFileID(leftBuf)
	leftPID := slottedpage.PageID(leftBuf)
	rightPID := slottedpage.PageID(rightBuf)
	prev := slottedpage.PrevPage(leftBuf)
	next := slottedpage.NextPage(rightBuf)

	rebuildLeaf(leftBuf, leftPID, fileID, combined[:mid], prev, rightPID.Page)
	rebuildLeaf(rightBuf, rightPID, fileID, combined[mid:], leftPID.Page, next)
}

func (t *Tree) mergeInternals(leftPin, rightPin *buffer.Pin, leftP0 ids.PageNo, leftItems []internalItem, sep []byte, rightP0 ids.PageNo, rightItems []internalItem, dl *dealloc.List) error {
	leftBuf, rightBuf := leftPin.Bytes(), rightPin.Bytes()
	combined := make([]internalItem, 0, len(leftItems)+1+len(rightItems))
	combined = append(combined, leftItems...)
	combined = append(combined, internalItem{spid: rightP0, key: sep})
	combined = append(combined, rightItems...)

	fileID := slottedpage.GetFileID(leftBuf)
	leftPID := slottedpage.PageID(leftBuf)
	rightPID := slottedpage.PageID(rightBuf)

	rebuildInternal(leftBuf, leftPID, fileID, leftP0, combined, false)
	leftPin.SetDirty()
	return dl.Push(dealloc.Page, rightPID)
}

func redistributeInternals(leftBuf, rightBuf []byte, leftP0 ids.PageNo, leftItems []internalItem, sep []byte, rightP0 ids.PageNo, rightItems []internalItem) []byte {
	combined := make([]internalItem, 0, len(leftItems)+1+len(rightItems))
	combined = append(combined, leftItems...)
	combined = append(combined, internalItem{spid: rightP0, key: sep})
	combined = append(combined, rightItems...)

	mid := len(combined) / 2
	newSep := combined[mid].key
	newRightP0 := combined[mid].spid

	fileID := slottedpage.GetFileID(leftBuf)
	leftPID := slottedpage.PageID(leftBuf)
	rightPID := slottedpage.PageID(rightBuf)

	rebuildInternal(leftBuf, leftPID, fileID, leftP0, combined[:mid], false)
	rebuildInternal(rightBuf, rightPID, fileID, newRightP0, combined[mid+1:], false)
	return newSep
}

// collapseRoot implements spec.md §4.4.4's root collapse: while the root
// is an internal page with no entries (a single remaining child, p0),
// fold that child's content up into the root page and free the child,
// keeping the root's PageID stable. An empty leaf root is left as is.
func (t *Tree) collapseRoot(dl *dealloc.List) error {
	for {
		collapsed, err := t.collapseRootOnce(dl)
		if err != nil {
			return err
		}
		if !collapsed {
			return nil
		}
	}
}

func (t *Tree) collapseRootOnce(dl *dealloc.List) (bool, error) {
	rootPID := t.pageID(t.root)
	pin, err := t.bufs.GetTrain(rootPID)
	if err != nil {
		return false, err
	}
	defer pin.Unfix()
	buf := pin.Bytes()
	if slottedpage.GetFlags(buf)&FlagInternal == 0 || slottedpage.NSlots(buf) != 0 {
		return false, nil
	}

	solePID := slottedpage.Aux(buf)
	childPin, err := t.bufs.GetTrain(t.pageID(solePID))
	if err != nil {
		return false, err
	}
	childContent := append([]byte(nil), childPin.Bytes()...)
	if err := childPin.Unfix(); err != nil {
		return false, err
	}

	copy(buf, childContent)
	slottedpage.SetPageID(buf, rootPID)
	slottedpage.SetFlags(buf, slottedpage.GetFlags(buf)|FlagRoot)
	pin.SetDirty()

	return true, dl.Push(dealloc.Page, t.pageID(solePID))
}

// ── DropIndex ───────────────────────────────────────────────────────────

// DropIndex walks every page of the tree via a DFS over p0/entries and
// pushes each onto dl, including the root, per spec.md §4.4.6's
// FreePages.
func (t *Tree) DropIndex(dl *dealloc.List) error {
	return t.freePages(t.root, dl)
}

func (t *Tree) freePages(pageNo ids.PageNo, dl *dealloc.List) error {
	pid := t.pageID(pageNo)
	pin, err := t.bufs.GetTrain(pid)
	if err != nil {
		return err
	}
	buf := pin.Bytes()
	flags := slottedpage.GetFlags(buf)
	if flags&FlagInternal != 0 {
		p0, items := collectInternalItems(buf)
		if err := pin.Unfix(); err != nil {
			return err
		}
		if err := t.freePages(p0, dl); err != nil {
			return err
		}
		for _, it := range items {
			if err := t.freePages(it.spid, dl); err != nil {
				return err
			}
		}
	} else {
		if err := pin.Unfix(); err != nil {
			return err
		}
	}
	return dl.Push(dealloc.Page, pid)
}
