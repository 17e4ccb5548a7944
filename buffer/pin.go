package buffer

import "github.com/trainbase/trainbase/ids"

// Pin is the scoped handle spec.md §9 asks for: "model each GetTrain as
// producing a scoped handle that, when released, calls FreeTrain."
// Callers pair every GetTrain/GetNewTrain with a deferred Unfix rather
// than a manual FreeTrain(pid) call, so an error return can never leak
// a pin.
type Pin struct {
	m     *Manager
	idx   int32
	pid   ids.PageID
	freed bool
}

// Bytes returns the pinned frame's backing buffer. The slice is only
// valid while the pin is held.
func (p *Pin) Bytes() []byte { return p.m.frames[p.idx].Buf }

// PageID reports the page this pin holds.
func (p *Pin) PageID() ids.PageID { return p.pid }

// SetDirty marks the pinned frame dirty.
func (p *Pin) SetDirty() { p.m.frames[p.idx].Bits |= Dirty }

// Unfix releases the pin, decrementing nFixed. Safe to call more than
// once — subsequent calls are no-ops — so `defer pin.Unfix()` composes
// with an early explicit Unfix on the success path.
func (p *Pin) Unfix() error {
	if p.freed {
		return nil
	}
	p.freed = true
	return p.m.FreeTrain(p.pid)
}
