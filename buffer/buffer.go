// Package buffer implements the fixed-size, in-memory cache of disk
// trains: pin/unpin, dirty tracking, a closed-addressing hash index, and
// second-chance replacement. object and btree never touch disk.Manager
// directly — every read or write goes through a Manager here, keeping
// the pinning discipline (§9 design note: "model each GetTrain as
// producing a scoped handle") in exactly one place.
package buffer

import (
	"github.com/trainbase/trainbase/disk"
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
)

// bits holds the per-frame status flags.
type bits uint8

const (
	// Dirty marks a frame whose buffer differs from what is on disk.
	Dirty bits = 1 << iota
	// Valid marks a frame holding a real, resident train.
	Valid
	// Refer is the second-chance "recently used" flag.
	Refer
)

const nilFrame int32 = -1

// Frame is one buffer-pool slot: the fixed-size data buffer plus its
// bookkeeping entry, corresponding exactly to spec.md §3's
// BufTableEntry{key, nFixed, bits, nextHash} paired with its buffer.
type Frame struct {
	Key      ids.PageID
	NFixed   uint32
	Bits     bits
	NextHash int32
	Buf      []byte
}

// Manager is one buffer pool instance — constructed once per buffer
// type (page-sized, train-sized), per spec.md §3's "two buffer types
// ... they share the design; sizes differ."
type Manager struct {
	disk    disk.Manager
	bufType ids.BufferType

	frames  []Frame
	buckets []int32

	nextVictim int
}

// NewManager builds a pool of nbufs frames, each sized to d's train
// size, backing the given buffer type.
func NewManager(d disk.Manager, bufType ids.BufferType, nbufs int) (*Manager, error) {
	if nbufs <= 0 {
		return nil, errs.New(errs.Invalid, "buffer.NewManager", "nbufs must be positive")
	}
	m := &Manager{
		disk:    d,
		bufType: bufType,
		frames:  make([]Frame, nbufs),
		buckets: make([]int32, nbufs),
	}
	for i := range m.frames {
		m.frames[i].NextHash = nilFrame
		m.frames[i].Buf = make([]byte, d.TrainSize())
	}
	for i := range m.buckets {
		m.buckets[i] = nilFrame
	}
	return m, nil
}

// NBufs reports the pool's frame count.
func (m *Manager) NBufs() int { return len(m.frames) }

func hashBucket(pid ids.PageID, tableSize int) int {
	h := uint64(pid.Vol)*1000003 + uint64(pid.Page)
	return int(h % uint64(tableSize))
}

// lookup returns the resident frame index for pid, or nilFrame.
func (m *Manager) lookup(pid ids.PageID) int32 {
	idx := m.buckets[hashBucket(pid, len(m.buckets))]
	for idx != nilFrame {
		f := &m.frames[idx]
		if f.Bits&Valid != 0 && f.Key == pid {
			return idx
		}
		idx = f.NextHash
	}
	return nilFrame
}

func (m *Manager) hashInsert(idx int32) {
	b := hashBucket(m.frames[idx].Key, len(m.buckets))
	m.frames[idx].NextHash = m.buckets[b]
	m.buckets[b] = idx
}

func (m *Manager) hashDelete(idx int32) {
	b := hashBucket(m.frames[idx].Key, len(m.buckets))
	cur := m.buckets[b]
	if cur == idx {
		m.buckets[b] = m.frames[idx].NextHash
		m.frames[idx].NextHash = nilFrame
		return
	}
	for cur != nilFrame {
		next := m.frames[cur].NextHash
		if next == idx {
			m.frames[cur].NextHash = m.frames[idx].NextHash
			m.frames[idx].NextHash = nilFrame
			return
		}
		cur = next
	}
}

// allocTrain implements second-chance replacement exactly per spec.md
// §4.1: scan from nextVictim, clearing REFER on fixed-free entries that
// carry it, evicting the first nFixed==0 && !REFER frame found. Two
// full laps are sufficient — a ring where every frame starts REFER-set
// needs one lap to clear every flag and a second to find the now-bare
// victim — so the scan bound is 2*NBUFS, not NBUFS.
func (m *Manager) allocTrain() (int32, error) {
	n := len(m.frames)
	for step := 0; step < 2*n; step++ {
		idx := int32(m.nextVictim)
		m.nextVictim = (m.nextVictim + 1) % n
		f := &m.frames[idx]
		if f.NFixed != 0 {
			continue
		}
		if f.Bits&Refer != 0 {
			f.Bits &^= Refer
			continue
		}
		if f.Bits&Valid != 0 {
			if f.Bits&Dirty != 0 {
				if err := m.disk.WriteTrain(f.Key, f.Buf); err != nil {
					return 0, err
				}
			}
			m.hashDelete(idx)
		}
		f.Bits = 0
		f.Key = ids.PageID{}
		return idx, nil
	}
	return 0, errs.New(errs.Capacity, "buffer.AllocTrain", "no unfixed buffer")
}

// GetTrain pins pid, reading it from disk on a miss.
func (m *Manager) GetTrain(pid ids.PageID) (*Pin, error) {
	if idx := m.lookup(pid); idx != nilFrame {
		m.frames[idx].NFixed++
		m.frames[idx].Bits |= Refer
		return &Pin{m: m, idx: idx, pid: pid}, nil
	}
	idx, err := m.allocTrain()
	if err != nil {
		return nil, err
	}
	f := &m.frames[idx]
	if err := m.disk.ReadTrain(pid, f.Buf); err != nil {
		return nil, err
	}
	f.Key = pid
	f.Bits = Valid | Refer
	f.NFixed = 1
	m.hashInsert(idx)
	return &Pin{m: m, idx: idx, pid: pid}, nil
}

// GetNewTrain pins pid without reading it from disk — the caller is
// about to overwrite the whole buffer.
func (m *Manager) GetNewTrain(pid ids.PageID) (*Pin, error) {
	if idx := m.lookup(pid); idx != nilFrame {
		m.frames[idx].NFixed++
		m.frames[idx].Bits |= Refer
		return &Pin{m: m, idx: idx, pid: pid}, nil
	}
	idx, err := m.allocTrain()
	if err != nil {
		return nil, err
	}
	f := &m.frames[idx]
	f.Key = pid
	f.Bits = Valid | Refer
	f.NFixed = 1
	m.hashInsert(idx)
	return &Pin{m: m, idx: idx, pid: pid}, nil
}

// FreeTrain decrements pid's fix count. Fails if pid is not resident or
// already unfixed.
func (m *Manager) FreeTrain(pid ids.PageID) error {
	idx := m.lookup(pid)
	if idx == nilFrame {
		return errs.New(errs.NotFound, "buffer.FreeTrain", pid.String())
	}
	f := &m.frames[idx]
	if f.NFixed == 0 {
		return errs.New(errs.Integrity, "buffer.FreeTrain", "already unfixed: "+pid.String())
	}
	f.NFixed--
	return nil
}

// SetDirty marks pid's resident frame dirty.
func (m *Manager) SetDirty(pid ids.PageID) error {
	idx := m.lookup(pid)
	if idx == nilFrame {
		return errs.New(errs.NotFound, "buffer.SetDirty", pid.String())
	}
	m.frames[idx].Bits |= Dirty
	return nil
}

// FlushAll writes every non-empty frame back to disk and clears DIRTY,
// per spec.md §4.1 exactly.
func (m *Manager) FlushAll() error {
	for i := range m.frames {
		f := &m.frames[i]
		if f.Bits == 0 {
			continue
		}
		if err := m.disk.WriteTrain(f.Key, f.Buf); err != nil {
			return err
		}
		f.Bits &^= Dirty
	}
	return nil
}

// DiscardAll resets every frame to empty and clears the hash table,
// without flushing.
func (m *Manager) DiscardAll() {
	for i := range m.frames {
		m.frames[i].Key = ids.PageID{}
		m.frames[i].NFixed = 0
		m.frames[i].Bits = 0
		m.frames[i].NextHash = nilFrame
	}
	for i := range m.buckets {
		m.buckets[i] = nilFrame
	}
	m.nextVictim = 0
}
