// Package dealloc implements the caller-owned deferred-free queue spec.md
// §6 calls the "dealloc pool": a fixed arena of list elements and a
// singly-linked stack of pages awaiting release back to the raw-disk
// collaborator. object and btree append to a caller-supplied list as
// they unlink pages; draining the list is the caller's job, outside the
// core (spec.md §5's "owned by the caller, mutated only by appending").
package dealloc

import (
	"github.com/trainbase/trainbase/errs"
	"github.com/trainbase/trainbase/ids"
)

// ElemType classifies what a dealloc element refers to. spec.md's
// FreePages and DestroyObject only ever free whole pages, but the type
// tag is carried verbatim from spec.md §6's DeallocListElem{type, pid}
// so a caller extending the engine (e.g. freeing an extent) has
// somewhere to put the distinction.
type ElemType uint8

const (
	// Page marks an element freeing a single page.
	Page ElemType = iota
)

// Elem is one entry of the dealloc list: a page awaiting release.
type Elem struct {
	Type ElemType
	PID  ids.PageID

	next int32 // index into the owning Pool, -1 if none
}

const nilIdx = -1

// Pool is a preallocated ring of Elem values. getElementFromPool in
// spec.md's vocabulary returns the next free slot; trainbase's Pool
// tracks free slots itself rather than making the caller manage an
// external free list, which is the one liberty taken with the spec's
// naming — the behavior (a bounded arena, no allocation per free) is
// unchanged.
type Pool struct {
	elems     []Elem
	freeStack []int32
}

// NewPool preallocates a ring able to hold n elements before the caller
// must drain the list.
func NewPool(n int) *Pool {
	p := &Pool{
		elems:     make([]Elem, n),
		freeStack: make([]int32, n),
	}
	for i := range p.freeStack {
		p.freeStack[i] = int32(n - 1 - i)
	}
	return p
}

// Len reports the pool's total capacity.
func (p *Pool) Len() int { return len(p.elems) }

// Avail reports how many elements remain before the pool is exhausted.
func (p *Pool) Avail() int { return len(p.freeStack) }

func (p *Pool) getElementFromPool() (int32, error) {
	if len(p.freeStack) == 0 {
		return 0, errs.New(errs.Capacity, "dealloc.getElementFromPool", "pool exhausted")
	}
	n := len(p.freeStack) - 1
	idx := p.freeStack[n]
	p.freeStack = p.freeStack[:n]
	return idx, nil
}

func (p *Pool) release(idx int32) {
	p.freeStack = append(p.freeStack, idx)
}

// List is an intrusive singly-linked stack of dealloc elements drawn
// from a Pool. Lists are built with NewList; the zero value has no pool
// and does not report Empty.
type List struct {
	pool *Pool
	head int32
}

// NewList returns an empty list backed by pool.
func NewList(pool *Pool) *List {
	return &List{pool: pool, head: nilIdx}
}

// Empty reports whether the list currently holds no elements.
func (l *List) Empty() bool { return l.head == nilIdx }

// Push prepends a new element to the head of the list, per spec.md §4.3's
// "prepend a DeallocListElem{type=PAGE, pid} to dlHead".
func (l *List) Push(typ ElemType, pid ids.PageID) error {
	idx, err := l.pool.getElementFromPool()
	if err != nil {
		return err
	}
	l.pool.elems[idx] = Elem{Type: typ, PID: pid, next: l.head}
	l.head = idx
	return nil
}

// Pop removes and returns the head element. ok is false if the list is
// empty.
func (l *List) Pop() (Elem, bool) {
	if l.head == nilIdx {
		return Elem{}, false
	}
	idx := l.head
	e := l.pool.elems[idx]
	l.head = e.next
	l.pool.release(idx)
	e.next = nilIdx
	return e, true
}

// Drain calls fn for every element from head to tail, popping each one,
// until the list is empty or fn returns an error. This is the
// caller-side hook that returns trains to a disk.Manager; the core never
// calls Drain itself.
func (l *List) Drain(fn func(Elem) error) error {
	for {
		e, ok := l.Pop()
		if !ok {
			return nil
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}

// Elems returns a snapshot slice of the list's elements from head to
// tail without mutating the list, useful for assertions in tests.
func (l *List) Elems() []Elem {
	var out []Elem
	for idx := l.head; idx != nilIdx; {
		e := l.pool.elems[idx]
		out = append(out, Elem{Type: e.Type, PID: e.PID})
		idx = e.next
	}
	return out
}
