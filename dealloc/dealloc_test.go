package dealloc

import (
	"testing"

	"github.com/trainbase/trainbase/ids"
)

func TestListPushPopOrderIsLIFO(t *testing.T) {
	pool := NewPool(4)
	l := NewList(pool)

	if !l.Empty() {
		t.Fatalf("new list should be empty")
	}

	pids := []ids.PageID{{Vol: 1, Page: 10}, {Vol: 1, Page: 20}, {Vol: 1, Page: 30}}
	for _, pid := range pids {
		if err := l.Push(Page, pid); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	for i := len(pids) - 1; i >= 0; i-- {
		e, ok := l.Pop()
		if !ok {
			t.Fatalf("Pop: unexpected empty list")
		}
		if e.PID != pids[i] {
			t.Fatalf("Pop order mismatch: got %v, want %v", e.PID, pids[i])
		}
	}
	if !l.Empty() {
		t.Fatalf("list should be drained")
	}
}

func TestPoolExhaustion(t *testing.T) {
	pool := NewPool(2)
	l := NewList(pool)

	if err := l.Push(Page, ids.PageID{Page: 1}); err != nil {
		t.Fatalf("Push 1: %v", err)
	}
	if err := l.Push(Page, ids.PageID{Page: 2}); err != nil {
		t.Fatalf("Push 2: %v", err)
	}
	if err := l.Push(Page, ids.PageID{Page: 3}); err == nil {
		t.Fatalf("expected capacity error on exhausted pool")
	}
}

func TestPoolReleaseOnPopAllowsReuse(t *testing.T) {
	pool := NewPool(1)
	l := NewList(pool)

	if err := l.Push(Page, ids.PageID{Page: 1}); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if _, ok := l.Pop(); !ok {
		t.Fatalf("Pop: unexpected empty list")
	}
	if err := l.Push(Page, ids.PageID{Page: 2}); err != nil {
		t.Fatalf("Push after pop should reuse freed slot: %v", err)
	}
}

func TestDrainVisitsAllAndEmpties(t *testing.T) {
	pool := NewPool(8)
	l := NewList(pool)
	want := []ids.PageID{{Page: 1}, {Page: 2}, {Page: 3}}
	for _, pid := range want {
		if err := l.Push(Page, pid); err != nil {
			t.Fatalf("Push: %v", err)
		}
	}

	var seen []ids.PageID
	if err := l.Drain(func(e Elem) error {
		seen = append(seen, e.PID)
		return nil
	}); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(seen) != len(want) {
		t.Fatalf("Drain visited %d elements, want %d", len(seen), len(want))
	}
	if !l.Empty() {
		t.Fatalf("list should be empty after Drain")
	}
	if pool.Avail() != pool.Len() {
		t.Fatalf("pool should be fully reclaimed after Drain")
	}
}
