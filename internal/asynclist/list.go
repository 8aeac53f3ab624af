// Package asynclist provides append-mostly collections that can be iterated
// without locks while other goroutines append.
//
// A List never reports its size. Items are removed logically: an item whose
// liveness predicate turns false is skipped by iterators and dropped at the
// next compaction. Iteration is weakly consistent: an iterator sees a
// snapshot of the slot array taken when the range loop starts, plus any
// items appended into that array before it reaches them.
package asynclist

import (
	"iter"
	"sync"
	"sync/atomic"
)

const minCapacity = 8

type slots[T any] []atomic.Pointer[T]

// List is an append-mostly collection of *T.
type List[T any] struct {
	mu     sync.Mutex // serializes Add and compaction
	values atomic.Pointer[slots[T]]
	next   int
	live   func(*T) bool
}

// New returns a List with the given initial capacity. live reports whether an
// item is still logically present; a nil live keeps every item.
func New[T any](capacity int, live func(*T) bool) *List[T] {
	if capacity < minCapacity {
		capacity = minCapacity
	}
	if live == nil {
		live = func(*T) bool { return true }
	}
	l := &List[T]{live: live}
	s := make(slots[T], capacity)
	l.values.Store(&s)
	return l
}

// Add appends item. When the slot array is full the live items are compacted
// into a new array of twice their count, published with one atomic swap.
func (l *List[T]) Add(item *T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := *l.values.Load()
	if l.next >= len(s) {
		s = l.compact(s)
	}
	s[l.next].Store(item)
	l.next++
}

// compact must be called with mu held.
func (l *List[T]) compact(old slots[T]) slots[T] {
	liveCount := 0
	for i := range old {
		if v := old[i].Load(); v != nil && l.live(v) {
			liveCount++
		}
	}
	s := make(slots[T], max(liveCount*2, minCapacity))
	n := 0
	for i := range old {
		if v := old[i].Load(); v != nil && l.live(v) {
			s[n].Store(v)
			n++
		}
	}
	l.next = n
	l.values.Store(&s)
	return s
}

// IsEmpty reports whether nothing was ever added since the last compaction
// emptied the list. Tombstoned items count until they are compacted away.
func (l *List[T]) IsEmpty() bool {
	return (*l.values.Load())[0].Load() == nil
}

// All iterates the live items in insertion order. Each range loop captures
// the slot array current at its start.
func (l *List[T]) All() iter.Seq[*T] {
	return func(yield func(*T) bool) {
		s := *l.values.Load()
		for i := range s {
			v := s[i].Load()
			if v == nil {
				return
			}
			if !l.live(v) {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Snapshot returns the live items as a slice.
func (l *List[T]) Snapshot() []*T {
	var out []*T
	for v := range l.All() {
		out = append(out, v)
	}
	return out
}

// Compact forces a compaction regardless of free capacity.
func (l *List[T]) Compact() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compact(*l.values.Load())
}

// Capacity returns the length of the current slot array.
func (l *List[T]) Capacity() int {
	return len(*l.values.Load())
}
