package asynclist

import (
	"iter"
	"weak"
)

type weakEntry[T any] struct {
	ref weak.Pointer[T]
}

// WeakList holds its items weakly. Collected items are skipped and dropped
// at compaction.
type WeakList[T any] struct {
	list *List[weakEntry[T]]
}

// NewWeak returns an empty WeakList.
func NewWeak[T any](capacity int) *WeakList[T] {
	return &WeakList[T]{
		list: New(capacity, func(e *weakEntry[T]) bool { return e.ref.Value() != nil }),
	}
}

// Add appends a weak reference to item.
func (w *WeakList[T]) Add(item *T) {
	w.list.Add(&weakEntry[T]{ref: weak.Make(item)})
}

// IsEmpty reports whether the list holds no entries.
func (w *WeakList[T]) IsEmpty() bool { return w.list.IsEmpty() }

// All iterates the items that are still reachable.
func (w *WeakList[T]) All() iter.Seq[*T] {
	return func(yield func(*T) bool) {
		for e := range w.list.All() {
			// The referent may be collected between the liveness check and here.
			v := e.ref.Value()
			if v == nil {
				continue
			}
			if !yield(v) {
				return
			}
		}
	}
}

// Snapshot returns the reachable items as strong references.
func (w *WeakList[T]) Snapshot() []*T {
	var out []*T
	for v := range w.All() {
		out = append(out, v)
	}
	return out
}
