// Package ledger records the distinct items discovered during one phase and
// lets late subscribers wait until the initial population is finished.
package ledger

import (
	"context"
	"sync"
	"weak"

	"github.com/jward/arbor/internal/asynclist"
)

// Ledger is an ordered, deduplicated record of *T held weakly. A populating
// goroutine adds the items known so far and calls MarkComplete; subscribers
// call AwaitComplete to get the full history. Items discovered later are
// still appended so that the next subscriber replays them too.
type Ledger[T any] struct {
	mu   sync.Mutex
	seen map[weak.Pointer[T]]struct{}
	list *asynclist.WeakList[T]

	// pruneAt is the size of seen that triggers dropping collected keys.
	pruneAt int

	done     chan struct{}
	doneOnce sync.Once
}

// New returns an incomplete, empty ledger.
func New[T any]() *Ledger[T] {
	return &Ledger[T]{
		seen:    make(map[weak.Pointer[T]]struct{}),
		list:    asynclist.NewWeak[T](0),
		pruneAt: minPrune,
		done:    make(chan struct{}),
	}
}

// Add records item unless it was recorded before. It reports whether item
// is new.
func (l *Ledger[T]) Add(item *T) bool {
	key := weak.Make(item)
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.seen[key]; ok {
		return false
	}
	if len(l.seen) >= l.pruneAt {
		l.prune()
	}
	l.seen[key] = struct{}{}
	l.list.Add(item)
	return true
}

const minPrune = 64

// prune drops the keys of collected items. The threshold doubles with the
// surviving keys so pruning stays amortized. Must be called with mu held.
func (l *Ledger[T]) prune() {
	for k := range l.seen {
		if k.Value() == nil {
			delete(l.seen, k)
		}
	}
	l.pruneAt = max(2*len(l.seen), minPrune)
}

// Contains reports whether item was recorded.
func (l *Ledger[T]) Contains(item *T) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[weak.Make(item)]
	return ok
}

// MarkComplete releases all waiters. Calling it again has no effect.
func (l *Ledger[T]) MarkComplete() {
	l.doneOnce.Do(func() { close(l.done) })
}

// Complete reports whether MarkComplete was called.
func (l *Ledger[T]) Complete() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// AwaitComplete blocks until the ledger is complete or ctx is done, then
// returns the recorded items in discovery order.
func (l *Ledger[T]) AwaitComplete(ctx context.Context) ([]*T, error) {
	select {
	case <-l.done:
		return l.list.Snapshot(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
