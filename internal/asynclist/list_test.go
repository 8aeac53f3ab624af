package asynclist

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	id   int
	dead atomic.Bool
}

func newItemList(capacity int) *List[item] {
	return New(capacity, func(it *item) bool { return !it.dead.Load() })
}

func ids(items []*item) []int {
	out := make([]int, 0, len(items))
	for _, it := range items {
		out = append(out, it.id)
	}
	return out
}

func TestList_EmptyAndAdd(t *testing.T) {
	t.Parallel()
	l := newItemList(0)
	assert.True(t, l.IsEmpty())
	assert.Equal(t, minCapacity, l.Capacity())

	l.Add(&item{id: 1})
	l.Add(&item{id: 2})
	assert.False(t, l.IsEmpty())
	assert.Equal(t, []int{1, 2}, ids(l.Snapshot()))
}

func TestList_TombstonesSkipped(t *testing.T) {
	t.Parallel()
	l := newItemList(8)
	a, b, c := &item{id: 1}, &item{id: 2}, &item{id: 3}
	l.Add(a)
	l.Add(b)
	l.Add(c)

	b.dead.Store(true)
	assert.Equal(t, []int{1, 3}, ids(l.Snapshot()))

	// Tombstones are permanent even if the predicate would flip back.
	l.Compact()
	b.dead.Store(false)
	assert.Equal(t, []int{1, 3}, ids(l.Snapshot()))
}

func TestList_CompactionSizing(t *testing.T) {
	t.Parallel()
	l := newItemList(8)
	var items []*item
	for i := range 8 {
		it := &item{id: i}
		items = append(items, it)
		l.Add(it)
	}
	for _, it := range items[:7] {
		it.dead.Store(true)
	}

	// Full array with one live item compacts to max(2*1, 8).
	l.Add(&item{id: 100})
	assert.Equal(t, 8, l.Capacity())
	assert.Equal(t, []int{7, 100}, ids(l.Snapshot()))

	for i := range 20 {
		l.Add(&item{id: 200 + i})
	}
	live := len(l.Snapshot())
	assert.Equal(t, 22, live)
	assert.LessOrEqual(t, l.Capacity(), 2*live+minCapacity)
}

func TestList_AllDeadCompactsToEmpty(t *testing.T) {
	t.Parallel()
	l := newItemList(8)
	it := &item{id: 1}
	l.Add(it)
	it.dead.Store(true)
	assert.False(t, l.IsEmpty(), "tombstone still occupies a slot")

	l.Compact()
	assert.True(t, l.IsEmpty())
}

func TestList_IteratorSurvivesCompaction(t *testing.T) {
	t.Parallel()
	l := newItemList(8)
	for i := range 8 {
		l.Add(&item{id: i})
	}

	var seen []int
	for it := range l.All() {
		seen = append(seen, it.id)
		if it.id == 0 {
			// Forces a compaction into a new array while this loop
			// still walks the old one.
			l.Add(&item{id: 99})
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, seen)
	assert.Contains(t, ids(l.Snapshot()), 99)
}

func TestList_EarlyBreak(t *testing.T) {
	t.Parallel()
	l := newItemList(8)
	for i := range 5 {
		l.Add(&item{id: i})
	}
	count := 0
	for range l.All() {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestList_ConcurrentAddAndIterate(t *testing.T) {
	t.Parallel()
	l := newItemList(8)

	const writers, perWriter = 4, 500
	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perWriter {
				it := &item{id: w*perWriter + i}
				if i%3 == 0 {
					it.dead.Store(true)
				}
				l.Add(it)
			}
		}()
	}
	stop := make(chan struct{})
	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for it := range l.All() {
				assert.False(t, it.dead.Load())
			}
		}
	}()
	wg.Wait()
	close(stop)
	readers.Wait()

	seen := map[int]bool{}
	for _, it := range l.Snapshot() {
		assert.False(t, seen[it.id], "duplicate %d", it.id)
		seen[it.id] = true
	}
	expected := 0
	for i := range perWriter {
		if i%3 != 0 {
			expected++
		}
	}
	assert.Len(t, seen, writers*expected)
}

func TestWeakList(t *testing.T) {
	t.Parallel()
	w := NewWeak[item](0)
	assert.True(t, w.IsEmpty())

	a, b := &item{id: 1}, &item{id: 2}
	w.Add(a)
	w.Add(b)
	assert.False(t, w.IsEmpty())
	assert.Equal(t, []int{1, 2}, ids(w.Snapshot()))
	assert.Same(t, a, w.Snapshot()[0])
	runtime.KeepAlive(b)
}
