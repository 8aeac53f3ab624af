package ledger

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type src struct{ name string }

func names(items []*src) []string {
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, s.name)
	}
	return out
}

func TestLedger_DedupAndOrder(t *testing.T) {
	t.Parallel()
	l := New[src]()
	a, b := &src{"a"}, &src{"b"}

	assert.True(t, l.Add(a))
	assert.True(t, l.Add(b))
	assert.False(t, l.Add(a))
	assert.True(t, l.Contains(b))
	assert.False(t, l.Contains(&src{"a"}), "identity, not value")

	l.MarkComplete()
	got, err := l.AwaitComplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names(got))
	runtime.KeepAlive(a)
	runtime.KeepAlive(b)
}

func TestLedger_AwaitBlocksUntilComplete(t *testing.T) {
	t.Parallel()
	l := New[src]()
	a := &src{"a"}

	result := make(chan []*src, 1)
	go func() {
		got, err := l.AwaitComplete(context.Background())
		assert.NoError(t, err)
		result <- got
	}()

	select {
	case <-result:
		t.Fatal("AwaitComplete returned before MarkComplete")
	case <-time.After(20 * time.Millisecond):
	}

	l.Add(a)
	assert.False(t, l.Complete())
	l.MarkComplete()
	l.MarkComplete()
	assert.True(t, l.Complete())

	select {
	case got := <-result:
		assert.Equal(t, []string{"a"}, names(got))
		runtime.KeepAlive(a)
	case <-time.After(5 * time.Second):
		t.Fatal("AwaitComplete did not return")
	}
}

func TestLedger_AwaitHonorsContext(t *testing.T) {
	t.Parallel()
	l := New[src]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.AwaitComplete(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLedger_AddAfterCompleteIsReplayed(t *testing.T) {
	t.Parallel()
	l := New[src]()
	l.MarkComplete()
	b := &src{"b"}
	assert.True(t, l.Add(b))

	got, err := l.AwaitComplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names(got))
	runtime.KeepAlive(b)
}

func TestLedger_ConcurrentAddExactlyOnce(t *testing.T) {
	t.Parallel()
	l := New[src]()
	items := make([]*src, 50)
	for i := range items {
		items[i] = &src{name: string(rune('A' + i))}
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, it := range items {
				if l.Add(it) {
					mu.Lock()
					added++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	l.MarkComplete()

	assert.Equal(t, len(items), added)
	got, err := l.AwaitComplete(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, len(items))
	runtime.KeepAlive(items)
}

func addUnreferenced(l *Ledger[src], n int) {
	for i := range n {
		l.Add(&src{name: fmt.Sprint(i)})
	}
}

func TestLedger_PrunesCollectedItems(t *testing.T) {
	t.Parallel()
	l := New[src]()
	addUnreferenced(l, 200)
	runtime.GC()
	runtime.GC()

	keep := &src{"keep"}
	assert.True(t, l.Add(keep))
	l.mu.Lock()
	l.prune()
	n, pruneAt := len(l.seen), l.pruneAt
	l.mu.Unlock()

	assert.Less(t, n, 20, "keys of collected items dropped")
	assert.Equal(t, minPrune, pruneAt)
	assert.True(t, l.Contains(keep))
	assert.False(t, l.Add(keep))
	runtime.KeepAlive(keep)
}
