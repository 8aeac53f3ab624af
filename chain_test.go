package arbor

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Disposal
// =============================================================================

func TestDispose_InFlightChainNotMutated(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	rec := &recorder{}
	b, err := e.NewClient("c").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(StatementTag)), nil, rec)
	require.NoError(t, err)
	it := f.interpreter(e)
	_, err = it.Call(context.Background(), f.root)
	require.NoError(t, err)

	probe := probeAt(f.n2)
	captured := probe.chain.Load()
	require.Len(t, captured.links, 1)

	entered, release := make(chan struct{}), make(chan struct{})
	gate := func() {
		close(entered)
		<-release
	}
	f.gate.Store(&gate)
	done := make(chan error, 1)
	go func() {
		_, err := it.Call(context.Background(), f.root)
		done <- err
	}()
	<-entered
	f.gate.Store(nil)

	require.NoError(t, b.Dispose())
	require.NoError(t, b.Dispose(), "second dispose is a no-op")
	assert.Equal(t, 1.0, walks(e, triggerDispose))

	close(release)
	require.NoError(t, <-done)
	assert.Same(t, captured, probe.chain.Load())
	assert.Len(t, captured.links, 1, "captured chain keeps its links")
	assert.Equal(t, 1, rec.count("return b = f(a)"), "disposed binding skipped in flight")

	// The next execution finds nothing to observe and drops the wrapper.
	_, err = it.Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Same(t, f.n2, f.body.Child(1))
	assert.Same(t, f.n1, f.body.Child(0))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.metrics.wrappersRemoved))
}

func TestClientClose_DisposesTogether(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	c := e.NewClient("c")
	r1, r2 := &recorder{}, &recorder{}
	_, err := c.AttachExecutionListener(mustFilter(t, NewFilter().TagIs(StatementTag)), nil, r1)
	require.NoError(t, err)
	_, err = c.AttachExecutionListener(mustFilter(t, NewFilter().TagIs(CallTag)), nil, r2)
	require.NoError(t, err)
	it := f.interpreter(e)
	_, err = it.Call(context.Background(), f.root)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	assert.Equal(t, 1.0, walks(e, triggerDispose), "one walk for both bindings")

	_, err = c.AttachExecutionListener(AnyFilter, nil, &recorder{})
	require.ErrorIs(t, err, ErrClientClosed)

	n1, n2 := len(r1.Events()), len(r2.Events())
	_, err = it.Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Len(t, r1.Events(), n1)
	assert.Len(t, r2.Events(), n2)
	assertNoNestedWrappers(t, f.root.Node())
}

func TestRetiredNode_CollectedReleasesWrapper(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	_, err := e.NewClient("c").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(ExpressionTag)), nil, &recorder{})
	require.NoError(t, err)
	require.NoError(t, e.OnRootFirstExecuted(f.root))

	p := f.slotProbe()
	require.NotNil(t, p)
	repl := p.instrumentedNode()
	f.n2, f.inner = nil, nil

	require.Eventually(t, func() bool {
		runtime.GC()
		return p.retired.Load().node.Value() == nil
	}, 5*time.Second, 10*time.Millisecond)

	// The statement itself matches nothing, so with its retired node gone
	// the wrapper is removed on the next execution.
	_, err = f.interpreter(nil).Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Same(t, repl, f.body.Child(1))
}

func TestRetiredSubtree_StillInstrumented(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	_, err := e.NewClient("c").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(ExpressionTag)), nil, &recorder{})
	require.NoError(t, err)
	require.NoError(t, e.OnRootFirstExecuted(f.root))
	require.Nil(t, probeAt(f.inner))

	// An execution may still be inside the retired statement, so its call
	// must be observable too.
	_, err = e.NewClient("d").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(CallTag)), nil, &recorder{})
	require.NoError(t, err)
	assert.NotNil(t, probeAt(f.inner))
	assert.Equal(t, int32(1), f.coarse.calls.Load())
}

// =============================================================================
// Listener failures
// =============================================================================

func TestListenerError_InstrumentReported(t *testing.T) {
	var mu sync.Mutex
	var reported []*ListenerError
	e := newTestEngine(t, WithExceptionHandler(func(err *ListenerError) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}))
	f := newFixture(t)
	boom := errors.New("boom")
	_, err := e.NewClient("c").AttachExecutionListener(
		mustFilter(t, NewFilter().TagIs(StatementTag).LineIs(1)), nil, &recorder{err: boom})
	require.NoError(t, err)
	_, err = e.NewClient("p").AttachExecutionListener(
		mustFilter(t, NewFilter().TagIs(StatementTag).LineIs(3)), nil,
		&ExecutionFuncs{Enter: func(*EventContext, any) error { panic("kaboom") }})
	require.NoError(t, err)

	v, err := f.interpreter(e).Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, "c = 3", v)

	require.Len(t, reported, 2)
	assert.ErrorIs(t, reported[0], boom)
	assert.Equal(t, "enter", reported[0].Event)
	assert.Equal(t, "c", reported[0].Binding.Client().Name())
	assert.Contains(t, reported[1].Error(), "panic: kaboom")
	assert.Equal(t, 2.0, testutil.ToFloat64(e.metrics.listenerFailures.WithLabelValues("enter")))
}

func TestListenerError_LanguagePropagated(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	boom := errors.New("boom")
	rec := &recorder{err: boom}
	_, err := e.ForLanguage(testLanguage).AttachExecutionListener(
		mustFilter(t, NewFilter().TagIs(StatementTag).LineIs(1)), nil, rec)
	require.NoError(t, err)
	later := &recorder{}
	_, err = e.NewClient("c").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(StatementTag)), nil, later)
	require.NoError(t, err)

	_, err = f.interpreter(e).Call(context.Background(), f.root)
	require.ErrorIs(t, err, boom)
	var lerr *ListenerError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, "test", lerr.Binding.Client().Name())

	assert.Equal(t, 1, rec.count("enter a = 1"))
	assert.Equal(t, 1, rec.count("exceptional a = 1"))
	assert.Zero(t, rec.count("return"), "node not executed after a failed enter")
	assert.Zero(t, later.count("enter b = f(a)"), "execution stopped")
}

// =============================================================================
// Factories and inputs
// =============================================================================

type perNode struct {
	recorder
	disposed *atomic.Int32
}

func (p *perNode) OnDispose(*EventContext) { p.disposed.Add(1) }

func TestFactory_PerLocationAndDispose(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	var created, disposed atomic.Int32
	factory := ExecutionFactoryFunc(func(ctx *EventContext) ExecutionListener {
		created.Add(1)
		if ctx.Section().StartLine() == 3 {
			return nil
		}
		return &perNode{disposed: &disposed}
	})
	b, err := e.NewClient("c").AttachExecutionFactory(mustFilter(t, NewFilter().TagIs(StatementTag)), nil, factory)
	require.NoError(t, err)
	it := f.interpreter(e)
	_, err = it.Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, int32(3), created.Load())

	h, ok := e.NewClient("x").LookupExecutionNode(f.n1, b).(*perNode)
	require.True(t, ok)
	assert.Equal(t, []string{"enter a = 1", "return a = 1 a = 1"}, h.Events())
	assert.Nil(t, e.NewClient("y").LookupExecutionNode(f.n3, b), "factory skipped line 3")

	// A second binding on line 1 invalidates that chain only.
	_, err = e.NewClient("d").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(StatementTag).LineIs(1)), nil, &recorder{})
	require.NoError(t, err)
	_, err = it.Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, int32(4), created.Load())
	assert.Equal(t, int32(1), disposed.Load())
}

func TestInputValues_ForwardedToParent(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	type input struct {
		parent, child string
		index         int
		value         any
	}
	var mu sync.Mutex
	var inputs []input
	l := &ExecutionFuncs{
		Input: func(ctx *EventContext, _ any, in *EventContext, index int, value any) error {
			mu.Lock()
			defer mu.Unlock()
			inputs = append(inputs, input{ctx.Section().Text(), in.Section().Text(), index, value})
			return nil
		},
	}
	_, err := e.NewClient("c").AttachExecutionListener(
		mustFilter(t, NewFilter().TagIs(StatementTag)),
		mustFilter(t, NewFilter().TagIs(CallTag)), l)
	require.NoError(t, err)

	_, err = f.interpreter(e).Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Equal(t, []input{{"b = f(a)", "f(a)", 0, "f(a)"}}, inputs)
}

func TestEventContext_FollowsMaterialization(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	_, err := e.NewClient("c").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(StatementTag)), nil, &recorder{})
	require.NoError(t, err)
	require.NoError(t, e.OnRootFirstExecuted(f.root))
	ctx := probeAt(f.n2).Context()
	assert.Same(t, f.n2, ctx.Node())
	assert.Same(t, f.root, ctx.Root())

	_, err = e.NewClient("d").AttachExecutionListener(mustFilter(t, NewFilter().TagIs(ExpressionTag)), nil, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, "stmt", ctx.Node().Kind())
	assert.True(t, ctx.HasTag(StatementTag))
	assert.Same(t, f.root, ctx.Root())
}

// =============================================================================
// Clients
// =============================================================================

func TestClient_QueryTags(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)

	tags, err := e.NewClient("c").QueryTags(f.n2)
	require.NoError(t, err)
	assert.Equal(t, NewTagSet(StatementTag), tags)

	tags, err = e.ForLanguage(testLanguage).QueryTags(f.inner)
	require.NoError(t, err)
	assert.Equal(t, NewTagSet(CallTag), tags)

	_, err = e.ForLanguage(&Language{Name: "other"}).QueryTags(f.n1)
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestClient_LanguageFilterTags(t *testing.T) {
	e := newTestEngine(t)
	c := e.ForLanguage(testLanguage)

	_, err := c.AttachExecutionListener(mustFilter(t, NewFilter().TagIs(ReadVarTag)), nil, &recorder{})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = c.AttachExecutionListener(AnyFilter, mustFilter(t, NewFilter().TagIsNot(WriteVarTag)), &recorder{})
	require.ErrorIs(t, err, ErrUnsupported)

	_, err = c.AttachExecutionListener(mustFilter(t, NewFilter().TagIs(CallTag)), nil, &recorder{})
	require.NoError(t, err)
}

func TestClient_LanguageSeesOwnRootsOnly(t *testing.T) {
	e := newTestEngine(t)
	f := newFixture(t)
	other := &Language{Name: "other", ProvidedTags: NewTagSet(StatementTag)}
	rec := &recorder{}
	_, err := e.ForLanguage(other).AttachExecutionListener(mustFilter(t, NewFilter().TagIs(StatementTag)), nil, rec)
	require.NoError(t, err)

	_, err = f.interpreter(e).Call(context.Background(), f.root)
	require.NoError(t, err)
	assert.Empty(t, rec.Events())
	assert.Nil(t, probeAt(f.n1))
}

// =============================================================================
// Concurrency
// =============================================================================

func TestConcurrentExecutionAndAttach(t *testing.T) {
	e := newTestEngine(t, WithInitialCapacity(1))
	f := newFixture(t)
	it := f.interpreter(e)
	_, err := it.Call(context.Background(), f.root)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_, err := it.Call(context.Background(), f.root)
				assert.NoError(t, err)
			}
		}()
	}

	filters := []*Filter{
		mustFilter(t, NewFilter().TagIs(StatementTag)),
		mustFilter(t, NewFilter().TagIs(ExpressionTag)),
		mustFilter(t, NewFilter().TagIs(CallTag).LineIs(2)),
		AnyFilter,
	}
	for i := range 40 {
		c := e.NewClient("c")
		b, err := c.AttachExecutionListener(filters[i%len(filters)], nil, &recorder{})
		require.NoError(t, err)
		if i%3 == 0 {
			require.NoError(t, b.Dispose())
		}
		if i%7 == 0 {
			require.NoError(t, c.Close())
		}
	}
	cancel()
	wg.Wait()

	assertNoNestedWrappers(t, f.root.Node())
	assert.Equal(t, int32(1), f.coarse.calls.Load(), "materialized once")
}
