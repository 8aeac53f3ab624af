package arbor

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jward/arbor/internal/asynclist"
	"github.com/jward/arbor/internal/tree"
)

const defaultCapacity = 8

// Engine tracks the roots an executor loads and runs, and the bindings of
// its clients. The executor reports roots through the On* hooks; clients
// attach bindings through a Client. All methods are safe for concurrent use.
type Engine struct {
	logger          *slog.Logger
	registry        *prometheus.Registry
	metrics         *metrics
	onListenerError func(*ListenerError)
	capacity        int

	// Roots are held weakly: the executor owns them.
	loadedRoots   *asynclist.WeakList[tree.Root]
	executedRoots *asynclist.WeakList[tree.Root]

	execution  *asynclist.List[Binding]
	sections   *asynclist.List[Binding]
	output     *asynclist.List[Binding]
	errOutput  *asynclist.List[Binding]
	allocation *asynclist.List[Binding]
	contexts   *asynclist.List[Binding]
	threads    *asynclist.List[Binding]

	loadedSources   *sourceTracker
	executedSources *sourceTracker

	lifecycle      sync.Mutex
	activeContexts []string
	activeThreads  []threadKey

	clientsMu sync.Mutex
	clients   []*Client
}

// NewEngine creates an engine with no roots and no bindings.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{capacity: defaultCapacity}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.registry == nil {
		e.registry = prometheus.NewRegistry()
	}
	if e.onListenerError == nil {
		e.onListenerError = e.logListenerError
	}
	e.metrics = newMetrics(e.registry)

	e.loadedRoots = asynclist.NewWeak[tree.Root](e.capacity)
	e.executedRoots = asynclist.NewWeak[tree.Root](e.capacity)
	newBindings := func() *asynclist.List[Binding] {
		return asynclist.New(e.capacity, func(b *Binding) bool { return !b.IsDisposed() })
	}
	e.execution = newBindings()
	e.sections = newBindings()
	e.output = newBindings()
	e.errOutput = newBindings()
	e.allocation = newBindings()
	e.contexts = newBindings()
	e.threads = newBindings()

	e.loadedSources = newSourceTracker(CategoryLoadSource, newBindings())
	e.executedSources = newSourceTracker(CategoryExecuteSource, newBindings())
	return e
}

// Gatherer exposes the engine's metrics.
func (e *Engine) Gatherer() prometheus.Gatherer { return e.registry }

// Close closes every client of the engine.
func (e *Engine) Close() error {
	e.clientsMu.Lock()
	clients := e.clients
	e.clients = nil
	e.clientsMu.Unlock()

	var errs []error
	for _, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnRootLoaded is called once by the executor when root becomes known,
// before it runs. Section bindings are notified of its matching nodes and
// load-source bindings of its new sources.
func (e *Engine) OnRootLoaded(root *Root) error {
	if !root.Instrumentable() {
		return nil
	}
	e.loadedRoots.Add(root)

	var errs []error
	if !e.sections.IsEmpty() {
		v := e.operations().
			notifyLoadedForAll(scopeAll).
			build()
		if err := e.visitRoot(root, nil, visitorOrNil(v), triggerLoad, false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.loadedSources.onRoot(e, root); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("arbor: load %s: %w", root.Name(), err)
	}
	return nil
}

// OnRootFirstExecuted is called once by the executor before root runs for
// the first time. Matching nodes get wrappers; nodes materialized on the way
// are also reported to section bindings.
func (e *Engine) OnRootFirstExecuted(root *Root) error {
	if !root.Instrumentable() {
		return nil
	}
	// Registered before the walk so that a binding attached meanwhile walks
	// this root too.
	e.executedRoots.Add(root)
	var errs []error
	if !e.execution.IsEmpty() {
		ob := e.operations().insertWrapperForAll(scopeAll)
		if !e.sections.IsEmpty() {
			ob.notifyLoadedForAll(scopeOnlyMaterialized)
		}
		if err := e.visitRoot(root, nil, visitorOrNil(ob.build()), triggerFirstExecution, false); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.executedSources.onRoot(e, root); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("arbor: first execution of %s: %w", root.Name(), err)
	}
	return nil
}

// OnNodeInserted is called by the executor after it adopted subtree into
// root. The subtree is treated like freshly loaded code and the root
// summary is refined for it.
func (e *Engine) OnNodeInserted(root *Root, subtree *Node) error {
	if !root.Instrumentable() {
		return nil
	}
	if subtree.Parent() == nil {
		return contractErrorf("inserted node %s has no parent", subtree)
	}
	ob := e.operations()
	if !e.sections.IsEmpty() {
		ob.notifyLoadedForAll(scopeAll)
	}
	if !e.execution.IsEmpty() {
		ob.insertWrapperForAll(scopeAll)
	}
	v := ob.build()
	if v == nil {
		return nil
	}
	if err := e.visitRoot(root, subtree, visitorOrNil(v), triggerNodeInserted, true); err != nil {
		return fmt.Errorf("arbor: node inserted in %s: %w", root.Name(), err)
	}
	return nil
}

// visitRoots walks each root, collecting failures.
func (e *Engine) visitRoots(roots iter.Seq[*Root], v func() nodeVisitor, trigger string) error {
	var errs []error
	for root := range roots {
		if err := e.visitRoot(root, nil, v(), trigger, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", root.Name(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("arbor: %s walk had %d error(s): %w", trigger, len(errs), errors.Join(errs...))
	}
	return nil
}

func (e *Engine) addExecutionBinding(b *Binding) error {
	e.execution.Add(b)
	return e.visitRoots(e.executedRoots.All(), func() nodeVisitor {
		ob := e.operations().
			insertWrapperFor(scopeOnlyOriginal, b).
			insertWrapperForAll(scopeOnlyMaterialized)
		if !e.sections.IsEmpty() {
			ob.notifyLoadedForAll(scopeOnlyMaterialized)
		}
		return visitorOrNil(ob.build())
	}, triggerAttach)
}

func (e *Engine) addSectionBinding(b *Binding, notifyExisting bool) error {
	e.sections.Add(b)
	if !notifyExisting {
		return nil
	}
	return e.visitRoots(e.loadedRoots.All(), func() nodeVisitor {
		ob := e.operations().
			notifyLoadedFor(scopeOnlyOriginal, b).
			notifyLoadedForAll(scopeOnlyMaterialized)
		if !e.execution.IsEmpty() {
			ob.insertWrapperForAll(scopeOnlyMaterialized)
		}
		return visitorOrNil(ob.build())
	}, triggerAttach)
}

// visitLoadedSourceSections reports matching loaded nodes to l once,
// without registering it.
func (e *Engine) visitLoadedSourceSections(b *Binding) error {
	return e.visitRoots(e.loadedRoots.All(), func() nodeVisitor {
		ob := e.operations().notifyLoadedFor(scopeOnlyOriginal, b)
		if !e.sections.IsEmpty() {
			ob.notifyLoadedForAll(scopeOnlyMaterialized)
		}
		if !e.execution.IsEmpty() {
			ob.insertWrapperForAll(scopeOnlyMaterialized)
		}
		return visitorOrNil(ob.build())
	}, triggerVisitSections)
}

// disposeExecutionBindings invalidates every wrapper the bindings
// instrumented. Chains already captured by running executions keep going.
func (e *Engine) disposeExecutionBindings(bindings ...*Binding) error {
	if len(bindings) == 0 {
		return nil
	}
	return e.visitRoots(e.executedRoots.All(), func() nodeVisitor {
		return visitorOrNil(e.operations().disposeWrapperFor(bindings...).build())
	}, triggerDispose)
}

// disposeBinding runs after b's disposed flag was set.
func (e *Engine) disposeBinding(b *Binding) error {
	switch b.category {
	case CategoryExecution:
		return e.disposeExecutionBindings(b)
	case CategoryLoadSource:
		e.loadedSources.onDispose()
	case CategoryExecuteSource:
		e.executedSources.onDispose()
	}
	return nil
}

// visitorOrNil keeps a nil *bindingsVisitor from becoming a non-nil
// interface.
func visitorOrNil(v *bindingsVisitor) nodeVisitor {
	if v == nil {
		return nil
	}
	return v
}

// dispatch runs one listener callback. Failures of language bindings are
// returned; other failures go to the exception handler.
func (e *Engine) dispatch(b *Binding, event string, sec *Section, fn func() error) error {
	err := callListener(fn)
	if err == nil {
		return nil
	}
	lerr := &ListenerError{Binding: b, Event: event, Section: sec, Err: err}
	e.metrics.listenerFailures.WithLabelValues(event).Inc()
	if b.isLanguageBinding() {
		return lerr
	}
	e.onListenerError(lerr)
	return nil
}

func (e *Engine) logListenerError(lerr *ListenerError) {
	attrs := []any{"client", lerr.Binding.client.name, "event", lerr.Event, "error", lerr.Err}
	if lerr.Section != nil {
		attrs = append(attrs, "section", lerr.Section.String())
	}
	e.logger.Error("listener failed", attrs...)
}

func (e *Engine) register(c *Client) {
	e.clientsMu.Lock()
	e.clients = append(e.clients, c)
	e.clientsMu.Unlock()
}
