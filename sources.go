package arbor

import (
	"context"
	"errors"
	"iter"
	"sync"

	"github.com/jward/arbor/internal/asynclist"
	"github.com/jward/arbor/internal/ledger"
	"github.com/jward/arbor/internal/tree"
)

// sourceTracker notifies source bindings of one phase (load or first
// execution). Sources are only collected while bindings exist; the first
// binding populates the ledger from the roots seen so far.
//
// The write lock covers populating the ledger, registering a binding and
// replaying history to it. Live discovery records sources and picks the
// bindings to notify under the read lock, so a source is either in the
// replayed history or reported live, never both. Live notifications run
// after the lock is released.
type sourceTracker struct {
	category Category
	bindings *asynclist.List[Binding]

	mu     sync.RWMutex
	ledger *ledger.Ledger[tree.Source]
	active bool
}

func newSourceTracker(cat Category, bindings *asynclist.List[Binding]) *sourceTracker {
	return &sourceTracker{category: cat, bindings: bindings, ledger: ledger.New[tree.Source]()}
}

func (t *sourceTracker) roots(e *Engine) iter.Seq[*Root] {
	if t.category == CategoryExecuteSource {
		return e.executedRoots.All()
	}
	return e.loadedRoots.All()
}

// onRoot records the sources of a newly loaded or executed root and reports
// the new ones to the bindings.
func (t *sourceTracker) onRoot(e *Engine, root *Root) error {
	pending, err := t.discover(e, root)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range pending {
		if err := t.notify(e, p.binding, p.source); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type sourceNotification struct {
	binding *Binding
	source  *Source
}

func (t *sourceTracker) discover(e *Engine, root *Root) ([]sourceNotification, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.active {
		return nil, nil
	}
	sources, err := e.findSources(root)
	if err != nil {
		return nil, err
	}
	var pending []sourceNotification
	for _, src := range sources {
		if !t.ledger.Add(src) {
			continue
		}
		for b := range t.bindings.All() {
			pending = append(pending, sourceNotification{binding: b, source: src})
		}
	}
	return pending, nil
}

// attach registers b, replaying every recorded source to it when
// notifyExisting is set.
func (t *sourceTracker) attach(ctx context.Context, e *Engine, b *Binding, notifyExisting bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		var errs []error
		for root := range t.roots(e) {
			sources, err := e.findSources(root)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, src := range sources {
				t.ledger.Add(src)
			}
		}
		t.ledger.MarkComplete()
		t.active = true
		if err := errors.Join(errs...); err != nil {
			return err
		}
	}
	t.bindings.Add(b)
	if !notifyExisting {
		return nil
	}
	history, err := t.ledger.AwaitComplete(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, src := range history {
		if err := t.notify(e, b, src); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// onDispose drops the history once no live binding needs it.
func (t *sourceTracker) onDispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return
	}
	for range t.bindings.All() {
		return
	}
	t.ledger = ledger.New[tree.Source]()
	t.active = false
}

func (t *sourceTracker) notify(e *Engine, b *Binding, src *Source) error {
	if b.IsDisposed() || !b.isInstrumentedSource(src) {
		return nil
	}
	if t.category == CategoryExecuteSource {
		l := b.element.(ExecuteSourceListener)
		return e.dispatch(b, "execute_source", nil, func() error {
			return l.OnExecute(ExecuteSourceEvent{Source: src})
		})
	}
	l := b.element.(LoadSourceListener)
	return e.dispatch(b, "load_source", nil, func() error {
		return l.OnLoad(LoadSourceEvent{Source: src})
	})
}

// findSources returns the distinct sources of root in discovery order.
// A summary proving a single source avoids the walk.
func (e *Engine) findSources(root *Root) ([]*Source, error) {
	sec := root.Section()
	if sec != nil {
		if bits := root.Bits(); !bits.Uninitialized() && bits.SameSource() {
			return []*Source{sec.Source()}, nil
		}
	}
	f := newSourceFinder()
	if sec != nil {
		f.add(sec.Source())
	}
	if err := e.visitRoot(root, nil, f, triggerSources, false); err != nil {
		return nil, err
	}
	return f.sources, nil
}
