package arbor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jward/arbor/internal/tree"
)

// Client owns a set of bindings. An instrument client observes every
// instrumentable root; a language client only observes roots and sources
// of its language, and failures of its listeners propagate to the executor.
//
// Listeners run after the root lock is released, so they may attach
// bindings. A listener must not wait on another goroutine that is walking
// the same root; that deadlocks.
type Client struct {
	engine   *Engine
	name     string
	language *Language
	closed   atomic.Bool

	mu       sync.Mutex
	bindings []*Binding
}

// NewClient returns an instrument client.
func (e *Engine) NewClient(name string) *Client {
	c := &Client{engine: e, name: name}
	e.register(c)
	return c
}

// ForLanguage returns a client restricted to lang.
func (e *Engine) ForLanguage(lang *Language) *Client {
	c := &Client{engine: e, name: lang.Name, language: lang}
	e.register(c)
	return c
}

func (c *Client) Name() string        { return c.name }
func (c *Client) Language() *Language { return c.language }

func (c *Client) isInstrumentableRoot(root *Root) bool {
	if c.language == nil {
		return true
	}
	l := root.Language()
	return l == c.language || (l != nil && l.Name == c.language.Name)
}

func (c *Client) isInstrumentableSource(src *Source) bool {
	return c.language == nil || src.Language() == c.language.Name
}

// verifyFilter rejects filters a language client cannot evaluate.
func (c *Client) verifyFilter(f *Filter) error {
	if f == nil || c.language == nil {
		return nil
	}
	for _, t := range f.ReferencedTags().Sorted() {
		if !c.language.ProvidedTags.Has(t) {
			return fmt.Errorf("arbor: filter references tag %q not provided by language %s: %w", t, c.language.Name, ErrUnsupported)
		}
	}
	return nil
}

func (c *Client) bind(cat Category, f, input *Filter, element any) (*Binding, error) {
	if c.closed.Load() {
		return nil, fmt.Errorf("arbor: attach to %s: %w", c.name, ErrClientClosed)
	}
	if err := errors.Join(c.verifyFilter(f), c.verifyFilter(input)); err != nil {
		return nil, err
	}
	b := newBinding(c, cat, f, input, element)
	c.mu.Lock()
	c.bindings = append(c.bindings, b)
	c.mu.Unlock()
	return b, nil
}

func sourceOnly(f *Filter) error {
	if f != nil && !f.IsSourceOnly() {
		return fmt.Errorf("arbor: source listeners need a source-only filter, got %s: %w", f, ErrUnsupported)
	}
	return nil
}

// AttachExecutionListener instruments matching locations of executed roots
// with l. With an input filter, l also receives the values of matching
// children of each location through InputValueListener. The binding is
// returned even when instrumenting existing roots failed.
func (c *Client) AttachExecutionListener(f, input *Filter, l ExecutionListener) (*Binding, error) {
	b, err := c.bind(CategoryExecution, f, input, l)
	if err != nil {
		return nil, err
	}
	return b, c.engine.addExecutionBinding(b)
}

// AttachExecutionFactory is like AttachExecutionListener with one listener
// created per location.
func (c *Client) AttachExecutionFactory(f, input *Filter, factory ExecutionNodeFactory) (*Binding, error) {
	b, err := c.bind(CategoryExecution, f, input, factory)
	if err != nil {
		return nil, err
	}
	return b, c.engine.addExecutionBinding(b)
}

// AttachLoadSourceSectionListener reports loaded nodes matching f. With
// notifyExisting, nodes of roots loaded earlier are reported first.
func (c *Client) AttachLoadSourceSectionListener(f *Filter, l LoadSourceSectionListener, notifyExisting bool) (*Binding, error) {
	b, err := c.bind(CategorySourceSection, f, nil, l)
	if err != nil {
		return nil, err
	}
	return b, c.engine.addSectionBinding(b, notifyExisting)
}

// VisitLoadedSourceSections reports the matching nodes of every loaded root
// to l once, without keeping a binding.
func (c *Client) VisitLoadedSourceSections(f *Filter, l LoadSourceSectionListener) error {
	b, err := c.bind(CategorySourceSection, f, nil, l)
	if err != nil {
		return err
	}
	defer c.forget(b)
	return c.engine.visitLoadedSourceSections(b)
}

// AttachLoadSourceListener reports each loaded source matching f once. With
// notifyExisting, sources loaded earlier are replayed in discovery order; ctx
// bounds the wait for that history.
//
// The replay runs under the load-source lock: a listener must not attach or
// dispose load-source bindings while it is being replayed to. Sources
// discovered later are reported without the lock held.
func (c *Client) AttachLoadSourceListener(ctx context.Context, f *Filter, l LoadSourceListener, notifyExisting bool) (*Binding, error) {
	if err := sourceOnly(f); err != nil {
		return nil, err
	}
	b, err := c.bind(CategoryLoadSource, f, nil, l)
	if err != nil {
		return nil, err
	}
	return b, c.engine.loadedSources.attach(ctx, c.engine, b, notifyExisting)
}

// AttachExecuteSourceListener reports each source matching f once, when
// code of it runs for the first time. The replay with notifyExisting has the
// same locking caveat as AttachLoadSourceListener.
func (c *Client) AttachExecuteSourceListener(ctx context.Context, f *Filter, l ExecuteSourceListener, notifyExisting bool) (*Binding, error) {
	if err := sourceOnly(f); err != nil {
		return nil, err
	}
	b, err := c.bind(CategoryExecuteSource, f, nil, l)
	if err != nil {
		return nil, err
	}
	return b, c.engine.executedSources.attach(ctx, c.engine, b, notifyExisting)
}

// LookupExecutionNode returns the listener b uses at n, or nil when n is not
// instrumented for b or its chain was not built yet.
func (c *Client) LookupExecutionNode(n *Node, b *Binding) ExecutionListener {
	p := probeOf(n.Parent())
	if p == nil || b.category != CategoryExecution {
		return nil
	}
	ch := p.chain.Load()
	if ch == nil {
		return nil
	}
	for _, l := range ch.links {
		if !l.input && l.binding == b {
			return l.handler
		}
	}
	return nil
}

// QueryTags returns the tags of n within its language's vocabulary. A
// language client may only query nodes of its own language.
func (c *Client) QueryTags(n *Node) (TagSet, error) {
	if n.IsWrapper() {
		n = n.Delegate()
	}
	root := n.Root()
	if c.language != nil && (root == nil || !c.isInstrumentableRoot(root)) {
		return nil, fmt.Errorf("arbor: query tags of %s from language %s: %w", n, c.language.Name, ErrUnsupported)
	}
	var provided TagSet
	if root != nil {
		provided = root.ProvidedTags()
	}
	tags := tree.NewTagSet()
	for t := range provided {
		if n.HasTag(t) {
			tags[t] = struct{}{}
		}
	}
	return tags, nil
}

// Close disposes every binding of the client. Execution bindings are
// disposed together with one walk per root.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	bindings := c.bindings
	c.bindings = nil
	c.mu.Unlock()

	var exec []*Binding
	var errs []error
	for _, b := range bindings {
		if !b.disposed.CompareAndSwap(false, true) {
			continue
		}
		if b.category == CategoryExecution {
			exec = append(exec, b)
			continue
		}
		if err := c.engine.disposeBinding(b); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.engine.disposeExecutionBindings(exec...); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Client) forget(b *Binding) {
	b.disposed.Store(true)
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, x := range c.bindings {
		if x == b {
			c.bindings = append(c.bindings[:i], c.bindings[i+1:]...)
			return
		}
	}
}
