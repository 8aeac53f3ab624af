package arbor

import (
	"errors"
	"sync/atomic"
	"weak"

	"github.com/jward/arbor/internal/tree"
)

// Probe is the interceptor behind one wrapper. It owns the event chain of
// the location and the references to nodes retired by materialization
// below it. A probe outlives wrapper swaps caused by materialization.
type Probe struct {
	engine  *Engine
	section *Section
	ctx     EventContext

	wrapper atomic.Pointer[tree.Node]
	chain   atomic.Pointer[eventChain]
	version atomic.Uint64
	retired atomic.Pointer[retiredRef]
	removed atomic.Bool
}

// retiredRef is a node replaced by materialization that executions already
// in progress may still be running.
type retiredRef struct {
	node weak.Pointer[tree.Node]
	tags TagSet
	next *retiredRef
}

func newProbe(e *Engine, sec *Section) *Probe {
	p := &Probe{engine: e, section: sec}
	p.ctx.probe = p
	return p
}

// Context returns the event context of the location.
func (p *Probe) Context() *EventContext { return &p.ctx }

func (p *Probe) instrumentedNode() *Node {
	w := p.wrapper.Load()
	if w == nil {
		return nil
	}
	return w.Delegate()
}

// invalidate discards the published chain. The next Enter rebuilds it.
func (p *Probe) invalidate() {
	p.version.Add(1)
	p.engine.metrics.invalidations.Inc()
}

// Must be called with the root locked.
func (p *Probe) setRetired(n *Node, tags TagSet) {
	p.retired.Store(&retiredRef{node: weak.Make(n), tags: tags, next: p.retiredRefs()})
}

// retiredRefs returns the live retired references, dropping collected ones.
// Must be called with the root locked.
func (p *Probe) retiredRefs() *retiredRef {
	var head, tail *retiredRef
	changed := false
	for r := p.retired.Load(); r != nil; r = r.next {
		if r.node.Value() == nil {
			changed = true
			continue
		}
		cp := &retiredRef{node: r.node, tags: r.tags}
		if tail == nil {
			head = cp
		} else {
			tail.next = cp
		}
		tail = cp
	}
	if changed {
		p.retired.Store(head)
		return head
	}
	return p.retired.Load()
}

// materializedFor reports whether the current delegate was produced by a
// materialization covering tags.
func (p *Probe) materializedFor(tags TagSet) bool {
	for r := p.retiredRefs(); r != nil; r = r.next {
		if r.tags.ContainsAll(tags) {
			return true
		}
	}
	return false
}

// Enter starts one execution of the wrapped node. An empty chain yields an
// activation that does nothing. If a language listener fails, the chain is
// completed exceptionally and the error is returned; the node must not be
// executed.
func (p *Probe) Enter(frame any) (tree.Activation, error) {
	c, err := p.currentChain()
	if err != nil {
		return nil, err
	}
	if c == nil || len(c.links) == 0 {
		return noActivation{}, nil
	}
	if err := c.enter(p, frame); err != nil {
		return nil, errors.Join(err, c.returnExceptional(p, frame, err))
	}
	return &activation{probe: p, chain: c, frame: frame}, nil
}

func (p *Probe) currentChain() (*eventChain, error) {
	v := p.version.Load()
	if c := p.chain.Load(); c != nil && c.version == v {
		return c, nil
	}
	return p.rebuild(v)
}

// rebuild creates the chain outside the root lock and publishes it under
// the lock. An empty chain without retired nodes removes the wrapper.
func (p *Probe) rebuild(v uint64) (*eventChain, error) {
	w := p.wrapper.Load()
	if w == nil || p.removed.Load() {
		return nil, nil
	}
	next, err := p.engine.buildEventChain(p, v)
	root := w.Root()
	if root == nil {
		return next, err
	}

	root.Lock()
	cur := p.chain.Load()
	if cur != nil && cur.version == p.version.Load() {
		root.Unlock()
		next.dispose(p)
		return cur, err
	}
	if len(next.links) == 0 && p.version.Load() == v && p.retiredRefs() == nil && p.wrapper.Load() == w {
		if uerr := w.Unwrap(); uerr == nil {
			p.removed.Store(true)
			p.engine.metrics.wrappersRemoved.Inc()
			p.engine.logger.Debug("wrapper removed", "section", p.section)
		}
	}
	p.chain.Store(next)
	root.Unlock()

	if cur != nil {
		cur.dispose(p)
	}
	return next, err
}

type activation struct {
	probe *Probe
	chain *eventChain
	frame any
}

func (a *activation) ReturnValue(result any) error {
	return a.chain.returnValue(a.probe, a.frame, result)
}

func (a *activation) ReturnExceptional(err error) error {
	return a.chain.returnExceptional(a.probe, a.frame, err)
}

type noActivation struct{}

func (noActivation) ReturnValue(any) error         { return nil }
func (noActivation) ReturnExceptional(error) error { return nil }

// insertWrapper wraps n, or invalidates the existing wrapper if n is
// already wrapped. Must be called with the root locked.
func (e *Engine) insertWrapper(n *Node, sec *Section) error {
	parent := n.Parent()
	if parent == nil {
		return contractErrorf("instrumentable node %s has no parent", n)
	}
	if parent.IsWrapper() {
		if p, ok := parent.Interceptor().(*Probe); ok {
			p.invalidate()
		}
		return nil
	}
	p := newProbe(e, sec)
	w, err := newWrapperNode(n, p)
	if err != nil {
		return err
	}
	p.wrapper.Store(w)
	if err := n.Replace(w); err != nil {
		return contractErrorf("insert wrapper at %s: %v", n, err)
	}
	e.metrics.wrappersInserted.Inc()
	return nil
}

// invalidateWrapper invalidates the probe above n, if any. Must be called
// with the root locked.
func invalidateWrapper(n *Node) {
	parent := n.Parent()
	if parent == nil || !parent.IsWrapper() {
		return
	}
	if p, ok := parent.Interceptor().(*Probe); ok {
		p.invalidate()
	}
}

// newWrapperNode asks the node's capabilities for a wrapper, falling back
// to a generic one, and checks the result.
func newWrapperNode(delegate *Node, p *Probe) (*Node, error) {
	var w *Node
	if f, ok := delegate.Caps().(tree.WrapperFactory); ok {
		w = f.CreateWrapper(delegate, p)
	} else {
		w = tree.NewWrapper(delegate, p)
	}
	switch {
	case w == nil:
		return nil, contractErrorf("no wrapper created for %s", delegate)
	case w.Parent() != nil:
		return nil, contractErrorf("wrapper for %s is already adopted by %s", delegate, w.Parent())
	case w.Interceptor() != Interceptor(p):
		return nil, contractErrorf("wrapper for %s does not use its probe", delegate)
	case w.Delegate() != delegate:
		return nil, contractErrorf("wrapper for %s does not delegate to it", delegate)
	}
	return w, nil
}
