package arbor

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jward/arbor/internal/tree"
)

// nodeVisitor is applied by a walk to every instrumentable node.
type nodeVisitor interface {
	shouldVisit(w *walk) bool
	prepare(w *walk)
	// materializeTags returns the tags to materialize for, nil for none.
	materializeTags(w *walk) TagSet
	visitInstrumentable(w *walk, parent *Node, parentSec *Section, n *Node, sec *Section) error
}

// walk is the state of one traversal of one root. It is allocated per call.
type walk struct {
	e           *Engine
	v           nodeVisitor
	root        *Root
	rootSection *Section
	provided    TagSet
	rootBits    Bits

	materializeTags TagSet
	leaf            []bool

	// computing accumulates the root summary; uninitialized when the walk
	// does not compute it.
	computing Bits

	visitingRetired      bool
	visitingMaterialized bool

	// pending holds listener notifications, run after the root is unlocked.
	pending []func() error
}

// visitRoot walks the subtree at start (the whole root when start is nil).
// Listener notifications collected during the walk run after the root lock
// is released.
func (e *Engine) visitRoot(root *Root, start *Node, v nodeVisitor, trigger string, forceBits bool) error {
	if v == nil || !root.Instrumentable() {
		return nil
	}
	w := &walk{
		e:           e,
		v:           v,
		root:        root,
		rootSection: root.Section(),
		provided:    root.ProvidedTags(),
		rootBits:    root.Bits(),
	}
	visit := v.shouldVisit(w)
	if !visit && !forceBits {
		e.metrics.walksSkipped.WithLabelValues(trigger).Inc()
		return nil
	}
	if visit {
		v.prepare(w)
		w.materializeTags = v.materializeTags(w)
	}
	// A partial walk cannot establish a summary, only refine one.
	switch {
	case w.rootBits.Uninitialized() && start == nil:
		w.computing = tree.AllBits
	case forceBits:
		w.computing = w.rootBits
	}

	e.metrics.walks.WithLabelValues(trigger).Inc()
	timer := prometheus.NewTimer(e.metrics.walkDuration)
	root.Lock()
	err := w.walkFrom(start, visit)
	if err == nil && w.computing != tree.BitsUninitialized {
		root.SetBits(w.computing)
	}
	root.Unlock()
	timer.ObserveDuration()
	e.logger.Debug("walked root", "root", root.Name(), "trigger", trigger, "notifications", len(w.pending))
	if err != nil {
		return err
	}

	var errs []error
	for _, fn := range w.pending {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// walkFrom starts below the root node or at a dynamically inserted subtree.
// Without visiting, it only recomputes the summary.
func (w *walk) walkFrom(start *Node, visit bool) error {
	if !visit {
		w.v = summaryOnly{}
	}
	if start == nil {
		return w.visit(w.root.Node(), nil, nil)
	}
	parent, parentSec := nearestInstrumentableAncestor(start)
	return w.visit(start, parent, parentSec)
}

func nearestInstrumentableAncestor(n *Node) (*Node, *Section) {
	for a := n.Parent(); a != nil; a = a.Parent() {
		if a.IsInstrumentable() {
			return a, a.Section()
		}
	}
	return nil, nil
}

func (w *walk) visit(n *Node, parent *Node, parentSec *Section) error {
	if n == nil {
		return nil
	}
	if n.IsWrapper() {
		return w.visit(n.Delegate(), parent, parentSec)
	}

	materialized := false
	if n.IsInstrumentable() {
		sec := n.Section()
		w.computeRootBits(sec)

		p := n.Parent()
		if p == nil {
			return contractErrorf("instrumentable node %s has no parent", n)
		}
		if probe := probeOf(p); probe != nil && !w.visitingRetired {
			if err := w.visitPreviouslyRetired(probe, parent, parentSec); err != nil {
				return err
			}
		}
		if !w.visitingRetired && w.materializeTags.Len() > 0 {
			m, err := w.materialize(n, sec)
			if err != nil {
				return err
			}
			if m != n {
				if err := w.visitNewlyRetired(n, parent, parentSec); err != nil {
					return err
				}
				n = m
				materialized = true
			}
		}

		saved := w.visitingMaterialized
		w.visitingMaterialized = saved || materialized
		err := w.v.visitInstrumentable(w, parent, parentSec, n, sec)
		w.visitingMaterialized = saved
		if err != nil {
			return err
		}
		parent, parentSec = n, sec
	}

	saved := w.visitingMaterialized
	w.visitingMaterialized = saved || materialized
	defer func() { w.visitingMaterialized = saved }()
	for _, c := range n.Children() {
		if err := w.visit(c, parent, parentSec); err != nil {
			return err
		}
	}
	return nil
}

func probeOf(n *Node) *Probe {
	if n == nil || !n.IsWrapper() {
		return nil
	}
	p, _ := n.Interceptor().(*Probe)
	return p
}

// materialize offers n to its materializer. A different result replaces n
// in the tree below a wrapper carrying the original probe, or a new one.
func (w *walk) materialize(n *Node, sec *Section) (*Node, error) {
	m, ok := n.Caps().(tree.Materializer)
	if !ok {
		return n, nil
	}
	probe := probeOf(n.Parent())
	if probe != nil && probe.materializedFor(w.materializeTags) {
		return n, nil
	}
	repl := m.Materialize(n, w.materializeTags)
	if repl == nil || repl == n {
		return n, nil
	}
	if repl.Parent() != nil {
		return nil, contractErrorf("materialized node %s for %s is already adopted by %s", repl, n, repl.Parent())
	}
	if !repl.Section().Equal(sec) {
		return nil, contractErrorf("materialized node %s does not cover the section of %s", repl, n)
	}

	if probe != nil {
		old := n.Parent()
		nw, err := newWrapperNode(repl, probe)
		if err != nil {
			return nil, err
		}
		if err := old.Replace(nw); err != nil {
			return nil, contractErrorf("replace wrapper of %s: %v", n, err)
		}
		probe.wrapper.Store(nw)
		probe.setRetired(n, w.materializeTags)
		probe.invalidate()
	} else {
		probe = newProbe(w.e, sec)
		nw, err := newWrapperNode(repl, probe)
		if err != nil {
			return nil, err
		}
		probe.wrapper.Store(nw)
		probe.setRetired(n, w.materializeTags)
		if err := n.Replace(nw); err != nil {
			return nil, contractErrorf("replace %s: %v", n, err)
		}
		w.e.metrics.wrappersInserted.Inc()
	}
	w.e.metrics.materializations.Inc()
	w.e.logger.Debug("node materialized", "node", n.String(), "tags", w.materializeTags.String())
	return repl, nil
}

// visitNewlyRetired applies the original-tree operations below a node that
// this walk just replaced; executions in progress may still run it.
func (w *walk) visitNewlyRetired(n *Node, parent *Node, parentSec *Section) error {
	return w.visitRetiredChildren(n, parent, parentSec)
}

func (w *walk) visitPreviouslyRetired(p *Probe, parent *Node, parentSec *Section) error {
	for r := p.retiredRefs(); r != nil; r = r.next {
		n := r.node.Value()
		if n == nil {
			continue
		}
		if err := w.visitRetiredChildren(n, parent, parentSec); err != nil {
			return err
		}
	}
	return nil
}

// visitRetiredChildren visits below a retired node without materializing.
// The retired node itself is represented by the probe that retired it.
func (w *walk) visitRetiredChildren(n *Node, parent *Node, parentSec *Section) error {
	savedRetired, savedMaterialized := w.visitingRetired, w.visitingMaterialized
	w.visitingRetired, w.visitingMaterialized = true, false
	defer func() { w.visitingRetired, w.visitingMaterialized = savedRetired, savedMaterialized }()
	if n.IsInstrumentable() {
		parent, parentSec = n, n.Section()
	}
	for _, c := range n.Children() {
		if err := w.visit(c, parent, parentSec); err != nil {
			return err
		}
	}
	return nil
}

func (w *walk) computeRootBits(sec *Section) {
	bits := w.computing
	if bits.Uninitialized() || sec == nil {
		return
	}
	bits = bits.WithSourceSection()
	if w.rootSection != nil {
		if bits.Hierarchical() && !w.rootSection.Contains(sec) {
			bits = bits.WithUnstructured()
		}
		if bits.SameSource() && w.rootSection.Source() != sec.Source() {
			bits = bits.WithDifferentSource()
		}
	} else {
		bits = bits.WithUnstructured().WithDifferentSource()
	}
	w.computing = bits
}

// summaryOnly walks to recompute the root summary without applying anything.
type summaryOnly struct{}

func (summaryOnly) shouldVisit(*walk) bool       { return true }
func (summaryOnly) prepare(*walk)                {}
func (summaryOnly) materializeTags(*walk) TagSet { return nil }
func (summaryOnly) visitInstrumentable(*walk, *Node, *Section, *Node, *Section) error {
	return nil
}

// sourceFinder collects the distinct sources of a root's sections in
// discovery order.
type sourceFinder struct {
	seen    map[*Source]struct{}
	sources []*Source
}

func newSourceFinder() *sourceFinder {
	return &sourceFinder{seen: make(map[*Source]struct{})}
}

func (f *sourceFinder) add(src *Source) {
	if src == nil {
		return
	}
	if _, ok := f.seen[src]; ok {
		return
	}
	f.seen[src] = struct{}{}
	f.sources = append(f.sources, src)
}

func (f *sourceFinder) shouldVisit(*walk) bool       { return true }
func (f *sourceFinder) prepare(*walk)                {}
func (f *sourceFinder) materializeTags(*walk) TagSet { return nil }
func (f *sourceFinder) visitInstrumentable(_ *walk, _ *Node, _ *Section, _ *Node, sec *Section) error {
	if sec != nil {
		f.add(sec.Source())
	}
	return nil
}
