package arbor

import (
	"github.com/jward/arbor/internal/filter"
)

// scope selects the part of a walked tree an operation applies to.
type scope uint8

const (
	// scopeAll applies to every node.
	scopeAll scope = iota
	// scopeOnlyOriginal applies to nodes that existed before the walk.
	scopeOnlyOriginal
	// scopeOnlyMaterialized applies to nodes produced by materialization
	// during the walk. Nothing has seen them yet, so they get every binding.
	scopeOnlyMaterialized
)

func (s scope) String() string {
	switch s {
	case scopeOnlyOriginal:
		return "original"
	case scopeOnlyMaterialized:
		return "materialized"
	}
	return "all"
}

type opKind uint8

const (
	opInsertWrapper opKind = iota
	opNotifyLoaded
	opDisposeWrapper
)

type visitOperation struct {
	kind     opKind
	scope    scope
	bindings []*Binding
	// targeted is set for operations built for named bindings rather than
	// for everything registered in a category.
	targeted bool
}

func (op *visitOperation) single() bool { return op.targeted && len(op.bindings) == 1 }

func (op *visitOperation) inScope(materialized bool) bool {
	switch op.scope {
	case scopeOnlyOriginal:
		return !materialized
	case scopeOnlyMaterialized:
		return materialized
	}
	return true
}

// operationBuilder composes the operations of one walk.
type operationBuilder struct {
	e   *Engine
	ops []*visitOperation
}

func (e *Engine) operations() *operationBuilder {
	return &operationBuilder{e: e}
}

func (ob *operationBuilder) add(kind opKind, s scope, bindings []*Binding, targeted bool) *operationBuilder {
	if len(bindings) > 0 {
		ob.ops = append(ob.ops, &visitOperation{kind: kind, scope: s, bindings: bindings, targeted: targeted})
	}
	return ob
}

func (ob *operationBuilder) insertWrapperForAll(s scope) *operationBuilder {
	return ob.add(opInsertWrapper, s, ob.e.execution.Snapshot(), false)
}

func (ob *operationBuilder) insertWrapperFor(s scope, b *Binding) *operationBuilder {
	return ob.add(opInsertWrapper, s, []*Binding{b}, true)
}

func (ob *operationBuilder) notifyLoadedForAll(s scope) *operationBuilder {
	return ob.add(opNotifyLoaded, s, ob.e.sections.Snapshot(), false)
}

func (ob *operationBuilder) notifyLoadedFor(s scope, b *Binding) *operationBuilder {
	return ob.add(opNotifyLoaded, s, []*Binding{b}, true)
}

func (ob *operationBuilder) disposeWrapperFor(bindings ...*Binding) *operationBuilder {
	return ob.add(opDisposeWrapper, scopeAll, bindings, true)
}

// build returns nil when no operation has a binding.
func (ob *operationBuilder) build() *bindingsVisitor {
	if len(ob.ops) == 0 {
		return nil
	}
	return newBindingsVisitor(ob.ops)
}

// bindingsVisitor applies operations to every instrumentable node.
type bindingsVisitor struct {
	ops []*visitOperation

	// singleBinding is set when exactly one single-binding operation drives
	// the original tree. Its binding was applied to nothing here before, so
	// it can be matched by the node alone once the root accepted it.
	singleBinding bool
	materialize   bool
	limited       TagSet
	allTags       bool
}

func newBindingsVisitor(ops []*visitOperation) *bindingsVisitor {
	v := &bindingsVisitor{ops: ops}
	singles, multiOriginal := 0, 0
	var limited []TagSet
	for _, op := range ops {
		if op.single() {
			singles++
		} else if op.scope != scopeOnlyMaterialized {
			multiOriginal++
		}
		if op.kind == opDisposeWrapper {
			continue
		}
		v.materialize = true
		for _, b := range op.bindings {
			limited = append(limited, b.limitedTags())
		}
	}
	v.singleBinding = singles == 1 && multiOriginal == 0
	if v.materialize {
		v.limited = filter.UnionLimitedTags(limited...)
		v.allTags = v.limited == nil
	}
	return v
}

// shouldVisit rejects roots none of the driving bindings can match. With a
// single binding, the operations riding along for existing bindings are not
// consulted: they only act on what this walk materializes.
func (v *bindingsVisitor) shouldVisit(w *walk) bool {
	for _, op := range v.ops {
		if v.singleBinding && !op.single() {
			continue
		}
		for _, b := range op.bindings {
			if b.isInstrumentedRoot(w.provided, w.root, w.rootSection, w.rootBits) {
				return true
			}
		}
	}
	return false
}

func (v *bindingsVisitor) materializeTags(w *walk) TagSet {
	if !v.materialize {
		return nil
	}
	if v.allTags {
		return w.provided
	}
	return v.limited
}

// prepare decides per operation whether node-only matching is sound for
// this root.
func (v *bindingsVisitor) prepare(w *walk) {
	w.leaf = make([]bool, len(v.ops))
	if !v.singleBinding {
		return
	}
	for i, op := range v.ops {
		if op.single() && op.scope != scopeOnlyMaterialized {
			w.leaf[i] = op.bindings[0].isInstrumentedRoot(w.provided, w.root, w.rootSection, w.rootBits)
		}
	}
}

func (v *bindingsVisitor) visitInstrumentable(w *walk, parent *Node, parentSec *Section, n *Node, sec *Section) error {
	for i, op := range v.ops {
		if !op.inScope(w.visitingMaterialized) {
			continue
		}
		leaf := w.leaf[i]
		switch op.kind {
		case opInsertWrapper:
			for _, b := range op.bindings {
				if b.IsDisposed() || !w.matches(b, leaf, parent, parentSec, n, sec) {
					continue
				}
				if err := w.e.insertWrapper(n, sec); err != nil {
					return err
				}
				break
			}
		case opDisposeWrapper:
			for _, b := range op.bindings {
				if w.matches(b, leaf, parent, parentSec, n, sec) {
					invalidateWrapper(n)
					break
				}
			}
		case opNotifyLoaded:
			for _, b := range op.bindings {
				if b.IsDisposed() || !w.matchesNode(b, leaf, n, sec) {
					continue
				}
				w.notifyLoaded(b, n, sec)
			}
		}
	}
	return nil
}

// matches reports whether b observes n itself or n as an input of parent.
func (w *walk) matches(b *Binding, leaf bool, parent *Node, parentSec *Section, n *Node, sec *Section) bool {
	if leaf {
		return b.isInstrumentedLeaf(w.provided, n, sec) ||
			b.isChildInstrumentedLeaf(w.provided, parent, parentSec, n, sec)
	}
	return b.isInstrumentedFull(w.provided, w.root, n, sec) ||
		b.isChildInstrumentedFull(w.provided, w.root, parent, parentSec, n, sec)
}

func (w *walk) matchesNode(b *Binding, leaf bool, n *Node, sec *Section) bool {
	if leaf {
		return b.isInstrumentedLeaf(w.provided, n, sec)
	}
	return b.isInstrumentedFull(w.provided, w.root, n, sec)
}

func (w *walk) notifyLoaded(b *Binding, n *Node, sec *Section) {
	l := b.element.(LoadSourceSectionListener)
	w.pending = append(w.pending, func() error {
		return w.e.dispatch(b, "load_source_section", sec, func() error {
			return l.OnLoad(LoadSourceSectionEvent{Section: sec, Node: n})
		})
	})
}
