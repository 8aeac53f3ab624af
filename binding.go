package arbor

import (
	"sync/atomic"

	"github.com/jward/arbor/internal/filter"
	"github.com/jward/arbor/internal/tree"
)

// Category selects which registry a binding lives in and which events it
// receives.
type Category int

const (
	CategoryExecution Category = iota
	CategorySourceSection
	CategoryLoadSource
	CategoryExecuteSource
	CategoryOutput
	CategoryErrOutput
	CategoryAllocation
	CategoryContexts
	CategoryThreads
)

var categoryNames = [...]string{
	CategoryExecution:     "execution",
	CategorySourceSection: "source_section",
	CategoryLoadSource:    "load_source",
	CategoryExecuteSource: "execute_source",
	CategoryOutput:        "output",
	CategoryErrOutput:     "err_output",
	CategoryAllocation:    "allocation",
	CategoryContexts:      "contexts",
	CategoryThreads:       "threads",
}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// Binding subscribes one element (listener, factory or consumer) of a client
// to a category of events. Disposal is one-way.
type Binding struct {
	client      *Client
	category    Category
	filter      *Filter
	inputFilter *Filter
	element     any
	disposed    atomic.Bool

	// languages restricts allocation bindings; empty means all.
	languages []string
}

func newBinding(c *Client, cat Category, f, input *Filter, element any) *Binding {
	if f == nil {
		f = filter.Any
	}
	return &Binding{client: c, category: cat, filter: f, inputFilter: input, element: element}
}

func (b *Binding) Client() *Client         { return b.client }
func (b *Binding) Category() Category      { return b.category }
func (b *Binding) Filter() *Filter         { return b.filter }
func (b *Binding) InputFilter() *Filter    { return b.inputFilter }
func (b *Binding) Element() any            { return b.element }
func (b *Binding) IsDisposed() bool        { return b.disposed.Load() }
func (b *Binding) isLanguageBinding() bool { return b.client.language != nil }

// Dispose detaches the binding. Existing wrappers for it are invalidated so
// their next execution rebuilds without it; chains captured by executions
// already in progress are left alone. Disposing twice is a no-op.
func (b *Binding) Dispose() error {
	if !b.disposed.CompareAndSwap(false, true) {
		return nil
	}
	return b.client.engine.disposeBinding(b)
}

// isInstrumentedRoot is the per-binding fast reject for a whole root.
func (b *Binding) isInstrumentedRoot(provided TagSet, root *Root, rootSec *Section, bits Bits) bool {
	return b.client.isInstrumentableRoot(root) && b.filter.IsInstrumentedRoot(provided, root, rootSec, bits)
}

// isInstrumentedLeaf checks only the node itself. It is sufficient when the
// root was already accepted for this binding.
func (b *Binding) isInstrumentedLeaf(provided TagSet, n *Node, sec *Section) bool {
	return b.filter.IsInstrumentedNode(provided, n, sec)
}

func (b *Binding) isInstrumentedFull(provided TagSet, root *Root, n *Node, sec *Section) bool {
	if !b.isInstrumentedLeaf(provided, n, sec) {
		return false
	}
	return root != nil && b.isInstrumentedRoot(provided, root, root.Section(), tree.BitsUninitialized)
}

// isChildInstrumentedLeaf reports whether cur is an input of parent for this
// binding.
func (b *Binding) isChildInstrumentedLeaf(provided TagSet, parent *Node, parentSec *Section, cur *Node, curSec *Section) bool {
	if b.inputFilter == nil || parent == nil {
		return false
	}
	if !b.inputFilter.IsInstrumentedNode(provided, cur, curSec) {
		return false
	}
	return b.filter.IsInstrumentedNode(provided, parent, parentSec)
}

func (b *Binding) isChildInstrumentedFull(provided TagSet, root *Root, parent *Node, parentSec *Section, cur *Node, curSec *Section) bool {
	if !b.isChildInstrumentedLeaf(provided, parent, parentSec, cur, curSec) {
		return false
	}
	return root != nil && b.isInstrumentedRoot(provided, root, root.Section(), tree.BitsUninitialized)
}

func (b *Binding) isInstrumentedSource(src *Source) bool {
	return b.client.isInstrumentableSource(src) && b.filter.IsInstrumentedSource(src)
}

// limitedTags returns the tags materialization must honor for this binding,
// nil meaning all provided tags.
func (b *Binding) limitedTags() TagSet {
	if b.inputFilter == nil {
		return b.filter.LimitedTags()
	}
	return filter.UnionLimitedTags(b.filter.LimitedTags(), b.inputFilter.LimitedTags())
}
