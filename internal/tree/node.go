package tree

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Capabilities describe a language node kind to the engine.
type Capabilities interface {
	// Instrumentable reports whether nodes of this kind may be wrapped.
	Instrumentable() bool
	// HasTag reports whether the node carries tag t.
	HasTag(t Tag) bool
}

// Materializer is implemented by capabilities whose nodes can be replaced by
// a finer-grained equivalent. Materialize returns n itself when nothing
// changes; a different node must be unparented and cover the same section.
// Materializing the returned node again with the same tags must return it
// unchanged.
type Materializer interface {
	Materialize(n *Node, tags TagSet) *Node
}

// WrapperFactory is implemented by capabilities that supply their own
// wrapper nodes. The returned node must be unparented, have ic as its
// interceptor and delegate as its only child.
type WrapperFactory interface {
	CreateWrapper(delegate *Node, ic Interceptor) *Node
}

// Interceptor receives executions of a wrapped node.
type Interceptor interface {
	Enter(frame any) (Activation, error)
}

// Activation is the state of one execution of a wrapped node, returned by
// Enter and completed exactly once.
type Activation interface {
	ReturnValue(result any) error
	ReturnExceptional(err error) error
}

// ErrNotAdopted is returned when a structural change targets a node without
// a parent.
var ErrNotAdopted = errors.New("node is not adopted by a parent")

// Node is one element of an executable tree. The number of children is fixed
// at construction; children are swapped with Replace. Parent and child links
// are atomic so executors may read them while a structural change is made
// under the root's lock.
type Node struct {
	kind        string
	section     *Section
	caps        Capabilities
	interceptor Interceptor
	root        *Root

	parent   atomic.Pointer[Node]
	children []atomic.Pointer[Node]

	// Value is free for the language implementation.
	Value any
}

// NewNode creates a node and adopts children.
func NewNode(kind string, section *Section, caps Capabilities, children ...*Node) *Node {
	n := &Node{kind: kind, section: section, caps: caps}
	n.children = make([]atomic.Pointer[Node], len(children))
	for i, c := range children {
		n.children[i].Store(c)
		if c != nil {
			c.parent.Store(n)
		}
	}
	return n
}

// NewWrapper creates an unparented wrapper around delegate. The delegate is
// re-parented when the wrapper is installed.
func NewWrapper(delegate *Node, ic Interceptor) *Node {
	w := &Node{kind: "wrapper", section: delegate.section, interceptor: ic}
	w.children = make([]atomic.Pointer[Node], 1)
	w.children[0].Store(delegate)
	return w
}

func (n *Node) Kind() string             { return n.kind }
func (n *Node) Section() *Section        { return n.section }
func (n *Node) Caps() Capabilities       { return n.caps }
func (n *Node) Parent() *Node            { return n.parent.Load() }
func (n *Node) NumChildren() int         { return len(n.children) }
func (n *Node) Child(i int) *Node        { return n.children[i].Load() }
func (n *Node) IsWrapper() bool          { return n.interceptor != nil }
func (n *Node) Interceptor() Interceptor { return n.interceptor }

// Delegate returns the wrapped node of a wrapper, nil otherwise.
func (n *Node) Delegate() *Node {
	if n.interceptor == nil {
		return nil
	}
	return n.children[0].Load()
}

// IsInstrumentable reports whether n can be wrapped. Wrappers never are.
func (n *Node) IsInstrumentable() bool {
	return n.interceptor == nil && n.caps != nil && n.caps.Instrumentable()
}

// HasTag reports whether n carries t.
func (n *Node) HasTag(t Tag) bool {
	return n.caps != nil && n.caps.HasTag(t)
}

// Children returns a snapshot of the current children, skipping empty slots.
func (n *Node) Children() []*Node {
	out := make([]*Node, 0, len(n.children))
	for i := range n.children {
		if c := n.children[i].Load(); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ForEachChild calls fn for each child until fn returns false.
func (n *Node) ForEachChild(fn func(*Node) bool) {
	for i := range n.children {
		c := n.children[i].Load()
		if c == nil {
			continue
		}
		if !fn(c) {
			return
		}
	}
}

// Root returns the root unit n belongs to, walking parent links. Nodes that
// were replaced keep their last parent, so retired subtrees still resolve.
func (n *Node) Root() *Root {
	for cur := n; cur != nil; cur = cur.Parent() {
		if cur.root != nil {
			return cur.root
		}
	}
	return nil
}

// Replace installs repl in n's slot of n's parent. n keeps its parent link
// so executions still running inside n can walk upwards. When repl is a
// wrapper its delegate is re-parented to it.
func (n *Node) Replace(repl *Node) error {
	p := n.Parent()
	if p == nil {
		return fmt.Errorf("replace %s: %w", n.kind, ErrNotAdopted)
	}
	idx := -1
	for i := range p.children {
		if p.children[i].Load() == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("replace %s: node is no longer a child of %s", n.kind, p.kind)
	}
	repl.parent.Store(p)
	p.children[idx].Store(repl)
	if d := repl.Delegate(); d != nil {
		d.parent.Store(repl)
	}
	return nil
}

// Unwrap removes the wrapper n, putting its delegate back in its slot.
func (n *Node) Unwrap() error {
	d := n.Delegate()
	if d == nil {
		return fmt.Errorf("unwrap %s: not a wrapper", n.kind)
	}
	return n.Replace(d)
}

func (n *Node) String() string {
	if n.section == nil {
		return n.kind
	}
	return n.kind + "@" + n.section.String()
}
