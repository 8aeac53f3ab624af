package tree

import (
	"sync"
	"sync/atomic"
)

// Language describes the tags a language's nodes may carry.
type Language struct {
	Name         string
	ProvidedTags TagSet
}

// Root is a top-level executable unit. Its mutex is the structural lock:
// every change to the shape of the tree below it happens while it is held.
type Root struct {
	name     string
	lang     *Language
	section  *Section
	top      *Node
	internal bool

	mu   sync.Mutex
	bits atomic.Uint32
}

// RootOption configures a Root.
type RootOption func(*Root)

// Internal marks a root as engine-internal. Internal roots are never
// instrumented.
func Internal() RootOption {
	return func(r *Root) { r.internal = true }
}

// NewRoot creates a root whose top node holds body as its only child.
func NewRoot(name string, lang *Language, section *Section, body *Node, opts ...RootOption) *Root {
	r := &Root{name: name, lang: lang, section: section}
	for _, opt := range opts {
		opt(r)
	}
	r.top = &Node{kind: "root", section: section, root: r}
	r.top.children = make([]atomic.Pointer[Node], 1)
	r.top.children[0].Store(body)
	body.parent.Store(r.top)
	return r
}

func (r *Root) Name() string        { return r.name }
func (r *Root) Language() *Language { return r.lang }
func (r *Root) Section() *Section   { return r.section }

// Node returns the top node. It is not instrumentable and never replaced.
func (r *Root) Node() *Node { return r.top }

// Body returns the current child of the top node.
func (r *Root) Body() *Node { return r.top.Child(0) }

// Instrumentable reports whether bindings may observe this root.
func (r *Root) Instrumentable() bool { return !r.internal }

// ProvidedTags returns the tag vocabulary of the root's language.
func (r *Root) ProvidedTags() TagSet {
	if r.lang == nil {
		return nil
	}
	return r.lang.ProvidedTags
}

// Lock acquires the structural lock.
func (r *Root) Lock() { r.mu.Lock() }

// Unlock releases the structural lock.
func (r *Root) Unlock() { r.mu.Unlock() }

// Bits returns the cached summary.
func (r *Root) Bits() Bits { return Bits(r.bits.Load()) }

// SetBits publishes a new summary.
func (r *Root) SetBits(b Bits) { r.bits.Store(uint32(b)) }

func (r *Root) String() string { return r.name }
