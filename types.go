package arbor

import (
	"github.com/jward/arbor/internal/filter"
	"github.com/jward/arbor/internal/tree"
)

// Public type aliases for the tree model and filters. These are Go type
// aliases (=), so values move between packages without conversion.

type Node = tree.Node
type Root = tree.Root
type Source = tree.Source
type Section = tree.Section
type Language = tree.Language
type Tag = tree.Tag
type TagSet = tree.TagSet
type Bits = tree.Bits
type Capabilities = tree.Capabilities
type Materializer = tree.Materializer
type WrapperFactory = tree.WrapperFactory
type Interceptor = tree.Interceptor
type Activation = tree.Activation
type RootOption = tree.RootOption

type Filter = filter.Filter
type FilterBuilder = filter.Builder
type IndexRange = filter.IndexRange

const (
	RootTag       = tree.RootTag
	RootBodyTag   = tree.RootBodyTag
	StatementTag  = tree.StatementTag
	CallTag       = tree.CallTag
	ExpressionTag = tree.ExpressionTag
	ReadVarTag    = tree.ReadVarTag
	WriteVarTag   = tree.WriteVarTag
)

// AnyFilter matches every location.
var AnyFilter = filter.Any

// NewFilter starts a filter.
func NewFilter() *FilterBuilder { return filter.NewBuilder() }

// NewTagSet returns a set holding tags.
func NewTagSet(tags ...Tag) TagSet { return tree.NewTagSet(tags...) }

// NewSource creates a source unit.
func NewSource(name, language string, content []byte) *Source {
	return tree.NewSource(name, language, content)
}

// Internal marks a root as runtime-internal; it is never instrumented.
func Internal() RootOption { return tree.Internal() }

// NewNode creates a node adopting children.
func NewNode(kind string, section *Section, caps Capabilities, children ...*Node) *Node {
	return tree.NewNode(kind, section, caps, children...)
}

// NewRoot creates a root unit around body.
func NewRoot(name string, lang *Language, section *Section, body *Node, opts ...RootOption) *Root {
	return tree.NewRoot(name, lang, section, body, opts...)
}
