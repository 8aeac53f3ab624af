// Package filter decides which program locations a binding observes.
//
// A Filter is a conjunction of elements. Each element answers three
// questions of decreasing precision: can anything below this root match
// (used to skip whole walks), does this node match, and can anything in
// this source match (used by source listeners).
package filter

import (
	"strings"

	"github.com/jward/arbor/internal/tree"
)

type element interface {
	rootIncluded(provided tree.TagSet, root *tree.Root, rootSec *tree.Section, bits tree.Bits) bool
	nodeIncluded(provided tree.TagSet, n *tree.Node, sec *tree.Section) bool
	sourceIncluded(src *tree.Source) bool
	sourceOnly() bool
	String() string
}

// Filter is an immutable set of conditions over nodes, sections and sources.
type Filter struct {
	elems      []element
	limited    tree.TagSet
	referenced tree.TagSet
}

// Any matches every location.
var Any = &Filter{}

// IsInstrumentedRoot is the fast reject: false means no node below root can
// match. bits may be uninitialized, in which case only conservative checks
// apply.
func (f *Filter) IsInstrumentedRoot(provided tree.TagSet, root *tree.Root, rootSec *tree.Section, bits tree.Bits) bool {
	for _, e := range f.elems {
		if !e.rootIncluded(provided, root, rootSec, bits) {
			return false
		}
	}
	return true
}

// IsInstrumentedNode reports whether n with section sec matches.
func (f *Filter) IsInstrumentedNode(provided tree.TagSet, n *tree.Node, sec *tree.Section) bool {
	for _, e := range f.elems {
		if !e.nodeIncluded(provided, n, sec) {
			return false
		}
	}
	return true
}

// IsInstrumentedSource reports whether any location of src can match.
func (f *Filter) IsInstrumentedSource(src *tree.Source) bool {
	for _, e := range f.elems {
		if !e.sourceIncluded(src) {
			return false
		}
	}
	return true
}

// IsSourceOnly reports whether every element depends on the source alone.
func (f *Filter) IsSourceOnly() bool {
	for _, e := range f.elems {
		if !e.sourceOnly() {
			return false
		}
	}
	return true
}

// LimitedTags returns the tags a matching node must carry one of, or nil when
// the filter does not restrict tags.
func (f *Filter) LimitedTags() tree.TagSet { return f.limited }

// ReferencedTags returns every tag the filter mentions.
func (f *Filter) ReferencedTags() tree.TagSet { return f.referenced }

func (f *Filter) String() string {
	if len(f.elems) == 0 {
		return "any"
	}
	parts := make([]string, 0, len(f.elems))
	for _, e := range f.elems {
		parts = append(parts, e.String())
	}
	return strings.Join(parts, " and ")
}

// UnionLimitedTags combines limited tags of several filters. A nil input
// means unlimited and makes the result nil.
func UnionLimitedTags(sets ...tree.TagSet) tree.TagSet {
	var out tree.TagSet
	for _, s := range sets {
		if s == nil {
			return nil
		}
		out = out.Union(s)
	}
	return out
}

// IndexRange is the half-open range [Start, End).
type IndexRange struct {
	Start, End int
}

// Between returns [start, end).
func Between(start, end int) IndexRange { return IndexRange{Start: start, End: end} }

// ByLength returns [start, start+length).
func ByLength(start, length int) IndexRange { return IndexRange{Start: start, End: start + length} }

func (r IndexRange) contains(i int) bool { return i >= r.Start && i < r.End }

// overlaps reports whether [start, end) intersects r.
func (r IndexRange) overlaps(start, end int) bool { return start < r.End && r.Start < end }
