package tree

import (
	"slices"
	"strings"
)

// Tag is a semantic label a language attaches to its nodes. The vocabulary is
// owned by languages; the constants below are the ones the bundled languages
// provide.
type Tag string

const (
	RootTag       Tag = "root"
	RootBodyTag   Tag = "root_body"
	StatementTag  Tag = "statement"
	CallTag       Tag = "call"
	ExpressionTag Tag = "expression"
	ReadVarTag    Tag = "read_variable"
	WriteVarTag   Tag = "write_variable"
)

// TagSet is an immutable-by-convention set of tags. A nil TagSet is empty.
type TagSet map[Tag]struct{}

// NewTagSet returns a set holding tags.
func NewTagSet(tags ...Tag) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether t is in the set.
func (s TagSet) Has(t Tag) bool {
	_, ok := s[t]
	return ok
}

// Len returns the number of tags.
func (s TagSet) Len() int { return len(s) }

// ContainsAll reports whether every tag of o is in s.
func (s TagSet) ContainsAll(o TagSet) bool {
	for t := range o {
		if !s.Has(t) {
			return false
		}
	}
	return true
}

// Equal reports whether both sets hold the same tags.
func (s TagSet) Equal(o TagSet) bool {
	return len(s) == len(o) && s.ContainsAll(o)
}

// Union returns a new set with the tags of both.
func (s TagSet) Union(o TagSet) TagSet {
	u := make(TagSet, len(s)+len(o))
	for t := range s {
		u[t] = struct{}{}
	}
	for t := range o {
		u[t] = struct{}{}
	}
	return u
}

// Sorted returns the tags in lexical order.
func (s TagSet) Sorted() []Tag {
	out := make([]Tag, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (s TagSet) String() string {
	parts := make([]string, 0, len(s))
	for _, t := range s.Sorted() {
		parts = append(parts, string(t))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
