package filter

import (
	"fmt"
	"path"
	"strings"

	"github.com/jward/arbor/internal/tree"
)

type tagIs struct{ tags []tree.Tag }

func (e tagIs) rootIncluded(provided tree.TagSet, _ *tree.Root, _ *tree.Section, _ tree.Bits) bool {
	for _, t := range e.tags {
		if provided.Has(t) {
			return true
		}
	}
	return false
}

func (e tagIs) nodeIncluded(provided tree.TagSet, n *tree.Node, _ *tree.Section) bool {
	for _, t := range e.tags {
		if provided.Has(t) && n.HasTag(t) {
			return true
		}
	}
	return false
}

func (tagIs) sourceIncluded(*tree.Source) bool { return true }
func (tagIs) sourceOnly() bool                 { return false }
func (e tagIs) String() string                 { return fmt.Sprintf("tag is one of %v", e.tags) }

type tagIsNot struct{ tags []tree.Tag }

func (tagIsNot) rootIncluded(tree.TagSet, *tree.Root, *tree.Section, tree.Bits) bool { return true }

func (e tagIsNot) nodeIncluded(provided tree.TagSet, n *tree.Node, _ *tree.Section) bool {
	for _, t := range e.tags {
		if provided.Has(t) && n.HasTag(t) {
			return false
		}
	}
	return true
}

func (tagIsNot) sourceIncluded(*tree.Source) bool { return true }
func (tagIsNot) sourceOnly() bool                 { return false }
func (e tagIsNot) String() string                 { return fmt.Sprintf("tag is not one of %v", e.tags) }

// sourcePredicate covers every element that depends on the source only.
type sourcePredicate struct {
	desc  string
	match func(*tree.Source) bool
}

func (e sourcePredicate) rootIncluded(_ tree.TagSet, _ *tree.Root, rootSec *tree.Section, bits tree.Bits) bool {
	if rootSec != nil && bits.SameSource() {
		return e.match(rootSec.Source())
	}
	return true
}

func (e sourcePredicate) nodeIncluded(_ tree.TagSet, _ *tree.Node, sec *tree.Section) bool {
	return sec != nil && e.match(sec.Source())
}

func (e sourcePredicate) sourceIncluded(src *tree.Source) bool { return e.match(src) }
func (sourcePredicate) sourceOnly() bool                       { return true }
func (e sourcePredicate) String() string                       { return e.desc }

func sourceIs(srcs []*tree.Source) sourcePredicate {
	names := make([]string, 0, len(srcs))
	for _, s := range srcs {
		names = append(names, s.Name())
	}
	return sourcePredicate{
		desc: "source is one of [" + strings.Join(names, ",") + "]",
		match: func(src *tree.Source) bool {
			for _, s := range srcs {
				if s == src {
					return true
				}
			}
			return false
		},
	}
}

func languageIs(langs []string) sourcePredicate {
	return sourcePredicate{
		desc: "language is one of [" + strings.Join(langs, ",") + "]",
		match: func(src *tree.Source) bool {
			for _, l := range langs {
				if src.Language() == l {
					return true
				}
			}
			return false
		},
	}
}

func sourceNameMatches(pattern string) (sourcePredicate, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return sourcePredicate{}, fmt.Errorf("source name pattern %q: %w", pattern, err)
	}
	return sourcePredicate{
		desc: "source name matches " + pattern,
		match: func(src *tree.Source) bool {
			ok, _ := path.Match(pattern, src.Name())
			return ok
		},
	}, nil
}

// sectionRange covers index and line ranges. span extracts the half-open
// [from, to) interval of a section that is tested against the ranges.
type sectionRange struct {
	desc    string
	ranges  []IndexRange
	negated bool
	span    func(*tree.Section) (from, to int)
	// startOnly tests only the first position of the span.
	startOnly bool
}

func (e sectionRange) rootIncluded(_ tree.TagSet, _ *tree.Root, rootSec *tree.Section, bits tree.Bits) bool {
	if rootSec == nil || bits.Uninitialized() {
		return true
	}
	if bits.NoSourceSection() {
		return false
	}
	if e.negated || !bits.Hierarchical() {
		return true
	}
	from, to := e.span(rootSec)
	for _, r := range e.ranges {
		if r.overlaps(from, to) {
			return true
		}
	}
	return false
}

func (e sectionRange) nodeIncluded(_ tree.TagSet, _ *tree.Node, sec *tree.Section) bool {
	if sec == nil {
		return false
	}
	from, to := e.span(sec)
	hit := false
	for _, r := range e.ranges {
		if e.startOnly && r.contains(from) || !e.startOnly && r.overlaps(from, to) {
			hit = true
			break
		}
	}
	return hit != e.negated
}

func (sectionRange) sourceIncluded(*tree.Source) bool { return true }
func (sectionRange) sourceOnly() bool                 { return false }
func (e sectionRange) String() string                 { return e.desc }

func indexSpan(s *tree.Section) (int, int) { return s.Start(), max(s.End(), s.Start()+1) }

func lineSpan(s *tree.Section) (int, int) { return s.StartLine(), s.EndLine() + 1 }

type sectionEquals struct{ sections []*tree.Section }

func (e sectionEquals) rootIncluded(_ tree.TagSet, _ *tree.Root, rootSec *tree.Section, bits tree.Bits) bool {
	if rootSec == nil || bits.Uninitialized() || !bits.Hierarchical() {
		return true
	}
	for _, s := range e.sections {
		if rootSec.Contains(s) {
			return true
		}
	}
	return false
}

func (e sectionEquals) nodeIncluded(_ tree.TagSet, _ *tree.Node, sec *tree.Section) bool {
	for _, s := range e.sections {
		if s.Equal(sec) {
			return true
		}
	}
	return false
}

func (e sectionEquals) sourceIncluded(src *tree.Source) bool {
	for _, s := range e.sections {
		if s.Source() == src {
			return true
		}
	}
	return false
}

func (sectionEquals) sourceOnly() bool { return false }

func (e sectionEquals) String() string { return fmt.Sprintf("section is one of %v", e.sections) }

type rootNameIs struct {
	desc  string
	match func(string) bool
}

func (e rootNameIs) rootIncluded(_ tree.TagSet, root *tree.Root, _ *tree.Section, _ tree.Bits) bool {
	return root != nil && e.match(root.Name())
}

func (e rootNameIs) nodeIncluded(_ tree.TagSet, n *tree.Node, _ *tree.Section) bool {
	r := n.Root()
	return r != nil && e.match(r.Name())
}

func (rootNameIs) sourceIncluded(*tree.Source) bool { return true }
func (rootNameIs) sourceOnly() bool                 { return false }
func (e rootNameIs) String() string                 { return e.desc }
