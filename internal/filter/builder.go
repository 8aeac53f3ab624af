package filter

import (
	"errors"
	"fmt"

	"github.com/jward/arbor/internal/tree"
)

// Builder accumulates filter elements. Errors are collected and reported by
// Build.
type Builder struct {
	elems []element
	errs  []error
}

// NewBuilder returns an empty builder. An empty filter matches everything.
func NewBuilder() *Builder {
	return &Builder{}
}

// TagIs requires the node to carry one of tags.
func (b *Builder) TagIs(tags ...tree.Tag) *Builder {
	if len(tags) == 0 {
		b.errs = append(b.errs, errors.New("TagIs: at least one tag required"))
		return b
	}
	b.elems = append(b.elems, tagIs{tags: tags})
	return b
}

// TagIsNot requires the node to carry none of tags.
func (b *Builder) TagIsNot(tags ...tree.Tag) *Builder {
	if len(tags) == 0 {
		b.errs = append(b.errs, errors.New("TagIsNot: at least one tag required"))
		return b
	}
	b.elems = append(b.elems, tagIsNot{tags: tags})
	return b
}

// SourceIs requires the source to be one of srcs.
func (b *Builder) SourceIs(srcs ...*tree.Source) *Builder {
	b.elems = append(b.elems, sourceIs(srcs))
	return b
}

// SourceMatches requires pred to accept the source.
func (b *Builder) SourceMatches(desc string, pred func(*tree.Source) bool) *Builder {
	b.elems = append(b.elems, sourcePredicate{desc: desc, match: pred})
	return b
}

// LanguageIs requires the source language to be one of langs.
func (b *Builder) LanguageIs(langs ...string) *Builder {
	b.elems = append(b.elems, languageIs(langs))
	return b
}

// SourceNameMatches requires the source name to match a path.Match pattern.
func (b *Builder) SourceNameMatches(pattern string) *Builder {
	e, err := sourceNameMatches(pattern)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.elems = append(b.elems, e)
	return b
}

// IndexIn requires the section's start offset to lie in one of ranges.
func (b *Builder) IndexIn(ranges ...IndexRange) *Builder {
	b.elems = append(b.elems, sectionRange{
		desc: fmt.Sprintf("index in %v", ranges), ranges: ranges, span: indexSpan, startOnly: true,
	})
	return b
}

// IndexNotIn requires the section's start offset to lie outside all ranges.
func (b *Builder) IndexNotIn(ranges ...IndexRange) *Builder {
	b.elems = append(b.elems, sectionRange{
		desc: fmt.Sprintf("index not in %v", ranges), ranges: ranges, span: indexSpan, startOnly: true, negated: true,
	})
	return b
}

// LineIn requires the section's lines to overlap one of ranges.
func (b *Builder) LineIn(ranges ...IndexRange) *Builder {
	b.elems = append(b.elems, sectionRange{
		desc: fmt.Sprintf("line in %v", ranges), ranges: ranges, span: lineSpan,
	})
	return b
}

// LineStartsIn requires the section's first line to lie in one of ranges.
func (b *Builder) LineStartsIn(ranges ...IndexRange) *Builder {
	b.elems = append(b.elems, sectionRange{
		desc: fmt.Sprintf("line starts in %v", ranges), ranges: ranges, span: lineSpan, startOnly: true,
	})
	return b
}

// LineIs requires the section to span line.
func (b *Builder) LineIs(line int) *Builder {
	return b.LineIn(ByLength(line, 1))
}

// SectionEquals requires the node's section to equal one of sections.
func (b *Builder) SectionEquals(sections ...*tree.Section) *Builder {
	b.elems = append(b.elems, sectionEquals{sections: sections})
	return b
}

// RootNameIs requires the enclosing root's name to satisfy pred.
func (b *Builder) RootNameIs(desc string, pred func(string) bool) *Builder {
	b.elems = append(b.elems, rootNameIs{desc: "root name " + desc, match: pred})
	return b
}

// Expression requires a Risor boolean expression to hold for the node.
func (b *Builder) Expression(src string) *Builder {
	e, err := compileExpr(src)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.elems = append(b.elems, e)
	return b
}

// Build returns the filter.
func (b *Builder) Build() (*Filter, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("filter: %w", errors.Join(b.errs...))
	}
	f := &Filter{elems: append([]element(nil), b.elems...)}
	for _, e := range f.elems {
		switch e := e.(type) {
		case tagIs:
			f.limited = f.limited.Union(tree.NewTagSet(e.tags...))
			f.referenced = f.referenced.Union(tree.NewTagSet(e.tags...))
		case tagIsNot:
			f.referenced = f.referenced.Union(tree.NewTagSet(e.tags...))
		}
	}
	return f, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *Filter {
	f, err := b.Build()
	if err != nil {
		panic(err)
	}
	return f
}
