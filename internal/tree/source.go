package tree

import (
	"fmt"
	"sort"
	"sync"
)

// Source is one unit of program text. Sources compare by pointer identity.
type Source struct {
	name     string
	language string
	content  []byte

	linesOnce  sync.Once
	lineStarts []int
}

// NewSource creates a source unit.
func NewSource(name, language string, content []byte) *Source {
	return &Source{name: name, language: language, content: content}
}

func (s *Source) Name() string     { return s.name }
func (s *Source) Language() string { return s.language }
func (s *Source) Content() []byte  { return s.content }
func (s *Source) Len() int         { return len(s.content) }

func (s *Source) String() string { return s.name }

// LineOf returns the 1-based line number holding byte offset off.
func (s *Source) LineOf(off int) int {
	s.linesOnce.Do(func() {
		s.lineStarts = []int{0}
		for i, b := range s.content {
			if b == '\n' {
				s.lineStarts = append(s.lineStarts, i+1)
			}
		}
	})
	return sort.Search(len(s.lineStarts), func(i int) bool { return s.lineStarts[i] > off })
}

// Section creates the range [start, end) over s.
func (s *Source) Section(start, end int) (*Section, error) {
	if start < 0 || end < start || end > len(s.content) {
		return nil, fmt.Errorf("section [%d,%d) out of bounds for %s (%d bytes)", start, end, s.name, len(s.content))
	}
	return &Section{source: s, start: start, end: end}, nil
}

// MustSection is like Section but panics on invalid bounds. Meant for tests
// and for callers that derived the bounds from a parser.
func (s *Source) MustSection(start, end int) *Section {
	sec, err := s.Section(start, end)
	if err != nil {
		panic(err)
	}
	return sec
}

// Section is a byte range within a Source.
type Section struct {
	source     *Source
	start, end int
}

func (r *Section) Source() *Source { return r.source }
func (r *Section) Start() int      { return r.start }
func (r *Section) End() int        { return r.end }
func (r *Section) Len() int        { return r.end - r.start }

func (r *Section) StartLine() int { return r.source.LineOf(r.start) }

func (r *Section) EndLine() int {
	if r.end > r.start {
		return r.source.LineOf(r.end - 1)
	}
	return r.StartLine()
}

// Text returns the covered source text.
func (r *Section) Text() string { return string(r.source.content[r.start:r.end]) }

// Equal reports whether both sections cover the same range of the same
// source. Two nil sections are equal.
func (r *Section) Equal(o *Section) bool {
	if r == nil || o == nil {
		return r == o
	}
	return r.source == o.source && r.start == o.start && r.end == o.end
}

// Contains reports whether o lies within r in the same source.
func (r *Section) Contains(o *Section) bool {
	return r.source == o.source && o.start >= r.start && o.end <= r.end
}

func (r *Section) String() string {
	return fmt.Sprintf("%s:%d-%d", r.source.name, r.StartLine(), r.EndLine())
}
