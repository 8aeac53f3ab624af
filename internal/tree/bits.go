package tree

// Bits summarizes the source sections found below a root. A computation
// starts from AllBits and only clears flags, so a published summary never
// claims more than the tree guarantees.
type Bits uint32

const (
	BitsUninitialized Bits = 0

	BitsInitialized Bits = 1 << (iota - 1)
	BitsSameSource
	BitsNoSourceSection
	BitsHierarchical

	AllBits = BitsInitialized | BitsSameSource | BitsNoSourceSection | BitsHierarchical
)

func (b Bits) Uninitialized() bool { return b == BitsUninitialized }

// NoSourceSection reports that no node below the root has a section.
func (b Bits) NoSourceSection() bool { return b&BitsNoSourceSection != 0 }

// SameSource reports that every section below the root shares the root's source.
func (b Bits) SameSource() bool { return b&BitsSameSource != 0 }

// Hierarchical reports that every section below the root lies within the
// root's section.
func (b Bits) Hierarchical() bool { return b&BitsHierarchical != 0 }

func (b Bits) WithSourceSection() Bits   { return b &^ BitsNoSourceSection }
func (b Bits) WithDifferentSource() Bits { return b &^ BitsSameSource }
func (b Bits) WithUnstructured() Bits    { return b &^ BitsHierarchical }
