package godwarf

import (
	"debug/dwarf"
	"fmt"
	"sort"
)

// DefaultMaxDepth is the nesting depth past which LoadTree reports the
// tree as malformed.
const DefaultMaxDepth = 1024

// Tag is the closed set of debug entry kinds the rest of the module
// distinguishes. All other DWARF tags map to TagOther.
type Tag uint8

const (
	TagOther Tag = iota
	TagCompileUnit
	TagSubprogram
	TagVariable
	TagInlinedSubroutine
	TagLexicalBlock
)

// TagOf maps a DWARF tag to its Tag.
func TagOf(tag dwarf.Tag) Tag {
	switch tag {
	case dwarf.TagCompileUnit, dwarf.TagPartialUnit:
		return TagCompileUnit
	case dwarf.TagSubprogram:
		return TagSubprogram
	case dwarf.TagVariable:
		return TagVariable
	case dwarf.TagInlinedSubroutine:
		return TagInlinedSubroutine
	case dwarf.TagLexDwarfBlock:
		return TagLexicalBlock
	}
	return TagOther
}

func (tag Tag) String() string {
	switch tag {
	case TagCompileUnit:
		return "CompileUnit"
	case TagSubprogram:
		return "Subprogram"
	case TagVariable:
		return "Variable"
	case TagInlinedSubroutine:
		return "InlinedSubroutine"
	case TagLexicalBlock:
		return "LexicalBlock"
	}
	return "Other"
}

// Entry represents a debug_info entry stored in a Tree.
type Entry struct {
	Tag    Tag
	Offset dwarf.Offset
	Depth  int

	raw      *dwarf.Entry
	children []int
}

// NewEntry wraps a single entry, without children.
func NewEntry(e *dwarf.Entry) *Entry {
	return &Entry{Tag: TagOf(e.Tag), Offset: e.Offset, raw: e}
}

// Val returns the value of attribute attr, or nil if it is not present.
func (e *Entry) Val(attr dwarf.Attr) interface{} {
	return e.raw.Val(attr)
}

// Name returns DW_AT_name, or "" if the entry has none.
func (e *Entry) Name() string {
	name, _ := e.raw.Val(dwarf.AttrName).(string)
	return name
}

// LowPC returns DW_AT_low_pc.
func (e *Entry) LowPC() (uint64, bool) {
	lowpc, ok := e.raw.Val(dwarf.AttrLowpc).(uint64)
	return lowpc, ok
}

// HighPC returns DW_AT_high_pc as an address. DWARF 4 and later allow the
// attribute to be a constant offset from DW_AT_low_pc, in which case it is
// converted.
func (e *Entry) HighPC() (uint64, bool) {
	field := e.raw.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return 0, false
	}
	var highpc uint64
	switch v := field.Val.(type) {
	case uint64:
		highpc = v
	case int64:
		highpc = uint64(v)
	default:
		return 0, false
	}
	if field.Class == dwarf.ClassConstant {
		lowpc, ok := e.LowPC()
		if !ok {
			return 0, false
		}
		highpc += lowpc
	}
	return highpc, true
}

// AbstractOrigin returns the offset referenced by DW_AT_abstract_origin.
func (e *Entry) AbstractOrigin() (dwarf.Offset, bool) {
	off, ok := e.raw.Val(dwarf.AttrAbstractOrigin).(dwarf.Offset)
	return off, ok
}

// Inline returns true if the entry is the abstract instance of an inlined
// subprogram, that is it has a DW_AT_inline other than DW_INL_not_inlined.
func (e *Entry) Inline() bool {
	switch v := e.raw.Val(dwarf.AttrInline).(type) {
	case int64:
		return v != 0
	case uint64:
		return v != 0
	}
	return false
}

// Location returns the DW_AT_location field, or nil.
func (e *Entry) Location() *dwarf.Field {
	return e.raw.AttrField(dwarf.AttrLocation)
}

func (e *Entry) String() string {
	if name := e.Name(); name != "" {
		return fmt.Sprintf("%s %q <%#x>", e.Tag, name, e.Offset)
	}
	return fmt.Sprintf("%s <%#x>", e.Tag, e.Offset)
}

// MalformedTreeError is returned by LoadTree when the entries of a compile
// unit do not form a well nested tree.
type MalformedTreeError struct {
	Offset dwarf.Offset
	Reason string
	Err    error
}

func (err *MalformedTreeError) Error() string {
	if err.Err != nil {
		return fmt.Sprintf("malformed debug info at %#x: %s: %v", err.Offset, err.Reason, err.Err)
	}
	return fmt.Sprintf("malformed debug info at %#x: %s", err.Offset, err.Reason)
}

func (err *MalformedTreeError) Unwrap() error {
	return err.Err
}

// Tree is the tree of entries of a single compile unit. Entries are stored
// in a flat slice in the order they appear in .debug_info, children are
// recorded as index lists.
type Tree struct {
	dw      *dwarf.Data
	entries []Entry
}

// LoadTree reads the compile unit at the current position of rdr and all
// its descendants. After a successful return rdr is positioned at the next
// compile unit. Returns nil, nil at the end of .debug_info.
func LoadTree(dw *dwarf.Data, rdr *dwarf.Reader, maxDepth int) (*Tree, error) {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	cu, err := rdr.Next()
	if err != nil {
		return nil, &MalformedTreeError{Reason: "reading compile unit", Err: err}
	}
	if cu == nil {
		return nil, nil
	}
	if TagOf(cu.Tag) != TagCompileUnit {
		return nil, &MalformedTreeError{Offset: cu.Offset, Reason: fmt.Sprintf("expected compile unit, found %s", cu.Tag)}
	}

	t := &Tree{dw: dw}
	t.entries = append(t.entries, Entry{Tag: TagCompileUnit, Offset: cu.Offset, raw: cu})
	if !cu.Children {
		return t, nil
	}

	stack := []int{0}
	for len(stack) > 0 {
		e, err := rdr.Next()
		if err != nil {
			return nil, &MalformedTreeError{Offset: cu.Offset, Reason: "reading entry", Err: err}
		}
		if e == nil {
			return nil, &MalformedTreeError{Offset: cu.Offset, Reason: "unterminated sibling chain at end of section"}
		}
		if e.Tag == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		if TagOf(e.Tag) == TagCompileUnit {
			// the null entry closing this unit is missing
			return nil, &MalformedTreeError{Offset: e.Offset, Reason: "compile unit nested inside another unit"}
		}
		parent := stack[len(stack)-1]
		idx := len(t.entries)
		t.entries = append(t.entries, Entry{Tag: TagOf(e.Tag), Offset: e.Offset, Depth: len(stack), raw: e})
		t.entries[parent].children = append(t.entries[parent].children, idx)
		if e.Children {
			if len(stack) >= maxDepth {
				return nil, &MalformedTreeError{Offset: e.Offset, Reason: fmt.Sprintf("nesting deeper than %d", maxDepth)}
			}
			stack = append(stack, idx)
		}
	}

	return t, nil
}

// Root returns the compile unit entry.
func (t *Tree) Root() *Entry {
	return &t.entries[0]
}

// Len returns the number of entries in the tree.
func (t *Tree) Len() int {
	return len(t.entries)
}

// Children returns the children of e, in order.
func (t *Tree) Children(e *Entry) []*Entry {
	if len(e.children) == 0 {
		return nil
	}
	r := make([]*Entry, len(e.children))
	for i, idx := range e.children {
		r[i] = &t.entries[idx]
	}
	return r
}

// Lookup returns the entry at offset off, if it belongs to this tree.
func (t *Tree) Lookup(off dwarf.Offset) *Entry {
	i := sort.Search(len(t.entries), func(i int) bool { return t.entries[i].Offset >= off })
	if i < len(t.entries) && t.entries[i].Offset == off {
		return &t.entries[i]
	}
	return nil
}

// Ranges returns the normalized address ranges covered by e.
func (t *Tree) Ranges(e *Entry) (Ranges, error) {
	rngs, err := t.dw.Ranges(e.raw)
	if err != nil {
		return nil, err
	}
	return normalizeRanges(rngs), nil
}

// Ranges is a sorted list of non overlapping [start, end) address ranges.
type Ranges [][2]uint64

// ContainsPC returns true if the ranges contain PC.
func (rngs Ranges) ContainsPC(pc uint64) bool {
	for _, rng := range rngs {
		if rng[0] > pc {
			return false
		}
		if rng[0] <= pc && pc < rng[1] {
			return true
		}
	}
	return false
}

// normalizeRanges sorts rngs by starting point and fuses overlapping entries.
func normalizeRanges(rngs [][2]uint64) Ranges {
	const (
		start = 0
		end   = 1
	)

	if len(rngs) == 0 {
		return rngs
	}

	sort.Slice(rngs, func(i, j int) bool {
		return rngs[i][start] <= rngs[j][start]
	})

	// eliminate invalid entries
	out := rngs[:0]
	for i := range rngs {
		if rngs[i][start] < rngs[i][end] {
			out = append(out, rngs[i])
		}
	}
	rngs = out
	if len(rngs) == 0 {
		return rngs
	}

	// fuse overlapping entries
	out = rngs[:1]
	for i := 1; i < len(rngs); i++ {
		cur := rngs[i]
		if cur[start] <= out[len(out)-1][end] {
			out[len(out)-1][end] = max(cur[end], out[len(out)-1][end])
		} else {
			out = append(out, cur)
		}
	}
	return out
}
