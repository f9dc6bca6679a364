package reader

import (
	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
)

// InlineStack returns the stack of inlined calls inside fn that contain
// pc, innermost first.
func InlineStack(t *godwarf.Tree, fn *godwarf.Entry, pc uint64) ([]*godwarf.Entry, error) {
	v := []*godwarf.Entry{}
	for _, child := range t.Children(fn) {
		var err error
		v, err = inlineStackInternal(v, t, child, pc)
		if err != nil {
			return nil, err
		}
	}
	return v, nil
}

// inlineStackInternal descends into an entry if its ranges, or the ranges
// of one of its children, contain pc. Compilers sometimes emit an outer
// inlined call whose ranges do not cover the nested inlined calls, so the
// recursion does not stop at the first entry not containing pc.
func inlineStackInternal(stack []*godwarf.Entry, t *godwarf.Tree, n *godwarf.Entry, pc uint64) ([]*godwarf.Entry, error) {
	switch n.Tag {
	case godwarf.TagSubprogram, godwarf.TagInlinedSubroutine, godwarf.TagLexicalBlock:
		rngs, err := t.Ranges(n)
		if err != nil {
			return nil, err
		}
		before := len(stack)
		for _, child := range t.Children(n) {
			stack, err = inlineStackInternal(stack, t, child, pc)
			if err != nil {
				return nil, err
			}
		}
		if n.Tag == godwarf.TagInlinedSubroutine && (rngs.ContainsPC(pc) || len(stack) > before) {
			stack = append(stack, n)
		}
	}
	return stack, nil
}
