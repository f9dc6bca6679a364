// Package reader walks the debug entry tree of a compile unit, tracking
// the ancestors of each entry.
package reader

import (
	"iter"

	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
)

// Chain is one link of the list of ancestors of an entry, innermost
// first. Chains are immutable: siblings share their parent's chain and
// pushing a link never modifies an existing one. The nil *Chain is the
// empty list (the ancestors of a compile unit).
type Chain struct {
	// Entry is the ancestor this link records.
	Entry *godwarf.Entry
	// Physical is set when Entry is an inlined subroutine: it is the
	// nearest enclosing entry that is not an inlined subroutine, i.e. the
	// code the inlined call was expanded into.
	Physical *godwarf.Entry

	parent *Chain
	depth  int
}

// Push returns a new chain with e as its innermost link.
func (c *Chain) Push(e *godwarf.Entry) *Chain {
	n := &Chain{Entry: e, parent: c, depth: c.Len() + 1}
	if e.Tag == godwarf.TagInlinedSubroutine {
		n.Physical = c.physical()
	}
	return n
}

func (c *Chain) physical() *godwarf.Entry {
	if c == nil {
		return nil
	}
	if c.Physical != nil {
		return c.Physical
	}
	return c.Entry
}

// Parent returns the chain without its innermost link.
func (c *Chain) Parent() *Chain {
	if c == nil {
		return nil
	}
	return c.parent
}

// Inlined returns true if this link records an inlined subroutine.
func (c *Chain) Inlined() bool {
	return c != nil && c.Entry.Tag == godwarf.TagInlinedSubroutine
}

// Len returns the number of links in the chain.
func (c *Chain) Len() int {
	if c == nil {
		return 0
	}
	return c.depth
}

// Links iterates over the chain, innermost link first.
func (c *Chain) Links() iter.Seq[*Chain] {
	return func(yield func(*Chain) bool) {
		for l := c; l != nil; l = l.parent {
			if !yield(l) {
				return
			}
		}
	}
}

// Tags returns the tags of the ancestors, innermost first.
func (c *Chain) Tags() []godwarf.Tag {
	r := make([]godwarf.Tag, 0, c.Len())
	for l := range c.Links() {
		r = append(r, l.Entry.Tag)
	}
	return r
}

// Walk returns a depth first, pre-order iterator over every entry of t,
// yielding each entry with the chain of its ancestors.
func Walk(t *godwarf.Tree) iter.Seq2[*godwarf.Entry, *Chain] {
	return func(yield func(*godwarf.Entry, *Chain) bool) {
		type frame struct {
			kids  []*godwarf.Entry
			chain *Chain
		}

		root := t.Root()
		if !yield(root, nil) {
			return
		}
		kids := t.Children(root)
		if len(kids) == 0 {
			return
		}
		stack := []frame{{kids, (*Chain)(nil).Push(root)}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if len(top.kids) == 0 {
				stack = stack[:len(stack)-1]
				continue
			}
			e, chain := top.kids[0], top.chain
			top.kids = top.kids[1:]

			if !yield(e, chain) {
				return
			}
			if kids := t.Children(e); len(kids) > 0 {
				stack = append(stack, frame{kids, chain.Push(e)})
			}
		}
	}
}
