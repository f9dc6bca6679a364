// Package loclist reads DWARF location lists, both the DWARF 2-4 format
// stored in .debug_loc and the DWARF 5 format stored in .debug_loclists.
package loclist

import (
	"errors"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/op"
)

// Reader represents a loclist reader.
type Reader interface {
	// All returns every entry of the list starting at off, with
	// addresses made absolute using base (the compile unit base address).
	All(off int, base uint64, debugAddr *godwarf.DebugAddr) ([]Entry, error)
	Empty() bool
}

// ErrTruncated is returned when a location list runs past the end of its
// section.
var ErrTruncated = errors.New("location list truncated")

// Entry represents a single entry in the loclist section.
type Entry struct {
	LowPC, HighPC uint64
	Instr         []byte
	// Default is set for a DW_LLE_default_location entry, which applies
	// to any pc not covered by another entry. LowPC and HighPC are unused.
	Default bool
}

// BaseAddressSelection returns true if entry.highpc should
// be used as the base address for subsequent entries.
func (e *Entry) BaseAddressSelection() bool {
	return e.LowPC == ^uint64(0)
}

// Range is a location list entry with its expression decoded.
type Range struct {
	Low, High uint64
	Default   bool
	Ops       []op.Op
	Instr     []byte
	// Err is set if Instr could not be decoded, Ops then holds the
	// operations preceding the failure.
	Err error
}

// Contains returns true if pc is in [Low, High).
func (r Range) Contains(pc uint64) bool {
	return r.Low <= pc && pc < r.High
}

// Relative returns a copy of r with its bounds expressed as offsets from
// base. Bounds below base are clamped to zero.
func (r Range) Relative(base uint64) Range {
	sub := func(x uint64) uint64 {
		if x < base {
			return 0
		}
		return x - base
	}
	if !r.Default {
		r.Low, r.High = sub(r.Low), sub(r.High)
	}
	return r
}

func (r Range) String() string {
	ops := fmt.Sprint(r.Ops)
	if r.Err != nil {
		ops = fmt.Sprintf("<%v>", r.Err)
	}
	if r.Default {
		return "default " + ops
	}
	return fmt.Sprintf("[%#x, %#x) %s", r.Low, r.High, ops)
}

// Decode decodes the expression of every entry in list. An entry that
// can not be decoded is kept, with its error in Err.
func Decode(list []Entry, ptrSize int) []Range {
	r := make([]Range, 0, len(list))
	for _, e := range list {
		ops, err := op.Decode(e.Instr, ptrSize)
		r = append(r, Range{Low: e.LowPC, High: e.HighPC, Default: e.Default, Ops: ops, Instr: e.Instr, Err: err})
	}
	return r
}
