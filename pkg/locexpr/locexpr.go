// Package locexpr turns the location list of a variable into the register
// or stack slot holding it at one address.
//
// Only the shapes produced for variables kept in a register or in a
// register relative stack slot are recognized, everything else is
// reported as KindUnsupported. No DWARF expression is executed.
package locexpr

import (
	"errors"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/loclist"
	"github.com/maskregs/maskregs/pkg/dwarf/op"
	"github.com/maskregs/maskregs/pkg/logflags"
)

// DefaultRegisterWidth is used when Options.RegisterWidth is zero.
const DefaultRegisterWidth = 8

// ErrNoActiveRange is returned by Evaluate when no entry of the list
// covers the address.
var ErrNoActiveRange = errors.New("no location list entry active at pc")

const reasonTooManyOps = "more than two operations is not a register/stack case this core models"

// Kind is the storage class of a Location.
type Kind uint8

const (
	// KindRegisterDirect: the variable is in the low Size bytes of Reg.
	KindRegisterDirect Kind = iota
	// KindRegisterIndirect: the variable is in memory at Reg+Offset. Size
	// is zero, the width comes from the type of the variable.
	KindRegisterIndirect
	// KindUnsupported: the location exists but has a shape that is not
	// recognized, Reason says which.
	KindUnsupported
)

func (k Kind) String() string {
	switch k {
	case KindRegisterDirect:
		return "RegisterDirect"
	case KindRegisterIndirect:
		return "RegisterIndirect"
	case KindUnsupported:
		return "Unsupported"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Location is where a variable lives at one address.
type Location struct {
	Kind   Kind   `yaml:"kind" json:"kind"`
	Reg    uint64 `yaml:"reg" json:"reg"`
	Offset int64  `yaml:"offset,omitempty" json:"offset,omitempty"`
	Size   uint64 `yaml:"size" json:"size"`
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`

	// Low and High are the bounds of the location list entry the
	// location was derived from, relative to the base address. They are
	// zero for a default entry.
	Low     uint64 `yaml:"low" json:"low"`
	High    uint64 `yaml:"high" json:"high"`
	Default bool   `yaml:"default,omitempty" json:"default,omitempty"`

	Ops []op.Op `yaml:"-" json:"-"`
}

// Options configures Evaluate.
type Options struct {
	// RegisterWidth is the size reported for a variable occupying a
	// whole register.
	RegisterWidth uint64
	// PtrSize is the address size of the target, used to print
	// expressions that could not be decoded. Defaults to 8.
	PtrSize int
}

// Evaluate selects the entry of list active at pc and decodes its shape.
// The bounds of list are absolute addresses, they are made relative to
// base before comparing them to pc-base.
func Evaluate(list []loclist.Range, base, pc uint64, opts Options) (*Location, error) {
	log := logflags.LocexprLogger()
	if opts.RegisterWidth == 0 {
		opts.RegisterWidth = DefaultRegisterWidth
	}
	if opts.PtrSize == 0 {
		opts.PtrSize = 8
	}

	if pc < base {
		return nil, fmt.Errorf("%w: pc %#x is before base address %#x", ErrNoActiveRange, pc, base)
	}
	relpc := pc - base

	active := selectRange(list, base, relpc)
	if active == nil {
		return nil, fmt.Errorf("%w: relative pc %#x", ErrNoActiveRange, relpc)
	}

	var loc *Location
	if active.Err != nil {
		loc = unsupported("undecodable expression %s: %v", op.String(active.Instr, opts.PtrSize), active.Err)
	} else {
		loc = decode(active.Ops, opts)
	}
	loc.Ops = active.Ops
	loc.Default = active.Default
	if !active.Default {
		loc.Low, loc.High = active.Low, active.High
	}
	if loc.Kind == KindUnsupported {
		log.Debugf("relative pc %#x: %v: %s", relpc, active, loc.Reason)
	}
	return loc, nil
}

// selectRange returns the first entry whose relative bounds contain relpc,
// or the default entry if no bounded entry does.
func selectRange(list []loclist.Range, base, relpc uint64) *loclist.Range {
	var def *loclist.Range
	for i := range list {
		r := list[i].Relative(base)
		if r.Default {
			if def == nil {
				def = &r
			}
			continue
		}
		if r.Contains(relpc) {
			return &r
		}
	}
	return def
}

func unsupported(format string, args ...interface{}) *Location {
	return &Location{Kind: KindUnsupported, Reason: fmt.Sprintf(format, args...)}
}

func decode(ops []op.Op, opts Options) *Location {
	switch len(ops) {
	case 0:
		return unsupported("empty location expression")

	case 1:
		o := ops[0]
		switch o.Kind {
		case op.RegisterDirect:
			return &Location{Kind: KindRegisterDirect, Reg: o.Reg, Size: opts.RegisterWidth}
		case op.RegisterIndirect:
			return &Location{Kind: KindRegisterIndirect, Reg: o.Reg, Offset: o.Offset}
		case op.FrameBaseRelative:
			return unsupported("frame base relative location %s", o.Opcode)
		case op.Piece:
			return unsupported("piece without a location")
		case op.Other:
			return unsupported("operation %s", o.Opcode)
		}

	case 2:
		first, second := ops[0], ops[1]
		switch first.Kind {
		case op.RegisterDirect:
			if second.Kind == op.Piece {
				return &Location{Kind: KindRegisterDirect, Reg: first.Reg, Size: second.Size}
			}
			return unsupported("register followed by %s", second.Opcode)
		case op.RegisterIndirect:
			return unsupported("register relative location followed by %s", second.Opcode)
		case op.FrameBaseRelative, op.Piece, op.Other:
			return unsupported("two operations starting with %s, which is not a register", first.Opcode)
		}

	default:
		return unsupported(reasonTooManyOps)
	}
	return unsupported("unknown operation kind")
}

// Describe formats loc using regName to print register numbers.
func (loc *Location) Describe(regName func(uint64) string) string {
	switch loc.Kind {
	case KindRegisterDirect:
		return fmt.Sprintf("register %s (%d bytes)", regName(loc.Reg), loc.Size)
	case KindRegisterIndirect:
		if loc.Offset < 0 {
			return fmt.Sprintf("stack [%s-%#x]", regName(loc.Reg), -loc.Offset)
		}
		return fmt.Sprintf("stack [%s+%#x]", regName(loc.Reg), loc.Offset)
	}
	return "unsupported: " + loc.Reason
}
