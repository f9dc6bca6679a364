package frame

import (
	"fmt"
	"sort"
)

// Sentinels are the out of band register numbers used in a RuleTable to
// encode rules that do not name a real register.
type Sentinels struct {
	Undefined uint64 // the register can not be recovered
	SameValue uint64 // the register holds the caller's value
	CFA       uint64 // the rule is relative to the canonical frame address
}

// DefaultSentinels are the values used by libdwarf
// (DW_FRAME_UNDEFINED_VAL, DW_FRAME_SAME_VAL, DW_FRAME_CFA_COL3).
var DefaultSentinels = Sentinels{Undefined: 1034, SameValue: 1035, CFA: 1436}

// Valid returns an error if the sentinels are not pairwise distinct.
func (s Sentinels) Valid() error {
	if s.Undefined == s.SameValue || s.Undefined == s.CFA || s.SameValue == s.CFA {
		return fmt.Errorf("sentinel register numbers must be distinct: %+v", s)
	}
	return nil
}

func (s Sentinels) is(reg uint64) bool {
	return reg == s.Undefined || reg == s.SameValue || reg == s.CFA
}

// ValueType says how the value of a RuleTable entry is obtained.
type ValueType uint8

const (
	ValueOffset        ValueType = iota // Reg+Offset is an address, or Reg is the rule when !OffsetRelevant
	ValueValOffset                      // Reg+Offset is the value itself
	ValueExpression                     // Expression computes an address
	ValueValExpression                  // Expression computes the value
)

func (vt ValueType) String() string {
	switch vt {
	case ValueOffset:
		return "offset"
	case ValueValOffset:
		return "val_offset"
	case ValueExpression:
		return "expression"
	case ValueValExpression:
		return "val_expression"
	}
	return fmt.Sprintf("ValueType(%d)", uint8(vt))
}

// TableEntry is one cell of a register rule table. Reg is either a real
// DWARF register number or one of the table's Sentinels.
type TableEntry struct {
	Type           ValueType
	OffsetRelevant bool
	Reg            uint64
	Offset         int64
	Expression     []byte
}

// RuleTable is the row of the unwind table valid at one address, in the
// shape libdwarf reports it: every rule is a register (possibly a
// sentinel) and an optional offset.
type RuleTable struct {
	Sentinels Sentinels
	PC        uint64
	CFA       TableEntry
	Regs      map[uint64]TableEntry
	// Default is the rule of every register not in Regs.
	Default TableEntry
	// ReturnAddressRegister is the column holding the return address.
	ReturnAddressRegister uint64
}

// Rule returns the rule for reg.
func (t *RuleTable) Rule(reg uint64) TableEntry {
	if e, ok := t.Regs[reg]; ok {
		return e
	}
	return t.Default
}

// Registers returns the registers with an explicit rule, sorted.
func (t *RuleTable) Registers() []uint64 {
	r := make([]uint64, 0, len(t.Regs))
	for reg := range t.Regs {
		r = append(r, reg)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// RuleTableForPC runs the unwind program of fde up to pc and converts the
// result to a RuleTable using sentinels. Registers without a rule get the
// same value rule.
func RuleTableForPC(fde *FrameDescriptionEntry, pc uint64, sentinels Sentinels) (*RuleTable, error) {
	if err := sentinels.Valid(); err != nil {
		return nil, err
	}
	if !fde.Cover(pc) {
		return nil, &ErrNoFDEForPC{PC: pc}
	}
	frame, err := fde.EstablishFrame(pc)
	if err != nil {
		return nil, err
	}

	t := &RuleTable{
		Sentinels:             sentinels,
		PC:                    pc,
		Regs:                  make(map[uint64]TableEntry, len(frame.Regs)),
		Default:               TableEntry{Reg: sentinels.SameValue},
		ReturnAddressRegister: frame.RetAddrReg,
	}

	switch frame.CFA.Rule {
	case RuleCFA:
		if sentinels.is(frame.CFA.Reg) {
			return nil, fmt.Errorf("CFA register %d collides with a sentinel", frame.CFA.Reg)
		}
		t.CFA = TableEntry{Type: ValueOffset, OffsetRelevant: true, Reg: frame.CFA.Reg, Offset: frame.CFA.Offset}
	case RuleExpression:
		t.CFA = TableEntry{Type: ValueExpression, Expression: frame.CFA.Expression}
	default:
		// no DW_CFA_def_cfa* instruction was executed
		t.CFA = TableEntry{Reg: sentinels.Undefined}
	}

	for reg, rule := range frame.Regs {
		if sentinels.is(reg) {
			return nil, fmt.Errorf("register %d collides with a sentinel", reg)
		}
		var e TableEntry
		switch rule.Rule {
		case RuleUndefined:
			e = TableEntry{Reg: sentinels.Undefined}
		case RuleSameVal:
			e = TableEntry{Reg: sentinels.SameValue}
		case RuleOffset:
			e = TableEntry{Type: ValueOffset, OffsetRelevant: true, Reg: sentinels.CFA, Offset: rule.Offset}
		case RuleValOffset:
			e = TableEntry{Type: ValueValOffset, OffsetRelevant: true, Reg: sentinels.CFA, Offset: rule.Offset}
		case RuleRegister:
			if sentinels.is(rule.Reg) {
				return nil, fmt.Errorf("register %d collides with a sentinel", rule.Reg)
			}
			e = TableEntry{Type: ValueOffset, Reg: rule.Reg}
		case RuleExpression:
			e = TableEntry{Type: ValueExpression, Expression: rule.Expression}
		case RuleValExpression:
			e = TableEntry{Type: ValueValExpression, Expression: rule.Expression}
		default:
			return nil, fmt.Errorf("register %d: unexpected rule %d", reg, rule.Rule)
		}
		t.Regs[reg] = e
	}

	return t, nil
}
