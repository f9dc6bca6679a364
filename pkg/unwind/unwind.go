// Package unwind classifies the call frame rules valid at one address.
//
// The rules are read from the register rule table of a frame description
// entry, which encodes them with three out of band register numbers, and
// turned into a Row of RuleKind values. A Row can cross-check a variable
// location computed from the location lists.
package unwind

import (
	"fmt"
	"sort"

	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/logflags"
)

// Sentinels are the register numbers requested from the rule table
// source. They are above every real DWARF register number of the
// supported architectures.
var Sentinels = frame.DefaultSentinels

// RuleTableSource returns the register rule table of an FDE at pc.
type RuleTableSource interface {
	RegisterRuleTable(fde *frame.FrameDescriptionEntry, pc uint64, sentinels frame.Sentinels) (*frame.RuleTable, error)
}

// RuleKind classifies how the caller's value of a register is recovered.
type RuleKind uint8

const (
	// Undefined: the value can not be recovered.
	Undefined RuleKind = iota
	// SameAsCaller: the register was not modified since function entry.
	SameAsCaller
	// OffsetFromCFA: the value was saved at CFA+Offset.
	OffsetFromCFA
	// ValueAtOffsetFromCFA: the value is CFA+Offset itself.
	ValueAtOffsetFromCFA
	// ExpressionDefined: a DWARF expression, not evaluated.
	ExpressionDefined
	// InRegister: the value was saved in register Reg.
	InRegister
)

func (k RuleKind) String() string {
	switch k {
	case Undefined:
		return "Undefined"
	case SameAsCaller:
		return "SameAsCaller"
	case OffsetFromCFA:
		return "OffsetFromCFA"
	case ValueAtOffsetFromCFA:
		return "ValueAtOffsetFromCFA"
	case ExpressionDefined:
		return "ExpressionDefined"
	case InRegister:
		return "InRegister"
	}
	return fmt.Sprintf("RuleKind(%d)", uint8(k))
}

func (k RuleKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Rule is the rule of one register.
type Rule struct {
	Kind   RuleKind `yaml:"kind" json:"kind"`
	Offset int64    `yaml:"offset,omitempty" json:"offset,omitempty"`
	// Reg is the register holding the value, for InRegister.
	Reg uint64 `yaml:"reg,omitempty" json:"reg,omitempty"`
	// Value is set for an ExpressionDefined rule whose expression
	// computes the value instead of its address.
	Value      bool   `yaml:"value,omitempty" json:"value,omitempty"`
	Expression []byte `yaml:"-" json:"-"`
}

// Format returns a description of the rule, naming registers with
// regName.
func (r Rule) Format(regName func(uint64) string) string {
	switch r.Kind {
	case Undefined:
		return "undefined"
	case SameAsCaller:
		return "same value"
	case OffsetFromCFA:
		return fmt.Sprintf("[CFA%+#x]", r.Offset)
	case ValueAtOffsetFromCFA:
		return fmt.Sprintf("CFA%+#x", r.Offset)
	case ExpressionDefined:
		if r.Value {
			return "val_expression"
		}
		return "expression"
	case InRegister:
		return "in " + regName(r.Reg)
	}
	return r.Kind.String()
}

func (r Rule) String() string {
	return r.Format(defaultRegName)
}

// CFA is the rule computing the canonical frame address. Kind is
// OffsetFromCFA for Reg+Offset, ExpressionDefined or Undefined.
type CFA struct {
	Kind       RuleKind `yaml:"kind" json:"kind"`
	Reg        uint64   `yaml:"reg" json:"reg"`
	Offset     int64    `yaml:"offset" json:"offset"`
	Expression []byte   `yaml:"-" json:"-"`
}

// Format returns a description of the rule, naming registers with
// regName.
func (c CFA) Format(regName func(uint64) string) string {
	switch c.Kind {
	case OffsetFromCFA:
		return fmt.Sprintf("%s%+#x", regName(c.Reg), c.Offset)
	case ExpressionDefined:
		return "expression"
	}
	return "undefined"
}

func (c CFA) String() string {
	return c.Format(defaultRegName)
}

func defaultRegName(reg uint64) string {
	return fmt.Sprintf("r%d", reg)
}

// Row is the unwind table row valid at PC.
type Row struct {
	PC       uint64 `yaml:"pc" json:"pc"`
	FDEBegin uint64 `yaml:"fde-begin" json:"fde_begin"`
	FDEEnd   uint64 `yaml:"fde-end" json:"fde_end"`
	CFA      CFA    `yaml:"cfa" json:"cfa"`
	// Regs are the registers with an explicit rule, every other register
	// follows Default.
	Regs                  map[uint64]Rule `yaml:"regs" json:"regs"`
	Default               Rule            `yaml:"default" json:"default"`
	ReturnAddressRegister uint64          `yaml:"return-address-register" json:"return_address_register"`
}

// Rule returns the rule of reg.
func (row *Row) Rule(reg uint64) Rule {
	if r, ok := row.Regs[reg]; ok {
		return r
	}
	return row.Default
}

// Registers returns the registers with an explicit rule, sorted.
func (row *Row) Registers() []uint64 {
	r := make([]uint64, 0, len(row.Regs))
	for reg := range row.Regs {
		r = append(r, reg)
	}
	sort.Slice(r, func(i, j int) bool { return r[i] < r[j] })
	return r
}

// PCOutOfRangeError is returned by Decode when the FDE does not cover
// the address.
type PCOutOfRangeError struct {
	PC         uint64
	Begin, End uint64
}

func (err *PCOutOfRangeError) Error() string {
	return fmt.Sprintf("pc %#x outside of frame description entry [%#x, %#x)", err.PC, err.Begin, err.End)
}

// RuleError is returned when the rule table contains a rule that has no
// RuleKind.
type RuleError struct {
	Reg   uint64
	Entry frame.TableEntry
}

func (err *RuleError) Error() string {
	return fmt.Sprintf("register %d: unexpected rule %s reg=%d offset=%d (offset relevant %v)", err.Reg, err.Entry.Type, err.Entry.Reg, err.Entry.Offset, err.Entry.OffsetRelevant)
}

// Decode classifies the rules of fde at pc.
func Decode(src RuleTableSource, fde *frame.FrameDescriptionEntry, pc uint64) (*Row, error) {
	if !fde.Cover(pc) {
		return nil, &PCOutOfRangeError{PC: pc, Begin: fde.Begin(), End: fde.End()}
	}
	log := logflags.UnwindLogger().WithField("pc", fmt.Sprintf("%#x", pc))

	tbl, err := src.RegisterRuleTable(fde, pc, Sentinels)
	if err != nil {
		return nil, fmt.Errorf("could not read rule table at %#x: %w", pc, err)
	}

	row := &Row{
		PC:                    pc,
		FDEBegin:              fde.Begin(),
		FDEEnd:                fde.End(),
		Regs:                  make(map[uint64]Rule, len(tbl.Regs)),
		ReturnAddressRegister: tbl.ReturnAddressRegister,
	}
	row.CFA, err = classifyCFA(tbl.CFA, tbl.Sentinels)
	if err != nil {
		return nil, err
	}
	row.Default, err = classify(^uint64(0), tbl.Default, tbl.Sentinels)
	if err != nil {
		return nil, err
	}
	for reg, e := range tbl.Regs {
		r, err := classify(reg, e, tbl.Sentinels)
		if err != nil {
			return nil, err
		}
		row.Regs[reg] = r
	}

	log.Debugf("row decoded: cfa %s, %d register rules", row.CFA, len(row.Regs))
	return row, nil
}

func classifyCFA(e frame.TableEntry, s frame.Sentinels) (CFA, error) {
	switch e.Type {
	case frame.ValueExpression, frame.ValueValExpression:
		return CFA{Kind: ExpressionDefined, Expression: e.Expression}, nil
	}
	switch {
	case e.Reg == s.Undefined:
		return CFA{Kind: Undefined}, nil
	case e.Reg == s.SameValue || e.Reg == s.CFA:
		return CFA{}, &RuleError{Reg: s.CFA, Entry: e}
	}
	return CFA{Kind: OffsetFromCFA, Reg: e.Reg, Offset: e.Offset}, nil
}

func classify(reg uint64, e frame.TableEntry, s frame.Sentinels) (Rule, error) {
	switch e.Type {
	case frame.ValueExpression:
		return Rule{Kind: ExpressionDefined, Expression: e.Expression}, nil
	case frame.ValueValExpression:
		return Rule{Kind: ExpressionDefined, Value: true, Expression: e.Expression}, nil
	}

	// the sentinels are checked before the offset: a same value rule is
	// never read as an offset
	switch e.Reg {
	case s.Undefined:
		return Rule{Kind: Undefined}, nil
	case s.SameValue:
		return Rule{Kind: SameAsCaller}, nil
	case s.CFA:
		if e.Type == frame.ValueValOffset || !e.OffsetRelevant {
			return Rule{Kind: ValueAtOffsetFromCFA, Offset: e.Offset}, nil
		}
		return Rule{Kind: OffsetFromCFA, Offset: e.Offset}, nil
	}

	if e.Type == frame.ValueOffset && !e.OffsetRelevant {
		return Rule{Kind: InRegister, Reg: e.Reg}, nil
	}
	return Rule{}, &RuleError{Reg: reg, Entry: e}
}
