package unwind

import (
	"fmt"

	"github.com/maskregs/maskregs/pkg/locexpr"
)

// CrossCheck compares a variable location with the unwinder's view of the
// register it uses.
type CrossCheck struct {
	// Applicable is false for locations that do not name a register.
	Applicable bool   `yaml:"applicable" json:"applicable"`
	Reg        uint64 `yaml:"reg" json:"reg"`
	Rule       Rule   `yaml:"rule" json:"rule"`
	// Spilled is set when the caller's value of Reg was saved on the
	// stack, the register is free to hold the variable.
	Spilled bool `yaml:"spilled" json:"spilled"`
	// CFARelative is set when the location is a slot addressed from the
	// CFA register, CFAOffset is then the slot offset from the CFA.
	CFARelative bool  `yaml:"cfa-relative" json:"cfa_relative"`
	CFAOffset   int64 `yaml:"cfa-offset,omitempty" json:"cfa_offset,omitempty"`
	// Warning describes a disagreement between the location and the row.
	Warning string `yaml:"warning,omitempty" json:"warning,omitempty"`
}

// Check cross-validates loc against row.
func (row *Row) Check(loc *locexpr.Location) CrossCheck {
	if loc == nil || loc.Kind == locexpr.KindUnsupported {
		return CrossCheck{}
	}

	c := CrossCheck{Applicable: true, Reg: loc.Reg, Rule: row.Rule(loc.Reg)}
	c.Spilled = c.Rule.Kind == OffsetFromCFA

	switch loc.Kind {
	case locexpr.KindRegisterDirect:
		if c.Rule.Kind == Undefined {
			c.Warning = fmt.Sprintf("register %d holds the variable but the unwinder considers it undefined", loc.Reg)
		}
	case locexpr.KindRegisterIndirect:
		if row.CFA.Kind == OffsetFromCFA && row.CFA.Reg == loc.Reg {
			c.CFARelative = true
			c.CFAOffset = loc.Offset - row.CFA.Offset
			for _, reg := range row.Registers() {
				if r := row.Regs[reg]; r.Kind == OffsetFromCFA && r.Offset == c.CFAOffset {
					c.Warning = fmt.Sprintf("slot CFA%+#x is also the save slot of register %d", c.CFAOffset, reg)
					break
				}
			}
		}
	}
	return c
}
