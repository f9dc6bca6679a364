package frame

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/maskregs/maskregs/pkg/dwarf/dwarfbuilder"
)

var ins = dwarfbuilder.Instructions

func testFDE(t *testing.T, instructions []byte) *FrameDescriptionEntry {
	t.Helper()
	b := dwarfbuilder.NewDebugFrame()
	cie := b.CIE(1, -8, 16, ins(
		byte(DW_CFA_def_cfa), uint(7), uint(8),
		byte(DW_CFA_offset|16), uint(1)))
	b.FDE(cie, 0x1000, 0x40, instructions)
	fdes, err := ParseDebugFrame(b.Bytes(), binary.LittleEndian, 8)
	if err != nil {
		t.Fatal(err)
	}
	return fdes[0]
}

func prologueFDE(t *testing.T) *FrameDescriptionEntry {
	return testFDE(t, ins(
		byte(DW_CFA_advance_loc|1),
		byte(DW_CFA_def_cfa_offset), uint(16),
		byte(DW_CFA_offset|6), uint(2),
		byte(DW_CFA_same_value), uint(5),
		byte(DW_CFA_advance_loc|3),
		byte(DW_CFA_def_cfa_register), uint(6),
		byte(DW_CFA_remember_state),
		byte(DW_CFA_GNU_args_size), uint(16),
		byte(DW_CFA_advance_loc|0x10),
		byte(DW_CFA_undefined), uint(3),
		byte(DW_CFA_val_offset), uint(12), uint(1),
		byte(DW_CFA_register), uint(13), uint(14),
		byte(DW_CFA_advance_loc|4),
		byte(DW_CFA_restore_state),
		byte(DW_CFA_restore|6),
	))
}

func TestEstablishFrame(t *testing.T) {
	fde := prologueFDE(t)

	type regRule struct {
		reg  uint64
		rule DWRule
	}
	tcs := []struct {
		pc      uint64
		cfa     DWRule
		rules   []regRule
		missing []uint64
	}{
		{0x1000, DWRule{Rule: RuleCFA, Reg: 7, Offset: 8},
			[]regRule{{16, DWRule{Rule: RuleOffset, Offset: -8}}},
			[]uint64{5, 6}},
		{0x1002, DWRule{Rule: RuleCFA, Reg: 7, Offset: 16},
			[]regRule{{6, DWRule{Rule: RuleOffset, Offset: -16}}, {5, DWRule{Rule: RuleSameVal}}},
			nil},
		{0x1010, DWRule{Rule: RuleCFA, Reg: 6, Offset: 16},
			[]regRule{{6, DWRule{Rule: RuleOffset, Offset: -16}}},
			[]uint64{3, 12}},
		{0x1015, DWRule{Rule: RuleCFA, Reg: 6, Offset: 16},
			[]regRule{{3, DWRule{Rule: RuleUndefined}}, {12, DWRule{Rule: RuleValOffset, Offset: -8}}, {13, DWRule{Rule: RuleRegister, Reg: 14}}},
			nil},
		{0x1020, DWRule{Rule: RuleCFA, Reg: 6, Offset: 16},
			[]regRule{{16, DWRule{Rule: RuleOffset, Offset: -8}}, {5, DWRule{Rule: RuleSameVal}}},
			[]uint64{3, 6, 12, 13}},
	}

	for _, tc := range tcs {
		frame, err := fde.EstablishFrame(tc.pc)
		if err != nil {
			t.Fatalf("%#x: %v", tc.pc, err)
		}
		if frame.CFA.Rule != tc.cfa.Rule || frame.CFA.Reg != tc.cfa.Reg || frame.CFA.Offset != tc.cfa.Offset {
			t.Errorf("%#x: wrong CFA %#v, expected %#v", tc.pc, frame.CFA, tc.cfa)
		}
		for _, rr := range tc.rules {
			got, ok := frame.Regs[rr.reg]
			if !ok || got.Rule != rr.rule.Rule || got.Offset != rr.rule.Offset || got.Reg != rr.rule.Reg {
				t.Errorf("%#x: register %d: got %#v expected %#v", tc.pc, rr.reg, got, rr.rule)
			}
		}
		for _, reg := range tc.missing {
			if rule, ok := frame.Regs[reg]; ok {
				t.Errorf("%#x: register %d should have no rule, got %#v", tc.pc, reg, rule)
			}
		}
	}
}

func TestEstablishFrameErrors(t *testing.T) {
	tcs := []struct {
		name  string
		instr []byte
	}{
		{"unknown opcode", ins(byte(0x3e))},
		{"restore_state without remember_state", ins(byte(DW_CFA_restore_state))},
		{"truncated operand", ins(byte(DW_CFA_def_cfa), uint(7))},
		{"truncated expression", ins(byte(DW_CFA_expression), uint(3), uint(10), byte(0x50))},
	}
	for _, tc := range tcs {
		fde := testFDE(t, tc.instr)
		_, err := fde.EstablishFrame(0x1010)
		var derr *DecodeError
		if !errors.As(err, &derr) {
			t.Errorf("%s: expected DecodeError, got %v", tc.name, err)
		}
	}
}
