package frame

import (
	"errors"
	"testing"
)

func TestRuleTableForPC(t *testing.T) {
	fde := prologueFDE(t)
	s := DefaultSentinels

	tbl, err := RuleTableForPC(fde, 0x1015, s)
	if err != nil {
		t.Fatal(err)
	}
	if cfa := tbl.CFA; cfa.Type != ValueOffset || !cfa.OffsetRelevant || cfa.Reg != 6 || cfa.Offset != 16 {
		t.Errorf("wrong CFA entry %#v", tbl.CFA)
	}

	tcs := []struct {
		reg uint64
		tgt TableEntry
	}{
		{3, TableEntry{Reg: s.Undefined}},
		{5, TableEntry{Reg: s.SameValue}},
		{6, TableEntry{Type: ValueOffset, OffsetRelevant: true, Reg: s.CFA, Offset: -16}},
		{12, TableEntry{Type: ValueValOffset, OffsetRelevant: true, Reg: s.CFA, Offset: -8}},
		{13, TableEntry{Type: ValueOffset, Reg: 14}},
		{16, TableEntry{Type: ValueOffset, OffsetRelevant: true, Reg: s.CFA, Offset: -8}},
		{0, TableEntry{Reg: s.SameValue}}, // no rule
	}
	for _, tc := range tcs {
		got := tbl.Rule(tc.reg)
		if got.Type != tc.tgt.Type || got.OffsetRelevant != tc.tgt.OffsetRelevant || got.Reg != tc.tgt.Reg || got.Offset != tc.tgt.Offset {
			t.Errorf("register %d: got %#v expected %#v", tc.reg, got, tc.tgt)
		}
	}

	regs := tbl.Registers()
	want := []uint64{3, 5, 6, 12, 13, 16}
	if len(regs) != len(want) {
		t.Fatalf("wrong registers %v", regs)
	}
	for i := range want {
		if regs[i] != want[i] {
			t.Fatalf("wrong registers %v", regs)
		}
	}
}

func TestRuleTableForPCErrors(t *testing.T) {
	fde := prologueFDE(t)

	var nofde *ErrNoFDEForPC
	if _, err := RuleTableForPC(fde, 0x2000, DefaultSentinels); !errors.As(err, &nofde) {
		t.Errorf("expected ErrNoFDEForPC, got %v", err)
	}

	if _, err := RuleTableForPC(fde, 0x1000, Sentinels{Undefined: 1, SameValue: 1, CFA: 2}); err == nil {
		t.Errorf("expected error for overlapping sentinels")
	}

	collide := testFDE(t, ins(byte(DW_CFA_def_cfa), uint(DefaultSentinels.CFA), uint(8)))
	if _, err := RuleTableForPC(collide, 0x1000, DefaultSentinels); err == nil {
		t.Errorf("expected error for register colliding with a sentinel")
	}
}
