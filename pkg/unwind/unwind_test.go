package unwind

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/maskregs/maskregs/pkg/dwarf/dwarfbuilder"
	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/locexpr"
)

var ins = dwarfbuilder.Instructions

type ruleTables struct{}

func (ruleTables) RegisterRuleTable(fde *frame.FrameDescriptionEntry, pc uint64, sentinels frame.Sentinels) (*frame.RuleTable, error) {
	return frame.RuleTableForPC(fde, pc, sentinels)
}

type fixedTable struct {
	tbl *frame.RuleTable
	err error
}

func (f fixedTable) RegisterRuleTable(*frame.FrameDescriptionEntry, uint64, frame.Sentinels) (*frame.RuleTable, error) {
	return f.tbl, f.err
}

// testFDE covers [0x1000, 0x1040): push %rbp at 0x1000, then from 0x1005 a
// few more rule kinds.
func testFDE(t *testing.T) *frame.FrameDescriptionEntry {
	t.Helper()
	b := dwarfbuilder.NewDebugFrame()
	cie := b.CIE(1, -8, 16, ins(
		byte(frame.DW_CFA_def_cfa), uint(7), uint(8),
		byte(frame.DW_CFA_offset|16), uint(1)))
	b.FDE(cie, 0x1000, 0x40, ins(
		byte(frame.DW_CFA_advance_loc|1),
		byte(frame.DW_CFA_def_cfa_offset), uint(16),
		byte(frame.DW_CFA_offset|6), uint(2),
		byte(frame.DW_CFA_same_value), uint(5),
		byte(frame.DW_CFA_advance_loc|4),
		byte(frame.DW_CFA_undefined), uint(3),
		byte(frame.DW_CFA_val_offset), uint(12), uint(1),
		byte(frame.DW_CFA_register), uint(13), uint(14),
	))
	fdes, err := frame.ParseDebugFrame(b.Bytes(), binary.LittleEndian, 8)
	require.NoError(t, err)
	require.Len(t, fdes, 1)
	return fdes[0]
}

func TestDecodeSameValueAndCFA(t *testing.T) {
	fde := testFDE(t)
	row, err := Decode(ruleTables{}, fde, 0x1002)
	require.NoError(t, err)

	require.Equal(t, OffsetFromCFA, row.CFA.Kind)
	require.Equal(t, uint64(7), row.CFA.Reg)
	require.Equal(t, int64(16), row.CFA.Offset)

	r5 := row.Rule(5)
	require.Equal(t, SameAsCaller, r5.Kind)
	require.NotEqual(t, OffsetFromCFA, r5.Kind)
	require.Zero(t, r5.Offset)

	require.Equal(t, Rule{Kind: OffsetFromCFA, Offset: -16}, row.Rule(6))
	require.Equal(t, Rule{Kind: OffsetFromCFA, Offset: -8}, row.Rule(16))
	require.Equal(t, uint64(16), row.ReturnAddressRegister)
	require.Equal(t, uint64(0x1000), row.FDEBegin)
	require.Equal(t, uint64(0x1040), row.FDEEnd)
}

func TestDecodeRuleKinds(t *testing.T) {
	fde := testFDE(t)
	row, err := Decode(ruleTables{}, fde, 0x1008)
	require.NoError(t, err)

	tcs := []struct {
		reg  uint64
		want Rule
	}{
		{3, Rule{Kind: Undefined}},
		{5, Rule{Kind: SameAsCaller}},
		{6, Rule{Kind: OffsetFromCFA, Offset: -16}},
		{12, Rule{Kind: ValueAtOffsetFromCFA, Offset: -8}},
		{13, Rule{Kind: InRegister, Reg: 14}},
		{0, Rule{Kind: SameAsCaller}}, // no explicit rule
	}
	for _, tc := range tcs {
		require.Equal(t, tc.want, row.Rule(tc.reg), "register %d", tc.reg)
	}
	require.Equal(t, []uint64{3, 5, 6, 12, 13, 16}, row.Registers())
}

func TestDecodeIdempotent(t *testing.T) {
	fde := testFDE(t)
	a, err := Decode(ruleTables{}, fde, 0x1010)
	require.NoError(t, err)
	b, err := Decode(ruleTables{}, fde, 0x1010)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestDecodeErrors(t *testing.T) {
	fde := testFDE(t)

	_, err := Decode(ruleTables{}, fde, 0x1040)
	var rangeErr *PCOutOfRangeError
	require.True(t, errors.As(err, &rangeErr), "got %v", err)
	require.Equal(t, uint64(0x1000), rangeErr.Begin)
	require.Equal(t, uint64(0x1040), rangeErr.End)

	_, err = Decode(ruleTables{}, fde, 0xfff)
	require.True(t, errors.As(err, &rangeErr), "got %v", err)

	sourceErr := errors.New("boom")
	_, err = Decode(fixedTable{err: sourceErr}, fde, 0x1000)
	require.ErrorIs(t, err, sourceErr)

	// a real register with a relevant offset has no RuleKind
	tbl := &frame.RuleTable{
		Sentinels: Sentinels,
		CFA:       frame.TableEntry{Type: frame.ValueOffset, OffsetRelevant: true, Reg: 7, Offset: 8},
		Default:   frame.TableEntry{Reg: Sentinels.SameValue},
		Regs:      map[uint64]frame.TableEntry{3: {Type: frame.ValueOffset, OffsetRelevant: true, Reg: 6, Offset: 8}},
	}
	_, err = Decode(fixedTable{tbl: tbl}, fde, 0x1000)
	var ruleErr *RuleError
	require.True(t, errors.As(err, &ruleErr), "got %v", err)
	require.Equal(t, uint64(3), ruleErr.Reg)
}

// The same value sentinel wins even when the source marks the offset
// relevant.
func TestClassifySentinelsFirst(t *testing.T) {
	r, err := classify(5, frame.TableEntry{Type: frame.ValueOffset, OffsetRelevant: true, Reg: Sentinels.SameValue, Offset: 16}, Sentinels)
	require.NoError(t, err)
	require.Equal(t, Rule{Kind: SameAsCaller}, r)

	r, err = classify(5, frame.TableEntry{Type: frame.ValueOffset, OffsetRelevant: true, Reg: Sentinels.Undefined, Offset: 16}, Sentinels)
	require.NoError(t, err)
	require.Equal(t, Rule{Kind: Undefined}, r)

	r, err = classify(5, frame.TableEntry{Type: frame.ValueValExpression, Expression: []byte{0x9c}}, Sentinels)
	require.NoError(t, err)
	require.Equal(t, ExpressionDefined, r.Kind)
	require.True(t, r.Value)

	cfa, err := classifyCFA(frame.TableEntry{Reg: Sentinels.Undefined}, Sentinels)
	require.NoError(t, err)
	require.Equal(t, Undefined, cfa.Kind)
}

func TestCheck(t *testing.T) {
	fde := testFDE(t)
	row, err := Decode(ruleTables{}, fde, 0x1008)
	require.NoError(t, err)

	c := row.Check(&locexpr.Location{Kind: locexpr.KindRegisterDirect, Reg: 5, Size: 8})
	require.True(t, c.Applicable)
	require.Equal(t, SameAsCaller, c.Rule.Kind)
	require.False(t, c.Spilled)
	require.Empty(t, c.Warning)

	c = row.Check(&locexpr.Location{Kind: locexpr.KindRegisterDirect, Reg: 6, Size: 4})
	require.True(t, c.Spilled)

	c = row.Check(&locexpr.Location{Kind: locexpr.KindRegisterDirect, Reg: 3, Size: 8})
	require.Equal(t, Undefined, c.Rule.Kind)
	require.NotEmpty(t, c.Warning)

	// CFA is r7+16, the slot at r7-8 is CFA-0x18
	c = row.Check(&locexpr.Location{Kind: locexpr.KindRegisterIndirect, Reg: 7, Offset: -8})
	require.True(t, c.CFARelative)
	require.Equal(t, int64(-24), c.CFAOffset)
	require.Empty(t, c.Warning)

	// r7+0 is CFA-16, where r6 was saved
	c = row.Check(&locexpr.Location{Kind: locexpr.KindRegisterIndirect, Reg: 7, Offset: 0})
	require.Equal(t, int64(-16), c.CFAOffset)
	require.Contains(t, c.Warning, "register 6")

	c = row.Check(&locexpr.Location{Kind: locexpr.KindRegisterIndirect, Reg: 6, Offset: -24})
	require.False(t, c.CFARelative)

	require.False(t, row.Check(&locexpr.Location{Kind: locexpr.KindUnsupported}).Applicable)
	require.False(t, row.Check(nil).Applicable)
}

func TestFormat(t *testing.T) {
	name := func(reg uint64) string { return map[uint64]string{7: "Rsp", 14: "R14"}[reg] }
	require.Equal(t, "Rsp+0x10", CFA{Kind: OffsetFromCFA, Reg: 7, Offset: 16}.Format(name))
	require.Equal(t, "[CFA-0x10]", Rule{Kind: OffsetFromCFA, Offset: -16}.Format(name))
	require.Equal(t, "CFA-0x8", Rule{Kind: ValueAtOffsetFromCFA, Offset: -8}.Format(name))
	require.Equal(t, "in R14", Rule{Kind: InRegister, Reg: 14}.Format(name))
	require.Equal(t, "same value", Rule{Kind: SameAsCaller}.String())
	require.Equal(t, "r7+0x10", CFA{Kind: OffsetFromCFA, Reg: 7, Offset: 16}.String())
}
