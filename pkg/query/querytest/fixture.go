// Package querytest builds a synthetic binary exercising every case a
// query distinguishes, for the tests of the query and command packages.
package querytest

import (
	"debug/dwarf"
	"path/filepath"
	"testing"

	"github.com/maskregs/maskregs/pkg/debuginfo"
	"github.com/maskregs/maskregs/pkg/dwarf/dwarfbuilder"
	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/dwarf/op"
)

// Addresses of the fixture. main is [MainLow, MainHigh), other is
// [MainHigh, OtherHigh) and mixed is [OtherHigh, MixedHigh). Neither other
// nor mixed has a frame description entry.
const (
	TextAddr  = 0x401000
	MainLow   = TextAddr
	MainHigh  = TextAddr + 0x100
	OtherHigh = TextAddr + 0x200
	MixedHigh = TextAddr + 0x280

	// InlinedLow and InlinedHigh bound the call of helper inlined in main.
	InlinedLow  = TextAddr + 0x20
	InlinedHigh = TextAddr + 0x60
)

// Fixture is the raw sections of the synthetic binary and the offsets of
// its interesting entries.
type Fixture struct {
	Abbrev, Info, Loc []byte
	DebugFrame        []byte
	Text              []byte

	// In main: a location list, reg0 over [+0x10, +0x40) then
	// breg6 -24 over [+0x40, +0x80).
	List dwarf.Offset
	// In main: reg3 piece 4, as a single expression.
	Piece dwarf.Offset
	// In main: three operations.
	ThreeOps dwarf.Offset
	// In main: marker variable without a location.
	NoLocation dwarf.Offset
	// In main: variable without the marker, reg4.
	Counter dwarf.Offset
	// In the call of helper inlined in main: unnamed copy of helper's
	// variable, reg13 piece 2.
	Copy dwarf.Offset
	// Unnamed copy under two lexical blocks inside the inlined call.
	Scoped dwarf.Offset
	// Variable of the abstract instance of helper.
	Abstract dwarf.Offset
	// In other: reg5.
	Other dwarf.Offset
	// In mixed: reg0 over [+0, +0x40), then an expression starting with
	// the unknown opcode 0xfd over [+0x40, +0x80).
	Mixed dwarf.Offset
}

// Build builds the fixture.
func Build(t testing.TB) *Fixture {
	t.Helper()
	fx := &Fixture{}
	b := dwarfbuilder.New()

	helper := b.AddAbstractSubprogram("helper", dwarfbuilder.DW_INL_declared_inlined)
	fx.Abstract = b.AddVariable("DATARANDO_DEBUG_HELP_h", 0, nil)
	b.TagClose()

	b.AddSubprogram("main", MainLow, MainHigh)
	fx.List = b.AddVariable("DATARANDO_DEBUG_HELP_a", 0, []dwarfbuilder.LocEntry{
		{Lowpc: MainLow + 0x10, Highpc: MainLow + 0x40, Loc: dwarfbuilder.LocationBlock(op.DW_OP_reg0)},
		{Lowpc: MainLow + 0x40, Highpc: MainLow + 0x80, Loc: dwarfbuilder.LocationBlock(op.DW_OP_breg6, -24)},
	})
	fx.Piece = b.AddVariable("DATARANDO_DEBUG_HELP_b", 0, dwarfbuilder.Exprloc(dwarfbuilder.LocationBlock(op.DW_OP_reg3, op.DW_OP_piece, uint(4))))
	fx.ThreeOps = b.AddVariable("DATARANDO_DEBUG_HELP_d", 0, dwarfbuilder.Exprloc(dwarfbuilder.LocationBlock(op.DW_OP_reg1, op.DW_OP_piece, uint(4), op.DW_OP_reg2)))
	fx.NoLocation = b.AddVariable("DATARANDO_DEBUG_HELP_n", 0, nil)
	fx.Counter = b.AddVariable("counter", 0, dwarfbuilder.Exprloc(dwarfbuilder.LocationBlock(op.DW_OP_reg4)))
	b.AddInlinedSubroutine(helper, InlinedLow, InlinedHigh)
	fx.Copy = b.AddVariableCopy(fx.Abstract, []dwarfbuilder.LocEntry{
		{Lowpc: InlinedLow, Highpc: InlinedHigh, Loc: dwarfbuilder.LocationBlock(op.DW_OP_reg13, op.DW_OP_piece, uint(2))},
	})
	b.AddLexicalBlock(InlinedLow+0x10, InlinedLow+0x30)
	b.AddLexicalBlock(InlinedLow+0x10, InlinedLow+0x20)
	fx.Scoped = b.AddVariableCopy(fx.Abstract, dwarfbuilder.Exprloc(dwarfbuilder.LocationBlock(op.DW_OP_reg14)))
	b.TagClose()
	b.TagClose()
	b.TagClose() // inlined helper
	b.TagClose() // main

	b.AddSubprogram("other", MainHigh, OtherHigh)
	fx.Other = b.AddVariable("DATARANDO_DEBUG_HELP_o", 0, dwarfbuilder.Exprloc(dwarfbuilder.LocationBlock(op.DW_OP_reg5)))
	b.TagClose()

	b.AddSubprogram("mixed", OtherHigh, MixedHigh)
	fx.Mixed = b.AddVariable("DATARANDO_DEBUG_HELP_m", 0, []dwarfbuilder.LocEntry{
		{Lowpc: OtherHigh, Highpc: OtherHigh + 0x40, Loc: dwarfbuilder.LocationBlock(op.DW_OP_reg0)},
		{Lowpc: OtherHigh + 0x40, Highpc: MixedHigh, Loc: []byte{0xfd, 0, 0, 0, 0}},
	})
	b.TagClose()

	var err error
	fx.Abbrev, fx.Info, fx.Loc, err = b.Build()
	if err != nil {
		t.Fatal(err)
	}

	// main pushes rbp at MainLow and sets it as the frame pointer at
	// MainLow+4.
	fb := dwarfbuilder.NewDebugFrame()
	cie := fb.CIE(1, -8, 16, dwarfbuilder.Instructions(
		byte(frame.DW_CFA_def_cfa), uint(7), uint(8),
		byte(frame.DW_CFA_offset|16), uint(1)))
	fb.FDE(cie, MainLow, MainHigh-MainLow, dwarfbuilder.Instructions(
		byte(frame.DW_CFA_advance_loc|1),
		byte(frame.DW_CFA_def_cfa_offset), uint(16),
		byte(frame.DW_CFA_offset|6), uint(2),
		byte(frame.DW_CFA_same_value), uint(5),
		byte(frame.DW_CFA_advance_loc|3),
		byte(frame.DW_CFA_def_cfa_register), uint(6)))
	fx.DebugFrame = fb.Bytes()

	fx.Text = make([]byte, MixedHigh-TextAddr)
	for i := range fx.Text {
		fx.Text[i] = 0x90 // nop
	}
	copy(fx.Text, []byte{
		0x55,             // push rbp
		0x48, 0x89, 0xe5, // mov rbp, rsp
	})
	copy(fx.Text[InlinedLow-TextAddr:], []byte{0xb8, 0x2a, 0x00, 0x00, 0x00}) // mov eax, 0x2a

	return fx
}

// ELF returns the description of an executable containing the fixture.
func (fx *Fixture) ELF() *dwarfbuilder.ELF {
	return &dwarfbuilder.ELF{
		TextAddr:   TextAddr,
		Text:       fx.Text,
		Abbrev:     fx.Abbrev,
		Info:       fx.Info,
		Loc:        fx.Loc,
		DebugFrame: fx.DebugFrame,
	}
}

// WriteELF writes the fixture executable to a temporary directory and
// returns its path.
func (fx *Fixture) WriteELF(t testing.TB) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fixture")
	if err := fx.ELF().Write(path); err != nil {
		t.Fatal(err)
	}
	return path
}

// Handle returns a handle reading the fixture from memory. If noFrame is
// set the handle has no call frame information.
func (fx *Fixture) Handle(t testing.TB, noFrame bool, opts ...debuginfo.Option) *debuginfo.Handle {
	t.Helper()
	dw, err := dwarf.New(fx.Abbrev, nil, nil, fx.Info, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s := debuginfo.Sections{
		Info:       fx.Info,
		Loc:        fx.Loc,
		DebugFrame: fx.DebugFrame,
		Text:       fx.Text,
		TextAddr:   TextAddr,
	}
	if noFrame {
		s.DebugFrame = nil
	}
	h, err := debuginfo.New(dw, s, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}
