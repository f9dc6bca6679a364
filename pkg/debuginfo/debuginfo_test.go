package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/maskregs/maskregs/pkg/dwarf/dwarfbuilder"
	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/op"
)

const textAddr = 0x401000

var text = []byte{
	0x55,             // push rbp
	0x48, 0x89, 0xe5, // mov rbp, rsp
	0x89, 0x7d, 0xec, // mov dword ptr [rbp-0x14], edi
	0x5d, // pop rbp
	0xc3, // ret
}

type fixture struct {
	abbrev, info, loc []byte

	listVar, exprVar, noLocVar, badVar dwarf.Offset
	absVar, copyVar, cycleVar          dwarf.Offset
}

func buildFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{}
	b := dwarfbuilder.New()

	b.AddAbstractSubprogram("helper", dwarfbuilder.DW_INL_inlined)
	fx.absVar = b.AddVariable("DATARANDO_DEBUG_HELP_h", 0, nil)
	b.TagClose()

	b.AddSubprogram("main", textAddr, textAddr+0x100)
	fx.listVar = b.AddVariable("DATARANDO_DEBUG_HELP_a", 0, []dwarfbuilder.LocEntry{
		{Lowpc: textAddr + 0x10, Highpc: textAddr + 0x40, Loc: dwarfbuilder.LocationBlock(op.DW_OP_reg0)},
		{Lowpc: textAddr + 0x40, Highpc: textAddr + 0x80, Loc: dwarfbuilder.LocationBlock(op.DW_OP_breg6, -24)},
	})
	fx.exprVar = b.AddVariable("b", 0, dwarfbuilder.Exprloc(dwarfbuilder.LocationBlock(op.DW_OP_reg3, op.DW_OP_piece, uint(4))))
	fx.noLocVar = b.AddVariable("c", 0, nil)
	fx.badVar = b.AddVariable("d", 0, dwarfbuilder.Exprloc{0x01})
	fx.copyVar = b.AddVariableCopy(fx.absVar, nil)
	fx.cycleVar = b.NextOffset()
	b.AddVariableCopy(fx.cycleVar, nil)
	b.TagClose()

	var err error
	fx.abbrev, fx.info, fx.loc, err = b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return fx
}

func debugFrame() []byte {
	b := dwarfbuilder.NewDebugFrame()
	cie := b.CIE(1, -8, 16, dwarfbuilder.Instructions(
		byte(frame.DW_CFA_def_cfa), uint(7), uint(8),
		byte(frame.DW_CFA_offset|16), uint(1)))
	b.FDE(cie, textAddr, 0x100, dwarfbuilder.Instructions(
		byte(frame.DW_CFA_advance_loc|1),
		byte(frame.DW_CFA_def_cfa_offset), uint(16),
		byte(frame.DW_CFA_offset|6), uint(2)))
	return b.Bytes()
}

func ehFrame(addr uint64) []byte {
	b := dwarfbuilder.NewEHFrame(addr)
	cie := b.CIE(1, -8, 16, dwarfbuilder.Instructions(
		byte(frame.DW_CFA_def_cfa), uint(7), uint(8),
		byte(frame.DW_CFA_offset|16), uint(1)))
	b.FDE(cie, textAddr, 0x100, nil)
	return b.Bytes()
}

func writeELF(t *testing.T, e *dwarfbuilder.ELF) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.out")
	if err := e.Write(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func (fx *fixture) elf() *dwarfbuilder.ELF {
	return &dwarfbuilder.ELF{
		TextAddr:   textAddr,
		Text:       text,
		Abbrev:     fx.abbrev,
		Info:       fx.info,
		Loc:        fx.loc,
		DebugFrame: debugFrame(),
	}
}

func (fx *fixture) handle(t *testing.T, s Sections, opts ...Option) *Handle {
	t.Helper()
	dw, err := dwarf.New(fx.abbrev, nil, nil, fx.info, nil, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	s.Info = fx.info
	if s.Loc == nil {
		s.Loc = fx.loc
	}
	h, err := New(dw, s, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestOpen(t *testing.T) {
	fx := buildFixture(t)
	h, err := Open(writeELF(t, fx.elf()))
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	if h.Arch.Name != "amd64" || h.PtrSize() != 8 {
		t.Fatalf("wrong architecture %v", h.Arch)
	}

	cu, err := h.NextCompileUnit()
	if err != nil {
		t.Fatal(err)
	}
	if cu.Root().Name() != "test.c" {
		t.Fatalf("unexpected compile unit %v", cu.Root())
	}
	if _, err := h.NextCompileUnit(); err != io.EOF {
		t.Fatalf("expected io.EOF after the last unit, got %v", err)
	}

	ranges, err := h.LocationList(cu, cu.Lookup(fx.listVar))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 2 {
		t.Fatalf("expected 2 ranges, got %v", ranges)
	}
	if ranges[0].Low != textAddr+0x10 || ranges[0].High != textAddr+0x40 || ranges[0].Ops[0] != (op.Op{Kind: op.RegisterDirect, Opcode: op.DW_OP_reg0}) {
		t.Errorf("wrong first range %v", ranges[0])
	}
	if ranges[1].Ops[0] != (op.Op{Kind: op.RegisterIndirect, Opcode: op.DW_OP_breg6, Reg: 6, Offset: -24}) {
		t.Errorf("wrong second range %v", ranges[1])
	}

	fde, err := h.FindFDE(textAddr + 0x20)
	if err != nil {
		t.Fatal(err)
	}
	if fde.Begin() != textAddr || fde.End() != textAddr+0x100 {
		t.Fatalf("wrong FDE [%#x, %#x)", fde.Begin(), fde.End())
	}
	rt, err := h.RegisterRuleTable(fde, textAddr+0x20, frame.DefaultSentinels)
	if err != nil {
		t.Fatal(err)
	}
	if rt.CFA.Reg != 7 || rt.CFA.Offset != 16 {
		t.Errorf("wrong CFA rule %+v", rt.CFA)
	}
	var nofde *frame.ErrNoFDEForPC
	if _, err := h.FindFDE(0x500000); !errors.As(err, &nofde) {
		t.Errorf("expected ErrNoFDEForPC, got %v", err)
	}

	insn, err := h.InstructionAt(textAddr + 1)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(insn, text[1:]) {
		t.Errorf("wrong instruction bytes %x", insn)
	}
	if _, err := h.InstructionAt(0x300000); err == nil {
		t.Error("expected error for an address outside .text")
	}
}

func TestOpenErrors(t *testing.T) {
	if _, err := Open(filepath.Join(t.TempDir(), "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected not exist error, got %v", err)
	}

	notelf := filepath.Join(t.TempDir(), "notelf")
	if err := os.WriteFile(notelf, []byte("#!/bin/sh\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(notelf); err == nil {
		t.Error("expected error opening a non ELF file")
	}

	stripped := writeELF(t, &dwarfbuilder.ELF{TextAddr: textAddr, Text: text})
	if _, err := Open(stripped); err == nil || !strings.Contains(err.Error(), "could not read debug info") {
		t.Errorf("expected debug info error, got %v", err)
	}

	fx := buildFixture(t)
	e := fx.elf()
	e.Machine = elf.EM_MIPS
	if _, err := Open(writeELF(t, e)); err == nil || !strings.Contains(err.Error(), "unsupported machine") {
		t.Errorf("expected unsupported machine error, got %v", err)
	}
}

func TestFrameSectionSelection(t *testing.T) {
	fx := buildFixture(t)
	const ehAddr = 0x402000

	e := fx.elf()
	e.DebugFrame = nil
	e.EHFrame = ehFrame(ehAddr)
	e.EHFrameAddr = ehAddr
	path := writeELF(t, e)

	h, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	fde, err := h.FindFDE(textAddr + 4)
	if err != nil {
		t.Fatalf("expected .eh_frame fallback, got %v", err)
	}
	if fde.Begin() != textAddr {
		t.Fatalf("wrong FDE begin %#x", fde.Begin())
	}
	h.Close()

	h, err = Open(path, WithFrameSection(FrameSectionDebugFrame))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.FindFDE(textAddr + 4); !errors.Is(err, ErrNoFrameData) {
		t.Fatalf("expected ErrNoFrameData, got %v", err)
	}
	h.Close()

	h = fx.handle(t, Sections{})
	if _, err := h.FindFDE(textAddr); !errors.Is(err, ErrNoFrameData) {
		t.Fatalf("expected ErrNoFrameData, got %v", err)
	}
}

func TestLocationList(t *testing.T) {
	fx := buildFixture(t)
	h := fx.handle(t, Sections{})
	cu, err := h.NextCompileUnit()
	if err != nil {
		t.Fatal(err)
	}

	ranges, err := h.LocationList(cu, cu.Lookup(fx.exprVar))
	if err != nil {
		t.Fatal(err)
	}
	if len(ranges) != 1 || !ranges[0].Default || len(ranges[0].Ops) != 2 || ranges[0].Ops[1].Size != 4 {
		t.Fatalf("wrong ranges for exprloc %v", ranges)
	}

	if _, err := h.LocationList(cu, cu.Lookup(fx.noLocVar)); err != ErrNoLocation {
		t.Fatalf("expected ErrNoLocation, got %v", err)
	}

	ranges, err = h.LocationList(cu, cu.Lookup(fx.badVar))
	if err != nil {
		t.Fatalf("an invalid opcode must not fail the list: %v", err)
	}
	var decodeErr *op.DecodeError
	if len(ranges) != 1 || !ranges[0].Default || !errors.As(ranges[0].Err, &decodeErr) {
		t.Fatalf("expected a default range with a decode error, got %v", ranges)
	}

	var locerr *LocationError

	h = fx.handle(t, Sections{Loc: []byte{}})
	h.loclist2 = nil
	cu, err = h.NextCompileUnit()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.LocationList(cu, cu.Lookup(fx.listVar)); !errors.As(err, &locerr) {
		t.Fatalf("expected LocationError without .debug_loc, got %v", err)
	}
}

func TestOriginName(t *testing.T) {
	fx := buildFixture(t)
	h := fx.handle(t, Sections{}, WithOriginCacheSize(2))

	name, err := h.OriginName(fx.absVar)
	if err != nil || name != "DATARANDO_DEBUG_HELP_h" {
		t.Fatalf("expected the origin name, got %q %v", name, err)
	}
	// an unnamed copy resolves through its own origin
	name, err = h.OriginName(fx.copyVar)
	if err != nil || name != "DATARANDO_DEBUG_HELP_h" {
		t.Fatalf("expected the name through the copy, got %q %v", name, err)
	}
	if h.origins.Len() != 2 {
		t.Fatalf("expected 2 cached names, got %d", h.origins.Len())
	}

	if _, err := h.OriginName(fx.cycleVar); !errors.Is(err, ErrOriginCycle) {
		t.Fatalf("expected ErrOriginCycle, got %v", err)
	}

	var oerr *OriginError
	if _, err := h.OriginName(dwarf.Offset(len(fx.info) + 100)); !errors.As(err, &oerr) {
		t.Fatalf("expected OriginError, got %v", err)
	}
}

func TestTreeDepthOption(t *testing.T) {
	fx := buildFixture(t)
	h := fx.handle(t, Sections{}, WithMaxDepth(1))
	var merr *godwarf.MalformedTreeError
	if _, err := h.NextCompileUnit(); !errors.As(err, &merr) {
		t.Fatalf("expected MalformedTreeError, got %v", err)
	}
}
