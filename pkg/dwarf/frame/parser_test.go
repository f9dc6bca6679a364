package frame

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/maskregs/maskregs/pkg/dwarf/dwarfbuilder"
)

func TestParseCIE(t *testing.T) {
	ctx := &parseContext{
		buf:    bytes.NewBuffer([]byte{3, 0, 1, 124, 16, 12, 7, 8, 5, 16, 2, 0, 36, 0, 0, 0, 0, 0, 0, 0, 0, 16, 64, 0, 0, 0, 0, 0}),
		common: &CommonInformationEntry{Length: 12},
		length: 12,
	}
	ctx.totalLen = ctx.buf.Len()
	_ = parseCIE(ctx)

	common := ctx.common

	if ctx.err != nil {
		t.Fatal(ctx.err)
	}
	if common.Version != 3 {
		t.Fatalf("Expected Version 3, but get %d", common.Version)
	}
	if common.Augmentation != "" {
		t.Fatalf("Expected Augmentation \"\", but get %s", common.Augmentation)
	}
	if common.CodeAlignmentFactor != 1 {
		t.Fatalf("Expected CodeAlignmentFactor 1, but get %d", common.CodeAlignmentFactor)
	}
	if common.DataAlignmentFactor != -4 {
		t.Fatalf("Expected DataAlignmentFactor -4, but get %d", common.DataAlignmentFactor)
	}
	if common.ReturnAddressRegister != 16 {
		t.Fatalf("Expected ReturnAddressRegister 16, but get %d", common.ReturnAddressRegister)
	}
	initialInstructions := []byte{12, 7, 8, 5, 16, 2, 0}
	if !bytes.Equal(common.InitialInstructions, initialInstructions) {
		t.Fatalf("Expected InitialInstructions %v, but get %v", initialInstructions, common.InitialInstructions)
	}
}

func TestParseDebugFrame(t *testing.T) {
	b := dwarfbuilder.NewDebugFrame()
	cie := b.CIE(1, -8, 16, dwarfbuilder.Instructions(byte(DW_CFA_def_cfa), uint(7), uint(8)))
	b.FDE(cie, 0x401000, 0x40, dwarfbuilder.Instructions(byte(DW_CFA_nop)))
	b.FDE(cie, 0x401040, 0x20, nil)

	fdes, err := ParseDebugFrame(b.Bytes(), binary.LittleEndian, 8)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 2 {
		t.Fatalf("expected 2 FDEs, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x401000 || fdes[0].End() != 0x401040 {
		t.Errorf("wrong range for first FDE [%#x, %#x)", fdes[0].Begin(), fdes[0].End())
	}
	if fdes[1].CIE != fdes[0].CIE || fdes[1].CIE.DataAlignmentFactor != -8 {
		t.Errorf("FDEs should share the CIE")
	}
	fde, err := fdes.FDEForPC(0x401050)
	if err != nil || fde != fdes[1] {
		t.Errorf("wrong FDE for pc: %v %v", fde, err)
	}
}

func TestParseEHFrame(t *testing.T) {
	const ehFrameAddr = 0x402000
	b := dwarfbuilder.NewEHFrame(ehFrameAddr)
	cie := b.CIE(1, -8, 16, dwarfbuilder.Instructions(byte(DW_CFA_def_cfa), uint(7), uint(8)))
	b.FDE(cie, 0x401000, 0x40, nil)
	b.FDE(cie, 0x401100, 0x10, nil)

	fdes, err := ParseEHFrame(b.Bytes(), binary.LittleEndian, 8, ehFrameAddr)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 2 {
		t.Fatalf("expected 2 FDEs, got %d", len(fdes))
	}
	if fdes[0].Begin() != 0x401000 || fdes[0].End() != 0x401040 {
		t.Errorf("wrong range for first FDE [%#x, %#x)", fdes[0].Begin(), fdes[0].End())
	}
	if fdes[1].Begin() != 0x401100 || fdes[1].End() != 0x401110 {
		t.Errorf("wrong range for second FDE [%#x, %#x)", fdes[1].Begin(), fdes[1].End())
	}
	if fdes[0].CIE.Augmentation != "zR" || fdes[0].CIE.ReturnAddressRegister != 16 {
		t.Errorf("wrong CIE %#v", fdes[0].CIE)
	}
}

func TestParseErrors(t *testing.T) {
	// FDE pointing to a CIE that does not exist
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(20))
	binary.Write(&buf, binary.LittleEndian, uint32(0x100))
	buf.Write(make([]byte, 16))
	if _, err := ParseDebugFrame(buf.Bytes(), binary.LittleEndian, 8); err == nil {
		t.Errorf("expected error for unknown CIE")
	}

	// length past the end of the section
	buf.Reset()
	binary.Write(&buf, binary.LittleEndian, uint32(200))
	binary.Write(&buf, binary.LittleEndian, uint32(0xffffffff))
	if _, err := ParseDebugFrame(buf.Bytes(), binary.LittleEndian, 8); err == nil {
		t.Errorf("expected error for truncated entry")
	}
}
