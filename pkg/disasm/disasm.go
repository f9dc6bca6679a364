// Package disasm decodes the instruction at a query address, to show
// which instruction the reported locations are valid before.
package disasm

import (
	"debug/elf"
	"fmt"

	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"

	"github.com/maskregs/maskregs/pkg/dwarf/regnum"
)

// Flavour is the assembly syntax to display.
type Flavour int

const (
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour = Flavour(iota)
	// IntelFlavour will display Intel assembly syntax, it falls back to
	// GNU syntax on arm64.
	IntelFlavour
)

// ParseFlavour parses the name of a syntax.
func ParseFlavour(s string) (Flavour, error) {
	switch s {
	case "gnu", "":
		return GNUFlavour, nil
	case "intel":
		return IntelFlavour, nil
	}
	return 0, fmt.Errorf("unknown assembly syntax %q (expected gnu or intel)", s)
}

// Kind classifies an instruction by its effect on control flow.
type Kind uint8

const (
	OtherInstruction Kind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
)

func (k Kind) String() string {
	switch k {
	case CallInstruction:
		return "call"
	case RetInstruction:
		return "ret"
	case JmpInstruction:
		return "jmp"
	}
	return "other"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Instruction is one decoded instruction.
type Instruction struct {
	PC    uint64 `yaml:"pc" json:"pc"`
	Bytes []byte `yaml:"-" json:"-"`
	Text  string `yaml:"text" json:"text"`
	Kind  Kind   `yaml:"kind" json:"kind"`
}

// Decode decodes the instruction at the start of mem, which was read
// from pc.
func Decode(arch *regnum.Arch, pc uint64, mem []byte, flavour Flavour) (*Instruction, error) {
	switch arch.Machine {
	case elf.EM_X86_64:
		return decodeX86(pc, mem, 64, flavour)
	case elf.EM_386:
		return decodeX86(pc, mem, 32, flavour)
	case elf.EM_AARCH64:
		return decodeARM64(pc, mem)
	}
	return nil, fmt.Errorf("disassembly not supported for %s", arch.Name)
}

func noSymbols(uint64) (string, uint64) {
	return "", 0
}

func decodeX86(pc uint64, mem []byte, bits int, flavour Flavour) (*Instruction, error) {
	inst, err := x86asm.Decode(mem, bits)
	if err != nil {
		return nil, fmt.Errorf("could not decode instruction at %#x: %v", pc, err)
	}
	r := &Instruction{PC: pc, Bytes: mem[:inst.Len]}
	switch flavour {
	case IntelFlavour:
		r.Text = x86asm.IntelSyntax(inst, pc, noSymbols)
	default:
		r.Text = x86asm.GNUSyntax(inst, pc, noSymbols)
	}
	switch inst.Op {
	case x86asm.CALL, x86asm.LCALL:
		r.Kind = CallInstruction
	case x86asm.RET, x86asm.LRET:
		r.Kind = RetInstruction
	case x86asm.JMP, x86asm.LJMP:
		r.Kind = JmpInstruction
	}
	return r, nil
}

func decodeARM64(pc uint64, mem []byte) (*Instruction, error) {
	const size = 4
	if len(mem) < size {
		return nil, fmt.Errorf("could not decode instruction at %#x: truncated", pc)
	}
	inst, err := arm64asm.Decode(mem)
	if err != nil {
		return nil, fmt.Errorf("could not decode instruction at %#x: %v", pc, err)
	}
	r := &Instruction{PC: pc, Bytes: mem[:size], Text: arm64asm.GNUSyntax(inst)}
	switch inst.Op {
	case arm64asm.BL, arm64asm.BLR:
		r.Kind = CallInstruction
	case arm64asm.RET, arm64asm.ERET:
		r.Kind = RetInstruction
	case arm64asm.B, arm64asm.BR:
		r.Kind = JmpInstruction
	}
	return r, nil
}
