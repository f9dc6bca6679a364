package regnum

import (
	"debug/elf"
	"fmt"
)

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI Intel386 Architecture Processor Supplement page 25,
// table 2.14
// https://www.uclibc.org/docs/psABI-i386.pdf

const (
	I386_Eax    = 0
	I386_Ecx    = 1
	I386_Edx    = 2
	I386_Ebx    = 3
	I386_Esp    = 4
	I386_Ebp    = 5
	I386_Esi    = 6
	I386_Edi    = 7
	I386_Eip    = 8
	I386_Eflags = 9
	I386_ST0    = 11 // ST(1) through ST(7) follow
	I386_XMM0   = 21 // XMM1 through XMM7 follow
	I386_Es     = 40 // Cs, Ss, Ds, Fs, Gs follow
)

// I386 is the 32 bit x86 register numbering.
var I386 = newArch("386", elf.EM_386, 4, i386Names(), map[string]uint64{
	"pc": I386_Eip,
	"sp": I386_Esp,
	"bp": I386_Ebp,
}, Roles{PC: I386_Eip, SP: I386_Esp, BP: I386_Ebp, RA: I386_Eip})

func i386Names() map[uint64]string {
	names := map[uint64]string{}
	for i, name := range []string{"Eax", "Ecx", "Edx", "Ebx", "Esp", "Ebp", "Esi", "Edi", "Eip", "Eflags"} {
		names[uint64(i)] = name
	}
	for i := uint64(0); i < 8; i++ {
		names[I386_ST0+i] = fmt.Sprintf("ST%d", i)
		names[I386_XMM0+i] = fmt.Sprintf("XMM%d", i)
	}
	for i, seg := range []string{"Es", "Cs", "Ss", "Ds", "Fs", "Gs"} {
		names[I386_Es+uint64(i)] = seg
	}
	return names
}
