package regnum

import (
	"debug/elf"
	"fmt"
)

// The mapping between hardware registers and DWARF registers is specified
// in the System V ABI AMD64 Architecture Processor Supplement v. 1.0 page 61,
// figure 3.36
// https://gitlab.com/x86-psABIs/x86-64-ABI/-/tree/master

const (
	AMD64_Rax     = 0
	AMD64_Rdx     = 1
	AMD64_Rcx     = 2
	AMD64_Rbx     = 3
	AMD64_Rsi     = 4
	AMD64_Rdi     = 5
	AMD64_Rbp     = 6
	AMD64_Rsp     = 7
	AMD64_R8      = 8
	AMD64_R15     = 15 // R9 through R14 are in between
	AMD64_Rip     = 16
	AMD64_XMM0    = 17 // XMM1 through XMM15 follow
	AMD64_ST0     = 33 // ST(1) through ST(7) follow
	AMD64_Rflags  = 49
	AMD64_Es      = 50
	AMD64_Fs_base = 58
	AMD64_Gs_base = 59
	AMD64_MXCSR   = 64
	AMD64_CW      = 65
	AMD64_SW      = 66
	AMD64_XMM16   = 67  // XMM17 through XMM31 follow
	AMD64_K0      = 118 // k1 through k7 follow
)

// AMD64 is the x86-64 register numbering.
var AMD64 = newArch("amd64", elf.EM_X86_64, 8, amd64Names(), map[string]uint64{
	"eflags": AMD64_Rflags,
	"pc":     AMD64_Rip,
	"sp":     AMD64_Rsp,
	"bp":     AMD64_Rbp,
}, Roles{PC: AMD64_Rip, SP: AMD64_Rsp, BP: AMD64_Rbp, RA: AMD64_Rip})

func amd64Names() map[uint64]string {
	names := map[uint64]string{
		AMD64_Rax:     "Rax",
		AMD64_Rdx:     "Rdx",
		AMD64_Rcx:     "Rcx",
		AMD64_Rbx:     "Rbx",
		AMD64_Rsi:     "Rsi",
		AMD64_Rdi:     "Rdi",
		AMD64_Rbp:     "Rbp",
		AMD64_Rsp:     "Rsp",
		AMD64_Rip:     "Rip",
		AMD64_Rflags:  "Rflags",
		AMD64_Fs_base: "Fs_base",
		AMD64_Gs_base: "Gs_base",
		AMD64_MXCSR:   "MXCSR",
		AMD64_CW:      "CW",
		AMD64_SW:      "SW",
	}
	for i := uint64(AMD64_R8); i <= AMD64_R15; i++ {
		names[i] = fmt.Sprintf("R%d", i)
	}
	for i, seg := range []string{"Es", "Cs", "Ss", "Ds", "Fs", "Gs"} {
		names[AMD64_Es+uint64(i)] = seg
	}
	for i := uint64(0); i < 16; i++ {
		names[AMD64_XMM0+i] = fmt.Sprintf("XMM%d", i)
		names[AMD64_XMM16+i] = fmt.Sprintf("XMM%d", i+16)
	}
	for i := uint64(0); i < 8; i++ {
		names[AMD64_ST0+i] = fmt.Sprintf("ST%d", i)
		names[AMD64_K0+i] = fmt.Sprintf("K%d", i)
	}
	return names
}
