package regnum

import (
	"debug/elf"
	"fmt"
)

// The mapping between hardware registers and DWARF registers is specified
// in the DWARF for the ARM® Architecture page 7,
// Table 1
// http://infocenter.arm.com/help/topic/com.arm.doc.ihi0040b/IHI0040B_aadwarf.pdf

const (
	ARM64_X0 = 0  // X1 through X30 follow
	ARM64_BP = 29 // also X29
	ARM64_LR = 30 // also X30
	ARM64_SP = 31
	ARM64_PC = 32
	ARM64_V0 = 64 // V1 through V31 follow
)

// ARM64 is the AArch64 register numbering.
var ARM64 = newArch("arm64", elf.EM_AARCH64, 8, arm64Names(), map[string]uint64{
	"fp": ARM64_BP,
	"lr": ARM64_LR,
	"bp": ARM64_BP,
}, Roles{PC: ARM64_PC, SP: ARM64_SP, BP: ARM64_BP, RA: ARM64_LR})

func arm64Names() map[uint64]string {
	names := map[uint64]string{
		ARM64_SP: "SP",
		ARM64_PC: "PC",
	}
	for i := uint64(0); i <= 30; i++ {
		names[ARM64_X0+i] = fmt.Sprintf("X%d", i)
	}
	for i := uint64(0); i < 32; i++ {
		names[ARM64_V0+i] = fmt.Sprintf("V%d", i)
	}
	return names
}
