package regnum

import (
	"debug/elf"
	"strings"
	"testing"
)

func TestRegName(t *testing.T) {
	testCases := []struct {
		arch *Arch
		num  uint64
		name string
	}{
		{AMD64, AMD64_Rax, "Rax"},
		{AMD64, 12, "R12"},
		{AMD64, AMD64_XMM0 + 3, "XMM3"},
		{AMD64, AMD64_XMM16 + 2, "XMM18"},
		{AMD64, AMD64_ST0 + 7, "ST7"},
		{AMD64, 51, "Cs"},
		{AMD64, 200, "unknown200"},
		{I386, I386_Esp, "Esp"},
		{I386, 43, "Ds"},
		{ARM64, ARM64_LR, "X30"},
		{ARM64, ARM64_SP, "SP"},
		{ARM64, ARM64_V0 + 31, "V31"},
	}
	for _, tc := range testCases {
		if got := tc.arch.RegName(tc.num); got != tc.name {
			t.Errorf("%s %d: expected %q got %q", tc.arch, tc.num, tc.name, got)
		}
	}
}

func TestLookup(t *testing.T) {
	testCases := []struct {
		arch *Arch
		name string
		num  uint64
		ok   bool
	}{
		{AMD64, "rbp", AMD64_Rbp, true},
		{AMD64, "RSP", AMD64_Rsp, true},
		{AMD64, "eflags", AMD64_Rflags, true},
		{AMD64, "pc", AMD64_Rip, true},
		{AMD64, "r1", 0, false},
		{ARM64, "lr", ARM64_LR, true},
		{ARM64, "fp", ARM64_BP, true},
		{I386, "eip", I386_Eip, true},
	}
	for _, tc := range testCases {
		num, ok := tc.arch.Lookup(tc.name)
		if ok != tc.ok || num != tc.num {
			t.Errorf("%s %q: expected %d %v got %d %v", tc.arch, tc.name, tc.num, tc.ok, num, ok)
		}
	}
}

func TestComplete(t *testing.T) {
	got := AMD64.Complete("xmm2")
	want := []string{"xmm2", "xmm20", "xmm21", "xmm22", "xmm23", "xmm24", "xmm25", "xmm26", "xmm27", "xmm28", "xmm29"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v got %v", want, got)
	}
	if got := AMD64.Complete("zz"); len(got) != 0 {
		t.Fatalf("expected no completions, got %v", got)
	}
}

func TestParse(t *testing.T) {
	if num, err := AMD64.Parse("rdi"); err != nil || num != AMD64_Rdi {
		t.Fatalf("rdi: %d %v", num, err)
	}
	if num, err := AMD64.Parse("17"); err != nil || num != 17 {
		t.Fatalf("17: %d %v", num, err)
	}
	_, err := AMD64.Parse("rbz")
	if err == nil || !strings.Contains(err.Error(), "unknown amd64 register") {
		t.Fatalf("expected unknown register error, got %v", err)
	}
}

func TestRegisters(t *testing.T) {
	regs := ARM64.Registers()
	if len(regs) != 31+2+32 {
		t.Fatalf("unexpected register count %d", len(regs))
	}
	for i := 1; i < len(regs); i++ {
		if regs[i-1].Num >= regs[i].Num {
			t.Fatalf("registers not sorted at %d: %v %v", i, regs[i-1], regs[i])
		}
	}
	if AMD64.MaxRegNum() != AMD64_K0+7 {
		t.Fatalf("unexpected max register %d", AMD64.MaxRegNum())
	}
}

func TestArchLookup(t *testing.T) {
	if a, err := ForMachine(elf.EM_X86_64); err != nil || a != AMD64 {
		t.Fatalf("EM_X86_64: %v %v", a, err)
	}
	if _, err := ForMachine(elf.EM_MIPS); err == nil {
		t.Fatal("expected error for EM_MIPS")
	}
	for name, want := range map[string]*Arch{"amd64": AMD64, "x86_64": AMD64, "386": I386, "aarch64": ARM64, "ARM64": ARM64} {
		if a, err := ByName(name); err != nil || a != want {
			t.Errorf("%s: expected %v got %v %v", name, want, a, err)
		}
	}
}
