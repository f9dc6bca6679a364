package dwarfbuilder

import (
	"debug/elf"
	"os"

	"github.com/maskregs/maskregs/pkg/elfwriter"
)

// ELF describes a synthetic executable made of a code section and debug
// sections. Empty sections are omitted.
type ELF struct {
	Machine  elf.Machine
	TextAddr uint64
	Text     []byte

	Abbrev, Info, Loc []byte
	DebugFrame        []byte
	EHFrame           []byte
	EHFrameAddr       uint64
}

// Write writes e to path as a little endian 64bit executable.
func (e *ELF) Write(path string) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	machine := e.Machine
	if machine == elf.EM_NONE {
		machine = elf.EM_X86_64
	}
	w, err := elfwriter.New(fh, &elf.FileHeader{
		Class:   elf.ELFCLASS64,
		Data:    elf.ELFDATA2LSB,
		Version: elf.EV_CURRENT,
		Type:    elf.ET_EXEC,
		Machine: machine,
		Entry:   e.TextAddr,
	})
	if err != nil {
		fh.Close()
		return err
	}

	if len(e.Text) > 0 {
		w.WriteSection(".text", elf.SHT_PROGBITS, elf.SHF_ALLOC|elf.SHF_EXECINSTR, e.TextAddr, e.Text)
	}
	if len(e.EHFrame) > 0 {
		w.WriteSection(".eh_frame", elf.SHT_PROGBITS, elf.SHF_ALLOC, e.EHFrameAddr, e.EHFrame)
	}
	for _, s := range []struct {
		name string
		data []byte
	}{
		{".debug_abbrev", e.Abbrev},
		{".debug_info", e.Info},
		{".debug_loc", e.Loc},
		{".debug_frame", e.DebugFrame},
	} {
		if len(s.data) > 0 {
			w.WriteSection(s.name, elf.SHT_PROGBITS, 0, 0, s.data)
		}
	}
	w.WriteSectionHeaders()
	return w.Close()
}
