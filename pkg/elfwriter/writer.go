// elfwriter is a package to write ELF files without having their entire
// contents in memory at any one time.
// This package is incomplete, only features needed to write small
// executables with debug sections are implemented, notably missing:
// - symbol tables
// - relocations
// - 32bit and big endian files

package elfwriter

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"io"
)

// WriteCloserSeeker is the union of io.Writer, io.Closer and io.Seeker.
type WriteCloserSeeker interface {
	io.Writer
	io.Seeker
	io.Closer
}

// Section describes a section already written to the file.
type Section struct {
	Name  string
	Type  elf.SectionType
	Flags elf.SectionFlag
	Addr  uint64
	Off   uint64
	Size  uint64
	Align uint64
}

// Writer writes ELF files.
type Writer struct {
	w        WriteCloserSeeker
	Err      error
	Progs    []*elf.ProgHeader
	Sections []*Section

	seekProgHeader int64
	seekSectHeader int64
	seekProgNum    int64
	seekSectNum    int64
}

const (
	ehsize    = 64
	phentsize = 56
	shentsize = 64
)

var errUnsupported = errors.New("elfwriter: only little endian ELFCLASS64 files are supported")

// New creates a new Writer.
func New(w WriteCloserSeeker, fhdr *elf.FileHeader) (*Writer, error) {
	if seek, _ := w.Seek(0, io.SeekCurrent); seek != 0 {
		return nil, errors.New("elfwriter: can't write halfway through a file")
	}
	if fhdr.Class != elf.ELFCLASS64 || fhdr.Data != elf.ELFDATA2LSB {
		return nil, errUnsupported
	}

	r := &Writer{w: w}

	// e_ident
	r.Write([]byte{0x7f, 'E', 'L', 'F', byte(fhdr.Class), byte(fhdr.Data), byte(fhdr.Version), byte(fhdr.OSABI), byte(fhdr.ABIVersion), 0, 0, 0, 0, 0, 0, 0})

	r.u16(uint16(fhdr.Type))    // e_type
	r.u16(uint16(fhdr.Machine)) // e_machine
	r.u32(uint32(fhdr.Version)) // e_version
	r.u64(fhdr.Entry)           // e_entry
	r.seekProgHeader = r.Here()
	r.u64(0) // e_phoff
	r.seekSectHeader = r.Here()
	r.u64(0)         // e_shoff
	r.u32(0)         // e_flags
	r.u16(ehsize)    // e_ehsize
	r.u16(phentsize) // e_phentsize
	r.seekProgNum = r.Here()
	r.u16(0) // e_phnum
	r.seekSectNum = r.Here()
	r.u16(0)                     // e_shentsize
	r.u16(0)                     // e_shnum
	r.u16(uint16(elf.SHN_UNDEF)) // e_shstrndx

	if sz := r.Here(); sz != ehsize && r.Err == nil {
		r.Err = errors.New("elfwriter: internal error, ELF header size")
	}

	return r, r.Err
}

// WriteSection writes data at the current location, aligned to 16 bytes,
// and records a section header for it.
func (w *Writer) WriteSection(name string, typ elf.SectionType, flags elf.SectionFlag, addr uint64, data []byte) *Section {
	const align = 16
	w.Align(align)
	s := &Section{Name: name, Type: typ, Flags: flags, Addr: addr, Off: uint64(w.Here()), Size: uint64(len(data)), Align: align}
	w.Write(data)
	w.Sections = append(w.Sections, s)
	return s
}

// WriteProgramHeaders writes the program headers at the current location
// and patches the file header accordingly.
func (w *Writer) WriteProgramHeaders() {
	w.Align(8)
	phoff := w.Here()

	// Patch File Header
	w.w.Seek(w.seekProgHeader, io.SeekStart)
	w.u64(uint64(phoff))
	w.w.Seek(w.seekProgNum, io.SeekStart)
	w.u16(uint16(len(w.Progs)))
	w.w.Seek(0, io.SeekEnd)

	for _, prog := range w.Progs {
		w.u32(uint32(prog.Type))
		w.u32(uint32(prog.Flags))
		w.u64(prog.Off)
		w.u64(prog.Vaddr)
		w.u64(prog.Paddr)
		w.u64(prog.Filesz)
		w.u64(prog.Memsz)
		w.u64(prog.Align)
	}
}

// WriteSectionHeaders writes the section name table and the section
// headers at the current location and patches the file header
// accordingly. It must be called after the last WriteSection.
func (w *Writer) WriteSectionHeaders() {
	strtab := []byte{0}
	nameOff := make([]uint32, len(w.Sections))
	for i, s := range w.Sections {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, s.Name...)
		strtab = append(strtab, 0)
	}
	shstrtabName := uint32(len(strtab))
	strtab = append(strtab, ".shstrtab\x00"...)
	shstrtab := w.WriteSection(".shstrtab", elf.SHT_STRTAB, 0, 0, strtab)
	w.Sections = w.Sections[:len(w.Sections)-1]

	w.Align(8)
	shoff := w.Here()
	shnum := len(w.Sections) + 2 // null section and .shstrtab

	w.w.Seek(w.seekSectHeader, io.SeekStart)
	w.u64(uint64(shoff))
	w.w.Seek(w.seekSectNum, io.SeekStart)
	w.u16(shentsize)
	w.u16(uint16(shnum))
	w.u16(uint16(shnum - 1))
	w.w.Seek(0, io.SeekEnd)

	w.Write(make([]byte, shentsize))
	for i, s := range w.Sections {
		w.sectionHeader(nameOff[i], s)
	}
	w.sectionHeader(shstrtabName, shstrtab)
}

func (w *Writer) sectionHeader(name uint32, s *Section) {
	w.u32(name)
	w.u32(uint32(s.Type))
	w.u64(uint64(s.Flags))
	w.u64(s.Addr)
	w.u64(s.Off)
	w.u64(s.Size)
	w.u32(0) // sh_link
	w.u32(0) // sh_info
	w.u64(s.Align)
	w.u64(0) // sh_entsize
}

// Close closes the underlying file and returns the first error
// encountered while writing.
func (w *Writer) Close() error {
	err := w.w.Close()
	if w.Err != nil {
		return w.Err
	}
	return err
}

// Here returns the current seek offset from the start of the file.
func (w *Writer) Here() int64 {
	r, err := w.w.Seek(0, io.SeekCurrent)
	if err != nil && w.Err == nil {
		w.Err = err
	}
	return r
}

// Align writes as many padding bytes as needed to make the current file
// offset a multiple of align.
func (w *Writer) Align(align int64) {
	off := w.Here()
	alignOff := (off + (align - 1)) &^ (align - 1)
	if alignOff-off > 0 {
		w.Write(make([]byte, alignOff-off))
	}
}

func (w *Writer) Write(buf []byte) {
	_, err := w.w.Write(buf)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u16(n uint16) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u32(n uint32) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}

func (w *Writer) u64(n uint64) {
	err := binary.Write(w.w, binary.LittleEndian, n)
	if err != nil && w.Err == nil {
		w.Err = err
	}
}
