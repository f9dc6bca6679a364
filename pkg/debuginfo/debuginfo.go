// Package debuginfo opens an ELF binary and exposes the parts of its debug
// information needed to resolve variable locations: the entry tree of
// every compile unit, location lists and the call frame information.
package debuginfo

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru"

	"github.com/maskregs/maskregs/pkg/dwarf/frame"
	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/loclist"
	"github.com/maskregs/maskregs/pkg/dwarf/regnum"
	"github.com/maskregs/maskregs/pkg/logflags"
)

// DefaultOriginCacheSize is the number of abstract origin names cached by
// a Handle unless WithOriginCacheSize says otherwise.
const DefaultOriginCacheSize = 4096

// FrameSection selects the section call frame information is read from.
type FrameSection string

const (
	FrameSectionAuto       FrameSection = "auto" // .debug_frame, .eh_frame if there is none
	FrameSectionDebugFrame FrameSection = "debug_frame"
	FrameSectionEHFrame    FrameSection = "eh_frame"
)

var (
	// ErrNoFrameData is returned by FindFDE when the binary has no usable
	// call frame information.
	ErrNoFrameData = errors.New("no call frame information")
	// ErrNoLocation is returned by LocationList for entries without a
	// DW_AT_location attribute.
	ErrNoLocation = errors.New("no location attribute")
)

// LocationError is returned by LocationList when the location attribute is
// present but can not be decoded.
type LocationError struct {
	Entry dwarf.Offset
	Err   error
}

func (err *LocationError) Error() string {
	return fmt.Sprintf("location of entry %#x: %v", err.Entry, err.Err)
}

func (err *LocationError) Unwrap() error {
	return err.Err
}

type options struct {
	maxDepth        int
	originCacheSize int
	frameSection    FrameSection
}

// Option configures a Handle.
type Option func(*options)

// WithMaxDepth sets the maximum nesting depth of the entry tree.
func WithMaxDepth(n int) Option {
	return func(o *options) { o.maxDepth = n }
}

// WithOriginCacheSize sets the number of cached abstract origin names.
func WithOriginCacheSize(n int) Option {
	return func(o *options) { o.originCacheSize = n }
}

// WithFrameSection selects the call frame information section.
func WithFrameSection(s FrameSection) Option {
	return func(o *options) { o.frameSection = s }
}

// Sections are the raw sections a Handle reads besides the ones
// debug/dwarf parses. Fields for absent sections are left empty.
type Sections struct {
	Arch *regnum.Arch // defaults to regnum.AMD64

	Info     []byte // .debug_info, only used to read unit versions
	Loc      []byte
	Loclists []byte
	Addr     []byte

	DebugFrame  []byte
	EHFrame     []byte
	EHFrameAddr uint64

	Text     []byte
	TextAddr uint64
}

type textSection struct {
	addr, size uint64
	data       func() ([]byte, error)
}

// Handle is an open binary. It is not safe for concurrent use.
type Handle struct {
	Arch      *regnum.Arch
	ByteOrder binary.ByteOrder

	closer   io.Closer
	dwarf    *dwarf.Data
	rdr      *dwarf.Reader
	maxDepth int
	versions map[dwarf.Offset]uint8

	origins *lru.Cache

	loclist2  *loclist.Dwarf2Reader
	loclist5  *loclist.Dwarf5Reader
	loclists  []byte
	debugAddr *godwarf.DebugAddrSection

	frameEntries frame.FrameDescriptionEntries
	frameErr     error

	text []textSection

	log logflags.Logger
}

// Open opens the ELF binary at path.
func Open(path string, opts ...Option) (*Handle, error) {
	o := makeOptions(opts)
	log := logflags.ReaderLogger().WithField("path", path)

	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	h, err := openElf(f, o, log)
	if err != nil {
		f.Close()
		return nil, err
	}
	return h, nil
}

func openElf(f *elf.File, o options, log logflags.Logger) (*Handle, error) {
	arch, err := regnum.ForMachine(f.Machine)
	if err != nil {
		return nil, err
	}
	dw, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("could not read debug info: %w", err)
	}

	section := func(name string) []byte {
		data, err := godwarf.GetDebugSectionElf(f, name)
		if err != nil {
			log.Debugf("%v", err)
			return nil
		}
		return data
	}

	s := Sections{
		Arch:       arch,
		Info:       section("info"),
		Loc:        section("loc"),
		Loclists:   section("loclists"),
		Addr:       section("addr"),
		DebugFrame: section("frame"),
	}
	if sec := f.Section(".eh_frame"); sec != nil && sec.Type != elf.SHT_NOBITS {
		s.EHFrame, err = sec.Data()
		if err != nil {
			log.Warnf("could not read .eh_frame: %v", err)
			s.EHFrame = nil
		}
		s.EHFrameAddr = sec.Addr
	}

	h, err := newHandle(dw, s, f.ByteOrder, o, log)
	if err != nil {
		return nil, err
	}
	h.closer = f
	for _, sec := range f.Sections {
		if sec.Type == elf.SHT_PROGBITS && sec.Flags&elf.SHF_EXECINSTR != 0 {
			h.text = append(h.text, textSection{addr: sec.Addr, size: sec.Size, data: sec.Data})
		}
	}
	return h, nil
}

// New returns a Handle for already parsed debug info. The byte order of
// the raw sections is little endian.
func New(dw *dwarf.Data, s Sections, opts ...Option) (*Handle, error) {
	if s.Arch == nil {
		s.Arch = regnum.AMD64
	}
	return newHandle(dw, s, binary.LittleEndian, makeOptions(opts), logflags.ReaderLogger())
}

func makeOptions(opts []Option) options {
	o := options{maxDepth: godwarf.DefaultMaxDepth, originCacheSize: DefaultOriginCacheSize, frameSection: FrameSectionAuto}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func newHandle(dw *dwarf.Data, s Sections, order binary.ByteOrder, o options, log logflags.Logger) (*Handle, error) {
	cache, err := lru.New(o.originCacheSize)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		Arch:      s.Arch,
		ByteOrder: order,
		dwarf:     dw,
		rdr:       dw.Reader(),
		maxDepth:  o.maxDepth,
		versions:  godwarf.ReadUnitVersions(s.Info),
		origins:   cache,
		loclists:  s.Loclists,
		debugAddr: godwarf.ParseAddr(s.Addr),
		log:       log,
	}
	if s.Loc != nil {
		h.loclist2 = loclist.NewDwarf2Reader(s.Loc, s.Arch.PtrSize)
	}
	h.loclist5 = loclist.NewDwarf5Reader(s.Loclists)
	if s.Text != nil {
		text := s.Text
		h.text = []textSection{{addr: s.TextAddr, size: uint64(len(text)), data: func() ([]byte, error) { return text, nil }}}
	}

	h.frameEntries, h.frameErr = loadFrame(s, order, o.frameSection, log)
	return h, nil
}

// loadFrame parses the call frame information selected by which.
// Failures are not fatal when opening the binary, they are reported by
// FindFDE.
func loadFrame(s Sections, order binary.ByteOrder, which FrameSection, log logflags.Logger) (frame.FrameDescriptionEntries, error) {
	debugFrame := func() (frame.FrameDescriptionEntries, error) {
		if s.DebugFrame == nil {
			return nil, fmt.Errorf("%w: no .debug_frame section", ErrNoFrameData)
		}
		fdes, err := frame.ParseDebugFrame(s.DebugFrame, order, s.Arch.PtrSize)
		if err != nil {
			return nil, fmt.Errorf("%w: .debug_frame: %v", ErrNoFrameData, err)
		}
		return fdes, nil
	}
	ehFrame := func() (frame.FrameDescriptionEntries, error) {
		if s.EHFrame == nil {
			return nil, fmt.Errorf("%w: no .eh_frame section", ErrNoFrameData)
		}
		fdes, err := frame.ParseEHFrame(s.EHFrame, order, s.Arch.PtrSize, s.EHFrameAddr)
		if err != nil {
			return nil, fmt.Errorf("%w: .eh_frame: %v", ErrNoFrameData, err)
		}
		return fdes, nil
	}

	switch which {
	case FrameSectionDebugFrame:
		return debugFrame()
	case FrameSectionEHFrame:
		return ehFrame()
	}
	fdes, err := debugFrame()
	if err == nil {
		log.Debugf("using .debug_frame, %d FDEs", len(fdes))
		return fdes, nil
	}
	log.Debugf("%v, falling back to .eh_frame", err)
	fdes, err = ehFrame()
	if err == nil {
		log.Debugf("using .eh_frame, %d FDEs", len(fdes))
		return fdes, nil
	}
	return nil, fmt.Errorf("%w: neither .debug_frame nor .eh_frame could be read", ErrNoFrameData)
}

// PtrSize returns the size of a pointer on the target architecture.
func (h *Handle) PtrSize() int {
	return h.Arch.PtrSize
}

// NextCompileUnit loads the entry tree of the next compile unit. Returns
// io.EOF after the last unit.
func (h *Handle) NextCompileUnit() (*godwarf.Tree, error) {
	t, err := godwarf.LoadTree(h.dwarf, h.rdr, h.maxDepth)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, io.EOF
	}
	h.log.Debugf("loaded %s, %d entries", t.Root(), t.Len())
	return t, nil
}

// Rewind positions the handle before the first compile unit.
func (h *Handle) Rewind() {
	h.rdr = h.dwarf.Reader()
}

// FindFDE returns the frame description entry covering pc.
func (h *Handle) FindFDE(pc uint64) (*frame.FrameDescriptionEntry, error) {
	if h.frameErr != nil {
		return nil, h.frameErr
	}
	return h.frameEntries.FDEForPC(pc)
}

// RegisterRuleTable returns the unwind rules of fde at pc.
func (h *Handle) RegisterRuleTable(fde *frame.FrameDescriptionEntry, pc uint64, sentinels frame.Sentinels) (*frame.RuleTable, error) {
	return frame.RuleTableForPC(fde, pc, sentinels)
}

// InstructionAt returns up to maxInstructionLen bytes of code starting at pc.
func (h *Handle) InstructionAt(pc uint64) ([]byte, error) {
	const maxInstructionLen = 15
	for _, sec := range h.text {
		if pc < sec.addr || pc >= sec.addr+sec.size {
			continue
		}
		data, err := sec.data()
		if err != nil {
			return nil, err
		}
		off := pc - sec.addr
		if off >= uint64(len(data)) {
			break
		}
		end := off + maxInstructionLen
		if end > uint64(len(data)) {
			end = uint64(len(data))
		}
		return data[off:end], nil
	}
	return nil, fmt.Errorf("address %#x is not in an executable section", pc)
}

// Close releases the binary.
func (h *Handle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer.Close()
}
