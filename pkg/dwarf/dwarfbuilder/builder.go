// Package dwarfbuilder provides a way to build DWARF sections with
// arbitrary contents.
package dwarfbuilder

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"fmt"
)

// Builder dwarf builder
type Builder struct {
	info     bytes.Buffer
	loc      bytes.Buffer
	abbrevs  []tagDescr
	tagStack []*tagState
}

// New creates a new DWARF builder.
func New() *Builder {
	b := &Builder{}

	b.info.Write([]byte{
		0x0, 0x0, 0x0, 0x0, // length
		0x4, 0x0, // version
		0x0, 0x0, 0x0, 0x0, // debug_abbrev_offset
		0x8, // address_size
	})

	b.TagOpen(dwarf.TagCompileUnit, "test.c")
	b.Attr(dwarf.AttrLanguage, uint8(0x0c)) // DW_LANG_C99

	return b
}

// Build closes b and returns the .debug_abbrev, .debug_info and .debug_loc
// sections.
func (b *Builder) Build() (abbrev, info, loc []byte, err error) {
	b.TagClose()

	if len(b.tagStack) > 0 {
		err = fmt.Errorf("unbalanced TagOpen/TagClose %d", len(b.tagStack))
		return
	}

	abbrev = b.makeAbbrevTable()
	info = b.info.Bytes()
	binary.LittleEndian.PutUint32(info, uint32(len(info)-4))
	loc = b.loc.Bytes()

	return
}

// Data closes b and parses the result with debug/dwarf. The .debug_loc
// section, which debug/dwarf does not read, is returned separately.
func (b *Builder) Data() (dw *dwarf.Data, loc []byte, err error) {
	abbrev, info, loc, err := b.Build()
	if err != nil {
		return nil, nil, err
	}
	dw, err = dwarf.New(abbrev, nil, nil, info, nil, nil, nil, nil)
	return dw, loc, err
}
