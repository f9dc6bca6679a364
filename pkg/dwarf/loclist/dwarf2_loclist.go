package loclist

import (
	"encoding/binary"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
)

// Dwarf2Reader parses and presents DWARF loclist information for DWARF versions 2 through 4.
type Dwarf2Reader struct {
	data  []byte
	cur   int
	ptrSz int
	err   error
}

// NewDwarf2Reader returns an initialized loclist Reader for DWARF versions 2 through 4.
func NewDwarf2Reader(data []byte, ptrSz int) *Dwarf2Reader {
	return &Dwarf2Reader{data: data, ptrSz: ptrSz}
}

// Empty returns true if this reader has no data.
func (rdr *Dwarf2Reader) Empty() bool {
	return rdr.data == nil
}

// Seek moves the data pointer to the specified offset.
func (rdr *Dwarf2Reader) Seek(off int) {
	rdr.cur = off
	rdr.err = nil
}

// Next advances the reader to the next loclist entry, returning
// true if successful, or false at the end of the list or on error.
func (rdr *Dwarf2Reader) Next(e *Entry) bool {
	e.LowPC = rdr.oneAddr()
	e.HighPC = rdr.oneAddr()

	if rdr.err != nil || (e.LowPC == 0 && e.HighPC == 0) {
		return false
	}

	if e.BaseAddressSelection() {
		e.Instr = nil
		return true
	}

	instrlen := rdr.read(2)
	if rdr.err != nil {
		return false
	}
	e.Instr = rdr.read(int(binary.LittleEndian.Uint16(instrlen)))
	return rdr.err == nil
}

// All returns every entry of the loclist starting at off. Base is the base
// address of the compile unit; base address selection entries replace it.
func (rdr *Dwarf2Reader) All(off int, base uint64, debugAddr *godwarf.DebugAddr) ([]Entry, error) {
	if rdr.Empty() {
		return nil, fmt.Errorf("location list at %#x: no .debug_loc section", off)
	}
	rdr.Seek(off)
	var r []Entry
	var e Entry
	for rdr.Next(&e) {
		if e.BaseAddressSelection() {
			base = e.HighPC
			continue
		}
		r = append(r, Entry{LowPC: e.LowPC + base, HighPC: e.HighPC + base, Instr: e.Instr})
	}
	if rdr.err != nil {
		return nil, fmt.Errorf("location list at %#x: %w", off, rdr.err)
	}
	return r, nil
}

func (rdr *Dwarf2Reader) read(sz int) []byte {
	if rdr.err != nil {
		return nil
	}
	if rdr.cur < 0 || rdr.cur+sz > len(rdr.data) {
		rdr.err = ErrTruncated
		return nil
	}
	r := rdr.data[rdr.cur : rdr.cur+sz]
	rdr.cur += sz
	return r
}

func (rdr *Dwarf2Reader) oneAddr() uint64 {
	switch rdr.ptrSz {
	case 4:
		b := rdr.read(4)
		if b == nil {
			return 0
		}
		addr := binary.LittleEndian.Uint32(b)
		if addr == ^uint32(0) {
			return ^uint64(0)
		}
		return uint64(addr)
	case 8:
		b := rdr.read(8)
		if b == nil {
			return 0
		}
		return binary.LittleEndian.Uint64(b)
	default:
		if rdr.err == nil {
			rdr.err = fmt.Errorf("bad address size %d", rdr.ptrSz)
		}
		return 0
	}
}
