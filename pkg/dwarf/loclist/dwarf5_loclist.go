package loclist

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/leb128"
	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

// Dwarf5Reader parses and presents DWARF loclist information for DWARF version 5 and later.
// See DWARFv5 section 7.29 page 243 and following.
type Dwarf5Reader struct {
	byteOrder binary.ByteOrder
	ptrSz     int
	data      []byte
}

// NewDwarf5Reader returns a reader for the .debug_loclists section in data,
// or nil if data is empty or too short to hold a header.
func NewDwarf5Reader(data []byte) *Dwarf5Reader {
	_, dwarf64, _, byteOrder := util.ReadDwarfLengthVersion(data)
	hdr := 6
	if dwarf64 {
		hdr += 8
	}
	if len(data) < hdr+2 {
		return nil
	}
	r := &Dwarf5Reader{data: data, byteOrder: byteOrder}

	addrSz := data[hdr]
	segSelSz := data[hdr+1]
	r.ptrSz = int(addrSz + segSelSz)

	// Not read:
	// - offset_entry_count (4 bytes)
	// - offset table (offset_entry_count*4 or offset_entry_count*8 if dwarf64 is set)

	return r
}

func (rdr *Dwarf5Reader) Empty() bool {
	return rdr == nil
}

// All returns every entry of the loclist starting at off. Base is the base
// address of the compile unit, used by offset pairs until a base address
// entry replaces it.
func (rdr *Dwarf5Reader) All(off int, base uint64, debugAddr *godwarf.DebugAddr) ([]Entry, error) {
	if rdr.Empty() {
		return nil, fmt.Errorf("location list at %#x: no .debug_loclists section", off)
	}
	if off < 0 || off >= len(rdr.data) {
		return nil, fmt.Errorf("location list at %#x: %w", off, ErrTruncated)
	}
	it := &loclistsIterator{rdr: rdr, debugAddr: debugAddr, buf: bytes.NewBuffer(rdr.data[off:]), base: base}

	var r []Entry
	for it.next() {
		switch {
		case it.onRange:
			r = append(r, Entry{LowPC: it.start, HighPC: it.end, Instr: it.instr})
		case it.isDefault:
			r = append(r, Entry{Instr: it.instr, Default: true})
		}
	}
	if it.err != nil {
		return nil, fmt.Errorf("location list at %#x: %w", off, it.err)
	}
	return r, nil
}

type loclistsIterator struct {
	rdr       *Dwarf5Reader
	debugAddr *godwarf.DebugAddr
	buf       *bytes.Buffer
	base      uint64 // base for offsets in the list

	onRange    bool
	isDefault  bool
	atEnd      bool
	start, end uint64
	instr      []byte
	err        error
}

const (
	_DW_LLE_end_of_list      uint8 = 0x0
	_DW_LLE_base_addressx    uint8 = 0x1
	_DW_LLE_startx_endx      uint8 = 0x2
	_DW_LLE_startx_length    uint8 = 0x3
	_DW_LLE_offset_pair      uint8 = 0x4
	_DW_LLE_default_location uint8 = 0x5
	_DW_LLE_base_address     uint8 = 0x6
	_DW_LLE_start_end        uint8 = 0x7
	_DW_LLE_start_length     uint8 = 0x8
)

func (it *loclistsIterator) next() bool {
	if it.err != nil || it.atEnd {
		return false
	}
	opcode, err := it.buf.ReadByte()
	if err != nil {
		it.err = ErrTruncated
		return false
	}
	it.onRange, it.isDefault = false, false

	switch opcode {
	case _DW_LLE_end_of_list:
		it.atEnd = true
		return false

	case _DW_LLE_base_addressx:
		baseIdx := it.uleb()
		it.base = it.addrx(baseIdx)

	case _DW_LLE_startx_endx:
		startIdx := it.uleb()
		endIdx := it.uleb()
		it.readInstr()
		it.start = it.addrx(startIdx)
		it.end = it.addrx(endIdx)
		it.onRange = true

	case _DW_LLE_startx_length:
		startIdx := it.uleb()
		length := it.uleb()
		it.readInstr()
		it.start = it.addrx(startIdx)
		it.end = it.start + length
		it.onRange = true

	case _DW_LLE_offset_pair:
		off1 := it.uleb()
		off2 := it.uleb()
		it.readInstr()
		it.start = it.base + off1
		it.end = it.base + off2
		it.onRange = true

	case _DW_LLE_default_location:
		it.readInstr()
		it.isDefault = true

	case _DW_LLE_base_address:
		it.base = it.addr()

	case _DW_LLE_start_end:
		it.start = it.addr()
		it.end = it.addr()
		it.readInstr()
		it.onRange = true

	case _DW_LLE_start_length:
		it.start = it.addr()
		length := it.uleb()
		it.readInstr()
		it.end = it.start + length
		it.onRange = true

	default:
		it.err = fmt.Errorf("unknown opcode %#x at %#x", opcode, len(it.rdr.data)-it.buf.Len()-1)
		it.atEnd = true
		return false
	}

	return it.err == nil
}

func (it *loclistsIterator) uleb() uint64 {
	if it.err != nil {
		return 0
	}
	n, _, err := leb128.DecodeUnsigned(it.buf)
	if err != nil {
		it.err = err
	}
	return n
}

func (it *loclistsIterator) addr() uint64 {
	if it.err != nil {
		return 0
	}
	n, err := util.ReadUintRaw(it.buf, it.rdr.byteOrder, it.rdr.ptrSz)
	if err != nil {
		it.err = err
	}
	return n
}

func (it *loclistsIterator) addrx(idx uint64) uint64 {
	if it.err != nil {
		return 0
	}
	if it.debugAddr == nil {
		it.err = errors.New("indexed address without .debug_addr")
		return 0
	}
	n, err := it.debugAddr.Get(idx)
	if err != nil {
		it.err = err
	}
	return n
}

func (it *loclistsIterator) readInstr() {
	length := it.uleb()
	if it.err != nil {
		return
	}
	if uint64(it.buf.Len()) < length {
		it.err = ErrTruncated
		return
	}
	it.instr = it.buf.Next(int(length))
}
