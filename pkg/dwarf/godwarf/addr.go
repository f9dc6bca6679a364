package godwarf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

// DebugAddrSection represents the debug_addr section of DWARFv5.
// See DWARFv5 section 7.27 page 241 and following.
type DebugAddrSection struct {
	byteOrder binary.ByteOrder
	ptrSz     int
	data      []byte
}

// ParseAddr parses the header of a debug_addr section.
func ParseAddr(data []byte) *DebugAddrSection {
	_, dwarf64, _, byteOrder := util.ReadDwarfLengthVersion(data)
	hdr := 6
	if dwarf64 {
		hdr += 8
	}
	if len(data) < hdr+2 {
		return nil
	}
	r := &DebugAddrSection{data: data, byteOrder: byteOrder}

	addrSz := data[hdr]
	segSelSz := data[hdr+1]
	r.ptrSz = int(addrSz + segSelSz)

	return r
}

// GetSubsection returns the subsection of debug_addr starting at addrBase
func (addr *DebugAddrSection) GetSubsection(addrBase uint64) *DebugAddr {
	if addr == nil {
		return nil
	}
	return &DebugAddr{DebugAddrSection: addr, addrBase: addrBase}
}

// DebugAddr represents a subsection of the debug_addr section with a specific base address
type DebugAddr struct {
	*DebugAddrSection
	addrBase uint64
}

// Get returns the address at index idx starting from addrBase.
func (addr *DebugAddr) Get(idx uint64) (uint64, error) {
	if addr == nil || addr.DebugAddrSection == nil {
		return 0, errors.New("debug_addr section not present")
	}
	off := idx*uint64(addr.ptrSz) + addr.addrBase
	if off+uint64(addr.ptrSz) > uint64(len(addr.data)) {
		return 0, fmt.Errorf("debug_addr index %d out of range", idx)
	}
	return util.ReadUintRaw(bytes.NewReader(addr.data[off:]), addr.byteOrder, addr.ptrSz)
}
