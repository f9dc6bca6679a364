package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"fmt"

	"github.com/maskregs/maskregs/pkg/dwarf/godwarf"
	"github.com/maskregs/maskregs/pkg/dwarf/loclist"
	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

// LocationList returns the location of e as a list of ranges with
// absolute addresses. A single location expression (exprloc or block
// form) is returned as one Default range. Returns ErrNoLocation if e has
// no location and a *LocationError if the list can not be read. An
// expression that can not be decoded is reported in the Err field of its
// range.
func (h *Handle) LocationList(cu *godwarf.Tree, e *godwarf.Entry) ([]loclist.Range, error) {
	field := e.Location()
	if field == nil {
		return nil, ErrNoLocation
	}

	var entries []loclist.Entry
	var err error

	switch field.Class {
	case dwarf.ClassExprLoc, dwarf.ClassBlock:
		instr, ok := field.Val.([]byte)
		if !ok {
			return nil, &LocationError{Entry: e.Offset, Err: fmt.Errorf("unexpected value %T for class %v", field.Val, field.Class)}
		}
		entries = []loclist.Entry{{Default: true, Instr: instr}}

	case dwarf.ClassLocListPtr:
		off, ok := field.Val.(int64)
		if !ok {
			return nil, &LocationError{Entry: e.Offset, Err: fmt.Errorf("unexpected value %T for class %v", field.Val, field.Class)}
		}
		entries, err = h.readLoclist(cu, int(off))

	case dwarf.ClassLocList:
		var idx uint64
		switch v := field.Val.(type) {
		case uint64:
			idx = v
		case int64:
			idx = uint64(v)
		default:
			return nil, &LocationError{Entry: e.Offset, Err: fmt.Errorf("unexpected value %T for class %v", field.Val, field.Class)}
		}
		var off int
		off, err = h.loclistxOffset(cu, idx)
		if err == nil {
			entries, err = h.loclist5.All(off, cuBase(cu), h.addrFor(cu))
		}

	default:
		return nil, &LocationError{Entry: e.Offset, Err: fmt.Errorf("unsupported attribute class %v", field.Class)}
	}

	if err != nil {
		return nil, &LocationError{Entry: e.Offset, Err: err}
	}

	return loclist.Decode(entries, h.PtrSize()), nil
}

// readLoclist reads the list at off from .debug_loc or .debug_loclists,
// depending on the version of the compile unit.
func (h *Handle) readLoclist(cu *godwarf.Tree, off int) ([]loclist.Entry, error) {
	version := h.versions[cu.Root().Offset]
	useV5 := version >= 5
	if version == 0 {
		// unknown version, use whichever section exists
		useV5 = h.loclist2 == nil && !h.loclist5.Empty()
	}
	if useV5 {
		return h.loclist5.All(off, cuBase(cu), h.addrFor(cu))
	}
	if h.loclist2 == nil {
		return nil, fmt.Errorf("location list at %#x: no .debug_loc section", off)
	}
	return h.loclist2.All(off, cuBase(cu), nil)
}

// loclistxOffset converts a DW_FORM_loclistx index to an offset into
// .debug_loclists using the offset table at DW_AT_loclists_base.
func (h *Handle) loclistxOffset(cu *godwarf.Tree, idx uint64) (int, error) {
	base, ok := cu.Root().Val(dwarf.AttrLoclistsBase).(int64)
	if !ok {
		return 0, fmt.Errorf("loclistx %d without DW_AT_loclists_base", idx)
	}
	// 32 bit DWARF offsets only
	const offsz = 4
	pos := uint64(base) + idx*offsz
	if pos+offsz > uint64(len(h.loclists)) {
		return 0, fmt.Errorf("loclistx %d: %w", idx, loclist.ErrTruncated)
	}
	rel, err := util.ReadUintRaw(bytes.NewReader(h.loclists[pos:]), h.ByteOrder, offsz)
	if err != nil {
		return 0, err
	}
	return int(uint64(base) + rel), nil
}

func (h *Handle) addrFor(cu *godwarf.Tree) *godwarf.DebugAddr {
	base, _ := cu.Root().Val(dwarf.AttrAddrBase).(int64)
	return h.debugAddr.GetSubsection(uint64(base))
}

func cuBase(cu *godwarf.Tree) uint64 {
	lowpc, _ := cu.Root().LowPC()
	return lowpc
}
