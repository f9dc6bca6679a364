package godwarf

import (
	"debug/dwarf"

	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

// DWARF 5 unit types, section 7.5.1.
const (
	dwUtCompile      = 0x01
	dwUtType         = 0x02
	dwUtPartial      = 0x03
	dwUtSkeleton     = 0x04
	dwUtSplitCompile = 0x05
	dwUtSplitType    = 0x06
)

// ReadUnitVersions reads the DWARF version of every unit in .debug_info.
// The map is keyed by the offset of the root entry of the unit, which is
// the Offset debug/dwarf reports for it.
func ReadUnitVersions(data []byte) map[dwarf.Offset]uint8 {
	versions := make(map[dwarf.Offset]uint8)
	off := 0
	for off < len(data) {
		length, dwarf64, version, _ := util.ReadDwarfLengthVersion(data[off:])
		if version == 0 {
			break
		}
		lensz, offsz := 4, 4
		if dwarf64 {
			lensz, offsz = 12, 8
		}
		hdr := lensz + 2 // unit_length, version
		if version >= 5 {
			if off+hdr >= len(data) {
				break
			}
			unitType := data[off+hdr]
			hdr += 1 + 1 + offsz // unit_type, address_size, debug_abbrev_offset
			switch unitType {
			case dwUtSkeleton, dwUtSplitCompile:
				hdr += 8 // dwo_id
			case dwUtType, dwUtSplitType:
				hdr += 8 + offsz // type_signature, type_offset
			}
		} else {
			hdr += offsz + 1 // debug_abbrev_offset, address_size
		}
		versions[dwarf.Offset(off+hdr)] = version
		next := off + lensz + int(length)
		if next <= off || length > uint64(len(data)) {
			break
		}
		off = next
	}
	return versions
}
