package dwarfbuilder

import (
	"bytes"
	"encoding/binary"

	"github.com/maskregs/maskregs/pkg/dwarf/leb128"
)

// FrameBuilder builds a .debug_frame or .eh_frame section.
type FrameBuilder struct {
	buf     bytes.Buffer
	ehFrame bool
	addr    uint64
}

// NewDebugFrame returns a builder for a .debug_frame section.
func NewDebugFrame() *FrameBuilder {
	return &FrameBuilder{}
}

// NewEHFrame returns a builder for a .eh_frame section that will be
// mapped at addr. FDE addresses are written PC relative, as sdata4
// (augmentation "zR", encoding 0x1b).
func NewEHFrame(addr uint64) *FrameBuilder {
	return &FrameBuilder{ehFrame: true, addr: addr}
}

// CIE adds a Common Information Entry and returns its offset.
func (b *FrameBuilder) CIE(codeAlign uint64, dataAlign int64, retAddrReg uint64, instructions []byte) int {
	off := b.buf.Len()
	var body bytes.Buffer
	if b.ehFrame {
		binary.Write(&body, binary.LittleEndian, uint32(0))
		body.WriteByte(1) // version
		body.WriteString("zR\x00")
	} else {
		binary.Write(&body, binary.LittleEndian, uint32(0xffffffff))
		body.WriteByte(3) // version
		body.WriteByte(0) // augmentation
	}
	leb128.EncodeUnsigned(&body, codeAlign)
	leb128.EncodeSigned(&body, dataAlign)
	if b.ehFrame {
		body.WriteByte(byte(retAddrReg))
		leb128.EncodeUnsigned(&body, 1)
		body.WriteByte(0x1b) // pcrel | sdata4
	} else {
		leb128.EncodeUnsigned(&body, retAddrReg)
	}
	body.Write(instructions)
	b.entry(body.Bytes())
	return off
}

// FDE adds a Frame Description Entry covering [begin, begin+size) that
// refers to the CIE at cie.
func (b *FrameBuilder) FDE(cie int, begin, size uint64, instructions []byte) {
	start := b.buf.Len()
	var body bytes.Buffer
	if b.ehFrame {
		// CIE pointer is relative to its own position
		binary.Write(&body, binary.LittleEndian, uint32(start+4-cie))
		fieldAddr := b.addr + uint64(start+8)
		binary.Write(&body, binary.LittleEndian, int32(int64(begin)-int64(fieldAddr)))
		binary.Write(&body, binary.LittleEndian, int32(size))
		leb128.EncodeUnsigned(&body, 0) // augmentation data
	} else {
		binary.Write(&body, binary.LittleEndian, uint32(cie))
		binary.Write(&body, binary.LittleEndian, begin)
		binary.Write(&body, binary.LittleEndian, size)
	}
	body.Write(instructions)
	b.entry(body.Bytes())
}

func (b *FrameBuilder) entry(body []byte) {
	binary.Write(&b.buf, binary.LittleEndian, uint32(len(body)))
	b.buf.Write(body)
}

// Bytes returns the section contents. For .eh_frame the zero terminator
// is appended.
func (b *FrameBuilder) Bytes() []byte {
	out := append([]byte(nil), b.buf.Bytes()...)
	if b.ehFrame {
		out = append(out, 0, 0, 0, 0)
	}
	return out
}

// Instructions returns a call frame program: bytes are written as is,
// uint as ULEB128 and int as SLEB128.
func Instructions(args ...interface{}) []byte {
	var buf bytes.Buffer
	for _, arg := range args {
		switch x := arg.(type) {
		case byte:
			buf.WriteByte(x)
		case int:
			leb128.EncodeSigned(&buf, int64(x))
		case uint:
			leb128.EncodeUnsigned(&buf, uint64(x))
		default:
			panic("unsupported value type")
		}
	}
	return buf.Bytes()
}
