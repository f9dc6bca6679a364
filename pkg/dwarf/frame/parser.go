// Package frame contains data structures and
// related functions for parsing and searching
// through Dwarf .debug_frame and .eh_frame data.
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/maskregs/maskregs/pkg/dwarf/leb128"
	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

type parsefunc func(*parseContext) parsefunc

type parseContext struct {
	buf         *bytes.Buffer
	totalLen    int
	entries     FrameDescriptionEntries
	ciemap      map[int]*CommonInformationEntry
	common      *CommonInformationEntry
	frame       *FrameDescriptionEntry
	length      uint32
	ptrSize     int
	ehFrame     bool
	ehFrameAddr uint64
	err         error
}

// ParseDebugFrame parses a .debug_frame section and returns its
// FrameDescriptionEntries. Each FrameDescriptionEntry has a pointer to
// its CommonInformationEntry.
func ParseDebugFrame(data []byte, order binary.ByteOrder, ptrSize int) (FrameDescriptionEntries, error) {
	return parse(data, order, ptrSize, false, 0)
}

// ParseEHFrame parses a .eh_frame section, a minor variant of DWARF
// described at https://www.airs.com/blog/archives/460. ehFrameAddr is the
// address at which the section is mapped in memory, used to resolve PC
// relative pointers.
func ParseEHFrame(data []byte, order binary.ByteOrder, ptrSize int, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	return parse(data, order, ptrSize, true, ehFrameAddr)
}

func parse(data []byte, order binary.ByteOrder, ptrSize int, ehFrame bool, ehFrameAddr uint64) (FrameDescriptionEntries, error) {
	var (
		buf  = bytes.NewBuffer(data)
		pctx = &parseContext{buf: buf, totalLen: len(data), entries: newFrameIndex(), ptrSize: ptrSize, ehFrame: ehFrame, ehFrameAddr: ehFrameAddr, ciemap: map[int]*CommonInformationEntry{}}
	)

	for fn := parselength; buf.Len() != 0 && fn != nil; {
		fn = fn(pctx)
		if pctx.err != nil {
			return nil, pctx.err
		}
	}

	for i := range pctx.entries {
		pctx.entries[i].order = order
	}

	return pctx.entries, nil
}

func (ctx *parseContext) cieEntry(cieid uint32) bool {
	if ctx.ehFrame {
		return cieid == 0x00
	}
	return cieid == 0xffffffff
}

func (ctx *parseContext) offset() int {
	return ctx.totalLen - ctx.buf.Len()
}

func parselength(ctx *parseContext) parsefunc {
	start := ctx.offset()
	if err := binary.Read(ctx.buf, binary.LittleEndian, &ctx.length); err != nil {
		ctx.err = fmt.Errorf("reading entry length at %#x: %w", start, err)
		return nil
	}

	if ctx.length == 0 {
		// ZERO terminator
		if ctx.ehFrame {
			return nil
		}
		return parselength
	}
	if ctx.length == 0xffffffff {
		ctx.err = fmt.Errorf("64bit DWARF entry at %#x not supported", start)
		return nil
	}
	if int(ctx.length) > ctx.buf.Len() || ctx.length < 4 {
		ctx.err = fmt.Errorf("entry at %#x: length %#x exceeds section", start, ctx.length)
		return nil
	}

	var cieid uint32
	binary.Read(ctx.buf, binary.LittleEndian, &cieid)

	ctx.length -= 4 // take off the length of the CIE id / CIE pointer.

	if ctx.cieEntry(cieid) {
		ctx.common = &CommonInformationEntry{Length: ctx.length, CIE_id: cieid, ptrSize: ctx.ptrSize}
		ctx.ciemap[start] = ctx.common
		return parseCIE
	}

	if ctx.ehFrame {
		cieid = uint32(start - int(cieid) + 4)
	}

	common := ctx.ciemap[int(cieid)]
	if common == nil {
		ctx.err = fmt.Errorf("unknown CIE_id %#x at %#x", cieid, start)
		return nil
	}

	ctx.frame = &FrameDescriptionEntry{Length: ctx.length, CIE: common}
	return parseFDE
}

func parseFDE(ctx *parseContext) parsefunc {
	startOff := ctx.offset()
	r := ctx.buf.Next(int(ctx.length))

	reader := bytes.NewReader(r)
	ctx.frame.begin = ctx.readEncodedPtr(addrSum(ctx.ehFrameAddr+uint64(startOff), reader), reader, ctx.frame.CIE.ptrEncAddr)

	// For the size field in .eh_frame only the size encoding portion of the
	// address pointer encoding is considered.
	// See decode_frame_entry_1 in gdb/dwarf2-frame.c.
	// For .debug_frame ptrEncAddr is always ptrEncAbs and never has flags.
	sizePtrEnc := ctx.frame.CIE.ptrEncAddr & 0x0f
	ctx.frame.size = ctx.readEncodedPtr(0, reader, sizePtrEnc)
	if ctx.err != nil {
		ctx.err = fmt.Errorf("FDE at %#x: %w", startOff-8, ctx.err)
		return nil
	}

	ctx.entries = append(ctx.entries, ctx.frame)

	if ctx.ehFrame && len(ctx.frame.CIE.Augmentation) > 0 {
		// If we are parsing a .eh_frame and we saw an augmentation string then we
		// need to read the augmentation data, which are encoded as a ULEB128
		// size followed by 'size' bytes.
		n, _, err := leb128.DecodeUnsigned(reader)
		if err == nil && n > uint64(reader.Len()) {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			ctx.err = fmt.Errorf("FDE at %#x: augmentation data: %w", startOff-8, err)
			return nil
		}
		reader.Seek(int64(n), io.SeekCurrent)
	}

	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	off, _ := reader.Seek(0, io.SeekCurrent)
	ctx.frame.Instructions = r[off:]
	ctx.length = 0

	return parselength
}

func addrSum(base uint64, buf *bytes.Reader) uint64 {
	n, _ := buf.Seek(0, io.SeekCurrent)
	return base + uint64(n)
}

func parseCIE(ctx *parseContext) parsefunc {
	data := ctx.buf.Next(int(ctx.length))
	buf := bytes.NewBuffer(data)
	// parse version
	ctx.common.Version, _ = buf.ReadByte()

	// parse augmentation
	var err error
	ctx.common.Augmentation, _, err = util.ParseString(buf)
	if err != nil {
		ctx.err = fmt.Errorf("CIE augmentation at %#x: %w", ctx.offset(), err)
		return nil
	}

	if ctx.ehFrame {
		if ctx.common.Augmentation == "eh" {
			ctx.err = fmt.Errorf("unsupported 'eh' augmentation at %#x", ctx.offset())
			return nil
		}
		if len(ctx.common.Augmentation) > 0 && ctx.common.Augmentation[0] != 'z' {
			ctx.err = fmt.Errorf("unsupported augmentation at %#x (does not start with 'z')", ctx.offset())
			return nil
		}
	}

	if ctx.common.Version >= 4 && !ctx.ehFrame {
		// address_size and segment_selector_size
		buf.Next(2)
	}

	// parse code alignment factor
	ctx.common.CodeAlignmentFactor, _, err = leb128.DecodeUnsigned(buf)
	if err != nil {
		ctx.err = fmt.Errorf("CIE at %#x: %w", ctx.offset(), err)
		return nil
	}

	// parse data alignment factor
	ctx.common.DataAlignmentFactor, _, err = leb128.DecodeSigned(buf)
	if err != nil {
		ctx.err = fmt.Errorf("CIE at %#x: %w", ctx.offset(), err)
		return nil
	}

	// parse return address register
	if ctx.ehFrame && ctx.common.Version == 1 {
		b, _ := buf.ReadByte()
		ctx.common.ReturnAddressRegister = uint64(b)
	} else {
		ctx.common.ReturnAddressRegister, _, err = leb128.DecodeUnsigned(buf)
		if err != nil {
			ctx.err = fmt.Errorf("CIE at %#x: %w", ctx.offset(), err)
			return nil
		}
	}

	ctx.common.ptrEncAddr = ptrEncAbs

	if ctx.ehFrame && len(ctx.common.Augmentation) > 0 {
		leb128.DecodeUnsigned(buf) // augmentation data length
		for i := 1; i < len(ctx.common.Augmentation); i++ {
			switch ctx.common.Augmentation[i] {
			case 'L':
				buf.ReadByte() // LSDA pointer encoding, we don't support this.
			case 'R':
				// Pointer encoding, describes how begin and size fields of FDEs are encoded.
				b, _ := buf.ReadByte()
				ctx.common.ptrEncAddr = ptrEnc(b)
				if !ctx.common.ptrEncAddr.Supported() {
					ctx.err = fmt.Errorf("pointer encoding not supported %#x at %#x", ctx.common.ptrEncAddr, ctx.offset())
					return nil
				}
			case 'S':
				// Signal handler invocation frame, we don't support this but there is no associated data to read.
			case 'P':
				// Personality function encoded as a pointer encoding byte followed by
				// the pointer to the personality function encoded as specified by the
				// pointer encoding.
				// We don't support this but have to read it anyway.
				b, _ := buf.ReadByte()
				e := ptrEnc(b) &^ ptrEncIndirect
				if !e.Supported() {
					ctx.err = fmt.Errorf("pointer encoding not supported %#x at %#x", e, ctx.offset())
					return nil
				}
				ctx.readEncodedPtr(0, buf, e)
				if ctx.err != nil {
					return nil
				}
			default:
				ctx.err = fmt.Errorf("unsupported augmentation character %c at %#x", ctx.common.Augmentation[i], ctx.offset())
				return nil
			}
		}
	}

	// parse initial instructions
	// The rest of this entry consists of the instructions
	// so we can just grab all of the data from the buffer
	// cursor to length.
	ctx.common.InitialInstructions = buf.Bytes()
	ctx.length = 0

	return parselength
}

type byteReader interface {
	io.Reader
	io.ByteReader
}

var errPtrEnc = errors.New("unsupported pointer encoding")

// readEncodedPtr reads a pointer from buf encoded as specified by ptrEnc.
// This function is used to read pointers from a .eh_frame section, when
// used to parse a .debug_frame section ptrEnc will always be ptrEncAbs.
// The parameter addr is the address that the current byte of 'buf' will be
// mapped to when the executable file containing the eh_frame section being
// parse is loaded in memory.
func (ctx *parseContext) readEncodedPtr(addr uint64, buf byteReader, ptrEnc ptrEnc) uint64 {
	if ptrEnc == ptrEncOmit {
		return 0
	}

	var (
		ptr uint64
		err error
	)

	switch ptrEnc & 0xf {
	case ptrEncAbs, ptrEncSigned:
		ptr, err = util.ReadUintRaw(buf, binary.LittleEndian, ctx.ptrSize)
	case ptrEncUleb:
		ptr, _, err = leb128.DecodeUnsigned(buf)
	case ptrEncUdata2:
		ptr, err = util.ReadUintRaw(buf, binary.LittleEndian, 2)
	case ptrEncSdata2:
		ptr, err = util.ReadUintRaw(buf, binary.LittleEndian, 2)
		ptr = uint64(int16(ptr))
	case ptrEncUdata4:
		ptr, err = util.ReadUintRaw(buf, binary.LittleEndian, 4)
	case ptrEncSdata4:
		ptr, err = util.ReadUintRaw(buf, binary.LittleEndian, 4)
		ptr = uint64(int32(ptr))
	case ptrEncUdata8, ptrEncSdata8:
		ptr, err = util.ReadUintRaw(buf, binary.LittleEndian, 8)
	case ptrEncSleb:
		var n int64
		n, _, err = leb128.DecodeSigned(buf)
		ptr = uint64(n)
	default:
		err = errPtrEnc
	}
	if err != nil {
		if ctx.err == nil {
			ctx.err = err
		}
		return 0
	}

	if ptrEnc&0xf0 == ptrEncPCRel {
		ptr += addr
	}

	return ptr
}
