package op

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/maskregs/maskregs/pkg/dwarf/leb128"
	"github.com/maskregs/maskregs/pkg/dwarf/util"
)

// Opcode represent a DWARF stack program instruction.
// See ./opcodes.go for a full list.
type Opcode byte

func (opcode Opcode) String() string {
	if name, ok := opcodeName[opcode]; ok {
		return name
	}
	return fmt.Sprintf("%#x", byte(opcode))
}

// Kind is the closed set of operation shapes the location decoder
// distinguishes. Every opcode decodes to exactly one of them.
type Kind uint8

const (
	// RegisterDirect: the value is the content of register Reg
	// (DW_OP_reg0..31, DW_OP_regx).
	RegisterDirect Kind = iota
	// RegisterIndirect: the value is in memory at Reg+Offset
	// (DW_OP_breg0..31, DW_OP_bregx).
	RegisterIndirect
	// Piece: the preceding location describes Size bytes (DW_OP_piece).
	Piece
	// FrameBaseRelative: the value is at DW_AT_frame_base+Offset (DW_OP_fbreg).
	FrameBaseRelative
	// Other is any other opcode, kept so that callers can report it.
	Other
)

func (k Kind) String() string {
	switch k {
	case RegisterDirect:
		return "RegisterDirect"
	case RegisterIndirect:
		return "RegisterIndirect"
	case Piece:
		return "Piece"
	case FrameBaseRelative:
		return "FrameBaseRelative"
	case Other:
		return "Other"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Op is one decoded operation of a location expression.
type Op struct {
	Kind   Kind
	Opcode Opcode
	Reg    uint64 // RegisterDirect, RegisterIndirect
	Offset int64  // RegisterIndirect, FrameBaseRelative
	Size   uint64 // Piece
}

func (o Op) String() string {
	switch o.Kind {
	case RegisterDirect:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Reg)
	case RegisterIndirect:
		return fmt.Sprintf("%s(%d, %d)", o.Kind, o.Reg, o.Offset)
	case Piece:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Size)
	case FrameBaseRelative:
		return fmt.Sprintf("%s(%d)", o.Kind, o.Offset)
	default:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Opcode)
	}
}

// DecodeError is returned by Decode when an instruction or its operands
// can not be read.
type DecodeError struct {
	Off    int
	Opcode Opcode
	Err    error
}

func (err *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s at offset %d: %v", err.Opcode, err.Off, err.Err)
}

func (err *DecodeError) Unwrap() error {
	return err.Err
}

// Decode splits a DWARF location expression into its operations. Operands
// of opcodes that do not affect the register/stack shape are skipped.
// ptrSize is the size of a target address, used by DW_OP_addr.
func Decode(instructions []byte, ptrSize int) ([]Op, error) {
	buf := bytes.NewReader(instructions)
	var ops []Op

	for buf.Len() > 0 {
		off := len(instructions) - buf.Len()
		b, _ := buf.ReadByte()
		opcode := Opcode(b)

		o, err := decodeOne(opcode, buf, ptrSize)
		if err != nil {
			return ops, &DecodeError{Off: off, Opcode: opcode, Err: err}
		}
		ops = append(ops, o)
	}

	return ops, nil
}

func decodeOne(opcode Opcode, buf *bytes.Reader, ptrSize int) (Op, error) {
	o := Op{Opcode: opcode}

	switch {
	case opcode >= DW_OP_reg0 && opcode <= DW_OP_reg31:
		o.Kind = RegisterDirect
		o.Reg = uint64(opcode - DW_OP_reg0)
		return o, nil

	case opcode == DW_OP_regx:
		o.Kind = RegisterDirect
		n, _, err := leb128.DecodeUnsigned(buf)
		o.Reg = n
		return o, err

	case opcode >= DW_OP_breg0 && opcode <= DW_OP_breg31:
		o.Kind = RegisterIndirect
		o.Reg = uint64(opcode - DW_OP_breg0)
		n, _, err := leb128.DecodeSigned(buf)
		o.Offset = n
		return o, err

	case opcode == DW_OP_bregx:
		o.Kind = RegisterIndirect
		reg, _, err := leb128.DecodeUnsigned(buf)
		if err != nil {
			return o, err
		}
		o.Reg = reg
		n, _, err := leb128.DecodeSigned(buf)
		o.Offset = n
		return o, err

	case opcode == DW_OP_piece:
		o.Kind = Piece
		n, _, err := leb128.DecodeUnsigned(buf)
		o.Size = n
		return o, err

	case opcode == DW_OP_fbreg:
		o.Kind = FrameBaseRelative
		n, _, err := leb128.DecodeSigned(buf)
		o.Offset = n
		return o, err
	}

	args, ok := opcodeArgs[opcode]
	if !ok {
		return o, fmt.Errorf("invalid instruction %#x", byte(opcode))
	}
	o.Kind = Other
	return o, skipArgs(buf, args, ptrSize)
}

func skipArgs(buf *bytes.Reader, args string, ptrSize int) error {
	for _, arg := range args {
		var err error
		switch arg {
		case '1', '2', '4', '8':
			err = skip(buf, int(arg-'0'))
		case 'a':
			err = skip(buf, ptrSize)
		case 'u':
			_, _, err = leb128.DecodeUnsigned(buf)
		case 's':
			_, _, err = leb128.DecodeSigned(buf)
		case 'B':
			var sz uint64
			sz, _, err = leb128.DecodeUnsigned(buf)
			if err == nil {
				err = skip(buf, int(sz))
			}
		case 'C':
			var sz byte
			sz, err = buf.ReadByte()
			if err == nil {
				err = skip(buf, int(sz))
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func skip(buf *bytes.Reader, n int) error {
	if n < 0 || buf.Len() < n {
		return io.ErrUnexpectedEOF
	}
	_, err := buf.Seek(int64(n), io.SeekCurrent)
	return err
}

// PrettyPrint prints the DWARF stack program instructions to `out`.
func PrettyPrint(out io.Writer, instructions []byte, ptrSize int) {
	in := bytes.NewReader(instructions)

	for {
		opcode, err := in.ReadByte()
		if err != nil {
			break
		}
		if name, hasname := opcodeName[Opcode(opcode)]; hasname {
			io.WriteString(out, name)
			out.Write([]byte{' '})
		} else {
			fmt.Fprintf(out, "%#x ", opcode)
		}
		for _, arg := range opcodeArgs[Opcode(opcode)] {
			switch arg {
			case 's':
				n, _, _ := leb128.DecodeSigned(in)
				fmt.Fprintf(out, "%#x ", n)
			case 'u':
				n, _, _ := leb128.DecodeUnsigned(in)
				fmt.Fprintf(out, "%#x ", n)
			case '1', '2', '4', '8':
				x, _ := readFixed(in, int(arg-'0'))
				fmt.Fprintf(out, "%#x ", x)
			case 'a':
				x, _ := readFixed(in, ptrSize)
				fmt.Fprintf(out, "%#x ", x)
			case 'B', 'C':
				var sz uint64
				if arg == 'B' {
					sz, _, _ = leb128.DecodeUnsigned(in)
				} else {
					b, _ := in.ReadByte()
					sz = uint64(b)
				}
				data := make([]byte, sz)
				sz2, _ := in.Read(data)
				data = data[:sz2]
				fmt.Fprintf(out, "%d [%x] ", sz, data)
			}
		}
	}
}

// String returns the pretty printed form of instructions, without the
// trailing space.
func String(instructions []byte, ptrSize int) string {
	var buf strings.Builder
	PrettyPrint(&buf, instructions, ptrSize)
	return strings.TrimSuffix(buf.String(), " ")
}

func readFixed(in io.Reader, sz int) (uint64, error) {
	if sz == 1 {
		var x uint8
		err := binary.Read(in, binary.LittleEndian, &x)
		return uint64(x), err
	}
	return util.ReadUintRaw(in, binary.LittleEndian, sz)
}
