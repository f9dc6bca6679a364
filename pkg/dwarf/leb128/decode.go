package leb128

import (
	"errors"
	"io"
)

// ErrOverflow is returned when an encoded number does not fit in 64 bits.
var ErrOverflow = errors.New("leb128: value overflows 64 bits")

// maxLen is the longest valid encoding of a 64 bit value.
const maxLen = 10

// DecodeUnsigned decodes an unsigned Little Endian Base 128
// represented number. It returns the value and the number of bytes
// consumed. Running out of input before the terminating byte returns
// io.ErrUnexpectedEOF (or io.EOF if nothing was read).
func DecodeUnsigned(buf io.ByteReader) (uint64, uint32, error) {
	var (
		result uint64
		shift  uint
		length uint32
	)

	for {
		b, err := buf.ReadByte()
		if err != nil {
			if length > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, length, err
		}
		length++
		if length > maxLen {
			return 0, length, ErrOverflow
		}

		result |= uint64(b&0x7f) << shift

		if b&0x80 == 0 {
			return result, length, nil
		}
		shift += 7
	}
}

// DecodeSigned decodes a signed Little Endian Base 128
// represented number.
func DecodeSigned(buf io.ByteReader) (int64, uint32, error) {
	var (
		result int64
		shift  uint
		length uint32
		b      byte
		err    error
	)

	for {
		b, err = buf.ReadByte()
		if err != nil {
			if length > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, length, err
		}
		length++
		if length > maxLen {
			return 0, length, ErrOverflow
		}

		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}

	if shift < 64 && b&0x40 != 0 {
		result |= -(1 << shift)
	}

	return result, length, nil
}
