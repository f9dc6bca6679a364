package leb128

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestDecodeUnsigned(t *testing.T) {
	leb128 := bytes.NewBuffer([]byte{0xE5, 0x8E, 0x26})

	n, c, err := DecodeUnsigned(leb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != 624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}

	if c != 3 {
		t.Fatal("Count not returned correctly")
	}
}

func TestDecodeSigned(t *testing.T) {
	sleb128 := bytes.NewBuffer([]byte{0x9b, 0xf1, 0x59})

	n, c, err := DecodeSigned(sleb128)
	if err != nil {
		t.Fatal(err)
	}
	if n != -624485 {
		t.Fatal("Number was not decoded properly, got: ", n, c)
	}
}

func TestDecodeTruncated(t *testing.T) {
	_, _, err := DecodeUnsigned(bytes.NewReader([]byte{0x80, 0x80}))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
	_, _, err = DecodeSigned(bytes.NewReader(nil))
	if err != io.EOF {
		t.Fatalf("expected EOF on empty input, got %v", err)
	}
}

func TestDecodeOverflow(t *testing.T) {
	in := bytes.Repeat([]byte{0xff}, 11)
	if _, _, err := DecodeUnsigned(bytes.NewReader(in)); err != ErrOverflow {
		t.Fatalf("expected overflow, got %v", err)
	}
}
