package parse

import (
	"errors"
	"testing"
)

func TestBeU8(t *testing.T) {
	c := NewCursor([]byte{0x42, 0x99})
	v, err := BeU8(c)
	if err != nil {
		t.Fatalf("BeU8: %v", err)
	}
	if v != 0x42 {
		t.Fatalf("got 0x%02x, want 0x42", v)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 byte remaining, got %d", c.Len())
	}
}

func TestBeU16(t *testing.T) {
	c := NewCursor([]byte{0x01, 0x02, 0xAA})
	v, err := BeU16(c)
	if err != nil {
		t.Fatalf("BeU16: %v", err)
	}
	if v != 0x0102 {
		t.Fatalf("got 0x%04x, want 0x0102", v)
	}
}

func TestTakeIncomplete(t *testing.T) {
	c := NewCursor([]byte{0x01})
	_, err := c.Take(4)
	var incomplete *Incomplete
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected *Incomplete, got %v (%T)", err, err)
	}
	if incomplete.Need != 3 {
		t.Fatalf("Need = %d, want 3", incomplete.Need)
	}
}

func TestNTString(t *testing.T) {
	c := NewCursor([]byte("hello\x00world"))
	s, err := NTString(c)
	if err != nil {
		t.Fatalf("NTString: %v", err)
	}
	if s != "hello" {
		t.Fatalf("got %q, want %q", s, "hello")
	}
	if string(c.Remaining()) != "world" {
		t.Fatalf("remaining = %q, want %q", c.Remaining(), "world")
	}
}

func TestNTStringNoTerminator(t *testing.T) {
	c := NewCursor([]byte("no terminator here"))
	if _, err := NTString(c); !errors.Is(err, ErrNoNullTerm) {
		t.Fatalf("expected ErrNoNullTerm, got %v", err)
	}
}

func TestNTStringInvalidUTF8(t *testing.T) {
	c := NewCursor([]byte{0xFF, 0xFE, 0x00})
	_, err := NTString(c)
	var utf8Err *UTF8Error
	if !errors.As(err, &utf8Err) {
		t.Fatalf("expected *UTF8Error, got %v (%T)", err, err)
	}
}

func TestNPHexStringDecodesAndTrims(t *testing.T) {
	// "deadbeef" followed by zero padding, all within a 16-char field.
	c := NewCursor([]byte("deadbeef00000000"[:16]))
	out, err := NPHexString(c, 16)
	if err != nil {
		t.Fatalf("NPHexString: %v", err)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if string(out) != string(want) {
		t.Fatalf("got %x, want %x", out, want)
	}
}

func TestNPHexStringInvalidByte(t *testing.T) {
	c := NewCursor([]byte("deadbeefzz000000"))
	_, err := NPHexString(c, 16)
	var hexErr *HexError
	if !errors.As(err, &hexErr) {
		t.Fatalf("expected *HexError, got %v (%T)", err, err)
	}
}

func TestNPHexStringIncomplete(t *testing.T) {
	c := NewCursor([]byte("dead"))
	_, err := NPHexString(c, 16)
	var incomplete *Incomplete
	if !errors.As(err, &incomplete) {
		t.Fatalf("expected *Incomplete, got %v (%T)", err, err)
	}
}

func TestCursorRemainingIsLive(t *testing.T) {
	buf := []byte{1, 2, 3, 4}
	c := NewCursor(buf)
	if _, err := c.Take(2); err != nil {
		t.Fatalf("Take: %v", err)
	}
	rem := c.Remaining()
	if len(rem) != 2 || rem[0] != 3 || rem[1] != 4 {
		t.Fatalf("Remaining = %v, want [3 4]", rem)
	}
}
