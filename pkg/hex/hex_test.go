package hex

import "testing"

func TestEncodedLen(t *testing.T) {
	if got := EncodedLen(16); got != 32 {
		t.Fatalf("EncodedLen(16) = %d, want 32", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	enc := make([]byte, EncodedLen(len(src)))
	EncodeInto(enc, src)
	if string(enc) != "deadbeef" {
		t.Fatalf("EncodeInto = %q, want %q", enc, "deadbeef")
	}

	dec := make([]byte, len(src))
	n, err := DecodeInto(dec, enc)
	if err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if n != len(src) {
		t.Fatalf("DecodeInto wrote %d bytes, want %d", n, len(src))
	}
	for i := range src {
		if dec[i] != src[i] {
			t.Fatalf("byte %d mismatch: got %x want %x", i, dec[i], src[i])
		}
	}
}

func TestDecodeIntoInvalidHex(t *testing.T) {
	dec := make([]byte, 2)
	if _, err := DecodeInto(dec, []byte("zzzz")); err == nil {
		t.Fatalf("expected error decoding non-hex input")
	}
}

func TestDecodeIntoCaseInsensitive(t *testing.T) {
	dec := make([]byte, 2)
	n, err := DecodeInto(dec, []byte("BEEF"))
	if err != nil {
		t.Fatalf("DecodeInto: %v", err)
	}
	if n != 2 || dec[0] != 0xBE || dec[1] != 0xEF {
		t.Fatalf("got %x, want be ef", dec[:n])
	}
}
