// Package hex implements the lowercase ASCII hex codec the ENC packet
// body uses for its fixed-width key-material fields.
package hex

import "encoding/hex"

// EncodedLen returns the number of hex bytes needed to encode n raw
// bytes.
func EncodedLen(n int) int {
	return hex.EncodedLen(n)
}

// EncodeInto writes 2*len(src) lowercase ASCII hex bytes for src into
// out, which must have length >= EncodedLen(len(src)).
func EncodeInto(out, src []byte) {
	hex.Encode(out, src)
}

// DecodeInto decodes the ASCII hex in src into out, which must have
// length >= len(src)/2. Decoding is case-insensitive. Returns the number
// of bytes written, or an error if src contains a non-hex byte or has
// odd length.
func DecodeInto(out, src []byte) (int, error) {
	return hex.Decode(out, src)
}
