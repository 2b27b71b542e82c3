package protocol

import (
	"bytes"

	"dnscat2proto/pkg/hex"
	"dnscat2proto/pkg/parse"
)

// hexPartWidth is the fixed wire width, in ASCII hex bytes, of a single
// ENC hex-encoded field (public_key_x, public_key_y, authenticator).
const hexPartWidth = 32

// hexPartRawLen is hexPartWidth decoded to raw bytes.
const hexPartRawLen = hexPartWidth / 2

// EncKind discriminates the two ENC body variants.
type EncKind uint8

const (
	EncKindInit EncKind = 0x00
	EncKindAuth EncKind = 0x01
)

func (k EncKind) String() string {
	switch k {
	case EncKindInit:
		return "INIT"
	case EncKindAuth:
		return "AUTH"
	default:
		return "Unknown"
	}
}

// EncBodyVariant is satisfied by EncInit and EncAuth.
type EncBodyVariant interface {
	encKind() EncKind
	encodeVariant(out *bytes.Buffer)
}

// EncInit is the ENC body's key-exchange-initiation variant: the
// sender's ECDH public key coordinates, each at most 16 raw bytes,
// carried as a 32-byte zero-padded ASCII hex field.
type EncInit struct {
	PublicKeyX []byte
	PublicKeyY []byte
}

func (EncInit) encKind() EncKind { return EncKindInit }

func (e EncInit) encodeVariant(out *bytes.Buffer) {
	encodeHexPart(out, e.PublicKeyX)
	encodeHexPart(out, e.PublicKeyY)
}

// EncAuth is the ENC body's authentication variant: a MAC over the
// negotiated key material, at most 16 raw bytes, carried the same way.
type EncAuth struct {
	Authenticator []byte
}

func (EncAuth) encKind() EncKind { return EncKindAuth }

func (e EncAuth) encodeVariant(out *bytes.Buffer) {
	encodeHexPart(out, e.Authenticator)
}

// EncBody is the body of an ENC packet: caller-defined crypto flags
// plus one of the two key-exchange variants.
type EncBody struct {
	cryptoFlags uint16
	variant     EncBodyVariant
}

// NewEncBody constructs an ENC body.
func NewEncBody(cryptoFlags uint16, variant EncBodyVariant) EncBody {
	return EncBody{cryptoFlags: cryptoFlags, variant: variant}
}

// CryptoFlags returns the body's crypto_flags value. The codec does not
// interpret these bits; that is a pkg/crypto concern.
func (e EncBody) CryptoFlags() uint16 { return e.cryptoFlags }

// Variant returns the decoded EncInit or EncAuth payload.
func (e EncBody) Variant() EncBodyVariant { return e.variant }

// Kind returns KindENC.
func (e EncBody) Kind() PacketKind { return KindENC }

// Encode writes the ENC body (enc_kind, crypto_flags, variant-specific
// hex fields) to out.
func (e EncBody) Encode(out *bytes.Buffer) {
	out.WriteByte(byte(e.variant.encKind()))
	out.WriteByte(byte(e.cryptoFlags >> 8))
	out.WriteByte(byte(e.cryptoFlags))
	e.variant.encodeVariant(out)
}

// encodeHexPart writes data, zero-padded to hexPartRawLen raw bytes, as
// hexPartWidth ASCII hex bytes. data must not exceed hexPartRawLen
// bytes.
func encodeHexPart(out *bytes.Buffer, data []byte) {
	var padded [hexPartRawLen]byte
	copy(padded[:], data)
	var enc [hexPartWidth]byte
	hex.EncodeInto(enc[:], padded[:])
	out.Write(enc[:])
}

func decodeEncBody(c *parse.Cursor) (EncBody, error) {
	kindByte, err := parse.BeU8(c)
	if err != nil {
		return EncBody{}, wrapParseError(err)
	}
	cryptoFlags, err := parse.BeU16(c)
	if err != nil {
		return EncBody{}, wrapParseError(err)
	}
	switch EncKind(kindByte) {
	case EncKindInit:
		x, err := parse.NPHexString(c, hexPartWidth)
		if err != nil {
			return EncBody{}, wrapParseError(err)
		}
		y, err := parse.NPHexString(c, hexPartWidth)
		if err != nil {
			return EncBody{}, wrapParseError(err)
		}
		return EncBody{cryptoFlags: cryptoFlags, variant: EncInit{PublicKeyX: x, PublicKeyY: y}}, nil
	case EncKindAuth:
		auth, err := parse.NPHexString(c, hexPartWidth)
		if err != nil {
			return EncBody{}, wrapParseError(err)
		}
		return EncBody{cryptoFlags: cryptoFlags, variant: EncAuth{Authenticator: auth}}, nil
	default:
		return EncBody{}, &DecodeError{Kind: ErrUnknownEncKind, Unknown: kindByte}
	}
}
