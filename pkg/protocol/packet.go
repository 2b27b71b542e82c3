// Package protocol implements the dnscat2 packet wire format: packet
// kinds, session framing, the five body variants, and bit-exact
// Encode/Decode against the bytes on the wire.
package protocol

import (
	"bytes"
	"fmt"

	"dnscat2proto/pkg/parse"
)

// MaxPacketSize mirrors the reference client's sanity ceiling on a
// single decoded packet; it is advisory, not enforced by Decode itself.
const MaxPacketSize = 1024

// PacketID is the 16-bit opaque correlation value echoed on the wire.
type PacketID = uint16

// PacketKind is the packet-family discriminant.
type PacketKind struct {
	value uint8
	known bool
	name  string
}

var (
	KindSYN  = PacketKind{value: 0x00, known: true, name: "SYN"}
	KindMSG  = PacketKind{value: 0x01, known: true, name: "MSG"}
	KindFIN  = PacketKind{value: 0x02, known: true, name: "FIN"}
	KindENC  = PacketKind{value: 0x03, known: true, name: "ENC"}
	KindPING = PacketKind{value: 0xFF, known: true, name: "PING"}
)

// OtherKind constructs the catch-all variant for an unrecognized kind
// byte. Only produced by the lenient decode path.
func OtherKind(v uint8) PacketKind {
	return PacketKind{value: v, known: false, name: "Other"}
}

// Byte returns the wire discriminant byte for the kind.
func (k PacketKind) Byte() uint8 { return k.value }

// IsOther reports whether this is an unrecognized kind.
func (k PacketKind) IsOther() bool { return !k.known }

// IsSessionFramed reports whether packets of this kind carry a session
// id immediately after the kind byte. True for exactly SYN, MSG, FIN,
// ENC.
func (k PacketKind) IsSessionFramed() bool {
	switch k {
	case KindSYN, KindMSG, KindFIN, KindENC:
		return true
	default:
		return false
	}
}

func (k PacketKind) String() string {
	if k.known {
		return k.name
	}
	return fmt.Sprintf("Other(0x%02x)", k.value)
}

func kindFromByte(b uint8) PacketKind {
	switch b {
	case KindSYN.value:
		return KindSYN
	case KindMSG.value:
		return KindMSG
	case KindFIN.value:
		return KindFIN
	case KindENC.value:
		return KindENC
	case KindPING.value:
		return KindPING
	default:
		return OtherKind(b)
	}
}

// SessionID is the 16-bit session identifier carried by session-framed
// packets.
type SessionID = uint16

// Sequence is the 16-bit modular counter carried by SYN and MSG. The
// codec carries it opaquely; arithmetic comparisons are a caller
// concern.
type Sequence = uint16

///////////////////////////////////////////////////////////////////////
// Decode errors

// DecodeError is the error taxonomy produced by Decode. Exactly one of
// the typed fields is meaningful per instance; use errors.As to inspect.
type DecodeError struct {
	Kind    DecodeErrorKind
	Unknown uint8  // set for UnknownKind / UnknownEncKind
	Need    int    // set for Incomplete
	Wrapped error  // set for Hex / Utf8
}

// DecodeErrorKind enumerates the structural decode failure modes of
// spec.md's error taxonomy.
type DecodeErrorKind int

const (
	ErrIncomplete DecodeErrorKind = iota
	ErrNoNullTerm
	ErrHex
	ErrUtf8
	ErrUnknownKind
	ErrUnknownEncKind
)

func (e *DecodeError) Error() string {
	switch e.Kind {
	case ErrIncomplete:
		return fmt.Sprintf("protocol: incomplete packet, need %d more byte(s)", e.Need)
	case ErrNoNullTerm:
		return "protocol: missing null terminator"
	case ErrHex:
		return fmt.Sprintf("protocol: invalid hex: %v", e.Wrapped)
	case ErrUtf8:
		return fmt.Sprintf("protocol: invalid utf-8: %v", e.Wrapped)
	case ErrUnknownKind:
		return fmt.Sprintf("protocol: unknown packet kind 0x%02x", e.Unknown)
	case ErrUnknownEncKind:
		return fmt.Sprintf("protocol: unknown enc packet kind 0x%02x", e.Unknown)
	default:
		return "protocol: decode error"
	}
}

func wrapParseError(err error) error {
	if err == nil {
		return nil
	}
	switch v := err.(type) {
	case *parse.Incomplete:
		return &DecodeError{Kind: ErrIncomplete, Need: v.Need}
	case *parse.HexError:
		return &DecodeError{Kind: ErrHex, Wrapped: v}
	case *parse.UTF8Error:
		return &DecodeError{Kind: ErrUtf8, Wrapped: v}
	default:
		if err == parse.ErrNoNullTerm {
			return &DecodeError{Kind: ErrNoNullTerm}
		}
		return err
	}
}

///////////////////////////////////////////////////////////////////////
// Packet

// Packet is a decoded dnscat2 packet: a correlation id plus one of the
// supported body shapes (a bare PING, or a session-framed SYN/MSG/FIN/
// ENC body).
type Packet struct {
	id   PacketID
	body SupportedBody
}

// NewPacket constructs a packet from an id and body.
func NewPacket(id PacketID, body SupportedBody) Packet {
	return Packet{id: id, body: body}
}

// ID returns the packet's correlation id.
func (p Packet) ID() PacketID { return p.id }

// Body returns the packet's body.
func (p Packet) Body() SupportedBody { return p.body }

// Kind returns the packet's kind.
func (p Packet) Kind() PacketKind { return p.body.Kind() }

// HeaderSize is the constant size, in bytes, of the id+kind header that
// precedes every packet's body.
const HeaderSize = 2 + 1

// Encode serializes p to out in wire order: id, kind, body.
func (p Packet) Encode(out *bytes.Buffer) {
	out.WriteByte(byte(p.id >> 8))
	out.WriteByte(byte(p.id))
	out.WriteByte(p.body.Kind().Byte())
	p.body.Encode(out)
}

// ToBytes encodes p into a freshly allocated byte slice.
func (p Packet) ToBytes() []byte {
	var buf bytes.Buffer
	p.Encode(&buf)
	return buf.Bytes()
}

// bodyMode selects how DecodeCursor handles a session-framed body once
// the header and session id are read.
type bodyMode int

const (
	// bodyStrict fully decodes SYN/MSG/FIN/ENC and rejects any other
	// kind with ErrUnknownKind.
	bodyStrict bodyMode = iota
	// bodyLenient fully decodes SYN/MSG/FIN/ENC and preserves an
	// unrecognized kind as a lazy SessionBodyBytes instead of failing.
	bodyLenient
	// bodyLazySession defers the body parse for every session-framed
	// kind, known or not, returning a SessionBodyBytes the caller can
	// decode later via SessionBodyBytes.Decode. This is the router
	// entry point: it lets a dispatcher read id/session-id/kind without
	// parsing bytes that may still be under encryption.
	bodyLazySession
)

// Decode parses exactly one packet from data using the strict decoder,
// which rejects unrecognized packet kinds. It does not require data to
// be fully consumed; callers that need that guarantee should check the
// returned cursor themselves via DecodeCursor.
func Decode(data []byte) (Packet, error) {
	c := parse.NewCursor(data)
	return DecodeCursor(c, bodyStrict)
}

// DecodeLenient is as Decode, but preserves unrecognized packet kinds as
// a lazy SessionBodyBytes/PING-less "Other" body instead of failing.
// Opt-in; never used by the connection handshake path.
func DecodeLenient(data []byte) (Packet, error) {
	c := parse.NewCursor(data)
	return DecodeCursor(c, bodyLenient)
}

// DecodeLazy parses a packet's header, and for a session-framed kind
// (known or unknown) defers the body parse entirely, wrapping the
// remaining bytes as a SessionBodyBytes. It is the entry point a router
// uses to learn a packet's session id and kind without paying for a
// full body decode — and, critically, without attempting to parse bytes
// that may still be ciphertext the owning session hasn't decrypted yet.
// The caller recovers the fully-typed body later via
// SessionBodyBytes.Decode, once it knows decryption (if any) has run.
func DecodeLazy(data []byte) (Packet, error) {
	c := parse.NewCursor(data)
	return DecodeCursor(c, bodyLazySession)
}

// DecodeCursor decodes one packet from c, advancing it past the decoded
// bytes, according to mode.
func DecodeCursor(c *parse.Cursor, mode bodyMode) (Packet, error) {
	idRaw, err := parse.BeU16(c)
	if err != nil {
		return Packet{}, wrapParseError(err)
	}
	kindByte, err := parse.BeU8(c)
	if err != nil {
		return Packet{}, wrapParseError(err)
	}
	kind := kindFromByte(kindByte)

	if kind == KindPING {
		body, err := decodePingBody(c)
		if err != nil {
			return Packet{}, err
		}
		return NewPacket(idRaw, SupportedBody{ping: &body}), nil
	}

	if kind.IsSessionFramed() {
		sessID, err := parse.BeU16(c)
		if err != nil {
			return Packet{}, wrapParseError(err)
		}
		if mode == bodyLazySession {
			lazy := NewSessionBodyBytes(kind, c.Remaining())
			return NewPacket(idRaw, SupportedBody{session: &SessionBodyFrame{id: sessID, body: lazy}}), nil
		}
		inner, err := decodeSessionBody(kind, c)
		if err != nil {
			return Packet{}, err
		}
		return NewPacket(idRaw, SupportedBody{session: &SessionBodyFrame{id: sessID, body: inner}}), nil
	}

	if mode == bodyLenient && kind.IsOther() {
		sessID, err := parse.BeU16(c)
		if err != nil {
			return Packet{}, wrapParseError(err)
		}
		lazy := NewSessionBodyBytes(kind, c.Remaining())
		return NewPacket(idRaw, SupportedBody{session: &SessionBodyFrame{id: sessID, body: lazy}}), nil
	}

	return Packet{}, &DecodeError{Kind: ErrUnknownKind, Unknown: kindByte}
}

// PeekSessionID extracts the session id from a session-framed packet's
// raw bytes without decoding the full body. Returns an error if data is
// shorter than the 5-byte header+session-id prefix.
func PeekSessionID(data []byte) (SessionID, error) {
	if len(data) < 5 {
		return 0, &DecodeError{Kind: ErrIncomplete, Need: 5 - len(data)}
	}
	return uint16(data[3])<<8 | uint16(data[4]), nil
}
