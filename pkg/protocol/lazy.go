package protocol

import (
	"bytes"

	"dnscat2proto/pkg/parse"
)

// SessionBodyBytes is the lazy, deferred-parse form of a session-framed
// body: the kind byte and session id have already been read, but the
// body itself is kept as an undecoded slice. A routing layer that only
// needs to inspect id/kind/session-id to forward a packet can avoid
// paying for a full decode; Decode lets it parse the body later, or
// never.
//
// Produced by DecodeLazy for any session-framed kind (this is
// pkg/controller's dispatch path: the body bytes may still be
// ciphertext the owning session hasn't decrypted, so the router must
// not attempt to parse them), and by DecodeLenient, for a kind the
// strict decoder does not recognize.
type SessionBodyBytes struct {
	kind PacketKind
	raw  []byte
}

// NewSessionBodyBytes wraps raw undecoded body bytes for kind. raw is
// not copied.
func NewSessionBodyBytes(kind PacketKind, raw []byte) SessionBodyBytes {
	return SessionBodyBytes{kind: kind, raw: raw}
}

// Kind returns the (possibly unrecognized) packet kind this body was
// tagged with.
func (s SessionBodyBytes) Kind() PacketKind { return s.kind }

// Raw returns the undecoded body bytes. This is a zero-copy view into
// the original decode buffer.
func (s SessionBodyBytes) Raw() []byte { return s.raw }

// Encode writes the raw bytes back out unchanged. A lazy body that is
// re-encoded without ever being decoded round-trips byte for byte.
func (s SessionBodyBytes) Encode(out *bytes.Buffer) {
	out.Write(s.raw)
}

// Decode attempts to fully parse the deferred body now that its kind is
// known to be one of the four session-framed variants. Returns
// ErrUnknownKind if Kind is still Other.
func (s SessionBodyBytes) Decode() (SessionBody, error) {
	if s.kind.IsOther() {
		return nil, &DecodeError{Kind: ErrUnknownKind, Unknown: s.kind.Byte()}
	}
	return decodeSessionBody(s.kind, parse.NewCursor(s.raw))
}
