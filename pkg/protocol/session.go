package protocol

import (
	"bytes"

	"dnscat2proto/pkg/parse"
)

// SessionBody is satisfied by every session-framed body representation:
// the four fully-decoded variants (Syn/Msg/Fin/Enc) and the lazy
// SessionBodyBytes form.
type SessionBody interface {
	Kind() PacketKind
	Encode(out *bytes.Buffer)
}

// SessionBodyFrame pairs a session id with a session body. It is the
// body half of every SYN/MSG/FIN/ENC packet.
type SessionBodyFrame struct {
	id   SessionID
	body SessionBody
}

// NewSessionBodyFrame constructs a session frame.
func NewSessionBodyFrame(id SessionID, body SessionBody) *SessionBodyFrame {
	return &SessionBodyFrame{id: id, body: body}
}

// SessionID returns the frame's session id.
func (f *SessionBodyFrame) SessionID() SessionID { return f.id }

// Inner returns the frame's body.
func (f *SessionBodyFrame) Inner() SessionBody { return f.body }

// Kind returns the kind of the inner body.
func (f *SessionBodyFrame) Kind() PacketKind { return f.body.Kind() }

// Encode writes the session id followed by the inner body.
func (f *SessionBodyFrame) Encode(out *bytes.Buffer) {
	out.WriteByte(byte(f.id >> 8))
	out.WriteByte(byte(f.id))
	f.body.Encode(out)
}

func decodeSessionBody(kind PacketKind, c *parse.Cursor) (SessionBody, error) {
	switch kind {
	case KindSYN:
		return decodeSynBody(c)
	case KindMSG:
		return decodeMsgBody(c)
	case KindFIN:
		return decodeFinBody(c)
	case KindENC:
		return decodeEncBody(c)
	default:
		return nil, &DecodeError{Kind: ErrUnknownKind, Unknown: kind.Byte()}
	}
}

///////////////////////////////////////////////////////////////////////
// SupportedBody: the top-level union of a bare PING or a session frame.

// SupportedBody is either a bare PING body or a session-framed body.
// Exactly one of the two accessors is meaningful; check IsPing first.
type SupportedBody struct {
	ping    *PingBody
	session *SessionBodyFrame
}

// Ping wraps a PingBody as a SupportedBody.
func Ping(body PingBody) SupportedBody {
	return SupportedBody{ping: &body}
}

// Session wraps a SessionBodyFrame as a SupportedBody.
func Session(frame *SessionBodyFrame) SupportedBody {
	return SupportedBody{session: frame}
}

// IsPing reports whether this body is a bare PING.
func (b SupportedBody) IsPing() bool { return b.ping != nil }

// PingBody returns the ping body and true if IsPing, else the zero value
// and false.
func (b SupportedBody) PingBody() (PingBody, bool) {
	if b.ping == nil {
		return PingBody{}, false
	}
	return *b.ping, true
}

// SessionFrame returns the session frame and true if this body is
// session-framed, else nil and false.
func (b SupportedBody) SessionFrame() (*SessionBodyFrame, bool) {
	if b.session == nil {
		return nil, false
	}
	return b.session, true
}

// Kind returns the packet kind of the wrapped body.
func (b SupportedBody) Kind() PacketKind {
	if b.ping != nil {
		return KindPING
	}
	return b.session.Kind()
}

// Encode writes the wrapped body (session id then body, or the bare PING
// body) to out.
func (b SupportedBody) Encode(out *bytes.Buffer) {
	if b.ping != nil {
		b.ping.Encode(out)
		return
	}
	b.session.Encode(out)
}
