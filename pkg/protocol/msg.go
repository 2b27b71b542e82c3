package protocol

import (
	"bytes"

	"dnscat2proto/pkg/parse"
)

// MsgBody is the body of a MSG packet: the sender's current sequence
// number, the sender's acknowledgement of the peer's sequence, and the
// opaque data payload. The codec does not bound or interpret data;
// stream reassembly is a higher-layer concern.
type MsgBody struct {
	seq  Sequence
	ack  Sequence
	data []byte
}

// NewMsgBody constructs a MSG body carrying data. data is not copied;
// callers that mutate it after construction must not do so while the
// body is still in use.
func NewMsgBody(seq, ack Sequence, data []byte) MsgBody {
	return MsgBody{seq: seq, ack: ack, data: data}
}

// Seq returns the sender's current sequence number.
func (m MsgBody) Seq() Sequence { return m.seq }

// Ack returns the sender's acknowledgement of the peer's sequence.
func (m MsgBody) Ack() Sequence { return m.ack }

// Data returns the payload bytes. On a decoded packet this is a
// zero-copy view into the original decode buffer.
func (m MsgBody) Data() []byte { return m.data }

// Kind returns KindMSG.
func (m MsgBody) Kind() PacketKind { return KindMSG }

// Encode writes the MSG body (seq, ack, data) to out.
func (m MsgBody) Encode(out *bytes.Buffer) {
	out.WriteByte(byte(m.seq >> 8))
	out.WriteByte(byte(m.seq))
	out.WriteByte(byte(m.ack >> 8))
	out.WriteByte(byte(m.ack))
	out.Write(m.data)
}

func decodeMsgBody(c *parse.Cursor) (MsgBody, error) {
	seq, err := parse.BeU16(c)
	if err != nil {
		return MsgBody{}, wrapParseError(err)
	}
	ack, err := parse.BeU16(c)
	if err != nil {
		return MsgBody{}, wrapParseError(err)
	}
	return MsgBody{seq: seq, ack: ack, data: c.Remaining()}, nil
}

///////////////////////////////////////////////////////////////////////
// FIN

// FinBody is the body of a FIN packet: a free-form, possibly empty
// human-readable reason for closing the session.
type FinBody struct {
	reason string
}

// NewFinBody constructs a FIN body with the given reason.
func NewFinBody(reason string) FinBody {
	return FinBody{reason: reason}
}

// Reason returns the close reason.
func (f FinBody) Reason() string { return f.reason }

// Kind returns KindFIN.
func (f FinBody) Kind() PacketKind { return KindFIN }

// Encode writes the FIN body (reason, null-terminated) to out.
func (f FinBody) Encode(out *bytes.Buffer) {
	out.WriteString(f.reason)
	out.WriteByte(0)
}

func decodeFinBody(c *parse.Cursor) (FinBody, error) {
	reason, err := parse.NTString(c)
	if err != nil {
		return FinBody{}, wrapParseError(err)
	}
	return FinBody{reason: reason}, nil
}

///////////////////////////////////////////////////////////////////////
// PING

// PingID is the 16-bit correlation value carried by a PING body.
type PingID = uint16

// PingBody is the body of a PING packet. PING packets are not
// session-framed.
type PingBody struct {
	pingID PingID
	data   string
}

// NewPingBody constructs a PING body.
func NewPingBody(pingID PingID, data string) PingBody {
	return PingBody{pingID: pingID, data: data}
}

// PingID returns the ping correlation id.
func (p PingBody) PingID() PingID { return p.pingID }

// Data returns the ping payload string.
func (p PingBody) Data() string { return p.data }

// Kind returns KindPING.
func (p PingBody) Kind() PacketKind { return KindPING }

// Encode writes the PING body (ping_id, data, null-terminated) to out.
func (p PingBody) Encode(out *bytes.Buffer) {
	out.WriteByte(byte(p.pingID >> 8))
	out.WriteByte(byte(p.pingID))
	out.WriteString(p.data)
	out.WriteByte(0)
}

func decodePingBody(c *parse.Cursor) (PingBody, error) {
	pingID, err := parse.BeU16(c)
	if err != nil {
		return PingBody{}, wrapParseError(err)
	}
	data, err := parse.NTString(c)
	if err != nil {
		return PingBody{}, wrapParseError(err)
	}
	return PingBody{pingID: pingID, data: data}, nil
}
