// Package conn implements the connection state machine the core
// protocol defines on top of pkg/protocol: a transport-agnostic,
// pluggable-encryption client handshake.
package conn

import (
	"context"
	"sync/atomic"

	"dnscat2proto/pkg/protocol"
)

// Transport is the one-shot request/response abstraction a connection
// is bound to. Exchange sends one packet and yields at most one reply.
// The transport owns its own packet-id echoing, deduplication, and
// lower-layer retry; Exchange returns ErrTimeout (or a wrapping error)
// for a per-exchange timeout and any other error for a transport
// failure.
type Transport interface {
	Exchange(ctx context.Context, request []byte) (response []byte, err error)
}

// ConnectionEncryption is the pluggable encryption capability. Encrypt
// and Decrypt both default to identity via NoEncryption.
// ClientEncryptionHandshake is invoked only when a connection's
// Encrypted field is true, and is the sole constructor-level extension
// point the core reserves for key agreement; this package's own
// implementation is always ErrUnimplemented, matching the reference
// behavior of leaving key agreement to a higher layer (see pkg/crypto).
type ConnectionEncryption interface {
	Encrypt(buf []byte) ([]byte, error)
	Decrypt(buf []byte) ([]byte, error)
	ClientEncryptionHandshake(ctx context.Context, c *Connection) error
}

// NoEncryption is the identity ConnectionEncryption: Encrypt and Decrypt
// are no-ops, and the handshake hook always fails since a connection
// configured with Encrypted=true and NoEncryption has nothing to
// negotiate.
type NoEncryption struct{}

// Encrypt returns buf unchanged.
func (NoEncryption) Encrypt(buf []byte) ([]byte, error) { return buf, nil }

// Decrypt returns buf unchanged.
func (NoEncryption) Decrypt(buf []byte) ([]byte, error) { return buf, nil }

// ClientEncryptionHandshake always fails: this is an explicit,
// deliberate stub, not an oversight. Encrypted=true connections must
// supply their own ConnectionEncryption (see pkg/crypto) to reach past
// it.
func (NoEncryption) ClientEncryptionHandshake(ctx context.Context, c *Connection) error {
	return ErrUnimplemented
}

// Connection is a stateful client-side view of a dnscat2 session prior
// to, during, and after its SYN handshake.
type Connection struct {
	SelfSeq  protocol.Sequence
	PeerSeq  protocol.Sequence
	SessName string
	HasName  bool
	Command  bool
	Encrypted bool

	// RecvMaxRetry bounds the handshake's total SYN attempts, inclusive
	// of the first. Must be >= 1.
	RecvMaxRetry uint32

	Transport  Transport
	Encryption ConnectionEncryption

	sessionID protocol.SessionID
}

// New constructs a connection bound to transport and sessionID, with
// NoEncryption as the default encryption capability. Callers that need
// real encryption replace Encryption before calling ClientHandshake.
func New(sessionID protocol.SessionID, selfSeq protocol.Sequence, transport Transport) *Connection {
	return &Connection{
		SelfSeq:      selfSeq,
		RecvMaxRetry: 3,
		Transport:    transport,
		Encryption:   NoEncryption{},
		sessionID:    sessionID,
	}
}

// SessionID returns the connection's session id.
func (c *Connection) SessionID() protocol.SessionID { return c.sessionID }

// IsCommand reports the connection's current command-session intent.
func (c *Connection) IsCommand() bool { return c.Command }

// IsEncrypted reports the connection's current encryption intent.
func (c *Connection) IsEncrypted() bool { return c.Encrypted }

// sendPacket encodes body as a session-framed packet under the
// connection's session id and sends it through the transport, returning
// the raw reply bytes.
func (c *Connection) sendPacket(ctx context.Context, body protocol.SessionBody) ([]byte, error) {
	frame := protocol.NewSessionBodyFrame(c.sessionID, body)
	pkt := protocol.NewPacket(nextPacketID(), protocol.Session(frame))
	return c.Transport.Exchange(ctx, pkt.ToBytes())
}

// Exchange sends body as a session-framed packet and decodes the reply
// as a session body. It is exported for extension points outside this
// package (pkg/crypto's key-agreement handshake) that need to drive
// their own request/reply exchange over the same connection and
// transport a handshake uses.
func (c *Connection) Exchange(ctx context.Context, body protocol.SessionBody) (protocol.SessionBody, error) {
	raw, err := c.sendPacket(ctx, body)
	if err != nil {
		return nil, err
	}
	return recvSessionBody(raw)
}

// recvSessionBody decodes raw as a packet and returns its session body,
// failing with *UnexpectedBodyError if the packet is not session-framed
// (a PING reply, for instance, is never a valid handshake reply).
func recvSessionBody(raw []byte) (protocol.SessionBody, error) {
	pkt, err := protocol.Decode(raw)
	if err != nil {
		return nil, err
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		return nil, &UnexpectedBodyError{Body: pkt.Body()}
	}
	return frame.Inner(), nil
}

// packetIDCounter is a process-wide monotonic source for the
// correlation id the transport echoes back; the core does not interpret
// this value, it only needs to look distinct per exchange.
var packetIDCounter uint32

func nextPacketID() protocol.PacketID {
	return protocol.PacketID(atomic.AddUint32(&packetIDCounter, 1))
}
