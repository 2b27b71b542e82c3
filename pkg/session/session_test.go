package session

import (
	"context"
	"testing"

	"dnscat2proto/pkg/crypto"
	"dnscat2proto/pkg/protocol"
)

// fakeServerTransport plays the server side of a handshake exchange
// inline: it decodes the client's packet and replies the way a real
// dnscat2 server would to a SYN, without needing a network or a real
// conn.Transport implementation.
type fakeServerTransport struct {
	sessionID protocol.SessionID
	peerSeq   protocol.Sequence
	lastSyn   protocol.SynBody
}

func (t *fakeServerTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	pkt, err := protocol.Decode(request)
	if err != nil {
		return nil, err
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		panic("fakeServerTransport: expected session-framed body")
	}
	syn, ok := frame.Inner().(protocol.SynBody)
	if !ok {
		panic("fakeServerTransport: expected SYN body")
	}
	t.lastSyn = syn

	reply := protocol.NewSynBody(t.peerSeq, syn.Flags().Contains(protocol.FlagCommand), syn.Flags().Contains(protocol.FlagEncrypted))
	return replyBytes(pkt.ID(), t.sessionID, reply), nil
}

func replyBytes(id protocol.PacketID, sessionID protocol.SessionID, body protocol.SessionBody) []byte {
	f := protocol.NewSessionBodyFrame(sessionID, body)
	return protocol.NewPacket(id, protocol.Session(f)).ToBytes()
}

// fakeDriver is a minimal driver.Driver that never produces or consumes
// data, just enough to satisfy Session.GetOutgoing's poll without pulling
// in a real driver's goroutines or os.Exit calls.
type fakeDriver struct{}

func (fakeDriver) DataReceived(data []byte)  {}
func (fakeDriver) GetOutgoing(int) []byte    { return []byte{} }
func (fakeDriver) Close()                    {}
func (fakeDriver) IsClosed() bool            { return false }

func withEncryption(enabled bool) func() {
	orig := DoEncryption
	DoEncryption = enabled
	return func() { DoEncryption = orig }
}

func TestSessionHandshakeUnencryptedEstablishesState(t *testing.T) {
	defer withEncryption(false)()

	s, err := New("test-client", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transport := &fakeServerTransport{sessionID: s.ID, peerSeq: 0x1234}
	if err := s.Handshake(context.Background(), transport, true); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	if s.State != StateEstablished {
		t.Fatalf("state = %v, want StateEstablished", s.State)
	}
	if s.TheirSeq != 0x1234 {
		t.Fatalf("TheirSeq = %#x, want 0x1234", s.TheirSeq)
	}
	if transport.lastSyn.Flags().Contains(protocol.FlagEncrypted) {
		t.Fatalf("client SYN should not claim encryption when DoEncryption is false")
	}
}

// encryptedServerTransport extends fakeServerTransport's SYN handling
// with the ENC INIT round trip a real encrypted session requires before
// SYN is ever sent.
type encryptedServerTransport struct {
	fakeServerTransport
	server *crypto.Encryptor
}

func (t *encryptedServerTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	pkt, err := protocol.Decode(request)
	if err != nil {
		return nil, err
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		panic("encryptedServerTransport: expected session-framed body")
	}

	switch body := frame.Inner().(type) {
	case protocol.EncBody:
		init, ok := body.Variant().(protocol.EncInit)
		if !ok {
			panic("encryptedServerTransport: expected ENC INIT")
		}
		if err := t.server.SetTheirWireKey(init.PublicKeyX, init.PublicKeyY); err != nil {
			return nil, err
		}
		reply := t.server.WireInitBody(0)
		return replyBytes(pkt.ID(), t.sessionID, reply), nil
	case protocol.SynBody:
		t.lastSyn = body
		reply := protocol.NewSynBody(t.peerSeq, body.Flags().Contains(protocol.FlagCommand), body.Flags().Contains(protocol.FlagEncrypted))
		return replyBytes(pkt.ID(), t.sessionID, reply), nil
	default:
		panic("encryptedServerTransport: unexpected body")
	}
}

func TestSessionHandshakeEncryptedEstablishesState(t *testing.T) {
	defer withEncryption(true)()

	server, err := crypto.NewEncryptor("")
	if err != nil {
		t.Fatalf("server NewEncryptor: %v", err)
	}

	s, err := New("test-client", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	transport := &encryptedServerTransport{
		fakeServerTransport: fakeServerTransport{sessionID: s.ID, peerSeq: 0x55},
		server:              server,
	}

	if err := s.Handshake(context.Background(), transport, true); err != nil {
		t.Fatalf("Handshake: %v", err)
	}

	if s.State != StateEstablished {
		t.Fatalf("state = %v, want StateEstablished", s.State)
	}
	if s.TheirSeq != 0x55 {
		t.Fatalf("TheirSeq = %#x, want 0x55", s.TheirSeq)
	}
	if !transport.lastSyn.Flags().Contains(protocol.FlagEncrypted) {
		t.Fatalf("client SYN should claim encryption when DoEncryption is true")
	}
}

// TestSessionStateMachineHandlesSynWithoutConn exercises the session's
// own ENC/SYN packet handling directly, bypassing pkg/conn entirely:
// GetOutgoing/DataIncoming still need to behave correctly standalone for
// in-session key renegotiation, which pkg/conn.ClientHandshake never
// drives (it only covers the initial handshake).
func TestSessionStateMachineHandlesSynWithoutConn(t *testing.T) {
	defer withEncryption(false)()

	s, err := New("", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.State = StateNew
	s.IsCommand = true
	s.Driver = fakeDriver{}

	out := s.GetOutgoing(4096)
	if out == nil {
		t.Fatalf("expected an outgoing SYN packet")
	}
	pkt, err := protocol.Decode(out)
	if err != nil {
		t.Fatalf("decode outgoing SYN: %v", err)
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok || frame.Kind() != protocol.KindSYN {
		t.Fatalf("expected a SYN packet, got kind %v", pkt.Kind())
	}

	reply := protocol.NewSynBody(0xABCD, true, false)
	replyFrame := protocol.NewSessionBodyFrame(s.ID, reply)
	replyPkt := protocol.NewPacket(pkt.ID(), protocol.Session(replyFrame))

	if !s.DataIncoming(replyPkt.ToBytes()) {
		t.Fatalf("expected DataIncoming to report a reply is warranted")
	}
	if s.State != StateEstablished {
		t.Fatalf("state = %v, want StateEstablished", s.State)
	}
	if s.TheirSeq != 0xABCD {
		t.Fatalf("TheirSeq = %#x, want 0xabcd", s.TheirSeq)
	}
}
