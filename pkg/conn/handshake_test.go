package conn

import (
	"context"
	"errors"
	"testing"

	"dnscat2proto/pkg/protocol"
)

// scriptedTransport replays a fixed sequence of responses to successive
// Exchange calls: a nil entry means "return ErrTimeout", anything else
// is returned as the response bytes.
type scriptedTransport struct {
	responses [][]byte
	calls     int
}

func (s *scriptedTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	if s.calls >= len(s.responses) {
		return nil, errors.New("scriptedTransport: script exhausted")
	}
	resp := s.responses[s.calls]
	s.calls++
	if resp == nil {
		return nil, ErrTimeout
	}
	return resp, nil
}

func serverSynBytes(t *testing.T, sessionID protocol.SessionID, initSeq protocol.Sequence, command bool, name string) []byte {
	t.Helper()
	syn := protocol.NewSynBody(initSeq, command, false)
	if name != "" {
		syn.SetSessionName(name)
	}
	frame := protocol.NewSessionBodyFrame(sessionID, syn)
	pkt := protocol.NewPacket(1, protocol.Session(frame))
	return pkt.ToBytes()
}

// Property 6 / S6: handshake retry bound.
func TestClientHandshakeRetryBound(t *testing.T) {
	serverReply := serverSynBytes(t, 7, 9, true, "srv")

	transport := &scriptedTransport{responses: [][]byte{nil, serverReply}}
	c := New(7, 1, transport)
	c.RecvMaxRetry = 3

	err := ClientHandshake(context.Background(), c, true)
	if err != nil {
		t.Fatalf("expected success after one timeout, got %v", err)
	}
	if c.PeerSeq != 9 || !c.Command || c.SessName != "srv" {
		t.Fatalf("unexpected post-handshake state: %+v", c)
	}
}

func TestClientHandshakeRetryExhausted(t *testing.T) {
	transport := &scriptedTransport{responses: [][]byte{nil, nil, nil}}
	c := New(7, 1, transport)
	c.RecvMaxRetry = 3

	err := ClientHandshake(context.Background(), c, true)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

// Property 7: name negotiation.
func TestNameNegotiation(t *testing.T) {
	t.Run("client has no name, adopts server name", func(t *testing.T) {
		transport := &scriptedTransport{responses: [][]byte{serverSynBytes(t, 7, 9, false, "srv")}}
		c := New(7, 1, transport)
		if err := ClientHandshake(context.Background(), c, false); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if c.SessName != "srv" {
			t.Fatalf("got %q, want srv", c.SessName)
		}
	})

	t.Run("client name kept when prefer_server_name=false", func(t *testing.T) {
		transport := &scriptedTransport{responses: [][]byte{serverSynBytes(t, 7, 9, false, "srv")}}
		c := New(7, 1, transport)
		c.HasName = true
		c.SessName = "clt"
		if err := ClientHandshake(context.Background(), c, false); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if c.SessName != "clt" {
			t.Fatalf("got %q, want clt", c.SessName)
		}
	})

	t.Run("server name preferred when prefer_server_name=true", func(t *testing.T) {
		transport := &scriptedTransport{responses: [][]byte{serverSynBytes(t, 7, 9, false, "srv")}}
		c := New(7, 1, transport)
		c.HasName = true
		c.SessName = "clt"
		if err := ClientHandshake(context.Background(), c, true); err != nil {
			t.Fatalf("handshake: %v", err)
		}
		if c.SessName != "srv" {
			t.Fatalf("got %q, want srv", c.SessName)
		}
	})
}

// Property 8: encryption mismatch.
func TestEncryptionMismatch(t *testing.T) {
	syn := protocol.NewSynBody(9, false, true) // server claims ENCRYPTED
	frame := protocol.NewSessionBodyFrame(7, syn)
	serverReply := protocol.NewPacket(1, protocol.Session(frame)).ToBytes()

	transport := &scriptedTransport{responses: [][]byte{serverReply}}
	c := New(7, 1, transport)
	c.Encrypted = false

	err := ClientHandshake(context.Background(), c, false)
	if !errors.Is(err, ErrEncryptionMismatch) {
		t.Fatalf("expected ErrEncryptionMismatch, got %v", err)
	}
}

// Property 9: unexpected body.
func TestUnexpectedBody(t *testing.T) {
	fin := protocol.NewFinBody("nope")
	frame := protocol.NewSessionBodyFrame(7, fin)
	serverReply := protocol.NewPacket(1, protocol.Session(frame)).ToBytes()

	transport := &scriptedTransport{responses: [][]byte{serverReply}}
	c := New(7, 1, transport)

	err := ClientHandshake(context.Background(), c, false)
	var unexpected *UnexpectedBodyError
	if !errors.As(err, &unexpected) {
		t.Fatalf("expected *UnexpectedBodyError, got %v", err)
	}
	if unexpected.Body.Kind() != protocol.KindFIN {
		t.Fatalf("expected kind FIN, got %v", unexpected.Body.Kind())
	}
}

func TestEncryptedHandshakeRequiresHook(t *testing.T) {
	transport := &scriptedTransport{}
	c := New(7, 1, transport)
	c.Encrypted = true

	err := ClientHandshake(context.Background(), c, false)
	if !errors.Is(err, ErrUnimplemented) {
		t.Fatalf("expected ErrUnimplemented, got %v", err)
	}
}
