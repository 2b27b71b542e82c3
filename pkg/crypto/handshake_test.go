package crypto

import (
	"bytes"
	"context"
	"testing"

	"dnscat2proto/pkg/conn"
	"dnscat2proto/pkg/protocol"
)

// echoEncTransport plays the server side of ClientEncryptionHandshake
// inline: it decodes each incoming ENC packet, drives a server-side
// Encryptor through the matching exchange, and returns the server's ENC
// reply bytes.
type echoEncTransport struct {
	server       *Encryptor
	sessionID    protocol.SessionID
	authReceived []byte
}

func (t *echoEncTransport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	pkt, err := protocol.Decode(request)
	if err != nil {
		return nil, err
	}
	frame, _ := pkt.Body().SessionFrame()
	clientEnc := frame.Inner().(protocol.EncBody)

	switch v := clientEnc.Variant().(type) {
	case protocol.EncInit:
		clientKey := joinWireKey(v.PublicKeyX, v.PublicKeyY)
		if err := t.server.SetTheirPublicKey(clientKey); err != nil {
			return nil, err
		}
		x, y := splitWireKey(t.server.GetMyPublicKey())
		reply := protocol.NewEncBody(0, protocol.EncInit{PublicKeyX: x, PublicKeyY: y})
		return replyBytes(pkt.ID(), t.sessionID, reply), nil
	case protocol.EncAuth:
		t.authReceived = v.Authenticator
		reply := protocol.NewEncBody(0, protocol.EncAuth{Authenticator: t.server.GetMyAuthenticator()[:wireKeyLen]})
		return replyBytes(pkt.ID(), t.sessionID, reply), nil
	default:
		panic("unexpected ENC variant in test transport")
	}
}

func replyBytes(id protocol.PacketID, sessionID protocol.SessionID, body protocol.SessionBody) []byte {
	frame := protocol.NewSessionBodyFrame(sessionID, body)
	return protocol.NewPacket(id, protocol.Session(frame)).ToBytes()
}

func TestClientEncryptionHandshakeDerivesSharedSecret(t *testing.T) {
	server, err := NewEncryptor("")
	if err != nil {
		t.Fatalf("server NewEncryptor: %v", err)
	}
	client, err := NewEncryptor("")
	if err != nil {
		t.Fatalf("client NewEncryptor: %v", err)
	}

	transport := &echoEncTransport{server: server, sessionID: 5}
	c := conn.New(5, 1, transport)
	c.Encrypted = true
	c.Encryption = client

	if err := client.ClientEncryptionHandshake(context.Background(), c); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	plaintext := []byte("header12over")
	encrypted, err := client.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	decrypted, _, err := server.decryptBody(encrypted)
	if err != nil {
		t.Fatalf("server decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %x want %x", decrypted, plaintext)
	}
}

func TestPresharedSecretAuthenticatorRoundTrip(t *testing.T) {
	server, _ := NewEncryptor("hunter2")
	client, _ := NewEncryptor("hunter2")

	transport := &echoEncTransport{server: server, sessionID: 5}
	c := conn.New(5, 1, transport)
	c.Encrypted = true
	c.Encryption = client

	if err := client.ClientEncryptionHandshake(context.Background(), c); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !bytes.Equal(transport.authReceived, client.GetMyAuthenticator()[:wireKeyLen]) {
		t.Fatalf("server did not receive client's authenticator intact")
	}
}
