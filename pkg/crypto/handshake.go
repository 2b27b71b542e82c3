package crypto

import (
	"context"
	"fmt"

	"dnscat2proto/pkg/conn"
	"dnscat2proto/pkg/protocol"
)

// wireKeyLen is the raw byte budget of a single ENC hex part on the
// wire (pkg/protocol fixes this at 16 bytes; see hexPartRawLen). A P-256
// coordinate is 32 bytes, so only its first (most significant) 16 bytes
// are carried; this
// is a deliberate simplification of the real ECDH exchange to fit the
// fixed-width ENC framing this build's wire format specifies, not a
// cryptographic recommendation.
const wireKeyLen = 16

// Encrypt implements conn.ConnectionEncryption by delegating to
// encryptBody.
func (e *Encryptor) Encrypt(buf []byte) ([]byte, error) {
	return e.encryptBody(buf), nil
}

// Decrypt implements conn.ConnectionEncryption by delegating to
// decryptBody and discarding the nonce, which callers that need it can
// still recover via decryptBody directly.
func (e *Encryptor) Decrypt(buf []byte) ([]byte, error) {
	data, _, err := e.decryptBody(buf)
	return data, err
}

// ClientEncryptionHandshake performs the ECDH key exchange (and, if
// PresharedSecret is set, the mutual authenticator check) over conn's
// transport before the core SYN handshake runs. It sends an ENC INIT
// carrying our public key, expects an ENC INIT back carrying the
// server's, then — only when a preshared secret is configured — sends
// and checks an ENC AUTH pair.
func (e *Encryptor) ClientEncryptionHandshake(ctx context.Context, c *conn.Connection) error {
	reply, err := c.Exchange(ctx, e.WireInitBody(0))
	if err != nil {
		return fmt.Errorf("crypto: ENC INIT exchange: %w", err)
	}
	serverInit, err := encInitVariant(reply)
	if err != nil {
		return err
	}
	if err := e.SetTheirWireKey(serverInit.PublicKeyX, serverInit.PublicKeyY); err != nil {
		return fmt.Errorf("crypto: deriving shared secret: %w", err)
	}

	if e.PresharedSecret == "" {
		return nil
	}

	authReply, err := c.Exchange(ctx, e.WireAuthBody(0))
	if err != nil {
		return fmt.Errorf("crypto: ENC AUTH exchange: %w", err)
	}
	serverAuth, err := encAuthVariant(authReply)
	if err != nil {
		return err
	}
	if !e.CheckTheirWireAuthenticator(serverAuth.Authenticator) {
		return fmt.Errorf("crypto: server authenticator mismatch")
	}
	return nil
}

func encInitVariant(body protocol.SessionBody) (protocol.EncInit, error) {
	enc, ok := body.(protocol.EncBody)
	if !ok {
		return protocol.EncInit{}, fmt.Errorf("crypto: expected ENC reply, got %T", body)
	}
	init, ok := enc.Variant().(protocol.EncInit)
	if !ok {
		return protocol.EncInit{}, fmt.Errorf("crypto: expected ENC INIT variant, got %T", enc.Variant())
	}
	return init, nil
}

func encAuthVariant(body protocol.SessionBody) (protocol.EncAuth, error) {
	enc, ok := body.(protocol.EncBody)
	if !ok {
		return protocol.EncAuth{}, fmt.Errorf("crypto: expected ENC reply, got %T", body)
	}
	auth, ok := enc.Variant().(protocol.EncAuth)
	if !ok {
		return protocol.EncAuth{}, fmt.Errorf("crypto: expected ENC AUTH variant, got %T", enc.Variant())
	}
	return auth, nil
}

// WireInitBody builds the ENC INIT body carrying our public key,
// truncated to the wire's fixed hex-part budget (see wireKeyLen).
func (e *Encryptor) WireInitBody(cryptoFlags uint16) protocol.EncBody {
	x, y := splitWireKey(e.GetMyPublicKey())
	return protocol.NewEncBody(cryptoFlags, protocol.EncInit{PublicKeyX: x, PublicKeyY: y})
}

// WireAuthBody builds the ENC AUTH body carrying our authenticator,
// truncated to the wire's fixed hex-part budget.
func (e *Encryptor) WireAuthBody(cryptoFlags uint16) protocol.EncBody {
	return protocol.NewEncBody(cryptoFlags, protocol.EncAuth{Authenticator: e.GetMyAuthenticator()[:wireKeyLen]})
}

// SetTheirWireKey reconstructs the peer's public key from a wire-
// truncated EncInit and derives the session keys from it.
func (e *Encryptor) SetTheirWireKey(x, y []byte) error {
	return e.SetTheirPublicKey(joinWireKey(x, y))
}

// CheckTheirWireAuthenticator reports whether a wire-truncated EncAuth
// authenticator matches what we expect from the peer.
func (e *Encryptor) CheckTheirWireAuthenticator(auth []byte) bool {
	return authenticatorMatches(auth, e.GetTheirAuthenticator())
}

// splitWireKey truncates a 64-byte (X||Y) uncompressed P-256 public key
// down to the two wireKeyLen-byte halves the ENC INIT body can carry.
func splitWireKey(pubKey []byte) (x, y []byte) {
	half := len(pubKey) / 2
	x = pubKey[:half]
	y = pubKey[half:]
	if len(x) > wireKeyLen {
		x = x[:wireKeyLen]
	}
	if len(y) > wireKeyLen {
		y = y[:wireKeyLen]
	}
	return x, y
}

// joinWireKey reassembles a wire-truncated key pair. Since each half
// was truncated to wireKeyLen on the sender's side, the reconstructed
// key is zero-extended back to the curve's native coordinate width.
func joinWireKey(x, y []byte) []byte {
	const coordLen = 32
	out := make([]byte, 0, 2*coordLen)
	out = append(out, zeroPad(x, coordLen)...)
	out = append(out, zeroPad(y, coordLen)...)
	return out
}

func zeroPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}

func authenticatorMatches(got, want []byte) bool {
	n := len(got)
	if n > len(want) {
		n = len(want)
	}
	for i := 0; i < n; i++ {
		if got[i] != want[i] {
			return false
		}
	}
	return n > 0
}
