// Package crypto implements the dnscat2 encryption layer.
package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/crypto/salsa20"
	"golang.org/x/crypto/sha3"
)

const (
	HeaderLength    = 5
	SignatureLength = 6
)

// SASDict is the dictionary for Short Authentication String
var SASDict = []string{
	"THE", "DOG", "AND", "CAT", "RAN", "FAR", "FOR", "FUN",
	"HIS", "HER", "HIM", "SHE", "WAS", "HAD", "HAS", "ARE",
	"NOT", "ALL", "BUT", "CAN", "DID", "GOT", "GET", "HER",
	"ITS", "LET", "MAY", "NEW", "NOW", "OLD", "OUR", "OUT",
	"OWN", "SAY", "TOO", "TWO", "USE", "WAY", "WHO", "ANY",
	"BIG", "BOY", "DAY", "END", "FEW", "GOD", "GUY", "HOW",
	"JOB", "MAN", "MEN", "MRS", "ONE", "OWN", "PUT", "RED",
	"RUN", "SET", "SIT", "TEN", "TOP", "TRY", "WON", "YES",
	"YET", "ADD", "AGE", "AGO", "AID", "AIM", "AIR", "ARM",
	"ART", "ASK", "BAD", "BAR", "BED", "BIT", "BOX", "BUS",
	"BUY", "CAR", "CUT", "DUE", "EAR", "EAT", "EGG", "ERA",
	"EYE", "FAR", "FAT", "FIT", "FLY", "GAS", "GUN", "HIT",
	"HOT", "ICE", "ILL", "KEY", "KID", "LAW", "LAY", "LEG",
	"LIE", "LOT", "LOW", "MAP", "MIX", "NET", "NOR", "ODD",
	"OIL", "PAY", "PER", "POP", "RAW", "ROW", "SEA", "SEE",
	"SIR", "SIX", "SKY", "SON", "SUM", "SUN", "TAX", "TEA",
	"TIE", "WAR", "WAS", "WET", "WIN", "YEA", "ACE", "ACT",
	"ADS", "AFT", "ALE", "ANT", "APE", "ARC", "ARK", "AWE",
	"AXE", "BAG", "BAN", "BAT", "BAY", "BEE", "BET", "BIB",
	"BID", "BOG", "BOW", "BUD", "BUG", "BUN", "CAB", "CAM",
	"CAN", "CAP", "COB", "COD", "COG", "COT", "COW", "CRY",
	"CUB", "CUD", "CUP", "DAD", "DAM", "DEN", "DEW", "DIM",
	"DIP", "DOC", "DOE", "DOT", "DRY", "DUB", "DUD", "DUG",
	"DYE", "EEL", "ELF", "ELK", "ELM", "EMU", "EVE", "EWE",
	"FAN", "FAX", "FED", "FEE", "FEN", "FIG", "FIN", "FIR",
	"FIX", "FOB", "FOE", "FOG", "FOP", "FOX", "FRY", "FUN",
	"FUR", "GAB", "GAG", "GAL", "GAP", "GEL", "GEM", "GNU",
	"GOB", "GUM", "GUT", "GYM", "HAD", "HAM", "HAP", "HAT",
	"HEM", "HEN", "HEW", "HEX", "HID", "HIP", "HOB", "HOD",
	"HOE", "HOG", "HOP", "HUB", "HUE", "HUG", "HUM", "HUT",
	"INK", "INN", "ION", "IRE", "IRK", "IVY", "JAB", "JAG",
	"JAM", "JAR", "JAW", "JAY", "JET", "JIG", "JOB", "JOG",
}

// wireKeyPair is one direction's write/mac key split derived from the
// ECDH shared secret.
type wireKeyPair struct {
	write [32]byte
	mac   [32]byte
}

// authenticatorPair holds the preshared-secret authenticators for both
// ends of the channel, set together once the peer's public key is known.
type authenticatorPair struct {
	mine   [32]byte
	theirs [32]byte
}

// Encryptor handles the dnscat2 ENC key exchange and the Salsa20/SHA3
// encrypt-then-MAC scheme layered on top of session traffic.
type Encryptor struct {
	PresharedSecret string

	myPrivateKey   *ecdh.PrivateKey
	myPublicKey    []byte
	theirPublicKey []byte

	sharedSecret [32]byte
	auth         authenticatorPair
	mine         wireKeyPair
	theirs       wireKeyPair

	nonce uint16
}

// NewEncryptor generates a fresh P-256 keypair for a new encryption
// session. presharedSecret may be empty, in which case mutual
// authentication via authenticators is skipped.
func NewEncryptor(presharedSecret string) (*Encryptor, error) {
	privateKey, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate keypair: %w", err)
	}

	return &Encryptor{
		PresharedSecret: presharedSecret,
		myPrivateKey:    privateKey,
		myPublicKey:     privateKey.PublicKey().Bytes(),
	}, nil
}

// GetMyPublicKey returns our public key as the 64-byte (X||Y) pair the
// wire format uses, stripping the 0x04 uncompressed-point prefix Go's
// ecdh package includes.
func (e *Encryptor) GetMyPublicKey() []byte {
	if len(e.myPublicKey) == 65 && e.myPublicKey[0] == 0x04 {
		return e.myPublicKey[1:]
	}
	return e.myPublicKey
}

// SetTheirPublicKey records the peer's public key, derives the shared
// secret via ECDH, and (if known) the keys and authenticators it governs.
func (e *Encryptor) SetTheirPublicKey(theirPubKey []byte) error {
	fullKey := theirPubKey
	if len(theirPubKey) == 64 {
		fullKey = append([]byte{0x04}, theirPubKey...)
	}

	theirKey, err := ecdh.P256().NewPublicKey(fullKey)
	if err != nil {
		return fmt.Errorf("crypto: invalid peer public key: %w", err)
	}
	shared, err := e.myPrivateKey.ECDH(theirKey)
	if err != nil {
		return fmt.Errorf("crypto: ECDH: %w", err)
	}

	e.theirPublicKey = theirPubKey
	copy(e.sharedSecret[:], shared[:32])

	e.mine = e.deriveKeyPair("client_write_key", "client_mac_key")
	e.theirs = e.deriveKeyPair("server_write_key", "server_mac_key")

	if e.PresharedSecret != "" {
		e.auth = authenticatorPair{
			mine:   e.deriveAuthenticator("client"),
			theirs: e.deriveAuthenticator("server"),
		}
	}
	return nil
}

func (e *Encryptor) deriveKeyPair(writeLabel, macLabel string) wireKeyPair {
	return wireKeyPair{
		write: sha3Sum(e.sharedSecret[:], []byte(writeLabel)),
		mac:   sha3Sum(e.sharedSecret[:], []byte(macLabel)),
	}
}

func (e *Encryptor) deriveAuthenticator(role string) [32]byte {
	return sha3Sum(
		[]byte(role), e.sharedSecret[:], e.GetMyPublicKey(), e.theirPublicKey, []byte(e.PresharedSecret),
	)
}

// sha3Sum hashes the concatenation of parts with SHA3-256.
func sha3Sum(parts ...[]byte) [32]byte {
	h := sha3.New256()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// GetMyAuthenticator returns the authenticator we present to the peer.
func (e *Encryptor) GetMyAuthenticator() []byte { return e.auth.mine[:] }

// GetTheirAuthenticator returns the authenticator we expect from the peer.
func (e *Encryptor) GetTheirAuthenticator() []byte { return e.auth.theirs[:] }

// GetNonce returns the next outgoing nonce, then advances the counter.
func (e *Encryptor) GetNonce() uint16 {
	n := e.nonce
	e.nonce++
	return n
}

// ShouldRenegotiate reports whether the nonce counter is close enough to
// wrapping that the session should establish a fresh key.
func (e *Encryptor) ShouldRenegotiate() bool {
	return e.nonce > 0xFFF0
}

// signatureOf computes the truncated H(key || header || body) signature
// used both to produce and to verify a packet's MAC.
func signatureOf(key [32]byte, header, body []byte) []byte {
	sum := sha3Sum(key[:], header, body)
	return sum[:SignatureLength]
}

// CheckSignature verifies the MAC on an incoming header+sig+body blob
// against theirs.mac, returning the header+body with the signature
// stripped out if it matches.
func (e *Encryptor) CheckSignature(data []byte) ([]byte, bool) {
	if len(data) < HeaderLength+SignatureLength {
		return nil, false
	}
	header := data[:HeaderLength]
	theirSig := data[HeaderLength : HeaderLength+SignatureLength]
	body := data[HeaderLength+SignatureLength:]

	if !bytes.Equal(theirSig, signatureOf(e.theirs.mac, header, body)) {
		return nil, false
	}

	result := make([]byte, 0, len(header)+len(body))
	result = append(result, header...)
	result = append(result, body...)
	return result, true
}

// Sign inserts a MAC computed with our mac key between data's header
// and body, returning header+sig+body. data shorter than HeaderLength
// is returned unchanged.
func (e *Encryptor) Sign(data []byte) []byte {
	if len(data) < HeaderLength {
		return data
	}
	header := data[:HeaderLength]
	body := data[HeaderLength:]
	sig := signatureOf(e.mine.mac, header, body)

	result := make([]byte, 0, len(header)+len(sig)+len(body))
	result = append(result, header...)
	result = append(result, sig...)
	result = append(result, body...)
	return result
}

// salsaNonce widens a 16-bit wire nonce into the 8-byte form Salsa20
// expects, with the counter in the low two bytes.
func salsaNonce(n uint16) [8]byte {
	var out [8]byte
	out[6] = byte(n >> 8)
	out[7] = byte(n)
	return out
}

// encryptBody XORs data[HeaderLength:] with our write-key Salsa20
// keystream under a freshly allocated nonce, and returns
// header+nonce+ciphertext.
func (e *Encryptor) encryptBody(data []byte) []byte {
	if len(data) < HeaderLength {
		return data
	}
	header := data[:HeaderLength]
	body := data[HeaderLength:]
	nonce := e.GetNonce()
	nonceBytes := salsaNonce(nonce)

	encrypted := make([]byte, len(body))
	salsa20.XORKeyStream(encrypted, body, nonceBytes[:], &e.mine.write)

	result := make([]byte, 0, len(header)+2+len(encrypted))
	result = append(result, header...)
	result = append(result, byte(nonce>>8), byte(nonce))
	result = append(result, encrypted...)
	return result
}

// decryptBody reverses encryptBody using their write key, returning the
// plaintext (header prefixed back on) and the nonce that was used.
func (e *Encryptor) decryptBody(data []byte) ([]byte, uint16, error) {
	if len(data) < HeaderLength+2 {
		return nil, 0, errors.New("crypto: ciphertext shorter than header+nonce")
	}
	header := data[:HeaderLength]
	nonce := binary.BigEndian.Uint16(data[HeaderLength : HeaderLength+2])
	body := data[HeaderLength+2:]
	nonceBytes := salsaNonce(nonce)

	decrypted := make([]byte, len(body))
	salsa20.XORKeyStream(decrypted, body, nonceBytes[:], &e.theirs.write)

	result := make([]byte, 0, len(header)+len(decrypted))
	result = append(result, header...)
	result = append(result, decrypted...)
	return result, nonce, nil
}

// PrintSAS renders the six-word Short Authentication String a human can
// read aloud to verify both ends derived the same shared secret.
func (e *Encryptor) PrintSAS() string {
	hash := sha3Sum([]byte("authstring"), e.sharedSecret[:], e.GetMyPublicKey(), e.theirPublicKey)

	words := make([]string, 6)
	for i := range words {
		words[i] = SASDict[int(hash[i])%len(SASDict)]
	}
	return fmt.Sprintf("%s %s %s %s %s %s", words[0], words[1], words[2], words[3], words[4], words[5])
}

// Fields renders the encryptor's key material as structured log fields,
// for a caller logging at debug level to verify a handshake out-of-band.
// Authenticators are included only once a preshared secret derived them.
func (e *Encryptor) Fields() []zap.Field {
	fields := []zap.Field{
		zap.Binary("my_public_key", e.GetMyPublicKey()),
		zap.Binary("their_public_key", e.theirPublicKey),
		zap.Binary("shared_secret", e.sharedSecret[:]),
		zap.Binary("my_write_key", e.mine.write[:]),
		zap.Binary("my_mac_key", e.mine.mac[:]),
		zap.Binary("their_write_key", e.theirs.write[:]),
		zap.Binary("their_mac_key", e.theirs.mac[:]),
	}
	if e.PresharedSecret != "" {
		fields = append(fields,
			zap.Binary("my_authenticator", e.auth.mine[:]),
			zap.Binary("their_authenticator", e.auth.theirs[:]))
	}
	return fields
}
