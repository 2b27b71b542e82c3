package protocol

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	s = stripSpaces(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex fixture %q: %v", s, err)
	}
	return b
}

func stripSpaces(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

// S1: SYN encode.
func TestSynEncodeS1(t *testing.T) {
	syn := NewSynBody(1, false, false)
	syn.SetSessionName("hello")
	frame := NewSessionBodyFrame(1, syn)
	pkt := NewPacket(1, Session(frame))

	want := mustHex(t, "00 01 00 00 01 00 01 00 01 68 65 6C 6C 6F 00")
	got := pkt.ToBytes()
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

// S2: MSG encode.
func TestMsgEncodeS2(t *testing.T) {
	msg := NewMsgBody(2, 3, []byte("hello"))
	frame := NewSessionBodyFrame(1, msg)
	pkt := NewPacket(1, Session(frame))

	want := mustHex(t, "00 01 01 00 01 00 02 00 03 68 65 6C 6C 6F")
	got := pkt.ToBytes()
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

// S3: FIN encode.
func TestFinEncodeS3(t *testing.T) {
	fin := NewFinBody("dragons")
	frame := NewSessionBodyFrame(1, fin)
	pkt := NewPacket(1, Session(frame))

	want := mustHex(t, "00 01 02 00 01 64 72 61 67 6F 6E 73 00")
	got := pkt.ToBytes()
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}
}

// S4: ENC INIT encode.
func TestEncInitEncodeS4(t *testing.T) {
	x := bytes.Repeat([]byte{0x03}, 15)
	y := bytes.Repeat([]byte{0x04}, 16)
	enc := NewEncBody(2, EncInit{PublicKeyX: x, PublicKeyY: y})
	frame := NewSessionBodyFrame(1, enc)
	pkt := NewPacket(1, Session(frame))

	got := pkt.ToBytes()
	// id, kind ENC, session id, enc_kind INIT, crypto_flags.
	wantPrefix := mustHex(t, "00 01 03 00 01 00 00 02")
	if !bytes.HasPrefix(got, wantPrefix) {
		t.Fatalf("prefix mismatch: got % x", got[:len(wantPrefix)])
	}
	rest := got[len(wantPrefix):]
	if len(rest) != 64 {
		t.Fatalf("expected 64 hex bytes (32+32), got %d", len(rest))
	}
	wantXHex := append(bytes.Repeat([]byte("03"), 15), []byte("00")...)
	if !bytes.Equal(rest[:32], wantXHex) {
		t.Fatalf("x hex part: got %s, want %s", rest[:32], wantXHex)
	}
	wantYHex := bytes.Repeat([]byte("04"), 16)
	if !bytes.Equal(rest[32:], wantYHex) {
		t.Fatalf("y hex part: got %s, want %s", rest[32:], wantYHex)
	}
}

// S5: PING round-trip.
func TestPingRoundTripS5(t *testing.T) {
	ping := NewPingBody(2, "dragons")
	pkt := NewPacket(1, Ping(ping))

	want := mustHex(t, "00 01 FF 00 02 64 72 61 67 6F 6E 73 00")
	got := pkt.ToBytes()
	if !bytes.Equal(got, want) {
		t.Fatalf("got % x, want % x", got, want)
	}

	decoded, err := Decode(want)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	body, ok := decoded.Body().PingBody()
	if !ok {
		t.Fatalf("expected ping body")
	}
	if body.PingID() != 2 || body.Data() != "dragons" {
		t.Fatalf("unexpected ping body: %+v", body)
	}
}

// Property 1: round-trip, strict, for each body kind.
func TestRoundTripStrict(t *testing.T) {
	cases := []Packet{
		NewPacket(1, Session(NewSessionBodyFrame(7, NewSynBody(5, true, true)))),
		NewPacket(2, Session(NewSessionBodyFrame(7, NewMsgBody(5, 6, []byte("payload"))))),
		NewPacket(3, Session(NewSessionBodyFrame(7, NewFinBody("bye")))),
		NewPacket(4, Session(NewSessionBodyFrame(7, NewEncBody(0, EncAuth{Authenticator: []byte("abc")})))),
		NewPacket(5, Ping(NewPingBody(9, "hi"))),
	}
	for i, p := range cases {
		raw := p.ToBytes()
		decoded, err := Decode(raw)
		if err != nil {
			t.Fatalf("case %d: decode: %v", i, err)
		}
		if !bytes.Equal(decoded.ToBytes(), raw) {
			t.Fatalf("case %d: round trip mismatch: got % x, want % x", i, decoded.ToBytes(), raw)
		}
	}
}

// Property 2: encode determinism.
func TestEncodeDeterministic(t *testing.T) {
	syn := NewSynBody(5, true, false)
	syn.SetSessionName("a")
	pkt := NewPacket(1, Session(NewSessionBodyFrame(2, syn)))
	a := pkt.ToBytes()
	b := pkt.ToBytes()
	if !bytes.Equal(a, b) {
		t.Fatalf("encode not deterministic: % x vs % x", a, b)
	}
}

// Property 3: flag truncation on decode and re-encode. Uses a flags
// value with the NAME bit clear so the fixture doesn't need a name
// field after it.
func TestFlagTruncation(t *testing.T) {
	wantTruncated := PacketFlags(0xFF7E) & knownFlags // 0x7E: all known bits but NAME
	raw := []byte{
		0x00, 0x01, // packet id
		0x00,       // kind SYN
		0x00, 0x09, // session id
		0x00, 0x05, // init_seq
		0xFF, 0x7E, // flags, with unknown high bits set
	}
	pkt, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		t.Fatalf("expected session frame")
	}
	syn, ok := frame.Inner().(SynBody)
	if !ok {
		t.Fatalf("expected SynBody, got %T", frame.Inner())
	}
	if syn.Flags() != wantTruncated {
		t.Fatalf("expected truncated flags %x, got %x", wantTruncated, syn.Flags())
	}

	reenc := pkt.ToBytes()
	gotFlags := uint16(reenc[7])<<8 | uint16(reenc[8])
	if PacketFlags(gotFlags) != wantTruncated {
		t.Fatalf("re-encoded flags %x, want %x", gotFlags, wantTruncated)
	}
}

// Property 4: hex-part padding/trim.
func TestHexPartPaddingTrim(t *testing.T) {
	x := bytes.Repeat([]byte{3}, 15)
	y := bytes.Repeat([]byte{4}, 16)
	enc := NewEncBody(0, EncInit{PublicKeyX: x, PublicKeyY: y})
	frame := NewSessionBodyFrame(1, enc)
	pkt := NewPacket(1, Session(frame))

	decoded, err := Decode(pkt.ToBytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	df, _ := decoded.Body().SessionFrame()
	decEnc, ok := df.Inner().(EncBody)
	if !ok {
		t.Fatalf("expected EncBody, got %T", df.Inner())
	}
	init, ok := decEnc.Variant().(EncInit)
	if !ok {
		t.Fatalf("expected EncInit, got %T", decEnc.Variant())
	}
	if !bytes.Equal(init.PublicKeyX, x) {
		t.Fatalf("x mismatch: got % x, want % x", init.PublicKeyX, x)
	}
	if !bytes.Equal(init.PublicKeyY, y) {
		t.Fatalf("y mismatch: got % x, want % x", init.PublicKeyY, y)
	}
}

// Property 5: session framing presence/absence.
func TestSessionFramingPresence(t *testing.T) {
	synPkt := NewPacket(1, Session(NewSessionBodyFrame(42, NewSynBody(1, false, false))))
	if _, ok := synPkt.Body().SessionFrame(); !ok {
		t.Fatalf("expected SYN to be session-framed")
	}

	pingPkt := NewPacket(1, Ping(NewPingBody(1, "x")))
	if _, ok := pingPkt.Body().SessionFrame(); ok {
		t.Fatalf("expected PING to not be session-framed")
	}
	if !pingPkt.Body().IsPing() {
		t.Fatalf("expected IsPing true")
	}
}

func TestDecodeUnknownKindStrictRejected(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x7A, 0x00, 0x01}
	_, err := Decode(raw)
	if err == nil {
		t.Fatalf("expected error decoding unknown kind")
	}
	de, ok := err.(*DecodeError)
	if !ok || de.Kind != ErrUnknownKind {
		t.Fatalf("expected ErrUnknownKind, got %#v", err)
	}
}

func TestDecodeLenientPreservesUnknownKind(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x7A, 0x00, 0x01, 0xDE, 0xAD}
	pkt, err := DecodeLenient(raw)
	if err != nil {
		t.Fatalf("lenient decode: %v", err)
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		t.Fatalf("expected lenient decode to preserve session framing")
	}
	lazy, ok := frame.Inner().(SessionBodyBytes)
	if !ok {
		t.Fatalf("expected SessionBodyBytes, got %T", frame.Inner())
	}
	if !lazy.Kind().IsOther() || lazy.Kind().Byte() != 0x7A {
		t.Fatalf("unexpected lazy kind: %v", lazy.Kind())
	}
	if !bytes.Equal(lazy.Raw(), []byte{0xDE, 0xAD}) {
		t.Fatalf("unexpected lazy raw bytes: % x", lazy.Raw())
	}
	if _, err := lazy.Decode(); err == nil {
		t.Fatalf("expected Decode of still-unknown kind to fail")
	}
}

func TestPeekSessionID(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x00, 0x00, 0x2A, 0x00, 0x01}
	id, err := PeekSessionID(raw)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if id != 0x2A {
		t.Fatalf("got %d, want 42", id)
	}
	if _, err := PeekSessionID(raw[:3]); err == nil {
		t.Fatalf("expected error on truncated input")
	}
}
