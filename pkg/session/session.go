// Package session implements dnscat2 session management: the
// client-side state machine that carries one session across its
// encryption handshake, SYN, and the MSG/FIN data stream, independent
// of the transport carrying it.
package session

import (
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"dnscat2proto/pkg/crypto"
	"dnscat2proto/pkg/driver"
	"dnscat2proto/pkg/protocol"
)

// packetIDCounter is a process-wide monotonic source for the
// correlation id the transport echoes back; sessions don't interpret
// this value themselves.
var packetIDCounter uint32

func nextPacketID() protocol.PacketID {
	return protocol.PacketID(atomic.AddUint32(&packetIDCounter, 1))
}

// State is a session's position in the handshake/data-stream lifecycle.
type State int

const (
	StateBeforeInit State = iota
	StateBeforeAuth
	StateNew
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateBeforeInit:
		return "BEFORE_INIT"
	case StateBeforeAuth:
		return "BEFORE_AUTH"
	case StateNew:
		return "NEW"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "Unknown"
	}
}

// Global settings, mirroring the reference client's process-wide knobs.
var (
	PacketDelay           = 1000 * time.Millisecond
	TransmitInstantOnData = true
	DoEncryption          = true
	PresharedSecret       = ""
)

// Session is the client-side state of one session: sequence numbers,
// handshake progress, the sliding send buffer, and the driver that
// produces/consumes the tunneled byte stream.
type Session struct {
	ID       protocol.SessionID
	State    State
	TheirSeq protocol.Sequence
	MySeq    protocol.Sequence
	Name     string
	IsCommand bool
	IsPing    bool

	Driver         driver.Driver
	OutgoingBuffer []byte // sliding window: bytes stay until acked

	Encryptor    *crypto.Encryptor
	NewEncryptor *crypto.Encryptor

	LastTransmit        time.Time
	MissedTransmissions int
	isShutdown          bool

	log *zap.Logger
	mu  sync.Mutex
}

// New creates a new session. If logger is nil, a no-op logger is used.
func New(name string, logger *zap.Logger) (*Session, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		ID:             protocol.SessionID(rand.Intn(0xFFFF)),
		MySeq:          protocol.Sequence(rand.Intn(0xFFFF)),
		OutgoingBuffer: make([]byte, 0),
		log:            logger,
	}

	if DoEncryption {
		s.State = StateBeforeInit
		enc, err := crypto.NewEncryptor(PresharedSecret)
		if err != nil {
			return nil, fmt.Errorf("session: create encryptor: %w", err)
		}
		s.Encryptor = enc
	} else {
		s.State = StateNew
	}

	if name != "" {
		hostname, _ := os.Hostname()
		s.Name = fmt.Sprintf("%s (%s)", name, hostname)
	}

	s.log = s.log.With(zap.Uint16("session_id", s.ID))
	return s, nil
}

// NewConsoleSession creates a session with a console driver.
func NewConsoleSession(name string, logger *zap.Logger) (*Session, error) {
	s, err := New(name, logger)
	if err != nil {
		return nil, err
	}
	s.Driver = driver.NewConsoleDriver(s.log)
	return s, nil
}

// NewExecSession creates a session with an exec driver.
func NewExecSession(name, process string, logger *zap.Logger) (*Session, error) {
	s, err := New(name, logger)
	if err != nil {
		return nil, err
	}
	d, err := driver.NewExecDriver(process, s.log)
	if err != nil {
		return nil, err
	}
	s.Driver = d
	return s, nil
}

// NewPingSession creates a session with a ping driver.
func NewPingSession(name string, logger *zap.Logger) (*Session, error) {
	s, err := New(name, logger)
	if err != nil {
		return nil, err
	}
	s.Driver = driver.NewPingDriver(s.log)
	s.IsPing = true
	return s, nil
}

func (s *Session) shouldEncrypt() bool {
	return DoEncryption && s.State != StateBeforeInit
}

func (s *Session) canTransmitYet() bool {
	return time.Since(s.LastTransmit) > PacketDelay
}

func (s *Session) pollDriverForData() {
	data := s.Driver.GetOutgoing(-1)
	if data == nil {
		if len(s.OutgoingBuffer) == 0 {
			s.Kill()
		}
	} else if len(data) > 0 {
		s.OutgoingBuffer = append(s.OutgoingBuffer, data...)
	}
}

// GetOutgoing returns the next packet this session wants to send, or
// nil if it has nothing to send right now.
func (s *Session) GetOutgoing(maxLength int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pollDriverForData()

	if !s.canTransmitYet() {
		return nil
	}

	if s.shouldEncrypt() {
		maxLength -= crypto.HeaderLength + 2 + crypto.SignatureLength
		if maxLength <= 0 {
			s.log.Error("not enough room in this transport to encrypt packets")
			return nil
		}
	}

	var body protocol.SessionBody
	var pingData string
	isPingPacket := false

	switch {
	case s.IsPing:
		isPingPacket = true
		dataLen := min(len(s.OutgoingBuffer), maxLength)
		pingData = string(s.OutgoingBuffer[:dataLen])

	case s.State == StateBeforeInit:
		body = s.Encryptor.WireInitBody(0)

	case s.State == StateBeforeAuth:
		body = s.Encryptor.WireAuthBody(0)

	case s.State == StateNew:
		syn := protocol.NewSynBody(s.MySeq, s.IsCommand, s.shouldEncrypt())
		if s.Name != "" {
			syn.SetSessionName(s.Name)
		}
		body = syn

	case s.State == StateEstablished:
		if s.shouldEncrypt() && s.Encryptor.ShouldRenegotiate() {
			if s.NewEncryptor != nil {
				s.log.Info("waiting for server to respond to renegotiation request")
				return nil
			}
			s.log.Info("session is old, renegotiating encryption keys")
			enc, err := crypto.NewEncryptor(PresharedSecret)
			if err != nil {
				s.log.Error("create new encryptor for renegotiation", zap.Error(err))
				return nil
			}
			s.NewEncryptor = enc
			body = s.NewEncryptor.WireInitBody(0)
		} else {
			dataLen := min(len(s.OutgoingBuffer), maxLength)
			data := make([]byte, dataLen)
			copy(data, s.OutgoingBuffer[:dataLen])

			if len(data) == 0 && s.isShutdown {
				body = protocol.NewFinBody("Stream closed")
			} else {
				body = protocol.NewMsgBody(s.MySeq, s.TheirSeq, data)
			}
		}
	}

	var pkt protocol.Packet
	if isPingPacket {
		pkt = protocol.NewPacket(nextPacketID(), protocol.Ping(protocol.NewPingBody(0, pingData)))
	} else if body != nil {
		frame := protocol.NewSessionBodyFrame(s.ID, body)
		pkt = protocol.NewPacket(nextPacketID(), protocol.Session(frame))
	} else {
		return nil
	}

	packetBytes := pkt.ToBytes()

	if s.shouldEncrypt() {
		encrypted, err := s.Encryptor.Encrypt(packetBytes)
		if err != nil {
			s.log.Error("encrypt outgoing packet", zap.Error(err))
			return nil
		}
		packetBytes = s.Encryptor.Sign(encrypted)
	}

	s.LastTransmit = time.Now()
	s.MissedTransmissions++

	return packetBytes
}

// DataIncoming processes one packet's worth of raw bytes received from
// the server and reports whether a reply should be sent right away.
func (s *Session) DataIncoming(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pollDriverForData()

	packetData := make([]byte, len(data))
	copy(packetData, data)

	if s.shouldEncrypt() {
		signed, ok := s.Encryptor.CheckSignature(packetData)
		if !ok {
			s.log.Debug("signature check failed", zap.Int("len", len(data)))
			return false
		}
		decrypted, err := s.Encryptor.Decrypt(signed)
		if err != nil {
			s.log.Debug("decryption error", zap.Error(err))
			return false
		}
		packetData = decrypted
	}

	pkt, err := protocol.Decode(packetData)
	if err != nil {
		s.log.Debug("packet decode error", zap.Error(err))
		return false
	}

	if s.IsPing && pkt.Body().IsPing() {
		ping, _ := pkt.Body().PingBody()
		s.Driver.DataReceived([]byte(ping.Data()))
		return true
	}

	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		s.log.Warn("received non-session body outside ping mode", zap.String("kind", pkt.Kind().String()))
		return false
	}

	switch body := frame.Inner().(type) {
	case protocol.SynBody:
		return s.handleSYN(body)
	case protocol.MsgBody:
		return s.handleMSG(body)
	case protocol.FinBody:
		return s.handleFIN(body)
	case protocol.EncBody:
		return s.handleENC(body)
	default:
		s.log.Warn("received illegal packet type", zap.String("kind", pkt.Kind().String()))
		return false
	}
}

func (s *Session) handleSYN(syn protocol.SynBody) bool {
	if s.State != StateNew {
		s.log.Warn("received SYN in unexpected state", zap.Stringer("state", s.State))
		return false
	}
	s.TheirSeq = syn.InitialSequence()
	s.MissedTransmissions = 0
	s.State = StateEstablished
	s.log.Info("session established")
	return true
}

func (s *Session) handleMSG(msg protocol.MsgBody) bool {
	if s.State != StateEstablished {
		s.log.Warn("received MSG in unexpected state", zap.Stringer("state", s.State))
		return false
	}

	sendRightAway := false

	if msg.Seq() != s.TheirSeq {
		s.log.Warn("bad sequence number", zap.Uint16("expected", s.TheirSeq), zap.Uint16("got", msg.Seq()))
		return false
	}

	bytesAcked := (msg.Ack() - s.MySeq) & 0xFFFF
	if int(bytesAcked) > len(s.OutgoingBuffer) {
		s.log.Warn("bad ack", zap.Uint16("acked", bytesAcked), zap.Int("buffered", len(s.OutgoingBuffer)))
		return false
	}

	s.MissedTransmissions = 0
	if bytesAcked > 0 && TransmitInstantOnData {
		s.LastTransmit = time.Time{}
		sendRightAway = true
	}

	s.TheirSeq = (s.TheirSeq + protocol.Sequence(len(msg.Data()))) & 0xFFFF

	if bytesAcked > 0 {
		s.OutgoingBuffer = s.OutgoingBuffer[bytesAcked:]
		s.MySeq = (s.MySeq + bytesAcked) & 0xFFFF
	}

	if len(msg.Data()) > 0 {
		s.Driver.DataReceived(msg.Data())
		s.LastTransmit = time.Time{}
	}

	return sendRightAway
}

func (s *Session) handleFIN(fin protocol.FinBody) bool {
	s.log.Info("received FIN, closing session", zap.String("reason", fin.Reason()))
	s.LastTransmit = time.Time{}
	s.MissedTransmissions = 0
	s.Kill()
	return true
}

func (s *Session) handleENC(enc protocol.EncBody) bool {
	switch s.State {
	case StateBeforeInit:
		init, ok := enc.Variant().(protocol.EncInit)
		if !ok {
			s.log.Error("expected ENC INIT, got different variant")
			return false
		}
		if err := s.Encryptor.SetTheirWireKey(init.PublicKeyX, init.PublicKeyY); err != nil {
			s.log.Error("derive shared secret", zap.Error(err))
			return false
		}
		if PresharedSecret != "" {
			s.State = StateBeforeAuth
		} else {
			s.State = StateNew
			s.log.Info("encrypted session established", zap.String("sas", s.Encryptor.PrintSAS()))
			s.log.Debug("session key material", s.Encryptor.Fields()...)
		}
		return true

	case StateBeforeAuth:
		auth, ok := enc.Variant().(protocol.EncAuth)
		if !ok {
			s.log.Error("expected ENC AUTH, got different variant")
			return false
		}
		if !s.Encryptor.CheckTheirWireAuthenticator(auth.Authenticator) {
			s.log.Error("peer authenticator mismatch")
			return false
		}
		s.log.Info("peer verified with preshared secret")
		s.State = StateNew
		return true

	case StateEstablished:
		if s.NewEncryptor == nil {
			s.log.Warn("unexpected renegotiation from peer")
			return false
		}
		init, ok := enc.Variant().(protocol.EncInit)
		if !ok {
			s.log.Error("expected ENC INIT for renegotiation, got different variant")
			return false
		}
		if err := s.NewEncryptor.SetTheirWireKey(init.PublicKeyX, init.PublicKeyY); err != nil {
			s.log.Error("derive shared secret for renegotiation", zap.Error(err))
			return false
		}
		s.log.Info("renegotiation complete, switching to new keys")
		s.Encryptor = s.NewEncryptor
		s.NewEncryptor = nil
		return true

	default:
		s.log.Error("received ENC packet in unexpected state", zap.Stringer("state", s.State))
		return false
	}
}

// Kill marks the session for shutdown.
func (s *Session) Kill() {
	if s.isShutdown {
		return
	}
	s.isShutdown = true
	s.Driver.Close()
}

// IsShutdown reports whether the session has been killed.
func (s *Session) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isShutdown
}

// Destroy tears the session down, closing its driver if not already
// shut down.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isShutdown {
		s.isShutdown = true
		s.Driver.Close()
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
