// Package controller implements the session controller: round-robin
// dispatch across active sessions, retransmit-based eviction, and
// Prometheus metrics for session/packet throughput.
package controller

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"dnscat2proto/pkg/protocol"
	"dnscat2proto/pkg/session"
)

var MaxRetransmits = 20

var (
	openSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "dnscat2proto",
		Name:      "open_sessions",
		Help:      "Number of sessions that have not been shut down.",
	})
	packetsIn = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dnscat2proto",
		Name:      "packets_in_total",
		Help:      "Total packets routed to a session via DataIncoming.",
	})
	packetsOut = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "dnscat2proto",
		Name:      "packets_out_total",
		Help:      "Total packets produced by GetOutgoing.",
	})
)

// Registry is the Prometheus registry this package's metrics are
// registered to. Callers that expose a /metrics endpoint can pull it in
// directly, or register it with their own registry's Collectors().
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(openSessions, packetsIn, packetsOut)
}

// Controller manages a set of sessions, dispatching incoming packets to
// the session they belong to and round-robining outgoing transmission
// opportunities across active sessions.
type Controller struct {
	sessions     []*session.Session
	currentIndex int
	log          *zap.Logger
	mu           sync.Mutex
}

// New constructs a controller. If logger is nil, a no-op logger is used.
func New(logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{log: logger}
}

// globalController backs the package-level convenience functions, kept
// for compatibility with callers that don't need more than one
// controller instance.
var globalController = New(nil)

// AddSession registers s with the global controller.
func AddSession(s *session.Session) {
	globalController.AddSession(s)
}

// AddSession registers s with c.
func (c *Controller) AddSession(s *session.Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
	openSessions.Inc()
}

// OpenSessionCount returns the number of non-shutdown sessions in the
// global controller.
func OpenSessionCount() int {
	return globalController.OpenSessionCount()
}

// OpenSessionCount returns the number of non-shutdown sessions.
func (c *Controller) OpenSessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, s := range c.sessions {
		if !s.IsShutdown() {
			count++
		}
	}
	return count
}

func (c *Controller) getByID(sessionID protocol.SessionID) *session.Session {
	for _, s := range c.sessions {
		if s.ID == sessionID {
			return s
		}
	}
	return nil
}

func (c *Controller) getNextActive() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.sessions) == 0 {
		return nil
	}

	startIndex := c.currentIndex
	for {
		c.currentIndex = (c.currentIndex + 1) % len(c.sessions)
		s := c.sessions[c.currentIndex]
		if !s.IsShutdown() {
			return s
		}
		if c.currentIndex == startIndex {
			break
		}
	}
	return nil
}

// DataIncoming routes raw packet bytes to the owning session on the
// global controller.
func DataIncoming(data []byte) bool {
	return globalController.DataIncoming(data)
}

// DataIncoming routes raw packet bytes to the session named by the
// packet's session id. It uses protocol.DecodeLazy rather than a full
// Decode: an encrypted session's body bytes are still ciphertext at
// this point, so the router only reads the header and session id and
// defers the body parse to the owning session, which decrypts first.
func (c *Controller) DataIncoming(data []byte) bool {
	pkt, err := protocol.DecodeLazy(data)
	if err != nil {
		c.log.Debug("lazy decode for routing", zap.Error(err))
		return false
	}
	frame, ok := pkt.Body().SessionFrame()
	if !ok {
		c.log.Warn("received non-session packet", zap.String("kind", pkt.Kind().String()))
		return false
	}
	sessionID := frame.SessionID()

	c.mu.Lock()
	s := c.getByID(sessionID)
	c.mu.Unlock()

	if s == nil {
		c.log.Warn("packet for unknown session", zap.Uint16("session_id", sessionID), zap.Stringer("kind", frame.Kind()))
		return false
	}

	packetsIn.Inc()
	return s.DataIncoming(data)
}

// GetOutgoing returns outgoing data from the next active session on the
// global controller. Return shape: (nil, false) no active sessions;
// (nil, true) sessions exist but none have data ready; (data, true)
// data to send.
func GetOutgoing(maxLength int) ([]byte, bool) {
	return globalController.GetOutgoing(maxLength)
}

// GetOutgoing is the Controller method backing the package-level
// GetOutgoing.
func (c *Controller) GetOutgoing(maxLength int) ([]byte, bool) {
	s := c.getNextActive()
	if s == nil {
		return nil, false
	}
	data := s.GetOutgoing(maxLength)
	if data != nil {
		packetsOut.Inc()
	}
	return data, true
}

func (c *Controller) killIgnoredSessions() {
	if MaxRetransmits < 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, s := range c.sessions {
		if !s.IsShutdown() && s.MissedTransmissions > MaxRetransmits {
			c.log.Info("session unresponsive, closing",
				zap.Uint16("session_id", s.ID),
				zap.Int("missed", s.MissedTransmissions-1))
			s.Kill()
			openSessions.Dec()
		}
	}
}

// KillAllSessions kills every session in the global controller.
func KillAllSessions() {
	globalController.KillAllSessions()
}

// KillAllSessions kills every non-shutdown session.
func (c *Controller) KillAllSessions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if !s.IsShutdown() {
			s.Kill()
			openSessions.Dec()
		}
	}
}

// Heartbeat runs periodic maintenance (retransmit-based eviction) on
// the global controller. Callers should invoke it on a ticker.
func Heartbeat() {
	globalController.Heartbeat()
}

// Heartbeat runs periodic maintenance (retransmit-based eviction).
func (c *Controller) Heartbeat() {
	c.killIgnoredSessions()
}

// SetMaxRetransmits sets the missed-transmission eviction threshold.
func SetMaxRetransmits(retransmits int) {
	MaxRetransmits = retransmits
}

// Destroy tears down every session in the global controller.
func Destroy() {
	globalController.Destroy()
}

// Destroy tears down every session, closing its driver.
func (c *Controller) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.sessions {
		if !s.IsShutdown() {
			s.Kill()
		}
		s.Destroy()
	}
	c.sessions = nil
}
