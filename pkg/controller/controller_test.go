package controller

import (
	"testing"

	"dnscat2proto/pkg/session"
)

// stubDriver is a minimal driver.Driver implementation (satisfied
// structurally) that never produces data and never shuts down, so a
// session built around it stays active for round-robin tests.
type stubDriver struct {
	outgoingCalls int
}

func (d *stubDriver) DataReceived(data []byte) {}
func (d *stubDriver) GetOutgoing(maxLength int) []byte {
	d.outgoingCalls++
	return []byte{}
}
func (d *stubDriver) Close()          {}
func (d *stubDriver) IsClosed() bool  { return false }

func newTestSession(t *testing.T, name string) (*session.Session, *stubDriver) {
	t.Helper()
	prevEncryption := session.DoEncryption
	session.DoEncryption = false
	t.Cleanup(func() { session.DoEncryption = prevEncryption })

	s, err := session.New(name, nil)
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	d := &stubDriver{}
	s.Driver = d
	return s, d
}

func TestAddSessionIncrementsOpenCount(t *testing.T) {
	c := New(nil)
	s, _ := newTestSession(t, "a")
	c.AddSession(s)

	if got := c.OpenSessionCount(); got != 1 {
		t.Fatalf("OpenSessionCount() = %d, want 1", got)
	}
}

func TestGetNextActiveRoundRobins(t *testing.T) {
	c := New(nil)
	s1, _ := newTestSession(t, "a")
	s2, _ := newTestSession(t, "b")
	c.AddSession(s1)
	c.AddSession(s2)

	seen := map[*session.Session]int{}
	for i := 0; i < 4; i++ {
		s := c.getNextActive()
		if s == nil {
			t.Fatalf("getNextActive returned nil on iteration %d", i)
		}
		seen[s]++
	}

	if seen[s1] != 2 || seen[s2] != 2 {
		t.Fatalf("round robin did not alternate evenly: %v", seen)
	}
}

func TestGetNextActiveSkipsShutdownSessions(t *testing.T) {
	c := New(nil)
	s1, _ := newTestSession(t, "a")
	s2, _ := newTestSession(t, "b")
	c.AddSession(s1)
	c.AddSession(s2)

	s1.Kill()

	for i := 0; i < 3; i++ {
		s := c.getNextActive()
		if s != s2 {
			t.Fatalf("iteration %d: expected the non-shutdown session, got %v", i, s)
		}
	}
}

func TestGetNextActiveNoSessions(t *testing.T) {
	c := New(nil)
	if s := c.getNextActive(); s != nil {
		t.Fatalf("expected nil with no sessions, got %v", s)
	}
}

func TestKillIgnoredSessionsEvictsOnMissedTransmissions(t *testing.T) {
	c := New(nil)
	s, _ := newTestSession(t, "a")
	c.AddSession(s)

	prev := MaxRetransmits
	MaxRetransmits = 5
	t.Cleanup(func() { MaxRetransmits = prev })

	s.MissedTransmissions = MaxRetransmits + 1
	c.Heartbeat()

	if !s.IsShutdown() {
		t.Fatalf("expected session to be killed after exceeding MaxRetransmits")
	}
}

func TestKillIgnoredSessionsDisabledWhenNegative(t *testing.T) {
	c := New(nil)
	s, _ := newTestSession(t, "a")
	c.AddSession(s)

	prev := MaxRetransmits
	MaxRetransmits = -1
	t.Cleanup(func() { MaxRetransmits = prev })

	s.MissedTransmissions = 1_000_000
	c.Heartbeat()

	if s.IsShutdown() {
		t.Fatalf("expected eviction to be disabled when MaxRetransmits is negative")
	}
}

func TestDataIncomingTooShortPacket(t *testing.T) {
	c := New(nil)
	if c.DataIncoming([]byte{0x00, 0x01}) {
		t.Fatalf("expected false for an unroutable/too-short packet")
	}
}

func TestKillAllSessions(t *testing.T) {
	c := New(nil)
	s1, _ := newTestSession(t, "a")
	s2, _ := newTestSession(t, "b")
	c.AddSession(s1)
	c.AddSession(s2)

	c.KillAllSessions()

	if !s1.IsShutdown() || !s2.IsShutdown() {
		t.Fatalf("expected all sessions shut down")
	}
	if got := c.OpenSessionCount(); got != 0 {
		t.Fatalf("OpenSessionCount() = %d, want 0", got)
	}
}
