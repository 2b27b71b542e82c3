package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"dnscat2proto/pkg/conn"
)

// Handshake drives the SYN (and, if encryption is enabled, ENC) exchange
// synchronously over transport before the session's polling-based data
// stream begins. It adapts pkg/conn's blocking request/reply model —
// built for a transport like pkg/transport/dns that can do one
// synchronous DNS exchange per call — to this package's own state: on
// success the session is left in StateEstablished with its peer sequence
// number, negotiated session name and command flag already reconciled,
// ready for GetOutgoing/DataIncoming to carry the ongoing MSG/FIN stream
// over a polling transport such as pkg/tunnel/dns.
//
// preferServerName is passed straight through to conn.ClientHandshake:
// true lets the server's session name win even if we proposed one of our
// own.
func (s *Session) Handshake(ctx context.Context, transport conn.Transport, preferServerName bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := conn.New(s.ID, s.MySeq, transport)
	c.Command = s.IsCommand
	c.HasName = s.Name != ""
	c.SessName = s.Name

	if s.Encryptor != nil {
		c.Encrypted = true
		c.Encryption = s.Encryptor
	}

	if err := conn.ClientHandshake(ctx, c, preferServerName); err != nil {
		return fmt.Errorf("session: handshake: %w", err)
	}

	s.Name = c.SessName
	s.IsCommand = c.Command
	s.TheirSeq = c.PeerSeq
	s.State = StateEstablished
	s.MissedTransmissions = 0
	s.LastTransmit = time.Time{}

	s.log.Info("handshake complete", zap.String("name", s.Name), zap.Uint16("peer_seq", s.TheirSeq))
	return nil
}
