package conn

import (
	"context"
	"errors"

	"dnscat2proto/pkg/protocol"
)

// ClientHandshake drives the client side of the SYN exchange on c,
// retrying on ErrTimeout up to c.RecvMaxRetry total attempts. On
// success it reconciles c's SessName, Command and PeerSeq fields from
// the server's SYN and returns nil.
//
// If c.Encrypted is true, ClientEncryptionHandshake is invoked first;
// callers with Encrypted=false never reach it. c.RecvMaxRetry must be
// at least 1.
func ClientHandshake(ctx context.Context, c *Connection, preferServerName bool) error {
	if c.Encrypted {
		if err := c.Encryption.ClientEncryptionHandshake(ctx, c); err != nil {
			return err
		}
	}

	serverSyn, err := handshakeLoop(ctx, c)
	if err != nil {
		return err
	}

	if name, ok := serverSyn.SessionName(); ok && (!c.HasName || preferServerName) {
		c.SessName = name
		c.HasName = true
	}
	c.Command = serverSyn.Flags().Contains(protocol.FlagCommand)
	if c.Encrypted != serverSyn.Flags().Contains(protocol.FlagEncrypted) {
		return ErrEncryptionMismatch
	}
	c.PeerSeq = serverSyn.InitialSequence()
	return nil
}

func handshakeLoop(ctx context.Context, c *Connection) (protocol.SynBody, error) {
	maxRetry := c.RecvMaxRetry
	if maxRetry < 1 {
		maxRetry = 1
	}
	for attempt := uint32(1); ; attempt++ {
		clientSyn := protocol.NewSynBody(c.SelfSeq, c.Command, c.Encrypted)
		if c.HasName {
			clientSyn.SetSessionName(c.SessName)
		}

		raw, err := c.sendPacket(ctx, clientSyn)
		if err == nil {
			body, decErr := recvSessionBody(raw)
			if decErr != nil {
				return protocol.SynBody{}, decErr
			}
			syn, ok := body.(protocol.SynBody)
			if !ok {
				return protocol.SynBody{}, &UnexpectedBodyError{Body: protocol.Session(protocol.NewSessionBodyFrame(c.sessionID, body))}
			}
			return syn, nil
		}

		if !errors.Is(err, ErrTimeout) {
			return protocol.SynBody{}, err
		}
		if attempt >= maxRetry {
			return protocol.SynBody{}, ErrTimeout
		}
	}
}
