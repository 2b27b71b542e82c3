package conn

import (
	"errors"
	"fmt"

	"dnscat2proto/pkg/protocol"
)

// ErrTimeout is the distinguished transport error that drives handshake
// retry. A Transport signals a per-exchange timeout by returning this
// error (or one that wraps it, checked with errors.Is).
var ErrTimeout = errors.New("conn: transport timeout")

// ErrUnimplemented marks an extension point the reference implementation
// never defines. ClientEncryptionHandshake is the sole current use.
var ErrUnimplemented = errors.New("conn: unimplemented")

// ErrEncryptionMismatch is returned by ClientHandshake when the server's
// SYN ENCRYPTED flag disagrees with the connection's encrypted intent.
var ErrEncryptionMismatch = errors.New("conn: encryption mismatch")

// UnexpectedBodyError is returned by ClientHandshake when the reply to a
// SYN does not itself decode to a session-framed SYN body.
type UnexpectedBodyError struct {
	Body protocol.SupportedBody
}

func (e *UnexpectedBodyError) Error() string {
	return fmt.Sprintf("conn: unexpected reply body of kind %s", e.Body.Kind())
}
