package protocol

import (
	"bytes"

	"dnscat2proto/pkg/parse"
)

// SynBody is the body of a SYN packet: the client or server's initial
// sequence number, option flags, and an optional session name.
//
// Invariant: sessName is non-empty if and only if flags has FlagName
// set.
type SynBody struct {
	initSeq  Sequence
	flags    PacketFlags
	sessName string
}

// NewSynBody constructs a SYN body with the given initial sequence and
// command/encrypted intent. No session name is set.
func NewSynBody(initSeq Sequence, command, encrypted bool) SynBody {
	var flags PacketFlags
	if command {
		flags |= FlagCommand
	}
	if encrypted {
		flags |= FlagEncrypted
	}
	return SynBody{initSeq: initSeq, flags: flags}
}

// InitialSequence returns the packet's initial sequence number.
func (s SynBody) InitialSequence() Sequence { return s.initSeq }

// Flags returns the packet's option flags.
func (s SynBody) Flags() PacketFlags { return s.flags }

// HasSessionName reports whether the NAME flag is set.
func (s SynBody) HasSessionName() bool { return s.flags.Contains(FlagName) }

// SessionName returns the session name and true if HasSessionName, else
// "" and false.
func (s SynBody) SessionName() (string, bool) {
	if !s.HasSessionName() {
		return "", false
	}
	return s.sessName, true
}

// SetSessionName sets the session name field and the NAME flag.
//
// Panics if name is empty: this is a library-misuse trap, not a runtime
// error a caller is expected to recover from.
func (s *SynBody) SetSessionName(name string) {
	if name == "" {
		panic("protocol: SetSessionName requires a nonempty name")
	}
	s.flags |= FlagName
	s.sessName = name
}

// Kind returns KindSYN.
func (s SynBody) Kind() PacketKind { return KindSYN }

// Encode writes the SYN body (init_seq, flags, optional name) to out.
func (s SynBody) Encode(out *bytes.Buffer) {
	out.WriteByte(byte(s.initSeq >> 8))
	out.WriteByte(byte(s.initSeq))
	flags := s.flags.truncated()
	out.WriteByte(byte(flags >> 8))
	out.WriteByte(byte(flags))
	if flags.Contains(FlagName) {
		out.WriteString(s.sessName)
		out.WriteByte(0)
	}
}

func decodeSynBody(c *parse.Cursor) (SynBody, error) {
	initSeq, err := parse.BeU16(c)
	if err != nil {
		return SynBody{}, wrapParseError(err)
	}
	rawFlags, err := parse.BeU16(c)
	if err != nil {
		return SynBody{}, wrapParseError(err)
	}
	flags := PacketFlags(rawFlags).truncated()
	s := SynBody{initSeq: initSeq, flags: flags}
	if flags.Contains(FlagName) {
		name, err := parse.NTString(c)
		if err != nil {
			return SynBody{}, wrapParseError(err)
		}
		s.sessName = name
	}
	return s, nil
}
