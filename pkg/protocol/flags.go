package protocol

// PacketFlags is the SYN-only option bitfield. Unknown bits are
// truncated (ignored) on decode and are never emitted on encode.
type PacketFlags uint16

const (
	// FlagName marks a SYN packet as carrying a session name field.
	FlagName PacketFlags = 0x0001
	// FlagTunnel is deprecated; retained only so a decoded value can be
	// inspected for legacy-peer observability. No constructor in this
	// package sets it; a decoded SYN that carries it re-encodes with it.
	FlagTunnel PacketFlags = 0x0002
	// FlagDatagram is deprecated; see FlagTunnel.
	FlagDatagram PacketFlags = 0x0004
	// FlagDownload is deprecated; see FlagTunnel.
	FlagDownload PacketFlags = 0x0008
	// FlagChunkedDownload is deprecated; see FlagTunnel.
	FlagChunkedDownload PacketFlags = 0x0010
	// FlagCommand marks a session as tunneling command-protocol
	// messages rather than a raw byte stream.
	FlagCommand PacketFlags = 0x0020
	// FlagEncrypted marks a session as negotiating/using encryption.
	FlagEncrypted PacketFlags = 0x0040

	// knownFlags is the set of bits the encoder is permitted to emit.
	knownFlags = FlagName | FlagTunnel | FlagDatagram | FlagDownload |
		FlagChunkedDownload | FlagCommand | FlagEncrypted
)

// Contains reports whether all bits of other are set in f.
func (f PacketFlags) Contains(other PacketFlags) bool {
	return f&other == other
}

// truncated clears any bit outside the defined flag set.
func (f PacketFlags) truncated() PacketFlags {
	return f & knownFlags
}
