// Package command implements the command-tunnel protocol carried inside
// a dnscat2 session's MSG byte stream: a length-prefixed, request/
// response packet format used to drive shell/exec sessions, file
// transfer and TCP tunneling once the underlying session is established.
package command

import (
	"bytes"
	"fmt"

	"dnscat2proto/pkg/parse"
)

// CommandKind discriminates the command-tunnel packet family.
type CommandKind uint16

const (
	CommandPing     CommandKind = 0x0000
	CommandShell    CommandKind = 0x0001
	CommandExec     CommandKind = 0x0002
	CommandDownload CommandKind = 0x0003
	CommandUpload   CommandKind = 0x0004
	CommandShutdown CommandKind = 0x0005
	CommandDelay    CommandKind = 0x0006

	TunnelConnect CommandKind = 0x1000
	TunnelData    CommandKind = 0x1001
	TunnelClose   CommandKind = 0x1002

	CommandError CommandKind = 0xFFFF
)

// TunnelStatusFail marks a TunnelConnect response as a failed connect
// attempt.
const TunnelStatusFail uint16 = 0x8000

// requestIDMask strips the request/response discriminant bit the wire
// packs into the high bit of the 16-bit request id.
const requestIDMask = 0x7FFF
const responseBit = 0x8000

// Packet is one command-tunnel packet: a request id, a kind, and
// exactly one of the kind-specific request or response bodies below.
type Packet struct {
	RequestID uint16
	CommandID CommandKind
	IsRequest bool

	PingRequest          *PingRequest
	ShellRequest         *ShellRequest
	ExecRequest          *ExecRequest
	DownloadRequest      *DownloadRequest
	UploadRequest        *UploadRequest
	ShutdownRequest      *ShutdownRequest
	DelayRequest         *DelayRequest
	TunnelConnectRequest *TunnelConnectRequest
	TunnelDataRequest    *TunnelDataRequest
	TunnelCloseRequest   *TunnelCloseRequest
	ErrorRequest         *ErrorRequest

	PingResponse          *PingResponse
	ShellResponse         *ShellResponse
	ExecResponse          *ExecResponse
	DownloadResponse      *DownloadResponse
	UploadResponse        *UploadResponse
	ShutdownResponse      *ShutdownResponse
	DelayResponse         *DelayResponse
	TunnelConnectResponse *TunnelConnectResponse
	ErrorResponse         *ErrorResponse
}

type PingRequest struct{ Data string }
type ShellRequest struct{ Name string }
type ExecRequest struct {
	Name    string
	Command string
}
type DownloadRequest struct{ Filename string }
type UploadRequest struct {
	Filename string
	Data     []byte
}
type ShutdownRequest struct{}
type DelayRequest struct{ Delay uint32 }
type TunnelConnectRequest struct {
	Options uint32
	Host    string
	Port    uint16
}
type TunnelDataRequest struct {
	TunnelID uint32
	Data     []byte
}
type TunnelCloseRequest struct {
	TunnelID uint32
	Reason   string
}
type ErrorRequest struct {
	Status uint16
	Reason string
}

type PingResponse struct{ Data string }
type ShellResponse struct{ SessionID uint16 }
type ExecResponse struct{ SessionID uint16 }
type DownloadResponse struct{ Data []byte }
type UploadResponse struct{}
type ShutdownResponse struct{}
type DelayResponse struct{}
type TunnelConnectResponse struct {
	Status   uint16
	TunnelID uint32
}
type ErrorResponse struct {
	Status uint16
	Reason string
}

// ReadPacket reads one length-prefixed command packet off the front of
// buf, or (nil, nil) if buf does not yet hold a complete packet.
func ReadPacket(buf *bytes.Buffer) (*Packet, error) {
	if buf.Len() < 4 {
		return nil, nil
	}

	length := beU32(buf.Bytes()[:4])
	if length+4 < length {
		return nil, fmt.Errorf("command: length prefix overflow")
	}
	if uint32(buf.Len()) < length+4 {
		return nil, nil
	}

	buf.Next(4)
	body := make([]byte, length)
	buf.Read(body)

	return decodePacket(body)
}

func decodePacket(data []byte) (*Packet, error) {
	c := parse.NewCursor(data)

	packedID, err := parse.BeU16(c)
	if err != nil {
		return nil, fmt.Errorf("command: request id: %w", err)
	}
	kindRaw, err := parse.BeU16(c)
	if err != nil {
		return nil, fmt.Errorf("command: kind: %w", err)
	}

	p := &Packet{
		RequestID: packedID & requestIDMask,
		IsRequest: packedID&responseBit == 0,
		CommandID: CommandKind(kindRaw),
	}

	var decodeErr error
	switch p.CommandID {
	case CommandPing:
		if p.IsRequest {
			p.PingRequest, decodeErr = decodePingRequest(c)
		} else {
			p.PingResponse, decodeErr = decodePingResponse(c)
		}
	case CommandShell:
		if p.IsRequest {
			p.ShellRequest, decodeErr = decodeShellRequest(c)
		} else {
			p.ShellResponse, decodeErr = decodeShellResponse(c)
		}
	case CommandExec:
		if p.IsRequest {
			p.ExecRequest, decodeErr = decodeExecRequest(c)
		} else {
			p.ExecResponse, decodeErr = decodeExecResponse(c)
		}
	case CommandDownload:
		if p.IsRequest {
			p.DownloadRequest, decodeErr = decodeDownloadRequest(c)
		} else {
			p.DownloadResponse = &DownloadResponse{Data: append([]byte(nil), c.Remaining()...)}
		}
	case CommandUpload:
		if p.IsRequest {
			p.UploadRequest, decodeErr = decodeUploadRequest(c)
		} else {
			p.UploadResponse = &UploadResponse{}
		}
	case CommandShutdown:
		if p.IsRequest {
			p.ShutdownRequest = &ShutdownRequest{}
		} else {
			p.ShutdownResponse = &ShutdownResponse{}
		}
	case CommandDelay:
		if p.IsRequest {
			p.DelayRequest, decodeErr = decodeDelayRequest(c)
		} else {
			p.DelayResponse = &DelayResponse{}
		}
	case TunnelConnect:
		if p.IsRequest {
			p.TunnelConnectRequest, decodeErr = decodeTunnelConnectRequest(c)
		} else {
			p.TunnelConnectResponse, decodeErr = decodeTunnelConnectResponse(c)
		}
	case TunnelData:
		if p.IsRequest {
			p.TunnelDataRequest, decodeErr = decodeTunnelDataRequest(c)
		}
	case TunnelClose:
		if p.IsRequest {
			p.TunnelCloseRequest, decodeErr = decodeTunnelCloseRequest(c)
		}
	case CommandError:
		status, reason, err := decodeStatusReason(c)
		if err != nil {
			decodeErr = err
		} else if p.IsRequest {
			p.ErrorRequest = &ErrorRequest{Status: status, Reason: reason}
		} else {
			p.ErrorResponse = &ErrorResponse{Status: status, Reason: reason}
		}
	default:
		return nil, fmt.Errorf("command: unknown command_id: 0x%04x", uint16(p.CommandID))
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("command: decode 0x%04x body: %w", uint16(p.CommandID), decodeErr)
	}
	return p, nil
}

func decodePingRequest(c *parse.Cursor) (*PingRequest, error) {
	s, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &PingRequest{Data: s}, nil
}

func decodePingResponse(c *parse.Cursor) (*PingResponse, error) {
	s, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &PingResponse{Data: s}, nil
}

func decodeShellRequest(c *parse.Cursor) (*ShellRequest, error) {
	s, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &ShellRequest{Name: s}, nil
}

func decodeShellResponse(c *parse.Cursor) (*ShellResponse, error) {
	id, err := parse.BeU16(c)
	if err != nil {
		return nil, err
	}
	return &ShellResponse{SessionID: id}, nil
}

func decodeExecRequest(c *parse.Cursor) (*ExecRequest, error) {
	name, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	command, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &ExecRequest{Name: name, Command: command}, nil
}

func decodeExecResponse(c *parse.Cursor) (*ExecResponse, error) {
	id, err := parse.BeU16(c)
	if err != nil {
		return nil, err
	}
	return &ExecResponse{SessionID: id}, nil
}

func decodeDownloadRequest(c *parse.Cursor) (*DownloadRequest, error) {
	name, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &DownloadRequest{Filename: name}, nil
}

func decodeUploadRequest(c *parse.Cursor) (*UploadRequest, error) {
	name, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &UploadRequest{Filename: name, Data: append([]byte(nil), c.Remaining()...)}, nil
}

func decodeDelayRequest(c *parse.Cursor) (*DelayRequest, error) {
	b, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	return &DelayRequest{Delay: beU32(b)}, nil
}

func decodeTunnelConnectRequest(c *parse.Cursor) (*TunnelConnectRequest, error) {
	optBytes, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	host, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	port, err := parse.BeU16(c)
	if err != nil {
		return nil, err
	}
	return &TunnelConnectRequest{Options: beU32(optBytes), Host: host, Port: port}, nil
}

func decodeTunnelConnectResponse(c *parse.Cursor) (*TunnelConnectResponse, error) {
	idBytes, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	return &TunnelConnectResponse{TunnelID: beU32(idBytes)}, nil
}

func decodeTunnelDataRequest(c *parse.Cursor) (*TunnelDataRequest, error) {
	idBytes, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	return &TunnelDataRequest{TunnelID: beU32(idBytes), Data: append([]byte(nil), c.Remaining()...)}, nil
}

func decodeTunnelCloseRequest(c *parse.Cursor) (*TunnelCloseRequest, error) {
	idBytes, err := c.Take(4)
	if err != nil {
		return nil, err
	}
	reason, err := parse.NTString(c)
	if err != nil {
		return nil, err
	}
	return &TunnelCloseRequest{TunnelID: beU32(idBytes), Reason: reason}, nil
}

func decodeStatusReason(c *parse.Cursor) (uint16, string, error) {
	status, err := parse.BeU16(c)
	if err != nil {
		return 0, "", err
	}
	reason, err := parse.NTString(c)
	if err != nil {
		return 0, "", err
	}
	return status, reason, nil
}

// ToBytes serializes the packet to its wire form: a 4-byte length
// prefix followed by request id, command id, and the populated body.
func (p *Packet) ToBytes() []byte {
	var body bytes.Buffer

	packedID := p.RequestID & requestIDMask
	if !p.IsRequest {
		packedID |= responseBit
	}
	putU16(&body, packedID)
	putU16(&body, uint16(p.CommandID))

	switch p.CommandID {
	case CommandPing:
		if p.IsRequest && p.PingRequest != nil {
			putNTString(&body, p.PingRequest.Data)
		} else if !p.IsRequest && p.PingResponse != nil {
			putNTString(&body, p.PingResponse.Data)
		}

	case CommandShell:
		if p.IsRequest && p.ShellRequest != nil {
			putNTString(&body, p.ShellRequest.Name)
		} else if !p.IsRequest && p.ShellResponse != nil {
			putU16(&body, p.ShellResponse.SessionID)
		}

	case CommandExec:
		if p.IsRequest && p.ExecRequest != nil {
			putNTString(&body, p.ExecRequest.Name)
			putNTString(&body, p.ExecRequest.Command)
		} else if !p.IsRequest && p.ExecResponse != nil {
			putU16(&body, p.ExecResponse.SessionID)
		}

	case CommandDownload:
		if p.IsRequest && p.DownloadRequest != nil {
			putNTString(&body, p.DownloadRequest.Filename)
		} else if !p.IsRequest && p.DownloadResponse != nil {
			body.Write(p.DownloadResponse.Data)
		}

	case CommandUpload:
		if p.IsRequest && p.UploadRequest != nil {
			putNTString(&body, p.UploadRequest.Filename)
			body.Write(p.UploadRequest.Data)
		}

	case CommandShutdown:
		// no body

	case CommandDelay:
		if p.IsRequest && p.DelayRequest != nil {
			putU32(&body, p.DelayRequest.Delay)
		}

	case TunnelConnect:
		if p.IsRequest && p.TunnelConnectRequest != nil {
			putU32(&body, p.TunnelConnectRequest.Options)
			putNTString(&body, p.TunnelConnectRequest.Host)
			putU16(&body, p.TunnelConnectRequest.Port)
		} else if !p.IsRequest && p.TunnelConnectResponse != nil {
			putU32(&body, p.TunnelConnectResponse.TunnelID)
		}

	case TunnelData:
		if p.IsRequest && p.TunnelDataRequest != nil {
			putU32(&body, p.TunnelDataRequest.TunnelID)
			body.Write(p.TunnelDataRequest.Data)
		}

	case TunnelClose:
		if p.IsRequest && p.TunnelCloseRequest != nil {
			putU32(&body, p.TunnelCloseRequest.TunnelID)
			putNTString(&body, p.TunnelCloseRequest.Reason)
		}

	case CommandError:
		if p.IsRequest && p.ErrorRequest != nil {
			putU16(&body, p.ErrorRequest.Status)
			putNTString(&body, p.ErrorRequest.Reason)
		} else if !p.IsRequest && p.ErrorResponse != nil {
			putU16(&body, p.ErrorResponse.Status)
			putNTString(&body, p.ErrorResponse.Reason)
		}
	}

	var out bytes.Buffer
	putU32(&out, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func beU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putU16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func putU32(buf *bytes.Buffer, v uint32) {
	buf.WriteByte(byte(v >> 24))
	buf.WriteByte(byte(v >> 16))
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}

func putNTString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

// Factory functions for the responses/requests the driver originates.

func CreatePingResponse(requestID uint16, data string) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandPing, PingResponse: &PingResponse{Data: data}}
}

func CreateShellResponse(requestID, sessionID uint16) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandShell, ShellResponse: &ShellResponse{SessionID: sessionID}}
}

func CreateExecResponse(requestID, sessionID uint16) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandExec, ExecResponse: &ExecResponse{SessionID: sessionID}}
}

func CreateDownloadResponse(requestID uint16, data []byte) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandDownload, DownloadResponse: &DownloadResponse{Data: data}}
}

func CreateUploadResponse(requestID uint16) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandUpload, UploadResponse: &UploadResponse{}}
}

func CreateShutdownResponse(requestID uint16) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandShutdown, ShutdownResponse: &ShutdownResponse{}}
}

func CreateDelayResponse(requestID uint16) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandDelay, DelayResponse: &DelayResponse{}}
}

func CreateTunnelConnectResponse(requestID uint16, tunnelID uint32) *Packet {
	return &Packet{
		RequestID:             requestID,
		CommandID:             TunnelConnect,
		TunnelConnectResponse: &TunnelConnectResponse{TunnelID: tunnelID},
	}
}

func CreateTunnelDataRequest(requestID uint16, tunnelID uint32, data []byte) *Packet {
	return &Packet{
		RequestID:         requestID,
		CommandID:         TunnelData,
		IsRequest:         true,
		TunnelDataRequest: &TunnelDataRequest{TunnelID: tunnelID, Data: data},
	}
}

func CreateTunnelCloseRequest(requestID uint16, tunnelID uint32, reason string) *Packet {
	return &Packet{
		RequestID:          requestID,
		CommandID:          TunnelClose,
		IsRequest:          true,
		TunnelCloseRequest: &TunnelCloseRequest{TunnelID: tunnelID, Reason: reason},
	}
}

func CreateErrorResponse(requestID, status uint16, reason string) *Packet {
	return &Packet{RequestID: requestID, CommandID: CommandError, ErrorResponse: &ErrorResponse{Status: status, Reason: reason}}
}

// String renders a packet for debug logging.
func (p *Packet) String() string {
	dir := "response"
	if p.IsRequest {
		dir = "request"
	}
	name := commandName(p.CommandID)

	switch p.CommandID {
	case CommandPing:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x data=%s", name, dir, p.RequestID, p.PingRequest.Data)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x data=%s", name, dir, p.RequestID, p.PingResponse.Data)
	case CommandShell:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x name=%s", name, dir, p.RequestID, p.ShellRequest.Name)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x session_id=0x%04x", name, dir, p.RequestID, p.ShellResponse.SessionID)
	case CommandExec:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x name=%s command=%s", name, dir, p.RequestID, p.ExecRequest.Name, p.ExecRequest.Command)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x session_id=0x%04x", name, dir, p.RequestID, p.ExecResponse.SessionID)
	case CommandDownload:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x filename=%s", name, dir, p.RequestID, p.DownloadRequest.Filename)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x bytes=%d", name, dir, p.RequestID, len(p.DownloadResponse.Data))
	case CommandUpload:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x filename=%s bytes=%d", name, dir, p.RequestID, p.UploadRequest.Filename, len(p.UploadRequest.Data))
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x", name, dir, p.RequestID)
	case CommandShutdown:
		return fmt.Sprintf("%s [%s] request_id=0x%04x", name, dir, p.RequestID)
	case CommandDelay:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x delay=%d", name, dir, p.RequestID, p.DelayRequest.Delay)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x", name, dir, p.RequestID)
	case TunnelConnect:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x host=%s port=%d", name, dir, p.RequestID, p.TunnelConnectRequest.Host, p.TunnelConnectRequest.Port)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x tunnel_id=%d", name, dir, p.RequestID, p.TunnelConnectResponse.TunnelID)
	case TunnelData:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x tunnel_id=%d bytes=%d", name, dir, p.RequestID, p.TunnelDataRequest.TunnelID, len(p.TunnelDataRequest.Data))
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x", name, dir, p.RequestID)
	case TunnelClose:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x tunnel_id=%d reason=%s", name, dir, p.RequestID, p.TunnelCloseRequest.TunnelID, p.TunnelCloseRequest.Reason)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x", name, dir, p.RequestID)
	case CommandError:
		if p.IsRequest {
			return fmt.Sprintf("%s [%s] request_id=0x%04x status=0x%04x reason=%s", name, dir, p.RequestID, p.ErrorRequest.Status, p.ErrorRequest.Reason)
		}
		return fmt.Sprintf("%s [%s] request_id=0x%04x status=0x%04x reason=%s", name, dir, p.RequestID, p.ErrorResponse.Status, p.ErrorResponse.Reason)
	default:
		return fmt.Sprintf("unknown command 0x%04x", uint16(p.CommandID))
	}
}

func commandName(k CommandKind) string {
	switch k {
	case CommandPing:
		return "PING"
	case CommandShell:
		return "SHELL"
	case CommandExec:
		return "EXEC"
	case CommandDownload:
		return "DOWNLOAD"
	case CommandUpload:
		return "UPLOAD"
	case CommandShutdown:
		return "SHUTDOWN"
	case CommandDelay:
		return "DELAY"
	case TunnelConnect:
		return "TUNNEL_CONNECT"
	case TunnelData:
		return "TUNNEL_DATA"
	case TunnelClose:
		return "TUNNEL_CLOSE"
	case CommandError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
