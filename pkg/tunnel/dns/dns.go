// Package dns implements the DNS tunnel driver: the polling
// transport that pumps a controller's outgoing session bytes out as
// DNS queries and feeds query responses back in as incoming bytes.
package dns

import (
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	miekgdns "github.com/miekg/dns"
	"go.uber.org/zap"

	"dnscat2proto/pkg/controller"
)

const (
	MaxFieldLength = 62
	MaxDNSLength   = 255
	WildcardPrefix = "dnscat"
)

// DNSType represents DNS record types
type DNSType uint16

const (
	TypeA     DNSType = DNSType(miekgdns.TypeA)
	TypeCNAME DNSType = DNSType(miekgdns.TypeCNAME)
	TypeMX    DNSType = DNSType(miekgdns.TypeMX)
	TypeTXT   DNSType = DNSType(miekgdns.TypeTXT)
	TypeAAAA  DNSType = DNSType(miekgdns.TypeAAAA)
)

// Driver implements the DNS tunnel driver
type Driver struct {
	Domain    string
	DNSServer string
	DNSPort   uint16
	Types     []DNSType
	client    *miekgdns.Client
	log       *zap.Logger
}

// NewDriver creates a new DNS tunnel driver. If logger is nil, a no-op
// logger is used.
func NewDriver(domain, host string, port uint16, types string, server string, logger *zap.Logger) (*Driver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Driver{
		Domain:    domain,
		DNSServer: server,
		DNSPort:   port,
		client:    &miekgdns.Client{Net: "udp", Timeout: 5 * time.Second},
		log:       logger,
	}

	if types == "ANY" {
		types = "TXT,CNAME,MX"
	}

	for _, t := range strings.Split(types, ",") {
		t = strings.TrimSpace(strings.ToUpper(t))
		switch t {
		case "TXT", "TEXT":
			d.Types = append(d.Types, TypeTXT)
		case "MX":
			d.Types = append(d.Types, TypeMX)
		case "CNAME":
			d.Types = append(d.Types, TypeCNAME)
		case "A":
			d.Types = append(d.Types, TypeA)
		case "AAAA":
			d.Types = append(d.Types, TypeAAAA)
		}
	}

	if len(d.Types) == 0 {
		return nil, fmt.Errorf("no valid DNS types specified")
	}

	return d, nil
}

// MaxDNSCatLength returns the maximum payload length for DNS queries
func (d *Driver) MaxDNSCatLength() int {
	domainLen := len(d.Domain)
	if d.Domain == "" {
		domainLen = len(WildcardPrefix)
	}
	return (MaxDNSLength / 2) - domainLen - 1 - ((MaxDNSLength / MaxFieldLength) + 1)
}

// getType returns a random DNS type to use
func (d *Driver) getType() DNSType {
	return d.Types[rand.Intn(len(d.Types))]
}

// encodeDNSName encodes data as a dnscat2 DNS name: hex-encoded
// payload split across labels no wider than MaxFieldLength, wrapped in
// the wildcard prefix or configured domain.
func (d *Driver) encodeDNSName(data []byte) string {
	var result strings.Builder

	if d.Domain == "" {
		result.WriteString(WildcardPrefix)
		result.WriteByte('.')
	}

	encoded := hex.EncodeToString(data)
	sectionLen := 0

	for i := 0; i < len(encoded); i++ {
		result.WriteByte(encoded[i])
		sectionLen++

		if i+1 != len(encoded) && sectionLen+1 >= MaxFieldLength {
			result.WriteByte('.')
			sectionLen = 0
		}
	}

	if d.Domain != "" {
		result.WriteByte('.')
		result.WriteString(d.Domain)
	}

	return result.String()
}

// decodeDNSResponse decodes a session payload out of a parsed DNS
// response's first answer.
func (d *Driver) decodeDNSResponse(resp *miekgdns.Msg) ([]byte, error) {
	if len(resp.Answer) == 0 {
		return nil, fmt.Errorf("no answers in response")
	}

	switch rr := resp.Answer[0].(type) {
	case *miekgdns.TXT:
		return d.decodeHex(strings.Join(rr.Txt, ""))

	case *miekgdns.CNAME:
		name := d.removeDomain(strings.TrimSuffix(rr.Target, "."))
		if name == "" {
			return nil, fmt.Errorf("empty response after removing domain")
		}
		return d.decodeHex(name)

	case *miekgdns.MX:
		name := d.removeDomain(strings.TrimSuffix(rr.Mx, "."))
		if name == "" {
			return nil, fmt.Errorf("empty response after removing domain")
		}
		return d.decodeHex(name)

	case *miekgdns.A:
		return d.decodeAddrRecords(resp.Answer, func(rr miekgdns.RR) ([]byte, bool) {
			a, ok := rr.(*miekgdns.A)
			if !ok {
				return nil, false
			}
			ip := a.A.To4()
			return ip, ip != nil
		}, 4)

	case *miekgdns.AAAA:
		return d.decodeAddrRecords(resp.Answer, func(rr miekgdns.RR) ([]byte, bool) {
			aaaa, ok := rr.(*miekgdns.AAAA)
			if !ok {
				return nil, false
			}
			ip := aaaa.AAAA.To16()
			return ip, ip != nil
		}, 16)

	default:
		return nil, fmt.Errorf("unknown DNS answer type: %T", rr)
	}
}

func (d *Driver) decodeAddrRecords(answers []miekgdns.RR, addrOf func(miekgdns.RR) ([]byte, bool), width int) ([]byte, error) {
	type entry struct {
		order int
		data  []byte
	}

	var entries []entry
	for _, rr := range answers {
		addr, ok := addrOf(rr)
		if !ok || len(addr) < width {
			continue
		}
		entries = append(entries, entry{order: int(addr[0]), data: addr[1:width]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	var buf []byte
	for _, e := range entries {
		buf = append(buf, e.data...)
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("record response too short")
	}

	length := int(buf[0])
	if length > len(buf)-1 {
		return nil, fmt.Errorf("record response length mismatch")
	}
	return buf[1 : length+1], nil
}

// removeDomain removes the domain suffix (or wildcard prefix) from a name
func (d *Driver) removeDomain(name string) string {
	if d.Domain != "" {
		if !strings.HasSuffix(name, d.Domain) {
			return ""
		}
		if name == d.Domain {
			return ""
		}
		return strings.TrimSuffix(name, "."+d.Domain)
	}
	if !strings.HasPrefix(name, WildcardPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, WildcardPrefix+".")
}

// decodeHex decodes hex string, ignoring periods
func (d *Driver) decodeHex(data string) ([]byte, error) {
	clean := strings.ReplaceAll(data, ".", "")
	return hex.DecodeString(clean)
}

// doSend sends one outgoing query and processes its reply, looping
// immediately (without waiting for the next heartbeat tick) as long as
// the exchange keeps yielding data to pipeline. It returns false once
// the controller reports no sessions remain, telling Run to stop.
func (d *Driver) doSend() bool {
	for {
		data, hasActiveSessions := controller.GetOutgoing(d.MaxDNSCatLength())
		if !hasActiveSessions {
			d.log.Info("no active sessions left, shutting down")
			return false
		}

		if len(data) == 0 {
			return true
		}

		name := d.encodeDNSName(data)
		qType := d.getType()

		msg := new(miekgdns.Msg)
		msg.SetQuestion(miekgdns.Fqdn(name), uint16(qType))
		msg.RecursionDesired = true

		resp, _, err := d.client.Exchange(msg, fmt.Sprintf("%s:%d", d.DNSServer, d.DNSPort))
		if err != nil {
			d.log.Warn("dns exchange error", zap.Error(err))
			return true
		}

		if !d.handleResponse(resp) {
			return true
		}
		// handleResponse reported a pipelined packet to send right away.
	}
}

// handleResponse decodes resp and routes any payload to the
// controller. It returns true when doSend should immediately send
// another query (more data was just acknowledged, or the session
// still has something queued).
func (d *Driver) handleResponse(resp *miekgdns.Msg) bool {
	if resp.Rcode != miekgdns.RcodeSuccess {
		d.log.Warn("dns server returned error code", zap.String("rcode", miekgdns.RcodeToString[resp.Rcode]))
		return false
	}

	if len(resp.Answer) == 0 {
		d.log.Debug("dns response carried no answer")
		return false
	}

	data, err := d.decodeDNSResponse(resp)
	if err != nil {
		d.log.Debug("dns response decode failed", zap.Error(err))
		return false
	}

	if len(data) > 0 {
		return controller.DataIncoming(data)
	}
	return true
}

// Run starts the DNS driver main loop. It returns when the controller
// reports no sessions remain.
func (d *Driver) Run() {
	if !d.doSend() {
		return
	}

	for {
		controller.Heartbeat()
		time.Sleep(50 * time.Millisecond)
		if !d.doSend() {
			return
		}
	}
}

// Close closes the driver. Retained for interface symmetry with the
// other drivers; this transport holds no persistent socket to release.
func (d *Driver) Close() {}
