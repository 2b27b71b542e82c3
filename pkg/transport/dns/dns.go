// Package dns implements a conn.Transport that carries dnscat2 session
// packets as DNS queries/responses, using github.com/miekg/dns for
// message construction and parsing.
package dns

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"

	"dnscat2proto/pkg/conn"
)

const (
	MaxFieldLength = 62
	MaxDNSLength   = 255
	WildcardPrefix = "dnscat"
)

// RRType is the subset of DNS record types dnscat2 round-trips session
// data over.
type RRType uint16

const (
	TypeA     RRType = dns.TypeA
	TypeCNAME RRType = dns.TypeCNAME
	TypeMX    RRType = dns.TypeMX
	TypeTXT   RRType = dns.TypeTXT
	TypeAAAA  RRType = dns.TypeAAAA
)

func (t RRType) dnsType() uint16 { return uint16(t) }

// ParseTypes turns a comma-separated type list (as accepted by the
// dnscat2 CLI, e.g. "TXT,CNAME,MX" or "ANY") into the RRType rotation
// this transport will use.
func ParseTypes(spec string) ([]RRType, error) {
	if strings.EqualFold(spec, "ANY") {
		spec = "TXT,CNAME,MX"
	}

	var types []RRType
	for _, t := range strings.Split(spec, ",") {
		switch strings.ToUpper(strings.TrimSpace(t)) {
		case "TXT", "TEXT":
			types = append(types, TypeTXT)
		case "MX":
			types = append(types, TypeMX)
		case "CNAME":
			types = append(types, TypeCNAME)
		case "A":
			types = append(types, TypeA)
		case "AAAA":
			types = append(types, TypeAAAA)
		}
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("dns: no valid record types in %q", spec)
	}
	return types, nil
}

// Transport implements conn.Transport by encoding each request as a
// dnscat2 hex-labeled DNS query name and decoding the session payload
// back out of whichever record type the resolver answered with.
type Transport struct {
	Domain string
	Types  []RRType

	client *dns.Client
	server string // "host:port"
}

// New builds a Transport against the given recursive/authoritative
// server ("host:port"), using domain as the query suffix (or, if
// domain is empty, the wildcard prefix that lets the protocol run
// without owning a delegated zone).
func New(domain, server string, types []RRType) *Transport {
	return &Transport{
		Domain: domain,
		Types:  types,
		client: &dns.Client{Net: "udp"},
		server: server,
	}
}

// MaxPayloadLength returns the largest session-packet payload this
// transport can carry in a single query name, after accounting for the
// domain suffix and per-label dot overhead.
func (t *Transport) MaxPayloadLength() int {
	domainLen := len(t.Domain)
	if t.Domain == "" {
		domainLen = len(WildcardPrefix)
	}
	return (MaxDNSLength / 2) - domainLen - 1 - ((MaxDNSLength / MaxFieldLength) + 1)
}

func (t *Transport) randomType() RRType {
	return t.Types[rand.Intn(len(t.Types))]
}

// isTimeout reports whether err signals that this exchange simply didn't
// get an answer in time, as opposed to a harder transport failure; the
// conn package's handshake retry loop only retries on this condition.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Exchange implements conn.Transport: it encodes request as a query
// name, sends it as a question of a randomly chosen configured record
// type, and decodes the session payload from the response.
func (t *Transport) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	name := t.encodeName(request)
	qType := t.randomType()

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qType.dnsType())
	msg.RecursionDesired = true

	resp, _, err := t.client.ExchangeContext(ctx, msg, t.server)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("dns: exchange: %w: %v", conn.ErrTimeout, err)
		}
		return nil, fmt.Errorf("dns: exchange: %w", err)
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns: server returned %s", dns.RcodeToString[resp.Rcode])
	}
	if len(resp.Answer) == 0 {
		return nil, fmt.Errorf("dns: response carried no answers")
	}

	return t.decodeAnswer(resp.Answer)
}

func (t *Transport) encodeName(data []byte) string {
	var b strings.Builder

	if t.Domain == "" {
		b.WriteString(WildcardPrefix)
		b.WriteByte('.')
	}

	encoded := hex.EncodeToString(data)
	section := 0
	for i := 0; i < len(encoded); i++ {
		b.WriteByte(encoded[i])
		section++
		if i+1 != len(encoded) && section+1 >= MaxFieldLength {
			b.WriteByte('.')
			section = 0
		}
	}

	if t.Domain != "" {
		b.WriteByte('.')
		b.WriteString(t.Domain)
	}
	return b.String()
}

func (t *Transport) removeDomain(name string) string {
	name = strings.TrimSuffix(name, ".")
	if t.Domain != "" {
		if name == t.Domain || !strings.HasSuffix(name, "."+t.Domain) {
			return ""
		}
		return strings.TrimSuffix(name, "."+t.Domain)
	}
	if !strings.HasPrefix(name, WildcardPrefix+".") {
		return ""
	}
	return strings.TrimPrefix(name, WildcardPrefix+".")
}

func (t *Transport) decodeHexLabels(name string) ([]byte, error) {
	clean := strings.ReplaceAll(name, ".", "")
	return hex.DecodeString(clean)
}

func (t *Transport) decodeAnswer(answers []dns.RR) ([]byte, error) {
	switch rr := answers[0].(type) {
	case *dns.TXT:
		return t.decodeHexLabels(strings.Join(rr.Txt, ""))

	case *dns.CNAME:
		return t.decodeHexLabels(t.removeDomain(rr.Target))

	case *dns.MX:
		return t.decodeHexLabels(t.removeDomain(rr.Mx))

	case *dns.A:
		return decodeMultiRecordPayload(answers, func(rr dns.RR) ([]byte, bool) {
			a, ok := rr.(*dns.A)
			if !ok {
				return nil, false
			}
			ip := a.A.To4()
			if ip == nil {
				return nil, false
			}
			return ip, true
		}, 4)

	case *dns.AAAA:
		return decodeMultiRecordPayload(answers, func(rr dns.RR) ([]byte, bool) {
			aaaa, ok := rr.(*dns.AAAA)
			if !ok {
				return nil, false
			}
			ip := aaaa.AAAA.To16()
			if ip == nil {
				return nil, false
			}
			return ip, true
		}, 16)

	default:
		return nil, fmt.Errorf("dns: unsupported answer record type %T", rr)
	}
}

// decodeMultiRecordPayload reassembles a session payload spread across
// several A/AAAA records: each record's address byte 0 is a sort key
// (its position in the sequence), and bytes [1:width) carry payload.
// The first payload byte of the reassembled stream is a length prefix.
func decodeMultiRecordPayload(answers []dns.RR, addrOf func(dns.RR) ([]byte, bool), width int) ([]byte, error) {
	type keyed struct {
		order int
		data  []byte
	}

	var records []keyed
	for _, rr := range answers {
		addr, ok := addrOf(rr)
		if !ok || len(addr) < width {
			continue
		}
		records = append(records, keyed{order: int(addr[0]), data: addr[1:width]})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].order < records[j].order })

	var buf []byte
	for _, r := range records {
		buf = append(buf, r.data...)
	}
	if len(buf) < 1 {
		return nil, fmt.Errorf("dns: record-set response too short")
	}

	length := int(buf[0])
	if length > len(buf)-1 {
		return nil, fmt.Errorf("dns: record-set length prefix exceeds payload")
	}
	return buf[1 : length+1], nil
}
