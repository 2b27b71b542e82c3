package dns

import (
	"context"
	"encoding/hex"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// startEchoServer runs a DNS server that decodes the dnscat2-encoded
// query name back to bytes and replies with a TXT record hex-encoding
// those same bytes reversed, so tests can assert the round trip.
func startEchoServer(t *testing.T, domain string) (addr string, closeFn func()) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)

		q := r.Question[0]
		name := strings.TrimSuffix(q.Name, ".")
		name = strings.TrimSuffix(name, "."+domain)
		raw, err := hex.DecodeString(strings.ReplaceAll(name, ".", ""))
		if err != nil {
			m.Rcode = dns.RcodeFormatError
			w.WriteMsg(m)
			return
		}
		reversed := make([]byte, len(raw))
		for i, b := range raw {
			reversed[len(raw)-1-i] = b
		}

		rr := &dns.TXT{
			Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeTXT, Class: dns.ClassINET, Ttl: 0},
			Txt: []string{hex.EncodeToString(reversed)},
		}
		m.Answer = append(m.Answer, rr)
		w.WriteMsg(m)
	})

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go server.ActivateAndServe()

	return pc.LocalAddr().String(), func() {
		server.Shutdown()
	}
}

func TestExchangeRoundTripsViaTXT(t *testing.T) {
	addr, closeFn := startEchoServer(t, "example.com")
	defer closeFn()

	transport := New("example.com", addr, []RRType{TypeTXT})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := transport.Exchange(ctx, []byte("hello"))
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if string(resp) != "olleh" {
		t.Fatalf("got %q, want %q", resp, "olleh")
	}
}

func TestEncodeNameWildcardPrefix(t *testing.T) {
	transport := New("", "127.0.0.1:53", []RRType{TypeTXT})
	name := transport.encodeName([]byte{0xAB, 0xCD})
	if !strings.HasPrefix(name, WildcardPrefix+".") {
		t.Fatalf("expected wildcard prefix, got %q", name)
	}
	if !strings.Contains(name, "abcd") {
		t.Fatalf("expected hex payload in name, got %q", name)
	}
}

func TestParseTypesAny(t *testing.T) {
	types, err := ParseTypes("ANY")
	if err != nil {
		t.Fatalf("ParseTypes: %v", err)
	}
	if len(types) != 3 {
		t.Fatalf("expected 3 types for ANY, got %d", len(types))
	}
}

func TestParseTypesInvalid(t *testing.T) {
	if _, err := ParseTypes("BOGUS"); err == nil {
		t.Fatalf("expected error for unrecognized type list")
	}
}
