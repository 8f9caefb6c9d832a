// Package wire is the boundary onto the DNS message codec. The core does
// not implement RFC 1035 encode/decode itself; this package is the thin
// seam onto github.com/miekg/dns for building, packing, parsing, cache
// keys, TTLs and transaction IDs. Other packages still import miekg/dns
// directly for RCODE and type constants, and cleartext uses its Client.
package wire

import (
	"time"

	"github.com/miekg/dns"

	"github.com/mobile-dns/resolverd/internal/common"
)

// BuildQuery constructs a query message of (name, class, type), optionally
// attaching an EDNS0 OPT record of the given UDP payload size.
func BuildQuery(name string, qtype, qclass uint16, edns0UDPSize uint16) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), qtype)
	msg.Question[0].Qclass = qclass
	msg.RecursionDesired = true
	if edns0UDPSize > 0 {
		msg.SetEdns0(edns0UDPSize, false)
	}
	return msg
}

// StripEDNS0 returns a copy of msg with any OPT record removed, used to
// retry a FORMERR'd query without EDNS0.
func StripEDNS0(msg *dns.Msg) *dns.Msg {
	cp := msg.Copy()
	cp.Extra = common.FilterResourceRecords(cp.Extra, func(rr dns.RR) bool {
		return rr.Header().Rrtype != dns.TypeOPT
	})
	return cp
}

// Pack serializes msg to wire bytes.
func Pack(msg *dns.Msg) ([]byte, error) {
	return msg.Pack()
}

// Parse decodes wire bytes into a response message. Compression pointer
// loops are detected by miekg/dns itself and surface as a non-nil error,
// so malformed responses surface as parse failures, never as answers.
func Parse(raw []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, err
	}
	return msg, nil
}

// CacheKey returns the canonicalised bytes of the question section only
// (case-lowered owner name, class and type preserved) used as the
// ResponseCache key.
func CacheKey(query *dns.Msg) []byte {
	if len(query.Question) != 1 {
		return nil
	}
	q := query.Question[0]
	key := new(dns.Msg)
	key.Question = []dns.Question{{
		Name:   dnsCanonicalName(q.Name),
		Qtype:  q.Qtype,
		Qclass: q.Qclass,
	}}
	raw, err := key.Pack()
	if err != nil {
		return nil
	}
	return raw
}

func dnsCanonicalName(name string) string {
	return dns.CanonicalName(name)
}

// MinTTL returns the minimum TTL, in seconds, across every RR in the
// answer section. ok is false when the answer section is empty.
func MinTTL(resp *dns.Msg) (ttl uint32, ok bool) {
	for i, rr := range resp.Answer {
		if i == 0 || rr.Header().Ttl < ttl {
			ttl = rr.Header().Ttl
		}
		ok = true
	}
	return
}

// ClampTTL clamps a TTL (seconds) to [min, max] and returns it as a
// duration, the expiry policy used by ResponseCache.publish.
func ClampTTL(ttl uint32, min, max time.Duration) time.Duration {
	d := time.Duration(ttl) * time.Second
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

// AnswerIPs extracts the addresses of every A and AAAA record in the
// answer section, the ip_list field of the per-lookup telemetry event.
func AnswerIPs(resp *dns.Msg) []string {
	addressRRs := common.FilterResourceRecords(resp.Answer, func(rr dns.RR) bool {
		t := rr.Header().Rrtype
		return t == dns.TypeA || t == dns.TypeAAAA
	})
	ips := make([]string, 0, len(addressRRs))
	for _, rr := range addressRRs {
		switch a := rr.(type) {
		case *dns.A:
			ips = append(ips, a.A.String())
		case *dns.AAAA:
			ips = append(ips, a.AAAA.String())
		}
	}
	return ips
}

// CNAMEChain returns the authoritative CNAME chain of the answer section
// starting from the question owner name, in chain order.
func CNAMEChain(resp *dns.Msg) []string {
	targets := make(map[string]string)
	for _, rr := range resp.Answer {
		if cname, ok := rr.(*dns.CNAME); ok {
			targets[dns.CanonicalName(cname.Hdr.Name)] = cname.Target
		}
	}
	if len(resp.Question) != 1 {
		return nil
	}
	var chain []string
	cur := dns.CanonicalName(resp.Question[0].Name)
	for range targets {
		next, ok := targets[cur]
		if !ok {
			break
		}
		chain = append(chain, next)
		cur = dns.CanonicalName(next)
	}
	return chain
}

// Rcode returns the RCODE of a parsed response.
func Rcode(resp *dns.Msg) int {
	return resp.Rcode
}

// Truncated reports whether the TC bit is set.
func Truncated(resp *dns.Msg) bool {
	return resp.Truncated
}

// SetID rewrites the 16-bit transaction ID of wire-encoded bytes in place,
// the rewrite QueryMap.record_query performs before handing a query to a
// Transport.
func SetID(raw []byte, id uint16) {
	if len(raw) < 2 {
		return
	}
	raw[0] = byte(id >> 8)
	raw[1] = byte(id)
}

// ID reads the 16-bit transaction ID from wire-encoded bytes.
func ID(raw []byte) uint16 {
	if len(raw) < 2 {
		return 0
	}
	return uint16(raw[0])<<8 | uint16(raw[1])
}
