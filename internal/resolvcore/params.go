// Package resolvcore wires StatsEngine, ResponseCache, DotTransport, and
// PrivateDnsConfig into the per-network registry and external interfaces
// exposed to the IPC layer: the configuration surface, search-path
// normalisation, and the lookup pipeline.
package resolvcore

import (
	"net"
	"time"

	"github.com/mobile-dns/resolverd/internal/common"
	"github.com/mobile-dns/resolverd/internal/server"
	"github.com/mobile-dns/resolverd/internal/stats"
)

// NetworkParams is setResolverConfiguration's params struct.
type NetworkParams struct {
	NetID               int
	Servers             []string
	Domains             []string
	SampleValidityS     int
	SuccessThresholdPct int
	MinSamples          int
	MaxSamples          int
	BaseTimeoutMs       int64
	RetryCount          int
	TLSName             string
	TLSServers          []string
	TLSFingerprints     []string
}

// DefaultParams returns the stock resolver parameters for a network that
// has not been configured yet.
func DefaultParams(netID int) NetworkParams {
	return NetworkParams{
		NetID:               netID,
		SampleValidityS:     1800,
		SuccessThresholdPct: 25,
		MinSamples:          4,
		MaxSamples:          8,
		BaseTimeoutMs:       5000,
		RetryCount:          2,
	}
}

func (p NetworkParams) policy() stats.Policy {
	return stats.Policy{
		SampleValidity:   time.Duration(p.SampleValidityS) * time.Second,
		SuccessThreshold: p.SuccessThresholdPct,
		MinSamples:       p.MinSamples,
		MaxSamples:       p.MaxSamples,
	}
}

// parseServers validates each address:port string into a cleartext
// server.Server, returning ok=false on the first malformed entry so the
// caller can report -EINVAL atomically without partially applying the new
// set.
func parseServers(addrs []string) (servers []server.Server, ok bool) {
	servers = make([]server.Server, 0, len(addrs))
	for _, a := range addrs {
		host, portStr, err := net.SplitHostPort(a)
		if err != nil {
			host, portStr = a, "53"
		}
		ip := common.ParseIPv4v6(host)
		if ip == nil {
			return nil, false
		}
		port, pok := parsePort(portStr)
		if !pok {
			return nil, false
		}
		servers = append(servers, server.New(ip, port, "", server.ProtocolUDP))
	}
	return servers, true
}

func parsePort(s string) (uint16, bool) {
	n := 0
	if s == "" {
		return 53, true
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
		if n > 65535 {
			return 0, false
		}
	}
	return uint16(n), true
}
