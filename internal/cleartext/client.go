// Package cleartext is the UDP/TCP upstream path used whenever private DNS
// is off, opportunistic-but-unvalidated, or the DoT transport fails
// outright. It wraps miekg/dns's Client, adding the
// UDP-then-TCP-on-truncation fallback the lookup pipeline expects.
package cleartext

import (
	"net"
	"strconv"
	"time"

	"github.com/miekg/dns"

	"github.com/mobile-dns/resolverd/internal/server"
)

// Result is one cleartext round trip's outcome.
type Result struct {
	Response *dns.Msg
	RTT      time.Duration
	Err      error
}

// Query sends msg to srv over UDP, retrying over TCP when the UDP answer
// is truncated. timeout bounds each individual attempt.
func Query(srv server.Server, msg *dns.Msg, timeout time.Duration) Result {
	addr := net.JoinHostPort(srv.Address().String(), strconv.Itoa(int(srv.Port())))
	udpClient := &dns.Client{Net: "udp", Timeout: timeout}
	resp, rtt, err := udpClient.Exchange(msg, addr)
	if err != nil {
		return Result{Err: err}
	}
	if resp.Truncated {
		tcpClient := &dns.Client{Net: "tcp", Timeout: timeout}
		tcpResp, tcpRTT, tcpErr := tcpClient.Exchange(msg, addr)
		if tcpErr == nil {
			return Result{Response: tcpResp, RTT: tcpRTT}
		}
		// TCP fallback failed; the truncated UDP answer is still better
		// than nothing.
		return Result{Response: resp, RTT: rtt}
	}
	return Result{Response: resp, RTT: rtt}
}
