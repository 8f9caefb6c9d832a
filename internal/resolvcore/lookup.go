package resolvcore

import (
	"time"

	"github.com/miekg/dns"

	"github.com/mobile-dns/resolverd/internal/cache"
	"github.com/mobile-dns/resolverd/internal/cleartext"
	"github.com/mobile-dns/resolverd/internal/dottransport"
	"github.com/mobile-dns/resolverd/internal/privatedns"
	"github.com/mobile-dns/resolverd/internal/server"
	"github.com/mobile-dns/resolverd/internal/wire"
)

// Conservative TTL clamps; hosts that mandate tighter bounds reconfigure
// the per-network cache directly.
const (
	defaultMinTTL = 1 * time.Second
	defaultMaxTTL = 24 * time.Hour
)

// LookupError is the internal error taxonomy, distinct from wire RCODEs.
type LookupError int

const (
	ErrNone LookupError = iota
	ErrNetwork
	ErrTimeout
	ErrParse
	ErrInternal
)

func (e LookupError) Error() string {
	switch e {
	case ErrNetwork:
		return "NETWORK_ERROR"
	case ErrTimeout:
		return "TIMEOUT"
	case ErrParse:
		return "PARSE_ERROR"
	case ErrInternal:
		return "INTERNAL_ERROR"
	default:
		return "NONE"
	}
}

// LookupResult is what Lookup resolves to.
type LookupResult struct {
	Bytes []byte
	Err   LookupError
}

// Lookup answers one wire query for a network: consult the
// cache; on miss, pick usable servers via StatsEngine, ask PrivateDns for
// the active mode, route through DotTransport in opportunistic/strict
// mode or fall back to cleartext otherwise; update StatsEngine and
// ResponseCache with the outcome.
func (r *Registry) Lookup(netId int, queryBytes []byte) LookupResult {
	n, ok := r.get(netId)
	if !ok {
		return LookupResult{Err: ErrInternal}
	}

	query, err := wire.Parse(queryBytes)
	if err != nil || len(query.Question) != 1 {
		return LookupResult{Err: ErrParse}
	}
	key := string(wire.CacheKey(query))
	if key == "" {
		return LookupResult{Err: ErrParse}
	}

	n.mu.RLock()
	waitTimeout := time.Duration(n.params.BaseTimeoutMs) * time.Millisecond * time.Duration(maxInt(n.params.RetryCount, 0))
	nc := n.cache
	n.mu.RUnlock()
	if waitTimeout > 50*time.Second {
		waitTimeout = 50 * time.Second
	}

	state := nc.Lookup(key)
	switch state.Kind {
	case cache.KindHit:
		return LookupResult{Bytes: state.Bytes}
	case cache.KindPending:
		outcome, waitErr := state.Future.Wait(waitTimeout)
		if waitErr != nil {
			return LookupResult{Err: ErrTimeout}
		}
		if outcome.Failure {
			return LookupResult{Err: ErrNetwork}
		}
		return LookupResult{Bytes: outcome.Answer}
	}

	start := time.Now()
	resp, usedServer, resolveErr := r.resolve(netId, n, query, queryBytes)
	latency := time.Since(start)

	outcome := cache.Outcome{Answer: resp}
	var rrMinTTL uint32
	var hasAnswers bool
	rcode := -1
	var ipList []string
	if resolveErr == ErrNone {
		if parsed, perr := wire.Parse(resp); perr == nil {
			rrMinTTL, hasAnswers = wire.MinTTL(parsed)
			rcode = parsed.Rcode
			ipList = wire.AnswerIPs(parsed)
		}
	} else {
		outcome.Failure = true
	}
	nc.Publish(state.Token, outcome, rrMinTTL, hasAnswers)

	r.telemetry.OnLookup(LookupEvent{
		NetID:      netId,
		CallType:   dns.TypeToString[query.Question[0].Qtype],
		Rcode:      rcode,
		LatencyMs:  latency.Milliseconds(),
		Hostname:   query.Question[0].Name,
		IPList:     ipList,
		ServerUsed: usedServer,
	})

	if resolveErr != ErrNone {
		return LookupResult{Err: resolveErr}
	}
	return LookupResult{Bytes: resp}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// resolve picks the transport (DoT or cleartext) and returns the wire
// response bytes, the server identity string used, and an error taxonomy
// code. It also records StatsEngine samples for the attempted
// server(s) and, on FORMERR, retries once without EDNS0.
func (r *Registry) resolve(netId int, n *network, query *dns.Msg, queryBytes []byte) (resp []byte, usedServer string, lerr LookupError) {
	n.mu.RLock()
	servers := append([]server.Server(nil), n.servers...)
	revision := n.revision
	timeoutMs := n.params.BaseTimeoutMs
	retries := n.params.RetryCount
	n.mu.RUnlock()

	mode, dotServers := r.PrivateDNS.UsableDoTServers(netId)
	if mode != privatedns.ModeOff && len(dotServers) > 0 {
		var lastDoT server.Server
		for _, srv := range dotServers {
			lastDoT = srv
			respBytes, ok := r.tryDoT(netId, srv, queryBytes, query.Id, timeoutMs)
			if ok {
				return respBytes, srv.Address().String(), ErrNone
			}
		}
		if mode == privatedns.ModeStrict {
			// Strict semantics: every validated candidate gets a try, but
			// there is no cleartext fallback once they are exhausted.
			return nil, lastDoT.Address().String(), ErrNetwork
		}
		// Opportunistic complete failure: fall through to cleartext.
	} else if mode == privatedns.ModeStrict {
		return nil, "", ErrNetwork
	}

	usable := r.Stats.UsableServers(netId, servers)
	if len(usable) == 0 {
		return nil, "", ErrNetwork
	}

	timeout := time.Duration(timeoutMs) * time.Millisecond
	attempts := retries
	if attempts < 1 {
		attempts = 1
	}
	var lastServer server.Server
	for i := 0; i < attempts; i++ {
		srv := usable[i%len(usable)]
		lastServer = srv
		respBytes, sample, ok := r.tryCleartext(srv, query, timeout)
		r.Stats.Record(netId, revision, srv, sample)
		if ok {
			return respBytes, srv.Address().String(), ErrNone
		}
	}
	return nil, lastServer.Address().String(), ErrNetwork
}

func (r *Registry) tryDoT(netId int, srv server.Server, queryBytes []byte, originalID uint16, timeoutMs int64) ([]byte, bool) {
	start := time.Now()
	result := r.Dispatcher.Query(srv, netId, append([]byte(nil), queryBytes...), originalID, 0, dottransport.DialOptions{
		Fingerprints: r.PrivateDNS.Fingerprints(netId),
	})
	sample := server.Sample{Time: start, RTTMs: time.Since(start).Milliseconds()}
	switch result.Code {
	case dottransport.CodeSuccess:
		if parsed, err := wire.Parse(result.Bytes); err == nil {
			sample.RCode = server.RCodeFromWire(parsed.Rcode)
		} else {
			sample.RCode = server.RCodeFromWire(dns.RcodeSuccess)
		}
		r.Stats.Record(netId, r.revisionOf(netId), srv, sample)
		return result.Bytes, true
	case dottransport.CodeNetworkError:
		sample.RCode = server.RCodeTimeout
		r.Stats.Record(netId, r.revisionOf(netId), srv, sample)
		return nil, false
	default:
		sample.RCode = server.RCodeInternalError
		r.Stats.Record(netId, r.revisionOf(netId), srv, sample)
		return nil, false
	}
}

// tryCleartext sends the query over UDP (TCP-on-truncation handled inside
// cleartext.Query), retrying once without EDNS0 on FORMERR.
func (r *Registry) tryCleartext(srv server.Server, query *dns.Msg, timeout time.Duration) ([]byte, server.Sample, bool) {
	result := cleartext.Query(srv, query, timeout)
	sample := server.Sample{Time: time.Now(), RTTMs: result.RTT.Milliseconds()}
	if result.Err != nil {
		sample.RCode = server.RCodeTimeout
		return nil, sample, false
	}
	if result.Response.Rcode == dns.RcodeFormatError && query.IsEdns0() != nil {
		stripped := wire.StripEDNS0(query)
		retryResult := cleartext.Query(srv, stripped, timeout)
		if retryResult.Err == nil {
			result = retryResult
		}
	}
	sample.RCode = server.RCodeFromWire(result.Response.Rcode)
	raw, err := wire.Pack(result.Response)
	if err != nil {
		sample.RCode = server.RCodeInternalError
		return nil, sample, false
	}
	return raw, sample, true
}
