package resolvcore

import (
	"errors"
	"net"
	"sync"

	"github.com/mobile-dns/resolverd/internal/cache"
	"github.com/mobile-dns/resolverd/internal/dottransport"
	"github.com/mobile-dns/resolverd/internal/logging"
	"github.com/mobile-dns/resolverd/internal/privatedns"
	"github.com/mobile-dns/resolverd/internal/server"
	"github.com/mobile-dns/resolverd/internal/stats"
)

// ErrExists is returned by CreateNetworkCache for a netId that already has
// one.
var ErrExists = errors.New("resolvcore: network cache already exists")

// ErrInvalid is returned for malformed addresses or parameters.
var ErrInvalid = errors.New("resolvcore: invalid configuration")

// network is the per-netId state: a NetworkCache, its cleartext server
// pool, and the PrivateDnsConfig/StatsEngine entries that key off the
// same netId.
type network struct {
	mu       sync.RWMutex
	cache    *cache.NetworkCache
	servers  []server.Server
	domains  []string
	revision uint64
	params   NetworkParams
	prefix64 bool
}

// Registry is the single process-wide map of netId -> NetworkCache +
// PrivateDnsConfig. Per-entry locks guard each network; the registry's
// own lock is only ever held for map membership changes, never across
// I/O or a user callback.
type Registry struct {
	mu       sync.RWMutex
	networks map[int]*network
	revision uint64 // global fallback source for per-network revisions

	Stats        *stats.Engine
	PrivateDNS   *privatedns.Config
	Dispatcher   *dottransport.Dispatcher
	SessionCache *dottransport.SessionCache

	telemetry TelemetryObserver
}

func NewRegistry() *Registry {
	r := &Registry{
		networks:     make(map[int]*network),
		Stats:        stats.NewEngine(),
		SessionCache: dottransport.NewSessionCache(0),
		telemetry:    NopTelemetry{},
	}
	r.Dispatcher = dottransport.NewDispatcher(r.SessionCache)
	r.PrivateDNS = privatedns.NewConfig(&dispatchValidator{dispatcher: r.Dispatcher})
	r.PrivateDNS.SetObserver(privateDNSObserverAdapter{telemetry: r.telemetry})
	return r
}

// SetTelemetry installs the observer the external IPC/event-logging layer
// uses; re-wires PrivateDnsConfig's observer to match.
func (r *Registry) SetTelemetry(obs TelemetryObserver) {
	if obs == nil {
		obs = NopTelemetry{}
	}
	r.mu.Lock()
	r.telemetry = obs
	r.mu.Unlock()
	r.PrivateDNS.SetObserver(privateDNSObserverAdapter{telemetry: obs})
}

// CreateNetworkCache registers a new network, failing if one already
// exists under netId.
func (r *Registry) CreateNetworkCache(netId int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.networks[netId]; exists {
		return ErrExists
	}
	params := DefaultParams(netId)
	r.networks[netId] = &network{
		cache:  cache.NewNetworkCache(0, defaultMinTTL, defaultMaxTTL),
		params: params,
	}
	r.revision++
	r.Stats.SetRevision(netId, r.revision, params.policy())
	logging.Network(netId).Debug().Msg("network cache created")
	return nil
}

// DestroyNetworkCache tears a network down: cache sweeper, stats, and
// private DNS state all go with it. Destroying an unknown netId is not an
// error.
func (r *Registry) DestroyNetworkCache(netId int) error {
	r.mu.Lock()
	n, exists := r.networks[netId]
	if !exists {
		r.mu.Unlock()
		return nil
	}
	delete(r.networks, netId)
	r.mu.Unlock()

	n.cache.Close()
	r.Stats.DropNetwork(netId)
	r.PrivateDNS.Clear(netId)
	logging.Network(netId).Debug().Msg("network cache destroyed")
	return nil
}

func (r *Registry) get(netId int) (*network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.networks[netId]
	return n, ok
}

// SetResolverConfiguration validates every address and parameter, then
// atomically replaces both the cleartext server set and (via
// PrivateDnsConfig) the DoT configuration, bumping the revision id so
// stale StatsEngine samples are dropped.
func (r *Registry) SetResolverConfiguration(p NetworkParams) error {
	servers, ok := parseServers(p.Servers)
	if !ok {
		return ErrInvalid
	}
	domains := NormalizeSearchDomains(p.Domains)
	if p.MinSamples < 1 || p.MaxSamples < p.MinSamples || p.SuccessThresholdPct < 0 || p.SuccessThresholdPct > 100 {
		return ErrInvalid
	}
	tlsServerStrs := make([]string, 0, len(p.TLSServers))
	for _, s := range p.TLSServers {
		ip := net.ParseIP(s)
		if ip == nil {
			return ErrInvalid
		}
		tlsServerStrs = append(tlsServerStrs, ip.String())
	}

	r.mu.Lock()
	n, exists := r.networks[p.NetID]
	if !exists {
		n = &network{}
		r.networks[p.NetID] = n
	}
	r.revision++
	revision := r.revision
	n.mu.Lock()
	if n.cache == nil {
		n.cache = cache.NewNetworkCache(0, defaultMinTTL, defaultMaxTTL)
	}
	n.servers = servers
	n.domains = domains
	n.revision = revision
	n.params = p
	n.cache.MinTTL = defaultMinTTL
	n.cache.MaxTTL = defaultMaxTTL
	n.cache.BaseTimeoutMs = p.BaseTimeoutMs
	n.cache.RetryCount = p.RetryCount
	n.mu.Unlock()
	r.mu.Unlock()

	r.Stats.SetRevision(p.NetID, revision, p.policy())

	// PrivateDnsConfig.Set validates tlsServerStrs itself; a failure here
	// is reported the same as a malformed cleartext address.
	if !r.PrivateDNS.Set(p.NetID, tlsServerStrs, p.TLSName, p.TLSFingerprints) {
		return ErrInvalid
	}
	logging.Network(p.NetID).Debug().
		Int("servers", len(servers)).
		Int("domains", len(domains)).
		Int("tlsServers", len(tlsServerStrs)).
		Msg("resolver configuration applied")
	return nil
}

// ResolverInfo is getResolverInfo's return value.
type ResolverInfo struct {
	Servers             []server.Server
	Domains             []string
	TLSServers          []string
	Params              NetworkParams
	PendingTimeoutCount int64
}

func (r *Registry) GetResolverInfo(netId int) (ResolverInfo, bool) {
	n, ok := r.get(netId)
	if !ok {
		return ResolverInfo{}, false
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	status := r.PrivateDNS.GetStatus(netId)
	tlsServers := make([]string, 0, len(status.Servers))
	for id := range status.Servers {
		tlsServers = append(tlsServers, id.Address)
	}
	return ResolverInfo{
		Servers:             append([]server.Server(nil), n.servers...),
		Domains:             append([]string(nil), n.domains...),
		TLSServers:          tlsServers,
		Params:              n.params,
		PendingTimeoutCount: n.cache.PendingTimeoutCount(),
	}, true
}

// FlushCache aborts the network's outstanding pending lookups and drops
// every cached answer.
func (r *Registry) FlushCache(netId int) error {
	n, ok := r.get(netId)
	if !ok {
		return ErrInvalid
	}
	n.mu.RLock()
	nc := n.cache
	n.mu.RUnlock()
	nc.Flush()
	return nil
}

// ResizeCache changes a network cache's answered-entry capacity.
func (r *Registry) ResizeCache(netId int, capacity int) error {
	n, ok := r.get(netId)
	if !ok {
		return ErrInvalid
	}
	n.mu.RLock()
	nc := n.cache
	n.mu.RUnlock()
	nc.Resize(capacity)
	return nil
}

// StartPrefix64Discovery / StopPrefix64Discovery flip the per-network flag
// the external NAT64-prefix discovery loop consults; the discovery loop
// itself (a periodic ipv4only.arpa. AAAA query) lives outside this
// module, so the registry only tracks whether it should be running.
func (r *Registry) StartPrefix64Discovery(netId int) error {
	n, ok := r.get(netId)
	if !ok {
		return ErrInvalid
	}
	n.mu.Lock()
	n.prefix64 = true
	n.mu.Unlock()
	return nil
}

func (r *Registry) StopPrefix64Discovery(netId int) error {
	n, ok := r.get(netId)
	if !ok {
		return ErrInvalid
	}
	n.mu.Lock()
	n.prefix64 = false
	n.mu.Unlock()
	return nil
}

// SetLogSeverity maps an IPC severity string onto the logging level.
func SetLogSeverity(level string) error {
	var l logging.Level
	switch level {
	case "VERBOSE":
		l = logging.TraceLevel
	case "DEBUG":
		l = logging.DebugLevel
	case "INFO":
		l = logging.InfoLevel
	case "WARNING":
		l = logging.WarningLevel
	case "ERROR":
		l = logging.ErrorLevel
	default:
		return ErrInvalid
	}
	if !logging.SetLevel(l) {
		return ErrInvalid
	}
	return nil
}

// revisionOf reports a network's current configuration revision, used by
// the lookup pipeline when recording StatsEngine samples.
func (r *Registry) revisionOf(netId int) uint64 {
	n, ok := r.get(netId)
	if !ok {
		return 0
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.revision
}
