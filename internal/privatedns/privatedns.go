// Package privatedns implements PrivateDnsConfig: per-network DoT mode,
// candidate server set, validation workers, and observer notifications.
package privatedns

import (
	"net"
	"sync"

	"github.com/mobile-dns/resolverd/internal/common"
	"github.com/mobile-dns/resolverd/internal/server"
)

// Mode is the per-network DoT mode.
type Mode int

const (
	ModeOff Mode = iota
	ModeOpportunistic
	ModeStrict
)

// ValidationState is the per-(network, Server) validation lifecycle.
type ValidationState int

const (
	StateUnknown ValidationState = iota
	StateInProcess
	StateSuccess
	StateFail
)

// Observer is notified on every validation state transition.
type Observer interface {
	OnValidationStateChanged(netId int, addr net.IP, state ValidationState)
}

// Validator performs the single DoT probe query a validation worker needs.
// DotQuery implementations live in the dottransport/resolvcore wiring;
// privatedns only depends on this narrow seam to avoid an import cycle.
type Validator interface {
	ValidateServer(netId int, srv server.Server) bool
}

type serverState struct {
	srv        server.Server
	state      ValidationState
	inProgress bool
}

type networkConfig struct {
	mode         Mode
	hostname     string
	fingerprints []string
	servers      map[server.Identity]*serverState
	generation   uint64 // bumped by clear(); validation workers started before
	// a generation bump must not write back into a config past that bump.
}

// Config is PrivateDnsConfig.
type Config struct {
	mu        sync.Mutex
	networks  map[int]*networkConfig
	observer  Observer
	validator Validator

	wg sync.WaitGroup // tracks detached validation workers for teardown
}

func NewConfig(validator Validator) *Config {
	return &Config{
		networks:  make(map[int]*networkConfig),
		validator: validator,
	}
}

func (c *Config) SetObserver(obs Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = obs
}

// Set validates addresses, computes the new
// mode, diffs the server set, and launches validation workers for added
// entries. Returns false (the -EINVAL case) if any address is malformed,
// with no state change.
func (c *Config) Set(netId int, tlsServers []string, hostname string, fingerprints []string) bool {
	parsed := make([]net.IP, 0, len(tlsServers))
	for _, s := range tlsServers {
		ip := common.ParseIPv4v6(s)
		if ip == nil {
			return false
		}
		parsed = append(parsed, ip)
	}

	mode := ModeOpportunistic
	switch {
	case len(parsed) == 0:
		mode = ModeOff
	case hostname != "":
		mode = ModeStrict
	}

	protocol := server.ProtocolDoT
	newServers := make(map[server.Identity]*serverState, len(parsed))
	for _, ip := range parsed {
		srv := server.New(ip, 853, hostname, protocol)
		newServers[srv.Identity()] = &serverState{srv: srv, state: StateUnknown}
	}

	c.mu.Lock()
	cfg, existed := c.networks[netId]
	if !existed {
		cfg = &networkConfig{servers: make(map[server.Identity]*serverState)}
		c.networks[netId] = cfg
	}
	cfg.mode = mode
	cfg.hostname = hostname
	cfg.fingerprints = append([]string(nil), fingerprints...)

	var toValidate []*serverState
	merged := make(map[server.Identity]*serverState, len(newServers))
	for id, ns := range newServers {
		if existing, ok := cfg.servers[id]; ok {
			merged[id] = existing // unchanged entries keep their state
			continue
		}
		ns.state = StateInProcess
		ns.inProgress = true
		merged[id] = ns
		toValidate = append(toValidate, ns)
	}
	cfg.servers = merged
	generation := cfg.generation
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		for _, ns := range toValidate {
			observer.OnValidationStateChanged(netId, ns.srv.Address(), StateInProcess)
		}
	}

	for _, ns := range toValidate {
		c.launchValidation(netId, generation, ns)
	}
	return true
}

func (c *Config) launchValidation(netId int, generation uint64, ns *serverState) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ok := false
		if c.validator != nil {
			ok = c.validator.ValidateServer(netId, ns.srv)
		}
		result := StateFail
		if ok {
			result = StateSuccess
		}

		c.mu.Lock()
		cfg, exists := c.networks[netId]
		identityStillCurrent := exists && cfg.generation == generation
		if identityStillCurrent {
			if cur, ok := cfg.servers[ns.srv.Identity()]; ok && cur == ns {
				ns.state = result
				ns.inProgress = false
			} else {
				identityStillCurrent = false
			}
		}
		observer := c.observer
		c.mu.Unlock()

		// The worker's result is always observable even if the config
		// discarded it because the identity no longer belongs to the
		// current set.
		if observer != nil {
			observer.OnValidationStateChanged(netId, ns.srv.Address(), result)
		}
	}()
}

// Clear transitions all servers of netId to the "network destroyed"
// pseudo-state: outstanding validations may still run, but their results
// cannot re-enter the cleared config and the observer sees FAIL for each
// in-flight validation of that netId).
func (c *Config) Clear(netId int) {
	c.mu.Lock()
	cfg, ok := c.networks[netId]
	if !ok {
		c.mu.Unlock()
		return
	}
	cfg.generation++
	var inFlight []*serverState
	for _, ns := range cfg.servers {
		if ns.inProgress {
			inFlight = append(inFlight, ns)
		}
	}
	delete(c.networks, netId)
	observer := c.observer
	c.mu.Unlock()

	if observer != nil {
		for _, ns := range inFlight {
			observer.OnValidationStateChanged(netId, ns.srv.Address(), StateFail)
		}
	}
}

// Status is getStatus's return value.
type Status struct {
	Mode    Mode
	Servers map[server.Identity]ValidationState
}

func (c *Config) GetStatus(netId int) Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.networks[netId]
	if !ok {
		return Status{Mode: ModeOff, Servers: map[server.Identity]ValidationState{}}
	}
	servers := make(map[server.Identity]ValidationState, len(cfg.servers))
	for id, ns := range cfg.servers {
		servers[id] = ns.state
	}
	return Status{Mode: cfg.mode, Servers: servers}
}

// UsableDoTServers returns the network's mode and the servers currently
// eligible for DoT routing: in both OPPORTUNISTIC and STRICT mode, only
// servers whose validation state is SUCCESS are returned.
func (c *Config) UsableDoTServers(netId int) (mode Mode, servers []server.Server) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.networks[netId]
	if !ok {
		return ModeOff, nil
	}
	for _, ns := range cfg.servers {
		if ns.state == StateSuccess {
			servers = append(servers, ns.srv)
		}
	}
	return cfg.mode, servers
}

// Fingerprints returns the configured certificate pins for netId, used by
// the DoT socket layer to validate the peer certificate against a
// specific expected fingerprint in addition to hostname verification.
func (c *Config) Fingerprints(netId int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.networks[netId]
	if !ok {
		return nil
	}
	return append([]string(nil), cfg.fingerprints...)
}

// Wait blocks until every detached validation worker has finished,
// used by teardown.
func (c *Config) Wait() {
	c.wg.Wait()
}
