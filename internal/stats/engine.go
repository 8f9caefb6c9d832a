// Package stats implements the sliding-window reliability estimator that
// decides which upstream servers are currently usable.
package stats

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/mobile-dns/resolverd/internal/server"
)

// Policy holds the tunables from setResolverConfiguration's params that
// govern usability decisions.
type Policy struct {
	SampleValidity   time.Duration
	SuccessThreshold int // percent
	MinSamples       int
	MaxSamples       int
}

func DefaultPolicy() Policy {
	return Policy{
		SampleValidity:   1800 * time.Second,
		SuccessThreshold: 25,
		MinSamples:       4,
		MaxSamples:       8,
	}
}

type networkStats struct {
	mu       sync.RWMutex
	revision uint64
	policy   Policy
	buckets  *gocache.Cache // server.PoolKey() -> *Bucket
}

// Engine is the per-process StatsEngine: every configured network gets its
// own bucket set, revision counter, and policy.
type Engine struct {
	mu       sync.RWMutex
	networks map[int]*networkStats
	now      func() time.Time
}

func NewEngine() *Engine {
	return &Engine{
		networks: make(map[int]*networkStats),
		now:      time.Now,
	}
}

// SetRevision (re)initializes a network's bucket set under a fresh
// revision id; setResolverConfiguration bumps the revision on every
// configuration change. The network starts over with an empty bucket set,
// so buckets from the previous revision are not migrated; a sample still
// recorded against the previous revision is dropped by add()'s revision
// check.
func (e *Engine) SetRevision(netId int, revision uint64, policy Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.networks[netId] = &networkStats{
		revision: revision,
		policy:   policy,
		buckets:  gocache.New(gocache.NoExpiration, time.Minute),
	}
}

// DropNetwork removes all stats state for a destroyed network.
func (e *Engine) DropNetwork(netId int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.networks, netId)
}

func (e *Engine) network(netId int) *networkStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.networks[netId]
}

func (ns *networkStats) bucket(key string, create bool) *Bucket {
	if v, ok := ns.buckets.Get(key); ok {
		return v.(*Bucket)
	}
	if !create {
		return nil
	}
	ns.mu.RLock()
	revision, max := ns.revision, ns.policy.MaxSamples
	ns.mu.RUnlock()
	b := newBucket(revision, max)
	// Add is go-cache's create-if-absent: if another goroutine won the
	// race to create this bucket first, use its winner instead of ours.
	if err := ns.buckets.Add(key, b, gocache.NoExpiration); err != nil {
		if v, ok := ns.buckets.Get(key); ok {
			return v.(*Bucket)
		}
	}
	return b
}

// Record appends a sample for (netId, srv), discarding it if revision is
// stale relative to the network's current configuration generation.
func (e *Engine) Record(netId int, revision uint64, srv server.Server, sample server.Sample) {
	ns := e.network(netId)
	if ns == nil {
		return
	}
	b := ns.bucket(srv.PoolKey(), true)
	b.add(revision, sample)
}

// Aggregate iterates the bucket for (netId, srv) once.
func (e *Engine) Aggregate(netId int, srv server.Server) Aggregate {
	ns := e.network(netId)
	if ns == nil {
		return Aggregate{}
	}
	b := ns.bucket(srv.PoolKey(), false)
	if b == nil {
		return Aggregate{}
	}
	return b.aggregate()
}

// Usable reports whether a single server is usable right now, applying the
// probe-retry clear for stale buckets. It is also the primitive
// UsableServers iterates over all known servers with.
func (e *Engine) Usable(netId int, srv server.Server) bool {
	ns := e.network(netId)
	if ns == nil {
		return true
	}
	b := ns.bucket(srv.PoolKey(), false)
	if b == nil {
		return true
	}
	ns.mu.RLock()
	policy := ns.policy
	ns.mu.RUnlock()
	agg := b.aggregate()

	if agg.TotalSamples < policy.MinSamples {
		return true
	}
	if agg.Errors+agg.Timeouts == 0 {
		return true
	}
	successRate := 100 * agg.Successes / agg.TotalSamples
	if successRate >= policy.SuccessThreshold {
		return true
	}
	// Unusable unless the bucket is stale enough to warrant a probe retry.
	if e.now().Sub(agg.LastSampleTime) > policy.SampleValidity {
		b.reset()
		return true
	}
	return false
}

// UsableServers implements usable_servers: the fail-open policy that marks
// every server usable when none of the candidates currently qualify.
func (e *Engine) UsableServers(netId int, candidates []server.Server) []server.Server {
	usable := make([]server.Server, 0, len(candidates))
	for _, s := range candidates {
		if e.Usable(netId, s) {
			usable = append(usable, s)
		}
	}
	if len(usable) == 0 {
		return append([]server.Server(nil), candidates...)
	}
	return usable
}
