package dottransport

import (
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mobile-dns/resolverd/internal/server"
	"github.com/mobile-dns/resolverd/internal/wire"
)

type dispatcherKey struct {
	mark int
	pool string // server.Identity-derived key
}

type transportEntry struct {
	transport *Transport
	refs      int
	lastUsed  time.Time
}

// Dispatcher is the fan-out from the resolver side: a keyring of
// reference-counted Transports keyed by (mark, Server).
type Dispatcher struct {
	mu        sync.Mutex
	entries   map[dispatcherKey]*transportEntry
	idleAfter time.Duration

	sessionCache *SessionCache

	// dedupes identical concurrent wire queries to the same (mark, server)
	// before they reach a Transport — see DESIGN.md for why ResponseCache
	// itself cannot use singleflight's call-then-return model directly.
	inflight singleflight.Group
}

const defaultIdleRetireAfter = 2 * time.Minute

func NewDispatcher(sessionCache *SessionCache) *Dispatcher {
	return &Dispatcher{
		entries:      make(map[dispatcherKey]*transportEntry),
		idleAfter:    defaultIdleRetireAfter,
		sessionCache: sessionCache,
	}
}

// DispatchResult is Dispatcher.query's return.
type DispatchResult struct {
	Code             Code
	Bytes            []byte
	ConnectTriggered bool
}

// Query fans a wire query out to the (mark, server) transport, creating
// one on demand. If answerBufSize is smaller than the response, it
// returns LIMIT_ERROR without ever handing the oversized bytes to the
// cache layer above.
func (d *Dispatcher) Query(srv server.Server, mark int, queryBytes []byte, originalID uint16, answerBufSize int, opts DialOptions) DispatchResult {
	if len(queryBytes) < 2 {
		return DispatchResult{Code: CodeInternalError}
	}
	id := srv.Identity()
	key := dispatcherKey{mark: mark, pool: id.Address + "|" + id.Hostname + "|" + string(id.Protocol)}

	d.mu.Lock()
	entry, existed := d.entries[key]
	connectTriggered := false
	if !existed {
		entry = &transportEntry{transport: NewTransport(srv, mark, d.sessionCache, opts)}
		d.entries[key] = entry
		connectTriggered = true
	}
	entry.refs++
	entry.lastUsed = time.Now()
	transport := entry.transport
	d.mu.Unlock()

	defer d.release(key)

	// Collapse identical concurrent queries (same question, same
	// mark+server) onto a single upstream round trip. The shared call
	// necessarily completes with one of the waiters' original transaction
	// IDs stamped in by QueryMap; every other waiter restamps its own copy
	// with its own original ID before returning, so no caller ever sees a
	// response whose header ID doesn't match what it sent.
	sfKey := strconv.Itoa(mark) + "|" + key.pool + "|" + string(queryBytes[2:])
	v, _, _ := d.inflight.Do(sfKey, func() (interface{}, error) {
		return <-transport.Query(append([]byte(nil), queryBytes...), originalID), nil
	})
	result := v.(Result)

	if result.Code == CodeSuccess {
		restamped := append([]byte(nil), result.Bytes...)
		wire.SetID(restamped, originalID)
		result.Bytes = restamped
	}
	if result.Code == CodeSuccess && answerBufSize > 0 && len(result.Bytes) > answerBufSize {
		return DispatchResult{Code: CodeLimitError, ConnectTriggered: connectTriggered}
	}
	return DispatchResult{Code: result.Code, Bytes: result.Bytes, ConnectTriggered: connectTriggered}
}

func (d *Dispatcher) release(key dispatcherKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[key]; ok {
		entry.refs--
		entry.lastUsed = time.Now()
	}
}

// RetireIdle drops transports with zero outstanding queries that have not
// been used within the idle window; the next Query for that key creates a
// fresh Transport, observable via ConnectTriggered.
func (d *Dispatcher) RetireIdle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for key, entry := range d.entries {
		if entry.refs == 0 && now.Sub(entry.lastUsed) > d.idleAfter {
			delete(d.entries, key)
		}
	}
}
