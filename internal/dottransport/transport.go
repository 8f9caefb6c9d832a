package dottransport

import (
	"sync"
	"sync/atomic"

	"github.com/mobile-dns/resolverd/internal/server"
)

// Code is a Transport-level outcome. Transport itself never
// returns LIMIT_ERROR (that's Dispatcher's to report) and returns
// INTERNAL_ERROR iff the QueryMap is full.
type Code int

const (
	CodeSuccess Code = iota
	CodeNetworkError
	CodeLimitError
	CodeInternalError
	CodeServerError
)

// Result is what a Transport query resolves to. Bytes is non-empty only
// on CodeSuccess.
type Result struct {
	Code  Code
	Bytes []byte
}

// Transport wraps one socket per (Server, mark), replaying still-
// outstanding queries over a freshly created socket when the socket
// closes, up to kMaxTries total attempts per query.
type Transport struct {
	srv  server.Server
	mark int

	sessionCache *SessionCache
	opts         DialOptions

	qm *QueryMap

	mu     sync.Mutex
	socket socketVariant

	connectCounter int64
}

func NewTransport(srv server.Server, mark int, sessionCache *SessionCache, opts DialOptions) *Transport {
	return &Transport{
		srv:          srv,
		mark:         mark,
		sessionCache: sessionCache,
		opts:         opts,
		qm:           NewQueryMap(DefaultMaxTries),
	}
}

// ConnectCounter is the monotonic count of sockets created, exposed for
// observability and testing.
func (t *Transport) ConnectCounter() int64 {
	return atomic.LoadInt64(&t.connectCounter)
}

// Query enqueues a wire query and returns a channel delivering its
// eventual Result. The caller is never blocked by this call itself;
// connection establishment and any retries happen on a dedicated
// goroutine.
//
// Retry exhaustion surfaces as CodeNetworkError with empty bytes;
// ResultServerError is the QueryMap-internal form of that exhaustion and
// never carries bytes out of the transport.
func (t *Transport) Query(bytes []byte, originalID uint16) <-chan Result {
	resultCh := make(chan Result, 1)
	go func() {
		q := t.qm.RecordQuery(bytes, originalID)
		if q == nil {
			resultCh <- Result{Code: CodeInternalError}
			return
		}
		if sock := t.ensureSocket(); sock != nil {
			// A false return means the socket died between ensureSocket
			// and enqueue; the OnSocketClosed replay path picks q up if
			// it still has tries left.
			sock.Query(q.Bytes)
		}
		// Even with no socket (handshake failed outright) the query stays
		// recorded: the failed socket's close notification drives the
		// retry machinery that eventually completes it.
		r := q.Wait()
		switch r.Code {
		case ResultSuccess:
			resultCh <- Result{Code: CodeSuccess, Bytes: r.Bytes}
		default:
			resultCh <- Result{Code: CodeNetworkError}
		}
	}()
	return resultCh
}

func (t *Transport) ensureSocket() socketVariant {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.socket != nil && t.socket.State() != SocketClosed {
		return t.socket
	}
	sock := t.newSocketLocked()
	if err := sock.Start(); err != nil {
		return nil
	}
	t.socket = sock
	return sock
}

func (t *Transport) newSocketLocked() socketVariant {
	atomic.AddInt64(&t.connectCounter, 1)
	return createSocket(t.srv, t.mark, t, t.sessionCache, t.opts)
}

// OnSocketResponse implements SocketObserver.
func (t *Transport) OnSocketResponse(raw []byte) {
	t.qm.OnResponse(raw)
}

// OnSocketClosed implements SocketObserver: every still-outstanding query
// has MarkTry invoked; survivors are resubmitted to a freshly created
// socket.
func (t *Transport) OnSocketClosed() {
	go t.reconnectAndReplay()
}

func (t *Transport) reconnectAndReplay() {
	outstanding := t.qm.GetAll()
	if len(outstanding) == 0 {
		return
	}
	survivors := make([]*Query, 0, len(outstanding))
	for _, q := range outstanding {
		if t.qm.MarkTry(q.NewID) == NewTry {
			survivors = append(survivors, q)
		}
	}
	if len(survivors) == 0 {
		return
	}

	t.mu.Lock()
	sock := t.newSocketLocked()
	if err := sock.Start(); err != nil {
		t.mu.Unlock()
		// Start already transitioned sock to Closed and fired
		// OnSocketClosed, which schedules another reconnectAndReplay for
		// whichever of these survivors still has tries left.
		return
	}
	t.socket = sock
	t.mu.Unlock()

	for _, q := range survivors {
		sock.Query(q.Bytes)
	}
}
