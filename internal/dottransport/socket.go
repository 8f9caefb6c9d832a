package dottransport

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/txthinking/socks5"

	"github.com/mobile-dns/resolverd/internal/server"
)

var (
	errNoPeerCertificate   = errors.New("dottransport: server presented no certificate")
	errFingerprintMismatch = errors.New("dottransport: server certificate fingerprint does not match any pinned fingerprint")
	errClosedMidHandshake  = errors.New("dottransport: socket closed during handshake")
)

// SocketState is the Socket lifecycle.
type SocketState int32

const (
	SocketInit SocketState = iota
	SocketHandshaking
	SocketReady
	SocketClosed
)

// SocketObserver receives the bytes of completed responses and a one-shot
// notification when the socket has closed.
type SocketObserver interface {
	OnSocketResponse(raw []byte)
	OnSocketClosed()
}

// DialOptions carries the socket-dial knobs that vary per network but are
// fixed for the lifetime of a given (mark, Server) transport.
type DialOptions struct {
	Socks5Proxy      string
	Socks5User       string
	Socks5Pass       string
	AcceptSelfSigned bool
	Fingerprints     []string
}

// socketVariant is the seam between Transport and its socket: the TLS
// Socket in production, a scripted fake in tests. A variant value plus
// the createSocket function below replaces a socket class hierarchy.
type socketVariant interface {
	Start() error
	Query(raw []byte) bool
	Close()
	State() SocketState
}

// createSocket builds the socket variant a Transport drives. Tests swap
// this for a constructor returning a fake.
var createSocket = func(srv server.Server, mark int, observer SocketObserver, cache *SessionCache, opts DialOptions) socketVariant {
	return NewSocket(srv, observer, cache, opts)
}

const dialTimeout = 10 * time.Second

// Socket is one TLS connection to one Server, backed by a dedicated I/O
// loop goroutine.
type Socket struct {
	srv          server.Server
	observer     SocketObserver
	sessionCache *SessionCache
	opts         DialOptions

	asyncHandshake bool

	initOnce      sync.Once
	initDone      bool
	handshakeOnce sync.Once

	state atomic.Int32

	mu      sync.Mutex
	rawConn net.Conn
	closed  bool

	writeCh   chan []byte
	closeSig  chan struct{}
	closeOnce sync.Once
	ioDone    sync.WaitGroup
}

func NewSocket(srv server.Server, observer SocketObserver, sessionCache *SessionCache, opts DialOptions) *Socket {
	s := &Socket{
		srv:          srv,
		observer:     observer,
		sessionCache: sessionCache,
		opts:         opts,
		writeCh:      make(chan []byte, 64),
		closeSig:     make(chan struct{}),
	}
	s.state.Store(int32(SocketInit))
	return s
}

// SetAsyncHandshake makes StartHandshake return immediately instead of
// blocking until the handshake completes. Must be called before StartHandshake.
func (s *Socket) SetAsyncHandshake(async bool) {
	s.asyncHandshake = async
}

// Initialize marks the socket initialized; the TLS configuration itself is
// built when the handshake runs. One-shot: returns false if called twice.
func (s *Socket) Initialize() bool {
	ok := false
	s.initOnce.Do(func() {
		ok = true
		s.initDone = true
	})
	return ok && s.initDone
}

func (s *Socket) tlsConfig() *tls.Config {
	cfg := &tls.Config{
		ServerName:         s.srv.Hostname(),
		InsecureSkipVerify: s.opts.AcceptSelfSigned,
		ClientSessionCache: &sessionCacheAdapter{cache: s.sessionCache, id: s.srv.Identity()},
	}
	if len(s.opts.Fingerprints) > 0 {
		fingerprints := s.opts.Fingerprints
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errNoPeerCertificate
			}
			sum := sha256.Sum256(rawCerts[0])
			got := hex.EncodeToString(sum[:])
			for _, want := range fingerprints {
				if strings.EqualFold(got, want) {
					return nil
				}
			}
			return errFingerprintMismatch
		}
	}
	return cfg
}

// Start implements the socketVariant contract: Initialize plus
// StartHandshake in one step, the way Transport drives a fresh socket.
func (s *Socket) Start() error {
	s.Initialize()
	return s.StartHandshake()
}

// StartHandshake schedules the TLS handshake. One-shot. In async mode it
// returns immediately; otherwise it blocks until the handshake completes
// or fails.
func (s *Socket) StartHandshake() error {
	var err error
	s.handshakeOnce.Do(func() {
		s.state.Store(int32(SocketHandshaking))
		if s.asyncHandshake {
			go s.runHandshake()
			return
		}
		err = s.runHandshake()
	})
	if s.asyncHandshake {
		return nil
	}
	return err
}

func (s *Socket) dial(network, addr string) (net.Conn, error) {
	if s.opts.Socks5Proxy == "" {
		return (&net.Dialer{Timeout: dialTimeout}).Dial(network, addr)
	}
	client := &socks5.Client{
		Server:     s.opts.Socks5Proxy,
		UserName:   s.opts.Socks5User,
		Password:   s.opts.Socks5Pass,
		TCPTimeout: int(dialTimeout / time.Second),
	}
	return client.Dial(network, addr)
}

func (s *Socket) runHandshake() error {
	addr := net.JoinHostPort(s.srv.Address().String(), strconv.Itoa(int(s.srv.Port())))
	conn, err := s.dial("tcp", addr)
	if err != nil {
		s.transitionClosed()
		return err
	}

	// The raw conn is published before the handshake starts so Close can
	// sever it mid-handshake; a hung handshake must not outlive Close by
	// more than a second.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		s.transitionClosed()
		return errClosedMidHandshake
	}
	s.rawConn = conn
	s.mu.Unlock()

	tlsConn := tls.Client(conn, s.tlsConfig())
	if err := tlsConn.Handshake(); err != nil {
		_ = conn.Close()
		s.transitionClosed()
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = tlsConn.Close()
		s.transitionClosed()
		return errClosedMidHandshake
	}
	s.mu.Unlock()

	s.state.Store(int32(SocketReady))
	s.ioDone.Add(2)
	go s.readLoop(tlsConn)
	go s.writeLoop(tlsConn)
	return nil
}

// Query enqueues a wire query, 2-byte length-prefixed for DoT's TCP
// framing. Returns false only if the socket is already
// closed.
func (s *Socket) Query(raw []byte) bool {
	if SocketState(s.state.Load()) == SocketClosed {
		return false
	}
	framed := make([]byte, 2+len(raw))
	binary.BigEndian.PutUint16(framed, uint16(len(raw)))
	copy(framed[2:], raw)
	select {
	case s.writeCh <- framed:
		return true
	case <-s.closeSig:
		return false
	}
}

func (s *Socket) readLoop(conn *tls.Conn) {
	defer s.ioDone.Done()
	r := bufio.NewReader(conn)
	for {
		var lengthBuf [2]byte
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			s.transitionClosed()
			return
		}
		n := binary.BigEndian.Uint16(lengthBuf[:])
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			s.transitionClosed()
			return
		}
		s.observer.OnSocketResponse(msg)
	}
}

func (s *Socket) writeLoop(conn *tls.Conn) {
	defer s.ioDone.Done()
	for {
		select {
		case frame := <-s.writeCh:
			if _, err := conn.Write(frame); err != nil {
				s.transitionClosed()
				return
			}
		case <-s.closeSig:
			return
		}
	}
}

// Close shuts the socket down. Closing the raw connection unblocks a
// blocking Read or an in-flight handshake, and closeSig unblocks the
// writer, so the loop goroutines terminate well within a second whether
// or not the handshake ever completed.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.closeSig)
		s.mu.Lock()
		s.closed = true
		rawConn := s.rawConn
		s.mu.Unlock()
		if rawConn != nil {
			_ = rawConn.Close()
		}
	})
	s.transitionClosed()
}

func (s *Socket) transitionClosed() {
	if SocketState(s.state.Swap(int32(SocketClosed))) != SocketClosed {
		s.observer.OnSocketClosed()
	}
}

func (s *Socket) State() SocketState {
	return SocketState(s.state.Load())
}

type sessionCacheAdapter struct {
	cache *SessionCache
	id    server.Identity
}

func (a *sessionCacheAdapter) Get(_ string) (*tls.ClientSessionState, bool) {
	if a.cache == nil {
		return nil, false
	}
	v, ok := a.cache.Get(a.id)
	if !ok {
		return nil, false
	}
	cs, ok := v.(*tls.ClientSessionState)
	return cs, ok
}

func (a *sessionCacheAdapter) Put(_ string, cs *tls.ClientSessionState) {
	if a.cache == nil || cs == nil {
		return
	}
	a.cache.Put(a.id, cs)
}
