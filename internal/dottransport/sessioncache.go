package dottransport

import (
	"container/list"
	"sync"

	"github.com/mobile-dns/resolverd/internal/server"
)

const defaultSessionCacheCapacity = 5

// SessionCache holds a bounded, ordered list of TLS session tickets per
// Server identity. Tickets are single-use:
// Get pops the head.
type SessionCache struct {
	mu        sync.Mutex
	capacity  int
	perServer map[server.Identity]*list.List // of opaque tickets, head = most recent
}

func NewSessionCache(capacity int) *SessionCache {
	if capacity <= 0 {
		capacity = defaultSessionCacheCapacity
	}
	return &SessionCache{
		capacity:  capacity,
		perServer: make(map[server.Identity]*list.List),
	}
}

// Put inserts blob at the head of id's ticket list, evicting the tail if
// over capacity. blob is opaque to SessionCache; the DoT socket stores a
// *tls.ClientSessionState here.
func (sc *SessionCache) Put(id server.Identity, blob interface{}) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	l, ok := sc.perServer[id]
	if !ok {
		l = list.New()
		sc.perServer[id] = l
	}
	l.PushFront(blob)
	for l.Len() > sc.capacity {
		l.Remove(l.Back())
	}
}

// Get pops the most recently inserted ticket for id, if any.
func (sc *SessionCache) Get(id server.Identity) (interface{}, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	l, ok := sc.perServer[id]
	if !ok || l.Len() == 0 {
		return nil, false
	}
	front := l.Front()
	l.Remove(front)
	return front.Value, true
}
