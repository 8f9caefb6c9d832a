package dottransport

import (
	"sync"

	"github.com/mobile-dns/resolverd/internal/wire"
)

// ResultCode is the outcome a Query's completion channel is resolved with.
type ResultCode int

const (
	ResultSuccess ResultCode = iota
	ResultServerError
	ResultCleared
)

// QueryResult is delivered over a Query's completion channel.
type QueryResult struct {
	Code  ResultCode
	Bytes []byte
}

// Query is one outstanding (original ID, wire bytes, completion channel,
// try counter) tuple, keyed internally by its freshly allocated newId.
type Query struct {
	NewID      uint16
	OriginalID uint16
	Bytes      []byte
	Tries      int
	done       chan QueryResult
}

// Wait blocks for the query's completion. Safe to call once.
func (q *Query) Wait() QueryResult {
	return <-q.done
}

const maxQueryMapSize = 1 << 16

// TryOutcome is returned by MarkTry.
type TryOutcome int

const (
	NewTry TryOutcome = iota
	Discard
)

// QueryMap is the 16-bit ID pool and in-flight table of one transport.
// Its mutex's critical sections never perform I/O.
type QueryMap struct {
	mu       sync.Mutex
	slots    [maxQueryMapSize]*Query
	freeIDs  []uint16
	inUse    int
	maxTries int
}

// DefaultMaxTries bounds the total attempts a single query gets across
// socket reconnects.
const DefaultMaxTries = 3

func NewQueryMap(maxTries int) *QueryMap {
	if maxTries <= 0 {
		maxTries = DefaultMaxTries
	}
	qm := &QueryMap{maxTries: maxTries}
	qm.freeIDs = make([]uint16, maxQueryMapSize)
	// freeIDs is a LIFO stack (popped from the end): fill it in descending
	// order so the first-ever allocation is id 0, and so that an id freed
	// by a completed query is immediately the next one handed out.
	for i := 0; i < maxQueryMapSize; i++ {
		qm.freeIDs[i] = uint16(maxQueryMapSize - 1 - i)
	}
	return qm
}

// RecordQuery rewrites bytes' ID field with a freshly allocated newId and
// stores the in-flight Query. Returns nil iff all ids are taken.
func (qm *QueryMap) RecordQuery(bytes []byte, originalID uint16) *Query {
	qm.mu.Lock()
	if len(qm.freeIDs) == 0 {
		qm.mu.Unlock()
		return nil
	}
	newID := qm.freeIDs[len(qm.freeIDs)-1]
	qm.freeIDs = qm.freeIDs[:len(qm.freeIDs)-1]
	wire.SetID(bytes, newID)
	q := &Query{
		NewID:      newID,
		OriginalID: originalID,
		Bytes:      bytes,
		done:       make(chan QueryResult, 1),
	}
	qm.slots[newID] = q
	qm.inUse++
	qm.mu.Unlock()
	return q
}

// GetAll snapshots the outstanding queries, used for retries after a
// socket close.
func (qm *QueryMap) GetAll() []*Query {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	out := make([]*Query, 0, qm.inUse)
	for _, q := range qm.slots {
		if q != nil {
			out = append(out, q)
		}
	}
	return out
}

// OnResponse extracts newId from the first two bytes of raw; a response
// with no matching slot is dropped silently (garbage-response
// tolerance). The slot is freed and the matching Query's channel
// completed with its original ID restored in the response bytes.
func (qm *QueryMap) OnResponse(raw []byte) {
	if len(raw) < 2 {
		return
	}
	newID := wire.ID(raw)
	qm.mu.Lock()
	q := qm.slots[newID]
	if q == nil {
		qm.mu.Unlock()
		return
	}
	qm.slots[newID] = nil
	qm.freeIDs = append(qm.freeIDs, newID)
	qm.inUse--
	qm.mu.Unlock()

	wire.SetID(raw, q.OriginalID)
	// The lock is dropped before the completion channel is signalled.
	q.done <- QueryResult{Code: ResultSuccess, Bytes: raw}
}

// MarkTry increments a query's try counter, counting one failed attempt.
// Once maxTries attempts have failed it completes the query with
// ServerError, frees the slot, and reports Discard; otherwise the caller
// may resubmit the query over a fresh socket.
func (qm *QueryMap) MarkTry(newID uint16) TryOutcome {
	qm.mu.Lock()
	q := qm.slots[newID]
	if q == nil {
		qm.mu.Unlock()
		return Discard
	}
	q.Tries++
	if q.Tries >= qm.maxTries {
		qm.slots[newID] = nil
		qm.freeIDs = append(qm.freeIDs, newID)
		qm.inUse--
		qm.mu.Unlock()
		q.done <- QueryResult{Code: ResultServerError}
		return Discard
	}
	qm.mu.Unlock()
	return NewTry
}

// Clear completes every outstanding query with code and frees all slots.
func (qm *QueryMap) Clear(code ResultCode) {
	qm.mu.Lock()
	outstanding := make([]*Query, 0, qm.inUse)
	for i, q := range qm.slots {
		if q != nil {
			outstanding = append(outstanding, q)
			qm.slots[i] = nil
			qm.freeIDs = append(qm.freeIDs, uint16(i))
		}
	}
	qm.inUse = 0
	qm.mu.Unlock()
	for _, q := range outstanding {
		q.done <- QueryResult{Code: code}
	}
}

// Empty reports whether no slot is currently IN_USE.
func (qm *QueryMap) Empty() bool {
	qm.mu.Lock()
	defer qm.mu.Unlock()
	return qm.inUse == 0
}
