package cache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCache(capacity int) *NetworkCache {
	nc := NewNetworkCache(capacity, 1*time.Second, 24*time.Hour)
	nc.BaseTimeoutMs = 5000
	nc.RetryCount = 2
	return nc
}

func answer(nc *NetworkCache, key string, bytes []byte, ttl uint32) {
	state := nc.Lookup(key)
	if state.Kind != KindMiss {
		panic("answer() expects a fresh key")
	}
	nc.Publish(state.Token, Outcome{Answer: bytes}, ttl, true)
}

func TestLookupMissThenHit(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()

	state := nc.Lookup("key1")
	if state.Kind != KindMiss {
		t.Fatalf("Expected Miss on empty cache, got %v", state.Kind)
	}
	if state.Token == nil {
		t.Fatal("Miss should carry an admit token")
	}

	nc.Publish(state.Token, Outcome{Answer: []byte("response")}, 300, true)

	state = nc.Lookup("key1")
	if state.Kind != KindHit {
		t.Fatalf("Expected Hit after publish, got %v", state.Kind)
	}
	if string(state.Bytes) != "response" {
		t.Errorf("Expected cached bytes, got %q", state.Bytes)
	}
}

func TestPendingCoalescing(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()

	first := nc.Lookup("key1")
	if first.Kind != KindMiss {
		t.Fatalf("Expected Miss, got %v", first.Kind)
	}

	// Fire N identical lookups concurrently; all N must coalesce onto the
	// single in-flight query and observe its published answer.
	const n = 100
	var admitted int64
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			state := nc.Lookup("key1")
			switch state.Kind {
			case KindMiss:
				atomic.AddInt64(&admitted, 1)
			case KindPending:
				outcome, err := state.Future.Wait(5 * time.Second)
				if err != nil {
					t.Errorf("Waiter %d timed out", i)
					return
				}
				results[i] = outcome.Answer
			}
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	nc.Publish(first.Token, Outcome{Answer: []byte("shared")}, 300, true)
	wg.Wait()

	if admitted != 0 {
		t.Errorf("Expected all concurrent lookups to coalesce, %d were admitted", admitted)
	}
	for i, r := range results {
		if string(r) != "shared" {
			t.Errorf("Waiter %d saw %q, expected shared answer", i, r)
		}
	}
}

func TestPendingFailureWakesWaiters(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()

	first := nc.Lookup("key1")
	pending := nc.Lookup("key1")
	if pending.Kind != KindPending {
		t.Fatalf("Expected Pending, got %v", pending.Kind)
	}

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := pending.Future.Wait(5 * time.Second)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- outcome
	}()

	nc.Publish(first.Token, Outcome{Failure: true}, 0, false)
	outcome := <-done
	if !outcome.Failure {
		t.Error("Waiter should observe the failure outcome")
	}

	// A failed entry is removed; the next lookup misses.
	if state := nc.Lookup("key1"); state.Kind != KindMiss {
		t.Errorf("Expected Miss after failed publish, got %v", state.Kind)
	}
}

func TestWaiterTimeout(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()

	nc.Lookup("key1")
	pending := nc.Lookup("key1")
	if pending.Kind != KindPending {
		t.Fatalf("Expected Pending, got %v", pending.Kind)
	}

	_, err := pending.Future.Wait(10 * time.Millisecond)
	if err != ErrTimeout {
		t.Errorf("Expected ErrTimeout, got %v", err)
	}
}

func TestExpiredEntryIsMiss(t *testing.T) {
	nc := NewNetworkCache(0, 0, 24*time.Hour)
	defer nc.Close()
	nc.BaseTimeoutMs = 5000
	nc.RetryCount = 2

	state := nc.Lookup("key1")
	// min_ttl 0 and an RR TTL of 0 expire immediately.
	nc.Publish(state.Token, Outcome{Answer: []byte("response")}, 0, true)

	time.Sleep(5 * time.Millisecond)
	state = nc.Lookup("key1")
	if state.Kind != KindMiss {
		t.Errorf("Expected expired entry to read as Miss, got %v", state.Kind)
	}
}

func TestEmptyAnswerUsesMinTTL(t *testing.T) {
	nc := NewNetworkCache(0, 10*time.Minute, 24*time.Hour)
	defer nc.Close()
	nc.BaseTimeoutMs = 5000
	nc.RetryCount = 2

	state := nc.Lookup("key1")
	nc.Publish(state.Token, Outcome{Answer: []byte("nodata")}, 0, false)

	// min_ttl is 10 minutes; the entry must still be alive.
	state = nc.Lookup("key1")
	if state.Kind != KindHit {
		t.Errorf("Empty-answer entry should live for min_ttl, got %v", state.Kind)
	}
}

func TestLRUEviction(t *testing.T) {
	nc := newTestCache(3)
	defer nc.Close()

	answer(nc, "key1", []byte("r1"), 300)
	answer(nc, "key2", []byte("r2"), 300)
	answer(nc, "key3", []byte("r3"), 300)

	// Touch key1 so key2 is the LRU entry.
	if state := nc.Lookup("key1"); state.Kind != KindHit {
		t.Fatal("key1 should be cached")
	}

	answer(nc, "key4", []byte("r4"), 300)

	if state := nc.Lookup("key2"); state.Kind != KindMiss {
		t.Error("key2 should have been evicted as LRU")
	} else {
		nc.Publish(state.Token, Outcome{Failure: true}, 0, false)
	}
	for _, key := range []string{"key1", "key3", "key4"} {
		if state := nc.Lookup(key); state.Kind != KindHit {
			t.Errorf("%s should still be cached", key)
		}
	}
}

func TestPendingEntriesNeverEvicted(t *testing.T) {
	nc := newTestCache(2)
	defer nc.Close()

	p1 := nc.Lookup("pending1")
	p2 := nc.Lookup("pending2")

	// Capacity is exhausted by PENDING entries; an additional lookup is
	// admitted without insertion and bypasses the cache.
	bypass := nc.Lookup("extra")
	if bypass.Kind != KindMiss {
		t.Fatalf("Expected Miss with bypass token, got %v", bypass.Kind)
	}
	nc.Publish(bypass.Token, Outcome{Answer: []byte("bypassed")}, 300, true)
	if state := nc.Lookup("extra"); state.Kind != KindMiss {
		t.Error("Bypass publish should not insert an entry")
	} else {
		nc.Publish(state.Token, Outcome{Failure: true}, 0, false)
	}

	// Both PENDING entries survived.
	if state := nc.Lookup("pending1"); state.Kind != KindPending {
		t.Errorf("pending1 should still be PENDING, got %v", state.Kind)
	}
	if state := nc.Lookup("pending2"); state.Kind != KindPending {
		t.Errorf("pending2 should still be PENDING, got %v", state.Kind)
	}

	nc.Publish(p1.Token, Outcome{Answer: []byte("r1")}, 300, true)
	nc.Publish(p2.Token, Outcome{Answer: []byte("r2")}, 300, true)
}

func TestFlushAbortsPending(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()

	nc.Lookup("key1")
	pending := nc.Lookup("key1")
	if pending.Kind != KindPending {
		t.Fatalf("Expected Pending, got %v", pending.Kind)
	}

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := pending.Future.Wait(5 * time.Second)
		if err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		done <- outcome
	}()

	nc.Flush()
	outcome := <-done
	if !outcome.Failure {
		t.Error("Flush should abort PENDING entries with Failure")
	}
}

func TestPublishAfterFlushIsNoop(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()

	state := nc.Lookup("key1")
	nc.Flush()

	// The token's entry is gone; publishing must not resurrect it.
	nc.Publish(state.Token, Outcome{Answer: []byte("stale")}, 300, true)
	if after := nc.Lookup("key1"); after.Kind != KindMiss {
		t.Errorf("Expected Miss after flush+stale publish, got %v", after.Kind)
	}
}

func TestResizeEvictsDown(t *testing.T) {
	nc := newTestCache(4)
	defer nc.Close()

	for i := 1; i <= 4; i++ {
		key := fmt.Sprintf("key%d", i)
		answer(nc, key, []byte(key), 300)
	}

	nc.Resize(2)

	hits := 0
	for i := 1; i <= 4; i++ {
		state := nc.Lookup(fmt.Sprintf("key%d", i))
		if state.Kind == KindHit {
			hits++
		} else if state.Kind == KindMiss {
			nc.Publish(state.Token, Outcome{Failure: true}, 0, false)
		}
	}
	if hits != 2 {
		t.Errorf("Expected 2 entries after resize to 2, got %d", hits)
	}
}

func TestRecencyChainOrdering(t *testing.T) {
	nc := newTestCache(3)
	defer nc.Close()

	answer(nc, "key1", []byte("r1"), 300)
	answer(nc, "key2", []byte("r2"), 300)
	answer(nc, "key3", []byte("r3"), 300)

	// Touching key1 moves it to the newest end of the chain; shrinking to
	// one slot must then evict key2 and key3 in age order and keep key1.
	if state := nc.Lookup("key1"); state.Kind != KindHit {
		t.Fatal("key1 should be cached")
	}
	nc.Resize(1)

	if state := nc.Lookup("key1"); state.Kind != KindHit {
		t.Error("Most recently used entry should survive the resize")
	}
	for _, key := range []string{"key2", "key3"} {
		state := nc.Lookup(key)
		if state.Kind != KindMiss {
			t.Errorf("%s should have been evicted, got %v", key, state.Kind)
		} else {
			nc.Publish(state.Token, Outcome{Failure: true}, 0, false)
		}
	}
}

func TestTTLClamping(t *testing.T) {
	nc := NewNetworkCache(0, 2*time.Second, 5*time.Second)
	defer nc.Close()
	nc.BaseTimeoutMs = 5000
	nc.RetryCount = 2

	// An RR TTL above max_ttl is clamped down to 5s; the entry must be
	// alive now and gone after max_ttl.
	state := nc.Lookup("key1")
	nc.Publish(state.Token, Outcome{Answer: []byte("r")}, 86400, true)
	if s := nc.Lookup("key1"); s.Kind != KindHit {
		t.Errorf("Expected Hit within clamped TTL, got %v", s.Kind)
	}
}

func TestWaitTimeoutBounds(t *testing.T) {
	tests := []struct {
		name        string
		baseTimeout int64
		retryCount  int
		expected    time.Duration
	}{
		{"defaults", 5000, 2, 10 * time.Second},
		{"bounded above", 30000, 10, 50 * time.Second},
		{"zero retries", 5000, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nc := newTestCache(0)
			defer nc.Close()
			nc.BaseTimeoutMs = tt.baseTimeout
			nc.RetryCount = tt.retryCount
			if got := nc.waitTimeout(); got != tt.expected {
				t.Errorf("waitTimeout() = %v, expected %v", got, tt.expected)
			}
		})
	}
}

func TestSweeperFailsAbandonedPending(t *testing.T) {
	nc := newTestCache(0)
	defer nc.Close()
	// Tight timeout so an abandoned token sweeps quickly: 10ms * 2 = 20ms,
	// swept once age exceeds twice that.
	nc.BaseTimeoutMs = 10
	nc.RetryCount = 2

	nc.Lookup("abandoned")
	pending := nc.Lookup("abandoned")
	if pending.Kind != KindPending {
		t.Fatalf("Expected Pending, got %v", pending.Kind)
	}

	// The sweeper runs on a 1s tick; the abandoned entry must resolve to
	// Failure without Publish ever being called.
	outcome, err := pending.Future.Wait(3 * time.Second)
	if err != nil {
		t.Fatalf("Sweeper did not fail the abandoned entry: %v", err)
	}
	if !outcome.Failure {
		t.Error("Abandoned PENDING entry should resolve to Failure")
	}
}
