package stats

import (
	"sync"
	"time"

	"github.com/mobile-dns/resolverd/internal/server"
)

// Bucket is a fixed-size ring of at most maxSamples samples for one
// (network, server) pair. Oldest samples are overwritten once full;
// revision pins the bucket to the configuration
// generation it was created under so stale in-flight samples can be
// dropped without racing a live reconfiguration.
type Bucket struct {
	mu         sync.Mutex
	revision   uint64
	maxSamples int
	samples    []server.Sample
	cursor     int
	full       bool
}

func newBucket(revision uint64, maxSamples int) *Bucket {
	if maxSamples < 1 {
		maxSamples = 1
	}
	return &Bucket{
		revision:   revision,
		maxSamples: maxSamples,
		samples:    make([]server.Sample, maxSamples),
	}
}

// add appends sample, discarding it silently if revision is stale.
func (b *Bucket) add(revision uint64, sample server.Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if revision != b.revision {
		return
	}
	b.samples[b.cursor] = sample
	b.cursor = (b.cursor + 1) % b.maxSamples
	if b.cursor == 0 {
		b.full = true
	}
}

// Aggregate is the result of one pass over a bucket's samples.
type Aggregate struct {
	Successes      int
	Errors         int
	Timeouts       int
	InternalErrors int
	RTTAvgMs       float64
	LastSampleTime time.Time
	TotalSamples   int
}

func (b *Bucket) aggregate() Aggregate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.aggregateLocked()
}

func (b *Bucket) aggregateLocked() Aggregate {
	var agg Aggregate
	n := b.cursor
	if b.full {
		n = b.maxSamples
	}
	var rttSum int64
	for i := 0; i < n; i++ {
		s := b.samples[i]
		switch s.Class() {
		case server.ClassSuccess:
			agg.Successes++
			rttSum += s.RTTMs
		case server.ClassTimeout:
			agg.Timeouts++
		case server.ClassInternalError:
			agg.InternalErrors++
		default:
			agg.Errors++
		}
		if s.Time.After(agg.LastSampleTime) {
			agg.LastSampleTime = s.Time
		}
	}
	agg.TotalSamples = n
	if agg.Successes > 0 {
		agg.RTTAvgMs = float64(rttSum) / float64(agg.Successes)
	}
	return agg
}

// reset clears the bucket's contents but keeps its revision (used for the
// sample_validity probe-retry clear in usable_servers).
func (b *Bucket) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.samples {
		b.samples[i] = server.Sample{}
	}
	b.cursor = 0
	b.full = false
}
