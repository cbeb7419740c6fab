// Package ratelimit provides an in-memory token bucket. The edge server uses
// it to bound how often one client may publish change events, since every
// event invalidates a family and refetches all of its entries.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// Bucket is a single token bucket.
type Bucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
	now    func() time.Time
}

// New returns a full bucket refilled at ratePerSecond. If burst <= 0 it
// defaults to ratePerSecond.
func New(ratePerSecond, burst float64) *Bucket {
	return newBucket(ratePerSecond, burst, time.Now)
}

func newBucket(rate, burst float64, now func() time.Time) *Bucket {
	if burst <= 0 {
		burst = rate
	}
	return &Bucket{rate: rate, burst: burst, tokens: burst, last: now(), now: now}
}

// Allow takes one token if available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// full reports whether the bucket would be back at burst by now, which
// makes it indistinguishable from a new one.
func (b *Bucket) full(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens+now.Sub(b.last).Seconds()*b.rate >= b.burst
}

// minSweep is the bucket count below which a Store is never pruned.
const minSweep = 1024

// Store keeps one Bucket per key, all sharing a rate and burst. Buckets
// that have refilled completely are dropped once the map reaches sweepAt.
type Store struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	rate    float64
	burst   float64
	now     func() time.Time
	sweepAt int
}

// NewStore creates an empty Store.
func NewStore(ratePerSecond, burst float64) *Store {
	return &Store{
		buckets: make(map[string]*Bucket),
		rate:    ratePerSecond,
		burst:   burst,
		now:     time.Now,
		sweepAt: minSweep,
	}
}

// Allow takes a token from key's bucket, creating it on first use.
func (s *Store) Allow(key string) bool {
	s.mu.Lock()
	b, ok := s.buckets[key]
	if !ok {
		if len(s.buckets) >= s.sweepAt {
			s.prune()
		}
		b = newBucket(s.rate, s.burst, s.now)
		s.buckets[key] = b
	}
	s.mu.Unlock()
	return b.Allow()
}

// prune drops full buckets and moves the next sweep to twice the remaining
// size so busy stores are not scanned on every new client. Callers hold mu.
func (s *Store) prune() {
	now := s.now()
	for key, b := range s.buckets {
		if b.full(now) {
			delete(s.buckets, key)
		}
	}
	s.sweepAt = 2 * len(s.buckets)
	if s.sweepAt < minSweep {
		s.sweepAt = minSweep
	}
}

// Len returns the number of tracked clients.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Middleware rejects requests with 429 once the client's bucket is empty.
// Clients are keyed by r.RemoteAddr without its port; mount it behind a
// RealIP middleware when running behind a proxy. reject writes the
// response for limited requests.
func Middleware(s *Store, reject http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !s.Allow(clientKey(r)) {
				w.Header().Set("Retry-After", "1")
				reject(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
