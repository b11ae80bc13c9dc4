package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// bucket is a continuous token bucket. Tokens refill at a fixed rate up to
// the burst ceiling; there is no block window.
type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func newBucket(perSecond float64, burst int, now time.Time) *bucket {
	return &bucket{
		limiter:    rate.NewLimiter(rate.Limit(perSecond), burst),
		lastAccess: now,
	}
}

// allow consumes one token at now. When empty it returns the time until the
// next token.
func (b *bucket) allow(now time.Time) (bool, time.Duration) {
	b.lastAccess = now
	if b.limiter.AllowN(now, 1) {
		return true, 0
	}
	return false, b.wait(now)
}

func (b *bucket) wait(now time.Time) time.Duration {
	limit := float64(b.limiter.Limit())
	if limit <= 0 {
		return 0
	}
	missing := 1 - b.limiter.TokensAt(now)
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / limit * float64(time.Second))
}

// globalBucket is a single shared bucket with its own lock.
type globalBucket struct {
	mu sync.Mutex
	b  *bucket
}

func newGlobalBucket(perSecond float64, burst int, now time.Time) *globalBucket {
	return &globalBucket{b: newBucket(perSecond, burst, now)}
}

func (g *globalBucket) allow(now time.Time) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.b.allow(now)
}

// bucketSet is a keyed family of buckets sharing one configuration.
type bucketSet struct {
	mu        sync.Mutex
	perSecond float64
	burst     int
	buckets   map[string]*bucket
}

func newBucketSet(perSecond float64, burst int) *bucketSet {
	return &bucketSet{
		perSecond: perSecond,
		burst:     burst,
		buckets:   make(map[string]*bucket),
	}
}

func (s *bucketSet) allow(key string, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		b = newBucket(s.perSecond, s.burst, now)
		s.buckets[key] = b
	}
	return b.allow(now)
}

func (s *bucketSet) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.buckets[key]
	delete(s.buckets, key)
	return ok
}

// evictIdle drops buckets not touched since cutoff.
func (s *bucketSet) evictIdle(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, b := range s.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(s.buckets, key)
			evicted++
		}
	}
	return evicted
}

func (s *bucketSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
