package ratelimit

import (
	"sync"
	"time"
)

// window allows one success per interval. Exceeding it blocks the key for
// a fixed duration.
type window struct {
	tokens       int
	lastRefill   time.Time
	blockedUntil time.Time
	lastAccess   time.Time
}

// windowSet is a keyed family of discrete windows.
type windowSet struct {
	mu       sync.Mutex
	interval time.Duration
	block    time.Duration
	entries  map[string]*window
}

func newWindowSet(interval, block time.Duration) *windowSet {
	return &windowSet{
		interval: interval,
		block:    block,
		entries:  make(map[string]*window),
	}
}

func (s *windowSet) allow(key string, now time.Time) (bool, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.entries[key]
	if !ok {
		w = &window{tokens: 1, lastRefill: now}
		s.entries[key] = w
	}
	w.lastAccess = now

	if now.Before(w.blockedUntil) {
		return false, w.blockedUntil.Sub(now)
	}

	// An expired block restores the allowance.
	if !w.blockedUntil.IsZero() {
		w.blockedUntil = time.Time{}
		w.tokens = 1
		w.lastRefill = now
	}

	if now.Sub(w.lastRefill) >= s.interval {
		w.tokens = 1
		w.lastRefill = now
	}

	if w.tokens > 0 {
		w.tokens--
		return true, 0
	}

	w.blockedUntil = now.Add(s.block)
	return false, s.block
}

func (s *windowSet) remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// evictIdle drops entries not touched since cutoff that are not blocked.
func (s *windowSet) evictIdle(cutoff, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for key, w := range s.entries {
		if w.lastAccess.Before(cutoff) && !now.Before(w.blockedUntil) {
			delete(s.entries, key)
			evicted++
		}
	}
	return evicted
}

func (s *windowSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
