// Package ratelimit implements admission control for connection attempts,
// inbound messages, authentication attempts and subscription requests.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/HMasataka/kebun/logging"
)

// capacityRetryAfter is the hint returned when the global connection cap is
// reached.
const capacityRetryAfter = time.Second

// Reason identifies why an attempt was rejected.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonGlobalRate      Reason = "global_rate"
	ReasonCapacity        Reason = "capacity"
	ReasonKeyRate         Reason = "key_rate"
	ReasonMessageSize     Reason = "message_size"
	ReasonSubscriptionCap Reason = "subscription_cap"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     Reason
}

func allowed() Decision {
	return Decision{Allowed: true}
}

func rejected(reason Reason, retryAfter time.Duration) Decision {
	return Decision{RetryAfter: retryAfter, Reason: reason}
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the limiter logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// Limiter is the rate limiter facade. Each category has its own lock and
// aggregate statistics sit behind a separate one.
type Limiter struct {
	cfg    Config
	now    func() time.Time
	logger *logging.Logger

	globalConnections *globalBucket
	globalMessages    *globalBucket

	connections   *windowSet
	auth          *windowSet
	messages      *bucketSet
	subscriptions *bucketSet

	statsMu sync.Mutex
	stats   Stats
}

// New builds a limiter from cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		now:    time.Now,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(l)
	}

	now := l.now()
	l.globalConnections = newGlobalBucket(cfg.MaxConnectionsPerSecond, cfg.ConnectionBurst, now)
	l.globalMessages = newGlobalBucket(cfg.GlobalMessagesPerSecond, cfg.GlobalMessageBurst, now)
	l.connections = newWindowSet(cfg.connectionInterval(), cfg.ConnectionBlockDuration)
	l.auth = newWindowSet(cfg.authInterval(), cfg.AuthBlockDuration)
	l.messages = newBucketSet(cfg.MessagesPerSecondPerConn, cfg.MessageBurstPerConn)
	l.subscriptions = newBucketSet(cfg.SubscriptionsPerSecond, cfg.SubscriptionBurst)
	l.stats.LastUpdated = now

	return l
}

// Config returns the limits in effect.
func (l *Limiter) Config() Config {
	return l.cfg
}

// AllowConnection admits a connection attempt from ip. On success the
// attempt counts as active until Remove or Release.
func (l *Limiter) AllowConnection(ip string) Decision {
	now := l.now()

	l.statsMu.Lock()
	l.stats.TotalConnections++
	l.stats.LastUpdated = now
	if l.stats.ActiveConnections >= l.cfg.GlobalMaxConnections {
		l.stats.RejectedConnections++
		l.statsMu.Unlock()
		return l.reject("connection", ip, rejected(ReasonCapacity, capacityRetryAfter))
	}
	// Reserve the slot so concurrent attempts cannot overshoot the cap.
	l.stats.ActiveConnections++
	l.statsMu.Unlock()

	d := allowed()
	if ok, wait := l.globalConnections.allow(now); !ok {
		d = rejected(ReasonGlobalRate, wait)
	} else if ok, wait := l.connections.allow(ip, now); !ok {
		d = rejected(ReasonKeyRate, wait)
	}

	if !d.Allowed {
		l.statsMu.Lock()
		l.stats.RejectedConnections++
		l.releaseLocked()
		l.statsMu.Unlock()
		return l.reject("connection", ip, d)
	}

	return d
}

// AllowMessage admits an inbound frame of size bytes on connID.
func (l *Limiter) AllowMessage(connID string, size int64) Decision {
	now := l.now()

	d := allowed()
	if size > l.cfg.MaxMessageSize {
		d = rejected(ReasonMessageSize, 0)
	} else if ok, wait := l.globalMessages.allow(now); !ok {
		d = rejected(ReasonGlobalRate, wait)
	} else if ok, wait := l.messages.allow(connID, now); !ok {
		d = rejected(ReasonKeyRate, wait)
	}

	l.statsMu.Lock()
	l.stats.TotalMessages++
	if !d.Allowed {
		l.stats.RejectedMessages++
	}
	l.stats.LastUpdated = now
	l.statsMu.Unlock()

	if !d.Allowed {
		return l.reject("message", connID, d)
	}
	return d
}

// AllowAuth admits an authentication attempt from ip.
func (l *Limiter) AllowAuth(ip string) Decision {
	now := l.now()

	d := allowed()
	if ok, wait := l.auth.allow(ip, now); !ok {
		d = rejected(ReasonKeyRate, wait)
	}

	l.statsMu.Lock()
	l.stats.TotalAuthAttempts++
	if !d.Allowed {
		l.stats.RejectedAuthAttempts++
	}
	l.stats.LastUpdated = now
	l.statsMu.Unlock()

	if !d.Allowed {
		return l.reject("auth", ip, d)
	}
	return d
}

// AllowSubscription admits a subscription request on connID, which already
// holds currentCount subscriptions.
func (l *Limiter) AllowSubscription(connID string, currentCount int) Decision {
	now := l.now()

	d := allowed()
	if currentCount >= l.cfg.MaxSubscriptionsPerConn {
		d = rejected(ReasonSubscriptionCap, 0)
	} else if ok, wait := l.subscriptions.allow(connID, now); !ok {
		d = rejected(ReasonKeyRate, wait)
	}

	l.statsMu.Lock()
	l.stats.TotalSubscriptions++
	if !d.Allowed {
		l.stats.RejectedSubscriptions++
	}
	l.stats.LastUpdated = now
	l.statsMu.Unlock()

	if !d.Allowed {
		return l.reject("subscription", connID, d)
	}
	return d
}

// Remove drops the per-connection buckets of connID and frees its active
// connection slot.
func (l *Limiter) Remove(connID string) {
	l.messages.remove(connID)
	l.subscriptions.remove(connID)
	l.Release()
}

// Release frees an active connection slot taken by AllowConnection without
// a connection id, for example when the upgrade fails.
func (l *Limiter) Release() {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	l.releaseLocked()
}

func (l *Limiter) releaseLocked() {
	if l.stats.ActiveConnections > 0 {
		l.stats.ActiveConnections--
	}
	l.stats.LastUpdated = l.now()
}

// Reset clears every bucket and window keyed by key, which may be an IP or
// a connection id. It reports whether anything was cleared.
func (l *Limiter) Reset(key string) bool {
	cleared := false
	if l.connections.remove(key) {
		cleared = true
	}
	if l.auth.remove(key) {
		cleared = true
	}
	if l.messages.remove(key) {
		cleared = true
	}
	if l.subscriptions.remove(key) {
		cleared = true
	}

	if cleared {
		l.logger.Info("rate limit reset", "key", key)
	}
	return cleared
}

// Cleanup evicts buckets and windows idle for longer than the inactivity
// timeout. Blocked windows are kept until their block expires.
func (l *Limiter) Cleanup() int {
	now := l.now()
	cutoff := now.Add(-l.cfg.inactivityTimeout())

	evicted := l.connections.evictIdle(cutoff, now)
	evicted += l.auth.evictIdle(cutoff, now)
	evicted += l.messages.evictIdle(cutoff)
	evicted += l.subscriptions.evictIdle(cutoff)

	l.statsMu.Lock()
	l.stats.LastCleanup = now
	l.statsMu.Unlock()

	if evicted > 0 {
		l.logger.Debug("rate limiter cleanup", "evicted", evicted)
	}
	return evicted
}

// Run calls Cleanup every cleanup interval until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.cleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

func (l *Limiter) reject(category, key string, d Decision) Decision {
	l.logger.Debug("admission rejected",
		"category", category,
		"key", key,
		"reason", d.Reason,
		"retry_after", d.RetryAfter,
	)
	return d
}
