package ratelimit

import "time"

// Stats is a snapshot of limiter counters.
type Stats struct {
	TotalConnections      int64     `json:"totalConnections"`
	RejectedConnections   int64     `json:"rejectedConnections"`
	TotalMessages         int64     `json:"totalMessages"`
	RejectedMessages      int64     `json:"rejectedMessages"`
	TotalAuthAttempts     int64     `json:"totalAuthAttempts"`
	RejectedAuthAttempts  int64     `json:"rejectedAuthAttempts"`
	TotalSubscriptions    int64     `json:"totalSubscriptions"`
	RejectedSubscriptions int64     `json:"rejectedSubscriptions"`
	ActiveConnections     int       `json:"activeConnections"`
	LastCleanup           time.Time `json:"lastCleanup"`
	LastUpdated           time.Time `json:"lastUpdated"`
}

// Limits counts live buckets and windows per category.
type Limits struct {
	ConnectionWindows   int `json:"connectionWindows"`
	AuthWindows         int `json:"authWindows"`
	MessageBuckets      int `json:"messageBuckets"`
	SubscriptionBuckets int `json:"subscriptionBuckets"`
}

// HealthStatus grades the rejection rates.
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health is the limiter health report. Rates are percentages.
type Health struct {
	Status                  HealthStatus `json:"status"`
	Timestamp               time.Time    `json:"timestamp"`
	ConnectionRejectionRate float64      `json:"connectionRejectionRate"`
	MessageRejectionRate    float64      `json:"messageRejectionRate"`
	AuthRejectionRate       float64      `json:"authRejectionRate"`
	Statistics              Stats        `json:"statistics"`
	Limits                  Limits       `json:"limits"`
	Configuration           Config       `json:"configuration"`
}

// Stats returns a copy of the counters.
func (l *Limiter) Stats() Stats {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()
	return l.stats
}

// Limits returns live bucket counts.
func (l *Limiter) Limits() Limits {
	return Limits{
		ConnectionWindows:   l.connections.len(),
		AuthWindows:         l.auth.len(),
		MessageBuckets:      l.messages.len(),
		SubscriptionBuckets: l.subscriptions.len(),
	}
}

// Health grades the limiter: degraded above 10/20/30 percent connection,
// message and auth rejections, unhealthy above 25/40/50.
func (l *Limiter) Health() Health {
	stats := l.Stats()

	h := Health{
		Timestamp:               l.now(),
		ConnectionRejectionRate: percent(stats.RejectedConnections, stats.TotalConnections),
		MessageRejectionRate:    percent(stats.RejectedMessages, stats.TotalMessages),
		AuthRejectionRate:       percent(stats.RejectedAuthAttempts, stats.TotalAuthAttempts),
		Statistics:              stats,
		Limits:                  l.Limits(),
		Configuration:           l.cfg,
	}

	h.Status = Healthy
	if h.ConnectionRejectionRate > 10 || h.MessageRejectionRate > 20 || h.AuthRejectionRate > 30 {
		h.Status = Degraded
	}
	if h.ConnectionRejectionRate > 25 || h.MessageRejectionRate > 40 || h.AuthRejectionRate > 50 {
		h.Status = Unhealthy
	}

	return h
}

func percent(part, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) / float64(total) * 100
}
