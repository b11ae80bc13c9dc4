package ratelimit

import (
	"fmt"
	"time"
)

// Config holds every admission limit. Zero values are not defaults; start
// from DefaultConfig.
type Config struct {
	// Connection admission
	MaxConnectionsPerSecond   float64       `json:"max_connections_per_second" yaml:"max_connections_per_second"`
	ConnectionBurst           int           `json:"connection_burst" yaml:"connection_burst"`
	MaxConnectionsPerMinuteIP int           `json:"max_connections_per_minute_ip" yaml:"max_connections_per_minute_ip"`
	ConnectionBlockDuration   time.Duration `json:"connection_block_duration" yaml:"connection_block_duration"`

	// Messages
	MessagesPerSecondPerConn float64 `json:"messages_per_second_per_conn" yaml:"messages_per_second_per_conn"`
	MessageBurstPerConn      int     `json:"message_burst_per_conn" yaml:"message_burst_per_conn"`
	MaxMessageSize           int64   `json:"max_message_size" yaml:"max_message_size"`

	// Authentication
	AuthAttemptsPerMinuteIP int           `json:"auth_attempts_per_minute_ip" yaml:"auth_attempts_per_minute_ip"`
	AuthBlockDuration       time.Duration `json:"auth_block_duration" yaml:"auth_block_duration"`

	// Subscriptions
	MaxSubscriptionsPerConn int     `json:"max_subscriptions_per_conn" yaml:"max_subscriptions_per_conn"`
	SubscriptionsPerSecond  float64 `json:"subscriptions_per_second" yaml:"subscriptions_per_second"`
	SubscriptionBurst       int     `json:"subscription_burst" yaml:"subscription_burst"`

	// Global
	GlobalMaxConnections    int     `json:"global_max_connections" yaml:"global_max_connections"`
	GlobalMessagesPerSecond float64 `json:"global_messages_per_second" yaml:"global_messages_per_second"`
	GlobalMessageBurst      int     `json:"global_message_burst" yaml:"global_message_burst"`

	// Cleanup
	CleanupIntervalMinutes   int `json:"cleanup_interval_minutes" yaml:"cleanup_interval_minutes"`
	InactivityTimeoutMinutes int `json:"inactivity_timeout_minutes" yaml:"inactivity_timeout_minutes"`
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerSecond:   10,
		ConnectionBurst:           50,
		MaxConnectionsPerMinuteIP: 5,
		ConnectionBlockDuration:   time.Minute,
		MessagesPerSecondPerConn:  10,
		MessageBurstPerConn:       50,
		MaxMessageSize:            1024 * 1024, // 1 MiB
		AuthAttemptsPerMinuteIP:   3,
		AuthBlockDuration:         5 * time.Minute,
		MaxSubscriptionsPerConn:   10,
		SubscriptionsPerSecond:    5,
		SubscriptionBurst:         10,
		GlobalMaxConnections:      2000,
		GlobalMessagesPerSecond:   10000,
		GlobalMessageBurst:        1000,
		CleanupIntervalMinutes:    5,
		InactivityTimeoutMinutes:  10,
	}
}

// Validate reports the first unusable field.
func (c Config) Validate() error {
	positive := []struct {
		name  string
		value float64
	}{
		{"max_connections_per_second", c.MaxConnectionsPerSecond},
		{"connection_burst", float64(c.ConnectionBurst)},
		{"max_connections_per_minute_ip", float64(c.MaxConnectionsPerMinuteIP)},
		{"messages_per_second_per_conn", c.MessagesPerSecondPerConn},
		{"message_burst_per_conn", float64(c.MessageBurstPerConn)},
		{"max_message_size", float64(c.MaxMessageSize)},
		{"auth_attempts_per_minute_ip", float64(c.AuthAttemptsPerMinuteIP)},
		{"max_subscriptions_per_conn", float64(c.MaxSubscriptionsPerConn)},
		{"subscriptions_per_second", c.SubscriptionsPerSecond},
		{"subscription_burst", float64(c.SubscriptionBurst)},
		{"global_max_connections", float64(c.GlobalMaxConnections)},
		{"global_messages_per_second", c.GlobalMessagesPerSecond},
		{"global_message_burst", float64(c.GlobalMessageBurst)},
		{"cleanup_interval_minutes", float64(c.CleanupIntervalMinutes)},
		{"inactivity_timeout_minutes", float64(c.InactivityTimeoutMinutes)},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("ratelimit.%s must be positive", p.name)
		}
	}

	if c.ConnectionBlockDuration < 0 {
		return fmt.Errorf("ratelimit.connection_block_duration cannot be negative")
	}
	if c.AuthBlockDuration < 0 {
		return fmt.Errorf("ratelimit.auth_block_duration cannot be negative")
	}

	return nil
}

// connectionInterval is the spacing between allowed connections per IP.
func (c Config) connectionInterval() time.Duration {
	return time.Minute / time.Duration(c.MaxConnectionsPerMinuteIP)
}

func (c Config) authInterval() time.Duration {
	return time.Minute / time.Duration(c.AuthAttemptsPerMinuteIP)
}

func (c Config) cleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

func (c Config) inactivityTimeout() time.Duration {
	return time.Duration(c.InactivityTimeoutMinutes) * time.Minute
}
