package config

import (
	"time"

	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/ratelimit"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig     `json:"server" yaml:"server"`
	WebSocket WebSocketConfig  `json:"websocket" yaml:"websocket"`
	Hub       HubConfig        `json:"hub" yaml:"hub"`
	RateLimit ratelimit.Config `json:"ratelimit" yaml:"ratelimit"`
	Auth      AuthConfig       `json:"auth" yaml:"auth"`
	Directory DirectoryConfig  `json:"directory" yaml:"directory"`
	Admin     AdminConfig      `json:"admin" yaml:"admin"`
	Logging   logging.Config   `json:"logging" yaml:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	TrustProxy      bool          `json:"trust_proxy" yaml:"trust_proxy"`
}

// WebSocketConfig controls the per-connection handler.
type WebSocketConfig struct {
	Path                  string        `json:"path" yaml:"path"`
	ReadDeadline          time.Duration `json:"read_deadline" yaml:"read_deadline"`
	PingInterval          time.Duration `json:"ping_interval" yaml:"ping_interval"`
	WriteTimeout          time.Duration `json:"write_timeout" yaml:"write_timeout"`
	AuthTimeout           time.Duration `json:"auth_timeout" yaml:"auth_timeout"`
	OutboxSize            int           `json:"outbox_size" yaml:"outbox_size"`
	ReadBufferSize        int           `json:"read_buffer_size" yaml:"read_buffer_size"`
	WriteBufferSize       int           `json:"write_buffer_size" yaml:"write_buffer_size"`
	ReadLimit             int64         `json:"read_limit" yaml:"read_limit"`
	RecomputeTopicsOnAuth bool          `json:"recompute_topics_on_auth" yaml:"recompute_topics_on_auth"`
	AllowedOrigins        []string      `json:"allowed_origins,omitempty" yaml:"allowed_origins,omitempty"`
}

// HubConfig sizes the broadcast queue and the lifecycle event bus.
type HubConfig struct {
	QueueSize       int `json:"queue_size" yaml:"queue_size"`
	EventBufferSize int `json:"event_buffer_size" yaml:"event_buffer_size"`
}

// AuthConfig configures the HS256 token verifier.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	Issuer    string `json:"issuer,omitempty" yaml:"issuer,omitempty"`
}

// DirectoryConfig selects the user lookup backend.
type DirectoryConfig struct {
	Driver      string `json:"driver" yaml:"driver"`
	UsersFile   string `json:"users_file,omitempty" yaml:"users_file,omitempty"`
	DatabaseURL string `json:"database_url,omitempty" yaml:"database_url,omitempty"`
}

// AdminConfig guards the operator API. An empty token disables the check.
type AdminConfig struct {
	Prefix string `json:"prefix" yaml:"prefix"`
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
}

const (
	DirectoryStatic   = "static"
	DirectoryPostgres = "postgres"
)

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Path:                  "/ws",
			ReadDeadline:          60 * time.Second,
			PingInterval:          54 * time.Second,
			WriteTimeout:          10 * time.Second,
			AuthTimeout:           30 * time.Second,
			OutboxSize:            256,
			ReadBufferSize:        1024,
			WriteBufferSize:       1024,
			ReadLimit:             2 * 1024 * 1024,
			RecomputeTopicsOnAuth: true,
		},
		Hub: HubConfig{
			QueueSize:       1000,
			EventBufferSize: 1024,
		},
		RateLimit: ratelimit.DefaultConfig(),
		Directory: DirectoryConfig{
			Driver: DirectoryStatic,
		},
		Admin: AdminConfig{
			Prefix: "/admin",
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigError("server.port", "invalid port number")
	}

	if c.Server.ReadTimeout < 0 {
		return NewConfigError("server.read_timeout", "timeout cannot be negative")
	}

	if c.Server.WriteTimeout < 0 {
		return NewConfigError("server.write_timeout", "timeout cannot be negative")
	}

	if c.WebSocket.ReadDeadline <= 0 {
		return NewConfigError("websocket.read_deadline", "must be positive")
	}

	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PingInterval >= c.WebSocket.ReadDeadline {
		return NewConfigError("websocket.ping_interval", "must be positive and shorter than read_deadline")
	}

	if c.WebSocket.WriteTimeout <= 0 {
		return NewConfigError("websocket.write_timeout", "must be positive")
	}

	if c.WebSocket.AuthTimeout < 0 {
		return NewConfigError("websocket.auth_timeout", "must not be negative")
	}

	if c.WebSocket.OutboxSize <= 0 {
		return NewConfigError("websocket.outbox_size", "must be positive")
	}

	if c.WebSocket.ReadLimit < c.RateLimit.MaxMessageSize {
		return NewConfigError("websocket.read_limit", "must not be smaller than ratelimit.max_message_size")
	}

	if c.Hub.QueueSize <= 0 {
		return NewConfigError("hub.queue_size", "must be positive")
	}

	if err := c.RateLimit.Validate(); err != nil {
		return NewConfigError("ratelimit", err.Error())
	}

	switch c.Directory.Driver {
	case DirectoryStatic:
	case DirectoryPostgres:
		if c.Directory.DatabaseURL == "" {
			return NewConfigError("directory.database_url", "required for the postgres driver")
		}
	default:
		return NewConfigError("directory.driver", "unknown driver "+c.Directory.Driver)
	}

	if !logging.Valid(c.Logging.Format) {
		return NewConfigError("logging.format", "unknown format "+c.Logging.Format)
	}

	return nil
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return joinHostPort(s.Host, s.Port)
}
