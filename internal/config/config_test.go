package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func envMap(m map[string]string) func(string) string {
	return func(key string) string { return m[key] }
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if cfg.WebSocket.ReadDeadline != 60*time.Second {
		t.Errorf("ReadDeadline = %v, want 60s", cfg.WebSocket.ReadDeadline)
	}
	if cfg.WebSocket.PingInterval != 54*time.Second {
		t.Errorf("PingInterval = %v, want 54s", cfg.WebSocket.PingInterval)
	}
	if cfg.WebSocket.AuthTimeout != 30*time.Second {
		t.Errorf("AuthTimeout = %v, want 30s", cfg.WebSocket.AuthTimeout)
	}
	if !cfg.WebSocket.RecomputeTopicsOnAuth {
		t.Error("RecomputeTopicsOnAuth = false, want true")
	}
	if cfg.Hub.QueueSize != 1000 {
		t.Errorf("QueueSize = %d, want 1000", cfg.Hub.QueueSize)
	}
	if got := cfg.Server.Addr(); got != "localhost:8080" {
		t.Errorf("Addr() = %q, want localhost:8080", got)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load(LoadOptions{Getenv: envMap(nil)})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Server.Port)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "kebun.yaml", `
server:
  port: 9090
websocket:
  outbox_size: 64
  recompute_topics_on_auth: false
ratelimit:
  global_max_connections: 10
  connection_block_duration: 2m
logging:
  level: debug
  format: text
`)

	cfg, err := Load(LoadOptions{Path: path, Getenv: envMap(nil)})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.WebSocket.OutboxSize != 64 {
		t.Errorf("OutboxSize = %d, want 64", cfg.WebSocket.OutboxSize)
	}
	if cfg.WebSocket.RecomputeTopicsOnAuth {
		t.Error("RecomputeTopicsOnAuth = true, want false")
	}
	if cfg.RateLimit.GlobalMaxConnections != 10 {
		t.Errorf("GlobalMaxConnections = %d, want 10", cfg.RateLimit.GlobalMaxConnections)
	}
	if cfg.RateLimit.ConnectionBlockDuration != 2*time.Minute {
		t.Errorf("ConnectionBlockDuration = %v, want 2m", cfg.RateLimit.ConnectionBlockDuration)
	}
	// Untouched fields keep their defaults.
	if cfg.RateLimit.MessageBurstPerConn != 50 {
		t.Errorf("MessageBurstPerConn = %d, want 50", cfg.RateLimit.MessageBurstPerConn)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "kebun.jsonc", `{
  // operator surface
  "admin": {"token": "s3cret"},
  "hub": {"queue_size": 50,},
}`)

	cfg, err := Load(LoadOptions{Path: path, Getenv: envMap(nil)})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Admin.Token != "s3cret" {
		t.Errorf("Admin.Token = %q, want s3cret", cfg.Admin.Token)
	}
	if cfg.Hub.QueueSize != 50 {
		t.Errorf("QueueSize = %d, want 50", cfg.Hub.QueueSize)
	}
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "kebun.json", `{"directory": {"driver": "postgres", "database_url": "postgres://localhost/kebun"}}`)

	cfg, err := Load(LoadOptions{Path: path, Getenv: envMap(nil)})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Directory.Driver != DirectoryPostgres {
		t.Errorf("Driver = %q, want postgres", cfg.Directory.Driver)
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	path := writeFile(t, "kebun.toml", "port = 1")
	if _, err := Load(LoadOptions{Path: path, Getenv: envMap(nil)}); err == nil {
		t.Error("Load() error = nil, want error")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeFile(t, "kebun.yaml", "server:\n  port: 9090\n")

	cfg, err := Load(LoadOptions{
		Path: path,
		Getenv: envMap(map[string]string{
			"KEBUN_SERVER_PORT":              "7070",
			"KEBUN_LOG_FORMAT":               "pretty",
			"KEBUN_JWT_SECRET":               "env-secret",
			"KEBUN_RECOMPUTE_TOPICS_ON_AUTH": "false",
			"KEBUN_ALLOWED_ORIGINS":          "https://a.example, https://b.example",
			"KEBUN_GLOBAL_MAX_CONNECTIONS":   "42",
		}),
	})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 7070 {
		t.Errorf("Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Logging.Format != "pretty" {
		t.Errorf("Format = %q, want pretty", cfg.Logging.Format)
	}
	if cfg.Auth.JWTSecret != "env-secret" {
		t.Errorf("JWTSecret = %q, want env-secret", cfg.Auth.JWTSecret)
	}
	if cfg.WebSocket.RecomputeTopicsOnAuth {
		t.Error("RecomputeTopicsOnAuth = true, want false")
	}
	if len(cfg.WebSocket.AllowedOrigins) != 2 || cfg.WebSocket.AllowedOrigins[1] != "https://b.example" {
		t.Errorf("AllowedOrigins = %v", cfg.WebSocket.AllowedOrigins)
	}
	if cfg.RateLimit.GlobalMaxConnections != 42 {
		t.Errorf("GlobalMaxConnections = %d, want 42", cfg.RateLimit.GlobalMaxConnections)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	_, err := Load(LoadOptions{Getenv: envMap(map[string]string{"KEBUN_SERVER_PORT": "abc"})})

	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Load() error = %v, want *ConfigError", err)
	}
	if cfgErr.Field != "server.port" {
		t.Errorf("Field = %q, want server.port", cfgErr.Field)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"ping after deadline", func(c *Config) { c.WebSocket.PingInterval = c.WebSocket.ReadDeadline }, "websocket.ping_interval"},
		{"outbox", func(c *Config) { c.WebSocket.OutboxSize = 0 }, "websocket.outbox_size"},
		{"read limit", func(c *Config) { c.WebSocket.ReadLimit = 10 }, "websocket.read_limit"},
		{"queue", func(c *Config) { c.Hub.QueueSize = -1 }, "hub.queue_size"},
		{"ratelimit", func(c *Config) { c.RateLimit.ConnectionBurst = 0 }, "ratelimit"},
		{"postgres url", func(c *Config) { c.Directory.Driver = DirectoryPostgres }, "directory.database_url"},
		{"driver", func(c *Config) { c.Directory.Driver = "ldap" }, "directory.driver"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			var cfgErr *ConfigError
			if err := cfg.Validate(); !errors.As(err, &cfgErr) {
				t.Fatalf("Validate() error = %v, want *ConfigError", err)
			}
			if cfgErr.Field != tt.field {
				t.Errorf("Field = %q, want %q", cfgErr.Field, tt.field)
			}
		})
	}
}
