package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const envPrefix = "KEBUN_"

// LoadOptions represents options for loading configuration
type LoadOptions struct {
	Path string
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// Load applies defaults, then the file at opts.Path, then KEBUN_* environment
// variables, and validates the result.
func Load(opts ...LoadOptions) (*Config, error) {
	cfg := Default()

	var options LoadOptions
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.Getenv == nil {
		options.Getenv = os.Getenv
	}

	if options.Path != "" {
		if err := loadFromFile(cfg, options.Path); err != nil {
			return nil, err
		}
	}

	if err := loadFromEnv(cfg, options.Getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), cfg); err != nil {
			return fmt.Errorf("failed to parse JSONC config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	return nil
}

func loadFromEnv(cfg *Config, getenv func(string) string) error {
	env := func(key string) string {
		return getenv(envPrefix + key)
	}

	// Server configuration
	if host := env("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := env("SERVER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return NewConfigError("server.port", "invalid "+envPrefix+"SERVER_PORT")
		}
		cfg.Server.Port = p
	}
	if v := env("TRUST_PROXY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return NewConfigError("server.trust_proxy", "invalid "+envPrefix+"TRUST_PROXY")
		}
		cfg.Server.TrustProxy = b
	}

	// Logging configuration
	if level := env("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := env("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}

	// WebSocket configuration
	if v := env("WS_OUTBOX_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NewConfigError("websocket.outbox_size", "invalid "+envPrefix+"WS_OUTBOX_SIZE")
		}
		cfg.WebSocket.OutboxSize = n
	}
	if v := env("RECOMPUTE_TOPICS_ON_AUTH"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return NewConfigError("websocket.recompute_topics_on_auth", "invalid "+envPrefix+"RECOMPUTE_TOPICS_ON_AUTH")
		}
		cfg.WebSocket.RecomputeTopicsOnAuth = b
	}
	if origins := env("ALLOWED_ORIGINS"); origins != "" {
		cfg.WebSocket.AllowedOrigins = splitList(origins)
	}

	// Hub configuration
	if v := env("HUB_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NewConfigError("hub.queue_size", "invalid "+envPrefix+"HUB_QUEUE_SIZE")
		}
		cfg.Hub.QueueSize = n
	}

	// Rate limit configuration
	if v := env("GLOBAL_MAX_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return NewConfigError("ratelimit.global_max_connections", "invalid "+envPrefix+"GLOBAL_MAX_CONNECTIONS")
		}
		cfg.RateLimit.GlobalMaxConnections = n
	}

	// Collaborators
	if secret := env("JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if issuer := env("JWT_ISSUER"); issuer != "" {
		cfg.Auth.Issuer = issuer
	}
	if driver := env("DIRECTORY_DRIVER"); driver != "" {
		cfg.Directory.Driver = driver
	}
	if path := env("USERS_FILE"); path != "" {
		cfg.Directory.UsersFile = path
	}
	if url := env("DATABASE_URL"); url != "" {
		cfg.Directory.DatabaseURL = url
	}
	if token := env("ADMIN_TOKEN"); token != "" {
		cfg.Admin.Token = token
	}

	return nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// ConfigError represents a configuration error
type ConfigError struct {
	Field   string
	Message string
}

// NewConfigError creates a new configuration error
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{
		Field:   field,
		Message: message,
	}
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error in field '%s': %s", e.Field, e.Message)
}
