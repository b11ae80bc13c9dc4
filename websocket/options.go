package websocket

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/eventbus"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/router"
)

// Options tunes every session served by a Server.
type Options struct {
	ReadDeadline    time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	AuthTimeout     time.Duration // zero disables the handshake timeout
	ReadLimit       int64
	ReadBufferSize  int
	WriteBufferSize int
	// RecomputeTopicsOnAuth adds the role's default topics on promotion.
	RecomputeTopicsOnAuth bool
	// AllowedOrigins restricts the Origin header. Empty allows any origin.
	AllowedOrigins []string
}

func DefaultOptions() Options {
	return Options{
		ReadDeadline:          60 * time.Second,
		PingInterval:          54 * time.Second,
		WriteTimeout:          10 * time.Second,
		AuthTimeout:           30 * time.Second,
		ReadLimit:             2 * 1024 * 1024,
		ReadBufferSize:        1024,
		WriteBufferSize:       1024,
		RecomputeTopicsOnAuth: true,
	}
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithOptions replaces the session options.
func WithOptions(opts Options) ServerOption {
	return func(s *Server) {
		s.options = opts
	}
}

// WithLogger sets the logger for the server
func WithLogger(logger *logging.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEventBus sets the publisher for lifecycle events
func WithEventBus(events eventbus.Publisher) ServerOption {
	return func(s *Server) {
		s.events = events
	}
}

// WithVerifier sets the handshake token verifier. Without one every
// handshake fails.
func WithVerifier(v domain.TokenVerifier) ServerOption {
	return func(s *Server) {
		s.verifier = v
	}
}

// WithUserLookup sets the directory consulted after token verification.
// Without one the token claims are used as-is.
func WithUserLookup(l domain.UserLookup) ServerOption {
	return func(s *Server) {
		s.lookup = l
	}
}

// WithRouter sets the topic join policy.
func WithRouter(r *router.Router) ServerOption {
	return func(s *Server) {
		if r != nil {
			s.router = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) ServerOption {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}
