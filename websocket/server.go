// Package websocket serves client connections: admission, handshake,
// inbound dispatch and the outbound pump.
package websocket

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/eventbus"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/pkg/errors"
	"github.com/HMasataka/kebun/ratelimit"
	"github.com/HMasataka/kebun/registry"
	"github.com/HMasataka/kebun/router"
	ws "github.com/gorilla/websocket"
)

// Server represents a WebSocket server
type Server struct {
	upgrader   ws.Upgrader
	registry   *registry.Registry
	limiter    *ratelimit.Limiter
	router     *router.Router
	verifier   domain.TokenVerifier
	lookup     domain.UserLookup
	events     eventbus.Publisher
	logger     *logging.Logger
	errHandler errors.Handler
	now        func() time.Time
	options    Options
	handlers   *dispatcher
	sessions   sync.WaitGroup
}

// NewServer creates a server admitting connections into reg, gated by
// limiter.
func NewServer(reg *registry.Registry, limiter *ratelimit.Limiter, opts ...ServerOption) *Server {
	s := &Server{
		registry: reg,
		limiter:  limiter,
		router:   router.New(nil),
		logger:   logging.Discard(),
		now:      time.Now,
		options:  DefaultOptions(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = ws.Upgrader{
		ReadBufferSize:  s.options.ReadBufferSize,
		WriteBufferSize: s.options.WriteBufferSize,
		CheckOrigin:     checkOrigin(s.options.AllowedOrigins),
	}
	s.errHandler = errors.NewDefaultHandler(s.logger.Logger)
	s.handlers = s.newDispatcher()

	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r)

	if d := s.limiter.AllowConnection(ip); !d.Allowed {
		s.rejectAdmission(w, ip, d)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.limiter.Release()
		s.logger.Error("websocket upgrade error",
			"error", err,
			"remote_addr", r.RemoteAddr,
		)
		return
	}

	c := s.registry.Add(domain.Anonymous(), conn)

	s.publish(eventbus.EventConnectionAdmitted, eventbus.ConnectionData{
		ConnID:     c.ID(),
		Role:       string(domain.RoleAnonymous),
		RemoteAddr: ip,
	})
	s.logger.Info("client connected",
		"conn_id", c.ID(),
		"remote_addr", ip,
	)

	s.sessions.Add(1)
	defer s.sessions.Done()

	newSession(s, c, conn, ip).run()
}

// Shutdown removes every connection and waits for their sessions to end.
func (s *Server) Shutdown(ctx context.Context) error {
	removed := s.registry.RemoveAll()
	s.logger.Info("closing websocket connections", "count", removed)

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// rejectAdmission answers a refused upgrade with 429 and a wait hint.
func (s *Server) rejectAdmission(w http.ResponseWriter, ip string, d ratelimit.Decision) {
	code := errors.CodeRateLimited
	if d.Reason == ratelimit.ReasonCapacity {
		code = errors.CodeCapacity
	}

	s.publish(eventbus.EventAdmissionRejected, eventbus.AdmissionData{
		Category:   "connection",
		Key:        ip,
		Reason:     string(d.Reason),
		RetryAfter: d.RetryAfter,
	})
	s.logger.Warn("connection rejected",
		"remote_addr", ip,
		"reason", d.Reason,
		"retry_after", d.RetryAfter,
	)

	seconds := int(math.Ceil(d.RetryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(domain.ErrorPayload{
		Code:         code,
		Error:        "connection rejected",
		RetryAfterMs: d.RetryAfter.Milliseconds(),
	})
}

func (s *Server) publish(eventType eventbus.EventType, data any) {
	if s.events == nil {
		return
	}
	s.events.PublishAsync(eventbus.NewEvent(eventType, "websocket", data))
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
