// Package httpapi serves the operator endpoints next to the websocket
// endpoint.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strings"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/stats"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/pkg/errors"
	"github.com/HMasataka/kebun/ratelimit"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Connections is the registry view the API reads.
type Connections interface {
	Connections() []domain.ConnectionInfo
	Statistics() domain.RegistryStats
}

// Limiter is the rate limiter view the API reads and resets.
type Limiter interface {
	Stats() ratelimit.Stats
	Limits() ratelimit.Limits
	Health() ratelimit.Health
	Reset(key string) bool
}

// Broadcasts is the hub view the API submits to.
type Broadcasts interface {
	Submit(req domain.BroadcastRequest) error
	Stats() domain.HubStats
}

// Events reports lifecycle counters.
type Events interface {
	Snapshot() stats.Snapshot
}

type API struct {
	connections Connections
	limiter     Limiter
	hub         Broadcasts
	events      Events
	token       string
	logger      *logging.Logger
	now         func() time.Time
}

type Option func(*API)

// WithToken requires "Authorization: Bearer <token>" on every route.
func WithToken(token string) Option {
	return func(a *API) {
		a.token = token
	}
}

func WithEvents(events Events) Option {
	return func(a *API) {
		a.events = events
	}
}

func WithLogger(logger *logging.Logger) Option {
	return func(a *API) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		if now != nil {
			a.now = now
		}
	}
}

func New(conns Connections, limiter Limiter, hub Broadcasts, opts ...Option) *API {
	a := &API{
		connections: conns,
		limiter:     limiter,
		hub:         hub,
		logger:      logging.Discard(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Routes returns the operator router, to be mounted under a prefix.
func (a *API) Routes() chi.Router {
	r := chi.NewRouter()
	if a.token != "" {
		r.Use(a.requireToken)
	}

	r.Get("/stats", a.handleStats)
	r.Get("/health", a.handleHealth)
	r.Get("/connections", a.handleConnections)
	r.Post("/ratelimit/reset/{key}", a.handleReset)
	r.Post("/broadcast", a.handleBroadcast)

	return r
}

type statsResponse struct {
	Registry  domain.RegistryStats `json:"registry"`
	Hub       domain.HubStats      `json:"hub"`
	RateLimit ratelimit.Stats      `json:"rateLimit"`
	Limits    ratelimit.Limits     `json:"limits"`
	Events    *stats.Snapshot      `json:"events,omitempty"`
	Timestamp time.Time            `json:"timestamp"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Registry:  a.connections.Statistics(),
		Hub:       a.hub.Stats(),
		RateLimit: a.limiter.Stats(),
		Limits:    a.limiter.Limits(),
		Timestamp: a.now().UTC(),
	}
	if a.events != nil {
		snap := a.events.Snapshot()
		resp.Events = &snap
	}

	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status      ratelimit.HealthStatus `json:"status"`
	Connections int                    `json:"connections"`
	QueueDepth  int                    `json:"queueDepth"`
	RateLimit   ratelimit.Health       `json:"rateLimit"`
}

// handleHealth answers 503 only when the limiter grades itself unhealthy.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := a.limiter.Health()

	status := http.StatusOK
	if health.Status == ratelimit.Unhealthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, healthResponse{
		Status:      health.Status,
		Connections: a.connections.Statistics().TotalConnections,
		QueueDepth:  a.hub.Stats().QueueDepth,
		RateLimit:   health,
	})
}

func (a *API) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns := a.connections.Connections()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":       len(conns),
		"connections": conns,
	})
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if !a.limiter.Reset(key) {
		writeError(w, http.StatusNotFound, errors.New(errors.ErrorTypeNotFound, errors.CodeNotFound, "no limit state for key"))
		return
	}

	a.logger.Info("rate limit reset", "key", key)
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "reset": true})
}

type broadcastRequest struct {
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Selector domain.Selector `json:"selector"`
}

func (a *API) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var body broadcastRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, errors.ErrorTypeValidation, errors.CodeInvalidRequest, "invalid broadcast body"))
		return
	}

	if body.Event == "" {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrorTypeValidation, errors.CodeMissingField, "event is required"))
		return
	}
	if body.Selector.IsEmpty() {
		writeError(w, http.StatusBadRequest, errors.New(errors.ErrorTypeValidation, errors.CodeMissingField, "selector matches nothing"))
		return
	}
	for _, t := range body.Selector.Topics {
		if !t.Valid() {
			writeError(w, http.StatusBadRequest, errors.New(errors.ErrorTypeValidation, errors.CodeInvalidRequest, "unknown topic").
				WithDetails(string(t)))
			return
		}
	}

	req := domain.BroadcastRequest{
		ID:       uuid.NewString(),
		Event:    body.Event,
		Metadata: body.Metadata,
		Selector: body.Selector,
	}
	if len(body.Data) > 0 {
		req.Payload = body.Data
	}

	if err := a.hub.Submit(req); err != nil {
		switch {
		case stderrors.Is(err, domain.ErrQueueFull), stderrors.Is(err, domain.ErrHubStopped):
			writeError(w, http.StatusServiceUnavailable, errors.Wrap(err, errors.ErrorTypeBackpressure, errors.CodeCapacity, "broadcast not accepted"))
		default:
			writeError(w, http.StatusInternalServerError, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeInvalidRequest, "broadcast failed"))
		}
		return
	}

	a.logger.Info("broadcast submitted", "request_id", req.ID, "event", req.Event)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": req.ID})
}

func (a *API) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.token)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "invalid admin token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, e *errors.Error) {
	p := domain.ErrorPayload{
		Code:         e.Code,
		Error:        e.Message,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}
	if e.Details != "" {
		p.Error += ": " + e.Details
	}
	writeJSON(w, status, p)
}
