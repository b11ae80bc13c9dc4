// Package hub serializes broadcast requests through a bounded queue drained
// by a single dispatcher.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/eventbus"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/registry"
	"github.com/google/uuid"
)

const DefaultQueueSize = 1000

type Options struct {
	QueueSize int
	Logger    *logging.Logger
	Events    eventbus.Publisher
	Now       func() time.Time
}

// Hub is the broadcast hub.
type Hub struct {
	registry *registry.Registry
	queue    chan *domain.BroadcastRequest
	logger   *logging.Logger
	events   eventbus.Publisher
	now      func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	submitted  atomic.Int64
	dispatched atomic.Int64
	dropped    atomic.Int64
	delivered  atomic.Int64
	evicted    atomic.Int64
	startTime  time.Time
}

var _ domain.Broadcaster = (*Hub)(nil)

func New(reg *registry.Registry, opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Hub{
		registry:  reg,
		queue:     make(chan *domain.BroadcastRequest, opts.QueueSize),
		logger:    opts.Logger,
		events:    opts.Events,
		now:       opts.Now,
		startTime: opts.Now(),
	}
}

func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return errors.New("hub already started")
	}
	if h.stopped.Load() {
		return domain.ErrHubStopped
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.started = true
	h.wg.Add(1)
	go h.run()

	h.logger.Info("hub started", "queue_size", cap(h.queue))
	return nil
}

// Stop ends the dispatcher. Requests still queued are discarded.
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.stopped.CompareAndSwap(false, true) {
		return nil
	}

	h.logger.Info("stopping hub")
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
	h.logger.Info("hub stopped", "pending", len(h.queue))
	return nil
}

// Submit queues req without blocking. A full queue drops the request.
func (h *Hub) Submit(req domain.BroadcastRequest) error {
	if h.stopped.Load() {
		return domain.ErrHubStopped
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = h.now()
	}

	select {
	case h.queue <- &req:
		h.submitted.Add(1)
		return nil
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping request",
			"request_id", req.ID,
			"event", req.Event,
		)
		h.publish(eventbus.EventBroadcastDropped, eventbus.BroadcastData{
			RequestID: req.ID,
			Event:     req.Event,
			Reason:    "queue_full",
		})
		return domain.ErrQueueFull
	}
}

// Broadcast submits event with payload to every connection matching
// selector.
func (h *Hub) Broadcast(event string, payload any, selector domain.Selector) error {
	return h.Submit(domain.BroadcastRequest{
		Event:    event,
		Payload:  payload,
		Selector: selector,
	})
}

func (h *Hub) Stats() domain.HubStats {
	return domain.HubStats{
		Submitted:  h.submitted.Load(),
		Dispatched: h.dispatched.Load(),
		Dropped:    h.dropped.Load(),
		Delivered:  h.delivered.Load(),
		Evicted:    h.evicted.Load(),
		QueueDepth: len(h.queue),
		Uptime:     h.now().Sub(h.startTime).Seconds(),
	}
}

func (h *Hub) run() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-h.queue:
			h.dispatch(req)
		}
	}
}

func (h *Hub) dispatch(req *domain.BroadcastRequest) {
	defer h.dispatched.Add(1)

	if req.Selector.IsEmpty() {
		h.logger.Debug("broadcast with empty selector", "request_id", req.ID, "event", req.Event)
		return
	}

	frame, err := encode(req)
	if err != nil {
		h.logger.Error("failed to encode broadcast",
			"request_id", req.ID,
			"event", req.Event,
			"error", err,
		)
		return
	}

	targets := h.registry.Resolve(req.Selector)

	var delivered, evicted int
	for _, c := range targets {
		err := c.Enqueue(frame)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, domain.ErrOutboxFull):
			if h.registry.Remove(c.ID()) {
				evicted++
				h.logger.Warn("evicting slow consumer",
					"conn_id", c.ID(),
					"user_id", c.Identity().UserID,
					"outbox_capacity", c.OutboxCapacity(),
				)
				h.publish(eventbus.EventConnectionEvicted, eventbus.ConnectionData{
					ConnID: c.ID(),
					UserID: c.Identity().UserID,
					Role:   string(c.Identity().Role),
					Reason: "outbox_full",
				})
			}
		default:
			// Removed between resolve and enqueue.
		}
	}

	h.delivered.Add(int64(delivered))
	h.evicted.Add(int64(evicted))

	h.logger.Debug("broadcast dispatched",
		"request_id", req.ID,
		"event", req.Event,
		"targets", len(targets),
		"delivered", delivered,
		"evicted", evicted,
	)
	h.publish(eventbus.EventBroadcastDispatched, eventbus.BroadcastData{
		RequestID: req.ID,
		Event:     req.Event,
		Targets:   len(targets),
		Delivered: delivered,
		Evicted:   evicted,
	})
}

func (h *Hub) publish(eventType eventbus.EventType, data any) {
	if h.events == nil {
		return
	}
	h.events.PublishAsync(eventbus.NewEvent(eventType, "hub", data))
}

// encode serializes the envelope once for every target.
func encode(req *domain.BroadcastRequest) ([]byte, error) {
	msg, err := domain.NewMessage(domain.MessageTypeData, "", req.Payload, req.SubmittedAt)
	if err != nil {
		return nil, err
	}
	msg.Event = req.Event

	metadata := make(map[string]any, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["requestId"] = req.ID
	msg.Metadata = metadata

	return msg.Marshal()
}
