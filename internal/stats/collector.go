// Package stats aggregates connection lifecycle events from the event bus.
package stats

import (
	"sync"
	"time"

	"github.com/HMasataka/kebun/internal/eventbus"
)

// Snapshot is a copy of the collector counters.
type Snapshot struct {
	Admitted             int64            `json:"admitted"`
	Authenticated        int64            `json:"authenticated"`
	AuthFailed           int64            `json:"authFailed"`
	Closed               int64            `json:"closed"`
	Evicted              int64            `json:"evicted"`
	BroadcastsDispatched int64            `json:"broadcastsDispatched"`
	BroadcastsDropped    int64            `json:"broadcastsDropped"`
	FramesDelivered      int64            `json:"framesDelivered"`
	AdmissionRejections  map[string]int64 `json:"admissionRejections"`
	LastEventAt          time.Time        `json:"lastEventAt"`
}

// Collector counts lifecycle events behind its own lock.
type Collector struct {
	mu       sync.RWMutex
	snapshot Snapshot
	subIDs   []string
	bus      eventbus.Bus
}

func NewCollector() *Collector {
	return &Collector{
		snapshot: Snapshot{AdmissionRejections: make(map[string]int64)},
	}
}

// Attach subscribes the collector to every event on bus.
func (c *Collector) Attach(bus eventbus.Bus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bus = bus
	c.subIDs = append(c.subIDs, bus.SubscribeAll(c.Handle))
}

// Detach removes the collector's subscriptions.
func (c *Collector) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bus == nil {
		return
	}
	for _, id := range c.subIDs {
		c.bus.Unsubscribe(id)
	}
	c.subIDs = nil
}

// Handle records one event.
func (c *Collector) Handle(event *eventbus.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.snapshot
	switch event.Type {
	case eventbus.EventConnectionAdmitted:
		s.Admitted++
	case eventbus.EventConnectionAuthenticated:
		s.Authenticated++
	case eventbus.EventConnectionAuthFailed:
		s.AuthFailed++
	case eventbus.EventConnectionClosed:
		s.Closed++
	case eventbus.EventConnectionEvicted:
		s.Evicted++
	case eventbus.EventBroadcastDispatched:
		s.BroadcastsDispatched++
		if data, ok := event.Data.(eventbus.BroadcastData); ok {
			s.FramesDelivered += int64(data.Delivered)
		}
	case eventbus.EventBroadcastDropped:
		s.BroadcastsDropped++
	case eventbus.EventAdmissionRejected:
		category := "unknown"
		if data, ok := event.Data.(eventbus.AdmissionData); ok {
			category = data.Category
		}
		s.AdmissionRejections[category]++
	default:
		return
	}
	s.LastEventAt = event.Timestamp
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := c.snapshot
	out.AdmissionRejections = make(map[string]int64, len(c.snapshot.AdmissionRejections))
	for k, v := range c.snapshot.AdmissionRejections {
		out.AdmissionRejections[k] = v
	}
	return out
}
