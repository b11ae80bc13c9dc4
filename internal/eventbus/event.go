package eventbus

import (
	"time"

	"github.com/rs/xid"
)

// EventType represents the type of event
type EventType string

// Event types
const (
	EventConnectionAdmitted      EventType = "connection.admitted"
	EventConnectionAuthenticated EventType = "connection.authenticated"
	EventConnectionAuthFailed    EventType = "connection.auth_failed"
	EventConnectionClosed        EventType = "connection.closed"
	EventConnectionEvicted       EventType = "connection.evicted"
	EventBroadcastDispatched     EventType = "broadcast.dispatched"
	EventBroadcastDropped        EventType = "broadcast.dropped"
	EventAdmissionRejected       EventType = "admission.rejected"
)

// Event represents a system event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Data      any               `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConnectionData is carried by connection.* events.
type ConnectionData struct {
	ConnID     string `json:"connId"`
	UserID     string `json:"userId,omitempty"`
	Role       string `json:"role,omitempty"`
	TenantID   string `json:"tenantId,omitempty"`
	RemoteAddr string `json:"remoteAddr,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// BroadcastData is carried by broadcast.* events.
type BroadcastData struct {
	RequestID string `json:"requestId"`
	Event     string `json:"event"`
	Targets   int    `json:"targets"`
	Delivered int    `json:"delivered"`
	Evicted   int    `json:"evicted"`
	Reason    string `json:"reason,omitempty"`
}

// AdmissionData is carried by admission.rejected events.
type AdmissionData struct {
	Category   string        `json:"category"`
	Key        string        `json:"key"`
	Reason     string        `json:"reason"`
	RetryAfter time.Duration `json:"retryAfter"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, source string, data any) *Event {
	return &Event{
		ID:        generateID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Data:      data,
		Metadata:  make(map[string]string),
	}
}

// WithMetadata adds metadata to the event
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

func generateID() string {
	return xid.New().String()
}
