package domain

import "time"

// Selector identifies broadcast targets. Clauses are unioned: a connection is
// a target when it matches any of them.
type Selector struct {
	Topics    []Topic  `json:"topics,omitempty"`
	UserIDs   []string `json:"userIds,omitempty"`
	Roles     []Role   `json:"roles,omitempty"`
	TenantIDs []string `json:"tenantIds,omitempty"`
}

// IsEmpty reports whether the selector can match nothing.
func (s Selector) IsEmpty() bool {
	return len(s.Topics) == 0 && len(s.UserIDs) == 0 && len(s.Roles) == 0 && len(s.TenantIDs) == 0
}

// BroadcastRequest is one logical event to fan out.
type BroadcastRequest struct {
	ID          string         `json:"id"`
	Event       string         `json:"event"`
	Payload     any            `json:"data"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	Selector    Selector       `json:"selector"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// Broadcaster is the collaborator interface exposed to domain-event producers.
type Broadcaster interface {
	Broadcast(event string, payload any, selector Selector) error
}

// HubStats provides statistics about the hub.
type HubStats struct {
	Submitted  int64   `json:"submitted"`
	Dispatched int64   `json:"dispatched"`
	Dropped    int64   `json:"dropped"`
	Delivered  int64   `json:"delivered"`
	Evicted    int64   `json:"evicted"`
	QueueDepth int     `json:"queueDepth"`
	Uptime     float64 `json:"uptimeSeconds"`
}

// RegistryStats summarises the connection registry.
type RegistryStats struct {
	TotalConnections    int            `json:"totalConnections"`
	Authenticated       int            `json:"authenticated"`
	Anonymous           int            `json:"anonymous"`
	ConnectionsByRole   map[Role]int   `json:"connectionsByRole"`
	ConnectionsByTopic  map[Topic]int  `json:"connectionsByTopic"`
	ConnectionsByTenant map[string]int `json:"connectionsByTenant"`
	LastUpdated         time.Time      `json:"lastUpdated"`
}
