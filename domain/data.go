package domain

import (
	"encoding/json"
	"time"
)

// MessageType is the tag of a wire frame.
type MessageType string

const (
	MessageTypeData         MessageType = "data"
	MessageTypeHeartbeat    MessageType = "heartbeat"
	MessageTypeSubscription MessageType = "subscription"
	MessageTypeError        MessageType = "error"
	MessageTypeAuth         MessageType = "auth"
)

// Message is the envelope of every frame exchanged with a client.
type Message struct {
	Type      MessageType     `json:"type"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	ClientID  string          `json:"clientId,omitempty"`
}

// NewMessage builds an envelope with data marshalled from payload.
func NewMessage(messageType MessageType, clientID string, payload any, now time.Time) (*Message, error) {
	msg := &Message{
		Type:      messageType,
		Timestamp: now.UTC(),
		ClientID:  clientID,
	}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		msg.Data = data
	}

	return msg, nil
}

// Decode unmarshals the frame data into v.
func (m *Message) Decode(v any) error {
	if len(m.Data) == 0 {
		return ErrInvalidMessage
	}
	return json.Unmarshal(m.Data, v)
}

// Marshal encodes the envelope.
func (m *Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage decodes a raw frame into an envelope.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, ErrInvalidMessage
	}
	return &msg, nil
}

// AuthRequest is the data of an inbound auth frame.
type AuthRequest struct {
	Token    string   `json:"token"`
	Platform Platform `json:"platform,omitempty"`
	DeviceID string   `json:"deviceId,omitempty"`
}

// AuthResult is the data of the auth frame sent on successful promotion.
type AuthResult struct {
	Success  bool    `json:"success"`
	ClientID string  `json:"clientId"`
	UserID   string  `json:"userId"`
	Username string  `json:"username"`
	Role     Role    `json:"role"`
	TenantID string  `json:"tenantId"`
	Topics   []Topic `json:"topics"`
}

// SubscriptionAction is the verb of a subscription control frame.
type SubscriptionAction string

const (
	SubscriptionStart SubscriptionAction = "start"
	SubscriptionStop  SubscriptionAction = "stop"
	SubscriptionAck   SubscriptionAction = "ack"
	SubscriptionJoin  SubscriptionAction = "join"
	SubscriptionLeave SubscriptionAction = "leave"
)

// SubscriptionRequest is the data of a subscription control frame.
type SubscriptionRequest struct {
	ID    string             `json:"id"`
	Type  SubscriptionAction `json:"type"`
	Query string             `json:"query,omitempty"`
	Topic Topic              `json:"topic,omitempty"`
}

// SubscriptionReply acknowledges a subscription control frame.
type SubscriptionReply struct {
	Type  SubscriptionAction `json:"type"`
	ID    string             `json:"id,omitempty"`
	Topic Topic              `json:"topic,omitempty"`
}

// ErrorPayload is the data of an error frame.
type ErrorPayload struct {
	Code         string `json:"code"`
	Error        string `json:"error"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}
