package domain

import "errors"

// Common domain errors
var (
	// ErrConnectionNotFound is returned when a connection id is not registered
	ErrConnectionNotFound = errors.New("connection not found")

	// ErrConnectionClosed is returned when writing to a removed connection
	ErrConnectionClosed = errors.New("connection closed")

	// ErrOutboxFull is returned when a connection's outbound buffer is full
	ErrOutboxFull = errors.New("outbox full")

	// ErrInvalidMessage is returned when a frame is malformed
	ErrInvalidMessage = errors.New("invalid message")

	// ErrHubStopped is returned when submitting to a stopped hub
	ErrHubStopped = errors.New("hub stopped")

	// ErrQueueFull is returned when the hub queue cannot take a request
	ErrQueueFull = errors.New("broadcast queue full")

	// ErrInvalidToken is returned when handshake credentials do not verify
	ErrInvalidToken = errors.New("invalid token")

	// ErrUserNotFound is returned by a UserLookup for unknown ids
	ErrUserNotFound = errors.New("user not found")
)
