package domain

import (
	"context"
	"time"
)

// Status is the lifecycle state of a connection.
type Status string

const (
	StatusConnecting    Status = "CONNECTING"
	StatusAuthenticated Status = "AUTHENTICATED"
	StatusClosing       Status = "CLOSING"
	StatusClosed        Status = "CLOSED"
)

// Identity is who is behind a connection. The zero value plus RoleAnonymous
// is the anonymous identity every connection starts with.
type Identity struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenantId"`
}

// Anonymous returns the identity assigned at admission.
func Anonymous() Identity {
	return Identity{Username: string(RoleAnonymous), Role: RoleAnonymous}
}

// IsAnonymous reports whether the identity has not been authenticated.
func (i Identity) IsAnonymous() bool {
	return i.UserID == "" || i.Role == RoleAnonymous
}

// Platform is the client platform declared at handshake.
type Platform string

const (
	PlatformAndroid Platform = "ANDROID"
	PlatformIOS     Platform = "IOS"
	PlatformWeb     Platform = "WEB"
)

// Valid reports whether p is empty or a known platform.
func (p Platform) Valid() bool {
	switch p {
	case "", PlatformAndroid, PlatformIOS, PlatformWeb:
		return true
	default:
		return false
	}
}

// UserRecord is the directory view of a user.
type UserRecord struct {
	Username string `json:"username" yaml:"username"`
	Role     Role   `json:"role" yaml:"role"`
	TenantID string `json:"tenantId" yaml:"tenantId"`
}

// TokenVerifier validates handshake credentials.
type TokenVerifier interface {
	// VerifyToken returns the identity encoded in token. Fields the token
	// does not carry are left empty and filled by a UserLookup.
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// UserLookup resolves directory details for a verified user id.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (UserRecord, error)
}

// ConnectionInfo is a read-only snapshot of a connection.
type ConnectionInfo struct {
	ID            string            `json:"clientId"`
	Identity      Identity          `json:"identity"`
	Status        Status            `json:"status"`
	Topics        []Topic           `json:"topics"`
	Subscriptions []string          `json:"subscriptions"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	ConnectedAt   time.Time         `json:"connectedAt"`
	LastSeen      time.Time         `json:"lastSeen"`
}
