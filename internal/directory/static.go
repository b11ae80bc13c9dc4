// Package directory implements user lookups for the handshake.
package directory

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/HMasataka/kebun/domain"
	"gopkg.in/yaml.v3"
)

// Static is an in-memory user directory.
type Static struct {
	mu    sync.RWMutex
	users map[string]domain.UserRecord
}

var _ domain.UserLookup = (*Static)(nil)

func NewStatic(users map[string]domain.UserRecord) *Static {
	s := &Static{users: make(map[string]domain.UserRecord, len(users))}
	for id, u := range users {
		s.users[id] = u
	}
	return s
}

type staticFile struct {
	Users map[string]domain.UserRecord `yaml:"users"`
}

// LoadStatic reads a YAML file of the form
//
//	users:
//	  <user id>: {username: ..., role: ..., tenantId: ...}
func LoadStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read users file: %w", err)
	}

	var f staticFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse users file: %w", err)
	}

	return NewStatic(f.Users), nil
}

// LookupUser implements domain.UserLookup.
func (s *Static) LookupUser(_ context.Context, userID string) (domain.UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return domain.UserRecord{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, userID)
	}
	return u, nil
}

// Put adds or replaces a user.
func (s *Static) Put(userID string, u domain.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = u
}

func (s *Static) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
