// Package registry owns the set of live connections and the indices used to
// resolve broadcast targets.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/router"
	"github.com/rs/xid"
)

const DefaultOutboxSize = 256

// Option configures a Registry.
type Option func(*Registry)

// WithOutboxSize sets the fixed outbox capacity of new connections.
func WithOutboxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.outboxSize = n
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *logging.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the connection registry. All indices are guarded by one
// RWMutex; every mutation that touches more than one map does so under a
// single write lock.
type Registry struct {
	router     *router.Router
	logger     *logging.Logger
	now        func() time.Time
	outboxSize int

	mu       sync.RWMutex
	conns    map[string]*Connection
	byUser   map[string]map[string]*Connection
	byRole   map[domain.Role]map[string]*Connection
	byTenant map[string]map[string]*Connection
	byTopic  map[domain.Topic]map[string]*Connection
}

// New creates an empty registry that assigns default topics with rtr.
func New(rtr *router.Router, opts ...Option) *Registry {
	if rtr == nil {
		rtr = router.New(nil)
	}

	r := &Registry{
		router:     rtr,
		logger:     logging.Discard(),
		now:        time.Now,
		outboxSize: DefaultOutboxSize,
		conns:      make(map[string]*Connection),
		byUser:     make(map[string]map[string]*Connection),
		byRole:     make(map[domain.Role]map[string]*Connection),
		byTenant:   make(map[string]map[string]*Connection),
		byTopic:    make(map[domain.Topic]map[string]*Connection),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Add registers a new connection for transport and applies the router's
// default topics for identity's role.
func (r *Registry) Add(identity domain.Identity, transport Transport) *Connection {
	if identity.Role == "" {
		identity.Role = domain.RoleAnonymous
	}

	c := newConnection(xid.New().String(), identity, transport, r.outboxSize, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.id] = c
	r.indexIdentityLocked(c, identity)
	for _, topic := range r.router.DefaultTopicsFor(identity.Role) {
		r.addTopicLocked(c, topic)
	}

	r.logger.Debug("connection added",
		"conn_id", c.id,
		"role", identity.Role,
		"total_connections", len(r.conns),
	)

	return c
}

// Remove deletes id from every index, closes its outbox and drops the entry,
// all under one write lock. It reports whether id was registered.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return false
	}

	r.unindexIdentityLocked(c, c.identity)
	for topic := range c.topics {
		if set := r.byTopic[topic]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byTopic, topic)
			}
		}
	}
	c.shutdown()
	delete(r.conns, id)

	r.logger.Debug("connection removed",
		"conn_id", id,
		"user_id", c.identity.UserID,
		"total_connections", len(r.conns),
	)

	return true
}

// Get returns the connection registered under id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) ByUser(userID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byUser[userID])
}

func (r *Registry) ByRole(role domain.Role) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byRole[role])
}

func (r *Registry) ByTenant(tenantID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byTenant[tenantID])
}

func (r *Registry) ByTopic(topic domain.Topic) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byTopic[topic])
}

// Subscribe adds topic to the connection. Subscribing twice is a no-op.
func (r *Registry) Subscribe(id string, topic domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	if r.addTopicLocked(c, topic) {
		r.logger.Debug("topic subscribed", "conn_id", id, "topic", topic)
	}
	return nil
}

// Unsubscribe removes topic from the connection. Removing an absent topic is
// a no-op.
func (r *Registry) Unsubscribe(id string, topic domain.Topic) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	if c.removeTopicLocked(topic) {
		if set := r.byTopic[topic]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(r.byTopic, topic)
			}
		}
		r.logger.Debug("topic unsubscribed", "conn_id", id, "topic", topic)
	}
	return nil
}

// Promote replaces the connection's identity in place and re-keys the user,
// role and tenant indices. With recomputeTopics the router's default topics
// for the new role are added; otherwise the admission topics are kept as-is.
func (r *Registry) Promote(id string, identity domain.Identity, recomputeTopics bool) (*Connection, error) {
	if identity.Role == "" {
		identity.Role = domain.RoleAnonymous
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.conns[id]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}

	r.unindexIdentityLocked(c, c.identity)
	c.promoteLocked(identity)
	r.indexIdentityLocked(c, identity)

	if recomputeTopics {
		for _, topic := range r.router.DefaultTopicsFor(identity.Role) {
			r.addTopicLocked(c, topic)
		}
	}

	return c, nil
}

// Resolve returns the connections matching any clause of sel, deduplicated
// by connection id, from a single read-locked snapshot.
func (r *Registry) Resolve(sel domain.Selector) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make(map[string]*Connection)
	for _, topic := range sel.Topics {
		for id, c := range r.byTopic[topic] {
			targets[id] = c
		}
	}
	for _, userID := range sel.UserIDs {
		for id, c := range r.byUser[userID] {
			targets[id] = c
		}
	}
	for _, role := range sel.Roles {
		for id, c := range r.byRole[role] {
			targets[id] = c
		}
	}
	for _, tenantID := range sel.TenantIDs {
		for id, c := range r.byTenant[tenantID] {
			targets[id] = c
		}
	}

	return collect(targets)
}

// Connections returns a snapshot of every registered connection.
func (r *Registry) Connections() []domain.ConnectionInfo {
	r.mu.RLock()
	conns := collect(r.conns)
	r.mu.RUnlock()

	infos := make([]domain.ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, c.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Statistics summarises the registry.
func (r *Registry) Statistics() domain.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := domain.RegistryStats{
		TotalConnections:    len(r.conns),
		ConnectionsByRole:   make(map[domain.Role]int, len(r.byRole)),
		ConnectionsByTopic:  make(map[domain.Topic]int, len(r.byTopic)),
		ConnectionsByTenant: make(map[string]int, len(r.byTenant)),
		LastUpdated:         r.now(),
	}

	for _, c := range r.conns {
		if c.identity.IsAnonymous() {
			stats.Anonymous++
		} else {
			stats.Authenticated++
		}
	}
	for role, set := range r.byRole {
		stats.ConnectionsByRole[role] = len(set)
	}
	for topic, set := range r.byTopic {
		stats.ConnectionsByTopic[topic] = len(set)
	}
	for tenant, set := range r.byTenant {
		stats.ConnectionsByTenant[tenant] = len(set)
	}

	return stats
}

// RemoveAll removes every connection. Used at shutdown.
func (r *Registry) RemoveAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if r.Remove(id) {
			removed++
		}
	}
	return removed
}

func (r *Registry) addTopicLocked(c *Connection, topic domain.Topic) bool {
	if !c.addTopicLocked(topic) {
		return false
	}
	set := r.byTopic[topic]
	if set == nil {
		set = make(map[string]*Connection)
		r.byTopic[topic] = set
	}
	set[c.id] = c
	return true
}

func (r *Registry) indexIdentityLocked(c *Connection, identity domain.Identity) {
	if identity.UserID != "" {
		addTo(r.byUser, identity.UserID, c)
	}
	addTo(r.byRole, identity.Role, c)
	if identity.TenantID != "" {
		addTo(r.byTenant, identity.TenantID, c)
	}
}

func (r *Registry) unindexIdentityLocked(c *Connection, identity domain.Identity) {
	removeFrom(r.byUser, identity.UserID, c.id)
	removeFrom(r.byRole, identity.Role, c.id)
	removeFrom(r.byTenant, identity.TenantID, c.id)
}

func addTo[K comparable](index map[K]map[string]*Connection, key K, c *Connection) {
	set := index[key]
	if set == nil {
		set = make(map[string]*Connection)
		index[key] = set
	}
	set[c.id] = c
}

func removeFrom[K comparable](index map[K]map[string]*Connection, key K, id string) {
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

func collect(set map[string]*Connection) []*Connection {
	out := make([]*Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}
