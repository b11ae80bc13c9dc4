package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/HMasataka/kebun/domain"
)

// Transport is the socket behind a connection.
type Transport interface {
	Close() error
}

// Connection is one live transport session.
//
// Identity and topics are written only while the owning registry holds its
// write lock; the connection mutex additionally guards them for readers that
// do not hold the registry lock.
type Connection struct {
	id          string
	transport   Transport
	outbox      chan []byte
	ctx         context.Context
	cancel      context.CancelFunc
	connectedAt time.Time

	mu            sync.RWMutex
	identity      domain.Identity
	status        domain.Status
	topics        map[domain.Topic]struct{}
	subscriptions map[string]string
	metadata      map[string]string
	lastSeen      time.Time
	closed        bool
}

func newConnection(id string, identity domain.Identity, transport Transport, outboxSize int, now time.Time) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		id:            id,
		transport:     transport,
		outbox:        make(chan []byte, outboxSize),
		ctx:           ctx,
		cancel:        cancel,
		connectedAt:   now,
		identity:      identity,
		status:        domain.StatusConnecting,
		topics:        make(map[domain.Topic]struct{}),
		subscriptions: make(map[string]string),
		metadata:      make(map[string]string),
		lastSeen:      now,
	}
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Transport() Transport {
	return c.transport
}

// Context is cancelled when the connection is removed from the registry.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// Outbox is drained by the connection's writer. It is closed on removal.
func (c *Connection) Outbox() <-chan []byte {
	return c.outbox
}

// OutboxCapacity returns the fixed outbox size.
func (c *Connection) OutboxCapacity() int {
	return cap(c.outbox)
}

func (c *Connection) Identity() domain.Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

func (c *Connection) Status() domain.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// MarkClosed records that both pumps have exited.
func (c *Connection) MarkClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = domain.StatusClosed
}

func (c *Connection) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Topics returns the subscribed topics in lexical order.
func (c *Connection) Topics() []domain.Topic {
	c.mu.RLock()
	defer c.mu.RUnlock()

	topics := make([]domain.Topic, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

func (c *Connection) HasTopic(topic domain.Topic) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.topics[topic]
	return ok
}

// AddSubscription records a client-declared subscription id and returns the
// number of declared subscriptions afterwards.
func (c *Connection) AddSubscription(id, query string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[id] = query
	return len(c.subscriptions)
}

// RemoveSubscription drops a declared subscription id.
func (c *Connection) RemoveSubscription(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscriptions[id]
	delete(c.subscriptions, id)
	return ok
}

func (c *Connection) HasSubscription(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscriptions[id]
	return ok
}

func (c *Connection) SubscriptionCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subscriptions)
}

// Subscriptions returns declared subscription ids in lexical order.
func (c *Connection) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.subscriptions))
	for id := range c.subscriptions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (c *Connection) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

func (c *Connection) Metadata(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.metadata[key]
}

// Touch records inbound activity.
func (c *Connection) Touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

func (c *Connection) LastSeen() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSeen
}

// Enqueue pushes frame onto the outbox without blocking.
func (c *Connection) Enqueue(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return domain.ErrConnectionClosed
	}

	select {
	case c.outbox <- frame:
		return nil
	default:
		return domain.ErrOutboxFull
	}
}

// Info returns a snapshot for operator listings.
func (c *Connection) Info() domain.ConnectionInfo {
	topics := c.Topics()
	subs := c.Subscriptions()

	c.mu.RLock()
	defer c.mu.RUnlock()

	metadata := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}

	return domain.ConnectionInfo{
		ID:            c.id,
		Identity:      c.identity,
		Status:        c.status,
		Topics:        topics,
		Subscriptions: subs,
		Metadata:      metadata,
		ConnectedAt:   c.connectedAt,
		LastSeen:      c.lastSeen,
	}
}

// shutdown closes the outbox and cancels the connection context. Enqueue
// holds the read lock across its send, so no send can race the close.
func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	c.status = domain.StatusClosing
	close(c.outbox)
	c.cancel()
}

// The helpers below are called with the registry write lock held.

func (c *Connection) addTopicLocked(topic domain.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; ok {
		return false
	}
	c.topics[topic] = struct{}{}
	return true
}

func (c *Connection) removeTopicLocked(topic domain.Topic) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.topics[topic]; !ok {
		return false
	}
	delete(c.topics, topic)
	return true
}

func (c *Connection) promoteLocked(identity domain.Identity) domain.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	old := c.identity
	c.identity = identity
	c.status = domain.StatusAuthenticated
	return old
}
