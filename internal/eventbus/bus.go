package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler represents an event handler function
type Handler func(event *Event)

// Publisher is the narrow side of a Bus handed to components that only emit.
type Publisher interface {
	Publish(event *Event)
	PublishAsync(event *Event)
}

// Bus represents an event bus
type Bus interface {
	Publisher

	// Subscribe subscribes to events of a specific type
	Subscribe(eventType EventType, handler Handler) string

	// SubscribeAll subscribes to all events
	SubscribeAll(handler Handler) string

	// Unsubscribe removes a subscription
	Unsubscribe(id string)

	// Start starts the event bus
	Start(ctx context.Context)

	// Stop stops the event bus
	Stop()
}

type subscription struct {
	id        string
	eventType EventType
	handler   Handler
}

// InMemoryBus is an in-memory implementation of the event bus. Handlers run
// outside the subscription lock, so a handler may itself publish or
// subscribe.
type InMemoryBus struct {
	subscribers map[EventType][]*subscription
	allHandlers []*subscription
	mu          sync.RWMutex
	eventChan   chan *Event
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	dropped     atomic.Int64
}

// NewInMemoryBus creates a new in-memory event bus
func NewInMemoryBus(bufferSize int) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &InMemoryBus{
		subscribers: make(map[EventType][]*subscription),
		eventChan:   make(chan *Event, bufferSize),
	}
}

// Publish delivers event to its subscribers on the calling goroutine.
func (b *InMemoryBus) Publish(event *Event) {
	if event == nil {
		return
	}
	for _, sub := range b.handlersFor(event.Type) {
		sub.handler(event)
	}
}

// PublishAsync queues event for the bus goroutine. Events are dropped when
// the queue is full.
func (b *InMemoryBus) PublishAsync(event *Event) {
	if event == nil {
		return
	}
	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns how many async events were discarded.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe subscribes to events of a specific type
func (b *InMemoryBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:        generateID(),
		eventType: eventType,
		handler:   handler,
	}

	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	return sub.id
}

// SubscribeAll subscribes to all events
func (b *InMemoryBus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      generateID(),
		handler: handler,
	}

	b.allHandlers = append(b.allHandlers, sub)
	return sub.id
}

// Unsubscribe removes a subscription
func (b *InMemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}

	for i, sub := range b.allHandlers {
		if sub.id == id {
			b.allHandlers = append(b.allHandlers[:i:i], b.allHandlers[i+1:]...)
			return
		}
	}
}

// Start starts the event bus
func (b *InMemoryBus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.processEvents()
}

// Stop stops the bus goroutine after delivering what is already queued.
func (b *InMemoryBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *InMemoryBus) handlersFor(eventType EventType) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := make([]*subscription, 0, len(b.subscribers[eventType])+len(b.allHandlers))
	subs = append(subs, b.subscribers[eventType]...)
	subs = append(subs, b.allHandlers...)
	return subs
}

func (b *InMemoryBus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			b.drain()
			return
		case event := <-b.eventChan:
			b.Publish(event)
		}
	}
}

func (b *InMemoryBus) drain() {
	for {
		select {
		case event := <-b.eventChan:
			b.Publish(event)
		default:
			return
		}
	}
}
