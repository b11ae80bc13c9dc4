package websocket

import (
	"context"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/pkg/errors"
)

// handlerFunc answers one inbound frame. A nil reply sends nothing.
type handlerFunc func(ctx context.Context, s *session, msg *domain.Message) (*domain.Message, error)

type dispatcher struct {
	handlers map[domain.MessageType]handlerFunc
}

func newHandlerTable() *dispatcher {
	return &dispatcher{
		handlers: make(map[domain.MessageType]handlerFunc),
	}
}

func (d *dispatcher) Register(messageType domain.MessageType, handler handlerFunc) {
	d.handlers[messageType] = handler
}

func (d *dispatcher) Get(messageType domain.MessageType) (handlerFunc, bool) {
	handler, ok := d.handlers[messageType]
	return handler, ok
}

func (d *dispatcher) Handle(ctx context.Context, s *session, msg *domain.Message) (*domain.Message, error) {
	handler, ok := d.Get(msg.Type)
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeUnknownType, "unknown message type").
			WithDetails(string(msg.Type))
	}

	return handler(ctx, s, msg)
}

func (s *Server) newDispatcher() *dispatcher {
	d := newHandlerTable()
	d.Register(domain.MessageTypeAuth, s.handleAuth)
	d.Register(domain.MessageTypeHeartbeat, s.handleHeartbeat)
	d.Register(domain.MessageTypeSubscription, s.handleSubscription)
	return d
}
