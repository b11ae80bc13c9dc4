package websocket

import (
	"context"
	stderrors "errors"
	"strings"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/eventbus"
	"github.com/HMasataka/kebun/pkg/errors"
	ws "github.com/gorilla/websocket"
)

// handleAuth promotes an anonymous connection. Any failure sends the error
// frame and closes the connection.
func (s *Server) handleAuth(ctx context.Context, sess *session, msg *domain.Message) (*domain.Message, error) {
	if sess.conn.Status() != domain.StatusConnecting {
		return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "already authenticated")
	}

	identity, req, err := s.authenticate(ctx, sess, msg)
	if err != nil {
		s.errHandler.HandleWithLogger(ctx, err, sess.logger.Logger)
		sess.sendError(err)
		sess.close(reasonAuthFailed, ws.ClosePolicyViolation, "authentication failed")

		s.publish(eventbus.EventConnectionAuthFailed, eventbus.ConnectionData{
			ConnID:     sess.conn.ID(),
			RemoteAddr: sess.ip,
			Reason:     err.Error(),
		})
		return nil, nil
	}

	c, err := s.registry.Promote(sess.conn.ID(), identity, s.options.RecomputeTopicsOnAuth)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeNotFound, errors.CodeNotFound, "connection not registered")
	}

	if req.Platform != "" {
		c.SetMetadata("platform", string(req.Platform))
	}
	if req.DeviceID != "" {
		c.SetMetadata("deviceId", req.DeviceID)
	}
	if req.Platform == domain.PlatformAndroid || req.Platform == domain.PlatformIOS {
		_ = s.registry.Subscribe(c.ID(), domain.TopicMobile)
	}

	if sess.authTimer != nil {
		sess.authTimer.Stop()
	}

	s.publish(eventbus.EventConnectionAuthenticated, eventbus.ConnectionData{
		ConnID:     c.ID(),
		UserID:     identity.UserID,
		Role:       string(identity.Role),
		TenantID:   identity.TenantID,
		RemoteAddr: sess.ip,
	})
	sess.logger.Info("client authenticated",
		"user_id", identity.UserID,
		"role", identity.Role,
		"tenant_id", identity.TenantID,
	)

	return sess.reply(domain.MessageTypeAuth, domain.AuthResult{
		Success:  true,
		ClientID: c.ID(),
		UserID:   identity.UserID,
		Username: identity.Username,
		Role:     identity.Role,
		TenantID: identity.TenantID,
		Topics:   c.Topics(),
	})
}

func (s *Server) authenticate(ctx context.Context, sess *session, msg *domain.Message) (domain.Identity, domain.AuthRequest, error) {
	var req domain.AuthRequest

	if d := s.limiter.AllowAuth(sess.ip); !d.Allowed {
		return domain.Identity{}, req, errors.New(errors.ErrorTypeAdmission, errors.CodeRateLimited, "too many authentication attempts").
			WithRetryAfter(d.RetryAfter)
	}

	if err := msg.Decode(&req); err != nil {
		return domain.Identity{}, req, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "invalid auth data")
	}

	token := strings.TrimSpace(strings.TrimPrefix(req.Token, "Bearer "))
	if token == "" {
		return domain.Identity{}, req, errors.New(errors.ErrorTypeProtocol, errors.CodeMissingField, "token is required")
	}
	if !req.Platform.Valid() {
		return domain.Identity{}, req, errors.New(errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "unknown platform").
			WithDetails(string(req.Platform))
	}

	if s.verifier == nil {
		return domain.Identity{}, req, errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication unavailable")
	}

	identity, err := s.verifier.VerifyToken(ctx, token)
	if err != nil {
		return domain.Identity{}, req, errors.Wrap(err, errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed")
	}

	if s.lookup != nil {
		record, err := s.lookup.LookupUser(ctx, identity.UserID)
		if err != nil {
			if stderrors.Is(err, domain.ErrUserNotFound) {
				return domain.Identity{}, req, errors.Wrap(err, errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed")
			}
			return domain.Identity{}, req, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeAuthFailed, "user lookup failed")
		}
		if record.Username != "" {
			identity.Username = record.Username
		}
		if record.Role != "" {
			identity.Role = record.Role
		}
		if record.TenantID != "" {
			identity.TenantID = record.TenantID
		}
	}

	if identity.IsAnonymous() || identity.Role == "" {
		return domain.Identity{}, req, errors.New(errors.ErrorTypeUnauthorized, errors.CodeAuthFailed, "authentication failed").
			WithDetails("no role assigned")
	}

	return identity, req, nil
}

func (s *Server) handleHeartbeat(_ context.Context, sess *session, _ *domain.Message) (*domain.Message, error) {
	return sess.reply(domain.MessageTypeHeartbeat, nil)
}

// handleSubscription serves start/stop bookkeeping and topic join/leave.
func (s *Server) handleSubscription(_ context.Context, sess *session, msg *domain.Message) (*domain.Message, error) {
	var req domain.SubscriptionRequest
	if err := msg.Decode(&req); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "invalid subscription data")
	}

	c := sess.conn

	switch req.Type {
	case domain.SubscriptionStart:
		if req.ID == "" {
			return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeMissingField, "subscription id is required")
		}
		if !c.HasSubscription(req.ID) {
			if d := s.limiter.AllowSubscription(c.ID(), c.SubscriptionCount()); !d.Allowed {
				return nil, admissionError(d)
			}
			c.AddSubscription(req.ID, req.Query)
		}
		return sess.reply(domain.MessageTypeSubscription, domain.SubscriptionReply{
			Type: domain.SubscriptionAck,
			ID:   req.ID,
		})

	case domain.SubscriptionStop:
		if req.ID == "" {
			return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeMissingField, "subscription id is required")
		}
		c.RemoveSubscription(req.ID)
		return nil, nil

	case domain.SubscriptionJoin:
		if !s.router.CanJoin(c.Identity().Role, req.Topic) {
			return nil, errors.New(errors.ErrorTypeUnauthorized, errors.CodeForbiddenTopic, "topic not allowed").
				WithDetails(string(req.Topic))
		}
		if !c.HasTopic(req.Topic) {
			if d := s.limiter.AllowSubscription(c.ID(), len(c.Topics())); !d.Allowed {
				return nil, admissionError(d)
			}
			if err := s.registry.Subscribe(c.ID(), req.Topic); err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeNotFound, errors.CodeNotFound, "connection not registered")
			}
		}
		return sess.reply(domain.MessageTypeSubscription, domain.SubscriptionReply{
			Type:  domain.SubscriptionJoin,
			Topic: req.Topic,
		})

	case domain.SubscriptionLeave:
		if !req.Topic.Valid() {
			return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "unknown topic").
				WithDetails(string(req.Topic))
		}
		if err := s.registry.Unsubscribe(c.ID(), req.Topic); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNotFound, errors.CodeNotFound, "connection not registered")
		}
		return sess.reply(domain.MessageTypeSubscription, domain.SubscriptionReply{
			Type:  domain.SubscriptionLeave,
			Topic: req.Topic,
		})

	default:
		return nil, errors.New(errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "unknown subscription type").
			WithDetails(string(req.Type))
	}
}
