package websocket

import (
	"fmt"
	"sync"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/eventbus"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/pkg/errors"
	"github.com/HMasataka/kebun/ratelimit"
	"github.com/HMasataka/kebun/registry"
	ws "github.com/gorilla/websocket"
)

// Close reasons reported on connection.closed events.
const (
	reasonClientClosed = "client_closed"
	reasonReadError    = "read_error"
	reasonWriteError   = "write_error"
	reasonAuthFailed   = "auth_failed"
	reasonAuthTimeout  = "auth_timeout"
	reasonEvicted      = "evicted"
	reasonServerClosed = "server_closed"
)

// session drives one admitted connection: a reader on the calling goroutine
// and a writer draining the outbox.
type session struct {
	srv    *Server
	conn   *registry.Connection
	ws     *ws.Conn
	ip     string
	logger *logging.Logger

	writerDone chan struct{}
	authTimer  *time.Timer

	mu        sync.Mutex
	reason    string
	closeCode int
	closeText string
}

func newSession(srv *Server, conn *registry.Connection, wsConn *ws.Conn, ip string) *session {
	return &session{
		srv:        srv,
		conn:       conn,
		ws:         wsConn,
		ip:         ip,
		logger:     srv.logger.With("conn_id", conn.ID(), "remote_addr", ip),
		writerDone: make(chan struct{}),
		closeCode:  ws.CloseNormalClosure,
	}
}

// run blocks until the connection is gone.
func (s *session) run() {
	if s.srv.options.AuthTimeout > 0 {
		s.authTimer = time.AfterFunc(s.srv.options.AuthTimeout, s.authExpired)
	}

	go s.writePump()
	s.readPump()
	s.teardown()
}

func (s *session) readPump() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in read pump", "panic", r)
			s.setReason(reasonReadError, ws.CloseInternalServerErr, "internal error")
		}
	}()

	s.ws.SetReadLimit(s.srv.options.ReadLimit)
	s.ws.SetPongHandler(func(string) error {
		s.conn.Touch(s.srv.now())
		return s.ws.SetReadDeadline(time.Now().Add(s.srv.options.ReadDeadline))
	})

	for {
		if err := s.ws.SetReadDeadline(time.Now().Add(s.srv.options.ReadDeadline)); err != nil {
			s.setReason(reasonReadError, ws.CloseNormalClosure, "")
			return
		}

		_, data, err := s.ws.ReadMessage()
		if err != nil {
			switch {
			case s.conn.Closed():
				s.setReason(reasonServerClosed, ws.CloseNormalClosure, "")
			case ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway):
				s.setReason(reasonClientClosed, ws.CloseNormalClosure, "")
			default:
				if ws.IsUnexpectedCloseError(err, ws.CloseGoingAway, ws.CloseAbnormalClosure) {
					s.logger.Error("websocket read error", "error", err)
				}
				s.setReason(reasonReadError, ws.CloseNormalClosure, "")
			}
			return
		}

		s.conn.Touch(s.srv.now())
		s.handleFrame(data)

		if s.conn.Closed() {
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.srv.options.PingInterval)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in write pump", "panic", r)
		}
		ticker.Stop()
		_ = s.ws.Close()
		close(s.writerDone)
	}()

	outbox := s.conn.Outbox()
	done := s.conn.Context().Done()
	for {
		select {
		case <-done:
			s.flush(outbox)
			return

		case frame, ok := <-outbox:
			if !ok {
				s.flush(outbox)
				return
			}
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.srv.options.WriteTimeout))

			if err := s.ws.WriteMessage(ws.TextMessage, frame); err != nil {
				s.logger.Warn("websocket write error", "error", err)
				s.setReason(reasonWriteError, ws.CloseNormalClosure, "")
				s.srv.registry.Remove(s.conn.ID())
				return
			}

		case <-ticker.C:
			_ = s.ws.SetWriteDeadline(time.Now().Add(s.srv.options.WriteTimeout))
			if err := s.ws.WriteMessage(ws.PingMessage, nil); err != nil {
				s.setReason(reasonWriteError, ws.CloseNormalClosure, "")
				s.srv.registry.Remove(s.conn.ID())
				return
			}
		}
	}
}

// flush writes whatever is still queued on a closed outbox, then the close
// frame.
func (s *session) flush(outbox <-chan []byte) {
	for frame := range outbox {
		_ = s.ws.SetWriteDeadline(time.Now().Add(s.srv.options.WriteTimeout))
		if err := s.ws.WriteMessage(ws.TextMessage, frame); err != nil {
			return
		}
	}

	code, text := s.closeFrame()
	_ = s.ws.SetWriteDeadline(time.Now().Add(s.srv.options.WriteTimeout))
	_ = s.ws.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(code, text))
}

// teardown runs once per session after the reader exits.
func (s *session) teardown() {
	if s.authTimer != nil {
		s.authTimer.Stop()
	}

	s.srv.registry.Remove(s.conn.ID())
	s.srv.limiter.Remove(s.conn.ID())
	<-s.writerDone
	s.conn.MarkClosed()

	identity := s.conn.Identity()
	reason, _, _ := s.closeState()

	s.srv.publish(eventbus.EventConnectionClosed, eventbus.ConnectionData{
		ConnID:     s.conn.ID(),
		UserID:     identity.UserID,
		Role:       string(identity.Role),
		TenantID:   identity.TenantID,
		RemoteAddr: s.ip,
		Reason:     reason,
	})
	s.logger.Info("client disconnected",
		"user_id", identity.UserID,
		"reason", reason,
	)
}

func (s *session) handleFrame(data []byte) {
	if d := s.srv.limiter.AllowMessage(s.conn.ID(), int64(len(data))); !d.Allowed {
		s.sendError(admissionError(d))
		return
	}

	msg, err := domain.ParseMessage(data)
	if err != nil {
		s.sendError(errors.Wrap(err, errors.ErrorTypeProtocol, errors.CodeInvalidMessage, "invalid message"))
		return
	}

	reply, err := s.srv.handlers.Handle(s.conn.Context(), s, msg)
	if err != nil {
		s.srv.errHandler.HandleWithLogger(s.conn.Context(), err, s.logger.Logger)
		s.sendError(err)
		return
	}

	if reply != nil {
		s.send(reply)
	}
}

// authExpired closes a connection still anonymous when the handshake
// window ends.
func (s *session) authExpired() {
	if s.conn.Status() != domain.StatusConnecting {
		return
	}

	s.sendError(errors.New(errors.ErrorTypeTimeout, errors.CodeAuthTimeout, "authentication timeout"))
	s.close(reasonAuthTimeout, ws.ClosePolicyViolation, "authentication timeout")

	s.srv.publish(eventbus.EventConnectionAuthFailed, eventbus.ConnectionData{
		ConnID:     s.conn.ID(),
		RemoteAddr: s.ip,
		Reason:     reasonAuthTimeout,
	})
}

func (s *session) reply(messageType domain.MessageType, payload any) (*domain.Message, error) {
	msg, err := domain.NewMessage(messageType, s.conn.ID(), payload, s.srv.now())
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, errors.CodeMarshal, "failed to encode reply")
	}
	return msg, nil
}

// send enqueues msg. A full outbox evicts the connection.
func (s *session) send(msg *domain.Message) {
	frame, err := msg.Marshal()
	if err != nil {
		s.logger.Error("failed to marshal frame", "error", err, "type", msg.Type)
		return
	}

	switch err := s.conn.Enqueue(frame); err {
	case nil, domain.ErrConnectionClosed:
	case domain.ErrOutboxFull:
		s.close(reasonEvicted, ws.CloseTryAgainLater, "outbox full")
		s.srv.publish(eventbus.EventConnectionEvicted, eventbus.ConnectionData{
			ConnID:     s.conn.ID(),
			UserID:     s.conn.Identity().UserID,
			RemoteAddr: s.ip,
			Reason:     reasonEvicted,
		})
		s.logger.Warn("slow consumer evicted", "capacity", s.conn.OutboxCapacity())
	}
}

func (s *session) sendError(err error) {
	msg, mErr := domain.NewMessage(domain.MessageTypeError, s.conn.ID(), errorPayload(err), s.srv.now())
	if mErr != nil {
		return
	}
	s.send(msg)
}

// close records why the connection ends and removes it. The writer flushes
// queued frames before the close frame.
func (s *session) close(reason string, code int, text string) {
	s.setReason(reason, code, text)
	s.srv.registry.Remove(s.conn.ID())
}

// setReason keeps the first reason recorded.
func (s *session) setReason(reason string, code int, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reason != "" {
		return
	}
	s.reason = reason
	s.closeCode = code
	s.closeText = text
}

func (s *session) closeState() (string, int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reason := s.reason
	if reason == "" {
		reason = reasonServerClosed
	}
	return reason, s.closeCode, s.closeText
}

func (s *session) closeFrame() (int, string) {
	_, code, text := s.closeState()
	return code, text
}

func admissionError(d ratelimit.Decision) *errors.Error {
	switch d.Reason {
	case ratelimit.ReasonMessageSize:
		return errors.New(errors.ErrorTypeAdmission, errors.CodeMessageTooLarge, "message too large")
	case ratelimit.ReasonSubscriptionCap:
		return errors.New(errors.ErrorTypeAdmission, errors.CodeSubscriptionCap, "subscription limit reached")
	default:
		return errors.New(errors.ErrorTypeAdmission, errors.CodeRateLimited, "rate limit exceeded").
			WithRetryAfter(d.RetryAfter)
	}
}

func errorPayload(err error) domain.ErrorPayload {
	e, ok := errors.As(err)
	if !ok {
		return domain.ErrorPayload{Code: errors.CodeInvalidMessage, Error: err.Error()}
	}

	text := e.Message
	if e.Details != "" {
		text = fmt.Sprintf("%s: %s", e.Message, e.Details)
	}

	return domain.ErrorPayload{
		Code:         e.Code,
		Error:        text,
		RetryAfterMs: e.RetryAfter.Milliseconds(),
	}
}
