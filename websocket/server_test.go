package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/hub"
	"github.com/HMasataka/kebun/internal/directory"
	"github.com/HMasataka/kebun/pkg/errors"
	"github.com/HMasataka/kebun/ratelimit"
	"github.com/HMasataka/kebun/registry"
	"github.com/HMasataka/kebun/router"
	ws "github.com/gorilla/websocket"
)

type fakeVerifier map[string]domain.Identity

func (f fakeVerifier) VerifyToken(_ context.Context, token string) (domain.Identity, error) {
	id, ok := f[token]
	if !ok {
		return domain.Identity{}, domain.ErrInvalidToken
	}
	return id, nil
}

var testTokens = fakeVerifier{
	"satpam-token": {UserID: "u1", Username: "budi", Role: domain.RoleSatpam, TenantID: "t1"},
	"mandor-token": {UserID: "u2", Username: "sari", Role: domain.RoleMandor, TenantID: "t1"},
	"bare-token":   {UserID: "u3"},
}

// testLimits relaxes the per-IP windows so every test can dial loopback
// repeatedly.
func testLimits() ratelimit.Config {
	cfg := ratelimit.DefaultConfig()
	cfg.MaxConnectionsPerMinuteIP = 60_000_000
	cfg.ConnectionBlockDuration = 0
	cfg.AuthAttemptsPerMinuteIP = 60_000_000
	cfg.AuthBlockDuration = 0
	return cfg
}

type testEnv struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	server   *Server
	http     *httptest.Server
}

func newTestEnv(t *testing.T, cfg ratelimit.Config, opts ...ServerOption) *testEnv {
	t.Helper()

	reg := registry.New(router.New(nil))
	limiter := ratelimit.New(cfg)

	opts = append([]ServerOption{WithVerifier(testTokens)}, opts...)
	srv := NewServer(reg, limiter, opts...)
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})

	return &testEnv{registry: reg, limiter: limiter, server: srv, http: hs}
}

func (e *testEnv) url() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http")
}

func (e *testEnv) dial(t *testing.T) *ws.Conn {
	t.Helper()

	conn, resp, err := ws.DefaultDialer.Dial(e.url(), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Dial() error = %v, status = %d", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *ws.Conn, messageType domain.MessageType, payload any) {
	t.Helper()

	msg, err := domain.NewMessage(messageType, "", payload, time.Now())
	if err != nil {
		t.Fatalf("NewMessage() error = %v", err)
	}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := conn.WriteMessage(ws.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
}

func readFrame(t *testing.T, conn *ws.Conn) *domain.Message {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	msg, err := domain.ParseMessage(data)
	if err != nil {
		t.Fatalf("ParseMessage(%s) error = %v", data, err)
	}
	return msg
}

func readError(t *testing.T, conn *ws.Conn) domain.ErrorPayload {
	t.Helper()

	msg := readFrame(t, conn)
	if msg.Type != domain.MessageTypeError {
		t.Fatalf("frame type = %q, want error", msg.Type)
	}
	var p domain.ErrorPayload
	if err := msg.Decode(&p); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return p
}

func expectClose(t *testing.T, conn *ws.Conn, code int) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !ws.IsCloseError(err, code) {
		t.Fatalf("ReadMessage() error = %v, want close %d", err, code)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func authenticate(t *testing.T, conn *ws.Conn, token string, platform domain.Platform) domain.AuthResult {
	t.Helper()

	writeFrame(t, conn, domain.MessageTypeAuth, domain.AuthRequest{Token: token, Platform: platform, DeviceID: "dev-1"})
	msg := readFrame(t, conn)
	if msg.Type != domain.MessageTypeAuth {
		t.Fatalf("frame type = %q, want auth (data %s)", msg.Type, msg.Data)
	}
	var res domain.AuthResult
	if err := msg.Decode(&res); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	return res
}

func TestAdmissionRejected(t *testing.T) {
	cfg := testLimits()
	cfg.MaxConnectionsPerMinuteIP = 5
	cfg.ConnectionBlockDuration = time.Minute
	env := newTestEnv(t, cfg)

	env.dial(t)

	_, resp, err := ws.DefaultDialer.Dial(env.url(), nil)
	if err == nil {
		t.Fatal("second Dial() succeeded, want rejection")
	}
	if resp == nil {
		t.Fatalf("Dial() error = %v with no response", err)
	}
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
	if got := resp.Header.Get("Retry-After"); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}

	var body domain.ErrorPayload
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != errors.CodeRateLimited {
		t.Errorf("code = %q, want %q", body.Code, errors.CodeRateLimited)
	}
	if body.RetryAfterMs != 60_000 {
		t.Errorf("retryAfterMs = %d, want 60000", body.RetryAfterMs)
	}
	if got := env.registry.Count(); got != 1 {
		t.Errorf("registry Count() = %d, want 1", got)
	}
}

func TestCapacityRejected(t *testing.T) {
	cfg := testLimits()
	cfg.GlobalMaxConnections = 1
	env := newTestEnv(t, cfg)

	env.dial(t)

	_, resp, err := ws.DefaultDialer.Dial(env.url(), nil)
	if err == nil || resp == nil {
		t.Fatalf("second Dial() error = %v, want handshake rejection", err)
	}

	var body domain.ErrorPayload
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Code != errors.CodeCapacity {
		t.Errorf("code = %q, want %q", body.Code, errors.CodeCapacity)
	}
	if got := resp.Header.Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
}

func TestAuthSuccess(t *testing.T) {
	tests := []struct {
		name      string
		recompute bool
		token     string
		platform  domain.Platform
		want      []domain.Topic
	}{
		{
			name:      "recomputed topics",
			recompute: true,
			token:     "satpam-token",
			platform:  domain.PlatformWeb,
			want:      []domain.Topic{domain.TopicGateCheck, domain.TopicSatpam, domain.TopicWebDashboard},
		},
		{
			name:      "admission topics kept",
			recompute: false,
			token:     "satpam-token",
			want:      []domain.Topic{domain.TopicWebDashboard},
		},
		{
			name:      "bearer prefix and mobile platform",
			recompute: true,
			token:     "Bearer satpam-token",
			platform:  domain.PlatformAndroid,
			want:      []domain.Topic{domain.TopicGateCheck, domain.TopicMobile, domain.TopicSatpam, domain.TopicWebDashboard},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			opts.RecomputeTopicsOnAuth = tt.recompute
			env := newTestEnv(t, testLimits(), WithOptions(opts))
			conn := env.dial(t)

			res := authenticate(t, conn, tt.token, tt.platform)

			if !res.Success {
				t.Error("Success = false, want true")
			}
			if res.UserID != "u1" || res.Role != domain.RoleSatpam || res.TenantID != "t1" {
				t.Errorf("identity = %+v, want u1/SATPAM/t1", res)
			}
			if len(res.Topics) != len(tt.want) {
				t.Fatalf("Topics = %v, want %v", res.Topics, tt.want)
			}
			for i := range tt.want {
				if res.Topics[i] != tt.want[i] {
					t.Errorf("Topics = %v, want %v", res.Topics, tt.want)
					break
				}
			}

			users := env.registry.ByUser("u1")
			if len(users) != 1 {
				t.Fatalf("ByUser(u1) = %d connections, want 1", len(users))
			}
			c := users[0]
			if c.ID() != res.ClientID {
				t.Errorf("ClientID = %q, want %q", res.ClientID, c.ID())
			}
			if c.Status() != domain.StatusAuthenticated {
				t.Errorf("Status() = %q, want %q", c.Status(), domain.StatusAuthenticated)
			}
			if got := c.Metadata("deviceId"); got != "dev-1" {
				t.Errorf("deviceId = %q, want dev-1", got)
			}
			if got := c.Metadata("platform"); got != string(tt.platform) {
				t.Errorf("platform = %q, want %q", got, tt.platform)
			}
		})
	}
}

func TestAuthUsesDirectory(t *testing.T) {
	dir := directory.NewStatic(map[string]domain.UserRecord{
		"u3": {Username: "agus", Role: domain.RoleManager, TenantID: "t9"},
	})
	env := newTestEnv(t, testLimits(), WithUserLookup(dir))
	conn := env.dial(t)

	res := authenticate(t, conn, "bare-token", "")

	if res.Username != "agus" || res.Role != domain.RoleManager || res.TenantID != "t9" {
		t.Errorf("identity = %+v, want agus/MANAGER/t9", res)
	}
	if got := len(env.registry.ByTenant("t9")); got != 1 {
		t.Errorf("ByTenant(t9) = %d, want 1", got)
	}
}

func TestAuthFailureCloses(t *testing.T) {
	tests := []struct {
		name string
		req  domain.AuthRequest
		code string
	}{
		{name: "invalid token", req: domain.AuthRequest{Token: "nope"}, code: errors.CodeAuthFailed},
		{name: "missing token", req: domain.AuthRequest{}, code: errors.CodeMissingField},
		{name: "unknown platform", req: domain.AuthRequest{Token: "satpam-token", Platform: "PALM"}, code: errors.CodeInvalidMessage},
		{name: "no role", req: domain.AuthRequest{Token: "bare-token"}, code: errors.CodeAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testLimits())
			conn := env.dial(t)

			writeFrame(t, conn, domain.MessageTypeAuth, tt.req)

			if p := readError(t, conn); p.Code != tt.code {
				t.Errorf("code = %q, want %q", p.Code, tt.code)
			}
			expectClose(t, conn, ws.ClosePolicyViolation)

			eventually(t, "registry to empty", func() bool { return env.registry.Count() == 0 })
			eventually(t, "slot release", func() bool { return env.limiter.Stats().ActiveConnections == 0 })
		})
	}
}

func TestAuthRateLimited(t *testing.T) {
	cfg := testLimits()
	cfg.AuthAttemptsPerMinuteIP = 3
	cfg.AuthBlockDuration = 5 * time.Minute
	env := newTestEnv(t, cfg)

	first := env.dial(t)
	authenticate(t, first, "satpam-token", "")

	second := env.dial(t)
	writeFrame(t, second, domain.MessageTypeAuth, domain.AuthRequest{Token: "mandor-token"})

	p := readError(t, second)
	if p.Code != errors.CodeRateLimited {
		t.Errorf("code = %q, want %q", p.Code, errors.CodeRateLimited)
	}
	if p.RetryAfterMs != (5 * time.Minute).Milliseconds() {
		t.Errorf("retryAfterMs = %d, want %d", p.RetryAfterMs, (5 * time.Minute).Milliseconds())
	}
	expectClose(t, second, ws.ClosePolicyViolation)
}

func TestAuthTwice(t *testing.T) {
	env := newTestEnv(t, testLimits())
	conn := env.dial(t)
	authenticate(t, conn, "satpam-token", "")

	writeFrame(t, conn, domain.MessageTypeAuth, domain.AuthRequest{Token: "mandor-token"})
	if p := readError(t, conn); p.Code != errors.CodeInvalidMessage {
		t.Errorf("code = %q, want %q", p.Code, errors.CodeInvalidMessage)
	}

	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	if msg := readFrame(t, conn); msg.Type != domain.MessageTypeHeartbeat {
		t.Errorf("frame type = %q, want heartbeat", msg.Type)
	}
	if got := len(env.registry.ByUser("u1")); got != 1 {
		t.Errorf("ByUser(u1) = %d, want 1", got)
	}
}

func TestAuthTimeout(t *testing.T) {
	opts := DefaultOptions()
	opts.AuthTimeout = 50 * time.Millisecond
	env := newTestEnv(t, testLimits(), WithOptions(opts))
	conn := env.dial(t)

	if p := readError(t, conn); p.Code != errors.CodeAuthTimeout {
		t.Errorf("code = %q, want %q", p.Code, errors.CodeAuthTimeout)
	}
	expectClose(t, conn, ws.ClosePolicyViolation)
	eventually(t, "registry to empty", func() bool { return env.registry.Count() == 0 })
}

func TestAuthTimeoutStoppedByHandshake(t *testing.T) {
	opts := DefaultOptions()
	opts.AuthTimeout = 100 * time.Millisecond
	env := newTestEnv(t, testLimits(), WithOptions(opts))
	conn := env.dial(t)
	authenticate(t, conn, "satpam-token", "")

	time.Sleep(200 * time.Millisecond)

	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	if msg := readFrame(t, conn); msg.Type != domain.MessageTypeHeartbeat {
		t.Errorf("frame type = %q, want heartbeat", msg.Type)
	}
}

func TestHeartbeat(t *testing.T) {
	env := newTestEnv(t, testLimits())
	conn := env.dial(t)

	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	msg := readFrame(t, conn)

	if msg.Type != domain.MessageTypeHeartbeat {
		t.Errorf("frame type = %q, want heartbeat", msg.Type)
	}
	if len(msg.Data) != 0 {
		t.Errorf("data = %s, want empty", msg.Data)
	}
	conns := env.registry.Connections()
	if len(conns) != 1 || msg.ClientID != conns[0].ID {
		t.Errorf("clientId = %q, want the registered id", msg.ClientID)
	}
}

func TestSubscriptionStartStop(t *testing.T) {
	env := newTestEnv(t, testLimits())
	conn := env.dial(t)

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{
		ID: "s1", Type: domain.SubscriptionStart, Query: "subscription { harvest }",
	})

	msg := readFrame(t, conn)
	var reply domain.SubscriptionReply
	if err := msg.Decode(&reply); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if msg.Type != domain.MessageTypeSubscription || reply.Type != domain.SubscriptionAck || reply.ID != "s1" {
		t.Errorf("reply = %s %+v, want subscription ack s1", msg.Type, reply)
	}

	c, ok := env.registry.Get(msg.ClientID)
	if !ok {
		t.Fatalf("Get(%q) not found", msg.ClientID)
	}
	if !c.HasSubscription("s1") {
		t.Error("HasSubscription(s1) = false after start")
	}

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{ID: "s1", Type: domain.SubscriptionStop})
	// stop has no reply; the heartbeat orders the check after it.
	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	if msg := readFrame(t, conn); msg.Type != domain.MessageTypeHeartbeat {
		t.Fatalf("frame type = %q, want heartbeat", msg.Type)
	}
	if c.HasSubscription("s1") {
		t.Error("HasSubscription(s1) = true after stop")
	}
	if got := c.Topics(); len(got) != 1 || got[0] != domain.TopicWebDashboard {
		t.Errorf("Topics() = %v, want only WEB_DASHBOARD", got)
	}
}

func TestSubscriptionCap(t *testing.T) {
	cfg := testLimits()
	cfg.MaxSubscriptionsPerConn = 2
	env := newTestEnv(t, cfg)
	conn := env.dial(t)

	for _, id := range []string{"a", "b"} {
		writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{ID: id, Type: domain.SubscriptionStart})
		if msg := readFrame(t, conn); msg.Type != domain.MessageTypeSubscription {
			t.Fatalf("frame type = %q, want subscription", msg.Type)
		}
	}

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{ID: "c", Type: domain.SubscriptionStart})
	if p := readError(t, conn); p.Code != errors.CodeSubscriptionCap {
		t.Errorf("code = %q, want %q", p.Code, errors.CodeSubscriptionCap)
	}

	// A repeated id is acknowledged without counting against the cap.
	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{ID: "a", Type: domain.SubscriptionStart})
	if msg := readFrame(t, conn); msg.Type != domain.MessageTypeSubscription {
		t.Errorf("frame type = %q, want subscription", msg.Type)
	}
}

func TestTopicJoinLeave(t *testing.T) {
	env := newTestEnv(t, testLimits())
	conn := env.dial(t)

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{Type: domain.SubscriptionJoin, Topic: domain.TopicHarvest})
	if p := readError(t, conn); p.Code != errors.CodeForbiddenTopic {
		t.Errorf("anonymous join code = %q, want %q", p.Code, errors.CodeForbiddenTopic)
	}

	authenticate(t, conn, "mandor-token", "")

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{Type: domain.SubscriptionJoin, Topic: domain.TopicHarvest})
	msg := readFrame(t, conn)
	var reply domain.SubscriptionReply
	if err := msg.Decode(&reply); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if reply.Type != domain.SubscriptionJoin || reply.Topic != domain.TopicHarvest {
		t.Errorf("reply = %+v, want join HARVEST", reply)
	}
	if got := len(env.registry.ByTopic(domain.TopicHarvest)); got != 1 {
		t.Errorf("ByTopic(HARVEST) = %d, want 1", got)
	}

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{Type: domain.SubscriptionJoin, Topic: domain.TopicSatpam})
	if p := readError(t, conn); p.Code != errors.CodeForbiddenTopic {
		t.Errorf("foreign role topic code = %q, want %q", p.Code, errors.CodeForbiddenTopic)
	}

	writeFrame(t, conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{Type: domain.SubscriptionLeave, Topic: domain.TopicHarvest})
	msg = readFrame(t, conn)
	if err := msg.Decode(&reply); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if reply.Type != domain.SubscriptionLeave {
		t.Errorf("reply type = %q, want leave", reply.Type)
	}
	if got := len(env.registry.ByTopic(domain.TopicHarvest)); got != 0 {
		t.Errorf("ByTopic(HARVEST) = %d after leave, want 0", got)
	}
}

func TestProtocolErrorsKeepConnection(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		code  string
	}{
		{name: "unknown type", frame: `{"type":"bogus"}`, code: errors.CodeUnknownType},
		{name: "malformed json", frame: `{"type":`, code: errors.CodeInvalidMessage},
		{name: "missing type", frame: `{"data":{}}`, code: errors.CodeInvalidMessage},
		{name: "subscription without id", frame: `{"type":"subscription","data":{"type":"start"}}`, code: errors.CodeMissingField},
		{name: "unknown subscription verb", frame: `{"type":"subscription","data":{"type":"pause","id":"x"}}`, code: errors.CodeInvalidMessage},
	}

	env := newTestEnv(t, testLimits())
	conn := env.dial(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := conn.WriteMessage(ws.TextMessage, []byte(tt.frame)); err != nil {
				t.Fatalf("WriteMessage() error = %v", err)
			}
			if p := readError(t, conn); p.Code != tt.code {
				t.Errorf("code = %q, want %q", p.Code, tt.code)
			}
		})
	}

	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	if msg := readFrame(t, conn); msg.Type != domain.MessageTypeHeartbeat {
		t.Errorf("frame type = %q, want heartbeat", msg.Type)
	}
}

func TestMessageLimits(t *testing.T) {
	cfg := testLimits()
	cfg.MaxMessageSize = 80
	cfg.MessageBurstPerConn = 2
	cfg.MessagesPerSecondPerConn = 0.01
	env := newTestEnv(t, cfg)
	conn := env.dial(t)

	big := `{"type":"heartbeat","data":"` + strings.Repeat("x", 100) + `"}`
	if err := conn.WriteMessage(ws.TextMessage, []byte(big)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if p := readError(t, conn); p.Code != errors.CodeMessageTooLarge {
		t.Errorf("code = %q, want %q", p.Code, errors.CodeMessageTooLarge)
	}

	for i := 0; i < 2; i++ {
		writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
		if msg := readFrame(t, conn); msg.Type != domain.MessageTypeHeartbeat {
			t.Fatalf("frame %d type = %q, want heartbeat", i, msg.Type)
		}
	}

	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	p := readError(t, conn)
	if p.Code != errors.CodeRateLimited {
		t.Errorf("code = %q, want %q", p.Code, errors.CodeRateLimited)
	}
	if p.RetryAfterMs <= 0 {
		t.Errorf("retryAfterMs = %d, want > 0", p.RetryAfterMs)
	}
}

func TestBroadcastDelivery(t *testing.T) {
	env := newTestEnv(t, testLimits())
	h := hub.New(env.registry, hub.Options{})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = h.Stop() })

	guard := env.dial(t)
	authenticate(t, guard, "satpam-token", "")
	foreman := env.dial(t)
	authenticate(t, foreman, "mandor-token", "")

	err := h.Broadcast("gate_check.created", map[string]string{"plate": "BK 1234"}, domain.Selector{
		Topics: []domain.Topic{domain.TopicGateCheck},
	})
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}

	msg := readFrame(t, guard)
	if msg.Type != domain.MessageTypeData || msg.Event != "gate_check.created" {
		t.Errorf("frame = %s/%s, want data/gate_check.created", msg.Type, msg.Event)
	}
	var payload map[string]string
	if err := msg.Decode(&payload); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if payload["plate"] != "BK 1234" {
		t.Errorf("payload = %v", payload)
	}

	// The foreman is not on GATE_CHECK; its next frame is its own heartbeat.
	writeFrame(t, foreman, domain.MessageTypeHeartbeat, nil)
	if msg := readFrame(t, foreman); msg.Type != domain.MessageTypeHeartbeat {
		t.Errorf("foreman frame type = %q, want heartbeat", msg.Type)
	}
}

func TestRemovedConnectionIsClosed(t *testing.T) {
	env := newTestEnv(t, testLimits())
	conn := env.dial(t)

	writeFrame(t, conn, domain.MessageTypeHeartbeat, nil)
	msg := readFrame(t, conn)

	if !env.registry.Remove(msg.ClientID) {
		t.Fatalf("Remove(%q) = false", msg.ClientID)
	}

	expectClose(t, conn, ws.CloseNormalClosure)
	eventually(t, "slot release", func() bool { return env.limiter.Stats().ActiveConnections == 0 })
}

func TestClientCloseTearsDown(t *testing.T) {
	env := newTestEnv(t, testLimits())
	conn := env.dial(t)
	authenticate(t, conn, "satpam-token", "")

	_ = conn.WriteMessage(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, "bye"))
	conn.Close()

	eventually(t, "registry to empty", func() bool { return env.registry.Count() == 0 })
	eventually(t, "slot release", func() bool { return env.limiter.Stats().ActiveConnections == 0 })
	if got := len(env.registry.ByUser("u1")); got != 0 {
		t.Errorf("ByUser(u1) = %d after close, want 0", got)
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, testLimits())
	a := env.dial(t)
	b := env.dial(t)
	eventually(t, "two connections", func() bool { return env.registry.Count() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	expectClose(t, a, ws.CloseNormalClosure)
	expectClose(t, b, ws.CloseNormalClosure)
	if got := env.registry.Count(); got != 0 {
		t.Errorf("Count() = %d after shutdown, want 0", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	check := checkOrigin([]string{"https://dashboard.example.com/"})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://dashboard.example.com", true},
		{"HTTPS://Dashboard.Example.com", true},
		{"https://evil.example.com", false},
	}

	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}
