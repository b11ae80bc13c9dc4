package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/internal/auth"
	"github.com/HMasataka/kebun/logging"
	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:8080/ws", "websocket endpoint")
		token     = flag.String("token", "", "access token; signed from --secret when empty")
		secret    = flag.String("secret", "", "HS256 secret for signing a development token")
		issuer    = flag.String("issuer", "", "token issuer")
		userID    = flag.String("user", "dev-user", "user id for a signed token")
		role      = flag.String("role", string(domain.RoleManager), "role for a signed token")
		tenant    = flag.String("tenant", "", "tenant id for a signed token")
		platform  = flag.String("platform", string(domain.PlatformWeb), "platform (ANDROID, IOS, WEB)")
		deviceID  = flag.String("device", "", "device id")
		topics    = flag.StringSlice("join", nil, "topics to join after authenticating")
		heartbeat = flag.Duration("heartbeat", 25*time.Second, "application heartbeat interval")
		logLevel  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	)
	flag.Parse()

	logger := logging.New(logging.Config{
		Level:  *logLevel,
		Format: "text",
	})

	if *token == "" && *secret != "" {
		signed, err := auth.Sign(*secret, *issuer, domain.Identity{
			UserID:   *userID,
			Username: *userID,
			Role:     domain.Role(*role),
			TenantID: *tenant,
		}, time.Hour)
		if err != nil {
			logger.Error("failed to sign token", "error", err)
			os.Exit(1)
		}
		*token = signed
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		logger.Error("failed to connect", "server", *serverURL, "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	logger.Info("connected", "server", *serverURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go readLoop(conn, logger, done)

	if *token != "" {
		if err := send(conn, domain.MessageTypeAuth, domain.AuthRequest{
			Token:    *token,
			Platform: domain.Platform(*platform),
			DeviceID: *deviceID,
		}); err != nil {
			logger.Error("failed to send auth", "error", err)
			return
		}
	}

	for _, t := range *topics {
		if err := send(conn, domain.MessageTypeSubscription, domain.SubscriptionRequest{
			Type:  domain.SubscriptionJoin,
			Topic: domain.Topic(t),
		}); err != nil {
			logger.Error("failed to join topic", "topic", t, "error", err)
		}
	}

	ticker := time.NewTicker(*heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := send(conn, domain.MessageTypeHeartbeat, nil); err != nil {
				logger.Error("failed to send heartbeat", "error", err)
				return
			}
		case <-ctx.Done():
			logger.Info("interrupt received, closing")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}

func readLoop(conn *websocket.Conn, logger *logging.Logger, done chan<- struct{}) {
	defer close(done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				logger.Info("connection closed by server")
			} else {
				logger.Warn("read error", "error", err)
			}
			return
		}

		msg, err := domain.ParseMessage(data)
		if err != nil {
			logger.Warn("unparseable frame", "error", err)
			continue
		}

		switch msg.Type {
		case domain.MessageTypeHeartbeat:
			logger.Debug("heartbeat")
		case domain.MessageTypeError:
			logger.Warn("server error", "data", string(msg.Data))
		default:
			fmt.Printf("%s %s %s %s\n", msg.Timestamp.Format(time.RFC3339), msg.Type, msg.Event, msg.Data)
		}
	}
}

func send(conn *websocket.Conn, messageType domain.MessageType, payload any) error {
	msg, err := domain.NewMessage(messageType, "", payload, time.Now())
	if err != nil {
		return err
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}
