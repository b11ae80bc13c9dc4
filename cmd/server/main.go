package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/HMasataka/kebun/domain"
	"github.com/HMasataka/kebun/hub"
	"github.com/HMasataka/kebun/internal/auth"
	"github.com/HMasataka/kebun/internal/config"
	"github.com/HMasataka/kebun/internal/directory"
	"github.com/HMasataka/kebun/internal/eventbus"
	"github.com/HMasataka/kebun/internal/httpapi"
	"github.com/HMasataka/kebun/internal/stats"
	"github.com/HMasataka/kebun/logging"
	"github.com/HMasataka/kebun/ratelimit"
	"github.com/HMasataka/kebun/registry"
	"github.com/HMasataka/kebun/router"
	"github.com/HMasataka/kebun/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	flag "github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.StringP("config", "c", "", "config file (.yaml, .json or .jsonc)")
		host       = flag.String("host", "", "listen host")
		port       = flag.IntP("port", "p", 0, "listen port")
		logLevel   = flag.String("log-level", "", "log level (debug, info, warn, error)")
		logFormat  = flag.String("log-format", "", "log format (json, text, pretty)")
	)
	flag.Parse()

	cfg, err := config.Load(config.LoadOptions{Path: *configPath})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := eventbus.NewInMemoryBus(cfg.Hub.EventBufferSize)
	bus.Start(ctx)
	defer bus.Stop()

	collector := stats.NewCollector()
	collector.Attach(bus)
	defer collector.Detach()

	rtr := router.New(nil)
	reg := registry.New(rtr,
		registry.WithOutboxSize(cfg.WebSocket.OutboxSize),
		registry.WithLogger(logger),
	)

	limiter := ratelimit.New(cfg.RateLimit, ratelimit.WithLogger(logger))
	go limiter.Run(ctx)

	h := hub.New(reg, hub.Options{
		QueueSize: cfg.Hub.QueueSize,
		Logger:    logger,
		Events:    bus,
	})
	if err := h.Start(ctx); err != nil {
		return err
	}
	defer h.Stop()

	serverOpts := []websocket.ServerOption{
		websocket.WithOptions(websocket.Options{
			ReadDeadline:          cfg.WebSocket.ReadDeadline,
			PingInterval:          cfg.WebSocket.PingInterval,
			WriteTimeout:          cfg.WebSocket.WriteTimeout,
			AuthTimeout:           cfg.WebSocket.AuthTimeout,
			ReadLimit:             cfg.WebSocket.ReadLimit,
			ReadBufferSize:        cfg.WebSocket.ReadBufferSize,
			WriteBufferSize:       cfg.WebSocket.WriteBufferSize,
			RecomputeTopicsOnAuth: cfg.WebSocket.RecomputeTopicsOnAuth,
			AllowedOrigins:        cfg.WebSocket.AllowedOrigins,
		}),
		websocket.WithLogger(logger),
		websocket.WithEventBus(bus),
		websocket.WithRouter(rtr),
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, websocket.WithVerifier(verifier))
	} else {
		logger.Warn("no jwt secret configured; every handshake will fail")
	}

	lookup, closeLookup, err := openDirectory(ctx, cfg.Directory)
	if err != nil {
		return err
	}
	defer closeLookup()
	if lookup != nil {
		serverOpts = append(serverOpts, websocket.WithUserLookup(lookup))
	}

	wsServer := websocket.NewServer(reg, limiter, serverOpts...)

	api := httpapi.New(reg, limiter, h,
		httpapi.WithToken(cfg.Admin.Token),
		httpapi.WithEvents(collector),
		httpapi.WithLogger(logger),
	)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	if cfg.Server.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)

	r.Handle(cfg.WebSocket.Path, wsServer)
	r.Mount(cfg.Admin.Prefix, api.Routes())

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			"addr", srv.Addr,
			"websocket_path", cfg.WebSocket.Path,
			"admin_prefix", cfg.Admin.Prefix,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket shutdown error", "error", err)
	}

	logger.Info("server stopped", "events", collector.Snapshot())
	return nil
}

func openDirectory(ctx context.Context, cfg config.DirectoryConfig) (domain.UserLookup, func(), error) {
	switch cfg.Driver {
	case config.DirectoryPostgres:
		pool, err := directory.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open user directory: %w", err)
		}
		pg := directory.NewPostgres(pool, "")
		return pg, pg.Close, nil

	default:
		if cfg.UsersFile == "" {
			return nil, func() {}, nil
		}
		static, err := directory.LoadStatic(cfg.UsersFile)
		if err != nil {
			return nil, nil, err
		}
		return static, func() {}, nil
	}
}
