package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"salesops/api/internal/app"
	"salesops/api/internal/auth"
	"salesops/api/internal/board"
	"salesops/api/internal/config"
	"salesops/api/internal/dedupe"
	"salesops/api/internal/rbac"
	"salesops/api/internal/realtime"
	"salesops/api/internal/store"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg)
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("api stopped")
	}
}

func newLogger(cfg config.Config) *log.Logger {
	logger := log.StandardLogger()
	if strings.EqualFold(cfg.LogFormat, "json") {
		logger.SetFormatter(&log.JSONFormatter{})
	} else {
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		logger.WithField("level", cfg.LogLevel).Warn("unknown log level, using info")
		level = log.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

func run(cfg config.Config, logger *log.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTelStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
		otel.SetTracerProvider(provider)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	policy := rbac.DefaultPolicy()
	if cfg.RolePolicyFile != "" {
		loaded, err := rbac.LoadPolicy(cfg.RolePolicyFile)
		if err != nil {
			return err
		}
		policy = loaded
		logger.WithField("path", cfg.RolePolicyFile).Info("loaded role policy")
	}

	checks := map[string]app.Pinger{}

	backend, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	checks["database"] = backend

	var (
		channel realtime.Channel
		dedup   dedupe.Store
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rc := redis.NewClient(opt)
		defer rc.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rc.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		redisChannel := realtime.NewRedisChannel(rc, logger)
		channel = redisChannel
		dedup = dedupe.NewRedisStoreWithClient(rc, cfg.DedupeTTL)
		checks["redis"] = redisChannel
		logger.Info("using redis for notifications and idempotency keys")
	} else {
		hub := realtime.NewHub()
		defer hub.Close()
		channel = hub
		dedup = dedupe.NewMemoryStore(cfg.DedupeTTL)
		logger.Info("using in-process notifications; run a single replica")
	}

	relay := realtime.NewRelay(backend, channel, realtime.RelayOptions{
		Batch:        cfg.OutboxBatch,
		PollInterval: cfg.OutboxPollInterval,
		RetryInitial: cfg.OutboxRetryInitial,
		RetryMax:     cfg.OutboxRetryMax,
		Logger:       logger,
	})
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(ctx)
	}()

	svc := board.New(backend, board.Options{
		Policy:            policy,
		Logger:            logger,
		Notifier:          relay,
		HistoryPageSize:   cfg.HistoryPageSize,
		DefaultStageColor: cfg.DefaultStageColor,
	})
	if cfg.DefaultBoardID != "" {
		if _, err := svc.EnsureDefaultStage(ctx, cfg.DefaultBoardID, cfg.DefaultStageTitle); err != nil {
			logger.WithError(err).Warn("could not seed default stage, will retry on next restart")
		}
	}

	verifier, closeVerifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}
	defer closeVerifier()

	httpServer := app.NewHTTPServer(app.Options{
		Board:      svc,
		Verifier:   verifier,
		Channel:    channel,
		Dedupe:     dedup,
		Checks:     checks,
		CORSOrigin: cfg.CORSOrigin,
		Logger:     logger,
	})
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Event streams stay open; handlers bound their own work.
		IdleTimeout: 60 * time.Second,
	}
	// Shutdown waits for handlers to return; event streams only do so
	// when told.
	server.RegisterOnShutdown(httpServer.CloseStreams)

	serveErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("board api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	stop()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}
	<-relayDone
	return nil
}

func openStore(ctx context.Context, cfg config.Config, logger *log.Logger) (store.Backend, func(), error) {
	switch cfg.BoardStore {
	case "memory":
		logger.Warn("using in-memory board store; data is lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	case "postgres", "":
	default:
		return nil, nil, fmt.Errorf("unknown BOARD_STORE %q", cfg.BoardStore)
	}

	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		logger.WithField("migrations", applied).Info("applied migrations")
	}
	return store.NewPostgresStore(db), closer(db, logger), nil
}

func closer(db *sql.DB, logger *log.Logger) func() {
	return func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Warn("close database")
		}
	}
}

func newVerifier(cfg config.Config, logger *log.Logger) (app.IdentityVerifier, func(), error) {
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		if cfg.JWTSecret == "salesops-dev-secret" {
			logger.Warn("AUTH_JWT_SECRET is the development default")
		}
		return auth.NewHMACVerifier([]byte(cfg.JWTSecret), cfg.JWTAudience, cfg.JWTIssuer), func() {}, nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  5 * time.Minute,
		RefreshTimeout:    10 * time.Second,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			logger.WithError(err).Warn("refresh jwks")
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load jwks: %w", err)
	}
	logger.WithField("url", cfg.JWKSURL).Info("verifying tokens against jwks")
	return auth.NewJWKSVerifier(jwks, cfg.JWTAudience, cfg.JWTIssuer), jwks.EndBackground, nil
}
