// Package main is the entry point for the development session
// authority: the backend that grants sessions, enforces daily quotas,
// collects heartbeats and relays classroom deltas.
//
// The authority is deliberately small. It exists so the client core can
// be developed and exercised end to end; a production deployment would
// put a hardened service behind the same wire contract.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/kidscampus/session-core/config"
	"github.com/kidscampus/session-core/internal/application/grants"
	"github.com/kidscampus/session-core/internal/infrastructure/persistence/postgres"
	redisinfra "github.com/kidscampus/session-core/internal/infrastructure/persistence/redis"
	httpserver "github.com/kidscampus/session-core/internal/interface/http"
	"github.com/kidscampus/session-core/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Authority.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting session authority",
		logger.F("env", string(cfg.App.Environment)),
		logger.F("version", cfg.App.Version),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database")
	dbConn, err := postgres.NewConnectionFromURL(ctx, cfg.Authority.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection")
		dbConn.Close()
	}()

	if err := dbConn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("running database migrations")
	if err := postgres.RunMigrations(ctx, dbConn); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. REDIS (presence and sequence allocation, optional)
	// ─────────────────────────────────────────────────────────────────────────
	var presence *redisinfra.PresenceTracker

	if !cfg.Authority.RedisDisabled && cfg.Authority.RedisURL != "" {
		log.Info("connecting to redis")
		redisClient, err := redisinfra.NewClientFromURL(ctx, cfg.Authority.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, presence tracking disabled", logger.Err(err))
		} else {
			defer redisClient.Close()
			presence = redisinfra.NewPresenceTracker(redisClient)
			log.Info("redis connection established")
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. APPLICATION LAYER
	// ─────────────────────────────────────────────────────────────────────────
	store := postgres.NewSessionStore(dbConn)

	grantsConfig := grants.DefaultConfig()
	grantsConfig.Store = store
	grantsConfig.Logger = log
	grantsConfig.MaxSessionDuration = cfg.Safety.MaxSessionDuration
	grantsConfig.DefaultGrant = cfg.Safety.DefaultMaxDuration
	grantsConfig.PresenceTTL = cfg.Classroom.PresenceTimeout
	if presence != nil {
		grantsConfig.Presence = presence
	}
	grantsService := grants.New(grantsConfig)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. HTTP SERVER AND CLASSROOM BROADCASTER
	// ─────────────────────────────────────────────────────────────────────────
	broadcasterConfig := httpserver.DefaultBroadcasterConfig()
	broadcasterConfig.Verifier = grantsService
	broadcasterConfig.Logger = log
	broadcasterConfig.WriteTimeout = cfg.Realtime.WriteTimeout
	broadcasterConfig.SendBuffer = cfg.Realtime.SendBuffer
	if presence != nil {
		broadcasterConfig.Sequences = presence
	}
	broadcaster := httpserver.NewBroadcaster(broadcasterConfig)

	httpConfig := httpserver.DefaultConfig()
	httpConfig.ShutdownTimeout = cfg.App.ShutdownTimeout
	if host, port, err := splitListenAddr(cfg.Authority.ListenAddr); err == nil {
		httpConfig.Host = host
		httpConfig.Port = port
	} else {
		log.Warn("unparseable listen address, using default",
			logger.F("addr", cfg.Authority.ListenAddr), logger.Err(err))
	}

	server := httpserver.NewServer(httpConfig, httpserver.Dependencies{
		Grants:      grantsService,
		Broadcaster: broadcaster,
		Logger:      log,
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 7. RUN UNTIL SIGNALLED
	// ─────────────────────────────────────────────────────────────────────────
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.F("signal", sig.String()))
	case err := <-errCh:
		log.Error("service error", logger.Err(err))
		return err
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 8. GRACEFUL SHUTDOWN
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("shutting down", logger.Duration("timeout", cfg.App.ShutdownTimeout))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown failed", logger.Err(err))
		return err
	}

	log.Info("shutdown complete")
	return nil
}

// setupLogger builds the structured logger from observability config.
func setupLogger(cfg *config.Config) *logger.Logger {
	opts := logger.DefaultOptions()
	opts.Level = logger.ParseLevel(cfg.Observability.LogLevel)
	if cfg.App.Debug {
		opts.Level = logger.LevelDebug
	}
	return logger.New(opts)
}

// splitListenAddr parses ":8080" or "127.0.0.1:8080".
func splitListenAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	if host == "" {
		host = "0.0.0.0"
	}
	return host, port, nil
}
