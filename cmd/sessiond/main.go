// Package main is the entry point for the session daemon: the
// client-side core that owns the session lifecycle on a headset. It
// wires the authority client, the lifecycle coordinator, the safety
// monitor and, when a classroom is requested, the realtime sync hub.
//
// The daemon runs one session from start to teardown. SIGINT and
// SIGTERM wind the session down cleanly; the safety monitor can tear it
// down on its own at any point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kidscampus/session-core/config"
	"github.com/kidscampus/session-core/internal/application/coordinator"
	"github.com/kidscampus/session-core/internal/application/safety"
	"github.com/kidscampus/session-core/internal/application/synchub"
	"github.com/kidscampus/session-core/internal/domain/session"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/internal/infrastructure/backend"
	"github.com/kidscampus/session-core/internal/infrastructure/messaging"
	"github.com/kidscampus/session-core/internal/infrastructure/persistence/sqlite"
	"github.com/kidscampus/session-core/internal/infrastructure/realtime"
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
	// 1. FLAGS AND CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	var (
		childID     = flag.String("child", "", "child account ID (required)")
		classroomID = flag.String("classroom", "", "classroom to join, empty for a solo session")
		duration    = flag.Duration("duration", 0, "requested session duration, default from config")
		deviceID    = flag.String("device", "", "stable headset identifier")
	)
	flag.Parse()

	if *childID == "" {
		return errors.New("-child is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	slogger := setupSlog(cfg)
	log.Info("starting session daemon",
		logger.F("env", string(cfg.App.Environment)),
		logger.ChildID(*childID),
		logger.ClassroomID(*classroomID),
	)

	featureCtx := &config.FeatureContext{DeviceID: *deviceID}

	// ─────────────────────────────────────────────────────────────────────────
	// 3. EVENT BUS
	// ─────────────────────────────────────────────────────────────────────────
	busConfig := messaging.DefaultConfig()
	busConfig.Logger = slogger
	busConfig.AsyncMode = true
	bus := messaging.NewInMemoryEventBus(busConfig)
	defer bus.Close()

	// Log every lifecycle event; collaborators would subscribe here.
	_ = bus.SubscribeAll(func(e shared.Event) error {
		log.Info("event", logger.F("type", string(e.EventType())))
		return nil
	})

	// ─────────────────────────────────────────────────────────────────────────
	// 4. INCIDENT JOURNAL (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var incidents session.IncidentStore
	if cfg.Incidents.Path != "" && cfg.Features.IsEnabled(config.FeatureIncidentJournal, featureCtx) {
		journal, err := sqlite.NewIncidentStore(cfg.Incidents.Path, log)
		if err != nil {
			return fmt.Errorf("failed to open incident journal: %w", err)
		}
		defer journal.Close()
		incidents = journal
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. AUTHORITY CLIENT
	// ─────────────────────────────────────────────────────────────────────────
	clientConfig := backend.DefaultClientConfig(cfg.Backend.BaseURL)
	clientConfig.AuthToken = cfg.Backend.AuthToken
	clientConfig.Timeout = cfg.Backend.RequestTimeout
	clientConfig.StartMaxRetries = cfg.Backend.StartMaxRetries
	clientConfig.StartRetryBase = cfg.Backend.StartRetryBase
	clientConfig.StartRetryMax = cfg.Backend.StartRetryMax
	clientConfig.Logger = slogger
	client := backend.NewClient(clientConfig)

	// ─────────────────────────────────────────────────────────────────────────
	// 6. COORDINATOR AND SAFETY MONITOR
	// ─────────────────────────────────────────────────────────────────────────
	coordConfig := coordinator.DefaultConfig()
	coordConfig.Backend = client
	coordConfig.Bus = bus
	coordConfig.Incidents = incidents
	coordConfig.Logger = log
	coordConfig.HeartbeatInterval = cfg.Backend.HeartbeatInterval
	coordConfig.HeartbeatTimeout = cfg.Backend.HeartbeatTimeout
	coordConfig.WindowSize = cfg.Backend.HeartbeatWindow
	coordConfig.LostBudget = cfg.Backend.HeartbeatBudget
	coordConfig.DeviceID = *deviceID
	coord := coordinator.New(coordConfig)

	monitorConfig := safety.DefaultConfig()
	monitorConfig.Control = coord
	monitorConfig.Logger = log
	monitorConfig.TickInterval = cfg.Safety.TickInterval
	monitorConfig.SuspiciousTickGap = cfg.Safety.SuspiciousTickGap
	monitor := safety.New(monitorConfig)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. START THE SESSION
	// ─────────────────────────────────────────────────────────────────────────
	policy := session.SafetyPolicy{
		MaxDuration:          cfg.Safety.DefaultMaxDuration,
		WarningLeadTime:      cfg.Safety.DefaultWarningLead,
		EmergencyStopEnabled: cfg.Safety.EmergencyStopEnabled,
	}
	if *duration > 0 {
		policy.MaxDuration = *duration
	}
	if cfg.Safety.MaxSessionDuration > 0 && policy.MaxDuration > cfg.Safety.MaxSessionDuration {
		policy.MaxDuration = cfg.Safety.MaxSessionDuration
	}

	result, err := coord.Start(ctx, session.ChildID(*childID), session.ClassroomID(*classroomID), policy)
	if err != nil {
		return fmt.Errorf("session start refused: %w", err)
	}
	log.Info("session granted",
		logger.SessionID(string(result.SessionID)),
		logger.Duration("granted", result.Granted),
	)

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	monitorDone := make(chan error, 1)
	go func() { monitorDone <- monitor.Run(runCtx) }()

	// ─────────────────────────────────────────────────────────────────────────
	// 8. CLASSROOM SYNC (optional)
	// ─────────────────────────────────────────────────────────────────────────
	var stream *realtime.Stream
	if *classroomID != "" && result.ClassroomToken != "" &&
		cfg.Features.IsEnabled(config.FeatureClassroomSync, featureCtx) {

		streamConfig := realtime.DefaultStreamConfig(cfg.Realtime.URL, *classroomID, result.ClassroomToken)
		streamConfig.DialTimeout = cfg.Realtime.DialTimeout
		streamConfig.WriteTimeout = cfg.Realtime.WriteTimeout
		streamConfig.ReconnectMaxRetries = cfg.Realtime.ReconnectMaxRetries
		streamConfig.ReconnectBase = cfg.Realtime.ReconnectBase
		streamConfig.ReconnectMax = cfg.Realtime.ReconnectMax
		streamConfig.SendBuffer = cfg.Realtime.SendBuffer
		streamConfig.Logger = slogger
		stream = realtime.NewStream(streamConfig)
		defer stream.Close()

		hubConfig := synchub.DefaultConfig()
		hubConfig.ClassroomID = *classroomID
		hubConfig.ChildID = *childID
		hubConfig.Stream = stream
		hubConfig.Bus = bus
		hubConfig.Logger = log
		hubConfig.PresenceTimeout = cfg.Classroom.PresenceTimeout
		hubConfig.SweepInterval = cfg.Classroom.SweepInterval

		hub, err := synchub.New(hubConfig)
		if err != nil {
			return fmt.Errorf("failed to create sync hub: %w", err)
		}
		// The session ending, by whichever path, announces the departure
		// to the classroom right away.
		if err := hub.BindLifecycle(bus); err != nil {
			return fmt.Errorf("failed to bind sync hub: %w", err)
		}

		go func() {
			if err := stream.Run(runCtx); err != nil && runCtx.Err() == nil {
				log.Warn("classroom channel lost", logger.Err(err))
			}
		}()
		go func() {
			if err := hub.Run(runCtx); err != nil && runCtx.Err() == nil {
				log.Warn("sync hub stopped", logger.Err(err))
			}
		}()

		if err := hub.Join(nil); err != nil {
			log.Warn("classroom join not announced", logger.Err(err))
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 9. RUN UNTIL SIGNALLED OR TORN DOWN
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stateTick := time.NewTicker(time.Second)
	defer stateTick.Stop()

	for {
		select {
		case sig := <-sigCh:
			log.Info("received shutdown signal", logger.F("signal", sig.String()))
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
			defer cancel()
			if err := coord.Stop(stopCtx, "user_stop"); err != nil &&
				!errors.Is(err, shared.ErrSessionTerminal) {
				log.Warn("stop did not complete cleanly", logger.Err(err))
			}
			stopRun()
			<-monitorDone
			log.Info("session daemon stopped")
			return nil

		case <-stateTick.C:
			// The safety monitor or the authority may have ended the
			// session without us; exit once the state machine is terminal.
			if coord.State().IsTerminal() {
				log.Info("session ended", logger.SessionState(string(coord.State())))
				stopRun()
				<-monitorDone
				return nil
			}

		case err := <-monitorDone:
			if err != nil && runCtx.Err() == nil {
				return fmt.Errorf("safety monitor failed: %w", err)
			}
			return nil
		}
	}
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

// setupSlog builds the slog logger used by the infrastructure clients.
func setupSlog(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}
