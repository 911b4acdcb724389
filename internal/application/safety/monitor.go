// Package safety implements the watchdog that enforces session time
// limits independently of the network. It ticks on the monotonic clock,
// fires the one-shot warning, expires the session at the policy limit,
// and fails closed when time itself looks untrustworthy.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/kidscampus/session-core/internal/domain/session"
	"github.com/kidscampus/session-core/pkg/logger"
	"github.com/kidscampus/session-core/pkg/monoclock"
)

// SessionControl is the slice of the coordinator the monitor drives.
type SessionControl interface {
	State() session.State
	Elapsed() time.Duration
	Policy() session.SafetyPolicy
	Warn() error
	Expire() error
	FailClosed(detail string)
	EmergencyStop(detail string)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains monitor dependencies and tuning.
type Config struct {
	Control SessionControl
	Clock   monoclock.Clock
	Logger  *logger.Logger

	// TickInterval is the watchdog cadence.
	TickInterval time.Duration

	// SuspiciousTickGap is the largest gap between consecutive ticks the
	// monitor will trust. Anything longer means the process was frozen or
	// the device suspended, and the session ends rather than run on
	// elapsed time nobody observed.
	SuspiciousTickGap time.Duration
}

// DefaultConfig returns sensible defaults, dependencies unset.
func DefaultConfig() Config {
	return Config{
		TickInterval:      1 * time.Second,
		SuspiciousTickGap: 30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MONITOR
// ══════════════════════════════════════════════════════════════════════════════

// Monitor is the session watchdog. It never owns state transitions
// itself: every enforcement goes through the coordinator, which is the
// single writer of session state. The warning is one-shot by
// construction because Warn only applies to an Active session and
// moves it to Warning.
type Monitor struct {
	config  Config
	control SessionControl
	clock   monoclock.Clock
	log     *logger.Logger

	// lastTick is only touched by the Run goroutine.
	lastTick time.Time
}

// New creates a Monitor.
func New(config Config) *Monitor {
	if config.Clock == nil {
		config.Clock = monoclock.System()
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.TickInterval <= 0 {
		config.TickInterval = 1 * time.Second
	}
	if config.SuspiciousTickGap <= 0 {
		config.SuspiciousTickGap = 30 * time.Second
	}

	return &Monitor{
		config:  config,
		control: config.Control,
		clock:   config.Clock,
		log:     config.Logger.With(logger.Component("safety")),
	}
}

// Run ticks until ctx is cancelled. Call it from its own goroutine.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := m.clock.NewTicker(m.config.TickInterval)
	defer ticker.Stop()

	m.log.Info("safety monitor running",
		logger.Duration("tick_interval", m.config.TickInterval),
		logger.Duration("suspicious_gap", m.config.SuspiciousTickGap),
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C():
			m.tick(t)
		}
	}
}

// EmergencyStop relays the out-of-band stop signal, subject to the
// active session's policy. With no session it is a no-op.
func (m *Monitor) EmergencyStop(detail string) {
	st := m.control.State()
	if st == session.StateIdle || st.IsTerminal() {
		return
	}

	if !m.control.Policy().EmergencyStopEnabled {
		m.log.Warn("emergency stop signal ignored by policy",
			logger.F("detail", detail))
		return
	}

	m.control.EmergencyStop(detail)
}

// tick runs one watchdog pass. The gap check uses the tick timestamps
// themselves: a frozen process delivers its next tick late, and the
// distance between the two stamps is exactly the unobserved time.
func (m *Monitor) tick(now time.Time) {
	last := m.lastTick
	m.lastTick = now

	st := m.control.State()
	if !st.IsRunning() {
		return
	}

	if !last.IsZero() {
		if gap := now.Sub(last); gap > m.config.SuspiciousTickGap {
			m.log.Error("suspicious tick gap, failing closed",
				logger.Duration("gap", gap),
				logger.SessionState(string(st)),
			)
			m.control.FailClosed(fmt.Sprintf(
				"tick gap %s exceeds %s", gap, m.config.SuspiciousTickGap))
			return
		}
	}

	policy := m.control.Policy()
	elapsed := m.control.Elapsed()

	if elapsed >= policy.MaxDuration {
		if err := m.control.Expire(); err != nil {
			m.log.Error("expiry failed", logger.Err(err))
		}
		return
	}

	if st == session.StateActive && elapsed >= policy.WarningAt() {
		if err := m.control.Warn(); err != nil {
			m.log.Error("warning failed", logger.Err(err))
		}
	}
}
