// Package coordinator implements the session lifecycle orchestrator. It
// owns the single session state machine, drives the start handshake and
// the heartbeat loop, and is the only component allowed to transition
// session state.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/kidscampus/session-core/internal/domain/session"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/internal/infrastructure/backend"
	"github.com/kidscampus/session-core/pkg/logger"
	"github.com/kidscampus/session-core/pkg/monoclock"
)

// BackendClient is the slice of the authority client the coordinator
// needs.
type BackendClient interface {
	StartSession(ctx context.Context, req backend.StartRequest) (*backend.StartGrant, error)
	Heartbeat(ctx context.Context, sessionID string, sequence uint64, elapsed time.Duration) (backend.HeartbeatResult, error)
	StopSession(ctx context.Context, sessionID, reason string, elapsed time.Duration) error

	// SetToken installs the session-scoped bearer token from a grant.
	SetToken(token string)
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains coordinator dependencies and tuning.
type Config struct {
	Backend   BackendClient
	Bus       shared.EventPublisher
	Incidents session.IncidentStore // optional
	Clock     monoclock.Clock
	Logger    *logger.Logger

	// HeartbeatInterval is the cadence of liveness reports.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout bounds a single heartbeat call.
	HeartbeatTimeout time.Duration

	// WindowSize is the size of the recent-heartbeat window.
	WindowSize int

	// LostBudget is the consecutive misses after which the connection is
	// judged lost.
	LostBudget int

	// DeviceID is the stable headset identifier sent with start calls.
	DeviceID string

	// StopReportTimeout bounds the best-effort stop report.
	StopReportTimeout time.Duration
}

// DefaultConfig returns sensible defaults, dependencies unset.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  5 * time.Second,
		WindowSize:        session.DefaultWindowSize,
		LostBudget:        3,
		StopReportTimeout: 5 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// COORDINATOR
// ══════════════════════════════════════════════════════════════════════════════

// Coordinator serializes all session lifecycle operations. A late
// network response never mutates state: every in-flight call carries
// the epoch it was issued under, and a response whose epoch is stale is
// dropped on the floor.
type Coordinator struct {
	config Config
	log    *logger.Logger
	clock  monoclock.Clock

	mu       sync.Mutex
	sess     *session.Session
	epoch    uint64
	liveness *session.LivenessWindow
	hbSeq    uint64
	hbCancel context.CancelFunc
	hbDone   chan struct{}
	degraded bool
}

// New creates a Coordinator.
func New(config Config) *Coordinator {
	if config.Clock == nil {
		config.Clock = monoclock.System()
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout <= 0 {
		config.HeartbeatTimeout = 5 * time.Second
	}
	if config.LostBudget <= 0 {
		config.LostBudget = 3
	}
	if config.StopReportTimeout <= 0 {
		config.StopReportTimeout = 5 * time.Second
	}

	return &Coordinator{
		config: config,
		log:    config.Logger.With(logger.Component("coordinator")),
		clock:  config.Clock,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// LIFECYCLE OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// StartResult is the outcome of a successful start.
type StartResult struct {
	SessionID      session.SessionID
	Granted        time.Duration
	ClassroomToken string
}

// Start requests a session from the authority and activates it locally.
// Exactly one session can exist at a time: a second Start while one is
// running or starting fails without touching the network.
func (c *Coordinator) Start(ctx context.Context, childID session.ChildID, classroomID session.ClassroomID, policy session.SafetyPolicy) (*StartResult, error) {
	c.mu.Lock()
	if c.sess != nil {
		switch {
		case c.sess.State() == session.StateStarting:
			c.mu.Unlock()
			return nil, shared.ErrStartInFlight
		case c.sess.State().IsRunning():
			c.mu.Unlock()
			return nil, shared.ErrSessionAlreadyActive
		}
	}

	sess, err := session.NewSession(childID, classroomID, policy, c.clock)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if err := sess.BeginStart(); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.sess = sess
	c.epoch++
	epoch := c.epoch
	c.liveness = session.NewLivenessWindow(c.config.WindowSize, c.config.LostBudget)
	c.hbSeq = 0
	c.degraded = false
	c.mu.Unlock()

	grant, err := c.config.Backend.StartSession(ctx, backend.StartRequest{
		ChildID:           childID.String(),
		ClassroomID:       classroomID.String(),
		RequestedDuration: policy.MaxDuration,
		DeviceID:          c.config.DeviceID,
	})

	c.mu.Lock()
	if c.epoch != epoch || c.sess != sess || sess.State() != session.StateStarting {
		// Stopped or superseded while the call was in flight. If the
		// authority opened a session anyway, release it.
		c.mu.Unlock()
		if err == nil && grant != nil {
			c.reportStop(grant.SessionID, "abandoned_start", 0)
		}
		return nil, shared.ErrSessionTerminal
	}

	if err != nil {
		return c.finishFailedStart(sess, err)
	}

	if err := sess.Activate(session.SessionID(grant.SessionID)); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	// Every call from here on authenticates with the session's own
	// token, not the parent credential.
	if grant.AuthToken != "" {
		c.config.Backend.SetToken(grant.AuthToken)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	c.hbCancel = cancel
	hbDone := make(chan struct{})
	c.hbDone = hbDone
	// The ticker is created here, not in the goroutine, so the first
	// interval starts counting before Start returns.
	ticker := c.clock.NewTicker(c.config.HeartbeatInterval)
	go c.heartbeatLoop(hbCtx, epoch, grant.SessionID, ticker, hbDone)

	started := shared.NewSessionStartedEvent(
		grant.SessionID, childID.String(), classroomID.String(), policy.MaxDuration)
	c.mu.Unlock()

	c.publish(started)
	c.log.Info("session active",
		logger.SessionID(grant.SessionID),
		logger.ChildID(childID.String()),
		logger.Duration("granted", grant.GrantedDuration),
	)

	return &StartResult{
		SessionID:      session.SessionID(grant.SessionID),
		Granted:        grant.GrantedDuration,
		ClassroomToken: grant.ClassroomToken,
	}, nil
}

// finishFailedStart resolves a failed start under the lock and returns
// with it released.
func (c *Coordinator) finishFailedStart(sess *session.Session, callErr error) (*StartResult, error) {
	childID := sess.ChildID().String()

	var failed shared.Event
	if shared.IsRejected(callErr) {
		// A rejection leaves the machine reusable: the child may retry
		// with different parameters.
		sess.RejectStart()
		c.sess = nil
		failed = shared.NewSessionFailedEvent(childID, callErr.Error(), false)
	} else {
		sess.Fail(callErr.Error())
		failed = shared.NewSessionFailedEvent(childID, callErr.Error(), true)
	}
	c.mu.Unlock()

	c.publish(failed)
	c.log.Warn("session start failed",
		logger.ChildID(childID), logger.Err(callErr))
	return nil, callErr
}

// Stop ends the session locally first, then reports to the authority on
// a best-effort basis. Local teardown never waits on the network.
func (c *Coordinator) Stop(ctx context.Context, reason string) error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.State().IsTerminal() {
		c.mu.Unlock()
		return nil
	}

	sessionID := sess.ID().String()
	childID := sess.ChildID().String()
	elapsed := sess.Elapsed()

	sess.ForceStop(reason)
	c.epoch++
	c.stopHeartbeatLocked()

	stopped := shared.NewSessionStoppedEvent(sessionID, childID, reason, elapsed)
	c.mu.Unlock()

	c.publish(stopped)
	c.log.Info("session stopped",
		logger.SessionID(sessionID), logger.F("reason", reason), logger.Duration("elapsed", elapsed))

	if sessionID != "" {
		c.reportStop(sessionID, reason, elapsed)
	}
	return nil
}

// EmergencyStop tears the session down synchronously. It is safe to
// call from any goroutine and from any state: when it returns, the
// session is terminal and the incident is queued for the journal.
func (c *Coordinator) EmergencyStop(detail string) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.State().IsTerminal() {
		c.mu.Unlock()
		return
	}

	sessionID := sess.ID()
	childID := sess.ChildID()
	elapsed := sess.Elapsed()
	sess.ForceStop("emergency_stop")
	c.epoch++
	c.stopHeartbeatLocked()

	incident := session.NewSafetyIncident(session.IncidentEmergencyStop, sessionID, childID, detail)
	stopped := shared.NewSessionStoppedEvent(sessionID.String(), childID.String(), "emergency_stop", elapsed)
	c.mu.Unlock()

	c.recordIncident(incident)
	c.publish(stopped)
	c.log.Warn("emergency stop",
		logger.SessionID(sessionID.String()), logger.IncidentID(incident.ID))

	if sessionID != "" {
		c.reportStop(sessionID.String(), "emergency_stop", elapsed)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SAFETY TRANSITIONS
// ══════════════════════════════════════════════════════════════════════════════

// Warn moves an active session into the warning phase and announces the
// remaining time. A no-op in any other state.
func (c *Coordinator) Warn() error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.State() != session.StateActive {
		c.mu.Unlock()
		return nil
	}

	if err := sess.EnterWarning(); err != nil {
		c.mu.Unlock()
		return err
	}
	warning := shared.NewSessionWarningEvent(sess.ID().String(), sess.Remaining())
	c.mu.Unlock()

	c.publish(warning)
	return nil
}

// Expire enforces the duration limit: warning or not, the session ends
// now with a time-limit incident.
func (c *Coordinator) Expire() error {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.State().IsTerminal() {
		c.mu.Unlock()
		return nil
	}

	sessionID := sess.ID()
	childID := sess.ChildID()
	elapsed := sess.Elapsed()

	if sess.State() == session.StateActive || sess.State() == session.StateWarning {
		sess.EnterExpiring()
	}
	sess.ForceStop("time_limit")
	c.epoch++
	c.stopHeartbeatLocked()

	incident := session.NewSafetyIncident(session.IncidentTimeLimitReached, sessionID, childID, "")
	expired := shared.NewSessionExpiredEvent(sessionID.String(), elapsed)
	stopped := shared.NewSessionStoppedEvent(sessionID.String(), childID.String(), "time_limit", elapsed)
	c.mu.Unlock()

	c.recordIncident(incident)
	c.publish(expired)
	c.publish(stopped)
	c.log.Info("session expired",
		logger.SessionID(sessionID.String()), logger.Duration("elapsed", elapsed))

	if sessionID != "" {
		c.reportStop(sessionID.String(), "time_limit", elapsed)
	}
	return nil
}

// FailClosed tears the session down because time can no longer be
// trusted, for example after a suspicious clock gap.
func (c *Coordinator) FailClosed(detail string) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.State().IsTerminal() {
		c.mu.Unlock()
		return
	}

	sessionID := sess.ID()
	childID := sess.ChildID()
	elapsed := sess.Elapsed()
	sess.ForceStop("anomaly")
	c.epoch++
	c.stopHeartbeatLocked()

	incident := session.NewSafetyIncident(session.IncidentAnomalyDetected, sessionID, childID, detail)
	stopped := shared.NewSessionStoppedEvent(sessionID.String(), childID.String(), "anomaly", elapsed)
	c.mu.Unlock()

	c.recordIncident(incident)
	c.publish(stopped)
	c.log.Warn("session torn down on anomaly",
		logger.SessionID(sessionID.String()), logger.F("detail", detail))

	if sessionID != "" {
		c.reportStop(sessionID.String(), "anomaly", elapsed)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HEARTBEAT LOOP
// ══════════════════════════════════════════════════════════════════════════════

// heartbeatLoop reports liveness until the session ends or the
// connection is judged lost.
func (c *Coordinator) heartbeatLoop(ctx context.Context, epoch uint64, sessionID string, ticker monoclock.Ticker, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		c.mu.Lock()
		if c.epoch != epoch || c.sess == nil || c.sess.State().IsTerminal() {
			c.mu.Unlock()
			return
		}
		c.hbSeq++
		seq := c.hbSeq
		elapsed := c.sess.Elapsed()
		c.mu.Unlock()

		callCtx, cancel := context.WithTimeout(ctx, c.config.HeartbeatTimeout)
		result, err := c.config.Backend.Heartbeat(callCtx, sessionID, seq, elapsed)
		cancel()

		if !c.applyHeartbeatOutcome(epoch, sessionID, result, err) {
			return
		}
	}
}

// applyHeartbeatOutcome folds one heartbeat result into the liveness
// window. It returns false when the loop should stop.
func (c *Coordinator) applyHeartbeatOutcome(epoch uint64, sessionID string, result backend.HeartbeatResult, err error) bool {
	c.mu.Lock()
	if c.epoch != epoch || c.sess == nil || c.sess.State().IsTerminal() {
		// The session moved on while this beat was in flight.
		c.mu.Unlock()
		return false
	}

	if err != nil && errors.Is(err, shared.ErrTokenInvalidated) {
		c.mu.Unlock()
		c.log.Error("auth token invalidated", logger.SessionID(sessionID))
		c.Stop(context.Background(), "auth_invalidated")
		return false
	}

	record := session.HeartbeatRecord{
		Timestamp:        c.clock.Now(),
		RoundTripLatency: result.RoundTrip,
		Outcome:          session.OutcomeAck,
	}
	if err != nil {
		record.Outcome = session.OutcomeError
		if errors.Is(err, shared.ErrTimeout) {
			record.Outcome = session.OutcomeTimeout
		}
	}

	misses := c.liveness.Record(record)
	budget := c.liveness.Budget()
	lost := c.liveness.Lost()
	wasDegraded := c.degraded
	c.degraded = misses > 0 && !lost

	var events []shared.Event
	switch {
	case lost:
		events = append(events, shared.NewConnectionLostEvent(sessionID, misses))
	case misses > 0 && !wasDegraded:
		events = append(events, shared.NewConnectionDegradedEvent(sessionID, misses, budget))
	}
	c.mu.Unlock()

	for _, e := range events {
		c.publish(e)
	}

	if lost {
		c.connectionLost(sessionID, misses)
		return false
	}

	if err == nil && result.StopRequested {
		reason := result.StopReason
		if reason == "" {
			reason = "authority_stop"
		}
		c.log.Info("authority requested stop",
			logger.SessionID(sessionID), logger.F("reason", reason))
		c.Stop(context.Background(), reason)
		return false
	}

	if err != nil {
		c.log.Warn("heartbeat missed",
			logger.SessionID(sessionID), logger.Int("consecutive_misses", misses), logger.Err(err))
	}
	return true
}

// connectionLost ends the session after the liveness budget is spent.
func (c *Coordinator) connectionLost(sessionID string, misses int) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil || sess.State().IsTerminal() {
		c.mu.Unlock()
		return
	}
	childID := sess.ChildID()
	elapsed := sess.Elapsed()
	sess.ForceStop("connection_lost")
	c.epoch++
	c.stopHeartbeatLocked()

	incident := session.NewSafetyIncident(session.IncidentConnectionLost, sess.ID(), childID, "")
	stopped := shared.NewSessionStoppedEvent(sessionID, childID.String(), "connection_lost", elapsed)
	c.mu.Unlock()

	c.recordIncident(incident)
	c.publish(stopped)
	c.log.Error("connection lost",
		logger.SessionID(sessionID), logger.Int("consecutive_misses", misses))
}

// ══════════════════════════════════════════════════════════════════════════════
// VIEWS
// ══════════════════════════════════════════════════════════════════════════════

// State returns the current session state, Idle when none exists.
func (c *Coordinator) State() session.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.StateIdle
	}
	return c.sess.State()
}

// SessionID returns the current session ID, empty when none exists.
func (c *Coordinator) SessionID() session.SessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.ID()
}

// Elapsed returns monotonic elapsed session time.
func (c *Coordinator) Elapsed() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.Elapsed()
}

// Remaining returns time left under the policy limit.
func (c *Coordinator) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return 0
	}
	return c.sess.Remaining()
}

// Policy returns the active session's safety policy.
func (c *Coordinator) Policy() session.SafetyPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return session.SafetyPolicy{}
	}
	return c.sess.Policy()
}

// Liveness returns consecutive misses and the budget.
func (c *Coordinator) Liveness() (misses, budget int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.liveness == nil {
		return 0, c.config.LostBudget
	}
	return c.liveness.ConsecutiveMisses(), c.liveness.Budget()
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

// stopHeartbeatLocked cancels the heartbeat loop. Caller holds the lock.
func (c *Coordinator) stopHeartbeatLocked() {
	if c.hbCancel != nil {
		c.hbCancel()
		c.hbCancel = nil
	}
}

// reportStop delivers the stop report without blocking the caller.
func (c *Coordinator) reportStop(sessionID, reason string, elapsed time.Duration) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.config.StopReportTimeout)
		defer cancel()
		c.config.Backend.StopSession(ctx, sessionID, reason, elapsed)
	}()
}

// publish sends an event to the bus, tolerating a missing bus in tests.
func (c *Coordinator) publish(e shared.Event) {
	if c.config.Bus == nil || e == nil {
		return
	}
	if err := c.config.Bus.Publish(e); err != nil {
		c.log.Error("event publish failed",
			logger.F("event_type", e.EventType()), logger.Err(err))
	}
}

// recordIncident appends to the journal when one is configured.
func (c *Coordinator) recordIncident(incident session.SafetyIncident) {
	c.publish(shared.NewSafetyIncidentRaisedEvent(incident.ID, string(incident.Type), incident.SessionID.String()))
	if c.config.Incidents == nil {
		return
	}
	if err := c.config.Incidents.Record(incident); err != nil {
		c.log.Error("incident journal write failed",
			logger.IncidentID(incident.ID), logger.Err(err))
	}
}
