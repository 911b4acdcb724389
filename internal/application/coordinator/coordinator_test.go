package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidscampus/session-core/internal/domain/session"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/internal/infrastructure/backend"
	"github.com/kidscampus/session-core/internal/infrastructure/messaging"
	"github.com/kidscampus/session-core/pkg/logger"
	"github.com/kidscampus/session-core/pkg/monoclock"
)

// ──────────────────────────────────────────────────────────────────────────────
// test doubles
// ──────────────────────────────────────────────────────────────────────────────

type stopCall struct {
	sessionID string
	reason    string
}

type fakeBackend struct {
	mu sync.Mutex

	startGrant *backend.StartGrant
	startErr   error
	startGate  chan struct{} // when non-nil, StartSession blocks until closed
	started    int

	heartbeatResults []backend.HeartbeatResult
	heartbeatErrs    []error
	heartbeats       int

	stops  []stopCall
	tokens []string
}

func (f *fakeBackend) StartSession(ctx context.Context, req backend.StartRequest) (*backend.StartGrant, error) {
	f.mu.Lock()
	gate := f.startGate
	f.started++
	f.mu.Unlock()

	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startGrant, f.startErr
}

func (f *fakeBackend) Heartbeat(ctx context.Context, sessionID string, seq uint64, elapsed time.Duration) (backend.HeartbeatResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.heartbeats
	f.heartbeats++

	var res backend.HeartbeatResult
	var err error
	if i < len(f.heartbeatResults) {
		res = f.heartbeatResults[i]
	}
	if i < len(f.heartbeatErrs) {
		err = f.heartbeatErrs[i]
	}
	return res, err
}

func (f *fakeBackend) StopSession(ctx context.Context, sessionID, reason string, elapsed time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, stopCall{sessionID: sessionID, reason: reason})
	return nil
}

func (f *fakeBackend) SetToken(token string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, token)
}

func (f *fakeBackend) setTokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.tokens...)
}

func (f *fakeBackend) stopCalls() []stopCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stopCall(nil), f.stops...)
}

func (f *fakeBackend) heartbeatCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats
}

type memIncidents struct {
	mu       sync.Mutex
	recorded []session.SafetyIncident
}

func (m *memIncidents) Record(i session.SafetyIncident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorded = append(m.recorded, i)
	return nil
}

func (m *memIncidents) MarkResolved(string) error { return nil }

func (m *memIncidents) ListOpen() ([]session.SafetyIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]session.SafetyIncident(nil), m.recorded...), nil
}

type eventSink struct {
	mu     sync.Mutex
	events []shared.Event
}

func (s *eventSink) handler(e shared.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *eventSink) types() []shared.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]shared.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType())
	}
	return out
}

func (s *eventSink) has(t shared.EventType) bool {
	for _, et := range s.types() {
		if et == t {
			return true
		}
	}
	return false
}

// ──────────────────────────────────────────────────────────────────────────────
// fixture
// ──────────────────────────────────────────────────────────────────────────────

type fixture struct {
	coord     *Coordinator
	be        *fakeBackend
	clock     *monoclock.Manual
	sink      *eventSink
	incidents *memIncidents
}

func newFixture(t *testing.T, be *fakeBackend) *fixture {
	t.Helper()

	clock := monoclock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	bus := messaging.NewInMemoryEventBus(messaging.Config{Logger: nil})
	sink := &eventSink{}
	require.NoError(t, bus.SubscribeAll(sink.handler))
	incidents := &memIncidents{}

	cfg := DefaultConfig()
	cfg.Backend = be
	cfg.Bus = bus
	cfg.Incidents = incidents
	cfg.Clock = clock
	cfg.Logger = logger.Nop()

	return &fixture{
		coord:     New(cfg),
		be:        be,
		clock:     clock,
		sink:      sink,
		incidents: incidents,
	}
}

func okPolicy() session.SafetyPolicy {
	return session.SafetyPolicy{
		MaxDuration:          30 * time.Minute,
		WarningLeadTime:      5 * time.Minute,
		EmergencyStopEnabled: true,
	}
}

func grant(id string) *backend.StartGrant {
	return &backend.StartGrant{
		SessionID:       id,
		GrantedDuration: 30 * time.Minute,
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// start
// ──────────────────────────────────────────────────────────────────────────────

func TestStart_ActivatesSession(t *testing.T) {
	f := newFixture(t, &fakeBackend{startGrant: grant("sess-1")})

	res, err := f.coord.Start(context.Background(), "child-1", "class-1", okPolicy())
	require.NoError(t, err)
	assert.Equal(t, session.SessionID("sess-1"), res.SessionID)
	assert.Equal(t, session.StateActive, f.coord.State())
	assert.True(t, f.sink.has(shared.EventSessionStarted))
}

func TestStart_SecondStartRefusedLocally(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	_, err = f.coord.Start(context.Background(), "child-1", "", okPolicy())
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyActive)
	assert.Equal(t, 1, be.started)
}

func TestStart_RejectionReturnsToIdle(t *testing.T) {
	rejection := shared.NewDomainError("backend", "StartSession", shared.ErrRejected, "child suspended")
	be := &fakeBackend{startErr: rejection}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.Error(t, err)
	assert.True(t, shared.IsRejected(err))
	assert.Equal(t, session.StateIdle, f.coord.State())
	assert.True(t, f.sink.has(shared.EventSessionFailed))

	// A rejected start leaves the machine reusable.
	be.mu.Lock()
	be.startErr = nil
	be.startGrant = grant("sess-2")
	be.mu.Unlock()

	res, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)
	assert.Equal(t, session.SessionID("sess-2"), res.SessionID)
}

func TestStart_FatalFailsSession(t *testing.T) {
	fatal := shared.NewDomainError("backend", "StartSession", shared.ErrFatal, "retry budget exhausted")
	f := newFixture(t, &fakeBackend{startErr: fatal})

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.Error(t, err)
	assert.Equal(t, session.StateFailed, f.coord.State())
}

func TestStart_InvalidPolicyRejectedBeforeNetwork(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	bad := session.SafetyPolicy{MaxDuration: time.Minute, WarningLeadTime: 2 * time.Minute}
	_, err := f.coord.Start(context.Background(), "child-1", "", bad)
	require.Error(t, err)
	assert.Equal(t, 0, be.started)
}

func TestStart_StopDuringInFlightStartReleasesGrant(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{startGrant: grant("sess-late"), startGate: gate}
	f := newFixture(t, be)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
		errCh <- err
	}()

	// Wait for the start call to be in flight, then stop.
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return be.started == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.Stop(context.Background(), "user_exit"))
	close(gate)

	err := <-errCh
	assert.ErrorIs(t, err, shared.ErrSessionTerminal)
	assert.Equal(t, session.StateStopped, f.coord.State())

	// The grant that arrived after the stop was handed back.
	assert.Eventually(t, func() bool {
		for _, s := range be.stopCalls() {
			if s.sessionID == "sess-late" && s.reason == "abandoned_start" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStart_AdoptsSessionScopedToken(t *testing.T) {
	g := grant("sess-1")
	g.AuthToken = "st-abc"
	be := &fakeBackend{startGrant: g}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	// The grant's token replaces the parent credential before the first
	// heartbeat goes out.
	assert.Equal(t, []string{"st-abc"}, be.setTokens())
}

// ──────────────────────────────────────────────────────────────────────────────
// heartbeats
// ──────────────────────────────────────────────────────────────────────────────

func TestHeartbeat_MissesDegradeThenLose(t *testing.T) {
	hbErr := shared.NewDomainError("backend", "Heartbeat", shared.ErrTransient, "unreachable")
	be := &fakeBackend{
		startGrant:    grant("sess-1"),
		heartbeatErrs: []error{hbErr, hbErr, hbErr},
	}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	// First missed beat degrades the connection.
	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return be.heartbeatCount() >= 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		return f.sink.has(shared.EventConnectionDegraded)
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateActive, f.coord.State())

	// Two more misses exhaust the budget.
	f.clock.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return be.heartbeatCount() >= 2 }, time.Second, 5*time.Millisecond)
	f.clock.Advance(30 * time.Second)

	assert.Eventually(t, func() bool {
		return f.coord.State() == session.StateStopped
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.sink.has(shared.EventConnectionLost))

	open, err := f.incidents.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, session.IncidentConnectionLost, open[0].Type)
}

func TestHeartbeat_RecoveryResetsMisses(t *testing.T) {
	hbErr := shared.NewDomainError("backend", "Heartbeat", shared.ErrTransient, "unreachable")
	be := &fakeBackend{
		startGrant:    grant("sess-1"),
		heartbeatErrs: []error{hbErr, hbErr, nil, hbErr},
	}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	for i := 1; i <= 4; i++ {
		f.clock.Advance(30 * time.Second)
		require.Eventually(t, func() bool { return be.heartbeatCount() >= i }, time.Second, 5*time.Millisecond)
	}

	// Two misses, an ack, one miss: never three consecutive.
	assert.Eventually(t, func() bool {
		misses, _ := f.coord.Liveness()
		return misses == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, session.StateActive, f.coord.State())
	assert.False(t, f.sink.has(shared.EventConnectionLost))
}

func TestHeartbeat_AuthorityStopRequestHonored(t *testing.T) {
	be := &fakeBackend{
		startGrant: grant("sess-1"),
		heartbeatResults: []backend.HeartbeatResult{
			{StopRequested: true, StopReason: "parent_stop"},
		},
	}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool {
		return f.coord.State() == session.StateStopped
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.sink.has(shared.EventSessionStopped))
}

func TestHeartbeat_TokenInvalidationStopsSession(t *testing.T) {
	be := &fakeBackend{
		startGrant:    grant("sess-1"),
		heartbeatErrs: []error{shared.ErrTokenInvalidated},
	}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	f.clock.Advance(30 * time.Second)
	assert.Eventually(t, func() bool {
		return f.coord.State() == session.StateStopped
	}, time.Second, 5*time.Millisecond)
}

// ──────────────────────────────────────────────────────────────────────────────
// stop paths
// ──────────────────────────────────────────────────────────────────────────────

func TestStop_ReportsBestEffort(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	require.NoError(t, f.coord.Stop(context.Background(), "user_exit"))
	assert.Equal(t, session.StateStopped, f.coord.State())
	assert.True(t, f.sink.has(shared.EventSessionStopped))

	assert.Eventually(t, func() bool {
		calls := be.stopCalls()
		return len(calls) == 1 && calls[0].reason == "user_exit"
	}, time.Second, 5*time.Millisecond)
}

func TestStop_IdempotentWhenNoSession(t *testing.T) {
	f := newFixture(t, &fakeBackend{})
	assert.NoError(t, f.coord.Stop(context.Background(), "user_exit"))
}

func TestEmergencyStop_SynchronousAndJournaled(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	f.coord.EmergencyStop("guardian button")

	// Terminal the moment the call returns.
	assert.Equal(t, session.StateStopped, f.coord.State())

	open, err := f.incidents.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, session.IncidentEmergencyStop, open[0].Type)
	assert.Equal(t, "guardian button", open[0].Detail)
	assert.True(t, f.sink.has(shared.EventSafetyIncidentRaised))
}

func TestEmergencyStop_DuringStartingIsImmediate(t *testing.T) {
	gate := make(chan struct{})
	be := &fakeBackend{startGrant: grant("sess-late"), startGate: gate}
	f := newFixture(t, be)

	errCh := make(chan error, 1)
	go func() {
		_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return be.started == 1
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, session.StateStarting, f.coord.State())

	// No session ID exists yet; the stop must not wait for one.
	f.coord.EmergencyStop("guardian button")
	assert.Equal(t, session.StateStopped, f.coord.State())

	open, err := f.incidents.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, session.IncidentEmergencyStop, open[0].Type)

	// The grant that lands afterwards is never adopted, only handed back.
	close(gate)
	assert.ErrorIs(t, <-errCh, shared.ErrSessionTerminal)
	assert.Equal(t, session.StateStopped, f.coord.State())
	assert.Eventually(t, func() bool {
		for _, s := range be.stopCalls() {
			if s.sessionID == "sess-late" && s.reason == "abandoned_start" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestExpire_RaisesIncidentAndStops(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	f.clock.Advance(30 * time.Minute)
	require.NoError(t, f.coord.Expire())

	assert.Equal(t, session.StateStopped, f.coord.State())
	assert.True(t, f.sink.has(shared.EventSessionExpired))

	open, _ := f.incidents.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, session.IncidentTimeLimitReached, open[0].Type)
	assert.Equal(t, 30*time.Minute, f.coord.Elapsed())
}

func TestWarn_OnlyFromActive(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	require.NoError(t, f.coord.Warn())
	assert.Equal(t, session.StateWarning, f.coord.State())
	assert.True(t, f.sink.has(shared.EventSessionWarning))

	// Warning again is a no-op, not an error.
	require.NoError(t, f.coord.Warn())
	assert.Equal(t, session.StateWarning, f.coord.State())
}

func TestFailClosed_RecordsAnomaly(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	f.coord.FailClosed("tick gap 10m")
	assert.Equal(t, session.StateStopped, f.coord.State())

	open, _ := f.incidents.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, session.IncidentAnomalyDetected, open[0].Type)
}

func TestElapsed_FrozenAfterStop(t *testing.T) {
	be := &fakeBackend{startGrant: grant("sess-1")}
	f := newFixture(t, be)

	_, err := f.coord.Start(context.Background(), "child-1", "", okPolicy())
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, f.coord.Stop(context.Background(), "user_exit"))

	f.clock.Advance(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, f.coord.Elapsed())
}
