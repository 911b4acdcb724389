package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/monoclock"
)

var testPolicy = SafetyPolicy{
	MaxDuration:          30 * time.Minute,
	WarningLeadTime:      5 * time.Minute,
	EmergencyStopEnabled: true,
}

func activeSession(t *testing.T, clock monoclock.Clock) *Session {
	t.Helper()
	sess, err := NewSession("child-1", "classroom-7", testPolicy, clock)
	require.NoError(t, err)
	require.NoError(t, sess.BeginStart())
	require.NoError(t, sess.Activate("sess-1"))
	return sess
}

func TestNewSession_Validation(t *testing.T) {
	clock := monoclock.NewManual(time.Now())

	_, err := NewSession("", "", testPolicy, clock)
	assert.ErrorIs(t, err, shared.ErrInvalidID)

	_, err = NewSession("child-1", "", SafetyPolicy{MaxDuration: -time.Minute}, clock)
	assert.ErrorIs(t, err, shared.ErrInvalidPolicy)

	// Warning lead must leave room before expiry.
	_, err = NewSession("child-1", "", SafetyPolicy{
		MaxDuration:     10 * time.Minute,
		WarningLeadTime: 10 * time.Minute,
	}, clock)
	assert.ErrorIs(t, err, shared.ErrInvalidPolicy)
}

func TestSafetyPolicy_WarningAt(t *testing.T) {
	assert.Equal(t, 25*time.Minute, testPolicy.WarningAt())
}

func TestSession_Lifecycle(t *testing.T) {
	clock := monoclock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sess := activeSession(t, clock)

	assert.Equal(t, StateActive, sess.State())
	assert.Equal(t, SessionID("sess-1"), sess.ID())

	require.NoError(t, sess.EnterWarning())
	require.NoError(t, sess.EnterExpiring())
	require.NoError(t, sess.Stop("time_limit"))

	assert.Equal(t, StateStopped, sess.State())
	assert.Equal(t, "time_limit", sess.StopReason())
	assert.True(t, sess.State().IsTerminal())
}

func TestSession_IllegalTransitions(t *testing.T) {
	clock := monoclock.NewManual(time.Now())
	sess, err := NewSession("child-1", "", testPolicy, clock)
	require.NoError(t, err)

	// Cannot activate or warn from Idle.
	assert.ErrorIs(t, sess.Activate("sess-1"), shared.ErrStateTransition)
	assert.ErrorIs(t, sess.EnterWarning(), shared.ErrStateTransition)

	require.NoError(t, sess.BeginStart())
	require.NoError(t, sess.Activate("sess-1"))
	require.NoError(t, sess.Stop("user_stop"))

	// Terminal states never transition again.
	assert.ErrorIs(t, sess.EnterWarning(), shared.ErrStateTransition)
	assert.ErrorIs(t, sess.Stop("again"), shared.ErrStateTransition)
	assert.Equal(t, "user_stop", sess.StopReason())
}

func TestSession_RejectedStartReturnsToIdle(t *testing.T) {
	clock := monoclock.NewManual(time.Now())
	sess, err := NewSession("child-1", "", testPolicy, clock)
	require.NoError(t, err)

	require.NoError(t, sess.BeginStart())
	require.NoError(t, sess.RejectStart())

	assert.Equal(t, StateIdle, sess.State())
	require.NoError(t, sess.BeginStart())
}

func TestSession_ActivateAssignsIDOnce(t *testing.T) {
	clock := monoclock.NewManual(time.Now())
	sess, err := NewSession("child-1", "", testPolicy, clock)
	require.NoError(t, err)
	require.NoError(t, sess.BeginStart())

	assert.ErrorIs(t, sess.Activate(""), shared.ErrInvalidID)
	require.NoError(t, sess.Activate("sess-1"))
	assert.Equal(t, SessionID("sess-1"), sess.ID())
}

func TestSession_ElapsedUsesMonotonicClock(t *testing.T) {
	clock := monoclock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	sess := activeSession(t, clock)

	assert.Equal(t, time.Duration(0), sess.Elapsed())
	assert.Equal(t, 30*time.Minute, sess.Remaining())

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, sess.Elapsed())
	assert.Equal(t, 20*time.Minute, sess.Remaining())

	// Elapsed freezes at the terminal state.
	require.NoError(t, sess.Stop("user_stop"))
	clock.Advance(time.Hour)
	assert.Equal(t, 10*time.Minute, sess.Elapsed())
}

func TestSession_RemainingNeverNegative(t *testing.T) {
	clock := monoclock.NewManual(time.Now())
	sess := activeSession(t, clock)

	clock.Advance(testPolicy.MaxDuration + time.Minute)
	assert.Equal(t, time.Duration(0), sess.Remaining())
}

func TestSession_ForceStop(t *testing.T) {
	clock := monoclock.NewManual(time.Now())

	// Emergency stop works even before activation.
	sess, err := NewSession("child-1", "", testPolicy, clock)
	require.NoError(t, err)
	require.NoError(t, sess.BeginStart())
	sess.ForceStop("emergency_stop")
	assert.Equal(t, StateStopped, sess.State())
	assert.Equal(t, time.Duration(0), sess.Elapsed())

	// Idempotent on terminal: the first reason wins.
	sess.ForceStop("second")
	assert.Equal(t, "emergency_stop", sess.StopReason())
}

func TestSession_FailIsTerminal(t *testing.T) {
	clock := monoclock.NewManual(time.Now())
	sess := activeSession(t, clock)

	require.NoError(t, sess.Fail("connection_lost"))
	assert.Equal(t, StateFailed, sess.State())
	assert.ErrorIs(t, sess.Stop("late"), shared.ErrStateTransition)
}

func TestState_Predicates(t *testing.T) {
	for _, s := range []State{StateActive, StateWarning, StateExpiring} {
		assert.True(t, s.IsRunning(), string(s))
		assert.False(t, s.IsTerminal(), string(s))
	}
	for _, s := range []State{StateIdle, StateStarting} {
		assert.False(t, s.IsRunning(), string(s))
	}
	for _, s := range []State{StateStopped, StateFailed} {
		assert.True(t, s.IsTerminal(), string(s))
		assert.False(t, s.IsRunning(), string(s))
	}
	assert.False(t, State("bogus").IsValid())
}
