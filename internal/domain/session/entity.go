// Package session contains the domain model for one child's timed VR
// session. This is the core of the business logic - no external
// dependencies beyond uuid for identifiers.
package session

import (
	"time"

	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/monoclock"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// ChildID identifies the child the session belongs to.
type ChildID string

// IsValid checks that the child ID is non-empty.
func (c ChildID) IsValid() bool {
	return len(c) > 0
}

// String returns the string representation of the child ID.
func (c ChildID) String() string {
	return string(c)
}

// SessionID is the opaque token issued by the backend authority.
// It is immutable once assigned and required for every subsequent
// network call.
type SessionID string

// IsValid checks that the session ID is non-empty.
func (s SessionID) IsValid() bool {
	return len(s) > 0
}

// String returns the string representation of the session ID.
func (s SessionID) String() string {
	return string(s)
}

// ClassroomID identifies the shared classroom instance, if any.
// Single-player sessions have an empty ClassroomID.
type ClassroomID string

// IsZero reports whether the session is single-player.
func (c ClassroomID) IsZero() bool {
	return c == ""
}

// String returns the string representation of the classroom ID.
func (c ClassroomID) String() string {
	return string(c)
}

// ══════════════════════════════════════════════════════════════════════════════
// SAFETY POLICY
// ══════════════════════════════════════════════════════════════════════════════

// SafetyPolicy is the immutable configuration snapshot governing one
// session. It is supplied once at session start and never mutated; a
// new policy requires a new session. This prevents a mid-session policy
// change from silently extending or shortening a child's active time.
type SafetyPolicy struct {
	// MaxDuration is the hard session time limit.
	MaxDuration time.Duration

	// WarningLeadTime is how long before expiry the one-shot warning
	// fires. Must be shorter than MaxDuration.
	WarningLeadTime time.Duration

	// EmergencyStopEnabled controls whether the out-of-band emergency
	// stop signal is honored for this session.
	EmergencyStopEnabled bool
}

// Validate checks the policy for internal consistency.
func (p SafetyPolicy) Validate() error {
	if p.MaxDuration <= 0 {
		return shared.ErrInvalidPolicy
	}
	if p.WarningLeadTime < 0 || p.WarningLeadTime >= p.MaxDuration {
		return shared.ErrInvalidPolicy
	}
	return nil
}

// WarningAt returns the elapsed duration at which the warning fires.
func (p SafetyPolicy) WarningAt() time.Duration {
	return p.MaxDuration - p.WarningLeadTime
}

// ══════════════════════════════════════════════════════════════════════════════
// STATE MACHINE
// ══════════════════════════════════════════════════════════════════════════════

// State is the lifecycle state of a Session.
type State string

const (
	// StateIdle - no session; Start may be called.
	StateIdle State = "idle"
	// StateStarting - start call in flight; no sessionID yet.
	StateStarting State = "starting"
	// StateActive - session running, heartbeats flowing.
	StateActive State = "active"
	// StateWarning - active, past the warning threshold.
	StateWarning State = "warning"
	// StateExpiring - time limit reached, teardown beginning.
	StateExpiring State = "expiring"
	// StateStopped - terminal: explicit stop, expiry or emergency stop.
	StateStopped State = "stopped"
	// StateFailed - terminal: unrecoverable connection failure.
	StateFailed State = "failed"
)

// IsValid checks that the state is one of the defined values.
func (s State) IsValid() bool {
	switch s {
	case StateIdle, StateStarting, StateActive, StateWarning,
		StateExpiring, StateStopped, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the session value can never transition again.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// IsRunning reports whether the session is consuming the child's time
// budget (heartbeats and safety ticks are active).
func (s State) IsRunning() bool {
	return s == StateActive || s == StateWarning || s == StateExpiring
}

// CanTransitionTo reports whether the transition s -> next is legal.
// EmergencyStop bypasses this table and forces Stopped from any state.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StateIdle:
		return next == StateStarting
	case StateStarting:
		// A Rejected start returns to Idle so the presentation layer
		// can retry with corrected credentials; Fatal goes to Failed.
		return next == StateActive || next == StateFailed || next == StateIdle || next == StateStopped
	case StateActive:
		return next == StateWarning || next == StateExpiring || next == StateStopped || next == StateFailed
	case StateWarning:
		return next == StateExpiring || next == StateStopped || next == StateFailed
	case StateExpiring:
		return next == StateStopped
	default:
		return false
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// MAIN ENTITY: SESSION
// ══════════════════════════════════════════════════════════════════════════════

// Session represents one child's active (or most recent) VR session.
// State is owned exclusively by the SessionCoordinator; other
// components request transitions but never mutate fields directly.
type Session struct {
	id          SessionID
	childID     ChildID
	classroomID ClassroomID
	policy      SafetyPolicy
	state       State

	startedAt time.Time // wall clock, informational only
	startMark time.Time // monotonic mark, source of truth for elapsed
	stoppedAt time.Time
	clock     monoclock.Clock

	stopReason string
}

// NewSession creates a session in Idle for the given child.
func NewSession(childID ChildID, classroomID ClassroomID, policy SafetyPolicy, clock monoclock.Clock) (*Session, error) {
	if !childID.IsValid() {
		return nil, shared.NewDomainError("session", "New", shared.ErrInvalidID, "empty child ID")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if clock == nil {
		clock = monoclock.System()
	}
	return &Session{
		childID:     childID,
		classroomID: classroomID,
		policy:      policy,
		state:       StateIdle,
		clock:       clock,
	}, nil
}

// ID returns the backend-issued session ID, empty until Activate.
func (s *Session) ID() SessionID { return s.id }

// ChildID returns the owning child's ID.
func (s *Session) ChildID() ChildID { return s.childID }

// ClassroomID returns the classroom the session joined, if any.
func (s *Session) ClassroomID() ClassroomID { return s.classroomID }

// Policy returns the immutable safety policy snapshot.
func (s *Session) Policy() SafetyPolicy { return s.policy }

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state }

// StartedAt returns the wall-clock start time, zero before Activate.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// StopReason returns why the session ended, empty while running.
func (s *Session) StopReason() string { return s.stopReason }

// Elapsed returns how long the session has been running, measured on
// the monotonic clock. It is zero before Activate, monotonically
// non-decreasing while running, and frozen after the terminal state.
func (s *Session) Elapsed() time.Duration {
	if s.startMark.IsZero() {
		return 0
	}
	if s.state.IsTerminal() {
		return s.stoppedAt.Sub(s.startMark)
	}
	d := s.clock.Since(s.startMark)
	if d < 0 {
		return 0
	}
	return d
}

// Remaining returns the time left under the policy, never negative.
func (s *Session) Remaining() time.Duration {
	r := s.policy.MaxDuration - s.Elapsed()
	if r < 0 {
		return 0
	}
	return r
}

// BeginStart transitions Idle -> Starting.
func (s *Session) BeginStart() error {
	return s.transition(StateStarting)
}

// Activate transitions Starting -> Active, assigning the backend-issued
// session ID and starting the monotonic clock.
func (s *Session) Activate(id SessionID) error {
	if !id.IsValid() {
		return shared.NewDomainError("session", "Activate", shared.ErrInvalidID, "empty session ID")
	}
	if s.id != "" {
		return shared.NewDomainError("session", "Activate", shared.ErrInvalidState, "session ID already assigned")
	}
	if err := s.transition(StateActive); err != nil {
		return err
	}
	s.id = id
	now := s.clock.Now()
	s.startedAt = now
	s.startMark = now
	return nil
}

// RejectStart transitions Starting -> Idle after a Rejected response.
// No session ID was ever assigned, so a fresh Start is immediately legal.
func (s *Session) RejectStart() error {
	return s.transition(StateIdle)
}

// EnterWarning transitions Active -> Warning.
func (s *Session) EnterWarning() error {
	return s.transition(StateWarning)
}

// EnterExpiring transitions Active|Warning -> Expiring.
func (s *Session) EnterExpiring() error {
	return s.transition(StateExpiring)
}

// Stop transitions any running state to the terminal Stopped.
func (s *Session) Stop(reason string) error {
	if err := s.transition(StateStopped); err != nil {
		return err
	}
	s.finalize(reason)
	return nil
}

// Fail transitions to the terminal Failed state after an unrecoverable
// connection failure.
func (s *Session) Fail(reason string) error {
	if err := s.transition(StateFailed); err != nil {
		return err
	}
	s.finalize(reason)
	return nil
}

// ForceStop is the emergency-stop path: it forces Stopped regardless of
// the current state, including pre-Active, and is idempotent on
// terminal states.
func (s *Session) ForceStop(reason string) {
	if s.state.IsTerminal() {
		return
	}
	s.state = StateStopped
	s.finalize(reason)
}

func (s *Session) finalize(reason string) {
	s.stopReason = reason
	s.stoppedAt = s.clock.Now()
	if s.startMark.IsZero() {
		// Never activated; freeze elapsed at zero.
		s.startMark = s.stoppedAt
	}
}

func (s *Session) transition(next State) error {
	if !s.state.CanTransitionTo(next) {
		return shared.WrapError("session", "Transition", shared.ErrStateTransition,
			string(s.state)+" -> "+string(next), nil)
	}
	s.state = next
	return nil
}
