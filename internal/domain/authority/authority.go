// Package authority contains the domain model for the backend session
// authority: child accounts, issued sessions and the ports the
// authority's storage implements. The client-side core never imports
// this package; it exists for the development authority binary.
package authority

import (
	"context"
	"time"

	"github.com/kidscampus/session-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// CHILD ACCOUNTS
// ══════════════════════════════════════════════════════════════════════════════

// ChildAccount is one enrolled child. The parent token is stored only
// as a bcrypt hash; the plaintext never reaches storage.
type ChildAccount struct {
	ID              string        `json:"id"`
	DisplayName     string        `json:"display_name"`
	ParentTokenHash string        `json:"-"`
	Suspended       bool          `json:"suspended"`
	DailyQuota      time.Duration `json:"daily_quota"`
	CreatedAt       time.Time     `json:"created_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION RECORDS
// ══════════════════════════════════════════════════════════════════════════════

// RecordState is the authority's view of a session.
type RecordState string

const (
	// RecordActive - the session is live and heartbeating.
	RecordActive RecordState = "active"
	// RecordClosed - the session ended, by whichever side.
	RecordClosed RecordState = "closed"
)

// SessionRecord is the authority's ledger entry for one issued session.
type SessionRecord struct {
	ID             string        `json:"id"`
	ChildID        string        `json:"child_id"`
	ClassroomID    string        `json:"classroom_id,omitempty"`
	IdempotencyKey string        `json:"-"`
	// AuthToken is the session-scoped bearer credential issued with the
	// grant. It authorizes heartbeats and the stop report, so the
	// long-lived parent token never leaves the start call.
	AuthToken string      `json:"-"`
	State     RecordState `json:"state"`
	Granted        time.Duration `json:"granted"`

	StartedAt       time.Time     `json:"started_at"`
	StoppedAt       time.Time     `json:"stopped_at,omitempty"`
	StopReason      string        `json:"stop_reason,omitempty"`
	ElapsedReported time.Duration `json:"elapsed_reported"`

	LastHeartbeatAt  time.Time `json:"last_heartbeat_at,omitempty"`
	LastHeartbeatSeq uint64    `json:"last_heartbeat_seq"`

	// StopRequested asks the client to wind down on its next heartbeat,
	// for example after a parent pressed stop in the monitoring app.
	StopRequested     bool   `json:"stop_requested"`
	StopRequestReason string `json:"stop_request_reason,omitempty"`
}

// Active reports whether the record is still live.
func (r *SessionRecord) Active() bool {
	return r.State == RecordActive
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTS
// ══════════════════════════════════════════════════════════════════════════════

// SessionStore is the authority's persistence port.
type SessionStore interface {
	// CreateChild enrolls a child account.
	CreateChild(ctx context.Context, child ChildAccount) error

	// GetChild returns a child account by ID.
	GetChild(ctx context.Context, childID string) (*ChildAccount, error)

	// CreateSession inserts a new session record. The idempotency key is
	// unique: a retried insert fails with shared.ErrAlreadyExists and the
	// caller replays the original grant.
	CreateSession(ctx context.Context, rec SessionRecord) error

	// GetSession returns a session record by ID.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)

	// GetSessionByIdempotencyKey returns the record created under key.
	GetSessionByIdempotencyKey(ctx context.Context, key string) (*SessionRecord, error)

	// ActiveSessionForChild returns the child's live session, if any.
	ActiveSessionForChild(ctx context.Context, childID string) (*SessionRecord, error)

	// RecordHeartbeat stores the latest heartbeat and returns the updated
	// record, including any pending stop request.
	RecordHeartbeat(ctx context.Context, sessionID string, seq uint64, elapsed time.Duration, at time.Time) (*SessionRecord, error)

	// CloseSession marks the session closed.
	CloseSession(ctx context.Context, sessionID, reason string, elapsed time.Duration, at time.Time) error

	// RequestStop flags an active session for client-side wind-down.
	RequestStop(ctx context.Context, sessionID, reason string) error

	// UsedToday returns the child's total granted-and-consumed time for
	// sessions started on the given UTC day, for quota accounting.
	UsedToday(ctx context.Context, childID string, day time.Time) (time.Duration, error)
}

// PresenceTracker is the authority's classroom presence and sequence
// port, backed by redis.
type PresenceTracker interface {
	// Touch marks the child live in the classroom for ttl.
	Touch(ctx context.Context, classroomID, childID string, ttl time.Duration) error

	// Remove drops the child from the classroom presence set.
	Remove(ctx context.Context, classroomID, childID string) error

	// Present lists the children currently live in the classroom.
	Present(ctx context.Context, classroomID string) ([]string, error)

	// NextSequence allocates the next delta sequence number for the
	// classroom. Strictly increasing, never reused.
	NextSequence(ctx context.Context, classroomID string) (uint64, error)
}

// Validate checks a child account for storability.
func (c ChildAccount) Validate() error {
	if c.ID == "" {
		return shared.NewDomainError("authority", "CreateChild", shared.ErrInvalidID, "empty child ID")
	}
	if c.ParentTokenHash == "" {
		return shared.NewDomainError("authority", "CreateChild", shared.ErrEmptyValue, "missing parent token hash")
	}
	return nil
}
