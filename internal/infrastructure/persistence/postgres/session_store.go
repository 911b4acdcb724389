// Package postgres implements the backend authority's session ledger
// on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kidscampus/session-core/internal/domain/authority"
	"github.com/kidscampus/session-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SESSION STORE IMPLEMENTATION
// ══════════════════════════════════════════════════════════════════════════════

// SessionStore implements authority.SessionStore for PostgreSQL.
type SessionStore struct {
	conn *Connection
}

// NewSessionStore creates a new SessionStore.
func NewSessionStore(conn *Connection) *SessionStore {
	return &SessionStore{conn: conn}
}

// ─────────────────────────────────────────────────────────────────────────────
// Child accounts
// ─────────────────────────────────────────────────────────────────────────────

// CreateChild enrolls a child account.
func (s *SessionStore) CreateChild(ctx context.Context, child authority.ChildAccount) error {
	if err := child.Validate(); err != nil {
		return err
	}
	if child.CreatedAt.IsZero() {
		child.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.Exec(ctx, `
		INSERT INTO children (id, display_name, parent_token_hash, suspended, daily_quota_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		child.ID,
		child.DisplayName,
		child.ParentTokenHash,
		child.Suspended,
		int64(child.DailyQuota.Seconds()),
		child.CreatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.NewDomainError("authority", "CreateChild", shared.ErrAlreadyExists,
				"child "+child.ID+" already enrolled")
		}
		return fmt.Errorf("failed to create child: %w", err)
	}
	return nil
}

// GetChild returns a child account by ID.
func (s *SessionStore) GetChild(ctx context.Context, childID string) (*authority.ChildAccount, error) {
	row := s.conn.QueryRow(ctx, `
		SELECT id, display_name, parent_token_hash, suspended, daily_quota_seconds, created_at
		FROM children
		WHERE id = $1`,
		childID,
	)

	var (
		child        authority.ChildAccount
		quotaSeconds int64
	)
	err := row.Scan(&child.ID, &child.DisplayName, &child.ParentTokenHash,
		&child.Suspended, &quotaSeconds, &child.CreatedAt)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, shared.NewDomainError("authority", "GetChild", shared.ErrNotFound,
				"child "+childID+" not found")
		}
		return nil, fmt.Errorf("failed to get child: %w", err)
	}
	child.DailyQuota = time.Duration(quotaSeconds) * time.Second
	return &child, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Session ledger
// ─────────────────────────────────────────────────────────────────────────────

const sessionColumns = `
	id, child_id, classroom_id, idempotency_key, auth_token, state, granted_seconds,
	started_at, stopped_at, stop_reason, elapsed_reported_seconds,
	last_heartbeat_at, last_heartbeat_seq, stop_requested, stop_request_reason`

// CreateSession inserts a new session record. A duplicate idempotency
// key or a second live session for the child both surface as
// shared.ErrAlreadyExists.
func (s *SessionStore) CreateSession(ctx context.Context, rec authority.SessionRecord) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (
			id, child_id, classroom_id, idempotency_key, auth_token, state, granted_seconds, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		rec.ID,
		rec.ChildID,
		rec.ClassroomID,
		rec.IdempotencyKey,
		rec.AuthToken,
		string(rec.State),
		int64(rec.Granted.Seconds()),
		rec.StartedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return shared.NewDomainError("authority", "CreateSession", shared.ErrAlreadyExists,
				"session already recorded")
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession returns a session record by ID.
func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (*authority.SessionRecord, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID)
	return s.scanSession(row, "GetSession")
}

// GetSessionByIdempotencyKey returns the record created under key.
func (s *SessionStore) GetSessionByIdempotencyKey(ctx context.Context, key string) (*authority.SessionRecord, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE idempotency_key = $1`, key)
	return s.scanSession(row, "GetSessionByIdempotencyKey")
}

// ActiveSessionForChild returns the child's live session, if any.
func (s *SessionStore) ActiveSessionForChild(ctx context.Context, childID string) (*authority.SessionRecord, error) {
	row := s.conn.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE child_id = $1 AND state = 'active'`, childID)
	return s.scanSession(row, "ActiveSessionForChild")
}

// RecordHeartbeat stores the latest heartbeat and returns the updated
// record. Heartbeats against a closed session fail with ErrNotFound so
// the client learns the authority considers it over.
func (s *SessionStore) RecordHeartbeat(ctx context.Context, sessionID string, seq uint64, elapsed time.Duration, at time.Time) (*authority.SessionRecord, error) {
	row := s.conn.QueryRow(ctx, `
		UPDATE sessions SET
			last_heartbeat_at = $1,
			last_heartbeat_seq = GREATEST(last_heartbeat_seq, $2),
			elapsed_reported_seconds = GREATEST(elapsed_reported_seconds, $3)
		WHERE id = $4 AND state = 'active'
		RETURNING `+sessionColumns,
		at,
		int64(seq),
		int64(elapsed.Seconds()),
		sessionID,
	)
	return s.scanSession(row, "RecordHeartbeat")
}

// CloseSession marks the session closed. Idempotent: closing a closed
// session keeps the first stop reason.
func (s *SessionStore) CloseSession(ctx context.Context, sessionID, reason string, elapsed time.Duration, at time.Time) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE sessions SET
			state = 'closed',
			stopped_at = $1,
			stop_reason = $2,
			elapsed_reported_seconds = GREATEST(elapsed_reported_seconds, $3)
		WHERE id = $4 AND state = 'active'`,
		at,
		reason,
		int64(elapsed.Seconds()),
		sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already closed or never existed; look it up to tell which.
		if _, lookupErr := s.GetSession(ctx, sessionID); lookupErr != nil {
			return lookupErr
		}
	}
	return nil
}

// RequestStop flags an active session for client-side wind-down.
func (s *SessionStore) RequestStop(ctx context.Context, sessionID, reason string) error {
	tag, err := s.conn.Exec(ctx, `
		UPDATE sessions SET stop_requested = TRUE, stop_request_reason = $1
		WHERE id = $2 AND state = 'active'`,
		reason, sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to request stop: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return shared.NewDomainError("authority", "RequestStop", shared.ErrNotFound,
			"no active session "+sessionID)
	}
	return nil
}

// UsedToday returns the child's consumed time for sessions started on
// the given UTC day. Live sessions count their reported elapsed so the
// quota cannot be dodged by never stopping.
func (s *SessionStore) UsedToday(ctx context.Context, childID string, day time.Time) (time.Duration, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)

	var usedSeconds int64
	err := s.conn.QueryRow(ctx, `
		SELECT COALESCE(SUM(elapsed_reported_seconds), 0)
		FROM sessions
		WHERE child_id = $1 AND started_at >= $2 AND started_at < $3`,
		childID,
		dayStart,
		dayStart.Add(24*time.Hour),
	).Scan(&usedSeconds)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return time.Duration(usedSeconds) * time.Second, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scanning
// ─────────────────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SessionStore) scanSession(row rowScanner, op string) (*authority.SessionRecord, error) {
	var (
		rec            authority.SessionRecord
		state          string
		grantedSeconds int64
		elapsedSeconds int64
		lastSeq        int64
		stoppedAt      *time.Time
		lastHeartbeat  *time.Time
	)

	err := row.Scan(
		&rec.ID,
		&rec.ChildID,
		&rec.ClassroomID,
		&rec.IdempotencyKey,
		&rec.AuthToken,
		&state,
		&grantedSeconds,
		&rec.StartedAt,
		&stoppedAt,
		&rec.StopReason,
		&elapsedSeconds,
		&lastHeartbeat,
		&lastSeq,
		&rec.StopRequested,
		&rec.StopRequestReason,
	)
	if err != nil {
		if errors.Is(err, ErrNoRows) {
			return nil, shared.NewDomainError("authority", op, shared.ErrNotFound, "session not found")
		}
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	rec.State = authority.RecordState(state)
	rec.Granted = time.Duration(grantedSeconds) * time.Second
	rec.ElapsedReported = time.Duration(elapsedSeconds) * time.Second
	rec.LastHeartbeatSeq = uint64(lastSeq)
	if stoppedAt != nil {
		rec.StoppedAt = *stoppedAt
	}
	if lastHeartbeat != nil {
		rec.LastHeartbeatAt = *lastHeartbeat
	}
	return &rec, nil
}
