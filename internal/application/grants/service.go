// Package grants implements the backend authority's session-granting
// operations: parent-token verification, daily quota accounting,
// idempotent session issuance, heartbeat acknowledgement and stop
// handling. Served over HTTP by the interface layer.
package grants

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/kidscampus/session-core/internal/domain/authority"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrChildSuspended is returned when the child account is suspended.
	ErrChildSuspended = shared.NewDomainError("grants", "StartSession", shared.ErrRejected,
		"child account is suspended")

	// ErrQuotaExhausted is returned when the daily time quota is spent.
	ErrQuotaExhausted = shared.NewDomainError("grants", "StartSession", shared.ErrRejected,
		"daily session quota exhausted")

	// ErrBadParentToken is returned when the parent token does not match.
	ErrBadParentToken = shared.NewDomainError("grants", "Authorize", shared.ErrUnauthorized,
		"parent token mismatch")

	// ErrBadClassroomToken is returned when a classroom channel token does
	// not correspond to a live classroom session.
	ErrBadClassroomToken = shared.NewDomainError("grants", "VerifyClassroomToken", shared.ErrUnauthorized,
		"classroom token invalid")
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains service dependencies and policy caps.
type Config struct {
	Store    authority.SessionStore
	Presence authority.PresenceTracker // optional
	Logger   *logger.Logger

	// MaxSessionDuration caps any single grant.
	MaxSessionDuration time.Duration

	// DefaultGrant is issued when the client requests no duration.
	DefaultGrant time.Duration

	// PresenceTTL is how long a heartbeat keeps classroom presence live.
	PresenceTTL time.Duration

	// Now overrides the clock, used in tests.
	Now func() time.Time
}

// DefaultConfig returns sensible defaults, dependencies unset.
func DefaultConfig() Config {
	return Config{
		MaxSessionDuration: 2 * time.Hour,
		DefaultGrant:       30 * time.Minute,
		PresenceTTL:        45 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SERVICE
// ══════════════════════════════════════════════════════════════════════════════

// Service is the authority's session-granting application service.
type Service struct {
	config Config
	store  authority.SessionStore
	log    *logger.Logger
	now    func() time.Time
}

// New creates a Service.
func New(config Config) *Service {
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.MaxSessionDuration <= 0 {
		config.MaxSessionDuration = 2 * time.Hour
	}
	if config.DefaultGrant <= 0 {
		config.DefaultGrant = 30 * time.Minute
	}
	if config.PresenceTTL <= 0 {
		config.PresenceTTL = 45 * time.Second
	}
	now := config.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Service{
		config: config,
		store:  config.Store,
		log:    config.Logger.With(logger.Component("grants")),
		now:    now,
	}
}

// StartCommand is a session start request.
type StartCommand struct {
	ChildID           string
	ClassroomID       string
	ParentToken       string
	RequestedDuration time.Duration
	IdempotencyKey    string
	DeviceID          string
}

// Grant is the issued session.
type Grant struct {
	SessionID      string
	Granted        time.Duration
	AuthToken      string
	ClassroomToken string
	ServerTime     time.Time
}

// HeartbeatAck is the authority's answer to one heartbeat.
type HeartbeatAck struct {
	StopRequested bool
	StopReason    string
	Remaining     time.Duration
}

// ─────────────────────────────────────────────────────────────────────────────
// Operations
// ─────────────────────────────────────────────────────────────────────────────

// StartSession verifies the parent token, applies the daily quota and
// issues a session. A retried request with the same idempotency key
// replays the original grant instead of opening a second session.
func (s *Service) StartSession(ctx context.Context, cmd StartCommand) (*Grant, error) {
	child, err := s.authorize(ctx, cmd.ChildID, cmd.ParentToken)
	if err != nil {
		return nil, err
	}
	if child.Suspended {
		return nil, ErrChildSuspended
	}

	if cmd.IdempotencyKey != "" {
		if existing, err := s.store.GetSessionByIdempotencyKey(ctx, cmd.IdempotencyKey); err == nil {
			return s.replayGrant(existing), nil
		}
	}

	granted, err := s.computeGrant(ctx, child, cmd.RequestedDuration)
	if err != nil {
		return nil, err
	}

	rec := authority.SessionRecord{
		ID:             uuid.New().String(),
		ChildID:        cmd.ChildID,
		ClassroomID:    cmd.ClassroomID,
		IdempotencyKey: cmd.IdempotencyKey,
		AuthToken:      "st-" + uuid.New().String(),
		State:          authority.RecordActive,
		Granted:        granted,
		StartedAt:      s.now(),
	}
	if rec.IdempotencyKey == "" {
		rec.IdempotencyKey = uuid.New().String()
	}

	if err := s.store.CreateSession(ctx, rec); err != nil {
		if errors.Is(err, shared.ErrAlreadyExists) {
			return s.resolveStartConflict(ctx, cmd, rec)
		}
		return nil, err
	}

	s.touchPresence(ctx, rec.ClassroomID, rec.ChildID)
	s.log.Info("session granted",
		logger.SessionID(rec.ID),
		logger.ChildID(rec.ChildID),
		logger.Duration("granted", granted),
	)

	return &Grant{
		SessionID:      rec.ID,
		Granted:        granted,
		AuthToken:      rec.AuthToken,
		ClassroomToken: s.classroomToken(rec),
		ServerTime:     s.now(),
	}, nil
}

// Heartbeat records liveness and reports any pending stop request. The
// authority also winds the session down itself once the grant is spent,
// in case the client's safety layer never fired.
func (s *Service) Heartbeat(ctx context.Context, token, sessionID string, seq uint64, elapsed time.Duration) (*HeartbeatAck, error) {
	existing, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeSession(ctx, existing, token); err != nil {
		return nil, err
	}

	rec, err := s.store.RecordHeartbeat(ctx, sessionID, seq, elapsed, s.now())
	if err != nil {
		return nil, err
	}

	s.touchPresence(ctx, rec.ClassroomID, rec.ChildID)

	ack := &HeartbeatAck{
		StopRequested: rec.StopRequested,
		StopReason:    rec.StopRequestReason,
		Remaining:     rec.Granted - elapsed,
	}
	if ack.Remaining < 0 {
		ack.Remaining = 0
	}
	if !ack.StopRequested && elapsed >= rec.Granted {
		ack.StopRequested = true
		ack.StopReason = "time_limit"
	}
	return ack, nil
}

// StopSession closes the session on the ledger.
func (s *Service) StopSession(ctx context.Context, token, sessionID, reason string, elapsed time.Duration) error {
	rec, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := s.authorizeSession(ctx, rec, token); err != nil {
		return err
	}

	if err := s.store.CloseSession(ctx, sessionID, reason, elapsed, s.now()); err != nil {
		return err
	}
	s.removePresence(ctx, rec.ClassroomID, rec.ChildID)

	s.log.Info("session closed",
		logger.SessionID(sessionID), logger.F("reason", reason))
	return nil
}

// RequestStop flags a session for client-side wind-down, for example
// from a parent's monitoring app.
func (s *Service) RequestStop(ctx context.Context, sessionID, reason string) error {
	return s.store.RequestStop(ctx, sessionID, reason)
}

// VerifyClassroomToken checks a realtime channel token against the
// session ledger and returns the child it belongs to. The token is only
// good while the session it was minted for is still live and bound to
// the same classroom.
func (s *Service) VerifyClassroomToken(ctx context.Context, classroomID, token string) (string, error) {
	const prefix = "ct-"
	if !strings.HasPrefix(token, prefix) {
		return "", ErrBadClassroomToken
	}

	rec, err := s.store.GetSession(ctx, token[len(prefix):])
	if err != nil {
		return "", ErrBadClassroomToken
	}
	if !rec.Active() || rec.ClassroomID != classroomID {
		return "", ErrBadClassroomToken
	}
	return rec.ChildID, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

// authorize loads the child and verifies the parent token hash.
func (s *Service) authorize(ctx context.Context, childID, parentToken string) (*authority.ChildAccount, error) {
	child, err := s.store.GetChild(ctx, childID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(child.ParentTokenHash), []byte(parentToken)); err != nil {
		return nil, ErrBadParentToken
	}
	return child, nil
}

// authorizeSession accepts the session's own bearer token, or the
// parent credential for calls made on the child's behalf.
func (s *Service) authorizeSession(ctx context.Context, rec *authority.SessionRecord, token string) error {
	if rec.AuthToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(rec.AuthToken)) == 1 {
		return nil
	}
	_, err := s.authorize(ctx, rec.ChildID, token)
	return err
}

// computeGrant clamps the requested duration to the session cap and the
// child's remaining daily quota.
func (s *Service) computeGrant(ctx context.Context, child *authority.ChildAccount, requested time.Duration) (time.Duration, error) {
	granted := requested
	if granted <= 0 {
		granted = s.config.DefaultGrant
	}
	if granted > s.config.MaxSessionDuration {
		granted = s.config.MaxSessionDuration
	}

	if child.DailyQuota > 0 {
		used, err := s.store.UsedToday(ctx, child.ID, s.now())
		if err != nil {
			return 0, err
		}
		remaining := child.DailyQuota - used
		if remaining <= 0 {
			return 0, ErrQuotaExhausted
		}
		if granted > remaining {
			granted = remaining
		}
	}
	return granted, nil
}

// resolveStartConflict handles an insert that hit a uniqueness rule:
// either the same idempotency key raced in, or the child already has a
// live session from a dead process. The stale session is superseded.
func (s *Service) resolveStartConflict(ctx context.Context, cmd StartCommand, rec authority.SessionRecord) (*Grant, error) {
	if cmd.IdempotencyKey != "" {
		if existing, err := s.store.GetSessionByIdempotencyKey(ctx, cmd.IdempotencyKey); err == nil {
			return s.replayGrant(existing), nil
		}
	}

	stale, err := s.store.ActiveSessionForChild(ctx, cmd.ChildID)
	if err != nil {
		return nil, err
	}
	s.log.Warn("superseding stale session",
		logger.SessionID(stale.ID), logger.ChildID(cmd.ChildID))
	if err := s.store.CloseSession(ctx, stale.ID, "superseded", stale.ElapsedReported, s.now()); err != nil {
		return nil, err
	}

	if err := s.store.CreateSession(ctx, rec); err != nil {
		return nil, err
	}
	s.touchPresence(ctx, rec.ClassroomID, rec.ChildID)

	return &Grant{
		SessionID:      rec.ID,
		Granted:        rec.Granted,
		AuthToken:      rec.AuthToken,
		ClassroomToken: s.classroomToken(rec),
		ServerTime:     s.now(),
	}, nil
}

// replayGrant rebuilds the grant for an idempotent retry.
func (s *Service) replayGrant(rec *authority.SessionRecord) *Grant {
	return &Grant{
		SessionID:      rec.ID,
		Granted:        rec.Granted,
		AuthToken:      rec.AuthToken,
		ClassroomToken: s.classroomToken(*rec),
		ServerTime:     s.now(),
	}
}

// classroomToken mints the channel token for a classroom session. The
// development authority uses an opaque derivation of the session ID;
// production would sign a short-lived credential.
func (s *Service) classroomToken(rec authority.SessionRecord) string {
	if rec.ClassroomID == "" {
		return ""
	}
	return "ct-" + rec.ID
}

func (s *Service) touchPresence(ctx context.Context, classroomID, childID string) {
	if s.config.Presence == nil || classroomID == "" {
		return
	}
	if err := s.config.Presence.Touch(ctx, classroomID, childID, s.config.PresenceTTL); err != nil {
		s.log.Warn("presence touch failed",
			logger.ClassroomID(classroomID), logger.Err(err))
	}
}

func (s *Service) removePresence(ctx context.Context, classroomID, childID string) {
	if s.config.Presence == nil || classroomID == "" {
		return
	}
	if err := s.config.Presence.Remove(ctx, classroomID, childID); err != nil {
		s.log.Warn("presence remove failed",
			logger.ClassroomID(classroomID), logger.Err(err))
	}
}
