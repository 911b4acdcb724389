package grants

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/kidscampus/session-core/internal/domain/authority"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/logger"
)

// memStore is an in-memory authority.SessionStore mirroring the
// uniqueness rules the postgres schema enforces.
type memStore struct {
	mu       sync.Mutex
	children map[string]authority.ChildAccount
	sessions map[string]*authority.SessionRecord
}

func newMemStore() *memStore {
	return &memStore{
		children: make(map[string]authority.ChildAccount),
		sessions: make(map[string]*authority.SessionRecord),
	}
}

func (m *memStore) CreateChild(_ context.Context, child authority.ChildAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.children[child.ID]; ok {
		return shared.NewDomainError("authority", "CreateChild", shared.ErrAlreadyExists, "dup")
	}
	m.children[child.ID] = child
	return nil
}

func (m *memStore) GetChild(_ context.Context, childID string) (*authority.ChildAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	child, ok := m.children[childID]
	if !ok {
		return nil, shared.NewDomainError("authority", "GetChild", shared.ErrNotFound, "missing")
	}
	return &child, nil
}

func (m *memStore) CreateSession(_ context.Context, rec authority.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IdempotencyKey == rec.IdempotencyKey {
			return shared.NewDomainError("authority", "CreateSession", shared.ErrAlreadyExists, "key")
		}
		if s.ChildID == rec.ChildID && s.Active() {
			return shared.NewDomainError("authority", "CreateSession", shared.ErrAlreadyExists, "active")
		}
	}
	copied := rec
	m.sessions[rec.ID] = &copied
	return nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (*authority.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, shared.NewDomainError("authority", "GetSession", shared.ErrNotFound, "missing")
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) GetSessionByIdempotencyKey(_ context.Context, key string) (*authority.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.IdempotencyKey == key {
			copied := *s
			return &copied, nil
		}
	}
	return nil, shared.NewDomainError("authority", "GetSessionByIdempotencyKey", shared.ErrNotFound, "missing")
}

func (m *memStore) ActiveSessionForChild(_ context.Context, childID string) (*authority.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ChildID == childID && s.Active() {
			copied := *s
			return &copied, nil
		}
	}
	return nil, shared.NewDomainError("authority", "ActiveSessionForChild", shared.ErrNotFound, "missing")
}

func (m *memStore) RecordHeartbeat(_ context.Context, sessionID string, seq uint64, elapsed time.Duration, at time.Time) (*authority.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Active() {
		return nil, shared.NewDomainError("authority", "RecordHeartbeat", shared.ErrNotFound, "missing")
	}
	s.LastHeartbeatAt = at
	if seq > s.LastHeartbeatSeq {
		s.LastHeartbeatSeq = seq
	}
	if elapsed > s.ElapsedReported {
		s.ElapsedReported = elapsed
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) CloseSession(_ context.Context, sessionID, reason string, elapsed time.Duration, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return shared.NewDomainError("authority", "CloseSession", shared.ErrNotFound, "missing")
	}
	if s.Active() {
		s.State = authority.RecordClosed
		s.StoppedAt = at
		s.StopReason = reason
		if elapsed > s.ElapsedReported {
			s.ElapsedReported = elapsed
		}
	}
	return nil
}

func (m *memStore) RequestStop(_ context.Context, sessionID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok || !s.Active() {
		return shared.NewDomainError("authority", "RequestStop", shared.ErrNotFound, "missing")
	}
	s.StopRequested = true
	s.StopRequestReason = reason
	return nil
}

func (m *memStore) UsedToday(_ context.Context, childID string, day time.Time) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var used time.Duration
	for _, s := range m.sessions {
		if s.ChildID == childID && !s.StartedAt.Before(dayStart) && s.StartedAt.Before(dayStart.Add(24*time.Hour)) {
			used += s.ElapsedReported
		}
	}
	return used, nil
}

// memPresence counts presence operations.
type memPresence struct {
	mu      sync.Mutex
	touches int
	removes int
	seq     uint64
}

func (p *memPresence) Touch(_ context.Context, _, _ string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.touches++
	return nil
}

func (p *memPresence) Remove(_ context.Context, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removes++
	return nil
}

func (p *memPresence) Present(_ context.Context, _ string) ([]string, error) { return nil, nil }

func (p *memPresence) NextSequence(_ context.Context, _ string) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return p.seq, nil
}

const parentToken = "parent-secret"

var serviceNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testService(t *testing.T) (*Service, *memStore, *memPresence) {
	t.Helper()

	store := newMemStore()
	presence := &memPresence{}

	hash, err := bcrypt.GenerateFromPassword([]byte(parentToken), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.CreateChild(context.Background(), authority.ChildAccount{
		ID:              "child-1",
		DisplayName:     "Ada",
		ParentTokenHash: string(hash),
		DailyQuota:      time.Hour,
		CreatedAt:       serviceNow,
	}))

	cfg := DefaultConfig()
	cfg.Store = store
	cfg.Presence = presence
	cfg.Logger = logger.Nop()
	cfg.Now = func() time.Time { return serviceNow }
	return New(cfg), store, presence
}

func start(childID, key string, d time.Duration) StartCommand {
	return StartCommand{
		ChildID:           childID,
		ClassroomID:       "class-1",
		ParentToken:       parentToken,
		RequestedDuration: d,
		IdempotencyKey:    key,
	}
}

func TestStartSession_GrantsAndCaps(t *testing.T) {
	svc, _, presence := testService(t)

	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", 10*time.Minute))
	require.NoError(t, err)
	assert.NotEmpty(t, grant.SessionID)
	assert.Equal(t, 10*time.Minute, grant.Granted)
	assert.Equal(t, "ct-"+grant.SessionID, grant.ClassroomToken)
	assert.Equal(t, 1, presence.touches)
}

func TestStartSession_IssuesSessionToken(t *testing.T) {
	svc, _, _ := testService(t)

	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", 10*time.Minute))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(grant.AuthToken, "st-"))

	// The session token alone authorizes heartbeats and the stop report.
	_, err = svc.Heartbeat(context.Background(), grant.AuthToken, grant.SessionID, 1, time.Minute)
	require.NoError(t, err)

	_, err = svc.Heartbeat(context.Background(), "st-bogus", grant.SessionID, 2, 2*time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)

	require.NoError(t, svc.StopSession(context.Background(), grant.AuthToken, grant.SessionID, "user_exit", 3*time.Minute))
}

func TestStartSession_DefaultAndMaxDuration(t *testing.T) {
	svc, store, _ := testService(t)

	// Quota is 1h, so the 30m default fits.
	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", 0))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, grant.Granted)

	// A greedy request is clamped to the remaining quota.
	require.NoError(t, store.CloseSession(context.Background(), grant.SessionID, "user_exit", 30*time.Minute, serviceNow))
	grant2, err := svc.StartSession(context.Background(), start("child-1", "k2", 5*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, grant2.Granted)
}

func TestStartSession_QuotaExhausted(t *testing.T) {
	svc, store, _ := testService(t)

	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.CloseSession(context.Background(), grant.SessionID, "time_limit", time.Hour, serviceNow))

	_, err = svc.StartSession(context.Background(), start("child-1", "k2", 10*time.Minute))
	require.Error(t, err)
	assert.True(t, shared.IsRejected(err))
}

func TestStartSession_SuspendedChildRejected(t *testing.T) {
	svc, store, _ := testService(t)

	hash, err := bcrypt.GenerateFromPassword([]byte(parentToken), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, store.CreateChild(context.Background(), authority.ChildAccount{
		ID:              "child-2",
		ParentTokenHash: string(hash),
		Suspended:       true,
	}))

	_, err = svc.StartSession(context.Background(), start("child-2", "k1", 10*time.Minute))
	require.Error(t, err)
	assert.True(t, shared.IsRejected(err))
}

func TestStartSession_BadParentToken(t *testing.T) {
	svc, _, _ := testService(t)

	cmd := start("child-1", "k1", 10*time.Minute)
	cmd.ParentToken = "wrong"
	_, err := svc.StartSession(context.Background(), cmd)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrUnauthorized)
}

func TestStartSession_IdempotentReplay(t *testing.T) {
	svc, store, _ := testService(t)

	first, err := svc.StartSession(context.Background(), start("child-1", "same-key", 10*time.Minute))
	require.NoError(t, err)

	second, err := svc.StartSession(context.Background(), start("child-1", "same-key", 10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.Granted, second.Granted)
	assert.Len(t, store.sessions, 1)
}

func TestStartSession_SupersedesStaleSession(t *testing.T) {
	svc, store, _ := testService(t)

	stale, err := svc.StartSession(context.Background(), start("child-1", "k1", 10*time.Minute))
	require.NoError(t, err)

	// A new start from a restarted device supersedes the stale session.
	fresh, err := svc.StartSession(context.Background(), start("child-1", "k2", 10*time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, stale.SessionID, fresh.SessionID)

	old, err := store.GetSession(context.Background(), stale.SessionID)
	require.NoError(t, err)
	assert.Equal(t, authority.RecordClosed, old.State)
	assert.Equal(t, "superseded", old.StopReason)
}

func TestHeartbeat_AcksAndRelaysStopRequest(t *testing.T) {
	svc, _, presence := testService(t)

	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", 10*time.Minute))
	require.NoError(t, err)

	ack, err := svc.Heartbeat(context.Background(), parentToken, grant.SessionID, 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, ack.StopRequested)
	assert.Equal(t, 9*time.Minute, ack.Remaining)
	assert.Equal(t, 2, presence.touches)

	require.NoError(t, svc.RequestStop(context.Background(), grant.SessionID, "parent_stop"))
	ack, err = svc.Heartbeat(context.Background(), parentToken, grant.SessionID, 2, 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ack.StopRequested)
	assert.Equal(t, "parent_stop", ack.StopReason)
}

func TestHeartbeat_TimeLimitWindsDown(t *testing.T) {
	svc, _, _ := testService(t)

	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", 10*time.Minute))
	require.NoError(t, err)

	ack, err := svc.Heartbeat(context.Background(), parentToken, grant.SessionID, 1, 11*time.Minute)
	require.NoError(t, err)
	assert.True(t, ack.StopRequested)
	assert.Equal(t, "time_limit", ack.StopReason)
	assert.Equal(t, time.Duration(0), ack.Remaining)
}

func TestHeartbeat_UnknownSession(t *testing.T) {
	svc, _, _ := testService(t)

	_, err := svc.Heartbeat(context.Background(), parentToken, "no-such-session", 1, time.Minute)
	require.Error(t, err)
	assert.True(t, shared.IsNotFound(err))
}

func TestStopSession_ClosesAndClearsPresence(t *testing.T) {
	svc, store, presence := testService(t)

	grant, err := svc.StartSession(context.Background(), start("child-1", "k1", 10*time.Minute))
	require.NoError(t, err)

	require.NoError(t, svc.StopSession(context.Background(), parentToken, grant.SessionID, "user_exit", 3*time.Minute))

	rec, err := store.GetSession(context.Background(), grant.SessionID)
	require.NoError(t, err)
	assert.Equal(t, authority.RecordClosed, rec.State)
	assert.Equal(t, "user_exit", rec.StopReason)
	assert.Equal(t, 3*time.Minute, rec.ElapsedReported)
	assert.Equal(t, 1, presence.removes)
}
