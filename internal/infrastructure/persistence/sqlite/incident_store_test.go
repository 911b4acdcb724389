package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidscampus/session-core/internal/domain/session"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/logger"
)

func testStore(t *testing.T) (*IncidentStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "incidents.db")
	store, err := NewIncidentStore(path, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func incident(t session.IncidentType, occurredAt time.Time) session.SafetyIncident {
	inc := session.NewSafetyIncident(t, "sess-1", "child-1", "detail")
	inc.OccurredAt = occurredAt
	return inc
}

func TestIncidentStore_RecordAndListOpen(t *testing.T) {
	store, _ := testStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	second := incident(session.IncidentConnectionLost, base.Add(time.Minute))
	first := incident(session.IncidentEmergencyStop, base)
	require.NoError(t, store.Record(second))
	require.NoError(t, store.Record(first))

	open, err := store.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 2)

	// Oldest first, regardless of insert order.
	assert.Equal(t, first.ID, open[0].ID)
	assert.Equal(t, session.IncidentEmergencyStop, open[0].Type)
	assert.Equal(t, session.SessionID("sess-1"), open[0].SessionID)
	assert.Equal(t, session.ChildID("child-1"), open[0].ChildID)
	assert.Equal(t, "detail", open[0].Detail)
	assert.False(t, open[0].Resolved)
	assert.Equal(t, second.ID, open[1].ID)
}

func TestIncidentStore_MarkResolved(t *testing.T) {
	store, _ := testStore(t)

	inc := incident(session.IncidentTimeLimitReached, time.Now().UTC())
	require.NoError(t, store.Record(inc))
	require.NoError(t, store.MarkResolved(inc.ID))

	open, err := store.ListOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestIncidentStore_MarkResolvedUnknownID(t *testing.T) {
	store, _ := testStore(t)

	err := store.MarkResolved("no-such-incident")
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestIncidentStore_AppendOnly(t *testing.T) {
	store, _ := testStore(t)

	inc := incident(session.IncidentAnomalyDetected, time.Now().UTC())
	require.NoError(t, store.Record(inc))

	// The same ID can never be written twice.
	dup := inc
	dup.Detail = "rewritten"
	require.Error(t, store.Record(dup))

	open, err := store.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "detail", open[0].Detail)
}

func TestIncidentStore_RejectsInvalidIncident(t *testing.T) {
	store, _ := testStore(t)

	bad := incident(session.IncidentEmergencyStop, time.Now().UTC())
	bad.Type = "made_up"
	require.Error(t, store.Record(bad))

	empty := incident(session.IncidentEmergencyStop, time.Now().UTC())
	empty.ID = ""
	require.Error(t, store.Record(empty))
}

func TestIncidentStore_SurvivesReopen(t *testing.T) {
	store, path := testStore(t)

	inc := incident(session.IncidentEmergencyStop, time.Now().UTC())
	require.NoError(t, store.Record(inc))
	require.NoError(t, store.Close())

	reopened, err := NewIncidentStore(path, logger.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	open, err := reopened.ListOpen()
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, inc.ID, open[0].ID)
}
