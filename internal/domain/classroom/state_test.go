package classroom

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidscampus/session-core/internal/domain/shared"
)

var stateBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func join(seq uint64, childID string, at time.Time) Delta {
	return Delta{
		ClassroomID:   "classroom-7",
		Sequence:      seq,
		ParticipantID: childID,
		Kind:          DeltaJoin,
		SentAt:        at,
	}
}

func TestState_ApplyJoinAndLeave(t *testing.T) {
	s := NewState("classroom-7")

	res, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	require.NotNil(t, res.PresenceChange)
	assert.Equal(t, PresencePresent, res.PresenceChange.Presence)

	p, ok := s.Participant("child-1")
	require.True(t, ok)
	assert.Equal(t, stateBase, p.JoinedAt)

	res, err = s.Apply(Delta{
		ClassroomID: "classroom-7", Sequence: 2,
		ParticipantID: "child-1", Kind: DeltaLeave, SentAt: stateBase,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, PresenceDisconnected, res.PresenceChange.Presence)

	_, ok = s.Participant("child-1")
	assert.False(t, ok)
}

func TestState_DuplicateSequenceIsNoOp(t *testing.T) {
	s := NewState("classroom-7")

	res, err := s.Apply(join(5, "child-1", stateBase))
	require.NoError(t, err)
	assert.True(t, res.Applied)

	// Same and lower sequences are silently dropped.
	for _, seq := range []uint64{5, 3} {
		res, err = s.Apply(join(seq, "child-2", stateBase))
		require.NoError(t, err)
		assert.False(t, res.Applied)
	}
	assert.Equal(t, uint64(5), s.LastApplied())
	_, ok := s.Participant("child-2")
	assert.False(t, ok)
}

func TestState_GapDoesNotBlockLaterDeltas(t *testing.T) {
	s := NewState("classroom-7")

	_, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)

	// Sequence 2 was lost; 3 still applies.
	res, err := s.Apply(join(3, "child-2", stateBase))
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, uint64(3), s.LastApplied())
}

func TestState_MismatchedClassroomRefused(t *testing.T) {
	s := NewState("classroom-7")

	d := join(1, "child-1", stateBase)
	d.ClassroomID = "classroom-8"

	_, err := s.Apply(d)
	assert.ErrorIs(t, err, shared.ErrClassroomIDMismatch)
}

func TestState_StateDeltaStoresPayload(t *testing.T) {
	s := NewState("classroom-7")
	_, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)

	res, err := s.Apply(Delta{
		ClassroomID:   "classroom-7",
		Sequence:      2,
		ParticipantID: "child-1",
		Kind:          DeltaState,
		Payload:       json.RawMessage(`{"block":"red"}`),
		SentAt:        stateBase.Add(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Nil(t, res.PresenceChange)

	p, _ := s.Participant("child-1")
	assert.JSONEq(t, `{"block":"red"}`, string(p.LastKnownState))
	assert.Equal(t, uint64(2), p.StateVersion)
}

func TestState_StateDeltaFromUnknownParticipantAdmits(t *testing.T) {
	s := NewState("classroom-7")

	// A late joiner sees state from someone whose join delta predates
	// its resume point.
	res, err := s.Apply(Delta{
		ClassroomID:   "classroom-7",
		Sequence:      10,
		ParticipantID: "child-9",
		Kind:          DeltaState,
		Payload:       json.RawMessage(`{}`),
		SentAt:        stateBase,
	})
	require.NoError(t, err)
	assert.True(t, res.Applied)

	p, ok := s.Participant("child-9")
	require.True(t, ok)
	assert.Equal(t, PresencePresent, p.Presence)
}

func TestState_StateDeltaRevivesDisconnected(t *testing.T) {
	s := NewState("classroom-7")
	_, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)

	changed := s.MarkStale(stateBase.Add(2*time.Minute), 45*time.Second)
	require.Len(t, changed, 1)

	res, err := s.Apply(Delta{
		ClassroomID:   "classroom-7",
		Sequence:      2,
		ParticipantID: "child-1",
		Kind:          DeltaState,
		Payload:       json.RawMessage(`{}`),
		SentAt:        stateBase.Add(3 * time.Minute),
	})
	require.NoError(t, err)
	require.NotNil(t, res.PresenceChange)
	assert.Equal(t, PresencePresent, res.PresenceChange.Presence)
}

func TestState_PresenceDelta(t *testing.T) {
	s := NewState("classroom-7")
	_, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)

	res, err := s.Apply(Delta{
		ClassroomID:   "classroom-7",
		Sequence:      2,
		ParticipantID: "child-1",
		Kind:          DeltaPresence,
		Presence:      PresenceDisconnected,
		SentAt:        stateBase.Add(time.Minute),
	})
	require.NoError(t, err)
	require.NotNil(t, res.PresenceChange)
	assert.Equal(t, PresenceDisconnected, res.PresenceChange.Presence)

	// Unchanged presence produces no change notification.
	res, err = s.Apply(Delta{
		ClassroomID:   "classroom-7",
		Sequence:      3,
		ParticipantID: "child-1",
		Kind:          DeltaPresence,
		Presence:      PresenceDisconnected,
		SentAt:        stateBase.Add(2 * time.Minute),
	})
	require.NoError(t, err)
	assert.Nil(t, res.PresenceChange)
}

func TestState_MarkStale(t *testing.T) {
	s := NewState("classroom-7")
	_, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)
	_, err = s.Apply(join(2, "child-2", stateBase.Add(40*time.Second)))
	require.NoError(t, err)

	changed := s.MarkStale(stateBase.Add(time.Minute), 45*time.Second)
	require.Len(t, changed, 1)
	assert.Equal(t, "child-1", changed[0].ChildID)
	assert.Equal(t, PresenceDisconnected, changed[0].Presence)

	// Already-disconnected participants are not reported again.
	changed = s.MarkStale(stateBase.Add(2*time.Minute), 45*time.Second)
	require.Len(t, changed, 1)
	assert.Equal(t, "child-2", changed[0].ChildID)
}

func TestState_ParticipantsReturnsCopies(t *testing.T) {
	s := NewState("classroom-7")
	_, err := s.Apply(join(1, "child-1", stateBase))
	require.NoError(t, err)

	got := s.Participants()
	require.Len(t, got, 1)
	got[0].Presence = PresenceDisconnected

	p, _ := s.Participant("child-1")
	assert.Equal(t, PresencePresent, p.Presence)
}
