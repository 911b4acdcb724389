// Package classroom contains the domain model for shared multi-user
// classroom state: participants, presence and sequence-numbered deltas.
// The delta payload is opaque bytes owned by presentation collaborators;
// the core never interprets it.
package classroom

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kidscampus/session-core/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// PRESENCE
// ══════════════════════════════════════════════════════════════════════════════

// PresenceState is a participant's presence in the classroom.
type PresenceState string

const (
	// PresencePresent - the participant is live on the channel.
	PresencePresent PresenceState = "present"
	// PresenceDisconnected - nothing heard within the presence timeout.
	PresenceDisconnected PresenceState = "disconnected"
)

// IsValid checks the presence state.
func (p PresenceState) IsValid() bool {
	return p == PresencePresent || p == PresenceDisconnected
}

// Participant is one child present in a classroom. Owned by the sync
// hub; added on join, marked Disconnected on timeout, removed on
// explicit leave or classroom teardown.
type Participant struct {
	ChildID      string        `json:"child_id"`
	JoinedAt     time.Time     `json:"joined_at"`
	Presence     PresenceState `json:"presence"`
	LastHeardAt  time.Time     `json:"last_heard_at"`
	StateVersion uint64        `json:"state_version"`

	// LastKnownState is opaque to the core.
	LastKnownState json.RawMessage `json:"last_known_state,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// DELTA
// ══════════════════════════════════════════════════════════════════════════════

// DeltaKind distinguishes the few delta shapes the core itself
// understands from opaque collaborator state.
type DeltaKind string

const (
	// DeltaState - opaque shared-object state from a collaborator.
	DeltaState DeltaKind = "state"
	// DeltaPresence - a presence change, itself broadcast as a delta so
	// every client can reflect it.
	DeltaPresence DeltaKind = "presence"
	// DeltaJoin - a participant joined the classroom.
	DeltaJoin DeltaKind = "join"
	// DeltaLeave - a participant left the classroom.
	DeltaLeave DeltaKind = "leave"
)

// Delta is one incremental, sequence-numbered update to shared
// classroom state. Sequence numbers are allocated by the backend
// authority and are strictly increasing per classroom.
type Delta struct {
	ClassroomID   string          `json:"classroom_id"`
	Sequence      uint64          `json:"sequence"`
	ParticipantID string          `json:"participant_id"`
	Kind          DeltaKind       `json:"kind"`
	Presence      PresenceState   `json:"presence,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
}

// ══════════════════════════════════════════════════════════════════════════════
// CLASSROOM STATE
// ══════════════════════════════════════════════════════════════════════════════

// ApplyResult describes what happened to a delta handed to State.Apply.
type ApplyResult struct {
	// Applied is false for duplicates (no-op) and mismatched classrooms.
	Applied bool

	// PresenceChange is non-nil when the delta changed a participant's
	// presence state.
	PresenceChange *Participant
}

// State is the local authoritative view of one classroom. It is owned
// exclusively by the sync hub and mutated only by applying a received,
// sequence-validated delta.
type State struct {
	mu sync.RWMutex

	classroomID  string
	participants map[string]*Participant
	lastApplied  uint64
}

// NewState creates empty local state for a classroom.
func NewState(classroomID string) *State {
	return &State{
		classroomID:  classroomID,
		participants: make(map[string]*Participant),
	}
}

// ClassroomID returns the classroom this state tracks.
func (s *State) ClassroomID() string {
	return s.classroomID
}

// LastApplied returns the highest applied sequence number.
func (s *State) LastApplied() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastApplied
}

// Apply validates a delta's sequence number and folds it into local
// state. Duplicates (sequence <= last applied) are no-ops; a gap does
// not block later deltas - application is idempotent per sequence.
func (s *State) Apply(d Delta) (ApplyResult, error) {
	if d.ClassroomID != s.classroomID {
		return ApplyResult{}, shared.ErrClassroomIDMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if d.Sequence <= s.lastApplied {
		return ApplyResult{Applied: false}, nil
	}
	s.lastApplied = d.Sequence

	res := ApplyResult{Applied: true}

	switch d.Kind {
	case DeltaJoin:
		p := s.participants[d.ParticipantID]
		if p == nil {
			p = &Participant{
				ChildID:  d.ParticipantID,
				JoinedAt: d.SentAt,
			}
			s.participants[d.ParticipantID] = p
		}
		p.Presence = PresencePresent
		p.LastHeardAt = d.SentAt
		res.PresenceChange = snapshot(p)

	case DeltaLeave:
		if p, ok := s.participants[d.ParticipantID]; ok {
			delete(s.participants, d.ParticipantID)
			left := snapshot(p)
			left.Presence = PresenceDisconnected
			res.PresenceChange = left
		}

	case DeltaPresence:
		if p, ok := s.participants[d.ParticipantID]; ok && d.Presence.IsValid() {
			if p.Presence != d.Presence {
				p.Presence = d.Presence
				res.PresenceChange = snapshot(p)
			}
			p.LastHeardAt = d.SentAt
		}

	case DeltaState:
		p := s.participants[d.ParticipantID]
		if p == nil {
			// A state delta from a participant we never saw join:
			// admit it so late joiners converge.
			p = &Participant{
				ChildID:  d.ParticipantID,
				JoinedAt: d.SentAt,
				Presence: PresencePresent,
			}
			s.participants[d.ParticipantID] = p
		}
		p.LastKnownState = d.Payload
		p.StateVersion = d.Sequence
		p.LastHeardAt = d.SentAt
		if p.Presence == PresenceDisconnected {
			p.Presence = PresencePresent
			res.PresenceChange = snapshot(p)
		}
	}

	return res, nil
}

// Participant returns a copy of one participant, if present.
func (s *State) Participant(childID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[childID]
	if !ok {
		return Participant{}, false
	}
	return *snapshot(p), true
}

// Participants returns copies of all participants.
func (s *State) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *snapshot(p))
	}
	return out
}

// MarkStale sweeps participants not heard from within timeout and marks
// them Disconnected. It returns the participants whose presence changed
// so the hub can broadcast them as presence deltas.
func (s *State) MarkStale(now time.Time, timeout time.Duration) []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Participant
	for _, p := range s.participants {
		if p.Presence == PresencePresent && now.Sub(p.LastHeardAt) > timeout {
			p.Presence = PresenceDisconnected
			changed = append(changed, *snapshot(p))
		}
	}
	return changed
}

func snapshot(p *Participant) *Participant {
	c := *p
	return &c
}
