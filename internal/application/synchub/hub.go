// Package synchub implements the classroom synchronization hub. It owns
// the local classroom state, folds received deltas into it, sweeps
// presence, and relays the local participant's updates. The classroom
// channel is an independent failure domain: losing it degrades the
// classroom experience but never touches the session lifecycle.
package synchub

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/kidscampus/session-core/internal/domain/classroom"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/internal/infrastructure/realtime"
	"github.com/kidscampus/session-core/pkg/logger"
	"github.com/kidscampus/session-core/pkg/monoclock"
)

// DeltaStream is the slice of the realtime stream the hub consumes.
type DeltaStream interface {
	Deltas() <-chan classroom.Delta
	Phases() <-chan realtime.Phase
	Send(d classroom.Delta) error
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config contains hub dependencies and tuning.
type Config struct {
	// ClassroomID is the classroom this hub tracks.
	ClassroomID string

	// ChildID is the local participant.
	ChildID string

	Stream DeltaStream
	Bus    shared.EventPublisher
	Clock  monoclock.Clock
	Logger *logger.Logger

	// PresenceTimeout is how long a participant may stay silent before
	// the sweep marks them disconnected.
	PresenceTimeout time.Duration

	// SweepInterval is the presence sweep cadence.
	SweepInterval time.Duration
}

// DefaultConfig returns sensible defaults, dependencies unset.
func DefaultConfig() Config {
	return Config{
		PresenceTimeout: 45 * time.Second,
		SweepInterval:   10 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// HUB
// ══════════════════════════════════════════════════════════════════════════════

// Hub is the single owner of one classroom's local state. All mutation
// happens on the Run goroutine by applying sequence-validated deltas;
// everything else reads snapshots.
type Hub struct {
	config Config
	state  *classroom.State
	clock  monoclock.Clock
	log    *logger.Logger

	degraded atomic.Bool
}

// New creates a Hub for one classroom.
func New(config Config) (*Hub, error) {
	if config.ClassroomID == "" {
		return nil, shared.NewDomainError("classroom", "New", shared.ErrInvalidID, "empty classroom ID")
	}
	if config.Clock == nil {
		config.Clock = monoclock.System()
	}
	if config.Logger == nil {
		config.Logger = logger.Default()
	}
	if config.PresenceTimeout <= 0 {
		config.PresenceTimeout = 45 * time.Second
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = 10 * time.Second
	}

	return &Hub{
		config: config,
		state:  classroom.NewState(config.ClassroomID),
		clock:  config.Clock,
		log:    config.Logger.With(logger.Component("synchub"), logger.ClassroomID(config.ClassroomID)),
	}, nil
}

// Run consumes the delta stream until ctx is cancelled or the stream
// terminates. Call it from its own goroutine.
func (h *Hub) Run(ctx context.Context) error {
	sweep := h.clock.NewTicker(h.config.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case d, ok := <-h.config.Stream.Deltas():
			if !ok {
				// The stream gave up. The classroom goes dark but the
				// session keeps running on its own heartbeats.
				h.setDegraded(true)
				h.log.Warn("delta stream terminated, classroom dark")
				return nil
			}
			h.applyDelta(d)

		case p := <-h.config.Stream.Phases():
			h.onPhase(p)

		case <-sweep.C():
			h.sweepPresence()
		}
	}
}

// Join announces the local participant on the channel, with an optional
// initial state payload for late joiners to converge on.
func (h *Hub) Join(payload json.RawMessage) error {
	return h.send(classroom.Delta{
		ClassroomID:   h.config.ClassroomID,
		ParticipantID: h.config.ChildID,
		Kind:          classroom.DeltaJoin,
		Payload:       payload,
		SentAt:        h.clock.Now(),
	})
}

// Leave announces departure. Best effort: a dropped leave is corrected
// by the presence sweep on every other client.
func (h *Hub) Leave() error {
	return h.send(classroom.Delta{
		ClassroomID:   h.config.ClassroomID,
		ParticipantID: h.config.ChildID,
		Kind:          classroom.DeltaLeave,
		SentAt:        h.clock.Now(),
	})
}

// BindLifecycle subscribes the hub to session lifecycle events so the
// session ending announces the departure immediately instead of leaving
// peers to their presence sweeps. The leave is best effort: a degraded
// channel swallows it.
func (h *Hub) BindLifecycle(bus shared.EventSubscriber) error {
	return bus.Subscribe(shared.EventSessionStopped, func(shared.Event) error {
		if err := h.Leave(); err != nil && !errors.Is(err, shared.ErrClassroomDegraded) {
			return err
		}
		return nil
	})
}

// Broadcast relays the local participant's shared-object state.
func (h *Hub) Broadcast(payload json.RawMessage) error {
	return h.send(classroom.Delta{
		ClassroomID:   h.config.ClassroomID,
		ParticipantID: h.config.ChildID,
		Kind:          classroom.DeltaState,
		Payload:       payload,
		SentAt:        h.clock.Now(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// VIEWS
// ══════════════════════════════════════════════════════════════════════════════

// Degraded reports whether the realtime channel is currently down.
func (h *Hub) Degraded() bool {
	return h.degraded.Load()
}

// LastApplied returns the highest applied delta sequence.
func (h *Hub) LastApplied() uint64 {
	return h.state.LastApplied()
}

// Participant returns a copy of one participant, if known.
func (h *Hub) Participant(childID string) (classroom.Participant, bool) {
	return h.state.Participant(childID)
}

// Participants returns copies of all known participants.
func (h *Hub) Participants() []classroom.Participant {
	return h.state.Participants()
}

// ══════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ══════════════════════════════════════════════════════════════════════════════

// send pushes an outbound delta, refusing while degraded. The stream's
// buffer filling up counts as degraded too: a frame must never stall on
// the classroom.
func (h *Hub) send(d classroom.Delta) error {
	if h.degraded.Load() {
		return shared.ErrClassroomDegraded
	}
	if err := h.config.Stream.Send(d); err != nil {
		h.log.Warn("outbound delta dropped",
			logger.F("kind", string(d.Kind)), logger.Err(err))
		return shared.ErrClassroomDegraded
	}
	return nil
}

// applyDelta folds one received delta into local state and publishes
// the resulting events. Duplicates are silent no-ops.
func (h *Hub) applyDelta(d classroom.Delta) {
	res, err := h.state.Apply(d)
	if err != nil {
		h.log.Warn("delta refused",
			logger.Sequence(d.Sequence), logger.Err(err))
		return
	}
	if !res.Applied {
		return
	}

	h.publish(shared.NewClassroomDeltaEvent(
		d.ClassroomID, d.Sequence, d.ParticipantID, d.Payload))

	if res.PresenceChange != nil {
		h.publish(shared.NewParticipantPresenceChangedEvent(
			d.ClassroomID, res.PresenceChange.ChildID, string(res.PresenceChange.Presence)))
	}
}

// onPhase reflects stream phase transitions into the degraded flag.
func (h *Hub) onPhase(p realtime.Phase) {
	switch p {
	case realtime.PhaseConnected:
		h.setDegraded(false)
	case realtime.PhaseDegraded, realtime.PhaseLost:
		h.setDegraded(true)
	}
}

// setDegraded flips the degraded flag, publishing only on edges.
func (h *Hub) setDegraded(degraded bool) {
	if h.degraded.Swap(degraded) == degraded {
		return
	}
	if degraded {
		h.log.Warn("classroom channel degraded, serving local cache")
		h.publish(shared.NewClassroomDegradedEvent(h.config.ClassroomID))
	} else {
		h.log.Info("classroom channel recovered")
		h.publish(shared.NewClassroomRecoveredEvent(h.config.ClassroomID))
	}
}

// sweepPresence marks silent participants disconnected.
func (h *Hub) sweepPresence() {
	changed := h.state.MarkStale(h.clock.Now(), h.config.PresenceTimeout)
	for _, p := range changed {
		h.log.Info("participant presence timed out",
			logger.ChildID(p.ChildID))
		h.publish(shared.NewParticipantPresenceChangedEvent(
			h.config.ClassroomID, p.ChildID, string(p.Presence)))
	}
}

// publish sends an event to the bus, tolerating a missing bus in tests.
func (h *Hub) publish(e shared.Event) {
	if h.config.Bus == nil || e == nil {
		return
	}
	if err := h.config.Bus.Publish(e); err != nil {
		h.log.Error("event publish failed",
			logger.F("event_type", e.EventType()), logger.Err(err))
	}
}
