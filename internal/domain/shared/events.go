// Package shared contains common domain types, errors and events that are
// used across all domain packages.
package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

// Domain event types. These are the only contract the presentation
// layer, audio/haptic systems and parent-monitoring UI may depend on.
const (
	// Session lifecycle events
	EventSessionStarted EventType = "session.started"
	EventSessionFailed  EventType = "session.failed"
	EventSessionWarning EventType = "session.warning"
	EventSessionExpired EventType = "session.expired"
	EventSessionStopped EventType = "session.stopped"

	// Connectivity events
	EventConnectionDegraded EventType = "connection.degraded"
	EventConnectionLost     EventType = "connection.lost"

	// Safety events
	EventSafetyIncidentRaised EventType = "safety.incident_raised"

	// Classroom events
	EventClassroomDelta             EventType = "classroom.delta"
	EventParticipantPresenceChanged EventType = "classroom.presence_changed"
	EventClassroomDegraded          EventType = "classroom.degraded"
	EventClassroomRecovered         EventType = "classroom.recovered"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int       `json:"version"`
}

// EventType implements Event interface.
func (e BaseEvent) EventType() EventType {
	return e.Type
}

// OccurredAt implements Event interface.
func (e BaseEvent) OccurredAt() time.Time {
	return e.Timestamp
}

// AggregateID implements Event interface.
func (e BaseEvent) AggregateID() string {
	return e.AggregateId
}

// NewBaseEvent creates a new base event.
func NewBaseEvent(eventType EventType, aggregateID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now(),
		AggregateId: aggregateID,
		Version:     1,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Session Events
// ═══════════════════════════════════════════════════════════════════════════

// SessionStartedEvent is emitted exactly once per valid start response,
// before any heartbeat is scheduled.
type SessionStartedEvent struct {
	BaseEvent
	SessionID   string        `json:"session_id"`
	ChildID     string        `json:"child_id"`
	ClassroomID string        `json:"classroom_id,omitempty"`
	MaxDuration time.Duration `json:"max_duration"`
}

// Payload implements Event interface.
func (e SessionStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   e.SessionID,
		"child_id":     e.ChildID,
		"classroom_id": e.ClassroomID,
		"max_duration": e.MaxDuration.String(),
	}
}

// NewSessionStartedEvent creates a new SessionStartedEvent.
func NewSessionStartedEvent(sessionID, childID, classroomID string, maxDuration time.Duration) SessionStartedEvent {
	return SessionStartedEvent{
		BaseEvent:   NewBaseEvent(EventSessionStarted, sessionID),
		SessionID:   sessionID,
		ChildID:     childID,
		ClassroomID: classroomID,
		MaxDuration: maxDuration,
	}
}

// SessionFailedEvent is emitted when a start is rejected or a running
// session is lost. A rejected start leaves the coordinator in Idle so
// the presentation layer can immediately retry with fresh credentials.
type SessionFailedEvent struct {
	BaseEvent
	ChildID   string `json:"child_id"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// Payload implements Event interface.
func (e SessionFailedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"child_id":  e.ChildID,
		"reason":    e.Reason,
		"retryable": e.Retryable,
	}
}

// NewSessionFailedEvent creates a new SessionFailedEvent.
func NewSessionFailedEvent(childID, reason string, retryable bool) SessionFailedEvent {
	return SessionFailedEvent{
		BaseEvent: NewBaseEvent(EventSessionFailed, childID),
		ChildID:   childID,
		Reason:    reason,
		Retryable: retryable,
	}
}

// SessionWarningEvent is emitted exactly once per session when the
// remaining time drops below the policy's warning lead time.
type SessionWarningEvent struct {
	BaseEvent
	SessionID string        `json:"session_id"`
	Remaining time.Duration `json:"remaining"`
}

// Payload implements Event interface.
func (e SessionWarningEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id": e.SessionID,
		"remaining":  e.Remaining.String(),
	}
}

// NewSessionWarningEvent creates a new SessionWarningEvent.
func NewSessionWarningEvent(sessionID string, remaining time.Duration) SessionWarningEvent {
	return SessionWarningEvent{
		BaseEvent: NewBaseEvent(EventSessionWarning, sessionID),
		SessionID: sessionID,
		Remaining: remaining,
	}
}

// SessionExpiredEvent is emitted when elapsed time reaches the policy's
// maximum duration. It always precedes the Stopped transition.
type SessionExpiredEvent struct {
	BaseEvent
	SessionID string        `json:"session_id"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Payload implements Event interface.
func (e SessionExpiredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id": e.SessionID,
		"elapsed":    e.Elapsed.String(),
	}
}

// NewSessionExpiredEvent creates a new SessionExpiredEvent.
func NewSessionExpiredEvent(sessionID string, elapsed time.Duration) SessionExpiredEvent {
	return SessionExpiredEvent{
		BaseEvent: NewBaseEvent(EventSessionExpired, sessionID),
		SessionID: sessionID,
		Elapsed:   elapsed,
	}
}

// SessionStoppedEvent is emitted after the session reaches its terminal
// Stopped state, whatever caused the teardown.
type SessionStoppedEvent struct {
	BaseEvent
	SessionID string        `json:"session_id"`
	ChildID   string        `json:"child_id"`
	Reason    string        `json:"reason"`
	Duration  time.Duration `json:"duration"`
}

// Payload implements Event interface.
func (e SessionStoppedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id": e.SessionID,
		"child_id":   e.ChildID,
		"reason":     e.Reason,
		"duration":   e.Duration.String(),
	}
}

// NewSessionStoppedEvent creates a new SessionStoppedEvent.
func NewSessionStoppedEvent(sessionID, childID, reason string, duration time.Duration) SessionStoppedEvent {
	return SessionStoppedEvent{
		BaseEvent: NewBaseEvent(EventSessionStopped, sessionID),
		SessionID: sessionID,
		ChildID:   childID,
		Reason:    reason,
		Duration:  duration,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Connectivity Events
// ═══════════════════════════════════════════════════════════════════════════

// ConnectionDegradedEvent is emitted on a missed heartbeat while the
// session stays Active (grace period before the liveness judgment).
type ConnectionDegradedEvent struct {
	BaseEvent
	SessionID   string `json:"session_id"`
	MissedBeats int    `json:"missed_beats"`
	GraceBudget int    `json:"grace_budget"`
}

// Payload implements Event interface.
func (e ConnectionDegradedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   e.SessionID,
		"missed_beats": e.MissedBeats,
		"grace_budget": e.GraceBudget,
	}
}

// NewConnectionDegradedEvent creates a new ConnectionDegradedEvent.
func NewConnectionDegradedEvent(sessionID string, missed, budget int) ConnectionDegradedEvent {
	return ConnectionDegradedEvent{
		BaseEvent:   NewBaseEvent(EventConnectionDegraded, sessionID),
		SessionID:   sessionID,
		MissedBeats: missed,
		GraceBudget: budget,
	}
}

// ConnectionLostEvent is emitted once when liveness is judged lost.
// Collaborators need only this single handler; individual retry
// failures are never surfaced.
type ConnectionLostEvent struct {
	BaseEvent
	SessionID   string `json:"session_id"`
	MissedBeats int    `json:"missed_beats"`
}

// Payload implements Event interface.
func (e ConnectionLostEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"session_id":   e.SessionID,
		"missed_beats": e.MissedBeats,
	}
}

// NewConnectionLostEvent creates a new ConnectionLostEvent.
func NewConnectionLostEvent(sessionID string, missed int) ConnectionLostEvent {
	return ConnectionLostEvent{
		BaseEvent:   NewBaseEvent(EventConnectionLost, sessionID),
		SessionID:   sessionID,
		MissedBeats: missed,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Safety Events
// ═══════════════════════════════════════════════════════════════════════════

// SafetyIncidentRaisedEvent is emitted whenever a SafetyIncident is
// recorded. The incident itself is append-only.
type SafetyIncidentRaisedEvent struct {
	BaseEvent
	IncidentID   string `json:"incident_id"`
	IncidentType string `json:"incident_type"`
	SessionID    string `json:"session_id"`
}

// Payload implements Event interface.
func (e SafetyIncidentRaisedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"incident_id":   e.IncidentID,
		"incident_type": e.IncidentType,
		"session_id":    e.SessionID,
	}
}

// NewSafetyIncidentRaisedEvent creates a new SafetyIncidentRaisedEvent.
func NewSafetyIncidentRaisedEvent(incidentID, incidentType, sessionID string) SafetyIncidentRaisedEvent {
	return SafetyIncidentRaisedEvent{
		BaseEvent:    NewBaseEvent(EventSafetyIncidentRaised, sessionID),
		IncidentID:   incidentID,
		IncidentType: incidentType,
		SessionID:    sessionID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Classroom Events
// ═══════════════════════════════════════════════════════════════════════════

// ClassroomDeltaEvent carries one applied, sequence-validated delta.
// The payload is opaque bytes owned by presentation collaborators.
type ClassroomDeltaEvent struct {
	BaseEvent
	ClassroomID   string          `json:"classroom_id"`
	Sequence      uint64          `json:"sequence"`
	ParticipantID string          `json:"participant_id"`
	Delta         json.RawMessage `json:"delta"`
}

// Payload implements Event interface.
func (e ClassroomDeltaEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"classroom_id":   e.ClassroomID,
		"sequence":       e.Sequence,
		"participant_id": e.ParticipantID,
		"delta":          e.Delta,
	}
}

// NewClassroomDeltaEvent creates a new ClassroomDeltaEvent.
func NewClassroomDeltaEvent(classroomID string, sequence uint64, participantID string, delta json.RawMessage) ClassroomDeltaEvent {
	return ClassroomDeltaEvent{
		BaseEvent:     NewBaseEvent(EventClassroomDelta, classroomID),
		ClassroomID:   classroomID,
		Sequence:      sequence,
		ParticipantID: participantID,
		Delta:         delta,
	}
}

// ParticipantPresenceChangedEvent is emitted when a participant's
// presence state changes, whether observed locally or via a broadcast
// delta from another client.
type ParticipantPresenceChangedEvent struct {
	BaseEvent
	ClassroomID string `json:"classroom_id"`
	ChildID     string `json:"child_id"`
	Presence    string `json:"presence"`
}

// Payload implements Event interface.
func (e ParticipantPresenceChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"classroom_id": e.ClassroomID,
		"child_id":     e.ChildID,
		"presence":     e.Presence,
	}
}

// NewParticipantPresenceChangedEvent creates a new ParticipantPresenceChangedEvent.
func NewParticipantPresenceChangedEvent(classroomID, childID, presence string) ParticipantPresenceChangedEvent {
	return ParticipantPresenceChangedEvent{
		BaseEvent:   NewBaseEvent(EventParticipantPresenceChanged, classroomID),
		ClassroomID: classroomID,
		ChildID:     childID,
		Presence:    presence,
	}
}

// ClassroomDegradedEvent is emitted when the realtime channel is lost
// and the hub falls back to its local cache. Session and classroom are
// independent failure domains; this never tears the session down.
type ClassroomDegradedEvent struct {
	BaseEvent
	ClassroomID string `json:"classroom_id"`
}

// Payload implements Event interface.
func (e ClassroomDegradedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"classroom_id": e.ClassroomID}
}

// NewClassroomDegradedEvent creates a new ClassroomDegradedEvent.
func NewClassroomDegradedEvent(classroomID string) ClassroomDegradedEvent {
	return ClassroomDegradedEvent{
		BaseEvent:   NewBaseEvent(EventClassroomDegraded, classroomID),
		ClassroomID: classroomID,
	}
}

// ClassroomRecoveredEvent is emitted when the realtime channel comes
// back after degradation.
type ClassroomRecoveredEvent struct {
	BaseEvent
	ClassroomID string `json:"classroom_id"`
}

// Payload implements Event interface.
func (e ClassroomRecoveredEvent) Payload() map[string]interface{} {
	return map[string]interface{}{"classroom_id": e.ClassroomID}
}

// NewClassroomRecoveredEvent creates a new ClassroomRecoveredEvent.
func NewClassroomRecoveredEvent(classroomID string) ClassroomRecoveredEvent {
	return ClassroomRecoveredEvent{
		BaseEvent:   NewBaseEvent(EventClassroomRecovered, classroomID),
		ClassroomID: classroomID,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Event Bus Interfaces
// ═══════════════════════════════════════════════════════════════════════════

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish sends an event to subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	// Subscribe registers a handler for an event type.
	Subscribe(eventType EventType, handler EventHandler) error

	// SubscribeAll registers a handler for all events.
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}
