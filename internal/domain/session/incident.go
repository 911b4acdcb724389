package session

import (
	"time"

	"github.com/google/uuid"
)

// IncidentType classifies a safety incident.
type IncidentType string

const (
	// IncidentEmergencyStop - the out-of-band emergency stop fired.
	IncidentEmergencyStop IncidentType = "emergency_stop"
	// IncidentTimeLimitReached - the session hit its hard duration limit.
	IncidentTimeLimitReached IncidentType = "time_limit_reached"
	// IncidentConnectionLost - liveness was judged lost.
	IncidentConnectionLost IncidentType = "connection_lost"
	// IncidentAnomalyDetected - a suspicious clock gap or other anomaly
	// forced a fail-closed teardown.
	IncidentAnomalyDetected IncidentType = "anomaly_detected"
)

// IsValid checks the incident type.
func (t IncidentType) IsValid() bool {
	switch t {
	case IncidentEmergencyStop, IncidentTimeLimitReached,
		IncidentConnectionLost, IncidentAnomalyDetected:
		return true
	default:
		return false
	}
}

// SafetyIncident is an append-only log entry. It is never mutated after
// creation, only marked resolved.
type SafetyIncident struct {
	ID         string       `json:"id"`
	Type       IncidentType `json:"type"`
	SessionID  SessionID    `json:"session_id"`
	ChildID    ChildID      `json:"child_id"`
	Detail     string       `json:"detail,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
	Resolved   bool         `json:"resolved"`
}

// NewSafetyIncident creates an incident with a fresh ID.
func NewSafetyIncident(t IncidentType, sessionID SessionID, childID ChildID, detail string) SafetyIncident {
	return SafetyIncident{
		ID:         uuid.New().String(),
		Type:       t,
		SessionID:  sessionID,
		ChildID:    childID,
		Detail:     detail,
		OccurredAt: time.Now().UTC(),
	}
}

// IncidentStore is the persistence port for the append-only incident
// journal. Implemented in infrastructure.
type IncidentStore interface {
	// Record appends an incident. Existing rows are never rewritten.
	Record(incident SafetyIncident) error

	// MarkResolved sets the resolved flag on an incident.
	MarkResolved(id string) error

	// ListOpen returns unresolved incidents, oldest first.
	ListOpen() ([]SafetyIncident, error)
}
