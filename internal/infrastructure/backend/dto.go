// Package backend implements the client for the backend authority API.
// This package handles all communication with the authority: granting
// sessions, heartbeats, and session termination reporting.
package backend

import (
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// API RESPONSE WRAPPERS
// ══════════════════════════════════════════════════════════════════════════════

// APIResponse represents a generic API response wrapper.
type APIResponse[T any] struct {
	Success bool   `json:"success"`
	Data    T      `json:"data"`
	Error   string `json:"error,omitempty"`
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION DTOs
// ══════════════════════════════════════════════════════════════════════════════

// StartSessionRequestDTO is the payload for a session start call.
type StartSessionRequestDTO struct {
	// ChildID identifies the child this session is for.
	ChildID string `json:"child_id"`

	// ClassroomID is the classroom to join, empty for a solo session.
	ClassroomID string `json:"classroom_id,omitempty"`

	// RequestedDurationSeconds is the duration the local policy asks for.
	// The authority may grant less, never more.
	RequestedDurationSeconds int64 `json:"requested_duration_seconds"`

	// DeviceID is a stable headset identifier.
	DeviceID string `json:"device_id,omitempty"`
}

// StartSessionResponseDTO is the authority's grant for a session start.
type StartSessionResponseDTO struct {
	// SessionID is the authoritative session identifier.
	SessionID string `json:"session_id"`

	// GrantedDurationSeconds is the duration the authority allows.
	GrantedDurationSeconds int64 `json:"granted_duration_seconds"`

	// AuthToken is the session-scoped bearer token. Every later call for
	// this session authenticates with it instead of the parent
	// credential used for the start.
	AuthToken string `json:"auth_token,omitempty"`

	// ClassroomToken authorizes the realtime classroom channel, present
	// only when a classroom was requested.
	ClassroomToken string `json:"classroom_token,omitempty"`

	// ServerTime is the authority's clock at grant time.
	ServerTime time.Time `json:"server_time"`
}

// HeartbeatRequestDTO is the payload for a heartbeat call.
type HeartbeatRequestDTO struct {
	SessionID string `json:"session_id"`

	// Sequence is a per-session counter so the authority can detect
	// missed beats on its side too.
	Sequence uint64 `json:"sequence"`

	// ElapsedSeconds is local monotonic elapsed time, reported so the
	// authority can cross-check against its own clock.
	ElapsedSeconds int64 `json:"elapsed_seconds"`
}

// HeartbeatResponseDTO is the authority's acknowledgement of a heartbeat.
type HeartbeatResponseDTO struct {
	Acknowledged bool `json:"acknowledged"`

	// StopRequested is set when the authority wants the session torn
	// down, for example a remote parental stop.
	StopRequested bool   `json:"stop_requested,omitempty"`
	StopReason    string `json:"stop_reason,omitempty"`

	// RemainingSeconds is the authority's view of remaining time.
	RemainingSeconds int64 `json:"remaining_seconds,omitempty"`
}

// StopSessionRequestDTO is the payload reporting session termination.
type StopSessionRequestDTO struct {
	SessionID      string `json:"session_id"`
	Reason         string `json:"reason"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

// ══════════════════════════════════════════════════════════════════════════════
// ERROR DTOs
// ══════════════════════════════════════════════════════════════════════════════

// APIErrorDTO represents an error response from the authority.
type APIErrorDTO struct {
	// Code is the error code.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// RequestID is the ID of the failed request (for debugging).
	RequestID string `json:"request_id,omitempty"`
}

// Error implements the error interface.
func (e *APIErrorDTO) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Well-known authority error codes.
const (
	CodeSessionLimitReached = "SESSION_LIMIT_REACHED"
	CodeChildSuspended      = "CHILD_SUSPENDED"
	CodeClassroomFull       = "CLASSROOM_FULL"
	CodeClassroomClosed     = "CLASSROOM_CLOSED"
	CodeUnknownSession      = "UNKNOWN_SESSION"
	CodeServerError         = "SERVER_ERROR"
)
