package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/kidscampus/session-core/internal/application/grants"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/internal/infrastructure/backend"
	"github.com/kidscampus/session-core/pkg/logger"
)

// The handlers speak the same DTOs the client core's backend package
// decodes, so the two sides cannot drift apart.

// ══════════════════════════════════════════════════════════════════════════════
// SESSION HANDLERS
// ══════════════════════════════════════════════════════════════════════════════

// handleStartSession handles POST /v1/sessions/start.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, backend.CodeServerError, "missing bearer token")
		return
	}

	var req backend.StartSessionRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "malformed request body")
		return
	}
	if req.ChildID == "" {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "child_id is required")
		return
	}

	grant, err := s.deps.Grants.StartSession(r.Context(), grants.StartCommand{
		ChildID:           req.ChildID,
		ClassroomID:       req.ClassroomID,
		ParentToken:       token,
		RequestedDuration: time.Duration(req.RequestedDurationSeconds) * time.Second,
		IdempotencyKey:    r.Header.Get("Idempotency-Key"),
		DeviceID:          req.DeviceID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, backend.StartSessionResponseDTO{
		SessionID:              grant.SessionID,
		GrantedDurationSeconds: int64(grant.Granted.Seconds()),
		AuthToken:              grant.AuthToken,
		ClassroomToken:         grant.ClassroomToken,
		ServerTime:             grant.ServerTime,
	})
}

// handleHeartbeat handles POST /v1/sessions/heartbeat.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, backend.CodeServerError, "missing bearer token")
		return
	}

	var req backend.HeartbeatRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "malformed request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "session_id is required")
		return
	}

	ack, err := s.deps.Grants.Heartbeat(r.Context(), token, req.SessionID,
		req.Sequence, time.Duration(req.ElapsedSeconds)*time.Second)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, backend.HeartbeatResponseDTO{
		Acknowledged:     true,
		StopRequested:    ack.StopRequested,
		StopReason:       ack.StopReason,
		RemainingSeconds: int64(ack.Remaining.Seconds()),
	})
}

// handleStopSession handles POST /v1/sessions/stop.
func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		writeError(w, r, http.StatusUnauthorized, backend.CodeServerError, "missing bearer token")
		return
	}

	var req backend.StopSessionRequestDTO
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "malformed request body")
		return
	}
	if req.SessionID == "" {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "session_id is required")
		return
	}

	err := s.deps.Grants.StopSession(r.Context(), token, req.SessionID, req.Reason,
		time.Duration(req.ElapsedSeconds)*time.Second)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, map[string]bool{"stopped": true})
}

// handleRequestStop handles POST /v1/sessions/{id}/request_stop, the
// parent monitoring entry point. The stop request is relayed to the
// client on its next heartbeat.
func (s *Server) handleRequestStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if sessionID == "" {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "session id is required")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, "malformed request body")
		return
	}
	if req.Reason == "" {
		req.Reason = "parent_stop"
	}

	if err := s.deps.Grants.RequestStop(r.Context(), sessionID, req.Reason); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeSuccess(w, map[string]bool{"requested": true})
}

// handleHealth handles GET /health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	startedAt := s.startedAt
	s.mu.RUnlock()

	uptime := time.Duration(0)
	if !startedAt.IsZero() {
		uptime = time.Since(startedAt)
	}
	writeSuccess(w, map[string]any{
		"status": "ok",
		"uptime": uptime.Round(time.Second).String(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// writeServiceError maps application errors onto the wire contract.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, shared.ErrUnauthorized):
		writeError(w, r, http.StatusUnauthorized, backend.CodeServerError, "unauthorized")
	case shared.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, backend.CodeUnknownSession, "session not found")
	case errors.Is(err, grants.ErrChildSuspended):
		writeError(w, r, http.StatusForbidden, backend.CodeChildSuspended, "child account is suspended")
	case errors.Is(err, grants.ErrQuotaExhausted):
		writeError(w, r, http.StatusForbidden, backend.CodeSessionLimitReached, "daily session quota exhausted")
	case shared.IsValidation(err):
		writeError(w, r, http.StatusBadRequest, backend.CodeServerError, err.Error())
	case shared.IsRejected(err):
		writeError(w, r, http.StatusForbidden, backend.CodeSessionLimitReached, err.Error())
	default:
		s.logger.Error("request failed", logger.F("path", r.URL.Path), logger.Err(err))
		writeError(w, r, http.StatusInternalServerError, backend.CodeServerError, "internal error")
	}
}

func writeSuccess[T any](w http.ResponseWriter, data T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(backend.APIResponse[T]{
		Success: true,
		Data:    data,
	})
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(backend.APIErrorDTO{
		Code:      code,
		Message:   message,
		RequestID: requestIDFrom(r),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// bearerToken extracts the parent token from the Authorization header.
func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	token := strings.TrimSpace(auth[len(prefix):])
	return token, token != ""
}
