package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kidscampus/session-core/internal/domain/shared"
)

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultClientConfig(srv.URL)
	cfg.AuthToken = "parent-token"
	cfg.StartRetryBase = 5 * time.Millisecond
	cfg.StartRetryMax = 20 * time.Millisecond
	return NewClient(cfg), srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestStartSession_Success(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sessions/start", r.URL.Path)
		assert.Equal(t, "Bearer parent-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))

		var req StartSessionRequestDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "child-1", req.ChildID)
		assert.Equal(t, int64(1800), req.RequestedDurationSeconds)

		writeJSON(w, http.StatusOK, APIResponse[StartSessionResponseDTO]{
			Success: true,
			Data: StartSessionResponseDTO{
				SessionID:              "sess-42",
				GrantedDurationSeconds: 1800,
				ServerTime:             time.Now().UTC(),
			},
		})
	}))

	grant, err := client.StartSession(context.Background(), StartRequest{
		ChildID:           "child-1",
		RequestedDuration: 30 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-42", grant.SessionID)
	assert.Equal(t, 30*time.Minute, grant.GrantedDuration)
}

func TestStartSession_RetriesTransientWithSameIdempotencyKey(t *testing.T) {
	var calls atomic.Int32
	var firstKey, lastKey atomic.Value

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		key := r.Header.Get("Idempotency-Key")
		if n == 1 {
			firstKey.Store(key)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		lastKey.Store(key)
		writeJSON(w, http.StatusOK, APIResponse[StartSessionResponseDTO]{
			Success: true,
			Data:    StartSessionResponseDTO{SessionID: "sess-1", GrantedDurationSeconds: 600},
		})
	}))

	grant, err := client.StartSession(context.Background(), StartRequest{
		ChildID:           "child-1",
		RequestedDuration: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, "sess-1", grant.SessionID)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, firstKey.Load(), lastKey.Load())
}

func TestStartSession_RejectionNotRetried(t *testing.T) {
	var calls atomic.Int32

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusForbidden, APIErrorDTO{
			Code:    CodeChildSuspended,
			Message: "child account suspended",
		})
	}))

	_, err := client.StartSession(context.Background(), StartRequest{
		ChildID:           "child-1",
		RequestedDuration: 10 * time.Minute,
	})
	require.Error(t, err)
	assert.True(t, shared.IsRejected(err))
	assert.False(t, shared.IsTransient(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStartSession_ExhaustedBudgetIsFatal(t *testing.T) {
	var calls atomic.Int32

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := client.StartSession(context.Background(), StartRequest{
		ChildID:           "child-1",
		RequestedDuration: 10 * time.Minute,
	})
	require.Error(t, err)
	assert.True(t, shared.IsFatal(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_UnauthorizedInvalidatesToken(t *testing.T) {
	var calls atomic.Int32

	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := client.Heartbeat(context.Background(), "sess-1", 1, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrTokenInvalidated)
	assert.True(t, client.TokenInvalidated())
	assert.Equal(t, int32(1), calls.Load())

	// Subsequent calls fail fast without touching the network.
	_, err = client.Heartbeat(context.Background(), "sess-1", 2, time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrTokenInvalidated)
	assert.Equal(t, int32(1), calls.Load())

	// A fresh token clears the flag.
	client.SetToken("new-token")
	assert.False(t, client.TokenInvalidated())
}

func TestHeartbeat_StopRequested(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req HeartbeatRequestDTO
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "sess-1", req.SessionID)
		assert.Equal(t, uint64(7), req.Sequence)

		writeJSON(w, http.StatusOK, APIResponse[HeartbeatResponseDTO]{
			Success: true,
			Data: HeartbeatResponseDTO{
				Acknowledged:  true,
				StopRequested: true,
				StopReason:    "parent_stop",
			},
		})
	}))

	result, err := client.Heartbeat(context.Background(), "sess-1", 7, 5*time.Minute)
	require.NoError(t, err)
	assert.True(t, result.StopRequested)
	assert.Equal(t, "parent_stop", result.StopReason)
	assert.Greater(t, result.RoundTrip, time.Duration(0))
}

func TestStopSession_DeliveryFailureReturned(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	err := client.StopSession(context.Background(), "sess-1", "user_exit", 3*time.Minute)
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))
}

func TestClient_CircuitBreakerOpensOnRepeatedFailure(t *testing.T) {
	client, _ := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	// The backend breaker opens after 3 consecutive failures.
	for i := 0; i < 3; i++ {
		_, err := client.Heartbeat(context.Background(), "sess-1", uint64(i), time.Minute)
		require.Error(t, err)
	}

	assert.True(t, client.BreakerState().String() == "open")

	// Open breaker short-circuits, classified transient.
	_, err := client.Heartbeat(context.Background(), "sess-1", 9, time.Minute)
	require.Error(t, err)
	assert.True(t, shared.IsTransient(err))
}
