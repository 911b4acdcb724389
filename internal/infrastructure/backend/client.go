package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/circuitbreaker"
	"github.com/kidscampus/session-core/pkg/retry"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// ClientConfig contains configuration for the authority client.
type ClientConfig struct {
	// BaseURL is the authority API base URL
	BaseURL string

	// AuthToken is the bearer token attached to every call
	AuthToken string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// StartMaxRetries bounds retries of the session start call
	StartMaxRetries int

	// StartRetryBase and StartRetryMax bound the start backoff
	StartRetryBase time.Duration
	StartRetryMax  time.Duration

	// Logger for structured logging
	Logger *slog.Logger

	// Debug enables debug logging
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string) ClientConfig {
	return ClientConfig{
		BaseURL:         baseURL,
		Timeout:         10 * time.Second,
		StartMaxRetries: 3,
		StartRetryBase:  500 * time.Millisecond,
		StartRetryMax:   5 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the backend authority API client. It owns the network
// boundary: every error it returns is classified as transient, rejected
// or fatal before it reaches the coordinator.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	circuitBreaker   *circuitbreaker.CircuitBreaker
	startRetrier     *retry.Retrier
	heartbeatRetrier *retry.Retrier

	// Token management
	tokenMu     sync.RWMutex
	token       string
	invalidated bool
}

// NewClient creates a new authority client.
func NewClient(config ClientConfig) *Client {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.StartMaxRetries <= 0 {
		config.StartMaxRetries = 3
	}
	if config.StartRetryBase <= 0 {
		config.StartRetryBase = 500 * time.Millisecond
	}
	if config.StartRetryMax <= 0 {
		config.StartRetryMax = 5 * time.Second
	}

	logger := config.Logger

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
		token:  config.AuthToken,
	}

	c.circuitBreaker = circuitbreaker.BackendBreaker(func(name string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
	})

	c.startRetrier = retry.New(
		retry.WithMaxAttempts(config.StartMaxRetries),
		retry.WithInitialDelay(config.StartRetryBase),
		retry.WithMaxDelay(config.StartRetryMax),
		retry.WithMultiplier(2.0),
		retry.WithJitter(0.2),
		retry.WithRetryIf(shared.IsTransient),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			logger.Warn("retrying session start",
				"attempt", attempt, "delay", delay, "error", err)
		}),
	)

	c.heartbeatRetrier = retry.New(
		retry.WithMaxAttempts(2),
		retry.WithInitialDelay(250*time.Millisecond),
		retry.WithMaxDelay(2*time.Second),
		retry.WithRetryIf(shared.IsTransient),
	)

	return c
}

// SetToken replaces the bearer token and clears the invalidated flag.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
	c.invalidated = false
}

// TokenInvalidated reports whether the authority rejected our token.
func (c *Client) TokenInvalidated() bool {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.invalidated
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// StartRequest describes a session start.
type StartRequest struct {
	ChildID           string
	ClassroomID       string
	RequestedDuration time.Duration
	DeviceID          string
}

// StartGrant is the authority's grant for a started session.
type StartGrant struct {
	SessionID       string
	GrantedDuration time.Duration
	AuthToken       string
	ClassroomToken  string
	ServerTime      time.Time
}

// StartSession asks the authority to grant a session. The call is
// idempotent: one key covers the whole retry chain, so a retried start
// that already succeeded server-side returns the same grant instead of
// opening a second session.
//
// Transient failures are retried with backoff. A rejection is returned
// immediately. When the retry budget runs out the error is fatal.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (*StartGrant, error) {
	idempotencyKey := uuid.New().String()

	body := StartSessionRequestDTO{
		ChildID:                  req.ChildID,
		ClassroomID:              req.ClassroomID,
		RequestedDurationSeconds: int64(req.RequestedDuration / time.Second),
		DeviceID:                 req.DeviceID,
	}

	var grant *StartGrant
	err := c.startRetrier.Do(ctx, func(ctx context.Context) error {
		var response APIResponse[StartSessionResponseDTO]
		err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/start", idempotencyKey, body, &response)
		if err != nil {
			return err
		}
		if !response.Success {
			return shared.NewDomainError("backend", "StartSession", shared.ErrRejected, response.Error)
		}

		grant = &StartGrant{
			SessionID:       response.Data.SessionID,
			GrantedDuration: time.Duration(response.Data.GrantedDurationSeconds) * time.Second,
			AuthToken:       response.Data.AuthToken,
			ClassroomToken:  response.Data.ClassroomToken,
			ServerTime:      response.Data.ServerTime,
		}
		return nil
	})
	if err != nil {
		if shared.IsTransient(err) {
			return nil, shared.WrapError("backend", "StartSession", shared.ErrFatal,
				"retry budget exhausted", err)
		}
		return nil, err
	}

	c.logger.Info("session granted",
		"session_id", grant.SessionID,
		"granted_duration", grant.GrantedDuration,
	)
	return grant, nil
}

// HeartbeatResult is one heartbeat acknowledgement.
type HeartbeatResult struct {
	RoundTrip     time.Duration
	StopRequested bool
	StopReason    string
	Remaining     time.Duration
}

// Heartbeat reports liveness for a session. One short retry is allowed;
// a failure is returned to the caller, which counts it against the
// liveness budget rather than treating it as terminal.
func (c *Client) Heartbeat(ctx context.Context, sessionID string, sequence uint64, elapsed time.Duration) (HeartbeatResult, error) {
	body := HeartbeatRequestDTO{
		SessionID:      sessionID,
		Sequence:       sequence,
		ElapsedSeconds: int64(elapsed / time.Second),
	}

	var result HeartbeatResult
	start := time.Now()
	err := c.heartbeatRetrier.Do(ctx, func(ctx context.Context) error {
		var response APIResponse[HeartbeatResponseDTO]
		err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/heartbeat", "", body, &response)
		if err != nil {
			return err
		}
		if !response.Success {
			return shared.NewDomainError("backend", "Heartbeat", shared.ErrRejected, response.Error)
		}

		result = HeartbeatResult{
			StopRequested: response.Data.StopRequested,
			StopReason:    response.Data.StopReason,
			Remaining:     time.Duration(response.Data.RemainingSeconds) * time.Second,
		}
		return nil
	})
	result.RoundTrip = time.Since(start)
	return result, err
}

// StopSession reports session termination. Best effort: the session is
// already over locally, so a delivery failure is logged and dropped.
// The authority reaps undelivered stops through heartbeat absence.
func (c *Client) StopSession(ctx context.Context, sessionID, reason string, elapsed time.Duration) error {
	body := StopSessionRequestDTO{
		SessionID:      sessionID,
		Reason:         reason,
		ElapsedSeconds: int64(elapsed / time.Second),
	}

	var response APIResponse[struct{}]
	err := c.doRequest(ctx, http.MethodPost, "/v1/sessions/stop", "", body, &response)
	if err != nil {
		c.logger.Warn("stop report not delivered",
			"session_id", sessionID, "reason", reason, "error", err)
		return err
	}
	return nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// doRequest performs a single HTTP request through the circuit breaker
// and classifies any failure.
func (c *Client) doRequest(ctx context.Context, method, path, idempotencyKey string, body interface{}, result interface{}) error {
	c.tokenMu.RLock()
	token := c.token
	invalidated := c.invalidated
	c.tokenMu.RUnlock()

	if invalidated {
		return shared.ErrTokenInvalidated
	}

	if err := c.circuitBreaker.Allow(); err != nil {
		return shared.WrapError("backend", "Call", shared.ErrTransient,
			"circuit breaker open", err)
	}

	err := c.doSingleRequest(ctx, method, path, idempotencyKey, token, body, result)
	if err != nil {
		// Rejections are the authority speaking, not the network failing.
		if shared.IsRejected(err) {
			c.circuitBreaker.RecordSuccess()
		} else {
			c.circuitBreaker.RecordFailure()
		}
		return err
	}

	c.circuitBreaker.RecordSuccess()
	return nil
}

// doSingleRequest performs one HTTP round trip.
func (c *Client) doSingleRequest(ctx context.Context, method, path, idempotencyKey, token string, body interface{}, result interface{}) error {
	fullURL := c.config.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	if c.config.Debug {
		c.logger.Debug("authority request", "method", method, "path", path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return shared.WrapError("backend", "Call", shared.ErrTransient,
				"request timeout", shared.ErrBackendTimeout)
		}
		return shared.WrapError("backend", "Call", shared.ErrTransient,
			"authority unreachable", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return shared.WrapError("backend", "Call", shared.ErrTransient,
			"read response", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.tokenMu.Lock()
		c.invalidated = true
		c.tokenMu.Unlock()
		return shared.ErrTokenInvalidated
	}

	if resp.StatusCode >= 400 {
		var apiErr APIErrorDTO
		if jsonErr := json.Unmarshal(respBody, &apiErr); jsonErr == nil && apiErr.Message != "" {
			return classifyAPIError(resp.StatusCode, &apiErr)
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return shared.NewDomainError("backend", "Call", shared.ErrTransient,
				fmt.Sprintf("authority error: status %d", resp.StatusCode))
		}
		return shared.NewDomainError("backend", "Call", shared.ErrRejected,
			fmt.Sprintf("authority rejected request: status %d", resp.StatusCode))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return shared.WrapError("backend", "Call", shared.ErrTransient,
				"unmarshal response", err)
		}
	}

	return nil
}

// classifyAPIError maps a structured authority error to the taxonomy.
func classifyAPIError(status int, apiErr *APIErrorDTO) error {
	if status >= 500 || status == http.StatusTooManyRequests || apiErr.Code == CodeServerError {
		return shared.WrapError("backend", "Call", shared.ErrTransient, apiErr.Message, apiErr)
	}
	return shared.WrapError("backend", "Call", shared.ErrRejected, apiErr.Message, apiErr)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// IsHealthy checks if the authority is reachable.
func (c *Client) IsHealthy(ctx context.Context) bool {
	var response APIResponse[map[string]interface{}]
	err := c.doSingleRequest(ctx, http.MethodGet, "/health", "", "", nil, &response)
	return err == nil && response.Success
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.circuitBreaker.State()
}

// Reset resets the circuit breaker.
func (c *Client) Reset() {
	c.circuitBreaker.Reset()
}
