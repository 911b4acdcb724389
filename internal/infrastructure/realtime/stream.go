// Package realtime implements the websocket client for the classroom
// channel. It delivers sequence-numbered deltas to the sync hub and
// carries outbound deltas from the local participant.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kidscampus/session-core/internal/domain/classroom"
	"github.com/kidscampus/session-core/internal/domain/shared"
	"github.com/kidscampus/session-core/pkg/retry"
)

// Errors.
var (
	ErrStreamClosed = errors.New("realtime stream closed")
	ErrSendBlocked  = errors.New("send buffer full")
)

// Phase describes the stream's connection state.
type Phase int

const (
	// PhaseConnected - the channel is live.
	PhaseConnected Phase = iota
	// PhaseDegraded - the channel dropped, reconnect in progress.
	PhaseDegraded
	// PhaseLost - the reconnect budget ran out.
	PhaseLost
)

// String returns the string representation of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseConnected:
		return "connected"
	case PhaseDegraded:
		return "degraded"
	case PhaseLost:
		return "lost"
	default:
		return "unknown"
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// StreamConfig contains configuration for a classroom stream.
type StreamConfig struct {
	// URL is the realtime endpoint base, ws:// or wss://.
	URL string

	// ClassroomID is the classroom to attach to.
	ClassroomID string

	// Token is the classroom token from the session grant.
	Token string

	// DialTimeout bounds a single dial attempt.
	DialTimeout time.Duration

	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration

	// SendBuffer is the outbound delta queue size.
	SendBuffer int

	// Reconnect backoff.
	ReconnectMaxRetries int
	ReconnectBase       time.Duration
	ReconnectMax        time.Duration

	// Logger for structured logging.
	Logger *slog.Logger

	// Dialer overrides the websocket dialer, used in tests.
	Dialer *websocket.Dialer
}

// DefaultStreamConfig returns sensible defaults.
func DefaultStreamConfig(baseURL, classroomID, token string) StreamConfig {
	return StreamConfig{
		URL:                 baseURL,
		ClassroomID:         classroomID,
		Token:               token,
		DialTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		SendBuffer:          64,
		ReconnectMaxRetries: 5,
		ReconnectBase:       1 * time.Second,
		ReconnectMax:        30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// STREAM
// ══════════════════════════════════════════════════════════════════════════════

// Stream is one classroom channel connection with automatic reconnect.
// Writes are serialized through a single writer goroutine per
// connection; received deltas come out of Deltas() in wire order. After
// a drop the stream redials and resumes from the last applied sequence,
// so the authority replays anything missed.
type Stream struct {
	config StreamConfig
	logger *slog.Logger
	dialer *websocket.Dialer

	deltas  chan classroom.Delta
	sendCh  chan classroom.Delta
	phases  chan Phase
	lastSeq atomic.Uint64

	closeOnce sync.Once
	closed    chan struct{}
}

// NewStream creates a classroom stream. Run must be called to connect.
func NewStream(config StreamConfig) *Stream {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = 64
	}

	dialer := config.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: config.DialTimeout}
	}

	return &Stream{
		config: config,
		logger: config.Logger,
		dialer: dialer,
		deltas: make(chan classroom.Delta, config.SendBuffer),
		sendCh: make(chan classroom.Delta, config.SendBuffer),
		phases: make(chan Phase, 8),
		closed: make(chan struct{}),
	}
}

// Deltas returns the inbound delta channel. It is closed when the
// stream terminates.
func (s *Stream) Deltas() <-chan classroom.Delta {
	return s.deltas
}

// Phases returns connection phase transitions. Consumers that fall
// behind miss intermediate transitions, never the channel itself.
func (s *Stream) Phases() <-chan Phase {
	return s.phases
}

// LastSequence returns the highest sequence number received.
func (s *Stream) LastSequence() uint64 {
	return s.lastSeq.Load()
}

// ResumeFrom primes the resume point before the first dial, used when
// local state was rebuilt from a cache.
func (s *Stream) ResumeFrom(seq uint64) {
	s.lastSeq.Store(seq)
}

// Send enqueues an outbound delta. It never blocks: a full buffer is an
// error so the caller can degrade instead of stalling a frame.
func (s *Stream) Send(d classroom.Delta) error {
	select {
	case <-s.closed:
		return ErrStreamClosed
	default:
	}

	select {
	case s.sendCh <- d:
		return nil
	default:
		return ErrSendBlocked
	}
}

// Close tears the stream down.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

// Run connects and pumps the channel until ctx is cancelled, Close is
// called, or the reconnect budget runs out. The first dial failing goes
// through the same backoff as a mid-session drop.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.deltas)

	first := true
	for {
		conn, err := s.dialWithBackoff(ctx)
		if err != nil {
			s.emitPhase(PhaseLost)
			return shared.WrapError("classroom", "Connect", shared.ErrFatal,
				"reconnect budget exhausted", err)
		}

		if !first {
			s.logger.Info("classroom channel reattached",
				"classroom_id", s.config.ClassroomID,
				"resume_seq", s.lastSeq.Load(),
			)
		}
		first = false
		s.emitPhase(PhaseConnected)

		err = s.pump(ctx, conn)

		switch {
		case err == nil || errors.Is(err, ErrStreamClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		s.logger.Warn("classroom channel dropped",
			"classroom_id", s.config.ClassroomID, "error", err)
		s.emitPhase(PhaseDegraded)
	}
}

// dialWithBackoff dials the channel, retrying with exponential backoff.
func (s *Stream) dialWithBackoff(ctx context.Context) (*websocket.Conn, error) {
	retrier := retry.New(
		retry.WithMaxAttempts(s.config.ReconnectMaxRetries),
		retry.WithInitialDelay(s.config.ReconnectBase),
		retry.WithMaxDelay(s.config.ReconnectMax),
		retry.WithMultiplier(2.0),
		retry.WithJitter(0.25),
		retry.WithRetryIf(func(error) bool { return true }),
		retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
			s.logger.Warn("classroom dial failed",
				"classroom_id", s.config.ClassroomID,
				"attempt", attempt, "delay", delay, "error", err)
		}),
	)

	var conn *websocket.Conn
	err := retrier.Do(ctx, func(ctx context.Context) error {
		select {
		case <-s.closed:
			return retry.Permanent(ErrStreamClosed)
		default:
		}

		u, err := s.dialURL()
		if err != nil {
			return retry.Permanent(err)
		}

		header := http.Header{}
		if s.config.Token != "" {
			header.Set("Authorization", "Bearer "+s.config.Token)
		}

		c, _, err := s.dialer.DialContext(ctx, u, header)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// dialURL builds the per-classroom endpoint with the resume point.
func (s *Stream) dialURL() (string, error) {
	u, err := url.Parse(s.config.URL)
	if err != nil {
		return "", fmt.Errorf("parse realtime url: %w", err)
	}
	u = u.JoinPath(s.config.ClassroomID)

	q := u.Query()
	q.Set("from_seq", fmt.Sprintf("%d", s.lastSeq.Load()))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pump runs the read loop and the single writer goroutine for one
// connection. Both goroutines are joined before pump returns, so no
// stale goroutine from a dead connection ever touches the channels.
func (s *Stream) pump(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	writerDone := make(chan struct{})
	readerDone := make(chan struct{})
	writeErr := make(chan error, 1)
	readErr := make(chan error, 1)

	go func() {
		defer close(writerDone)
		for {
			select {
			case d := <-s.sendCh:
				conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
				if err := conn.WriteJSON(d); err != nil {
					writeErr <- err
					return
				}
			case <-done:
				return
			}
		}
	}()

	go func() {
		defer close(readerDone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}

			var d classroom.Delta
			if err := json.Unmarshal(data, &d); err != nil {
				s.logger.Warn("malformed delta dropped",
					"classroom_id", s.config.ClassroomID, "error", err)
				continue
			}

			if d.Sequence > s.lastSeq.Load() {
				s.lastSeq.Store(d.Sequence)
			}

			select {
			case s.deltas <- d:
			case <-done:
				return
			}
		}
	}()

	var err error
	select {
	case err = <-readErr:
	case err = <-writeErr:
	case <-ctx.Done():
		err = ctx.Err()
	case <-s.closed:
		err = ErrStreamClosed
	}

	close(done)
	conn.Close()
	<-readerDone
	<-writerDone
	return err
}

// emitPhase publishes a phase transition without blocking.
func (s *Stream) emitPhase(p Phase) {
	select {
	case s.phases <- p:
	default:
	}
}
