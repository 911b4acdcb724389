package session

import (
	"sync"
	"time"
)

// HeartbeatOutcome classifies a single heartbeat exchange.
type HeartbeatOutcome string

const (
	// OutcomeAck - backend acknowledged the heartbeat.
	OutcomeAck HeartbeatOutcome = "ack"
	// OutcomeTimeout - the call timed out.
	OutcomeTimeout HeartbeatOutcome = "timeout"
	// OutcomeError - the call failed with a non-timeout error.
	OutcomeError HeartbeatOutcome = "error"
)

// HeartbeatRecord is one liveness sample. Ephemeral, never persisted.
type HeartbeatRecord struct {
	Timestamp        time.Time
	RoundTripLatency time.Duration
	Outcome          HeartbeatOutcome
}

// Ok reports whether the heartbeat was acknowledged.
func (r HeartbeatRecord) Ok() bool {
	return r.Outcome == OutcomeAck
}

// LivenessWindow keeps the last N heartbeat records in a ring buffer
// and judges whether the connection is lost. The window is small by
// design: liveness is about the recent past, not history.
type LivenessWindow struct {
	mu      sync.Mutex
	records []HeartbeatRecord
	next    int
	filled  bool

	// lostAfter is how many consecutive non-ack outcomes judge the
	// connection lost.
	lostAfter int
	missed    int
}

// DefaultWindowSize is the number of records retained.
const DefaultWindowSize = 5

// NewLivenessWindow creates a window judging the connection lost after
// lostAfter consecutive missed heartbeats.
func NewLivenessWindow(size, lostAfter int) *LivenessWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	if lostAfter <= 0 {
		lostAfter = 3
	}
	return &LivenessWindow{
		records:   make([]HeartbeatRecord, size),
		lostAfter: lostAfter,
	}
}

// Record adds a heartbeat sample and returns the updated consecutive
// miss count.
func (w *LivenessWindow) Record(r HeartbeatRecord) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.records[w.next] = r
	w.next = (w.next + 1) % len(w.records)
	if w.next == 0 {
		w.filled = true
	}

	if r.Ok() {
		w.missed = 0
	} else {
		w.missed++
	}
	return w.missed
}

// ConsecutiveMisses returns the current run of non-ack heartbeats.
func (w *LivenessWindow) ConsecutiveMisses() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.missed
}

// Lost reports whether liveness is judged lost.
func (w *LivenessWindow) Lost() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.missed >= w.lostAfter
}

// Budget returns the lost-after threshold.
func (w *LivenessWindow) Budget() int {
	return w.lostAfter
}

// Recent returns the retained records, oldest first.
func (w *LivenessWindow) Recent() []HeartbeatRecord {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.filled {
		out := make([]HeartbeatRecord, w.next)
		copy(out, w.records[:w.next])
		return out
	}
	out := make([]HeartbeatRecord, 0, len(w.records))
	out = append(out, w.records[w.next:]...)
	out = append(out, w.records[:w.next]...)
	return out
}
