// Package monoclock provides a monotonic clock abstraction for session
// timing. Elapsed session time must come from a monotonic source so that
// wall-clock manipulation on the device cannot extend a child's session.
// No external dependencies - uses only standard library.
package monoclock

import (
	"sync"
	"time"
)

// Clock is a source of monotonic readings and tick channels.
type Clock interface {
	// Now returns the current time. The returned value carries Go's
	// monotonic reading, so Sub between two values from the same Clock
	// is immune to wall-clock changes.
	Now() time.Time

	// Since returns the monotonic duration elapsed since t.
	Since(t time.Time) time.Duration

	// NewTicker returns a ticker firing every d.
	NewTicker(d time.Duration) Ticker
}

// Ticker abstracts time.Ticker so tests can drive ticks manually.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// ═══════════════════════════════════════════════════════════════════════════
// System clock
// ═══════════════════════════════════════════════════════════════════════════

// System returns the real clock backed by the runtime's monotonic source.
func System() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) Now() time.Time                   { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration  { return time.Since(t) }
func (systemClock) NewTicker(d time.Duration) Ticker { return systemTicker{time.NewTicker(d)} }

type systemTicker struct {
	t *time.Ticker
}

func (s systemTicker) C() <-chan time.Time { return s.t.C }
func (s systemTicker) Stop()               { s.t.Stop() }

// ═══════════════════════════════════════════════════════════════════════════
// Manual clock (tests)
// ═══════════════════════════════════════════════════════════════════════════

// Manual is a Clock whose time only moves when Advance is called.
// Tickers created from a Manual clock fire from Advance, synchronously
// in the advancing goroutine's order.
type Manual struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

// NewManual creates a manual clock starting at the given time.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns the manual clock's current time.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Since returns the duration elapsed since t on the manual clock.
func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// NewTicker returns a ticker driven by Advance.
func (m *Manual) NewTicker(d time.Duration) Ticker {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := &manualTicker{
		ch:       make(chan time.Time, 64),
		interval: d,
		next:     m.now.Add(d),
	}
	m.tickers = append(m.tickers, t)
	return t
}

// Advance moves the clock forward by d, firing due tickers in order.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := make([]*manualTicker, len(m.tickers))
	copy(tickers, m.tickers)
	m.mu.Unlock()

	for _, t := range tickers {
		t.fireUpTo(now)
	}
}

// Jump moves the clock forward by d without firing intermediate ticks,
// simulating a process/device suspension. Each ticker fires exactly once
// with the post-jump time.
func (m *Manual) Jump(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	tickers := make([]*manualTicker, len(m.tickers))
	copy(tickers, m.tickers)
	m.mu.Unlock()

	for _, t := range tickers {
		t.fireOnce(now)
	}
}

type manualTicker struct {
	mu       sync.Mutex
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

func (t *manualTicker) C() <-chan time.Time { return t.ch }

func (t *manualTicker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *manualTicker) fireUpTo(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	for !t.next.After(now) {
		select {
		case t.ch <- t.next:
		default:
			// Drop ticks nobody is reading, like time.Ticker does.
		}
		t.next = t.next.Add(t.interval)
	}
}

func (t *manualTicker) fireOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	select {
	case t.ch <- now:
	default:
	}
	for !t.next.After(now) {
		t.next = t.next.Add(t.interval)
	}
}
