// Package backoff tracks consecutive connection failures for one device
// and computes when the next attempt is allowed, with exponentially
// growing delays up to a cap.
package backoff

import (
	"sync"
	"time"
)

// Clock supplies the current time. Go's time.Now carries a monotonic
// reading, so comparisons through it are wall-clock-jump safe; tests
// inject a fake.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production clock
var SystemClock Clock = systemClock{}

// expCap bounds the backoff exponent so the shift cannot overflow
const expCap = 8

// State is a point-in-time snapshot of the tracker
type State struct {
	ConsecutiveFailures int
	LastFailure         time.Time // zero when no failure recorded
	NextAllowedAttempt  time.Time // zero when attempts are unrestricted
}

// Tracker is the per-device failure counter. Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	clock       Clock
	base        time.Duration
	max         time.Duration
	maxFailures int

	failures    int
	lastFailure time.Time
	nextAttempt time.Time
}

// New creates a tracker. base is the first retry delay, max caps the
// computed delay, maxFailures is the give-up threshold.
func New(base, max time.Duration, maxFailures int, clock Clock) *Tracker {
	if clock == nil {
		clock = SystemClock
	}
	return &Tracker{
		clock:       clock,
		base:        base,
		max:         max,
		maxFailures: maxFailures,
	}
}

// RecordFailure increments the failure count and pushes out the next
// allowed attempt by base * 2^(failures-1), capped at max
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures++
	now := t.clock.Now()
	t.lastFailure = now

	shift := t.failures - 1
	if shift > expCap {
		shift = expCap
	}
	delay := t.base << uint(shift)
	if delay > t.max {
		delay = t.max
	}
	t.nextAttempt = now.Add(delay)
}

// RecordSuccess resets the failure count and lifts any attempt restriction
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.failures = 0
	t.lastFailure = time.Time{}
	t.nextAttempt = time.Time{}
}

// AttemptAllowed reports whether a new attempt may be made now
func (t *Tracker) AttemptAllowed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.nextAttempt.IsZero() {
		return true
	}
	return !t.clock.Now().Before(t.nextAttempt)
}

// ShouldGiveUp reports whether the device should be surfaced as
// degraded instead of retried silently
func (t *Tracker) ShouldGiveUp() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures >= t.maxFailures
}

// Snapshot returns the current failure state
func (t *Tracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return State{
		ConsecutiveFailures: t.failures,
		LastFailure:         t.lastFailure,
		NextAllowedAttempt:  t.nextAttempt,
	}
}
