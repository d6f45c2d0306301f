// Package store keeps the last-known counter state for one meter:
// raw values, update timestamps and manual-override bookkeeping.
package store

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/deembot/atick-monitor/atick"
	"github.com/deembot/atick-monitor/backoff"
)

// ErrNoData is returned when a counter has never received a value.
// Silently reporting zero for "never seen" would be wrong, so reads
// surface this explicitly.
var ErrNoData = errors.New("no counter data yet")

// Transform is the display scaling for one counter:
// displayed = raw*Ratio + Offset. Raw state is never altered by it.
type Transform struct {
	Ratio  float64
	Offset float64
}

// Apply computes the displayed value for a raw count
func (t Transform) Apply(raw float64) float64 {
	return raw*t.Ratio + t.Offset
}

// CounterState is the snapshot of one counter
type CounterState struct {
	Raw            float64
	HasValue       bool
	LastUpdated    time.Time
	ManualOverride bool
}

// CounterStore holds both counters for one device. Reads may run
// concurrently; writes replace state atomically so a reader never sees
// a half-applied pair. Mutations from different sources are further
// serialized by the engine's per-device guard.
type CounterStore struct {
	mu    sync.RWMutex
	clock backoff.Clock
	a, b  CounterState
}

// New creates an empty store; both counters start absent
func New(clock backoff.Clock) *CounterStore {
	if clock == nil {
		clock = backoff.SystemClock
	}
	return &CounterStore{clock: clock}
}

// UpdateFromDecode replaces both counters from one decoded frame as a
// single indivisible operation and clears any manual overrides
func (s *CounterStore) UpdateFromDecode(r atick.Readings) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.a = CounterState{Raw: r.A.Value, HasValue: true, LastUpdated: r.A.At}
	s.b = CounterState{Raw: r.B.Value, HasValue: true, LastUpdated: r.B.At}
}

// SetCounterValue stamps a raw value directly, bypassing decode, and
// marks the counter as manually overridden
func (s *CounterStore) SetCounterValue(c atick.Counter, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.state(c)
	if err != nil {
		return err
	}
	*state = CounterState{
		Raw:            value,
		HasValue:       true,
		LastUpdated:    s.clock.Now(),
		ManualOverride: true,
	}
	return nil
}

// ResetCounter zeroes a counter and clears its override flag,
// regardless of prior state
func (s *CounterStore) ResetCounter(c atick.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.state(c)
	if err != nil {
		return err
	}
	*state = CounterState{
		Raw:         0,
		HasValue:    true,
		LastUpdated: s.clock.Now(),
	}
	return nil
}

// ValueWithTransform returns the displayed value for a counter, or
// ErrNoData before the first write
func (s *CounterStore) ValueWithTransform(c atick.Counter, t Transform) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, err := s.state(c)
	if err != nil {
		return 0, err
	}
	if !state.HasValue {
		return 0, errors.Wrapf(ErrNoData, "counter %s", c)
	}
	return t.Apply(state.Raw), nil
}

// States returns copies of both counters taken under one read lock, so
// the pair is consistent with respect to decode updates
func (s *CounterStore) States() (a, b CounterState) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.a, s.b
}

// State returns a copy of one counter's state
func (s *CounterStore) State(c atick.Counter) (CounterState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, err := s.state(c)
	if err != nil {
		return CounterState{}, err
	}
	return *state, nil
}

// state selects the backing field; callers hold s.mu
func (s *CounterStore) state(c atick.Counter) (*CounterState, error) {
	switch c {
	case atick.CounterA:
		return &s.a, nil
	case atick.CounterB:
		return &s.b, nil
	default:
		return nil, errors.Wrapf(atick.ErrUnknownCounter, "counter %d", int(c))
	}
}
