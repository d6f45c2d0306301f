// Package engine composes the advertisement decoder, the backoff
// tracker and the counter store for one configured meter, and exposes
// the operations the platform and service layers call.
package engine

import (
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deembot/atick-monitor/atick"
	"github.com/deembot/atick-monitor/backoff"
	"github.com/deembot/atick-monitor/store"
)

// Config carries the engine tuning knobs. Constants live in
// configuration, not in package globals, so tests inject deterministic
// values.
type Config struct {
	LockTimeout           time.Duration
	BackoffBase           time.Duration
	BackoffMax            time.Duration
	MaxConnectionFailures int
	Clock                 backoff.Clock
}

func (c Config) withDefaults() Config {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 512 * time.Second
	}
	if c.MaxConnectionFailures <= 0 {
		c.MaxConnectionFailures = 5
	}
	if c.Clock == nil {
		c.Clock = backoff.SystemClock
	}
	return c
}

// Transforms holds the display scaling for both counters
type Transforms struct {
	A store.Transform
	B store.Transform
}

// For selects the transform for a counter
func (t Transforms) For(c atick.Counter) (store.Transform, error) {
	switch c {
	case atick.CounterA:
		return t.A, nil
	case atick.CounterB:
		return t.B, nil
	default:
		return store.Transform{}, errors.Wrapf(atick.ErrUnknownCounter, "counter %d", int(c))
	}
}

// UpdateOutcome classifies the result of one advertisement
type UpdateOutcome int

const (
	OutcomeUpdated UpdateOutcome = iota
	OutcomeDecodeFailed
	OutcomeIdentityMismatch
	OutcomeLockTimeout
)

func (o UpdateOutcome) String() string {
	switch o {
	case OutcomeUpdated:
		return "updated"
	case OutcomeDecodeFailed:
		return "decode_failed"
	case OutcomeIdentityMismatch:
		return "identity_mismatch"
	case OutcomeLockTimeout:
		return "lock_timeout"
	default:
		return "unknown"
	}
}

// ConnectionHealth is the device health view exposed to collaborators
type ConnectionHealth struct {
	ConsecutiveFailures int
	Degraded            bool
	NextAllowedAttempt  time.Time // zero when unrestricted
}

// Engine is the per-device data engine. One instance per configured
// meter; instances share nothing, so one device's contention never
// blocks another.
type Engine struct {
	identity   Identity
	pin        string
	transforms Transforms
	logger     *zap.Logger
	clock      backoff.Clock

	decoder  *atick.Decoder
	tracker  *backoff.Tracker
	counters *store.CounterStore
	guard    *guard

	nameMu       sync.Mutex
	lastSeenName string

	closeMu sync.Mutex
	closed  bool
	closers []closer
}

type closer struct {
	name string
	fn   func()
}

// New creates an engine for one meter. pin is empty when the device
// broadcasts plaintext frames. identity.ServiceUUID defaults to the
// aTick service when unset.
func New(identity Identity, pin string, transforms Transforms, cfg Config, logger *zap.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()

	if identity.ServiceUUID == "" {
		identity.ServiceUUID = atick.ServiceUUID
	}

	decoder, err := atick.NewDecoder(identity.Address)
	if err != nil {
		return nil, err
	}

	return &Engine{
		identity:     identity,
		pin:          pin,
		transforms:   transforms,
		logger:       logger,
		clock:        cfg.Clock,
		decoder:      decoder,
		tracker:      backoff.New(cfg.BackoffBase, cfg.BackoffMax, cfg.MaxConnectionFailures, cfg.Clock),
		counters:     store.New(cfg.Clock),
		guard:        newGuard(cfg.LockTimeout),
		lastSeenName: identity.Name,
	}, nil
}

// Identity returns the configured device identity
func (e *Engine) Identity() Identity { return e.identity }

// OnAdvertisement processes one captured advertisement payload. Decode
// failures count as connection failures; a success clears the failure
// state, including a degraded device.
func (e *Engine) OnAdvertisement(observed Identity, payload []byte) (UpdateOutcome, error) {
	if err := e.resolveIdentity(observed); err != nil {
		return OutcomeIdentityMismatch, err
	}

	// Decoding is pure and runs outside the device lock
	readings, err := e.decoder.Decode(payload, e.pin, e.clock.Now())
	if err != nil {
		wasDegraded := e.tracker.ShouldGiveUp()
		e.tracker.RecordFailure()
		if !wasDegraded && e.tracker.ShouldGiveUp() {
			e.logger.Warn("device degraded after repeated decode failures",
				zap.String("address", e.identity.Address),
				zap.Int("consecutive_failures", e.tracker.Snapshot().ConsecutiveFailures),
			)
		}
		return OutcomeDecodeFailed, err
	}

	if err := e.guard.acquire(); err != nil {
		return OutcomeLockTimeout, err
	}
	defer e.guard.release()

	if e.isClosed() {
		return OutcomeLockTimeout, errors.WithStack(ErrEngineClosed)
	}

	wasDegraded := e.tracker.ShouldGiveUp()
	e.counters.UpdateFromDecode(readings)
	e.tracker.RecordSuccess()

	if wasDegraded {
		e.logger.Info("device recovered",
			zap.String("address", e.identity.Address))
	}
	e.logger.Debug("counters updated from advertisement",
		zap.String("address", e.identity.Address),
		zap.Float64("counter_a", readings.A.Value),
		zap.Float64("counter_b", readings.B.Value),
	)
	return OutcomeUpdated, nil
}

// SetCounterValue stamps a raw counter value directly, marking it as a
// manual override. Input is validated before any state is touched.
func (e *Engine) SetCounterValue(c atick.Counter, value float64) error {
	if !c.Valid() {
		return errors.Wrapf(atick.ErrUnknownCounter, "counter %d", int(c))
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Wrapf(ErrNonFiniteValue, "got %v", value)
	}
	if value < 0 {
		return errors.Wrapf(ErrNegativeValue, "got %v", value)
	}

	if err := e.guard.acquire(); err != nil {
		return err
	}
	defer e.guard.release()

	if e.isClosed() {
		return errors.WithStack(ErrEngineClosed)
	}

	if err := e.counters.SetCounterValue(c, value); err != nil {
		return err
	}
	e.logger.Info("counter value set manually",
		zap.String("address", e.identity.Address),
		zap.String("counter", c.String()),
		zap.Float64("raw_value", value),
	)
	return nil
}

// ResetCounter zeroes a counter and clears its override flag
func (e *Engine) ResetCounter(c atick.Counter) error {
	if !c.Valid() {
		return errors.Wrapf(atick.ErrUnknownCounter, "counter %d", int(c))
	}

	if err := e.guard.acquire(); err != nil {
		return err
	}
	defer e.guard.release()

	if e.isClosed() {
		return errors.WithStack(ErrEngineClosed)
	}

	if err := e.counters.ResetCounter(c); err != nil {
		return err
	}
	e.logger.Info("counter reset",
		zap.String("address", e.identity.Address),
		zap.String("counter", c.String()),
	)
	return nil
}

// CounterValue returns the displayed value for a counter with the
// device's configured ratio and offset applied. store.ErrNoData is
// returned before the first update.
func (e *Engine) CounterValue(c atick.Counter) (float64, error) {
	transform, err := e.transforms.For(c)
	if err != nil {
		return 0, err
	}
	return e.counters.ValueWithTransform(c, transform)
}

// CounterStates returns a consistent snapshot of both counters
func (e *Engine) CounterStates() (a, b store.CounterState) {
	return e.counters.States()
}

// Transforms returns the configured display transforms
func (e *Engine) Transforms() Transforms { return e.transforms }

// Health reports the device connection health
func (e *Engine) Health() ConnectionHealth {
	state := e.tracker.Snapshot()
	return ConnectionHealth{
		ConsecutiveFailures: state.ConsecutiveFailures,
		Degraded:            e.tracker.ShouldGiveUp(),
		NextAllowedAttempt:  state.NextAllowedAttempt,
	}
}

// AttemptAllowed reports whether an active connection attempt should be
// made now, per the backoff policy. Passive advertisement handling is
// never gated by it.
func (e *Engine) AttemptAllowed() bool {
	return e.tracker.AttemptAllowed()
}

// AddCloser registers a resource released during Cleanup. Resources are
// released in reverse registration order.
func (e *Engine) AddCloser(name string, fn func()) {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	e.closers = append(e.closers, closer{name: name, fn: fn})
}

// Cleanup tears the engine down. It waits (bounded) for any in-flight
// mutation, then releases registered resources in reverse order.
// Idempotent; mutations after Cleanup fail with ErrEngineClosed.
func (e *Engine) Cleanup() error {
	if err := e.guard.acquire(); err != nil {
		return err
	}

	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		e.guard.release()
		return nil
	}
	e.closed = true
	closers := e.closers
	e.closers = nil
	e.closeMu.Unlock()
	e.guard.release()

	for i := len(closers) - 1; i >= 0; i-- {
		closers[i].fn()
		e.logger.Debug("released resource",
			zap.String("address", e.identity.Address),
			zap.String("resource", closers[i].name),
		)
	}
	e.logger.Info("engine cleaned up", zap.String("address", e.identity.Address))
	return nil
}

func (e *Engine) isClosed() bool {
	e.closeMu.Lock()
	defer e.closeMu.Unlock()
	return e.closed
}
