package engine

import (
	"encoding/binary"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/deembot/atick-monitor/atick"
	"github.com/deembot/atick-monitor/store"
)

const testAddress = "AA:BB:CC:DD:EE:FF"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestEngine(t *testing.T, transforms Transforms) (*Engine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	e, err := New(
		Identity{Address: testAddress, Name: "Meter1"},
		"",
		transforms,
		Config{
			LockTimeout:           time.Second,
			BackoffBase:           2 * time.Second,
			BackoffMax:            512 * time.Second,
			MaxConnectionFailures: 5,
			Clock:                 clock,
		},
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e, clock
}

func observed(name string) Identity {
	return Identity{Address: testAddress, Name: name, ServiceUUID: atick.ServiceUUID}
}

// plainFrame builds a plaintext advertisement carrying the given
// counter values. Values must not set the encryption flag byte.
func plainFrame(t *testing.T, a, b float32) []byte {
	t.Helper()
	payload := []byte{0x01}
	for _, v := range []float32{a, b} {
		var le [4]byte
		binary.LittleEndian.PutUint32(le[:], math.Float32bits(v))
		payload = append(payload, le[:]...)
	}
	if payload[7]&0x10 != 0 {
		t.Fatalf("fixture values set the encryption flag, pick different ones")
	}
	return payload
}

func TestOnAdvertisement_UpdatesCounters(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{
		A: store.Transform{Ratio: 0.1, Offset: 5},
		B: store.Transform{Ratio: 1},
	})

	// Nothing seen yet
	if _, err := e.CounterValue(atick.CounterA); !errors.Is(err, store.ErrNoData) {
		t.Fatalf("expected ErrNoData before first update, got %v", err)
	}

	outcome, err := e.OnAdvertisement(observed("Meter1"), plainFrame(t, 100, 200))
	if err != nil {
		t.Fatalf("OnAdvertisement: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Fatalf("expected OutcomeUpdated, got %v", outcome)
	}

	got, err := e.CounterValue(atick.CounterA)
	if err != nil {
		t.Fatalf("CounterValue: %v", err)
	}
	if got != 15.0 {
		t.Errorf("expected displayed value 15.0 (100*0.1+5), got %v", got)
	}
}

func TestOnAdvertisement_RenamedDeviceAccepted(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{A: store.Transform{Ratio: 1}, B: store.Transform{Ratio: 1}})

	// Same address, new name, service UUID confirms the identity
	outcome, err := e.OnAdvertisement(observed("Meter2"), plainFrame(t, 1, 2))
	if err != nil {
		t.Fatalf("renamed device rejected: %v", err)
	}
	if outcome != OutcomeUpdated {
		t.Errorf("expected OutcomeUpdated, got %v", outcome)
	}
}

func TestOnAdvertisement_RenameWithoutServiceUUID(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{})

	obs := Identity{Address: testAddress, Name: "Meter2", ServiceUUID: "0000180a-0000-1000-8000-00805f9b34fb"}
	outcome, err := e.OnAdvertisement(obs, plainFrame(t, 1, 2))
	if !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected ErrAddressMismatch, got %v", err)
	}
	if outcome != OutcomeIdentityMismatch {
		t.Errorf("expected OutcomeIdentityMismatch, got %v", outcome)
	}
}

func TestOnAdvertisement_AddressMismatch(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{})

	obs := Identity{Address: "11:22:33:44:55:66", Name: "Meter1", ServiceUUID: atick.ServiceUUID}
	outcome, err := e.OnAdvertisement(obs, plainFrame(t, 1, 2))
	if !errors.Is(err, ErrAddressMismatch) {
		t.Fatalf("expected ErrAddressMismatch, got %v", err)
	}
	if outcome != OutcomeIdentityMismatch {
		t.Errorf("expected OutcomeIdentityMismatch, got %v", outcome)
	}

	// Identity failures do not count as connection failures
	if h := e.Health(); h.ConsecutiveFailures != 0 {
		t.Errorf("identity mismatch counted as connection failure: %+v", h)
	}
}

func TestOnAdvertisement_DecodeFailureFeedsBackoff(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{})

	short := []byte{0x01, 0x02}
	for i := 1; i <= 5; i++ {
		outcome, err := e.OnAdvertisement(observed("Meter1"), short)
		if !errors.Is(err, atick.ErrTooShort) {
			t.Fatalf("attempt %d: expected ErrTooShort, got %v", i, err)
		}
		if outcome != OutcomeDecodeFailed {
			t.Fatalf("attempt %d: expected OutcomeDecodeFailed, got %v", i, outcome)
		}
	}

	health := e.Health()
	if health.ConsecutiveFailures != 5 {
		t.Errorf("expected 5 consecutive failures, got %d", health.ConsecutiveFailures)
	}
	if !health.Degraded {
		t.Error("expected device degraded after 5 failures")
	}
	if health.NextAllowedAttempt.IsZero() {
		t.Error("expected a next-allowed-attempt time")
	}
	if e.AttemptAllowed() {
		t.Error("attempt allowed immediately after failures")
	}

	// A single success clears the degraded state
	if _, err := e.OnAdvertisement(observed("Meter1"), plainFrame(t, 1, 2)); err != nil {
		t.Fatalf("recovery advertisement failed: %v", err)
	}
	health = e.Health()
	if health.ConsecutiveFailures != 0 || health.Degraded {
		t.Errorf("expected recovery to clear failure state, got %+v", health)
	}
	if !e.AttemptAllowed() {
		t.Error("attempt still restricted after recovery")
	}
}

func TestSetCounterValue_Validation(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{})

	tests := []struct {
		name    string
		counter atick.Counter
		value   float64
		wantErr error
	}{
		{"NaN", atick.CounterA, math.NaN(), ErrNonFiniteValue},
		{"positive infinity", atick.CounterA, math.Inf(1), ErrNonFiniteValue},
		{"negative infinity", atick.CounterB, math.Inf(-1), ErrNonFiniteValue},
		{"negative", atick.CounterA, -1, ErrNegativeValue},
		{"unknown counter", atick.Counter(9), 1, atick.ErrUnknownCounter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := e.SetCounterValue(tt.counter, tt.value); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	// Invalid input must not have touched state
	if _, err := e.CounterValue(atick.CounterA); !errors.Is(err, store.ErrNoData) {
		t.Errorf("rejected input corrupted stored state: %v", err)
	}
}

func TestSetAndResetCounter(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{A: store.Transform{Ratio: 1}, B: store.Transform{Ratio: 1}})

	if err := e.SetCounterValue(atick.CounterA, 42); err != nil {
		t.Fatalf("SetCounterValue: %v", err)
	}
	a, _ := e.CounterStates()
	if !a.ManualOverride || a.Raw != 42 {
		t.Errorf("unexpected state after manual set: %+v", a)
	}

	if err := e.ResetCounter(atick.CounterA); err != nil {
		t.Fatalf("ResetCounter: %v", err)
	}
	a, _ = e.CounterStates()
	if a.ManualOverride || a.Raw != 0 || !a.HasValue {
		t.Errorf("unexpected state after reset: %+v", a)
	}
}

// A manual set racing an advertisement update resolves to whichever
// write completed last under the device lock, with no mixed state.
func TestManualSetRacesAdvertisement(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{A: store.Transform{Ratio: 1}, B: store.Transform{Ratio: 1}})
	frame := plainFrame(t, 100, 200)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := e.SetCounterValue(atick.CounterA, 42); err != nil {
				t.Errorf("SetCounterValue: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := e.OnAdvertisement(observed("Meter1"), frame); err != nil {
				t.Errorf("OnAdvertisement: %v", err)
			}
		}()
	}
	wg.Wait()

	a, b := e.CounterStates()
	if a.ManualOverride {
		// Manual set finished last: its value stands and B keeps the
		// last decoded value
		if a.Raw != 42 {
			t.Errorf("override set but raw is %v", a.Raw)
		}
	} else {
		// Advertisement finished last: the full pair is from the frame
		if a.Raw != 100 || b.Raw != 200 {
			t.Errorf("mixed final state: a=%+v b=%+v", a, b)
		}
	}
}

func TestCleanup(t *testing.T) {
	e, _ := newTestEngine(t, Transforms{})

	var released []string
	e.AddCloser("first", func() { released = append(released, "first") })
	e.AddCloser("second", func() { released = append(released, "second") })

	if err := e.Cleanup(); err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if len(released) != 2 || released[0] != "second" || released[1] != "first" {
		t.Errorf("closers not released in reverse order: %v", released)
	}

	// Idempotent
	if err := e.Cleanup(); err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if len(released) != 2 {
		t.Errorf("closers ran again on second cleanup: %v", released)
	}

	// Mutations after cleanup fail with a typed error
	if err := e.SetCounterValue(atick.CounterA, 1); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
	if err := e.ResetCounter(atick.CounterB); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
	if _, err := e.OnAdvertisement(observed("Meter1"), plainFrame(t, 1, 2)); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}
