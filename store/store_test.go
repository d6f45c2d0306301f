package store

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/deembot/atick-monitor/atick"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func newTestStore() (*CounterStore, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
	return New(clock), clock
}

func readings(a, b float64, at time.Time) atick.Readings {
	return atick.Readings{
		A: atick.Reading{Counter: atick.CounterA, Value: a, At: at},
		B: atick.Reading{Counter: atick.CounterB, Value: b, At: at},
	}
}

func TestValueWithTransform_NoDataBeforeFirstUpdate(t *testing.T) {
	s, _ := newTestStore()

	for _, c := range []atick.Counter{atick.CounterA, atick.CounterB} {
		_, err := s.ValueWithTransform(c, Transform{Ratio: 1})
		if !errors.Is(err, ErrNoData) {
			t.Errorf("counter %s: expected ErrNoData, got %v", c, err)
		}
	}
}

func TestValueWithTransform_AppliesRatioAndOffset(t *testing.T) {
	s, clock := newTestStore()
	s.UpdateFromDecode(readings(100, 200, clock.Now()))

	got, err := s.ValueWithTransform(atick.CounterA, Transform{Ratio: 0.1, Offset: 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 15.0 {
		t.Errorf("expected 15.0, got %v", got)
	}

	// Raw state stays untouched by the transform
	state, err := s.State(atick.CounterA)
	if err != nil {
		t.Fatalf("State: %v", err)
	}
	if state.Raw != 100 {
		t.Errorf("transform altered raw value: %v", state.Raw)
	}
}

func TestUpdateFromDecode_ClearsManualOverride(t *testing.T) {
	s, clock := newTestStore()

	if err := s.SetCounterValue(atick.CounterA, 42); err != nil {
		t.Fatalf("SetCounterValue: %v", err)
	}
	state, _ := s.State(atick.CounterA)
	if !state.ManualOverride {
		t.Fatal("manual set did not mark override")
	}

	s.UpdateFromDecode(readings(1, 2, clock.Now()))
	state, _ = s.State(atick.CounterA)
	if state.ManualOverride {
		t.Error("decode update did not clear override")
	}
	if state.Raw != 1 {
		t.Errorf("expected raw 1 after decode, got %v", state.Raw)
	}
}

func TestResetCounter(t *testing.T) {
	s, clock := newTestStore()

	// Reset works even on a counter that never received data
	if err := s.ResetCounter(atick.CounterB); err != nil {
		t.Fatalf("ResetCounter on fresh counter: %v", err)
	}
	state, _ := s.State(atick.CounterB)
	if !state.HasValue || state.Raw != 0 || state.ManualOverride {
		t.Errorf("unexpected state after fresh reset: %+v", state)
	}

	if err := s.SetCounterValue(atick.CounterB, 123); err != nil {
		t.Fatalf("SetCounterValue: %v", err)
	}
	if err := s.ResetCounter(atick.CounterB); err != nil {
		t.Fatalf("ResetCounter: %v", err)
	}
	state, _ = s.State(atick.CounterB)
	if state.Raw != 0 || state.ManualOverride {
		t.Errorf("unexpected state after reset: %+v", state)
	}
	if !state.LastUpdated.Equal(clock.Now()) {
		t.Errorf("reset did not stamp last update: %v", state.LastUpdated)
	}
}

func TestStore_UnknownCounter(t *testing.T) {
	s, _ := newTestStore()
	bad := atick.Counter(9)

	if err := s.SetCounterValue(bad, 1); !errors.Is(err, atick.ErrUnknownCounter) {
		t.Errorf("SetCounterValue: expected ErrUnknownCounter, got %v", err)
	}
	if err := s.ResetCounter(bad); !errors.Is(err, atick.ErrUnknownCounter) {
		t.Errorf("ResetCounter: expected ErrUnknownCounter, got %v", err)
	}
	if _, err := s.ValueWithTransform(bad, Transform{}); !errors.Is(err, atick.ErrUnknownCounter) {
		t.Errorf("ValueWithTransform: expected ErrUnknownCounter, got %v", err)
	}
}

// Concurrent decode updates and reads must never expose a mixed pair:
// both counters always come from the same frame.
func TestUpdateFromDecode_NoTornPairs(t *testing.T) {
	s, clock := newTestStore()
	s.UpdateFromDecode(readings(0, 0, clock.Now()))

	done := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 1000; i++ {
			// A and B always move together
			s.UpdateFromDecode(readings(float64(i), float64(i), clock.Now()))
		}
		close(done)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			a, b := s.States()
			if a.Raw != b.Raw {
				t.Errorf("torn pair observed: a=%v b=%v", a.Raw, b.Raw)
				return
			}
		}
	}()

	wg.Wait()

	// Final state reflects the last frame in full
	stateA, _ := s.State(atick.CounterA)
	stateB, _ := s.State(atick.CounterB)
	if stateA.Raw != 1000 || stateB.Raw != 1000 {
		t.Errorf("final pair mismatch: a=%v b=%v", stateA.Raw, stateB.Raw)
	}
}
