package atick

import "github.com/pkg/errors"

// Counter identifies one of the two independent counters tracked by an
// aTick meter. It is a closed type: every switch over it handles both
// variants explicitly.
type Counter int

const (
	CounterA Counter = iota
	CounterB
)

// ErrUnknownCounter is returned when a counter label cannot be resolved
var ErrUnknownCounter = errors.New("unknown counter label")

// String returns the counter label as used in configuration and metrics
func (c Counter) String() string {
	switch c {
	case CounterA:
		return "a"
	case CounterB:
		return "b"
	default:
		return "unknown"
	}
}

// Valid reports whether the counter is one of the two known variants
func (c Counter) Valid() bool {
	switch c {
	case CounterA, CounterB:
		return true
	default:
		return false
	}
}

// ParseCounter resolves a counter label ("a", "A", "b", "B") as used in
// service calls and configuration
func ParseCounter(label string) (Counter, error) {
	switch label {
	case "a", "A":
		return CounterA, nil
	case "b", "B":
		return CounterB, nil
	default:
		return 0, errors.Wrapf(ErrUnknownCounter, "label %q", label)
	}
}
