package types

import "time"

// ReadingType identifies the kind of reading flowing to the metrics
// pipeline
type ReadingType string

const (
	ReadingTypeCounter ReadingType = "counter"
	ReadingTypeHealth  ReadingType = "health"
)

// Reading is a union type carried by the ring buffer
type Reading struct {
	Type    ReadingType
	Counter *CounterReading
	Health  *HealthReading
}

// CounterReading is one displayed counter value from a meter
type CounterReading struct {
	Timestamp      time.Time
	Address        string
	DeviceName     string
	Counter        string // "a" or "b"
	Displayed      float64
	Raw            float64
	ManualOverride bool
}

// HealthReading is a connection-health sample for one meter
type HealthReading struct {
	Timestamp           time.Time
	Address             string
	DeviceName          string
	ConsecutiveFailures int
	Degraded            bool
}

// GetTimestamp returns the timestamp of the reading regardless of type
func (r *Reading) GetTimestamp() time.Time {
	switch r.Type {
	case ReadingTypeCounter:
		return r.Counter.Timestamp
	case ReadingTypeHealth:
		return r.Health.Timestamp
	default:
		return time.Time{}
	}
}
