package metrics

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/prometheus/prompb"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/deembot/atick-monitor/types"
)

// BuildCounterTimeSeries builds time series for displayed counter
// values: one atick_counter_cubic_meters series per device counter,
// plus the raw count for debugging offsets.
func BuildCounterTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildCounterTimeSeries")
	defer span.End()

	var counterReadings []*types.CounterReading
	for _, r := range readings {
		if r.Type == types.ReadingTypeCounter && r.Counter != nil {
			counterReadings = append(counterReadings, r.Counter)
		}
	}
	if len(counterReadings) == 0 {
		span.SetStatus(codes.Ok, "no counter readings")
		return nil, nil
	}

	type seriesKey struct {
		address  string
		name     string
		counter  string
		override bool
	}
	grouped := make(map[seriesKey][]*types.CounterReading)
	for _, reading := range counterReadings {
		key := seriesKey{
			address:  reading.Address,
			name:     reading.DeviceName,
			counter:  reading.Counter,
			override: reading.ManualOverride,
		}
		grouped[key] = append(grouped[key], reading)
	}

	var timeSeries []prompb.TimeSeries
	for key, group := range grouped {
		labels := []prompb.Label{
			{Name: "address", Value: key.address},
			{Name: "device", Value: key.name},
			{Name: "counter", Value: key.counter},
			{Name: "manual_override", Value: strconv.FormatBool(key.override)},
		}

		var displayed, raw []prompb.Sample
		for _, r := range group {
			ts := r.Timestamp.UnixMilli()
			displayed = append(displayed, prompb.Sample{Value: r.Displayed, Timestamp: ts})
			raw = append(raw, prompb.Sample{Value: r.Raw, Timestamp: ts})
		}

		timeSeries = append(timeSeries,
			prompb.TimeSeries{
				Labels: append(labels, prompb.Label{
					Name: "__name__", Value: "atick_counter_cubic_meters",
				}),
				Samples: displayed,
			},
			prompb.TimeSeries{
				Labels: append(labels, prompb.Label{
					Name: "__name__", Value: "atick_counter_raw",
				}),
				Samples: raw,
			},
		)
	}

	span.SetStatus(codes.Ok, "counter time series built")
	return timeSeries, nil
}

// BuildHealthTimeSeries builds connection-health time series:
// consecutive failure counts and a 0/1 degraded gauge per device.
func BuildHealthTimeSeries(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
	_, span := otel.Tracer("metrics").Start(ctx, "metrics.BuildHealthTimeSeries")
	defer span.End()

	var healthReadings []*types.HealthReading
	for _, r := range readings {
		if r.Type == types.ReadingTypeHealth && r.Health != nil {
			healthReadings = append(healthReadings, r.Health)
		}
	}
	if len(healthReadings) == 0 {
		span.SetStatus(codes.Ok, "no health readings")
		return nil, nil
	}

	type deviceKey struct {
		address string
		name    string
	}
	grouped := make(map[deviceKey][]*types.HealthReading)
	for _, reading := range healthReadings {
		key := deviceKey{address: reading.Address, name: reading.DeviceName}
		grouped[key] = append(grouped[key], reading)
	}

	var timeSeries []prompb.TimeSeries
	for key, group := range grouped {
		labels := []prompb.Label{
			{Name: "address", Value: key.address},
			{Name: "device", Value: key.name},
		}

		var failures, degraded []prompb.Sample
		for _, r := range group {
			ts := r.Timestamp.UnixMilli()
			failures = append(failures, prompb.Sample{
				Value: float64(r.ConsecutiveFailures), Timestamp: ts,
			})
			var d float64
			if r.Degraded {
				d = 1
			}
			degraded = append(degraded, prompb.Sample{Value: d, Timestamp: ts})
		}

		timeSeries = append(timeSeries,
			prompb.TimeSeries{
				Labels: append(labels, prompb.Label{
					Name: "__name__", Value: "atick_connection_failures",
				}),
				Samples: failures,
			},
			prompb.TimeSeries{
				Labels: append(labels, prompb.Label{
					Name: "__name__", Value: "atick_device_degraded",
				}),
				Samples: degraded,
			},
		)
	}

	span.SetStatus(codes.Ok, "health time series built")
	return timeSeries, nil
}

// CombineBuilders merges multiple builders into one
func CombineBuilders(builders ...TimeSeriesBuilder) TimeSeriesBuilder {
	return func(ctx context.Context, readings []*types.Reading) ([]prompb.TimeSeries, error) {
		var all []prompb.TimeSeries
		for i, builder := range builders {
			series, err := builder(ctx, readings)
			if err != nil {
				return nil, fmt.Errorf("builder %d failed: %w", i, err)
			}
			all = append(all, series...)
		}
		return all, nil
	}
}
