// Package scanner listens for BLE advertisements from configured aTick
// meters and feeds them to the per-device engines.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"tinygo.org/x/bluetooth"

	"github.com/deembot/atick-monitor/atick"
	"github.com/deembot/atick-monitor/buffer"
	"github.com/deembot/atick-monitor/engine"
	"github.com/deembot/atick-monitor/types"
)

var atickServiceUUID = mustParseUUID(atick.ServiceUUID)

func mustParseUUID(s string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(s)
	if err != nil {
		panic(fmt.Sprintf("bad service UUID %q: %v", s, err))
	}
	return uuid
}

// Scanner dispatches observed advertisements to engines by device
// address and publishes successful updates into the ring buffer.
type Scanner struct {
	adapter *bluetooth.Adapter
	engines map[string]*engine.Engine // key: uppercase MAC
	buffer  *buffer.RingBuffer[*types.Reading]
	logger  *zap.Logger
}

// New creates a scanner over the default adapter for the given engines
func New(engines []*engine.Engine, buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Scanner {
	byAddress := make(map[string]*engine.Engine, len(engines))
	for _, eng := range engines {
		byAddress[strings.ToUpper(eng.Identity().Address)] = eng
	}
	return &Scanner{
		adapter: bluetooth.DefaultAdapter,
		engines: byAddress,
		buffer:  buf,
		logger:  logger,
	}
}

// Start enables the BLE stack and scans until the context is cancelled.
// Blocking; run in a goroutine.
func (s *Scanner) Start(ctx context.Context) error {
	s.logger.Info("initializing BLE adapter")
	if err := s.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable BLE adapter: %w", err)
	}

	s.logger.Info("starting BLE scan", zap.Int("device_count", len(s.engines)))
	err := s.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		select {
		case <-ctx.Done():
			s.adapter.StopScan()
			return
		default:
		}

		address := strings.ToUpper(result.Address.String())
		eng, ok := s.engines[address]
		if !ok {
			return
		}

		mfr := result.ManufacturerData()
		if len(mfr) == 0 {
			return
		}
		// The meter appends its counter frame as the last manufacturer
		// data element
		payload := mfr[len(mfr)-1].Data

		observed := engine.Identity{
			Address: address,
			Name:    result.LocalName(),
		}
		if result.HasServiceUUID(atickServiceUUID) {
			observed.ServiceUUID = atick.ServiceUUID
		}

		s.Handle(eng, observed, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to start BLE scan: %w", err)
	}
	return nil
}

// Handle runs one observed advertisement through its engine and, on a
// successful update, publishes both counter readings
func (s *Scanner) Handle(eng *engine.Engine, observed engine.Identity, payload []byte) {
	outcome, err := eng.OnAdvertisement(observed, payload)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrAddressMismatch):
			s.logger.Warn("advertisement identity rejected",
				zap.String("address", observed.Address),
				zap.Error(err),
			)
		case errors.Is(err, atick.ErrPinRequired):
			s.logger.Warn("encrypted meter has no PIN configured",
				zap.String("address", observed.Address),
			)
		default:
			s.logger.Debug("advertisement not usable",
				zap.String("address", observed.Address),
				zap.String("outcome", outcome.String()),
				zap.Error(err),
			)
		}
		return
	}

	now := time.Now()
	stateA, stateB := eng.CounterStates()
	for _, c := range []struct {
		counter atick.Counter
		raw     float64
		manual  bool
	}{
		{atick.CounterA, stateA.Raw, stateA.ManualOverride},
		{atick.CounterB, stateB.Raw, stateB.ManualOverride},
	} {
		displayed, err := eng.CounterValue(c.counter)
		if err != nil {
			continue
		}
		s.buffer.Add(&types.Reading{
			Type: types.ReadingTypeCounter,
			Counter: &types.CounterReading{
				Timestamp:      now,
				Address:        eng.Identity().Address,
				DeviceName:     eng.Identity().Name,
				Counter:        c.counter.String(),
				Displayed:      displayed,
				Raw:            c.raw,
				ManualOverride: c.manual,
			},
		})
	}

	s.logger.Debug("advertisement processed",
		zap.String("address", observed.Address),
		zap.Float64("counter_a_raw", stateA.Raw),
		zap.Float64("counter_b_raw", stateB.Raw),
	)
}

// Stop stops the BLE scan
func (s *Scanner) Stop() error {
	s.logger.Info("stopping BLE scan")
	if err := s.adapter.StopScan(); err != nil {
		return fmt.Errorf("failed to stop BLE scan: %w", err)
	}
	return nil
}
