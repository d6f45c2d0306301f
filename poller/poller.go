// Package poller publishes periodic connection-health readings for each
// meter on its configured poll interval.
package poller

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/deembot/atick-monitor/buffer"
	"github.com/deembot/atick-monitor/engine"
	"github.com/deembot/atick-monitor/types"
)

// Poller runs one cron schedule per device. Advertisements drive the
// counter data; this loop only samples health state so degraded meters
// show up even when they stop advertising.
type Poller struct {
	cron   *cron.Cron
	buffer *buffer.RingBuffer[*types.Reading]
	logger *zap.Logger
}

// New creates an idle poller; call AddDevice then Start
func New(buf *buffer.RingBuffer[*types.Reading], logger *zap.Logger) *Poller {
	return &Poller{
		cron:   cron.New(),
		buffer: buf,
		logger: logger,
	}
}

// AddDevice schedules health sampling for one engine. The returned
// function removes the schedule and is meant to be registered as an
// engine closer.
func (p *Poller) AddDevice(eng *engine.Engine, interval time.Duration) (func(), error) {
	id, err := p.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		p.publishHealth(eng)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule health poll: %w", err)
	}

	p.logger.Info("health poll scheduled",
		zap.String("address", eng.Identity().Address),
		zap.Duration("interval", interval),
	)
	return func() { p.cron.Remove(id) }, nil
}

// Start begins running schedules in their own goroutine
func (p *Poller) Start() {
	p.cron.Start()
}

// Stop stops the scheduler and waits for running jobs to finish
func (p *Poller) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Poller) publishHealth(eng *engine.Engine) {
	health := eng.Health()
	identity := eng.Identity()

	p.buffer.Add(&types.Reading{
		Type: types.ReadingTypeHealth,
		Health: &types.HealthReading{
			Timestamp:           time.Now(),
			Address:             identity.Address,
			DeviceName:          identity.Name,
			ConsecutiveFailures: health.ConsecutiveFailures,
			Degraded:            health.Degraded,
		},
	})

	if health.Degraded {
		p.logger.Warn("device degraded",
			zap.String("address", identity.Address),
			zap.Int("consecutive_failures", health.ConsecutiveFailures),
			zap.Time("next_allowed_attempt", health.NextAllowedAttempt),
		)
	}
}
