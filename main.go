package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/deembot/atick-monitor/buffer"
	"github.com/deembot/atick-monitor/config"
	"github.com/deembot/atick-monitor/engine"
	"github.com/deembot/atick-monitor/metrics"
	"github.com/deembot/atick-monitor/poller"
	"github.com/deembot/atick-monitor/profiling"
	"github.com/deembot/atick-monitor/scanner"
	"github.com/deembot/atick-monitor/store"
	"github.com/deembot/atick-monitor/telemetry"
	"github.com/deembot/atick-monitor/types"
)

func main() {
	configPath := flag.String("c", "config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting aTick water meter monitoring service")
	cfg.PrintConfig(logger)

	profiler, err := profiling.Start(&cfg.Profiling, logger)
	if err != nil {
		logger.Error("failed to initialize profiler", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("failed to shutdown profiler", zap.Error(err))
		}
	}()

	ctx := context.Background()
	otelProviders, err := telemetry.InitProviders(ctx, &cfg.OpenTelemetry, logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry providers", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry providers", zap.Error(err))
		}
	}()

	tracer := otel.Tracer("main")
	ctx, mainSpan := tracer.Start(ctx, "main.run")
	defer mainSpan.End()

	ringBuffer := buffer.New[*types.Reading](cfg.Prometheus.BufferSize, logger)

	pusher := metrics.New(metrics.Config{
		URL:             cfg.Prometheus.URL,
		Username:        cfg.Prometheus.Username,
		Password:        cfg.Prometheus.Password,
		PushIntervalSec: cfg.Prometheus.PushIntervalSeconds,
		BatchSize:       cfg.Prometheus.BatchSize,
		TimeSeriesBuilder: metrics.CombineBuilders(
			metrics.BuildCounterTimeSeries,
			metrics.BuildHealthTimeSeries,
		),
	}, ringBuffer, logger)
	logger.Info("prometheus pusher initialized", zap.String("url", cfg.Prometheus.URL))

	engineCfg := engine.Config{
		LockTimeout:           time.Duration(cfg.Engine.LockTimeoutSeconds) * time.Second,
		BackoffBase:           time.Duration(cfg.Engine.BackoffBaseSeconds) * time.Second,
		BackoffMax:            time.Duration(cfg.Engine.BackoffMaxSeconds) * time.Second,
		MaxConnectionFailures: cfg.Engine.MaxConnectionFailures,
	}

	healthPoller := poller.New(ringBuffer, logger)

	engines := make([]*engine.Engine, 0, len(cfg.Devices))
	for _, device := range cfg.Devices {
		eng, err := engine.New(
			engine.Identity{Address: device.Address, Name: device.Name},
			device.PIN,
			engine.Transforms{
				A: store.Transform{Ratio: device.CounterA.Ratio, Offset: device.CounterA.Offset},
				B: store.Transform{Ratio: device.CounterB.Ratio, Offset: device.CounterB.Offset},
			},
			engineCfg,
			logger.With(zap.String("device", device.Name)),
		)
		if err != nil {
			logger.Error("failed to create device engine",
				zap.String("device", device.Name), zap.Error(err))
			os.Exit(1)
		}

		interval := time.Duration(device.PollIntervalSeconds) * time.Second
		removePoll, err := healthPoller.AddDevice(eng, interval)
		if err != nil {
			logger.Error("failed to schedule health poll",
				zap.String("device", device.Name), zap.Error(err))
			os.Exit(1)
		}
		eng.AddCloser("health poll", removePoll)

		engines = append(engines, eng)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup

	bleScanner := scanner.New(engines, ringBuffer, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := bleScanner.Start(ctx); err != nil {
			logger.Error("BLE scanner failed", zap.Error(err))
			cancel()
		}
	}()

	healthPoller.Start()

	wg.Add(1)
	go func() {
		defer wg.Done()
		pusher.Start(ctx)
	}()

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("context cancelled")
	}

	cancel()

	logger.Info("stopping BLE scanner")
	if err := bleScanner.Stop(); err != nil {
		logger.Error("failed to stop BLE scanner", zap.Error(err))
	}

	healthPoller.Stop()

	for _, eng := range engines {
		if err := eng.Cleanup(); err != nil {
			logger.Error("failed to clean up device engine",
				zap.String("device", eng.Identity().Name), zap.Error(err))
		}
	}

	logger.Info("performing final metrics push")
	readings := ringBuffer.GetAllAndClear()
	if len(readings) > 0 {
		finalCtx, finalCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer finalCancel()
		if err := pusher.Push(finalCtx, readings); err != nil {
			logger.Error("failed final metrics push", zap.Error(err))
		} else {
			logger.Info("final metrics push successful", zap.Int("reading_count", len(readings)))
		}
	}

	wg.Wait()
	logger.Info("aTick monitoring service stopped")
}
