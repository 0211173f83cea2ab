package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/respcache/respcache/internal/buffer"
	"github.com/respcache/respcache/internal/cache"
	"github.com/respcache/respcache/internal/config"
	"github.com/respcache/respcache/internal/maintenance"
	"github.com/respcache/respcache/internal/metrics"
	"github.com/respcache/respcache/internal/payload"
	"github.com/respcache/respcache/internal/timing"
	"github.com/respcache/respcache/internal/transport"
	"github.com/respcache/respcache/pkg/health"
	"github.com/respcache/respcache/pkg/memmon"
	"github.com/respcache/respcache/pkg/utils"
)

const componentPayload = "payload"

// app holds the components wired from one configuration.
type app struct {
	cfg       *config.Configuration
	logger    *zap.Logger
	sink      *utils.ZapSink
	metrics   *metrics.Collector
	health    *health.Tracker
	payloads  *payload.Stack
	pool      *buffer.Pool
	memory    *memmon.MemoryMonitor
	store     *cache.Store
	engine    *maintenance.Engine
	transport *transport.Transport
	params    maintenance.Params
}

// loadConfig layers the optional YAML file and the environment over the
// defaults.
func loadConfig(path string) (*config.Configuration, error) {
	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, sink: utils.NewZapSink(logger)}

	maxSize, err := cfg.MaxSizeBytes()
	if err != nil {
		return nil, err
	}
	a.params = maintenance.Params{
		MaxAge:       cfg.Cache.MaxAge,
		MaxTotalSize: maxSize,
		MaxEntries:   cfg.Cache.MaxEntries,
	}

	a.health = health.NewTracker(health.DefaultConfig())
	a.health.RegisterComponent(componentPayload)
	a.health.AddStateChangeCallback(func(component string, from, to health.HealthState, err error) {
		logger.Warn("component health changed",
			zap.String("component", component),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
			zap.Error(err))
	})

	a.metrics, err = metrics.NewCollector(metrics.ConfigFrom(cfg),
		metrics.WithLogger(a.sink),
		metrics.WithHealth(a.health),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}

	maxPool, maxBuffer, err := cfg.PoolBytes()
	if err != nil {
		return nil, err
	}
	a.pool = buffer.NewPool(buffer.Config{
		Enabled:             cfg.Pool.Enabled,
		MaxIdle:             cfg.Pool.MaxIdle,
		MaintenanceInterval: cfg.Pool.MaintenanceInterval,
		MaxPoolBytes:        maxPool,
		MaxBufferSize:       int(maxBuffer),
		DoubleReleaseCheck:  cfg.Pool.DoubleReleaseCheck,
	}, buffer.WithLogger(a.sink), buffer.WithMetrics(a.metrics))

	heapLimit, err := cfg.HeapLimitBytes()
	if err != nil {
		return nil, err
	}
	if heapLimit > 0 && cfg.Pool.Enabled {
		a.memory = memmon.NewMemoryMonitor(memmon.MonitorConfig{
			SampleInterval: cfg.Pool.HeapCheckInterval,
			HeapLimit:      uint64(heapLimit),
			Logger:         a.sink,
			OnPressure:     func(p bool) { a.pool.SetEnabled(!p) },
		})
	}

	a.payloads, err = payload.Open(ctx, cfg, a.sink)
	if err != nil {
		return nil, err
	}

	a.store, err = cache.Open(ctx, a.payloads.Store,
		cache.WithLogger(a.sink),
		cache.WithMetrics(a.metrics),
		cache.WithBufferPool(a.pool),
		cache.WithIndexLocation(cfg.Cache.IndexFile),
	)
	if err != nil {
		_ = a.payloads.Close()
		return nil, err
	}

	a.engine = maintenance.New(a.store,
		maintenance.WithLogger(a.sink),
		maintenance.WithMetrics(a.metrics),
	)

	a.transport = transport.New(a.store,
		transport.WithVaryHeaders(cfg.Cache.VaryHeaders...),
		transport.WithLogger(a.sink),
		transport.WithRecorder(a.metrics),
		transport.WithTimingSink(a.logTiming),
	)
	return a, nil
}

// checkComponent probes one tracked component.
func (a *app) checkComponent(ctx context.Context, component string) error {
	switch component {
	case componentPayload:
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		_, err := a.payloads.Store.Exists(ctx, a.cfg.Cache.IndexFile)
		return err
	default:
		return nil
	}
}

func (a *app) logTiming(req *http.Request, c *timing.Collector) {
	if ce := a.logger.Check(zap.DebugLevel, "request timing"); ce != nil {
		ce.Write(
			zap.String("url", req.URL.String()),
			zap.Duration("total", c.Total()),
			zap.Stringer("events", c),
		)
	}
}

// Close stops background work, persists the index and releases the
// payload backend.
func (a *app) Close() error {
	a.engine.Stop()
	if a.memory != nil {
		a.memory.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := a.store.Save(ctx)
	if err != nil {
		a.logger.Warn("failed to save cache index", zap.Error(err))
	}
	if merr := a.metrics.Stop(ctx); merr != nil && err == nil {
		err = merr
	}
	if perr := a.payloads.Close(); perr != nil && err == nil {
		err = perr
	}
	return err
}
