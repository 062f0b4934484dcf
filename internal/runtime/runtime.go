// Package runtime assembles the subsystems into one handle. Apart from
// zerolog's global logger, nothing in the system is a module-level
// singleton: every pool, limiter and telemetry log hangs off a Runtime,
// and Close unwinds them in dependency order.
package runtime

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/driftbreak/driftbreak/internal/browser"
	"github.com/driftbreak/driftbreak/internal/config"
	"github.com/driftbreak/driftbreak/internal/detect"
	"github.com/driftbreak/driftbreak/internal/identity"
	"github.com/driftbreak/driftbreak/internal/proxy"
	"github.com/driftbreak/driftbreak/internal/queue"
	"github.com/driftbreak/driftbreak/internal/ratelimit"
	"github.com/driftbreak/driftbreak/internal/sectest"
	"github.com/driftbreak/driftbreak/internal/session"
	"github.com/driftbreak/driftbreak/internal/telemetry"
	"github.com/driftbreak/driftbreak/internal/types"
	"github.com/driftbreak/driftbreak/internal/worker"
)

// Runtime owns every subsystem. Construct with New, dispose with Close.
type Runtime struct {
	Config    *config.Config
	Limiter   *ratelimit.Limiter
	Proxies   *proxy.Pool
	Assembler *identity.Assembler
	Driver    browser.Driver
	Sessions  *session.Pool
	Queue     *queue.Queue
	Workers   *worker.Pool
	Detector  *detect.Aggregator
	Metrics   *telemetry.Collector
	Alerter   *telemetry.Alerter
	Tester    *sectest.Tester

	proxyWatcher  *proxy.Watcher
	metricsServer *http.Server
}

// New wires a Runtime from configuration. The browser driver may be
// overridden (tests pass a fake); nil selects the rod driver.
func New(ctx context.Context, cfg *config.Config, driver browser.Driver) (*Runtime, error) {
	rt := &Runtime{Config: cfg}

	rt.Metrics = telemetry.NewCollector(cfg.MaxHistory)
	rt.Alerter = telemetry.NewAlerter()

	rt.Limiter = ratelimit.New(ratelimit.Config{
		RPS:            cfg.RPS,
		RPM:            cfg.RPM,
		RPH:            cfg.RPH,
		MaxConcurrent:  cfg.MaxConcurrent,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		BackoffFactor:  cfg.BackoffFactor,
	})

	if cfg.ProxyEnabled {
		rt.Proxies = proxy.NewPool(proxy.PoolConfig{
			RotationInterval: cfg.ProxyRotationEvery,
			EvictThreshold:   cfg.ProxyEvictThreshold,
		})
		if _, err := rt.Proxies.LoadFile(cfg.ProxyListFile); err != nil {
			return nil, fmt.Errorf("%w: proxy list: %v", types.ErrConfiguration, err)
		}
		if cfg.ProxyWatchFile {
			w, err := proxy.NewWatcher(rt.Proxies, cfg.ProxyListFile)
			if err != nil {
				log.Warn().Err(err).Msg("Proxy list watcher unavailable")
			} else {
				rt.proxyWatcher = w
			}
		}
	}

	rt.Assembler = identity.NewAssembler()

	if driver == nil {
		driver = browser.NewRodDriver(browser.RodConfig{
			Headless:    cfg.Headless,
			BrowserPath: cfg.BrowserPath,
		})
	}
	rt.Driver = driver

	rt.Sessions = session.NewPool(session.PoolConfig{
		MaxSessions: cfg.MaxSessions,
		MaxIdle:     cfg.SessionMaxIdle,
		Identity:    identity.DefaultConfig(),
	}, driver, rt.Assembler, rt.Proxies)

	registry := detect.NewRegistry()
	if cfg.DetectRulesPath != "" {
		if err := registry.LoadRules(cfg.DetectRulesPath); err != nil {
			log.Warn().Err(err).Str("path", cfg.DetectRulesPath).Msg("Detection rules not loaded")
		}
	}
	rt.Detector = detect.NewAggregator(registry, rt.Limiter, rt.Proxies, rt.Metrics)

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	rt.Queue = queue.New(backend, queue.Config{
		LeaseTimeout: cfg.LeaseTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RetryType:    cfg.RetryType,
		RetryDelay:   cfg.RetryDelay,
		CompletedTTL: cfg.CompletedTTL,
		FailedTTL:    cfg.FailedTTL,
	})

	rt.Workers = worker.New(worker.Config{
		Workers:        cfg.Workers,
		GracePeriod:    cfg.GracePeriod,
		DefaultTimeout: cfg.DefaultTimeout,
		UseProxies:     cfg.ProxyEnabled,
	}, rt.Queue, rt.Limiter, rt.Sessions, rt.Proxies, rt.Detector, rt.Metrics)

	rt.Tester = sectest.NewTester(rt.Sessions, rt.Limiter, rt.Detector)

	if cfg.MetricsEnabled {
		rt.startMetricsServer()
	}

	log.Info().
		Str("queue_backend", cfg.QueueBackend).
		Int("workers", cfg.Workers).
		Bool("proxies", cfg.ProxyEnabled).
		Msg("Runtime assembled")
	return rt, nil
}

// buildBackend selects the queue backend from configuration.
func buildBackend(ctx context.Context, cfg *config.Config) (queue.Backend, error) {
	switch cfg.QueueBackend {
	case "redis":
		return queue.NewRedisBackend(ctx, queue.RedisOptions{
			Addr:     cfg.RedisAddr(),
			Password: cfg.RedisPassword,
		})
	default:
		return queue.NewMemoryBackend(), nil
	}
}

// startMetricsServer exposes Prometheus metrics on the configured port.
func (rt *Runtime) startMetricsServer() {
	prom := telemetry.NewProm()
	rt.Metrics.SetProm(prom)

	mux := http.NewServeMux()
	mux.Handle("/metrics", prom.Handler())

	rt.metricsServer = &http.Server{
		Addr:         fmt.Sprintf("127.0.0.1:%d", rt.Config.MetricsPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", rt.Config.MetricsPort).Msg("Metrics server started")
		if err := rt.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server failed")
		}
	}()

	// Keep the occupancy gauges fresh.
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			prom.SetSessionsOpen(rt.Sessions.Count())
			if rt.Proxies != nil {
				prom.SetProxiesTotal(rt.Proxies.Stats().Total)
			}
			if stats, err := rt.Queue.Stats(context.Background()); err == nil {
				prom.SetQueueDepth(stats.Waiting)
			}
		}
	}()
}

// Close unwinds in order: workers, queue, sessions, driver, watcher,
// metrics server. Safe to call after a partial failure.
func (rt *Runtime) Close() error {
	log.Info().Msg("Runtime shutting down")

	if rt.Workers != nil {
		rt.Workers.Stop()
	}
	if rt.Queue != nil {
		if err := rt.Queue.Close(); err != nil {
			log.Warn().Err(err).Msg("Queue close error")
		}
	}
	if rt.Sessions != nil {
		if err := rt.Sessions.CloseAll(); err != nil {
			log.Warn().Err(err).Msg("Session pool close error")
		}
	}
	if rt.Driver != nil {
		if err := rt.Driver.Close(); err != nil {
			log.Warn().Err(err).Msg("Driver close error")
		}
	}
	if rt.proxyWatcher != nil {
		rt.proxyWatcher.Close()
	}
	if rt.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.metricsServer.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Metrics server shutdown error")
		}
	}

	log.Info().Msg("Runtime shutdown complete")
	return nil
}
