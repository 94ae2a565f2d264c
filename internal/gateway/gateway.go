// Package gateway assembles the service mesh gateway. A Gateway owns the
// registry, its circuit breakers, the router, the management API and the
// metrics collector; nothing is held in package-level state.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/angeloszaimis/service-gateway/config"
	"github.com/angeloszaimis/service-gateway/internal/api"
	"github.com/angeloszaimis/service-gateway/internal/backend"
	"github.com/angeloszaimis/service-gateway/internal/bootstrap"
	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/service-gateway/internal/healthcheck"
	"github.com/angeloszaimis/service-gateway/internal/metrics"
	"github.com/angeloszaimis/service-gateway/internal/registry"
	"github.com/angeloszaimis/service-gateway/internal/router"
	"github.com/angeloszaimis/service-gateway/pkg/logger"
)

const metricsBufferSize = 1000

type Gateway struct {
	cfg       *config.Config
	logger    *slog.Logger
	registry  *registry.Registry
	collector *metrics.Collector
	router    *router.DynamicRouter
	api       *api.API
	handler   http.Handler

	mutex         sync.Mutex
	stopCollector context.CancelFunc
}

func New(cfg *config.Config, log *slog.Logger) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		logger:    log,
		collector: metrics.NewCollector(metricsBufferSize, logger.Component(log, "metrics")),
	}

	breakerSettings := circuitbreaker.Settings{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeoutDuration(),
		HalfOpenMaxCalls: cfg.CircuitBreaker.HalfOpenMaxCalls,
	}

	g.registry = registry.New(
		logger.Component(log, "registry"),
		healthcheck.NewProber(cfg.HealthCheck.TimeoutDuration()),
		registry.Settings{
			SweepInterval:    cfg.HealthCheck.IntervalDuration(),
			RetryDelay:       cfg.HealthCheck.RetryDelayDuration(),
			FailureThreshold: cfg.HealthCheck.FailureThreshold,
			Breaker:          breakerSettings,
		},
		registry.WithHealthListener(func(service string, healthy bool) {
			g.collector.Emit(metrics.MetricEvent{
				Type:    metrics.EventHealthChanged,
				Service: service,
				Healthy: healthy,
			})
		}),
		registry.WithCircuitListener(func(service string, _, to circuitbreaker.State) {
			g.collector.Emit(metrics.MetricEvent{
				Type:    metrics.EventCircuitChanged,
				Service: service,
				Circuit: to,
			})
		}),
		registry.WithRemovalListener(func(service string) {
			g.collector.Emit(metrics.MetricEvent{
				Type:    metrics.EventServiceRemoved,
				Service: service,
			})
		}),
	)
	g.collector.TrackRegisteredServices(func() int { return g.registry.Stats().Total })

	forwarder := backend.NewForwarder(logger.Component(log, "proxy"), backend.Options{
		Timeout:       cfg.Proxy.TimeoutDuration(),
		FlushInterval: cfg.Proxy.FlushIntervalDuration(),
	})

	g.router = router.New(
		logger.Component(log, "router"),
		g.registry,
		g.registry,
		forwarder,
		router.WithMetrics(g.collector),
		router.WithRetryAfter(g.registry.BreakerSettings().ResetTimeout),
	)
	g.api = api.New(logger.Component(log, "api"), g.registry, g.collector)

	mux := http.NewServeMux()
	g.api.Register(mux)
	mux.Handle("/", g.router)
	g.handler = mux

	return g
}

// Handler serves management endpoints under /gateway/ and proxies the rest.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

func (g *Gateway) Metrics() *metrics.Collector {
	return g.collector
}

// Start launches the metrics collector, registers the bootstrap catalogue and
// starts the periodic health sweep. Catalogue services are probed before
// Start returns, so they are routable as soon as the server listens.
func (g *Gateway) Start(ctx context.Context) error {
	g.mutex.Lock()
	if g.stopCollector != nil {
		g.mutex.Unlock()
		return errors.New("gateway already started")
	}
	collectorCtx, cancel := context.WithCancel(context.Background())
	g.stopCollector = cancel
	g.mutex.Unlock()

	g.collector.Start(collectorCtx)

	if path := g.cfg.Bootstrap.ServicesFile; path != "" {
		regs, err := bootstrap.Load(path)
		if err != nil {
			g.Stop()
			return fmt.Errorf("bootstrap: %w", err)
		}
		if _, err := bootstrap.Apply(ctx, g.registry, regs, g.logger); err != nil {
			g.logger.Warn("Some catalogue services were not registered", slog.String("error", err.Error()))
		}
	}

	g.registry.StartPeriodicHealthChecks(ctx)
	return nil
}

// Stop halts the health sweep and flushes pending metrics. It is safe to call
// more than once.
func (g *Gateway) Stop() {
	g.registry.Stop()

	g.mutex.Lock()
	cancel := g.stopCollector
	g.stopCollector = nil
	g.mutex.Unlock()

	if cancel != nil {
		cancel()
	}
}
