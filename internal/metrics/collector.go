package metrics

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventResponseCompleted EventType = "response_completed"
	EventHealthChanged     EventType = "health_changed"
	EventCircuitRejected   EventType = "circuit_rejected"
	EventUpstreamFailure   EventType = "upstream_failure"
	EventServiceRemoved    EventType = "service_removed"
	EventCircuitChanged    EventType = "circuit_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Service    string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	// Failure is the transport failure kind of an EventUpstreamFailure.
	Failure string
	// Circuit is the new breaker state of an EventCircuitChanged.
	Circuit circuitbreaker.State
}

type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	logger  *slog.Logger

	registry          *prometheus.Registry
	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	circuitRejections *prometheus.CounterVec
	upstreamFailures  *prometheus.CounterVec
	serviceHealthy    *prometheus.GaugeVec
	circuitState      *prometheus.GaugeVec
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	c := &Collector{
		eventCh:  make(chan MetricEvent, bufferSize),
		metrics:  NewMetrics(),
		logger:   logger,
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of proxied requests by service and status code",
			},
			[]string{"service", "code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Upstream response time of proxied requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		circuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_circuit_rejections_total",
				Help: "Requests rejected because the service's circuit was open",
			},
			[]string{"service"},
		),
		upstreamFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_failures_total",
				Help: "Proxied requests that produced no upstream response, by failure kind",
			},
			[]string{"service", "kind"},
		),
		serviceHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_service_healthy",
				Help: "Whether the service's last health probe succeeded (1) or not (0)",
			},
			[]string{"service"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_circuit_state",
				Help: "Circuit breaker state per service: 0 closed, 1 open, 2 half-open",
			},
			[]string{"service"},
		),
	}

	c.registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.circuitRejections,
		c.upstreamFailures,
		c.serviceHealthy,
		c.circuitState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

// TrackRegisteredServices exposes gateway_registered_services, read from count
// at scrape time. Call it once.
func (c *Collector) TrackRegisteredServices(count func() int) {
	c.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gateway_registered_services",
			Help: "Number of services currently registered with the gateway",
		},
		func() float64 { return float64(count()) },
	))
}

// Emit queues an event without blocking. Events are dropped when the buffer
// is full.
func (c *Collector) Emit(event MetricEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
	default:
		c.logger.Debug("Metrics buffer full, dropping event",
			slog.String("type", string(event.Type)),
			slog.String("service", event.Service))
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			// Drain remaining events before shutdown
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Service)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Service, event.Duration, event.StatusCode)
		c.requestsTotal.WithLabelValues(event.Service, strconv.Itoa(event.StatusCode)).Inc()
		c.requestDuration.WithLabelValues(event.Service).Observe(event.Duration.Seconds())

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Service, event.Healthy)
		value := 0.0
		if event.Healthy {
			value = 1
		}
		c.serviceHealthy.WithLabelValues(event.Service).Set(value)

	case EventCircuitRejected:
		c.metrics.RecordRejection(event.Service)
		c.circuitRejections.WithLabelValues(event.Service).Inc()

	case EventUpstreamFailure:
		c.metrics.RecordUpstreamFailure(event.Service, event.Failure)
		c.upstreamFailures.WithLabelValues(event.Service, event.Failure).Inc()

	case EventCircuitChanged:
		c.circuitState.WithLabelValues(event.Service).Set(float64(event.Circuit))

	case EventServiceRemoved:
		c.metrics.Forget(event.Service)
		labels := prometheus.Labels{"service": event.Service}
		c.requestsTotal.DeletePartialMatch(labels)
		c.requestDuration.DeletePartialMatch(labels)
		c.circuitRejections.DeletePartialMatch(labels)
		c.upstreamFailures.DeletePartialMatch(labels)
		c.serviceHealthy.DeletePartialMatch(labels)
		c.circuitState.DeletePartialMatch(labels)
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

func (c *Collector) Snapshot() Snapshot {
	return c.metrics.Snapshot()
}
