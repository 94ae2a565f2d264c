package registry

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
	"github.com/angeloszaimis/service-gateway/internal/healthcheck"
)

const (
	DefaultSweepInterval    = 30 * time.Second
	DefaultRetryDelay       = time.Second
	DefaultFailureThreshold = 3
)

// Prober performs a single health probe.
type Prober interface {
	Probe(ctx context.Context, healthURL string) healthcheck.Result
}

// HealthListener is told about every health flip of a registered service.
type HealthListener func(service string, healthy bool)

type Settings struct {
	// SweepInterval is the period of the background health sweep.
	SweepInterval time.Duration
	// RetryDelay is the pause before a failed probe is retried once.
	RetryDelay time.Duration
	// FailureThreshold is the number of consecutive failed sweeps that
	// forces the service's circuit open.
	FailureThreshold int
	Breaker          circuitbreaker.Settings
}

func DefaultSettings() Settings {
	return Settings{
		SweepInterval:    DefaultSweepInterval,
		RetryDelay:       DefaultRetryDelay,
		FailureThreshold: DefaultFailureThreshold,
		Breaker:          circuitbreaker.DefaultSettings(),
	}
}

type Option func(*Registry)

func WithHealthListener(listener HealthListener) Option {
	return func(r *Registry) {
		r.onHealthChange = listener
	}
}

// WithRemovalListener is told when a service is unregistered.
func WithRemovalListener(listener func(service string)) Option {
	return func(r *Registry) {
		r.onRemove = listener
	}
}

// WithCircuitListener is notified of every breaker transition. It runs under
// the breaker's lock, so it must not call back into the Registry.
func WithCircuitListener(listener circuitbreaker.StateChangeFunc) Option {
	return func(r *Registry) {
		r.onCircuitChange = listener
	}
}

// Registry is the authoritative table of registered services. It owns one
// circuit breaker per service name. Iteration follows registration order;
// re-registering a name keeps its original position.
type Registry struct {
	mutex    sync.RWMutex
	order    []string
	services map[string]*Service

	breakers        *circuitbreaker.Registry
	prober          Prober
	settings        Settings
	logger          *slog.Logger
	onHealthChange  HealthListener
	onCircuitChange circuitbreaker.StateChangeFunc
	onRemove        func(service string)

	sweeper sweeper
}

func New(logger *slog.Logger, prober Prober, settings Settings, opts ...Option) *Registry {
	if settings.SweepInterval <= 0 {
		settings.SweepInterval = DefaultSweepInterval
	}
	if settings.RetryDelay < 0 {
		settings.RetryDelay = DefaultRetryDelay
	}
	if settings.FailureThreshold < 1 {
		settings.FailureThreshold = DefaultFailureThreshold
	}

	r := &Registry{
		services: make(map[string]*Service),
		prober:   prober,
		settings: settings,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.breakers = circuitbreaker.NewRegistry(settings.Breaker, r.circuitChanged)
	return r
}

// Register validates and stores a service. The health endpoint is probed
// before the record becomes visible, so a service is never routable in an
// unprobed state. A record with the same name is replaced.
func (r *Registry) Register(ctx context.Context, reg Registration) (Service, error) {
	if err := reg.Validate(); err != nil {
		return Service{}, gatewayerr.Validation(err)
	}

	baseURL := strings.TrimRight(reg.URL, "/")
	routes := make([]string, 0, len(reg.Routes))
	for _, route := range reg.Routes {
		routes = append(routes, normalizeRoute(route))
	}

	svc := &Service{
		ID:           uuid.NewString(),
		Name:         reg.Name,
		URL:          baseURL,
		HealthURL:    resolveHealthURL(baseURL, reg.Health),
		Routes:       routes,
		Metadata:     reg.Metadata,
		RegisteredAt: time.Now(),
	}

	probe := r.prober.Probe(ctx, svc.HealthURL)
	svc.Healthy = probe.Healthy
	svc.LastHealthCheck = probe.CheckedAt
	svc.LastHealthReason = probe.Reason

	r.mutex.Lock()
	_, replaced := r.services[svc.Name]
	if !replaced {
		r.order = append(r.order, svc.Name)
	}
	r.services[svc.Name] = svc
	previous := r.breakers.State(svc.Name)
	r.breakers.Remove(svc.Name)
	snapshot := r.snapshotLocked(svc)
	r.mutex.Unlock()

	if previous != circuitbreaker.StateClosed {
		r.circuitChanged(svc.Name, previous, circuitbreaker.StateClosed)
	}

	r.logger.Info("Service registered",
		slog.String("service", svc.Name),
		slog.String("url", svc.URL),
		slog.String("health_url", svc.HealthURL),
		slog.Any("routes", svc.Routes),
		slog.Bool("healthy", svc.Healthy),
		slog.Bool("replaced", replaced))

	if r.onHealthChange != nil {
		r.onHealthChange(svc.Name, svc.Healthy)
	}

	return snapshot, nil
}

// Unregister removes a service and its circuit breaker. It reports whether
// the name was registered.
func (r *Registry) Unregister(name string) bool {
	r.mutex.Lock()
	_, found := r.services[name]
	if found {
		delete(r.services, name)
		r.order = slices.DeleteFunc(r.order, func(n string) bool { return n == name })
		r.breakers.Remove(name)
	}
	r.mutex.Unlock()

	if found {
		r.logger.Info("Service unregistered", slog.String("service", name))
		if r.onRemove != nil {
			r.onRemove(name)
		}
	}
	return found
}

func (r *Registry) Get(name string) (Service, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	svc, ok := r.services[name]
	if !ok {
		return Service{}, false
	}
	return r.snapshotLocked(svc), true
}

// All returns every service in registration order.
func (r *Registry) All() []Service {
	return r.collect(func(Service) bool { return true })
}

// Healthy returns the services whose circuit is not OPEN.
func (r *Registry) Healthy() []Service {
	return r.collect(func(s Service) bool {
		return s.CircuitState != circuitbreaker.StateOpen
	})
}

// FindServiceByRoute returns the first service, in registration order, that
// is healthy, has a non-OPEN circuit, and claims path. The first match wins
// even when a later service claims a longer prefix.
func (r *Registry) FindServiceByRoute(path string) (Service, bool) {
	return r.find(path, func(s Service) bool {
		return s.Healthy && s.CircuitState != circuitbreaker.StateOpen
	})
}

// FindRouteClaimant is FindServiceByRoute without the health and circuit
// filters. The router uses it to explain why a claimed route is unavailable.
func (r *Registry) FindRouteClaimant(path string) (Service, bool) {
	return r.find(path, func(Service) bool { return true })
}

// Stats aggregates the registry for the management API.
type Stats struct {
	Total        int `json:"total"`
	Healthy      int `json:"healthy"`
	Unhealthy    int `json:"unhealthy"`
	OpenCircuits int `json:"openCircuits"`
}

func (r *Registry) Stats() Stats {
	var stats Stats
	for _, svc := range r.All() {
		stats.Total++
		if svc.Healthy {
			stats.Healthy++
		} else {
			stats.Unhealthy++
		}
		if svc.CircuitState == circuitbreaker.StateOpen {
			stats.OpenCircuits++
		}
	}
	return stats
}

// AllowRequest consults the service's circuit breaker. It may move an OPEN
// circuit to HALF_OPEN, so call it once per routing decision.
func (r *Registry) AllowRequest(service string) bool {
	return r.breakers.AllowRequest(service)
}

// RecordOutcome feeds a proxied request's outcome into the breaker.
func (r *Registry) RecordOutcome(service string, success bool) {
	r.breakers.RecordOutcome(service, success)
}

// ReleaseRequest returns a half-open probe slot that was admitted but not used.
func (r *Registry) ReleaseRequest(service string) {
	r.breakers.GetBreaker(service).Release()
}

func (r *Registry) CircuitBreakers() map[string]circuitbreaker.Snapshot {
	return r.breakers.Stats()
}

func (r *Registry) BreakerSettings() circuitbreaker.Settings {
	return r.breakers.Settings()
}

func (r *Registry) find(path string, eligible func(Service) bool) (Service, bool) {
	normalized := NormalizePath(path)

	r.mutex.RLock()
	defer r.mutex.RUnlock()

	for _, name := range r.order {
		svc := r.snapshotLocked(r.services[name])
		if !eligible(svc) {
			continue
		}
		if svc.Matches(normalized) {
			return svc, true
		}
	}
	return Service{}, false
}

func (r *Registry) collect(keep func(Service) bool) []Service {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	out := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		svc := r.snapshotLocked(r.services[name])
		if keep(svc) {
			out = append(out, svc)
		}
	}
	return out
}

// snapshotLocked copies a record and mirrors its breaker state. The caller
// holds r.mutex.
func (r *Registry) snapshotLocked(svc *Service) Service {
	out := svc.clone()
	out.CircuitState = r.breakers.State(svc.Name)
	return out
}

func (r *Registry) circuitChanged(service string, from, to circuitbreaker.State) {
	r.logger.Warn("Circuit breaker state changed",
		slog.String("service", service),
		slog.String("from", from.String()),
		slog.String("to", to.String()))
	if r.onCircuitChange != nil {
		r.onCircuitChange(service, from, to)
	}
}
