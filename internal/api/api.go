package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
	"github.com/angeloszaimis/service-gateway/internal/metrics"
	"github.com/angeloszaimis/service-gateway/internal/pathrewrite"
	"github.com/angeloszaimis/service-gateway/internal/registry"
)

// maxBodyBytes bounds management request bodies.
const maxBodyBytes = 1 << 20

// ServiceRegistry is the registry surface the management API needs.
type ServiceRegistry interface {
	Register(ctx context.Context, reg registry.Registration) (registry.Service, error)
	Unregister(name string) bool
	Get(name string) (registry.Service, bool)
	All() []registry.Service
	Healthy() []registry.Service
	Stats() registry.Stats
	FindServiceByRoute(path string) (registry.Service, bool)
	FindRouteClaimant(path string) (registry.Service, bool)
	CheckServicesHealth(ctx context.Context) []registry.HealthReport
	CircuitBreakers() map[string]circuitbreaker.Snapshot
	BreakerSettings() circuitbreaker.Settings
}

type API struct {
	logger           *slog.Logger
	registry         ServiceRegistry
	metricsCollector *metrics.Collector
	startedAt        time.Time
}

func New(logger *slog.Logger, reg ServiceRegistry, collector *metrics.Collector) *API {
	return &API{
		logger:           logger,
		registry:         reg,
		metricsCollector: collector,
		startedAt:        time.Now(),
	}
}

// Register mounts the management endpoints on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /gateway/register", a.handleRegister)
	mux.HandleFunc("DELETE /gateway/register/{name}", a.handleUnregister)
	mux.HandleFunc("GET /gateway/services", a.handleServices)
	mux.HandleFunc("GET /gateway/services/{name}", a.handleService)
	mux.HandleFunc("GET /gateway/health", a.handleHealth)
	mux.HandleFunc("GET /gateway/debug", a.handleDebug)
	mux.HandleFunc("POST /gateway/test-route", a.handleTestRoute)
	mux.HandleFunc("POST /gateway/health-check", a.handleHealthCheck)
	if a.metricsCollector != nil {
		mux.Handle("GET /gateway/metrics", a.metricsCollector.PrometheusHandler())
		mux.Handle("GET /gateway/stats", a.metricsCollector.Handler())
	}
	mux.HandleFunc("/gateway/", a.handleUnknown)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var reg registry.Registration
	if err := decodeBody(w, r, &reg); err != nil {
		WriteError(w, err, nil)
		return
	}

	svc, err := a.registry.Register(r.Context(), reg)
	if err != nil {
		a.logger.Warn("Registration rejected",
			slog.String("service", reg.Name),
			slog.String("error", err.Error()))
		WriteError(w, err, nil)
		return
	}

	WriteSuccess(w, http.StatusCreated, "Service "+svc.Name+" registered", svc)
}

func (a *API) handleUnregister(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.registry.Unregister(name) {
		WriteError(w, gatewayerr.NotFound("service %s not found", name), nil)
		return
	}

	WriteSuccess(w, http.StatusOK, "Service "+name+" unregistered", map[string]string{"name": name})
}

func (a *API) handleServices(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, http.StatusOK, "", map[string]any{
		"services": a.registry.All(),
		"stats":    a.registry.Stats(),
	})
}

func (a *API) handleService(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	svc, ok := a.registry.Get(name)
	if !ok {
		WriteError(w, gatewayerr.NotFound("service %s not found", name), nil)
		return
	}
	WriteSuccess(w, http.StatusOK, "", svc)
}

type serviceHealth struct {
	Name                string                  `json:"name"`
	URL                 string                  `json:"url"`
	Healthy             bool                    `json:"healthy"`
	CircuitState        circuitbreaker.State    `json:"circuitState"`
	ConsecutiveFailures int                     `json:"consecutiveFailures"`
	LastHealthCheck     time.Time               `json:"lastHealthCheck"`
	LastHealthReason    string                  `json:"lastHealthReason,omitempty"`
	Metrics             *metrics.ServiceMetrics `json:"metrics,omitempty"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	var snap metrics.Snapshot
	if a.metricsCollector != nil {
		snap = a.metricsCollector.Snapshot()
	}

	services := a.registry.All()
	details := make([]serviceHealth, 0, len(services))
	for _, svc := range services {
		detail := serviceHealth{
			Name:                svc.Name,
			URL:                 svc.URL,
			Healthy:             svc.Healthy,
			CircuitState:        svc.CircuitState,
			ConsecutiveFailures: svc.ConsecutiveFailures,
			LastHealthCheck:     svc.LastHealthCheck,
			LastHealthReason:    svc.LastHealthReason,
		}
		if sm, ok := snap.Services[svc.Name]; ok {
			detail.Metrics = &sm
		}
		details = append(details, detail)
	}

	uptime := time.Since(a.startedAt)
	WriteSuccess(w, http.StatusOK, "", map[string]any{
		"status":        "healthy",
		"timestamp":     time.Now().UTC(),
		"uptime":        uptime.Round(time.Second).String(),
		"uptimeSeconds": int64(uptime.Seconds()),
		"memory":        memoryStats(),
		"goroutines":    runtime.NumGoroutine(),
		"stats":         a.registry.Stats(),
		"services":      details,
	})
}

func (a *API) handleDebug(w http.ResponseWriter, r *http.Request) {
	data := map[string]any{
		"services":        a.registry.All(),
		"circuitBreakers": a.registry.CircuitBreakers(),
		"breakerSettings": breakerSettingsView(a.registry.BreakerSettings()),
		"stats":           a.registry.Stats(),
		"runtime": map[string]any{
			"goVersion":  runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
			"memory":     memoryStats(),
		},
	}
	if a.metricsCollector != nil {
		data["metrics"] = a.metricsCollector.Snapshot()
	}

	WriteSuccess(w, http.StatusOK, "", data)
}

type testRouteRequest struct {
	Path string `json:"path"`
}

func (t testRouteRequest) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.Path, validation.Required),
	)
}

func (a *API) handleTestRoute(w http.ResponseWriter, r *http.Request) {
	var req testRouteRequest
	if err := decodeBody(w, r, &req); err != nil {
		WriteError(w, err, nil)
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, &gatewayerr.Error{Kind: gatewayerr.KindValidation, Message: "invalid test-route request", Err: err}, nil)
		return
	}

	// Resolve exactly what the router would see for a request to this path.
	path, _, _ := strings.Cut(req.Path, "?")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	svc, ok := a.registry.FindServiceByRoute(path)
	if !ok {
		data := map[string]any{
			"path":              path,
			"availableServices": a.availableServices(),
		}
		if claimant, found := a.registry.FindRouteClaimant(path); found {
			data["claimedBy"] = map[string]any{
				"name":         claimant.Name,
				"healthy":      claimant.Healthy,
				"circuitState": claimant.CircuitState,
			}
		}
		WriteError(w, gatewayerr.NotFound("no available service for path %s", path), data)
		return
	}

	upstreamPath := pathrewrite.UpstreamPath(svc, path)
	WriteSuccess(w, http.StatusOK, "Route resolved to "+svc.Name, map[string]any{
		"path":         path,
		"service":      svc,
		"upstreamPath": upstreamPath,
		"targetUrl":    svc.URL + upstreamPath,
	})
}

func (a *API) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	reports := a.registry.CheckServicesHealth(r.Context())
	WriteSuccess(w, http.StatusOK, "Health check completed", map[string]any{
		"results": reports,
		"stats":   a.registry.Stats(),
	})
}

func (a *API) handleUnknown(w http.ResponseWriter, r *http.Request) {
	WriteError(w, gatewayerr.NotFound("unknown management endpoint %s %s", r.Method, r.URL.Path), nil)
}

func (a *API) availableServices() []registry.RouteSummary {
	healthy := a.registry.Healthy()
	out := make([]registry.RouteSummary, 0, len(healthy))
	for _, svc := range healthy {
		if svc.Healthy {
			out = append(out, svc.Summary())
		}
	}
	return out
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, io.EOF):
		return &gatewayerr.Error{Kind: gatewayerr.KindValidation, Message: "request body is required"}
	default:
		return &gatewayerr.Error{Kind: gatewayerr.KindValidation, Message: "invalid JSON body", Err: err}
	}
}

func memoryStats() map[string]uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]uint64{
		"allocBytes":     m.Alloc,
		"heapInUseBytes": m.HeapInuse,
		"sysBytes":       m.Sys,
		"numGC":          uint64(m.NumGC),
	}
}

func breakerSettingsView(s circuitbreaker.Settings) map[string]any {
	return map[string]any{
		"failureThreshold": s.FailureThreshold,
		"resetTimeoutMs":   s.ResetTimeout.Milliseconds(),
		"halfOpenMaxCalls": s.HalfOpenMaxCalls,
	}
}
