package router

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angeloszaimis/service-gateway/internal/api"
	"github.com/angeloszaimis/service-gateway/internal/backend"
	"github.com/angeloszaimis/service-gateway/internal/circuitbreaker"
	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
	"github.com/angeloszaimis/service-gateway/internal/metrics"
	"github.com/angeloszaimis/service-gateway/internal/pathrewrite"
	"github.com/angeloszaimis/service-gateway/internal/registry"
)

const (
	ManagementPrefix = "/gateway/"

	HeaderService      = "X-Gateway-Service"
	HeaderTimestamp    = "X-Gateway-Timestamp"
	HeaderResponseTime = "X-Gateway-Response-Time"
	HeaderRequestID    = "X-Request-ID"
)

// Resolver finds the service that owns a request path.
type Resolver interface {
	FindServiceByRoute(path string) (registry.Service, bool)
	FindRouteClaimant(path string) (registry.Service, bool)
	Healthy() []registry.Service
}

// Breaker gates and observes requests per service.
type Breaker interface {
	AllowRequest(service string) bool
	RecordOutcome(service string, success bool)
	ReleaseRequest(service string)
}

type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, target *url.URL, upstreamPath string, hooks backend.Hooks)
}

type Option func(*DynamicRouter)

func WithMetrics(collector *metrics.Collector) Option {
	return func(rt *DynamicRouter) {
		rt.metricsCollector = collector
	}
}

// WithRetryAfter sets the retry hint sent with 503 responses.
func WithRetryAfter(d time.Duration) Option {
	return func(rt *DynamicRouter) {
		rt.retryAfter = d
	}
}

type DynamicRouter struct {
	logger           *slog.Logger
	resolver         Resolver
	breaker          Breaker
	forwarder        Forwarder
	metricsCollector *metrics.Collector
	retryAfter       time.Duration
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func New(logger *slog.Logger, resolver Resolver, breaker Breaker, forwarder Forwarder, opts ...Option) *DynamicRouter {
	rt := &DynamicRouter{
		logger:     logger,
		resolver:   resolver,
		breaker:    breaker,
		forwarder:  forwarder,
		retryAfter: circuitbreaker.DefaultResetTimeout,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *DynamicRouter) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w := &statusRecorder{ResponseWriter: rw, statusCode: http.StatusOK}
	defer rt.recoverPanic(w, r)

	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)

	path := r.URL.Path
	if strings.HasPrefix(path, ManagementPrefix) {
		api.WriteError(w, gatewayerr.NotFound("unknown management endpoint %s", path), nil)
		return
	}

	clientIP := extractClientIP(r)

	svc, err := rt.resolve(path)
	if err != nil {
		rt.reject(w, r, svc, err)
		return
	}

	target, err := url.Parse(svc.URL)
	if err != nil {
		rt.breaker.ReleaseRequest(svc.Name)
		api.WriteError(w, gatewayerr.Internal(err), nil)
		return
	}
	upstreamPath := pathrewrite.UpstreamPath(svc, path)

	rt.logger.Debug("Routing request",
		slog.String("client", clientIP),
		slog.String("method", r.Method),
		slog.String("path", path),
		slog.String("service", svc.Name),
		slog.String("upstream_path", upstreamPath),
		slog.String("request_id", requestID))

	rt.emitEvent(metrics.MetricEvent{
		Type:    metrics.EventRequestReceived,
		Service: svc.Name,
	})

	start := time.Now()
	rt.forwarder.Forward(w, r, target, upstreamPath, rt.hooks(svc, requestID, start))

	rt.emitEvent(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Service:    svc.Name,
		Duration:   time.Since(start),
		StatusCode: w.statusCode,
	})
}

// resolve applies the routing checks in order. A non-nil error may come with
// the service it concerns.
func (rt *DynamicRouter) resolve(path string) (registry.Service, error) {
	svc, ok := rt.resolver.FindServiceByRoute(path)
	if !ok {
		// Unhealthy and OPEN services are skipped above but still own
		// their routes.
		svc, ok = rt.resolver.FindRouteClaimant(path)
		if !ok {
			return registry.Service{}, gatewayerr.NotFound("no service found for path %s", path)
		}
	}

	if !rt.breaker.AllowRequest(svc.Name) {
		return svc, gatewayerr.CircuitOpen(svc.Name, rt.retryAfter)
	}

	if !svc.Healthy {
		rt.breaker.ReleaseRequest(svc.Name)
		return svc, gatewayerr.Unavailable("service is currently unhealthy", rt.retryAfter)
	}

	return svc, nil
}

func (rt *DynamicRouter) reject(w http.ResponseWriter, r *http.Request, svc registry.Service, err error) {
	switch gatewayerr.KindOf(err) {
	case gatewayerr.KindNotFound:
		rt.logger.Debug("No route for request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path))
		api.WriteError(w, err, map[string]any{
			"path":              r.URL.Path,
			"availableServices": rt.availableServices(),
		})
		return

	case gatewayerr.KindCircuitOpen:
		rt.emitEvent(metrics.MetricEvent{
			Type:    metrics.EventCircuitRejected,
			Service: svc.Name,
		})
	}

	rt.logger.Warn("Rejecting request",
		slog.String("service", svc.Name),
		slog.String("path", r.URL.Path),
		slog.String("kind", string(gatewayerr.KindOf(err))))

	w.Header().Set(HeaderService, svc.Name)
	api.WriteError(w, err, map[string]any{
		"service":    svc.Name,
		"retryAfter": int(rt.retryAfter.Seconds()),
	})
}

// availableServices lists what a client could have asked for instead.
func (rt *DynamicRouter) availableServices() []registry.RouteSummary {
	healthy := rt.resolver.Healthy()
	out := make([]registry.RouteSummary, 0, len(healthy))
	for _, svc := range healthy {
		if svc.Healthy {
			out = append(out, svc.Summary())
		}
	}
	return out
}

func (rt *DynamicRouter) hooks(svc registry.Service, requestID string, start time.Time) backend.Hooks {
	return backend.Hooks{
		PreDispatch: []backend.PreDispatchFunc{
			func(pr *httputil.ProxyRequest) {
				pr.Out.Header.Set(HeaderService, svc.Name)
				pr.Out.Header.Set(HeaderTimestamp, strconv.FormatInt(time.Now().UnixMilli(), 10))
				pr.Out.Header.Set(HeaderRequestID, requestID)
			},
		},
		PostResponse: []backend.PostResponseFunc{
			func(resp *http.Response) {
				rt.breaker.RecordOutcome(svc.Name, IsSuccess(resp.StatusCode))
			},
			func(resp *http.Response) {
				resp.Header.Set(HeaderService, svc.Name)
				resp.Header.Set(HeaderResponseTime, fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
				resp.Header.Set(HeaderRequestID, requestID)
			},
		},
		OnFailure: []backend.FailureFunc{
			func(w http.ResponseWriter, r *http.Request, err error) {
				rt.breaker.RecordOutcome(svc.Name, false)

				failure := gatewayerr.Classify(err)
				rt.logger.Warn("Upstream request failed",
					slog.String("service", svc.Name),
					slog.String("path", r.URL.Path),
					slog.String("kind", failure.String()),
					slog.String("error", err.Error()))
				rt.emitEvent(metrics.MetricEvent{
					Type:    metrics.EventUpstreamFailure,
					Service: svc.Name,
					Failure: failure.String(),
				})

				w.Header().Set(HeaderService, svc.Name)
				api.WriteError(w, gatewayerr.Upstream(svc.Name, err), map[string]any{
					"service": svc.Name,
					"kind":    failure.String(),
				})
			},
		},
	}
}

// IsSuccess reports whether an upstream status counts as a breaker success.
// The service answered, so client errors count too.
func IsSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 500
}

func (rt *DynamicRouter) recoverPanic(w *statusRecorder, r *http.Request) {
	rec := recover()
	if rec == nil {
		return
	}
	if rec == http.ErrAbortHandler {
		panic(rec)
	}

	rt.logger.Error("Router panic",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Bool("response_started", w.wroteHeader),
		slog.Any("panic", rec))
	// Headers are already out; the client keeps the status it has.
	if w.wroteHeader {
		return
	}
	api.WriteError(w, gatewayerr.Internal(fmt.Errorf("panic: %v", rec)), nil)
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}

	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (rt *DynamicRouter) emitEvent(event metrics.MetricEvent) {
	if rt.metricsCollector == nil {
		return
	}
	rt.metricsCollector.Emit(event)
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader && code >= http.StatusOK {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
