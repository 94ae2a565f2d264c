package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-gateway/internal/api"
	"github.com/angeloszaimis/service-gateway/internal/healthcheck"
	"github.com/angeloszaimis/service-gateway/internal/metrics"
	"github.com/angeloszaimis/service-gateway/internal/registry"
	"github.com/angeloszaimis/service-gateway/pkg/logger"
)

type response struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
	Error   string         `json:"error"`
}

var _ = Describe("API", func() {
	var (
		mux       *http.ServeMux
		reg       *registry.Registry
		collector *metrics.Collector
		upstream  *httptest.Server
		healthy   atomic.Bool
	)

	do := func(method, path string, payload any) (int, response) {
		var body bytes.Buffer
		if payload != nil {
			if raw, ok := payload.(string); ok {
				body.WriteString(raw)
			} else {
				Expect(json.NewEncoder(&body).Encode(payload)).To(Succeed())
			}
		}
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(method, path, &body))

		var out response
		if w.Header().Get("Content-Type") == "application/json" {
			Expect(json.Unmarshal(w.Body.Bytes(), &out)).To(Succeed())
		}
		return w.Code, out
	}

	register := func(payload map[string]any) {
		code, _ := do(http.MethodPost, "/gateway/register", payload)
		Expect(code).To(Equal(http.StatusCreated))
	}

	BeforeEach(func() {
		healthy.Store(true)
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if healthy.Load() {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusServiceUnavailable)
		}))

		settings := registry.DefaultSettings()
		settings.RetryDelay = time.Millisecond
		reg = registry.New(logger.Discard(), healthcheck.NewProber(time.Second), settings)
		collector = metrics.NewCollector(10, logger.Discard())

		mux = http.NewServeMux()
		api.New(logger.Discard(), reg, collector).Register(mux)
	})

	AfterEach(func() {
		upstream.Close()
	})

	Describe("POST /gateway/register", func() {
		It("should store the service and answer 201", func() {
			code, body := do(http.MethodPost, "/gateway/register", map[string]any{
				"name":   "order-service",
				"url":    upstream.URL + "/",
				"routes": []string{"/api/orders"},
			})

			Expect(code).To(Equal(http.StatusCreated))
			Expect(body.Success).To(BeTrue())
			Expect(body.Data).To(HaveKeyWithValue("name", "order-service"))
			Expect(body.Data).To(HaveKeyWithValue("url", upstream.URL))
			Expect(body.Data).To(HaveKeyWithValue("healthUrl", upstream.URL+"/health"))
			Expect(body.Data).To(HaveKeyWithValue("healthy", true))
			Expect(body.Data).To(HaveKeyWithValue("circuitState", "CLOSED"))
			Expect(body.Data["routes"]).To(Equal([]any{"api/orders"}))
		})

		It("should answer 400 with field errors for missing fields", func() {
			code, body := do(http.MethodPost, "/gateway/register", map[string]any{"url": "ftp://x"})

			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(body.Success).To(BeFalse())
			Expect(body.Data["fields"]).To(HaveKey("name"))
			Expect(body.Data["fields"]).To(HaveKey("url"))
		})

		It("should answer 400 for malformed JSON and empty bodies", func() {
			code, body := do(http.MethodPost, "/gateway/register", "{not json")
			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(body.Error).To(Equal("invalid JSON body"))

			code, body = do(http.MethodPost, "/gateway/register", nil)
			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(body.Error).To(Equal("request body is required"))
		})
	})

	Describe("DELETE /gateway/register/{name}", func() {
		It("should remove a registered service", func() {
			register(map[string]any{"name": "order-service", "url": upstream.URL})

			code, body := do(http.MethodDelete, "/gateway/register/order-service", nil)
			Expect(code).To(Equal(http.StatusOK))
			Expect(body.Success).To(BeTrue())
			Expect(reg.All()).To(BeEmpty())
		})

		It("should answer 404 for unknown services", func() {
			code, body := do(http.MethodDelete, "/gateway/register/ghost", nil)
			Expect(code).To(Equal(http.StatusNotFound))
			Expect(body.Error).To(ContainSubstring("ghost"))
		})
	})

	Describe("GET /gateway/services", func() {
		It("should list services with aggregate stats", func() {
			register(map[string]any{"name": "order-service", "url": upstream.URL})
			healthy.Store(false)
			register(map[string]any{"name": "user-service", "url": upstream.URL})

			code, body := do(http.MethodGet, "/gateway/services", nil)
			Expect(code).To(Equal(http.StatusOK))
			Expect(body.Data["services"]).To(HaveLen(2))
			Expect(body.Data["stats"]).To(Equal(map[string]any{
				"total": float64(2), "healthy": float64(1), "unhealthy": float64(1), "openCircuits": float64(0),
			}))
		})

		It("should return a single service by name", func() {
			register(map[string]any{"name": "order-service", "url": upstream.URL})

			code, body := do(http.MethodGet, "/gateway/services/order-service", nil)
			Expect(code).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("name", "order-service"))

			code, _ = do(http.MethodGet, "/gateway/services/ghost", nil)
			Expect(code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /gateway/health", func() {
		It("should report process stats and per-service detail", func() {
			register(map[string]any{"name": "order-service", "url": upstream.URL})
			collector.Start(context.Background())
			collector.Emit(metrics.MetricEvent{Type: metrics.EventRequestReceived, Service: "order-service"})

			Eventually(func() any {
				_, body := do(http.MethodGet, "/gateway/health", nil)
				services := body.Data["services"].([]any)
				return services[0].(map[string]any)["metrics"]
			}).Should(HaveKeyWithValue("requests", float64(1)))

			code, body := do(http.MethodGet, "/gateway/health", nil)
			Expect(code).To(Equal(http.StatusOK))
			Expect(body.Data).To(HaveKeyWithValue("status", "healthy"))
			Expect(body.Data).To(HaveKey("uptime"))
			Expect(body.Data).To(HaveKey("memory"))
			Expect(body.Data["goroutines"]).To(BeNumerically(">", 0))
		})
	})

	Describe("GET /gateway/debug", func() {
		It("should expose breakers and settings", func() {
			register(map[string]any{"name": "order-service", "url": upstream.URL})
			reg.RecordOutcome("order-service", false)

			code, body := do(http.MethodGet, "/gateway/debug", nil)
			Expect(code).To(Equal(http.StatusOK))
			Expect(body.Data["circuitBreakers"]).To(HaveKeyWithValue("order-service", HaveKeyWithValue("failureCount", float64(1))))
			Expect(body.Data["breakerSettings"]).To(HaveKeyWithValue("failureThreshold", float64(5)))
			Expect(body.Data).To(HaveKey("runtime"))
		})
	})

	Describe("POST /gateway/test-route", func() {
		BeforeEach(func() {
			register(map[string]any{"name": "user-service", "url": upstream.URL})
		})

		DescribeTable("should resolve a route and show the upstream path",
			func(path string) {
				code, body := do(http.MethodPost, "/gateway/test-route", map[string]string{"path": path})

				Expect(code).To(Equal(http.StatusOK))
				Expect(body.Data).To(HaveKeyWithValue("path", "/user/7"))
				Expect(body.Data).To(HaveKeyWithValue("upstreamPath", "/7"))
				Expect(body.Data).To(HaveKeyWithValue("targetUrl", upstream.URL+"/7"))
			},
			Entry("absolute path", "/user/7"),
			Entry("path without a leading slash", "user/7"),
			Entry("path with a query string", "/user/7?expand=orders"),
		)

		It("should answer 404 with the available services", func() {
			code, body := do(http.MethodPost, "/gateway/test-route", map[string]string{"path": "/nope"})

			Expect(code).To(Equal(http.StatusNotFound))
			Expect(body.Data["availableServices"]).To(Equal([]any{
				map[string]any{"name": "user-service", "routes": []any{"user"}},
			}))
		})

		It("should name the claimant of an unavailable route", func() {
			healthy.Store(false)
			register(map[string]any{"name": "billing-service", "url": upstream.URL})

			code, body := do(http.MethodPost, "/gateway/test-route", map[string]string{"path": "/billing"})
			Expect(code).To(Equal(http.StatusNotFound))
			Expect(body.Data["claimedBy"]).To(HaveKeyWithValue("name", "billing-service"))
			Expect(body.Data["claimedBy"]).To(HaveKeyWithValue("healthy", false))
		})

		It("should require a path", func() {
			code, body := do(http.MethodPost, "/gateway/test-route", map[string]string{})
			Expect(code).To(Equal(http.StatusBadRequest))
			Expect(body.Data["fields"]).To(HaveKey("path"))
		})
	})

	Describe("POST /gateway/health-check", func() {
		It("should run a sweep and report each service", func() {
			register(map[string]any{"name": "order-service", "url": upstream.URL})
			healthy.Store(false)

			code, body := do(http.MethodPost, "/gateway/health-check", nil)
			Expect(code).To(Equal(http.StatusOK))

			results := body.Data["results"].([]any)
			Expect(results).To(HaveLen(1))
			Expect(results[0]).To(HaveKeyWithValue("healthy", false))
			Expect(results[0]).To(HaveKeyWithValue("attempts", float64(2)))

			svc, _ := reg.Get("order-service")
			Expect(svc.Healthy).To(BeFalse())
		})
	})

	Describe("metrics endpoints", func() {
		It("should serve the Prometheus exposition", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gateway/metrics", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring("go_goroutines"))
		})

		It("should serve the JSON snapshot", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/gateway/stats", nil))

			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(ContainSubstring(`"services"`))
		})
	})

	It("should answer unknown management paths with a 404 envelope", func() {
		code, body := do(http.MethodGet, "/gateway/nope", nil)
		Expect(code).To(Equal(http.StatusNotFound))
		Expect(body.Success).To(BeFalse())
	})
})
