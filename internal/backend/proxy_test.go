package backend_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/angeloszaimis/service-gateway/internal/backend"
	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
	"github.com/angeloszaimis/service-gateway/pkg/logger"
)

func mustParseURL(rawURL string) *url.URL {
	u, err := url.Parse(rawURL)
	if err != nil {
		panic(err)
	}
	return u
}

var _ = Describe("Forwarder", func() {
	var (
		forwarder *backend.Forwarder
		upstream  *httptest.Server
		seen      chan *http.Request
	)

	BeforeEach(func() {
		seen = make(chan *http.Request, 1)
		upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewReader(body))
			seen <- r
			w.Header().Set("X-Upstream", "yes")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write(body)
		}))
		forwarder = backend.NewForwarder(logger.Discard(), backend.Options{Timeout: time.Second})
	})

	AfterEach(func() {
		upstream.Close()
	})

	It("should forward method, path, query, headers and body", func() {
		req := httptest.NewRequest(http.MethodPut, "http://gateway.local/order/42?x=1", strings.NewReader("payload"))
		req.Header.Set("X-Custom", "v")
		w := httptest.NewRecorder()

		forwarder.Forward(w, req, mustParseURL(upstream.URL), "/42", backend.Hooks{})

		Expect(w.Code).To(Equal(http.StatusCreated))
		Expect(w.Body.String()).To(Equal("payload"))
		Expect(w.Header().Get("X-Upstream")).To(Equal("yes"))

		var out *http.Request
		Eventually(seen).Should(Receive(&out))
		Expect(out.Method).To(Equal(http.MethodPut))
		Expect(out.URL.Path).To(Equal("/42"))
		Expect(out.URL.RawQuery).To(Equal("x=1"))
		Expect(out.Header.Get("X-Custom")).To(Equal("v"))
		Expect(out.Header.Get("X-Forwarded-Host")).To(Equal("gateway.local"))
		Expect(out.Header.Get("X-Forwarded-Proto")).To(Equal("http"))
		Expect(out.Header.Get("X-Forwarded-For")).NotTo(BeEmpty())
		Expect(out.Host).To(Equal(mustParseURL(upstream.URL).Host))
	})

	It("should join the target base path", func() {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		forwarder.Forward(httptest.NewRecorder(), req, mustParseURL(upstream.URL+"/base/"), "/items", backend.Hooks{})

		var out *http.Request
		Eventually(seen).Should(Receive(&out))
		Expect(out.URL.Path).To(Equal("/base/items"))
	})

	It("should run the hook pipeline in order", func() {
		var order []string
		hooks := backend.Hooks{
			PreDispatch: []backend.PreDispatchFunc{
				func(pr *httputil.ProxyRequest) {
					order = append(order, "pre-1")
					pr.Out.Header.Set("X-Gateway-Service", "svc")
				},
				func(*httputil.ProxyRequest) { order = append(order, "pre-2") },
			},
			PostResponse: []backend.PostResponseFunc{
				func(resp *http.Response) {
					order = append(order, "post")
					resp.Header.Set("X-Gateway-Response-Time", "1ms")
				},
			},
			OnFailure: []backend.FailureFunc{
				func(http.ResponseWriter, *http.Request, error) { order = append(order, "failure") },
			},
		}
		w := httptest.NewRecorder()
		forwarder.Forward(w, httptest.NewRequest(http.MethodGet, "/", nil), mustParseURL(upstream.URL), "/", hooks)

		Expect(order).To(Equal([]string{"pre-1", "pre-2", "post"}))
		Expect(w.Header().Get("X-Gateway-Response-Time")).To(Equal("1ms"))

		var out *http.Request
		Eventually(seen).Should(Receive(&out))
		Expect(out.Header.Get("X-Gateway-Service")).To(Equal("svc"))
	})

	It("should stream large bodies", func() {
		payload := bytes.Repeat([]byte("a"), 4<<20)
		req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(payload))
		w := httptest.NewRecorder()

		forwarder.Forward(w, req, mustParseURL(upstream.URL), "/", backend.Hooks{})
		Expect(w.Body.Len()).To(Equal(len(payload)))
	})

	DescribeTable("encoded path segments",
		func(target, upstreamPath, wantURI string) {
			w := httptest.NewRecorder()
			forwarder.Forward(w, httptest.NewRequest(http.MethodGet, target, nil), mustParseURL(upstream.URL), upstreamPath, backend.Hooks{})
			Expect(w.Code).To(Equal(http.StatusCreated))

			var out *http.Request
			Eventually(seen).Should(Receive(&out))
			Expect(out.RequestURI).To(Equal(wantURI))
		},
		Entry("preserved path", "/files/a%2Fb?v=1", "/files/a/b", "/files/a%2Fb?v=1"),
		Entry("stripped prefix", "/order/a%2Fb", "/a/b", "/a%2Fb"),
		Entry("plain path", "/order/a/b", "/a/b", "/a/b"),
	)

	Context("when the upstream cannot be reached", func() {
		It("should hand a connection refused error to the failure hooks", func() {
			lis, err := net.Listen("tcp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
			addr := lis.Addr().String()
			Expect(lis.Close()).To(Succeed())

			var got error
			hooks := backend.Hooks{OnFailure: []backend.FailureFunc{
				func(w http.ResponseWriter, _ *http.Request, err error) {
					got = err
					w.WriteHeader(gatewayerr.Classify(err).StatusCode())
				},
			}}
			w := httptest.NewRecorder()
			forwarder.Forward(w, httptest.NewRequest(http.MethodGet, "/", nil), mustParseURL("http://"+addr), "/", hooks)

			Expect(gatewayerr.Classify(got)).To(Equal(gatewayerr.FailureConnectionRefused))
			Expect(w.Code).To(Equal(http.StatusServiceUnavailable))
		})

		It("should answer 502 without failure hooks", func() {
			w := httptest.NewRecorder()
			forwarder.Forward(w, httptest.NewRequest(http.MethodGet, "/", nil), mustParseURL("http://127.0.0.1:1"), "/", backend.Hooks{})
			Expect(w.Code).To(Equal(http.StatusBadGateway))
		})
	})

	It("should time out slow upstreams", func() {
		slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer slow.Close()

		forwarder = backend.NewForwarder(logger.Discard(), backend.Options{Timeout: 50 * time.Millisecond})
		var got error
		hooks := backend.Hooks{OnFailure: []backend.FailureFunc{
			func(w http.ResponseWriter, _ *http.Request, err error) { got = err },
		}}
		forwarder.Forward(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil), mustParseURL(slow.URL), "/", hooks)

		Expect(errors.Is(got, context.DeadlineExceeded)).To(BeTrue())
		Expect(gatewayerr.Classify(got)).To(Equal(gatewayerr.FailureTimeout))
	})
})
