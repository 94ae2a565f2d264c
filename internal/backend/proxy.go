package backend

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultFlushInterval = 100 * time.Millisecond
)

type Options struct {
	// Timeout bounds a whole forwarded exchange, including the response body.
	Timeout time.Duration
	// FlushInterval is how often streamed response bodies are flushed to the
	// client. Negative flushes after every write.
	FlushInterval time.Duration
	Transport     http.RoundTripper
}

// Forwarder streams requests to upstream services. Bodies are never buffered
// in either direction.
type Forwarder struct {
	transport     http.RoundTripper
	timeout       time.Duration
	flushInterval time.Duration
	errorLog      *slog.Logger
}

// NewForwarder creates a Forwarder sharing one connection pool across all
// services.
func NewForwarder(logger *slog.Logger, opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.FlushInterval == 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.Transport == nil {
		opts.Transport = &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          256,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
	}

	return &Forwarder{
		transport:     opts.Transport,
		timeout:       opts.Timeout,
		flushInterval: opts.FlushInterval,
		errorLog:      logger,
	}
}

// Forward proxies r to target with the given upstream path. The client's
// context bounds the upstream call, so a disconnect aborts it.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, target *url.URL, upstreamPath string, hooks Hooks) {
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()

	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.URL.Path = joinPath(target.Path, upstreamPath)
			pr.Out.URL.RawPath = ""
			if escaped := escapedSuffix(r.URL, upstreamPath); escaped != "" {
				pr.Out.URL.RawPath = joinPath(target.EscapedPath(), escaped)
			}
			pr.SetXForwarded()
			hooks.RunPreDispatch(pr)
		},
		Transport:     f.transport,
		FlushInterval: f.flushInterval,
		ModifyResponse: func(resp *http.Response) error {
			hooks.RunPostResponse(resp)
			return nil
		},
		ErrorHandler: hooks.RunFailure,
		ErrorLog:     slog.NewLogLogger(f.errorLog.Handler(), slog.LevelWarn),
	}

	proxy.ServeHTTP(w, r.WithContext(ctx))
}

// escapedSuffix returns the client's encoding of upstreamPath when the
// inbound path carried escapes such as %2F that decoding would lose. It
// returns "" when there is nothing to keep.
func escapedSuffix(in *url.URL, upstreamPath string) string {
	if in.RawPath == "" || !strings.HasSuffix(in.Path, upstreamPath) {
		return ""
	}

	escaped := in.EscapedPath()
	if in.Path == upstreamPath {
		return escaped
	}
	for i := len(escaped) - 1; i >= 0; i-- {
		if escaped[i] != '/' {
			continue
		}
		if decoded, err := url.PathUnescape(escaped[i:]); err == nil && decoded == upstreamPath {
			return escaped[i:]
		}
	}
	return ""
}

func joinPath(base, path string) string {
	if base == "" || base == "/" {
		if path == "" {
			return "/"
		}
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
