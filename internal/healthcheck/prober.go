package healthcheck

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/angeloszaimis/service-gateway/internal/gatewayerr"
)

const DefaultTimeout = 5 * time.Second

// Result describes one health probe. Failure is set only when no HTTP
// response arrived; a response outside 2xx-3xx leaves it empty and sets
// StatusCode instead.
type Result struct {
	Healthy    bool                        `json:"healthy"`
	StatusCode int                         `json:"statusCode,omitempty"`
	Failure    gatewayerr.TransportFailure `json:"failure,omitempty"`
	Reason     string                      `json:"reason,omitempty"`
	Latency    time.Duration               `json:"latency"`
	CheckedAt  time.Time                   `json:"checkedAt"`
}

// Prober issues GET requests against health endpoints. It never returns an
// error: every failure is folded into the Result.
type Prober struct {
	client *http.Client
}

// NewProber creates a prober whose requests are bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Prober{
		client: &http.Client{
			Timeout: timeout,
			// Redirects are a healthy answer, not something to follow.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe checks healthURL once. Any 2xx or 3xx status is healthy.
func (p *Prober) Probe(ctx context.Context, healthURL string) Result {
	start := time.Now()
	result := Result{CheckedAt: start}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		result.Failure = gatewayerr.FailureOther
		result.Reason = fmt.Sprintf("invalid health url: %v", err)
		return result
	}
	req.Header.Set("User-Agent", "service-gateway-healthcheck")

	res, err := p.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		result.Failure = gatewayerr.Classify(err)
		result.Reason = err.Error()
		return result
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))

	result.StatusCode = res.StatusCode
	result.Healthy = res.StatusCode >= 200 && res.StatusCode < 400
	if !result.Healthy {
		result.Reason = fmt.Sprintf("unexpected status %d", res.StatusCode)
	}
	return result
}
