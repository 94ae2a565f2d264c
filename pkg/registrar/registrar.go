package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	jperrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"
)

const (
	DefaultMaxAttempts    = 5
	DefaultRetryDelay     = 3 * time.Second
	DefaultBeaconInterval = 5 * time.Minute
	DefaultRequestTimeout = 10 * time.Second

	registerPath = "/gateway/register"
	servicesPath = "/gateway/services"
)

// ErrGatewayUnavailable is returned while the client's breaker refuses calls
// to the gateway.
var ErrGatewayUnavailable = errors.New("gateway unavailable")

// Registration mirrors the payload accepted by POST /gateway/register.
type Registration struct {
	Name     string         `json:"name"`
	URL      string         `json:"url"`
	Health   string         `json:"health,omitempty"`
	Routes   []string       `json:"routes,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// StatusError is a non-2xx answer from the gateway.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway responded %d", e.Code)
	}
	return fmt.Sprintf("gateway responded %d: %s", e.Code, e.Message)
}

// Retryable reports whether repeating the call could succeed.
func (e *StatusError) Retryable() bool {
	return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	baseURL        string
	httpClient     *http.Client
	logger         *slog.Logger
	maxAttempts    int
	retryDelay     time.Duration
	beaconInterval time.Duration
	breaker        *gobreaker.CircuitBreaker[*http.Response]
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(cl *Client) {
		cl.logger = logger
	}
}

// WithMaxAttempts counts the first try, so 1 disables retries.
func WithMaxAttempts(n int) Option {
	return func(cl *Client) {
		if n > 0 {
			cl.maxAttempts = n
		}
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.retryDelay = d
		}
	}
}

func WithBeaconInterval(d time.Duration) Option {
	return func(cl *Client) {
		if d > 0 {
			cl.beaconInterval = d
		}
	}
}

func New(gatewayURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(gatewayURL, "/"),
		httpClient:     &http.Client{Timeout: DefaultRequestTimeout},
		logger:         slog.Default(),
		maxAttempts:    DefaultMaxAttempts,
		retryDelay:     DefaultRetryDelay,
		beaconInterval: DefaultBeaconInterval,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        "gateway",
		MaxRequests: 1,
		Timeout:     c.retryDelay * time.Duration(c.maxAttempts),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(c.maxAttempts)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Info("gateway breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return err == nil
		},
	})

	return c
}

// Register announces reg to the gateway, retrying transport errors and 5xx
// answers. Client errors such as a rejected payload are returned at once.
func (c *Client) Register(ctx context.Context, reg Registration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("encode registration: %w", err)
	}

	start := time.Now()
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(c.maxAttempts-1), retry.NewConstant(c.retryDelay))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++

		_, err := c.do(ctx, http.MethodPost, registerPath, body)
		if err == nil {
			return nil
		}

		var se *StatusError
		if errors.Is(err, ErrGatewayUnavailable) || (errors.As(err, &se) && !se.Retryable()) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}

		c.logger.Warn("registration attempt failed",
			slog.String("service", reg.Name),
			slog.Int("attempt", attempts),
			slog.Int("maxAttempts", c.maxAttempts),
			slog.Any("err", err))
		return retry.RetryableError(err)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return jperrors.NewTimeoutError("registration timed out", "register", time.Since(start))
		}
		return fmt.Errorf("register %s after %d attempt(s): %w", reg.Name, attempts, err)
	}

	c.logger.Info("registered with gateway",
		slog.String("service", reg.Name),
		slog.String("gateway", c.baseURL),
		slog.Int("attempts", attempts))
	return nil
}

// Deregister withdraws a service. A service the gateway does not know is not
// an error.
func (c *Client) Deregister(ctx context.Context, name string) error {
	_, err := c.do(ctx, http.MethodDelete, registerPath+"/"+url.PathEscape(name), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deregister %s: %w", name, err)
	}
	c.logger.Info("deregistered from gateway", slog.String("service", name))
	return nil
}

// IsRegistered asks the gateway whether a service with this name is in its
// registry.
func (c *Client) IsRegistered(ctx context.Context, name string) (bool, error) {
	data, err := c.do(ctx, http.MethodGet, servicesPath, nil)
	if err != nil {
		return false, err
	}

	var payload struct {
		Services []struct {
			Name string `json:"name"`
		} `json:"services"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return false, fmt.Errorf("decode service list: %w", err)
	}
	for _, svc := range payload.Services {
		if svc.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// RunBeacon re-registers reg whenever the gateway has lost it, for example
// after a gateway restart. It blocks until ctx is done.
func (c *Client) RunBeacon(ctx context.Context, reg Registration) {
	ticker := time.NewTicker(c.beaconInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.beacon(ctx, reg)
		}
	}
}

func (c *Client) beacon(ctx context.Context, reg Registration) {
	registered, err := c.IsRegistered(ctx, reg.Name)
	if err != nil {
		c.logger.Warn("gateway beacon failed", slog.String("service", reg.Name), slog.Any("err", err))
		return
	}
	if registered {
		return
	}

	c.logger.Info("service missing from gateway, re-registering", slog.String("service", reg.Name))
	if err := c.Register(ctx, reg); err != nil {
		c.logger.Error("re-registration failed", slog.String("service", reg.Name), slog.Any("err", err))
	}
}

// do sends one request through the breaker and returns the envelope's data.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, statusError(resp)
		}
		return resp, nil
	})
	if err != nil {
		return nil, c.wrapBreakerError(err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode gateway response: %w", err)
	}
	return env.Data, nil
}

func (c *Client) wrapBreakerError(err error) error {
	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		return err
	}

	counts := c.breaker.Counts()
	state := "open"
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		state = "half-open"
	}
	c.logger.Warn("gateway breaker rejected call",
		slog.String("state", state),
		slog.Any("counts", counts))

	return fmt.Errorf("%w: %w", ErrGatewayUnavailable, jperrors.NewCircuitBreakerError(
		"gateway call rejected",
		"registrar",
		state,
		jperrors.WithCause(err),
		jperrors.WithCounts(jperrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	))
}

func statusError(resp *http.Response) *StatusError {
	se := &StatusError{Code: resp.StatusCode}
	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&env); err == nil {
		se.Message = env.Error
	}
	return se
}
