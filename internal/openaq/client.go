// Package openaq fetches pages from the OpenAQ v3 REST API under a
// requests-per-minute budget.
package openaq

import (
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

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/i474232898/clean-air-etl/internal/metrics"
)

const (
	DefaultBaseURL    = "https://api.openaq.org/v3"
	DefaultPageSize   = 1000
	DefaultMaxRetries = 3

	apiKeyHeader = "X-API-Key"
)

var (
	// ErrMissingAPIKey is a configuration error raised before any request.
	ErrMissingAPIKey = errors.New("openaq: API key is not configured")
	ErrRateLimited   = errors.New("rate limited")
	ErrServerError   = errors.New("server error")
	ErrCircuitOpen   = errors.New("circuit breaker open")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Endpoint, e.Code)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Endpoint, e.Code, e.Body)
}

// Is lets callers match 429 and 5xx responses with ErrRateLimited and
// ErrServerError.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	case ErrServerError:
		return e.Code >= 500
	}
	return false
}

// Page is one decoded API response.
type Page struct {
	Results []map[string]any `json:"results"`
	Meta    map[string]any   `json:"meta,omitempty"`
}

// ClientConfig bundles API and throttling settings.
type ClientConfig struct {
	BaseURL string
	APIKey  string

	// PageSize is sent as "limit".
	PageSize int

	// RequestsPerMinute throttles FetchPaginated. Zero disables throttling.
	RequestsPerMinute float64

	// ConcurrentRequestsPerMinute throttles FetchConcurrently, shared by all
	// workers. Zero disables throttling.
	ConcurrentRequestsPerMinute float64

	// Workers bounds in-flight requests in FetchConcurrently.
	Workers int

	// MaxRetries is the number of retries after the first attempt for a
	// transient failure in FetchConcurrently.
	MaxRetries int

	// BackoffUnit scales the retry delay (2^attempt + jitter) * BackoffUnit.
	BackoffUnit time.Duration

	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit breaker. Zero disables tripping.
	BreakerThreshold uint32
}

// Client issues paginated, throttled requests against the API.
type Client struct {
	cfg    ClientConfig
	http   *http.Client
	logger *slog.Logger

	seqLimiter *rate.Limiter
	conLimiter *rate.Limiter
	circuit    *gobreaker.CircuitBreaker

	// jitter returns a value in [0, 1).
	jitter func() float64
}

// NewClient validates cfg and returns a Client. It fails with
// ErrMissingAPIKey when no key is configured.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("openaq: invalid base URL: %w", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("openaq: negative retry ceiling %d", cfg.MaxRetries)
	}
	if cfg.BackoffUnit <= 0 {
		cfg.BackoffUnit = time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}

	threshold := cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "openaq",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return threshold > 0 && counts.ConsecutiveFailures >= threshold
		},
		// Only transient failures count. A 404 for one location says nothing
		// about the health of the API.
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{
		cfg:        cfg,
		http:       httpClient,
		logger:     logger,
		seqLimiter: newLimiter(cfg.RequestsPerMinute),
		conLimiter: newLimiter(cfg.ConcurrentRequestsPerMinute),
		circuit:    cb,
		jitter:     defaultJitter,
	}, nil
}

// newLimiter spaces requests 60/rpm seconds apart. The first request is
// never delayed.
func newLimiter(rpm float64) *rate.Limiter {
	if rpm <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(rpm/60), 1)
}

// PageSize returns the configured "limit".
func (c *Client) PageSize() int {
	return c.cfg.PageSize
}

func (c *Client) endpointURL(endpoint string, q url.Values) string {
	u := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// get performs one request and decodes the page.
func (c *Client) get(ctx context.Context, endpoint string, q url.Values) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpointURL(endpoint, q), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(apiKeyHeader, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.CounterOpenAQRequests.WithLabelValues("transport_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		se := &StatusError{Endpoint: endpoint, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			metrics.CounterOpenAQRequests.WithLabelValues("rate_limited").Inc()
		case resp.StatusCode >= 500:
			metrics.CounterOpenAQRequests.WithLabelValues("server_error").Inc()
		default:
			metrics.CounterOpenAQRequests.WithLabelValues("client_error").Inc()
		}
		return nil, se
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		metrics.CounterOpenAQRequests.WithLabelValues("decode_error").Inc()
		return nil, fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	metrics.CounterOpenAQRequests.WithLabelValues("ok").Inc()
	return &page, nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v)+2)
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}
