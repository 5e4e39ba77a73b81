package openaq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, baseURL string, mutate func(*ClientConfig)) *Client {
	t.Helper()
	cfg := ClientConfig{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		PageSize:    3,
		Workers:     2,
		MaxRetries:  3,
		BackoffUnit: 10 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg, &http.Client{Timeout: 5 * time.Second}, discardLogger())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func writeResults(w http.ResponseWriter, n, offset int) {
	results := make([]map[string]any, n)
	for i := range results {
		results[i] = map[string]any{"id": offset + i}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	_, err := NewClient(ClientConfig{BaseURL: srv.URL}, nil, discardLogger())
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("expected ErrMissingAPIKey, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 0 {
		t.Fatalf("expected no requests before configuration error")
	}
}

func TestFetchPaginatedStopsOnShortPage(t *testing.T) {
	const pageSize = 3
	var requested []int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if r.URL.Query().Get("limit") != strconv.Itoa(pageSize) {
			t.Errorf("unexpected limit %q", r.URL.Query().Get("limit"))
		}
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		mu.Lock()
		requested = append(requested, page)
		mu.Unlock()

		// Two full pages, then a short one.
		n := pageSize
		if page == 3 {
			n = 1
		}
		if page > 3 {
			n = 0
		}
		writeResults(w, n, page*100)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	pages, err := c.FetchPaginated(context.Background(), "locations", url.Values{"iso": {"DE"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if len(requested) != 3 {
		t.Fatalf("expected exactly 3 requests, got %v", requested)
	}
	for i, p := range requested {
		if p != i+1 {
			t.Fatalf("expected page order 1..3, got %v", requested)
		}
	}
	if id := pages[1].Results[0]["id"]; id != float64(200) {
		t.Fatalf("expected pages in order, got first id %v on page 2", id)
	}
}

func TestFetchPaginatedStopsOnEmptyPage(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page <= 2 {
			writeResults(w, 3, 0)
			return
		}
		w.Write([]byte(`{"meta":{"found":6}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	pages, err := c.FetchPaginated(context.Background(), "parameters", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("expected 2 pages, got %d", len(pages))
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}
}

func TestFetchPaginatedFailsFast(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeResults(w, 3, 0)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	pages, err := c.FetchPaginated(context.Background(), "locations", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if pages != nil {
		t.Fatalf("expected no partial pages, got %d", len(pages))
	}
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Fatalf("expected no retry in sequential path, got %d requests", n)
	}
}

func TestFetchPaginatedRateLimit(t *testing.T) {
	const rpm = 600 // one request per 100ms
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeResults(w, 1, 0)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) { cfg.RequestsPerMinute = rpm })

	const k = 4
	start := time.Now()
	for i := 0; i < k; i++ {
		if _, err := c.FetchPaginated(context.Background(), fmt.Sprintf("sensors/%d/hours", i), nil); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)
	if floor := time.Duration(k-1) * time.Minute / rpm; elapsed < floor {
		t.Fatalf("expected at least %v for %d requests, took %v", floor, k, elapsed)
	}
}

func TestFetchConcurrentlyIsolatesFailures(t *testing.T) {
	var badHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/locations/13/") {
			atomic.AddInt32(&badHits, 1)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeResults(w, 2, 0)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	endpoints := []string{"locations/11/sensors", "locations/12/sensors", "locations/13/sensors", "locations/14/sensors"}
	results := c.FetchConcurrently(context.Background(), endpoints, nil)

	if len(results) != len(endpoints) {
		t.Fatalf("expected %d results, got %d", len(endpoints), len(results))
	}
	for i, r := range results {
		if r.Endpoint != endpoints[i] {
			t.Fatalf("results out of order: %v at %d", r.Endpoint, i)
		}
		if i == 2 {
			if r.Page != nil || r.Err == nil {
				t.Fatalf("expected failure for %s", r.Endpoint)
			}
			if !errors.Is(r.Err, ErrServerError) {
				t.Fatalf("expected ErrServerError, got %v", r.Err)
			}
			continue
		}
		if r.Err != nil || r.Page == nil || len(r.Page.Results) != 2 {
			t.Fatalf("expected success for %s, got %+v", r.Endpoint, r)
		}
	}
	if n := atomic.LoadInt32(&badHits); n != 4 {
		t.Fatalf("expected 1 attempt + 3 retries for failing endpoint, got %d", n)
	}
}

func TestFetchConcurrentlyBacksOffOn429(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeResults(w, 1, 0)
	}))
	defer srv.Close()

	const unit = 20 * time.Millisecond
	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) { cfg.BackoffUnit = unit })

	start := time.Now()
	results := c.FetchConcurrently(context.Background(), []string{"locations/2178/sensors"}, nil)
	elapsed := time.Since(start)

	if results[0].Err != nil || results[0].Page == nil {
		t.Fatalf("expected success after retries, got %v", results[0].Err)
	}
	// Two backoffs: (2^0 + j) and (2^1 + j) units.
	if floor := 3 * unit; elapsed < floor {
		t.Fatalf("expected at least %v of backoff, took %v", floor, elapsed)
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("expected 3 requests, got %d", n)
	}
}

func TestFetchConcurrentlyDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, nil)
	results := c.FetchConcurrently(context.Background(), []string{"locations/404/sensors"}, nil)

	var se *StatusError
	if !errors.As(results[0].Err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("expected 404 StatusError, got %v", results[0].Err)
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/locations/4"):
			w.WriteHeader(http.StatusNotFound)
		case strings.HasPrefix(r.URL.Path, "/locations/5"):
			w.WriteHeader(http.StatusServiceUnavailable)
		default:
			writeResults(w, 1, 0)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) {
		cfg.Workers = 1
		cfg.MaxRetries = 0
		cfg.BreakerThreshold = 3
	})

	var endpoints []string
	for i := 0; i < 6; i++ {
		endpoints = append(endpoints, fmt.Sprintf("locations/4%d/sensors", i))
	}
	endpoints = append(endpoints, "locations/1/sensors", "locations/2/sensors")

	results := c.FetchConcurrently(context.Background(), endpoints, nil)
	for _, r := range results[:6] {
		var se *StatusError
		if !errors.As(r.Err, &se) || se.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404 StatusError, got %v", r.Endpoint, r.Err)
		}
	}
	for _, r := range results[6:] {
		if r.Err != nil || r.Page == nil {
			t.Fatalf("%s: expected success after client errors, got %v", r.Endpoint, r.Err)
		}
	}

	// Server errors still open the breaker.
	results = c.FetchConcurrently(context.Background(),
		[]string{"locations/51/sensors", "locations/52/sensors", "locations/53/sensors", "locations/1/sensors"}, nil)
	if !errors.Is(results[3].Err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen after consecutive server errors, got %v", results[3].Err)
	}
}

func TestFetchConcurrentlyBoundsInFlight(t *testing.T) {
	var inFlight, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		writeResults(w, 1, 0)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, func(cfg *ClientConfig) { cfg.Workers = 2 })
	var endpoints []string
	for i := 0; i < 8; i++ {
		endpoints = append(endpoints, fmt.Sprintf("locations/%d/sensors", i))
	}
	c.FetchConcurrently(context.Background(), endpoints, nil)

	if p := atomic.LoadInt32(&peak); p > 2 {
		t.Fatalf("expected at most 2 requests in flight, saw %d", p)
	}
}

func TestBackoffGrowsExponentially(t *testing.T) {
	c := newTestClient(t, "http://example.invalid", func(cfg *ClientConfig) { cfg.BackoffUnit = time.Second })
	c.jitter = func() float64 { return 0.5 }

	want := []time.Duration{1500 * time.Millisecond, 2500 * time.Millisecond, 4500 * time.Millisecond}
	for attempt, w := range want {
		if got := c.backoff(attempt); got != w {
			t.Errorf("backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}
