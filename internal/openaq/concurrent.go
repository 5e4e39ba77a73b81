package openaq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"

	"github.com/i474232898/clean-air-etl/internal/metrics"
)

// Result is the outcome for one endpoint of a concurrent fetch. Page is nil
// exactly when the endpoint failed.
type Result struct {
	Endpoint string
	Page     *Page
	Err      error
}

// FetchConcurrently requests the first page (limit = page size) of every
// endpoint with at most Workers requests in flight.
//
// Transient failures (429, 5xx, transport errors) are retried up to
// MaxRetries times with exponential backoff and jitter. An endpoint that
// still fails is reported in its Result; the batch itself never fails.
// Results are in the order of endpoints.
func (c *Client) FetchConcurrently(ctx context.Context, endpoints []string, params url.Values) []Result {
	results := make([]Result, len(endpoints))
	sem := semaphore.NewWeighted(int64(c.cfg.Workers))

	var wg sync.WaitGroup
	for i, ep := range endpoints {
		results[i].Endpoint = ep
		if err := sem.Acquire(ctx, 1); err != nil {
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			defer sem.Release(1)

			q := cloneValues(params)
			q.Set("limit", strconv.Itoa(c.cfg.PageSize))
			q.Set("page", "1")

			page, err := c.getWithRetry(ctx, ep, q)
			if err != nil {
				// Log and continue; one endpoint must not sink the batch.
				c.logger.Warn("endpoint failed after retries", "endpoint", ep, "error", err)
				results[i].Err = err
				return
			}
			results[i].Page = page
		}(i, ep)
	}
	wg.Wait()

	failed := 0
	for _, r := range results {
		if r.Page == nil {
			failed++
		}
	}
	c.logger.Info("concurrent fetch complete", "endpoints", len(endpoints), "failed", failed)
	return results
}

// getWithRetry runs one request through the circuit breaker, retrying
// transient failures.
func (c *Client) getWithRetry(ctx context.Context, endpoint string, q url.Values) (*Page, error) {
	var attempt int
	for {
		if err := c.conLimiter.Wait(ctx); err != nil {
			return nil, err
		}

		result, err := c.circuit.Execute(func() (interface{}, error) {
			return c.get(ctx, endpoint, q)
		})
		if err == nil {
			page, ok := result.(*Page)
			if !ok {
				return nil, fmt.Errorf("unexpected result type from circuit breaker")
			}
			return page, nil
		}

		// If circuit is open, propagate immediately.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrCircuitOpen, err)
		}
		if ctx.Err() != nil || !retryable(err) || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		delay := c.backoff(attempt)
		metrics.CounterOpenAQRetries.Inc()
		c.logger.Debug("retrying request", "endpoint", endpoint, "attempt", attempt+1, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		attempt++
	}
}

// backoff returns (2^attempt + jitter) * BackoffUnit.
func (c *Client) backoff(attempt int) time.Duration {
	factor := math.Pow(2, float64(attempt)) + c.jitter()
	return time.Duration(factor * float64(c.cfg.BackoffUnit))
}

func defaultJitter() float64 {
	return rand.Float64()
}

// retryable reports whether err is a 429, a 5xx, or a transport failure
// such as a timeout or connection reset.
func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return errors.Is(se, ErrRateLimited) || errors.Is(se, ErrServerError)
	}
	var ne net.Error
	return errors.As(err, &ne)
}
