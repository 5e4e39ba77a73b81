package openaq

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
)

// FetchPaginated requests endpoint page by page, starting at page 1, and
// returns the non-empty pages in page order.
//
// Before every request it waits for the sequential limiter, so K requests
// take at least (K-1)*60/RequestsPerMinute seconds. Pagination stops at the
// first page with no results or with fewer results than the page size. Any
// error aborts the endpoint: no retry, no partial result.
func (c *Client) FetchPaginated(ctx context.Context, endpoint string, params url.Values) ([]Page, error) {
	var pages []Page
	for n := 1; ; n++ {
		q := cloneValues(params)
		q.Set("limit", strconv.Itoa(c.cfg.PageSize))
		q.Set("page", strconv.Itoa(n))

		if err := c.seqLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, n, err)
		}

		page, err := c.get(ctx, endpoint, q)
		if err != nil {
			c.logger.Error("paginated fetch failed", "endpoint", endpoint, "page", n, "error", err)
			return nil, fmt.Errorf("fetch %s page %d: %w", endpoint, n, err)
		}

		if len(page.Results) == 0 {
			break
		}
		pages = append(pages, *page)
		c.logger.Debug("fetched page", "endpoint", endpoint, "page", n, "results", len(page.Results))

		if len(page.Results) < c.cfg.PageSize {
			break
		}
	}
	c.logger.Info("paginated fetch complete", "endpoint", endpoint, "pages", len(pages))
	return pages, nil
}
