package pipeline

import (
	"errors"
	"fmt"
)

// ItemResult is the outcome for one item of a batch loop: a raw file read,
// an archive move, a per-sensor fetch.
type ItemResult struct {
	Item  string
	Count int
	Err   error
}

func (r ItemResult) OK() bool {
	return r.Err == nil
}

// BatchReport collects per-item results so that one item's failure is
// isolated from the batch but still visible to the caller.
type BatchReport struct {
	Items []ItemResult
}

// Add records the outcome for item.
func (b *BatchReport) Add(item string, count int, err error) {
	b.Items = append(b.Items, ItemResult{Item: item, Count: count, Err: err})
}

// Succeeded returns the items that did not fail.
func (b *BatchReport) Succeeded() []ItemResult {
	var out []ItemResult
	for _, it := range b.Items {
		if it.OK() {
			out = append(out, it)
		}
	}
	return out
}

// Failed returns the items that failed.
func (b *BatchReport) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range b.Items {
		if !it.OK() {
			out = append(out, it)
		}
	}
	return out
}

// AllFailed reports whether there was at least one item and none succeeded.
func (b *BatchReport) AllFailed() bool {
	return len(b.Items) > 0 && len(b.Succeeded()) == 0
}

// Total sums Count over the successful items.
func (b *BatchReport) Total() int {
	n := 0
	for _, it := range b.Items {
		if it.OK() {
			n += it.Count
		}
	}
	return n
}

// Err joins the errors of every failed item, or returns nil.
func (b *BatchReport) Err() error {
	var errs []error
	for _, it := range b.Items {
		if !it.OK() {
			errs = append(errs, fmt.Errorf("%s: %w", it.Item, it.Err))
		}
	}
	return errors.Join(errs...)
}
