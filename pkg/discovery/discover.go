package discovery

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/pool"

	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// DiscoverOptions controls a discovery run
type DiscoverOptions struct {
	// Limit caps the number of eligible orders returned by Discover
	Limit int
	// Cursor resumes a previous run; empty starts at the newest order
	Cursor  string
	Filters eligibility.Filters
}

// Result is a bounded discovery result with continuation metadata
type Result struct {
	Orders          []models.EligibleOrder `json:"orders"`
	HasMore         bool                   `json:"hasMore"`
	NextCursor      string                 `json:"nextCursor,omitempty"`
	TotalDiscovered int                    `json:"totalDiscovered"`
	TotalEligible   int                    `json:"totalEligible"`
	PagesFetched    int                    `json:"pagesFetched"`
}

// Discover pages through the log until Limit eligible orders are found or the
// log is exhausted. When the limit is hit mid page, NextCursor points at the
// last consumed event so the next call does not skip anything.
func (s *Scanner) Discover(ctx context.Context, opts DiscoverOptions) (*Result, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	res := &Result{Orders: []models.EligibleOrder{}}
	cursor := opts.Cursor
	for {
		page, eligible, err := s.scanPage(ctx, cursor, opts.Filters)
		if err != nil {
			return nil, err
		}
		res.PagesFetched++

		for i, ref := range page.Refs {
			res.TotalDiscovered++
			if e := eligible[i]; e != nil {
				res.Orders = append(res.Orders, *e)
				res.TotalEligible++
			}
			if len(res.Orders) >= limit {
				res.HasMore = i < len(page.Refs)-1 || page.HasNext
				if res.HasMore {
					res.NextCursor = ref.Cursor
				}
				eligibility.SortByUrgency(res.Orders)
				return res, nil
			}
		}

		if !page.HasNext {
			break
		}
		if err := checkProgress(cursor, page); err != nil {
			return nil, err
		}
		cursor = page.NextCursor
	}

	eligibility.SortByUrgency(res.Orders)
	return res, nil
}

// DiscoverAll drains the whole log. Meant for offline use.
func (s *Scanner) DiscoverAll(ctx context.Context, opts DiscoverOptions) ([]models.EligibleOrder, error) {
	var out []models.EligibleOrder
	cursor := opts.Cursor
	for {
		page, eligible, err := s.scanPage(ctx, cursor, opts.Filters)
		if err != nil {
			return nil, err
		}
		for _, e := range eligible {
			if e != nil {
				out = append(out, *e)
			}
		}
		if !page.HasNext {
			break
		}
		if err := checkProgress(cursor, page); err != nil {
			return nil, err
		}
		cursor = page.NextCursor
	}

	eligibility.SortByUrgency(out)
	return out, nil
}

// Callback is invoked for every eligible order found by DiscoverWithCallback
type Callback func(ctx context.Context, order models.EligibleOrder) error

// CallbackStats counts what DiscoverWithCallback saw
type CallbackStats struct {
	TotalDiscovered int `json:"totalDiscovered"`
	TotalEligible   int `json:"totalEligible"`
	Failed          int `json:"failed"`
}

// DiscoverWithCallback drains the log and hands each eligible order to fn,
// running at most ResolveConcurrency callbacks at once. A failing or
// panicking callback is counted and logged, the scan goes on.
func (s *Scanner) DiscoverWithCallback(ctx context.Context, fn Callback, opts DiscoverOptions) (CallbackStats, error) {
	var (
		stats CallbackStats
		mu    sync.Mutex
	)

	cursor := opts.Cursor
	for {
		page, eligible, err := s.scanPage(ctx, cursor, opts.Filters)
		if err != nil {
			return stats, err
		}
		stats.TotalDiscovered += len(page.Refs)

		p := pool.New().WithMaxGoroutines(s.opts.ResolveConcurrency)
		for _, e := range eligible {
			if e == nil {
				continue
			}
			stats.TotalEligible++
			order := *e
			p.Go(func() {
				if err := s.invoke(ctx, fn, order); err != nil {
					s.log.Error("Callback failed for order %s: %v", order.ID, err)
					mu.Lock()
					stats.Failed++
					mu.Unlock()
				}
			})
		}
		p.Wait()

		if !page.HasNext {
			break
		}
		if err := checkProgress(cursor, page); err != nil {
			return stats, err
		}
		cursor = page.NextCursor
	}
	return stats, nil
}

func (s *Scanner) invoke(ctx context.Context, fn Callback, order models.EligibleOrder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panic: %v", r)
		}
	}()
	return fn(ctx, order)
}

func checkProgress(cursor string, page Page) error {
	if page.NextCursor == "" || page.NextCursor == cursor {
		return fmt.Errorf("event cursor did not advance past %q", cursor)
	}
	return nil
}
