// Package discovery walks the ledger's order log and yields orders that are due.
package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

const (
	DefaultPageSize           = 100
	DefaultResolveBatchSize   = 50
	DefaultResolveConcurrency = 10
	DefaultLimit              = 100
)

// Options tunes how the scanner talks to the ledger
type Options struct {
	PageSize           int
	ResolveBatchSize   int
	ResolveConcurrency int
}

func (o Options) withDefaults() Options {
	if o.PageSize <= 0 {
		o.PageSize = DefaultPageSize
	}
	if o.ResolveBatchSize <= 0 {
		o.ResolveBatchSize = DefaultResolveBatchSize
	}
	if o.ResolveConcurrency <= 0 {
		o.ResolveConcurrency = DefaultResolveConcurrency
	}
	return o
}

// Ref points at one order created event
type Ref struct {
	OrderID string
	Cursor  string
}

// Page is one page of order references, newest first
type Page struct {
	Refs       []Ref
	NextCursor string
	HasNext    bool
}

// IDs returns the order ids of the page in log order
func (p Page) IDs() []string {
	ids := make([]string, len(p.Refs))
	for i, r := range p.Refs {
		ids[i] = r.OrderID
	}
	return ids
}

// Scanner discovers eligible orders from the ledger
type Scanner struct {
	ledger ledger.Ledger
	opts   Options
	log    logger.Logger
	now    func() time.Time
}

// NewScanner creates a scanner over l
func NewScanner(l ledger.Ledger, opts Options, log logger.Logger) *Scanner {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Scanner{
		ledger: l,
		opts:   opts.withDefaults(),
		log:    log.With("component", "discovery"),
		now:    time.Now,
	}
}

// WithClock replaces the time source used for eligibility checks
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

// FetchPage returns the order references after cursor. An empty cursor
// starts from the newest event.
func (s *Scanner) FetchPage(ctx context.Context, cursor string) (Page, error) {
	res, err := s.ledger.QueryEvents(ctx, ledger.EventQuery{
		Type:       ledger.EventOrderCreated,
		Cursor:     cursor,
		Limit:      s.opts.PageSize,
		Descending: true,
	})
	if err != nil {
		return Page{}, fmt.Errorf("failed to query order events: %w", err)
	}

	page := Page{NextCursor: res.NextCursor, HasNext: res.HasNext}
	for _, ev := range res.Events {
		id := ev.Fields[ledger.FieldOrderID]
		if id == "" {
			s.log.Debug("Skipping event %s without order id", ev.Cursor)
			continue
		}
		page.Refs = append(page.Refs, Ref{OrderID: id, Cursor: ev.Cursor})
	}
	if !page.HasNext {
		page.NextCursor = ""
	}
	return page, nil
}

// ResolveOrders fetches full snapshots for ids. Ids that fail to resolve are
// dropped. The result keeps the order of ids.
func (s *Scanner) ResolveOrders(ctx context.Context, ids []string) []models.Order {
	if len(ids) == 0 {
		return nil
	}

	var mu sync.Mutex
	resolved := make(map[string]models.Order, len(ids))

	p := pool.New().WithMaxGoroutines(s.opts.ResolveConcurrency)
	for start := 0; start < len(ids); start += s.opts.ResolveBatchSize {
		end := start + s.opts.ResolveBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		p.Go(func() {
			results, err := s.ledger.MultiGetOrders(ctx, batch)
			if err != nil {
				s.log.Notice("Dropping %d orders after failed batch fetch: %v", len(batch), err)
				return
			}

			mu.Lock()
			defer mu.Unlock()
			for _, r := range results {
				if r.Err != nil || r.Order == nil {
					s.log.Debug("Dropping order %s: %v", r.ID, r.Err)
					continue
				}
				resolved[r.ID] = *r.Order
			}
		})
	}
	p.Wait()

	orders := make([]models.Order, 0, len(resolved))
	for _, id := range ids {
		if o, ok := resolved[id]; ok {
			orders = append(orders, o)
		}
	}
	return orders
}

// scanPage fetches and resolves one page, returning the eligible orders
// aligned with the refs they came from
func (s *Scanner) scanPage(ctx context.Context, cursor string, filters eligibility.Filters) (Page, []*models.EligibleOrder, error) {
	page, err := s.FetchPage(ctx, cursor)
	if err != nil {
		return Page{}, nil, err
	}

	orders := s.ResolveOrders(ctx, page.IDs())
	byID := make(map[string]models.Order, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
	}

	now := s.now()
	eligible := make([]*models.EligibleOrder, len(page.Refs))
	for i, ref := range page.Refs {
		o, ok := byID[ref.OrderID]
		if !ok || !eligibility.IsEligible(o, now) || !filters.Match(o) {
			continue
		}
		e := eligibility.Evaluate(o, now)
		eligible[i] = &e
	}
	return page, eligible, nil
}
