// Package mocks provides an in-memory ledger for tests.
package mocks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// Ledger is an in-memory ledger.Ledger. Events are stored newest first and
// cursors are event indexes.
type Ledger struct {
	mu sync.Mutex

	Events []ledger.Event
	Orders map[string]models.Order

	// QueryErr fails every QueryEvents call when set
	QueryErr error
	// OrderErrs fails the fetch of individual orders
	OrderErrs map[string]error
	// MultiGetErr fails whole MultiGetOrders batches
	MultiGetErr error

	// SubmitFn decides the outcome of SubmitExecution
	SubmitFn func(plan ledger.ExecutionPlan, dryRun bool) (*ledger.SubmitResult, error)

	QueryCalls    int
	MultiGetCalls int
	GetCalls      int
	Submitted     []ledger.ExecutionPlan
}

var _ ledger.Ledger = (*Ledger)(nil)

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		Orders:    make(map[string]models.Order),
		OrderErrs: make(map[string]error),
	}
}

// AddOrder stores an order and appends its created event as the newest event
func (l *Ledger) AddOrder(o models.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Orders[o.ID] = o
	l.Events = append([]ledger.Event{{
		Type: ledger.EventOrderCreated,
		Fields: map[string]string{
			ledger.FieldOrderID: o.ID,
			ledger.FieldOwner:   o.Owner,
		},
	}}, l.Events...)
	l.renumber()
}

// AddRawEvent appends an arbitrary event as the newest event
func (l *Ledger) AddRawEvent(ev ledger.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.Events = append([]ledger.Event{ev}, l.Events...)
	l.renumber()
}

func (l *Ledger) renumber() {
	for i := range l.Events {
		l.Events[i].Cursor = strconv.Itoa(i)
	}
}

// SetOrder replaces the stored snapshot of an order
func (l *Ledger) SetOrder(o models.Order) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Orders[o.ID] = o
}

func (l *Ledger) QueryEvents(ctx context.Context, q ledger.EventQuery) (*ledger.EventPage, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.QueryCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if l.QueryErr != nil {
		return nil, l.QueryErr
	}
	if !q.Descending {
		return nil, errors.New("mock ledger only supports descending queries")
	}

	var matching []ledger.Event
	for _, ev := range l.Events {
		if ev.Type == q.Type {
			matching = append(matching, ev)
		}
	}

	start := 0
	if q.Cursor != "" {
		pos, err := strconv.Atoi(q.Cursor)
		if err != nil {
			return nil, fmt.Errorf("bad cursor %q", q.Cursor)
		}
		for start < len(matching) {
			idx, _ := strconv.Atoi(matching[start].Cursor)
			if idx > pos {
				break
			}
			start++
		}
	}

	end := start + q.Limit
	if q.Limit <= 0 || end > len(matching) {
		end = len(matching)
	}

	page := &ledger.EventPage{Events: append([]ledger.Event(nil), matching[start:end]...)}
	if end < len(matching) {
		page.HasNext = true
		page.NextCursor = matching[end-1].Cursor
	}
	return page, nil
}

func (l *Ledger) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.GetCalls++
	return l.lookup(id)
}

func (l *Ledger) lookup(id string) (*models.Order, error) {
	if err := l.OrderErrs[id]; err != nil {
		return nil, err
	}
	o, ok := l.Orders[id]
	if !ok {
		return nil, ledger.ErrOrderNotFound
	}
	return &o, nil
}

func (l *Ledger) MultiGetOrders(ctx context.Context, ids []string) ([]ledger.ObjectResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.MultiGetCalls++
	if l.MultiGetErr != nil {
		return nil, l.MultiGetErr
	}

	out := make([]ledger.ObjectResult, len(ids))
	for i, id := range ids {
		o, err := l.lookup(id)
		out[i] = ledger.ObjectResult{ID: id, Order: o, Err: err}
	}
	return out, nil
}

func (l *Ledger) SubmitExecution(ctx context.Context, plan ledger.ExecutionPlan, dryRun bool) (*ledger.SubmitResult, error) {
	l.mu.Lock()
	l.Submitted = append(l.Submitted, plan)
	fn := l.SubmitFn
	l.mu.Unlock()

	if fn != nil {
		return fn(plan, dryRun)
	}
	return &ledger.SubmitResult{TxID: "0xtx-" + plan.OrderID, Status: ledger.StatusSuccess}, nil
}

// SubmittedCount returns how many plans were submitted
func (l *Ledger) SubmittedCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.Submitted)
}
