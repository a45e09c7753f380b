// Package runner ties discovery, the execution handler and the queue together
// behind the two operations every deployment adapter exposes: Discover and
// Execute.
package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/speedrun-hq/dca-executor/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-executor/pkg/discovery"
	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/metrics"
	"github.com/speedrun-hq/dca-executor/pkg/models"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
)

var (
	// ErrBatchInProgress is returned when Execute is called while a batch runs
	ErrBatchInProgress = errors.New("a batch is already running")
	// ErrClosed is returned once the runner has been shut down
	ErrClosed = errors.New("runner is shut down")
)

// Discoverer finds eligible orders
type Discoverer interface {
	Discover(ctx context.Context, opts discovery.DiscoverOptions) (*discovery.Result, error)
}

// Config configures a Runner
type Config struct {
	// MaxBatchSize caps the batch regardless of the deadline budget
	MaxBatchSize       int
	EstimatedOrderCost time.Duration
	// Queue is used for every batch; start from queue.DefaultOptions
	Queue queue.Options
}

// ExecuteRequest selects the orders of one batch
type ExecuteRequest struct {
	// Limit lowers the batch size further when positive
	Limit         int                 `json:"limit,omitempty"`
	Cursor        string              `json:"cursor,omitempty"`
	Filters       eligibility.Filters `json:"filters"`
	ReturnPartial bool                `json:"returnPartial"`
}

// ExecuteResult is the summary of one Execute call
type ExecuteResult struct {
	StartedAt  time.Time           `json:"startedAt"`
	BatchSize  int                 `json:"batchSize"`
	Discovered int                 `json:"discovered"`
	Eligible   int                 `json:"eligible"`
	HasMore    bool                `json:"hasMore"`
	NextCursor string              `json:"nextCursor,omitempty"`
	Batch      *models.BatchResult `json:"batch"`
	Error      string              `json:"error,omitempty"`
}

// Status is a point-in-time view of the runner
type Status struct {
	Running   bool                  `json:"running"`
	Closed    bool                  `json:"closed"`
	BatchSize int                   `json:"batchSize"`
	Queue     *queue.Stats          `json:"queue,omitempty"`
	LastBatch *ExecuteResult        `json:"lastBatch,omitempty"`
	Circuit   *circuitbreaker.State `json:"circuit,omitempty"`
}

// Runner runs discovery and bounded execution batches
type Runner struct {
	discoverer Discoverer
	proc       queue.Processor
	breaker    *circuitbreaker.CircuitBreaker
	cfg        Config
	logger     logger.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	// idle is closed when the batch holding running has fully drained
	idle   chan struct{}
	active *queue.Queue
	last   *ExecuteResult
}

// New creates a runner. breaker may be nil.
func New(d Discoverer, proc queue.Processor, breaker *circuitbreaker.CircuitBreaker, cfg Config, log logger.Logger) *Runner {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Runner{
		discoverer: d,
		proc:       proc,
		breaker:    breaker,
		cfg:        cfg,
		logger:     log.With("component", "runner"),
	}
}

// BatchSize is the number of orders one Execute call pulls from discovery
func (r *Runner) BatchSize() int {
	opts := r.queueOptions()
	size := SafeBatchSizeWith(opts.BatchTimeout, opts.Interval, r.cfg.EstimatedOrderCost)
	if r.cfg.MaxBatchSize > 0 && r.cfg.MaxBatchSize < size {
		size = r.cfg.MaxBatchSize
	}
	return size
}

func (r *Runner) queueOptions() queue.Options {
	return r.cfg.Queue.WithDefaults()
}

// Discover is read only: it returns eligible orders with pagination metadata
func (r *Runner) Discover(ctx context.Context, opts discovery.DiscoverOptions) (*discovery.Result, error) {
	res, err := r.discoverer.Discover(ctx, opts)
	if err != nil {
		return nil, err
	}
	metrics.OrdersDiscovered.Add(float64(res.TotalDiscovered))
	metrics.OrdersEligible.Add(float64(res.TotalEligible))
	return res, nil
}

// Execute discovers up to BatchSize eligible orders and runs them through a
// fresh queue under the batch deadline. It returns when the batch deadline
// trips, but the runner stays busy until the order in flight has finished.
func (r *Runner) Execute(ctx context.Context, req ExecuteRequest) (*ExecuteResult, error) {
	if err := r.reserve(); err != nil {
		return nil, err
	}
	draining := false
	defer func() {
		if !draining {
			r.release()
		}
	}()

	size := r.BatchSize()
	if req.Limit > 0 && req.Limit < size {
		size = req.Limit
	}
	out := &ExecuteResult{StartedAt: time.Now(), BatchSize: size}

	found, err := r.Discover(ctx, discovery.DiscoverOptions{Limit: size, Cursor: req.Cursor, Filters: req.Filters})
	if err != nil {
		return nil, err
	}
	out.Discovered = found.TotalDiscovered
	out.Eligible = len(found.Orders)
	out.HasMore = found.HasMore
	out.NextCursor = found.NextCursor

	orders := found.Orders
	if len(orders) > size {
		orders = orders[:size]
	}
	if len(orders) == 0 {
		r.logger.Info("No eligible orders")
		out.Batch = &models.BatchResult{Results: []models.ExecutionResult{}}
		r.remember(out)
		return out, nil
	}

	q, err := r.startQueue()
	if err != nil {
		return nil, err
	}
	draining = true
	defer r.stopQueue(q)

	r.logger.Info("Executing batch of %d orders (%d eligible, %d discovered)", len(orders), out.Eligible, out.Discovered)
	batch, err := q.ExecuteBatch(ctx, orders, req.ReturnPartial)
	out.Batch = batch
	if err != nil {
		out.Error = err.Error()
	}
	if batch != nil {
		r.logger.Info("Batch finished in %s: %d succeeded, %d failed, %d of %d run",
			batch.Duration, batch.Succeeded, batch.Failed, len(batch.Results), batch.Total)
	}
	r.remember(out)
	return out, err
}

// Shutdown cancels the running batch, if any, rejects further batches and
// waits for the order in flight to finish
func (r *Runner) Shutdown() {
	r.mu.Lock()
	r.closed = true
	q := r.active
	r.mu.Unlock()

	if q != nil {
		q.Shutdown()
	}
	r.Wait()
}

// Wait blocks until no batch is running or draining
func (r *Runner) Wait() {
	r.mu.Lock()
	idle := r.idle
	r.mu.Unlock()
	if idle != nil {
		<-idle
	}
}

// Status reports the current batch state
func (r *Runner) Status() Status {
	r.mu.Lock()
	s := Status{Running: r.running, Closed: r.closed, LastBatch: r.last}
	q := r.active
	r.mu.Unlock()

	s.BatchSize = r.BatchSize()
	if q != nil {
		stats := q.Stats()
		s.Queue = &stats
	}
	if r.breaker != nil {
		state := r.breaker.State()
		s.Circuit = &state
	}
	return s
}

// ResetCircuit closes the aggregator circuit breaker. It reports false when
// the runner has none.
func (r *Runner) ResetCircuit() bool {
	if r.breaker == nil {
		return false
	}
	r.breaker.Reset()
	return true
}

func (r *Runner) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.running {
		return ErrBatchInProgress
	}
	r.running = true
	r.idle = make(chan struct{})
	return nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.running = false
	close(r.idle)
	r.mu.Unlock()
}

func (r *Runner) startQueue() (*queue.Queue, error) {
	q := queue.New(r.proc, r.queueOptions(), r.logger)
	q.On(metrics.QueueListener)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		q.Shutdown()
		return nil, ErrClosed
	}
	r.active = q
	return q, nil
}

// stopQueue shuts q down and releases the runner once q has drained
func (r *Runner) stopQueue(q *queue.Queue) {
	q.Shutdown()
	go func() {
		q.Wait()
		r.mu.Lock()
		if r.active == q {
			r.active = nil
		}
		r.mu.Unlock()
		r.release()
	}()
}

func (r *Runner) remember(res *ExecuteResult) {
	r.mu.Lock()
	r.last = res
	r.mu.Unlock()
}
