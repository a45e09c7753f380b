// Package queue runs order executions with spacing, per-job timeouts,
// classified retries and a batch deadline.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/speedrun-hq/dca-executor/pkg/classify"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

const (
	DefaultConcurrency  = 1
	DefaultInterval     = 3 * time.Second
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRetries   = 2
	DefaultRetryBackoff = time.Second
	DefaultBatchTimeout = 55 * time.Second
)

var (
	// ErrShutdown is the cause of every job cancelled by Shutdown
	ErrShutdown = errors.New("queue is shut down")
	// ErrBatchTimeout is returned by ExecuteBatch when partial results are not wanted
	ErrBatchTimeout = errors.New("batch deadline exceeded")
)

// Processor executes one order. A returned error is retried when it is
// transient, the result is final otherwise.
type Processor interface {
	Process(ctx context.Context, order models.EligibleOrder) (models.ExecutionResult, error)
}

// ProcessorFunc adapts a function to Processor
type ProcessorFunc func(ctx context.Context, order models.EligibleOrder) (models.ExecutionResult, error)

// Process implements Processor
func (f ProcessorFunc) Process(ctx context.Context, order models.EligibleOrder) (models.ExecutionResult, error) {
	return f(ctx, order)
}

// Options configures a Queue. Zero values take the defaults, except
// MaxRetries which is only defaulted when negative.
type Options struct {
	Concurrency int
	// Interval is the minimum time between two job starts
	Interval time.Duration
	// Timeout bounds a job including all of its retries
	Timeout      time.Duration
	MaxRetries   int
	RetryBackoff time.Duration
	BatchTimeout time.Duration
}

// DefaultOptions returns the default queue options
func DefaultOptions() Options {
	return Options{
		Concurrency:  DefaultConcurrency,
		Interval:     DefaultInterval,
		Timeout:      DefaultTimeout,
		MaxRetries:   DefaultMaxRetries,
		RetryBackoff: DefaultRetryBackoff,
		BatchTimeout: DefaultBatchTimeout,
	}
}

// WithDefaults fills unset fields with the defaults
func (o Options) WithDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.Interval < 0 {
		o.Interval = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = DefaultRetryBackoff
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = DefaultBatchTimeout
	}
	return o
}

// Stats counts jobs by state
type Stats struct {
	Pending      int  `json:"pending"`
	Running      int  `json:"running"`
	Succeeded    int  `json:"succeeded"`
	Failed       int  `json:"failed"`
	Cancelled    int  `json:"cancelled"`
	Retries      int  `json:"retries"`
	ShuttingDown bool `json:"shuttingDown"`
}

type job struct {
	ticket *Ticket
	order  models.EligibleOrder
}

// Queue executes orders in submission order
type Queue struct {
	opts    Options
	proc    Processor
	limiter *rate.Limiter
	logger  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	pending   []*job
	closed    bool
	stats     Stats
	listeners []Listener

	wake         chan struct{}
	shutdownOnce sync.Once
	workers      sync.WaitGroup
	inflight     sync.WaitGroup
}

// New creates a queue and starts its workers
func New(proc Processor, opts Options, log logger.Logger) *Queue {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	opts = opts.WithDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		opts:    opts,
		proc:    proc,
		limiter: rate.NewLimiter(rate.Every(opts.Interval), 1),
		logger:  log.With("component", "queue"),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
	}

	q.workers.Add(opts.Concurrency)
	for i := 0; i < opts.Concurrency; i++ {
		go q.worker()
	}
	return q
}

// Options returns the effective options
func (q *Queue) Options() Options {
	return q.opts
}

// Add enqueues an order. After Shutdown the returned ticket is already
// resolved with a cancelled result.
func (q *Queue) Add(order models.EligibleOrder) *Ticket {
	t := newTicket(order.ID)

	q.mu.Lock()
	if q.closed {
		q.stats.Cancelled++
		q.mu.Unlock()
		t.resolve(cancelled(order.ID))
		return t
	}
	q.pending = append(q.pending, &job{ticket: t, order: order})
	q.stats.Pending++
	q.mu.Unlock()

	q.signal()
	return t
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Stats returns a snapshot of the job counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.ShuttingDown = q.closed
	return s
}

// Shutdown stops the queue: pending jobs are cancelled and running jobs are
// not retried again. An attempt already in flight runs to completion and its
// ticket gets the real outcome. Safe to call more than once and from a
// signal handler.
func (q *Queue) Shutdown() {
	q.shutdownOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		dropped := q.pending
		q.pending = nil
		q.stats.Pending = 0
		q.stats.Cancelled += len(dropped)
		q.mu.Unlock()

		q.cancel()
		for _, j := range dropped {
			j.ticket.resolve(cancelled(j.order.ID))
		}
		q.logger.Info("Queue shut down, %d pending jobs cancelled", len(dropped))
	})
}

// Wait blocks until every worker and every attempt in flight has returned
// after Shutdown
func (q *Queue) Wait() {
	q.workers.Wait()
	q.inflight.Wait()
}

func (q *Queue) worker() {
	defer q.workers.Done()
	for {
		j, ok := q.next()
		if !ok {
			return
		}

		var result models.ExecutionResult
		if err := q.limiter.Wait(q.ctx); err != nil {
			result = cancelled(j.order.ID)
		} else {
			result = q.run(j)
		}
		q.finish(j, result)
	}
}

func (q *Queue) next() (*job, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, false
		}
		if len(q.pending) > 0 {
			j := q.pending[0]
			q.pending = q.pending[1:]
			q.stats.Pending--
			q.stats.Running++
			more := len(q.pending) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return j, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return nil, false
		}
	}
}

func (q *Queue) finish(j *job, result models.ExecutionResult) {
	q.mu.Lock()
	q.stats.Running--
	switch {
	case result.Cancelled:
		q.stats.Cancelled++
	case result.Success:
		q.stats.Succeeded++
	default:
		q.stats.Failed++
	}
	q.mu.Unlock()

	j.ticket.resolve(result)
}

// run executes one job under the per-job timeout
func (q *Queue) run(j *job) models.ExecutionResult {
	id := j.order.ID
	if q.ctx.Err() != nil {
		return cancelled(id)
	}

	start := time.Now()
	q.emit(Event{Type: EventExecutionStart, OrderID: id})

	// Shutdown stops the retry loop, only the timeout stops an attempt
	jobCtx, cancel := context.WithTimeout(q.ctx, q.opts.Timeout)
	defer cancel()
	procCtx, cancelProc := context.WithTimeout(context.WithoutCancel(q.ctx), q.opts.Timeout)
	timeout := time.NewTimer(q.opts.Timeout)
	defer timeout.Stop()

	var attempts atomic.Int32
	done := make(chan models.ExecutionResult, 1)
	q.inflight.Add(1)
	go func() {
		defer q.inflight.Done()
		defer cancelProc()
		done <- q.attempt(jobCtx, procCtx, j, &attempts)
	}()

	var result models.ExecutionResult
	select {
	case result = <-done:
	case <-timeout.C:
		result = q.timedOut(id)
	}

	result.OrderID = id
	result.Attempts = int(attempts.Load())
	result.Duration = time.Since(start)

	switch {
	case result.Cancelled:
		q.emit(Event{Type: EventExecutionError, OrderID: id, Result: &result, Err: ErrShutdown})
	case result.Success:
		q.emit(Event{Type: EventExecutionSuccess, OrderID: id, Result: &result})
	default:
		q.emit(Event{Type: EventExecutionError, OrderID: id, Result: &result, Err: errors.New(result.Error)})
	}
	return result
}

func (q *Queue) timedOut(id string) models.ExecutionResult {
	q.logger.Notice("Order %s timed out after %s", id, q.opts.Timeout)
	return models.ExecutionResult{OrderID: id, Error: fmt.Sprintf("execution timed out after %s", q.opts.Timeout)}
}

// attempt runs the processor with retries on transient errors
func (q *Queue) attempt(jobCtx, procCtx context.Context, j *job, attempts *atomic.Int32) models.ExecutionResult {
	id := j.order.ID

	op := func() (models.ExecutionResult, error) {
		if q.ctx.Err() != nil {
			return models.ExecutionResult{}, backoff.Permanent(ErrShutdown)
		}
		n := attempts.Add(1)
		if n > 1 {
			q.mu.Lock()
			q.stats.Retries++
			q.mu.Unlock()
		}

		result, err := q.proc.Process(procCtx, j.order)
		if err == nil {
			return result, nil
		}
		if classify.IsBenignRace(err.Error()) {
			return models.ExecutionResult{Success: true, Note: "benign race: " + err.Error()}, nil
		}
		if classify.IsTransient(err.Error()) {
			return result, err
		}
		return result, backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = q.opts.RetryBackoff

	result, err := backoff.Retry(jobCtx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(q.opts.MaxRetries+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			q.logger.Notice("Order %s attempt %d failed, retrying in %s: %v", id, attempts.Load(), next, err)
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		if errors.Is(err, ErrShutdown) {
			return cancelled(id)
		}
		// the retry loop was stopped while waiting for the next attempt
		if ctxErr := jobCtx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			if q.ctx.Err() != nil {
				return cancelled(id)
			}
			return q.timedOut(id)
		}
		result.Success = false
		result.Error = err.Error()
		return result
	}

	if !result.Success && result.Ineligible {
		// someone else moved the order on, nothing left for us to do
		result.Success = true
		result.Note = "no longer eligible: " + result.Error
		result.Error = ""
	}
	return result
}

func cancelled(id string) models.ExecutionResult {
	return models.ExecutionResult{
		OrderID:   id,
		Cancelled: true,
		Error:     ErrShutdown.Error(),
	}
}

// ExecuteBatch runs orders one at a time against a shared deadline of
// BatchTimeout. When the deadline trips the queue is shut down and the
// results so far are returned, or ErrBatchTimeout when returnPartial is false.
// A Shutdown from elsewhere ends the batch with ErrShutdown. In both cases the
// order in flight is left out of the results, call Wait for it to finish.
func (q *Queue) ExecuteBatch(ctx context.Context, orders []models.EligibleOrder, returnPartial bool) (*models.BatchResult, error) {
	start := time.Now()
	batch := &models.BatchResult{Total: len(orders), Results: []models.ExecutionResult{}}
	q.emit(Event{Type: EventBatchStart, Total: len(orders)})

	deadline, cancel := context.WithTimeout(ctx, q.opts.BatchTimeout)
	defer cancel()

	interrupted, stopped := false, false
	for _, order := range orders {
		if deadline.Err() != nil {
			interrupted = true
			break
		}
		if q.ctx.Err() != nil {
			stopped = true
			break
		}

		t := q.Add(order)
		select {
		case <-t.Done():
			batch.Record(t.Result())
		case <-deadline.Done():
			interrupted = true
		case <-q.ctx.Done():
			select {
			case <-t.Done():
				batch.Record(t.Result())
			default:
			}
			stopped = true
		}
		if interrupted || stopped {
			break
		}
	}

	switch {
	case interrupted:
		q.Shutdown()
		batch.TimedOut = true
		q.logger.Notice("Batch deadline reached after %d of %d orders", len(batch.Results), batch.Total)
	case stopped:
		q.logger.Notice("Batch stopped by shutdown after %d of %d orders", len(batch.Results), batch.Total)
	}
	batch.Duration = time.Since(start)
	q.emit(Event{Type: EventBatchComplete, Total: batch.Total, Batch: batch})

	switch {
	case interrupted:
		if err := ctx.Err(); err != nil {
			return batch, err
		}
		if !returnPartial {
			return batch, ErrBatchTimeout
		}
	case stopped:
		return batch, ErrShutdown
	}
	return batch, nil
}

// Ticket tracks one queued job
type Ticket struct {
	ID      string
	OrderID string

	done   chan struct{}
	once   sync.Once
	result models.ExecutionResult
}

func newTicket(orderID string) *Ticket {
	return &Ticket{ID: uuid.NewString(), OrderID: orderID, done: make(chan struct{})}
}

func (t *Ticket) resolve(r models.ExecutionResult) {
	t.once.Do(func() {
		t.result = r
		close(t.done)
	})
}

// Done is closed once the result is available
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Result returns the job result. Only valid after Done is closed.
func (t *Ticket) Result() models.ExecutionResult {
	<-t.done
	return t.result
}

// Wait blocks until the job finished or ctx is done
func (t *Ticket) Wait(ctx context.Context) (models.ExecutionResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return models.ExecutionResult{}, ctx.Err()
	}
}
