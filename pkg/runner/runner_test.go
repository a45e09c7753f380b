package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedrun-hq/dca-executor/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-executor/pkg/discovery"
	"github.com/speedrun-hq/dca-executor/pkg/models"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
)

func TestSafeBatchSize(t *testing.T) {
	tests := []struct {
		name     string
		deadline time.Duration
		interval time.Duration
		perOrder time.Duration
		want     int
	}{
		{"cloud defaults", 55 * time.Second, 3 * time.Second, 0, 4},
		{"no spacing", 55 * time.Second, 0, 0, 6},
		{"deadline below margin", 4 * time.Second, 3 * time.Second, 0, 1},
		{"deadline equal to margin", 5 * time.Second, 3 * time.Second, 0, 1},
		{"budget smaller than one order", 10 * time.Second, 3 * time.Second, 0, 1},
		{"custom cost", 65 * time.Second, time.Second, 2 * time.Second, 20},
		{"negative interval", 21 * time.Second, -time.Second, 0, 2},
		{"sub millisecond cost", 55 * time.Second, 0, 500 * time.Microsecond, 50000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got int
			if tt.perOrder == 0 {
				got = SafeBatchSize(tt.deadline, tt.interval)
			} else {
				got = SafeBatchSizeWith(tt.deadline, tt.interval, tt.perOrder)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeDiscoverer struct {
	mu     sync.Mutex
	orders []models.EligibleOrder
	err    error
	seen   []discovery.DiscoverOptions
}

func (f *fakeDiscoverer) Discover(ctx context.Context, opts discovery.DiscoverOptions) (*discovery.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, opts)
	if f.err != nil {
		return nil, f.err
	}
	orders := f.orders
	hasMore := false
	if opts.Limit > 0 && len(orders) > opts.Limit {
		orders = orders[:opts.Limit]
		hasMore = true
	}
	return &discovery.Result{
		Orders:          orders,
		HasMore:         hasMore,
		TotalDiscovered: len(f.orders) + 2,
		TotalEligible:   len(orders),
	}, nil
}

func eligible(n int) []models.EligibleOrder {
	out := make([]models.EligibleOrder, n)
	for i := range out {
		out[i].ID = fmt.Sprintf("0x%02d", i)
	}
	return out
}

func testConfig() Config {
	return Config{
		MaxBatchSize: 10,
		Queue: queue.Options{
			Concurrency:  1,
			Timeout:      time.Second,
			MaxRetries:   0,
			RetryBackoff: time.Millisecond,
			BatchTimeout: 20 * time.Second,
		},
	}
}

var succeed = queue.ProcessorFunc(func(ctx context.Context, o models.EligibleOrder) (models.ExecutionResult, error) {
	return models.ExecutionResult{Success: true, TxID: "0xtx" + o.ID}, nil
})

func TestBatchSize(t *testing.T) {
	cfg := testConfig()
	// (20s - 5s) / 8s
	assert.Equal(t, 1, New(&fakeDiscoverer{}, succeed, nil, cfg, nil).BatchSize())

	cfg.Queue.BatchTimeout = time.Minute
	assert.Equal(t, 6, New(&fakeDiscoverer{}, succeed, nil, cfg, nil).BatchSize())

	cfg.MaxBatchSize = 3
	assert.Equal(t, 3, New(&fakeDiscoverer{}, succeed, nil, cfg, nil).BatchSize())

	cfg.EstimatedOrderCost = time.Second
	cfg.MaxBatchSize = 0
	assert.Equal(t, 55, New(&fakeDiscoverer{}, succeed, nil, cfg, nil).BatchSize())
}

func TestExecute(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.BatchTimeout = time.Minute
	cfg.EstimatedOrderCost = time.Second
	cfg.MaxBatchSize = 3

	d := &fakeDiscoverer{orders: eligible(5)}
	r := New(d, succeed, nil, cfg, nil)

	res, err := r.Execute(context.Background(), ExecuteRequest{Cursor: "100:1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.BatchSize)
	assert.Equal(t, 3, res.Eligible)
	assert.Equal(t, 7, res.Discovered)
	assert.True(t, res.HasMore)
	require.NotNil(t, res.Batch)
	assert.Equal(t, 3, res.Batch.Total)
	assert.Equal(t, 3, res.Batch.Succeeded)
	assert.Equal(t, "0xtx0x00", res.Batch.Results[0].TxID)

	require.Len(t, d.seen, 1)
	assert.Equal(t, 3, d.seen[0].Limit)
	assert.Equal(t, "100:1", d.seen[0].Cursor)

	r.Wait()
	status := r.Status()
	assert.False(t, status.Running)
	assert.Nil(t, status.Queue)
	assert.Same(t, res, status.LastBatch)
}

func TestExecuteLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.BatchTimeout = time.Minute
	d := &fakeDiscoverer{orders: eligible(5)}
	r := New(d, succeed, nil, cfg, nil)

	res, err := r.Execute(context.Background(), ExecuteRequest{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.BatchSize)
	assert.Equal(t, 2, res.Batch.Total)
}

func TestExecuteNothingEligible(t *testing.T) {
	called := false
	proc := queue.ProcessorFunc(func(ctx context.Context, o models.EligibleOrder) (models.ExecutionResult, error) {
		called = true
		return models.ExecutionResult{}, nil
	})
	r := New(&fakeDiscoverer{}, proc, nil, testConfig(), nil)

	res, err := r.Execute(context.Background(), ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Batch.Total)
	assert.Empty(t, res.Batch.Results)
	assert.False(t, called)
}

func TestExecuteDiscoveryError(t *testing.T) {
	r := New(&fakeDiscoverer{err: errors.New("rpc down")}, succeed, nil, testConfig(), nil)

	_, err := r.Execute(context.Background(), ExecuteRequest{})
	assert.EqualError(t, err, "rpc down")

	// the runner is usable again after a failed batch
	assert.False(t, r.Status().Running)
}

func TestExecuteDeadline(t *testing.T) {
	slow := queue.ProcessorFunc(func(ctx context.Context, o models.EligibleOrder) (models.ExecutionResult, error) {
		time.Sleep(300 * time.Millisecond)
		return models.ExecutionResult{Success: true}, nil
	})
	cfg := testConfig()
	// a deadline this short sizes the batch at one order
	cfg.Queue.BatchTimeout = 100 * time.Millisecond

	t.Run("partial", func(t *testing.T) {
		r := New(&fakeDiscoverer{orders: eligible(5)}, slow, nil, cfg, nil)
		res, err := r.Execute(context.Background(), ExecuteRequest{ReturnPartial: true})
		require.NoError(t, err)
		assert.Equal(t, 1, res.BatchSize)
		assert.True(t, res.Batch.TimedOut)
		assert.Less(t, len(res.Batch.Results), res.Batch.Total)
	})

	t.Run("error", func(t *testing.T) {
		r := New(&fakeDiscoverer{orders: eligible(5)}, slow, nil, cfg, nil)
		res, err := r.Execute(context.Background(), ExecuteRequest{})
		assert.ErrorIs(t, err, queue.ErrBatchTimeout)
		require.NotNil(t, res)
		assert.Equal(t, queue.ErrBatchTimeout.Error(), res.Error)
		assert.Same(t, res, r.Status().LastBatch)
	})
}

func TestExecuteInProgressAndShutdown(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	proc := queue.ProcessorFunc(func(ctx context.Context, o models.EligibleOrder) (models.ExecutionResult, error) {
		close(started)
		<-release
		finished.Store(true)
		return models.ExecutionResult{Success: true}, nil
	})
	cfg := testConfig()
	cfg.Queue.BatchTimeout = time.Minute
	r := New(&fakeDiscoverer{orders: eligible(1)}, proc, nil, cfg, nil)

	type outcome struct {
		res *ExecuteResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Execute(context.Background(), ExecuteRequest{ReturnPartial: true})
		done <- outcome{res, err}
	}()
	<-started

	_, err := r.Execute(context.Background(), ExecuteRequest{})
	assert.ErrorIs(t, err, ErrBatchInProgress)

	status := r.Status()
	assert.True(t, status.Running)
	require.NotNil(t, status.Queue)
	assert.Equal(t, 1, status.Queue.Running)

	shutdown := make(chan struct{})
	go func() {
		r.Shutdown()
		close(shutdown)
	}()

	select {
	case out := <-done:
		assert.ErrorIs(t, out.err, queue.ErrShutdown)
		require.NotNil(t, out.res)
		assert.Empty(t, out.res.Batch.Results)
	case <-time.After(5 * time.Second):
		t.Fatal("batch did not stop after shutdown")
	}

	// the order in flight keeps the runner busy until it returns
	select {
	case <-shutdown:
		t.Fatal("Shutdown returned while an order was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	assert.True(t, r.Status().Running)

	close(release)
	select {
	case <-shutdown:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.True(t, finished.Load())
	assert.False(t, r.Status().Running)

	_, err = r.Execute(context.Background(), ExecuteRequest{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.True(t, r.Status().Closed)
}

func TestNextBatchWaitsForDrain(t *testing.T) {
	var calls atomic.Int32
	var overlap atomic.Bool
	var inFlight atomic.Int32
	proc := queue.ProcessorFunc(func(ctx context.Context, o models.EligibleOrder) (models.ExecutionResult, error) {
		calls.Add(1)
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		time.Sleep(300 * time.Millisecond)
		return models.ExecutionResult{Success: true}, nil
	})
	cfg := testConfig()
	cfg.Queue.BatchTimeout = 100 * time.Millisecond
	r := New(&fakeDiscoverer{orders: eligible(1)}, proc, nil, cfg, nil)

	res, err := r.Execute(context.Background(), ExecuteRequest{ReturnPartial: true})
	require.NoError(t, err)
	assert.True(t, res.Batch.TimedOut)

	// the first order is still being sent
	_, err = r.Execute(context.Background(), ExecuteRequest{ReturnPartial: true})
	assert.ErrorIs(t, err, ErrBatchInProgress)

	r.Wait()
	_, err = r.Execute(context.Background(), ExecuteRequest{ReturnPartial: true})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.False(t, overlap.Load())
}

func TestCircuitStatus(t *testing.T) {
	r := New(&fakeDiscoverer{}, succeed, nil, testConfig(), nil)
	assert.Nil(t, r.Status().Circuit)
	assert.False(t, r.ResetCircuit())

	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Enabled:       true,
		Threshold:     1,
		FailureWindow: time.Minute,
		ResetTimeout:  time.Hour,
	}, nil)
	r = New(&fakeDiscoverer{}, succeed, cb, testConfig(), nil)

	cb.RecordFailure()
	status := r.Status()
	require.NotNil(t, status.Circuit)
	assert.True(t, status.Circuit.Open)

	assert.True(t, r.ResetCircuit())
	assert.False(t, r.Status().Circuit.Open)
}
