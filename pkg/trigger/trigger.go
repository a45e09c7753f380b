// Package trigger runs execution batches on a cron schedule, the scheduled
// function counterpart of the HTTP adapter.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
	"github.com/speedrun-hq/dca-executor/pkg/runner"
)

// DefaultSchedule fires once a minute, at second zero
const DefaultSchedule = "0 * * * * *"

// Executor runs one batch
type Executor interface {
	Execute(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error)
}

// Config configures a Trigger
type Config struct {
	// Schedule is a six field cron expression with seconds
	Schedule string
	// Timeout bounds one run
	Timeout time.Duration
}

// Trigger calls Execute on every tick of its schedule. A tick that fires
// while the previous run is still going is skipped.
type Trigger struct {
	cfg    Config
	exec   Executor
	cron   *cron.Cron
	logger logger.Logger

	mu      sync.Mutex
	ctx     context.Context
	runs    int
	lastRun time.Time
	lastErr error
}

// New creates a trigger and validates the schedule
func New(cfg Config, exec Executor, log logger.Logger) (*Trigger, error) {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = queue.DefaultBatchTimeout
	}
	t := &Trigger{
		cfg:    cfg,
		exec:   exec,
		logger: log.With("component", "trigger"),
		ctx:    context.Background(),
	}

	cl := cronLogger{t.logger}
	t.cron = cron.New(
		cron.WithSeconds(),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := t.cron.AddFunc(cfg.Schedule, t.tick); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return t, nil
}

// Start begins firing. Runs use ctx as their parent, and the trigger stops
// when ctx is done.
func (t *Trigger) Start(ctx context.Context) {
	t.mu.Lock()
	t.ctx = ctx
	t.mu.Unlock()

	t.logger.Info("Starting scheduled trigger (%s)", t.cfg.Schedule)
	t.cron.Start()

	go func() {
		<-ctx.Done()
		t.Stop()
	}()
}

// Stop stops the schedule and waits for a running batch to return
func (t *Trigger) Stop() {
	<-t.cron.Stop().Done()
}

// RunOnce executes one batch under the configured timeout
func (t *Trigger) RunOnce(ctx context.Context) (*runner.ExecuteResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	res, err := t.exec.Execute(ctx, runner.ExecuteRequest{ReturnPartial: true})

	t.mu.Lock()
	t.runs++
	t.lastRun = time.Now()
	t.lastErr = err
	t.mu.Unlock()

	switch {
	case errors.Is(err, runner.ErrBatchInProgress):
		t.logger.Notice("Skipping scheduled run: %v", err)
	case err != nil:
		t.logger.Error("Scheduled run failed: %v", err)
	case res != nil && res.Batch != nil:
		t.logger.Info("Scheduled run done: %d/%d succeeded", res.Batch.Succeeded, res.Batch.Total)
	}
	return res, err
}

func (t *Trigger) tick() {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	_, _ = t.RunOnce(ctx)
}

// Runs returns how many runs completed and the error of the last one
func (t *Trigger) Runs() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs, t.lastErr
}

// cronLogger adapts the logger to cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug("cron: %s %v", msg, keysAndValues)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error("cron: %s: %v %v", msg, err, keysAndValues)
}
