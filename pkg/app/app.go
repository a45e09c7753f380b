// Package app wires the configured components together for the commands.
package app

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc"

	"github.com/speedrun-hq/dca-executor/pkg/aggregator"
	"github.com/speedrun-hq/dca-executor/pkg/chainclient"
	"github.com/speedrun-hq/dca-executor/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-executor/pkg/config"
	"github.com/speedrun-hq/dca-executor/pkg/discovery"
	"github.com/speedrun-hq/dca-executor/pkg/executor"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
	"github.com/speedrun-hq/dca-executor/pkg/pricefeed"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
	"github.com/speedrun-hq/dca-executor/pkg/runner"
	"github.com/speedrun-hq/dca-executor/pkg/server"
	"github.com/speedrun-hq/dca-executor/pkg/trigger"
)

// App holds the wired components
type App struct {
	cfg     *config.Config
	logger  logger.Logger
	client  *chainclient.Client
	scanner *discovery.Scanner
	breaker *circuitbreaker.CircuitBreaker
	runner  *runner.Runner
}

// New connects to the chain and builds the components. When execution is
// false only discovery is wired and no signer or aggregator is needed.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, execution bool) (*App, error) {
	if execution {
		if err := cfg.ValidateExecution(); err != nil {
			return nil, err
		}
	}

	privateKey := cfg.Chain.PrivateKey
	if !execution {
		privateKey = ""
	}
	client, err := chainclient.New(ctx, chainclient.Config{
		RPCURL:              cfg.Chain.RPCURL,
		PrivateKey:          privateKey,
		DCAAddress:          cfg.Chain.DCAAddress,
		FeedRegistryAddress: cfg.Chain.FeedRegistryAddress,
		StartBlock:          cfg.Chain.StartBlock,
		LogRangeSpan:        cfg.Chain.LogRangeSpan,
		RateLimit:           cfg.Chain.RateLimit,
		MaxGasPrice:         cfg.Chain.MaxGasPrice,
		GasMultiplier:       cfg.Chain.GasMultiplier,
		ReceiptTimeout:      cfg.Queue.OrderTimeout,
	}, log)
	if err != nil {
		return nil, err
	}

	scanner := discovery.NewScanner(client, discovery.Options{
		PageSize:           cfg.Discovery.PageSize,
		ResolveBatchSize:   cfg.Discovery.ResolveBatchSize,
		ResolveConcurrency: cfg.Discovery.ResolveConcurrency,
	}, log)

	a := &App{cfg: cfg, logger: log, client: client, scanner: scanner}
	if !execution {
		return a, nil
	}

	a.breaker = circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{
		Enabled:       cfg.CircuitBreaker.Enabled,
		Threshold:     cfg.CircuitBreaker.Threshold,
		FailureWindow: cfg.CircuitBreaker.WindowDuration,
		ResetTimeout:  cfg.CircuitBreaker.ResetTimeout,
	}, log.With("component", "circuitbreaker"))

	aggClient, err := aggregator.New(aggregator.Options{
		BaseURL: cfg.Aggregator.URL,
		APIKey:  cfg.Aggregator.APIKey,
		Timeout: cfg.Aggregator.Timeout,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregator client: %w", err)
	}

	feeds := pricefeed.NewRegistry(cfg.PriceFeeds, client, pricefeed.DefaultCacheTTL, log)
	handler := executor.NewHandler(client, aggregator.NewGuarded(aggClient, a.breaker), feeds, executor.Config{
		Taker:  client.Executor(),
		DryRun: cfg.DryRun,
	}, log)

	a.runner = runner.New(scanner, handler, a.breaker, runner.Config{
		MaxBatchSize:       cfg.Queue.MaxBatchSize,
		EstimatedOrderCost: cfg.Queue.EstimatedOrderCost,
		Queue: queue.Options{
			Concurrency:  cfg.Queue.Concurrency,
			Interval:     cfg.Queue.Interval,
			Timeout:      cfg.Queue.OrderTimeout,
			MaxRetries:   cfg.Queue.MaxRetries,
			RetryBackoff: cfg.Queue.RetryBackoff,
			BatchTimeout: cfg.Queue.BatchTimeout,
		},
	}, log)

	if cfg.DryRun {
		log.Notice("Dry run enabled, executions are simulated only")
	}
	log.Info("Executing as %s against DCA contract %s", client.Executor(), cfg.Chain.DCAAddress)
	return a, nil
}

// Discover runs one read-only discovery
func (a *App) Discover(ctx context.Context, opts discovery.DiscoverOptions) (*discovery.Result, error) {
	if a.runner != nil {
		return a.runner.Discover(ctx, opts)
	}
	return a.scanner.Discover(ctx, opts)
}

// DiscoverAll walks the whole order log
func (a *App) DiscoverAll(ctx context.Context, opts discovery.DiscoverOptions) ([]models.EligibleOrder, error) {
	return a.scanner.DiscoverAll(ctx, opts)
}

// Execute runs one batch
func (a *App) Execute(ctx context.Context, req runner.ExecuteRequest) (*runner.ExecuteResult, error) {
	if a.runner == nil {
		return nil, fmt.Errorf("execution is not configured")
	}
	a.client.Gas().Start(a.cfg.Chain.GasUpdateInterval)
	defer a.client.Gas().Stop()
	return a.runner.Execute(ctx, req)
}

// Serve runs the HTTP adapter and, when withSchedule is set, the cron
// trigger until ctx is done
func (a *App) Serve(ctx context.Context, withSchedule bool) error {
	if a.runner == nil {
		return fmt.Errorf("execution is not configured")
	}
	a.client.Gas().Start(a.cfg.Chain.GasUpdateInterval)
	defer a.client.Gas().Stop()

	srv := server.New(server.Config{
		Port:           a.cfg.Server.Port,
		APIKey:         a.cfg.Server.APIKey,
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		ExecuteTimeout: a.cfg.Queue.BatchTimeout + runner.SafetyMargin,
	}, a.runner, a.client, a.logger)

	var tr *trigger.Trigger
	if withSchedule {
		var err error
		tr, err = trigger.New(trigger.Config{Schedule: a.cfg.Schedule, Timeout: a.cfg.Queue.BatchTimeout + runner.SafetyMargin}, a.runner, a.logger)
		if err != nil {
			return err
		}
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup
	errCh := make(chan error, 1)
	wg.Go(func() {
		errCh <- srv.Start(serveCtx)
	})
	if tr != nil {
		tr.Start(serveCtx)
	}

	var serveErr error
	stopped := false
	select {
	case serveErr = <-errCh:
		stopped = true
		a.logger.Error("HTTP server stopped: %v", serveErr)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down")
	cancel()
	a.runner.Shutdown()
	if tr != nil {
		tr.Stop()
	}
	wg.Wait()
	if !stopped {
		serveErr = <-errCh
	}
	return serveErr
}

// Schedule runs only the cron trigger until ctx is done
func (a *App) Schedule(ctx context.Context) error {
	if a.runner == nil {
		return fmt.Errorf("execution is not configured")
	}
	a.client.Gas().Start(a.cfg.Chain.GasUpdateInterval)
	defer a.client.Gas().Stop()

	tr, err := trigger.New(trigger.Config{Schedule: a.cfg.Schedule, Timeout: a.cfg.Queue.BatchTimeout + runner.SafetyMargin}, a.runner, a.logger)
	if err != nil {
		return err
	}
	tr.Start(ctx)
	<-ctx.Done()
	a.runner.Shutdown()
	tr.Stop()
	return nil
}

// Shutdown cancels a running batch and waits for the order in flight
func (a *App) Shutdown() {
	if a.runner != nil {
		a.runner.Shutdown()
	}
}
