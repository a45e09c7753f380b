package chainclient

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/metrics"
)

// GasPriceSource suggests a gas price
type GasPriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasOracle applies the configured multiplier and ceiling to the network gas
// price. It can refresh in the background so submissions rarely wait on it.
type GasOracle struct {
	src        GasPriceSource
	multiplier float64
	max        *big.Int
	maxAge     time.Duration
	logger     logger.Logger

	mu        sync.RWMutex
	current   *big.Int
	updatedAt time.Time
	stopChan  chan struct{}
}

// NewGasOracle creates a gas oracle. A nil or zero max disables the ceiling.
func NewGasOracle(src GasPriceSource, multiplier float64, max *big.Int, log logger.Logger) *GasOracle {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if multiplier <= 0 {
		multiplier = DefaultGasMultiplier
	}
	return &GasOracle{
		src:        src,
		multiplier: multiplier,
		max:        max,
		maxAge:     30 * time.Second,
		logger:     log,
	}
}

// Price returns a gas price no older than maxAge, or an error when the
// current price is above the ceiling
func (g *GasOracle) Price(ctx context.Context) (*big.Int, error) {
	g.mu.RLock()
	price, fresh := g.current, time.Since(g.updatedAt) < g.maxAge
	g.mu.RUnlock()

	if price == nil || !fresh {
		var err error
		if price, err = g.Update(ctx); err != nil {
			return nil, err
		}
	}

	if g.max != nil && g.max.Sign() > 0 && price.Cmp(g.max) > 0 {
		return nil, fmt.Errorf("gas price %s exceeds maximum %s", price, g.max)
	}
	return price, nil
}

// Update fetches the network gas price and applies the multiplier
func (g *GasOracle) Update(ctx context.Context) (*big.Int, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gasPrice, err := g.src.SuggestGasPrice(timeoutCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", err)
	}

	multiplied := new(big.Float).Mul(new(big.Float).SetInt(gasPrice), big.NewFloat(g.multiplier))
	final, _ := multiplied.Int(nil)

	g.mu.Lock()
	g.current = final
	g.updatedAt = time.Now()
	g.mu.Unlock()

	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(final), big.NewFloat(1e9)).Float64()
	metrics.GasPrice.Set(gwei)
	return final, nil
}

// Start refreshes the gas price every interval until Stop. A non-positive
// interval leaves refreshing to Price.
func (g *GasOracle) Start(interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.mu.Lock()
	if g.stopChan != nil {
		g.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	g.stopChan = stop
	g.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if _, err := g.Update(context.Background()); err != nil {
				g.logger.Notice("Failed to refresh gas price: %v", err)
			}
			select {
			case <-ticker.C:
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts background refreshes
func (g *GasOracle) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopChan != nil {
		close(g.stopChan)
		g.stopChan = nil
	}
}
