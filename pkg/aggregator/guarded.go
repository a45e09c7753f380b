package aggregator

import (
	"context"
	"errors"
	"math/big"

	"github.com/speedrun-hq/dca-executor/pkg/circuitbreaker"
	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// Guarded stops calling the aggregator while its circuit breaker is open.
// A missing route is an answer, not a failure, and does not count against it.
type Guarded struct {
	next    Aggregator
	breaker *circuitbreaker.CircuitBreaker
}

var _ Aggregator = (*Guarded)(nil)

// NewGuarded wraps next with breaker
func NewGuarded(next Aggregator, breaker *circuitbreaker.CircuitBreaker) *Guarded {
	return &Guarded{next: next, breaker: breaker}
}

// Quote implements Aggregator
func (g *Guarded) Quote(ctx context.Context, in, out string, amount *big.Int) ([]models.Quote, error) {
	if g.breaker.IsOpen() {
		return nil, circuitbreaker.ErrOpen
	}
	quotes, err := g.next.Quote(ctx, in, out, amount)
	g.record(err)
	return quotes, err
}

// Swap implements Aggregator
func (g *Guarded) Swap(ctx context.Context, quote models.Quote, taker string, slippageBps uint16) (*ledger.SwapCall, error) {
	if g.breaker.IsOpen() {
		return nil, circuitbreaker.ErrOpen
	}
	call, err := g.next.Swap(ctx, quote, taker, slippageBps)
	g.record(err)
	return call, err
}

func (g *Guarded) record(err error) {
	switch {
	case err == nil, errors.Is(err, ErrNoRoute), errors.Is(err, context.Canceled):
		g.breaker.RecordSuccess()
	default:
		g.breaker.RecordFailure()
	}
}
