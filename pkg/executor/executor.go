// Package executor runs a single order end to end: re-verify, quote, build
// and submit the execution, classify the outcome.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/speedrun-hq/dca-executor/pkg/aggregator"
	"github.com/speedrun-hq/dca-executor/pkg/classify"
	"github.com/speedrun-hq/dca-executor/pkg/eligibility"
	"github.com/speedrun-hq/dca-executor/pkg/ledger"
	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/models"
	"github.com/speedrun-hq/dca-executor/pkg/pricefeed"
)

const bpsDenominator = 10000

// ErrNoQuote is reported when the aggregator has nothing usable for an order
var ErrNoQuote = errors.New("no quote available")

// Config configures a Handler
type Config struct {
	// Taker is the executor address the swap is built for
	Taker  string
	DryRun bool
}

// Handler executes orders
type Handler struct {
	ledger ledger.Ledger
	agg    aggregator.Aggregator
	feeds  pricefeed.Resolver
	cfg    Config
	now    func() time.Time
	logger logger.Logger
}

// Verification is the outcome of re-checking an order right before execution
type Verification struct {
	Eligible bool
	Reason   string
	Order    *models.Order
}

// NewHandler creates a handler
func NewHandler(l ledger.Ledger, agg aggregator.Aggregator, feeds pricefeed.Resolver, cfg Config, log logger.Logger) *Handler {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	return &Handler{
		ledger: l,
		agg:    agg,
		feeds:  feeds,
		cfg:    cfg,
		now:    time.Now,
		logger: log.With("component", "executor"),
	}
}

// WithClock replaces the time source
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.now = now
	return h
}

// VerifyStillEligible reads a fresh snapshot of the order and re-applies the
// eligibility rules
func (h *Handler) VerifyStillEligible(ctx context.Context, orderID string) (Verification, error) {
	order, err := h.ledger.GetOrder(ctx, orderID)
	if err != nil {
		return Verification{}, err
	}
	ok, reason := eligibility.Check(*order, h.now())
	return Verification{Eligible: ok, Reason: reason, Order: order}, nil
}

// NetInput deducts the protocol fee from gross, rounding the fee down
func NetInput(gross *big.Int, feeBps uint16) *big.Int {
	if gross == nil {
		return new(big.Int)
	}
	fee := new(big.Int).Mul(gross, big.NewInt(int64(feeBps)))
	fee.Quo(fee, big.NewInt(bpsDenominator))
	return new(big.Int).Sub(gross, fee)
}

// grossInput is the amount one execution spends: the split allocation, or
// what is left of the balance when that is smaller
func grossInput(o models.Order) *big.Int {
	if o.SplitAllocation == nil {
		return new(big.Int)
	}
	if o.InputBalance != nil && o.InputBalance.Cmp(o.SplitAllocation) < 0 {
		return new(big.Int).Set(o.InputBalance)
	}
	return new(big.Int).Set(o.SplitAllocation)
}

// GetQuote returns the order paired with the best quote for its net input.
// nil means the order is not currently executable.
func (h *Handler) GetQuote(ctx context.Context, order models.EligibleOrder) *models.QuotedOrder {
	quoted, err := h.quote(ctx, order)
	if err != nil {
		h.logger.Notice("No quote for order %s: %v", order.ID, err)
		return nil
	}
	return quoted
}

func (h *Handler) quote(ctx context.Context, order models.EligibleOrder) (*models.QuotedOrder, error) {
	net := NetInput(grossInput(order.Order), order.ProtocolFeeBps)
	if net.Sign() <= 0 {
		return nil, fmt.Errorf("net input is zero")
	}

	quotes, err := h.agg.Quote(ctx, order.InputType, order.OutputType, net)
	if err != nil {
		return nil, err
	}
	best, ok := BestQuote(quotes)
	if !ok {
		return nil, ErrNoQuote
	}

	h.logger.Debug("Best quote for order %s: %s via %s", order.ID, best.AmountOut, best.Provider)
	return &models.QuotedOrder{EligibleOrder: order, Quote: best, NetInput: net}, nil
}

// BestQuote picks the quote with the highest output. The first one wins ties.
func BestQuote(quotes []models.Quote) (models.Quote, bool) {
	var best models.Quote
	found := false
	for _, q := range quotes {
		if q.AmountOut == nil {
			continue
		}
		if !found || q.AmountOut.Cmp(best.AmountOut) > 0 {
			best, found = q, true
		}
	}
	return best, found
}

// Execute builds and submits the execution of a quoted order
func (h *Handler) Execute(ctx context.Context, quoted models.QuotedOrder, skipVerification bool) models.ExecutionResult {
	start := h.now()
	result := h.execute(ctx, quoted, skipVerification)
	result.OrderID = quoted.ID
	result.Duration = h.now().Sub(start)
	return result
}

func (h *Handler) execute(ctx context.Context, quoted models.QuotedOrder, skipVerification bool) models.ExecutionResult {
	log := h.logger.With("order", quoted.ID)

	if !skipVerification {
		v, err := h.VerifyStillEligible(ctx, quoted.ID)
		if err != nil {
			return h.fromError(log, "", err)
		}
		if !v.Eligible {
			log.Info("Order no longer eligible: %s", v.Reason)
			return models.ExecutionResult{Ineligible: true, Error: v.Reason}
		}
	}

	plan, err := h.buildPlan(ctx, quoted)
	if err != nil {
		return h.fromError(log, "", err)
	}

	res, err := h.ledger.SubmitExecution(ctx, *plan, h.cfg.DryRun)
	if err != nil {
		txID := ""
		if res != nil {
			txID = res.TxID
		}
		return h.fromError(log, txID, err)
	}

	if res.Status != ledger.StatusSuccess {
		return h.fromError(log, res.TxID, errors.New(res.Error))
	}

	result := models.ExecutionResult{Success: true, TxID: res.TxID}
	if h.cfg.DryRun {
		result.Note = "dry run"
	}
	for _, ev := range res.Events {
		if ev.Type != ledger.EventOrderExecuted {
			continue
		}
		result.AmountIn = parseInt(ev.Fields[ledger.FieldAmountIn])
		result.AmountOut = parseInt(ev.Fields[ledger.FieldAmountOut])
		result.Reward = parseInt(ev.Fields[ledger.FieldReward])
	}
	log.Info("Order executed: tx %s", res.TxID)
	return result
}

func (h *Handler) buildPlan(ctx context.Context, quoted models.QuotedOrder) (*ledger.ExecutionPlan, error) {
	feed, err := h.feeds.Lookup(ctx, quoted.OutputType)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve price feed: %w", err)
	}

	swap, err := h.agg.Swap(ctx, quoted.Quote, h.cfg.Taker, quoted.Order.SlippageBps())
	if err != nil {
		return nil, fmt.Errorf("failed to build swap: %w", err)
	}

	return &ledger.ExecutionPlan{
		OrderID:   quoted.ID,
		PriceFeed: feed,
		Swap:      *swap,
	}, nil
}

// fromError turns a failure into a result. Benign races count as success.
func (h *Handler) fromError(log logger.Logger, txID string, err error) models.ExecutionResult {
	msg := err.Error()
	class, tag := classify.Classify(msg)
	if class == classify.BenignRace {
		log.Info("Order already handled (%s): %s", tag, msg)
		return models.ExecutionResult{Success: true, TxID: txID, Note: fmt.Sprintf("benign race (%s): %s", tag, msg)}
	}
	log.Error("Execution failed (%s): %s", class, msg)
	return models.ExecutionResult{TxID: txID, Error: msg}
}

// Process quotes and executes one order. It returns an error only for
// transient failures that are worth another attempt.
func (h *Handler) Process(ctx context.Context, order models.EligibleOrder) (models.ExecutionResult, error) {
	quoted, err := h.quote(ctx, order)
	if err != nil {
		if classify.IsTransient(err.Error()) {
			return models.ExecutionResult{OrderID: order.ID, Error: err.Error()}, err
		}
		h.logger.Notice("No quote for order %s: %v", order.ID, err)
		msg := err.Error()
		if !errors.Is(err, ErrNoQuote) {
			msg = fmt.Sprintf("%s: %s", ErrNoQuote, msg)
		}
		return models.ExecutionResult{OrderID: order.ID, Error: msg}, nil
	}

	result := h.Execute(ctx, *quoted, false)
	if !result.Success && !result.Ineligible && result.TxID == "" && classify.IsTransient(result.Error) {
		return result, errors.New(result.Error)
	}
	return result, nil
}

func parseInt(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}
