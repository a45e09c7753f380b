package models

import (
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"
)

// TimeScale is the unit an order's execution interval is expressed in
type TimeScale uint8

const (
	Second TimeScale = iota
	Minute
	Hour
	Day
	Week
	Month
)

var timeScaleUnits = map[TimeScale]time.Duration{
	Second: time.Second,
	Minute: time.Minute,
	Hour:   time.Hour,
	Day:    24 * time.Hour,
	Week:   7 * 24 * time.Hour,
	Month:  30 * 24 * time.Hour,
}

var timeScaleNames = map[TimeScale]string{
	Second: "second",
	Minute: "minute",
	Hour:   "hour",
	Day:    "day",
	Week:   "week",
	Month:  "month",
}

// Unit returns the duration of one unit of the time scale
func (t TimeScale) Unit() time.Duration {
	return timeScaleUnits[t]
}

// Valid reports whether the time scale is a known unit
func (t TimeScale) Valid() bool {
	_, ok := timeScaleUnits[t]
	return ok
}

func (t TimeScale) String() string {
	if name, ok := timeScaleNames[t]; ok {
		return name
	}
	return fmt.Sprintf("timescale(%d)", uint8(t))
}

// ParseTimeScale parses the name of a time scale
func ParseTimeScale(s string) (TimeScale, error) {
	for ts, name := range timeScaleNames {
		if strings.EqualFold(name, s) {
			return ts, nil
		}
	}
	return 0, fmt.Errorf("unknown time scale: %s", s)
}

// Order is a point-in-time snapshot of a recurring trade instruction read from the ledger
type Order struct {
	ID                 string    `json:"id"`
	Owner              string    `json:"owner"`
	Delegatee          string    `json:"delegatee,omitempty"`
	Active             bool      `json:"active"`
	RemainingOrders    uint64    `json:"remainingOrders"`
	InputBalance       *big.Int  `json:"inputBalance"`
	SplitAllocation    *big.Int  `json:"splitAllocation"`
	LastExecution      time.Time `json:"lastExecution"`
	Every              uint64    `json:"every"`
	TimeScale          TimeScale `json:"timeScale"`
	InputType          string    `json:"inputType"`
	OutputType         string    `json:"outputType"`
	ProtocolFeeBps     uint16    `json:"protocolFeeBps"`
	DefaultSlippageBps uint16    `json:"defaultSlippageBps"`
	// CustomSlippageBps is zero when the owner never set one
	CustomSlippageBps uint16   `json:"customSlippageBps,omitempty"`
	ExecutorReward    *big.Int `json:"executorReward"`
}

// MaxInterval is the saturated value of an interval too long for time.Duration.
// An order with this interval is never due again.
const MaxInterval = time.Duration(math.MaxInt64)

// Interval returns the time between two executions of the order
func (o Order) Interval() time.Duration {
	unit := o.TimeScale.Unit()
	if unit <= 0 {
		return 0
	}
	if o.Every > uint64(MaxInterval/unit) {
		return MaxInterval
	}
	return time.Duration(o.Every) * unit
}

// NextExecution returns the earliest time the order may be executed again
func (o Order) NextExecution() time.Time {
	return o.LastExecution.Add(o.Interval())
}

// NeverDue reports whether the interval is too long to ever elapse
func (o Order) NeverDue() bool {
	return o.Interval() == MaxInterval
}

// SlippageBps returns the slippage tolerance to apply when executing the order.
// The value recorded with the order wins over any global default.
func (o Order) SlippageBps() uint16 {
	if o.CustomSlippageBps > 0 {
		return o.CustomSlippageBps
	}
	return o.DefaultSlippageBps
}

// EligibleOrder is an order annotated with its schedule position
type EligibleOrder struct {
	Order
	NextExecutionTime time.Time `json:"nextExecutionTime"`
	// MsUntilEligible is negative or zero when the order is due
	MsUntilEligible int64 `json:"msUntilEligible"`
}

// Quote is a single swap route offered by the aggregator
type Quote struct {
	Provider  string   `json:"provider"`
	QuoteID   string   `json:"quoteId,omitempty"`
	AmountIn  *big.Int `json:"amountIn"`
	AmountOut *big.Int `json:"amountOut"`
	Route     []string `json:"route,omitempty"`
}

// QuotedOrder is an eligible order paired with the best quote for its net input
type QuotedOrder struct {
	EligibleOrder
	Quote    Quote    `json:"quote"`
	NetInput *big.Int `json:"netInput"`
}
