// Package eligibility decides whether an order is due for execution.
package eligibility

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// Check reports whether order may be executed at now, and if not, why
func Check(order models.Order, now time.Time) (bool, string) {
	switch {
	case !order.Active:
		return false, "order is inactive"
	case order.RemainingOrders == 0:
		return false, "no remaining orders"
	case order.InputBalance == nil || order.InputBalance.Sign() <= 0:
		return false, "order is unfunded"
	case order.NeverDue():
		return false, "interval out of range"
	}

	next := order.NextExecution()
	if now.Before(next) {
		return false, fmt.Sprintf("next execution in %s", next.Sub(now).Round(time.Second))
	}
	return true, ""
}

// IsEligible reports whether order may be executed at now
func IsEligible(order models.Order, now time.Time) bool {
	ok, _ := Check(order, now)
	return ok
}

// Evaluate annotates order with its schedule position relative to now
func Evaluate(order models.Order, now time.Time) models.EligibleOrder {
	next := order.NextExecution()
	return models.EligibleOrder{
		Order:             order,
		NextExecutionTime: next,
		MsUntilEligible:   next.Sub(now).Milliseconds(),
	}
}

// Filters are optional AND-conditions applied after eligibility.
// Empty fields match everything.
type Filters struct {
	Owner      string `json:"owner,omitempty"`
	InputType  string `json:"inputType,omitempty"`
	OutputType string `json:"outputType,omitempty"`
}

// Match reports whether order passes all set filters
func (f Filters) Match(order models.Order) bool {
	return matchField(f.Owner, order.Owner) &&
		matchField(f.InputType, order.InputType) &&
		matchField(f.OutputType, order.OutputType)
}

func matchField(want, got string) bool {
	return want == "" || strings.EqualFold(want, got)
}

// Select returns the orders that are eligible at now and pass filters,
// sorted most overdue first
func Select(orders []models.Order, now time.Time, filters Filters) []models.EligibleOrder {
	out := make([]models.EligibleOrder, 0, len(orders))
	for _, o := range orders {
		if !IsEligible(o, now) || !filters.Match(o) {
			continue
		}
		out = append(out, Evaluate(o, now))
	}
	SortByUrgency(out)
	return out
}

// SortByUrgency sorts ascending by MsUntilEligible, keeping input order on ties
func SortByUrgency(orders []models.EligibleOrder) {
	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].MsUntilEligible < orders[j].MsUntilEligible
	})
}
