package runner

import "time"

const (
	// SafetyMargin is kept free at the end of every batch deadline
	SafetyMargin = 5 * time.Second
	// DefaultEstimatedOrderCost is the assumed duration of one quote, swap and settle cycle
	DefaultEstimatedOrderCost = 8 * time.Second
)

// SafeBatchSize returns how many orders fit sequentially into deadline with
// interval spacing between them, assuming the default per-order cost.
func SafeBatchSize(deadline, interval time.Duration) int {
	return SafeBatchSizeWith(deadline, interval, DefaultEstimatedOrderCost)
}

// SafeBatchSizeWith is SafeBatchSize with an explicit per-order cost. The
// result is never below one.
func SafeBatchSizeWith(deadline, interval, perOrder time.Duration) int {
	if perOrder <= 0 {
		perOrder = DefaultEstimatedOrderCost
	}
	if interval < 0 {
		interval = 0
	}
	budget := deadline - SafetyMargin
	if budget <= 0 {
		return 1
	}
	step := (perOrder + interval).Milliseconds()
	if step < 1 {
		step = 1
	}
	n := int(budget.Milliseconds() / step)
	if n < 1 {
		return 1
	}
	return n
}
