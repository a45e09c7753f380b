package models

import (
	"math/big"
	"time"
)

// ExecutionResult is the outcome of executing one order
type ExecutionResult struct {
	OrderID string `json:"orderId"`
	Success bool   `json:"success"`
	TxID    string `json:"txId,omitempty"`
	Error   string `json:"error,omitempty"`
	// Note explains a success that did not produce a transaction of ours,
	// e.g. another executor won the race
	Note       string        `json:"note,omitempty"`
	Ineligible bool          `json:"ineligible,omitempty"`
	Cancelled  bool          `json:"cancelled,omitempty"`
	Attempts   int           `json:"attempts,omitempty"`
	AmountIn   *big.Int      `json:"amountIn,omitempty"`
	AmountOut  *big.Int      `json:"amountOut,omitempty"`
	Reward     *big.Int      `json:"reward,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// BatchResult summarizes a batch run
type BatchResult struct {
	Total     int               `json:"total"`
	Succeeded int               `json:"succeeded"`
	Failed    int               `json:"failed"`
	Results   []ExecutionResult `json:"results"`
	Duration  time.Duration     `json:"duration"`
	TimedOut  bool              `json:"timedOut"`
}

// Record adds a result to the batch and updates the counters
func (b *BatchResult) Record(r ExecutionResult) {
	b.Results = append(b.Results, r)
	if r.Success {
		b.Succeeded++
	} else {
		b.Failed++
	}
}
