// Package ledger defines the narrow view of the chain the executor works against.
package ledger

import (
	"context"
	"errors"
	"math/big"

	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// Event types
const (
	EventOrderCreated  = "OrderCreated"
	EventOrderExecuted = "OrderExecuted"
)

// Event field names
const (
	FieldOrderID   = "order_id"
	FieldOwner     = "owner"
	FieldExecutor  = "executor"
	FieldAmountIn  = "amount_in"
	FieldAmountOut = "amount_out"
	FieldReward    = "reward"
)

// Submission statuses
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrOrderNotFound is returned when an id does not resolve to an order
var ErrOrderNotFound = errors.New("order not found")

// Event is a single entry of the ledger's event log
type Event struct {
	// Cursor is the position of the event in the log
	Cursor string
	Type   string
	Fields map[string]string
}

// EventQuery selects a page of events
type EventQuery struct {
	Type string
	// Cursor is exclusive: the page starts after the event it points at
	Cursor     string
	Limit      int
	Descending bool
}

// EventPage is one page of query results
type EventPage struct {
	Events     []Event
	NextCursor string
	HasNext    bool
}

// ObjectResult is the outcome of fetching one order in a multi fetch
type ObjectResult struct {
	ID    string
	Order *models.Order
	Err   error
}

// SwapCall is the aggregator calldata embedded into the execution transaction
type SwapCall struct {
	Router       string
	Data         []byte
	MinAmountOut *big.Int
}

// ExecutionPlan describes the single atomic transaction executing one order.
// The contract withdraws the escrow, unwraps it, swaps through Swap, checks
// MinAmountOut, pays the owner and pays the executor reward.
type ExecutionPlan struct {
	OrderID   string
	PriceFeed string
	Swap      SwapCall
}

// SubmitResult reports what happened to a submitted execution
type SubmitResult struct {
	TxID   string
	Status string
	Error  string
	Events []Event
}

// Ledger is the chain access the executor needs
type Ledger interface {
	QueryEvents(ctx context.Context, q EventQuery) (*EventPage, error)
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	MultiGetOrders(ctx context.Context, ids []string) ([]ObjectResult, error)
	SubmitExecution(ctx context.Context, plan ExecutionPlan, dryRun bool) (*SubmitResult, error)
}
