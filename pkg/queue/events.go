package queue

import (
	"time"

	"github.com/speedrun-hq/dca-executor/pkg/models"
)

// Lifecycle event types
const (
	EventExecutionStart   = "execution:start"
	EventExecutionSuccess = "execution:success"
	EventExecutionError   = "execution:error"
	EventBatchStart       = "batch:start"
	EventBatchComplete    = "batch:complete"
)

// Event is delivered to listeners. Result is set on execution success and
// error, Batch on batch completion.
type Event struct {
	Type    string
	Time    time.Time
	OrderID string
	Result  *models.ExecutionResult
	Err     error
	// Total is the number of orders in the batch for batch events
	Total int
	Batch *models.BatchResult
}

// Listener receives lifecycle events. It runs on the emitting goroutine and
// should return quickly.
type Listener func(Event)

// On registers a listener
func (q *Queue) On(l Listener) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, l)
}

func (q *Queue) emit(ev Event) {
	ev.Time = time.Now()

	q.mu.Lock()
	listeners := append([]Listener(nil), q.listeners...)
	q.mu.Unlock()

	for _, l := range listeners {
		q.deliver(l, ev)
	}
}

// deliver isolates listener panics from the queue and the other listeners
func (q *Queue) deliver(l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("Listener panicked on %s: %v", ev.Type, r)
		}
	}()
	l(ev)
}
