package metrics

import (
	"github.com/speedrun-hq/dca-executor/pkg/queue"
)

// QueueListener records queue lifecycle events
func QueueListener(ev queue.Event) {
	switch ev.Type {
	case queue.EventExecutionStart:
		QueueRunning.Inc()
	case queue.EventExecutionSuccess, queue.EventExecutionError:
		QueueRunning.Dec()
		if ev.Result == nil {
			return
		}
		outcome := "failure"
		switch {
		case ev.Result.Cancelled:
			outcome = "cancelled"
		case ev.Result.Note != "" && ev.Result.Success:
			outcome = "benign"
		case ev.Result.Success:
			outcome = "success"
		}
		Executions.WithLabelValues(outcome).Inc()
		ExecutionAttempts.Add(float64(ev.Result.Attempts))
		ExecutionDuration.Observe(ev.Result.Duration.Seconds())
	case queue.EventBatchStart:
		BatchSize.Set(float64(ev.Total))
	case queue.EventBatchComplete:
		outcome := "complete"
		if ev.Batch != nil && ev.Batch.TimedOut {
			outcome = "timed_out"
		}
		Batches.WithLabelValues(outcome).Inc()
	}
}
