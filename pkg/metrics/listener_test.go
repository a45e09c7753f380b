package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/speedrun-hq/dca-executor/pkg/models"
	"github.com/speedrun-hq/dca-executor/pkg/queue"
)

func TestQueueListener(t *testing.T) {
	success := testutil.ToFloat64(Executions.WithLabelValues("success"))
	benign := testutil.ToFloat64(Executions.WithLabelValues("benign"))
	failure := testutil.ToFloat64(Executions.WithLabelValues("failure"))
	timedOut := testutil.ToFloat64(Batches.WithLabelValues("timed_out"))
	attempts := testutil.ToFloat64(ExecutionAttempts)

	QueueListener(queue.Event{Type: queue.EventBatchStart, Total: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(BatchSize))

	QueueListener(queue.Event{Type: queue.EventExecutionStart})
	assert.Equal(t, 1.0, testutil.ToFloat64(QueueRunning))

	QueueListener(queue.Event{Type: queue.EventExecutionSuccess, Result: &models.ExecutionResult{Success: true, Attempts: 1, Duration: time.Second}})
	QueueListener(queue.Event{Type: queue.EventExecutionStart})
	QueueListener(queue.Event{Type: queue.EventExecutionSuccess, Result: &models.ExecutionResult{Success: true, Note: "benign race", Attempts: 1}})
	QueueListener(queue.Event{Type: queue.EventExecutionStart})
	QueueListener(queue.Event{Type: queue.EventExecutionError, Result: &models.ExecutionResult{Error: "InsufficientGas", Attempts: 3}})
	assert.Equal(t, 0.0, testutil.ToFloat64(QueueRunning))

	QueueListener(queue.Event{Type: queue.EventBatchComplete, Batch: &models.BatchResult{TimedOut: true}})

	assert.Equal(t, success+1, testutil.ToFloat64(Executions.WithLabelValues("success")))
	assert.Equal(t, benign+1, testutil.ToFloat64(Executions.WithLabelValues("benign")))
	assert.Equal(t, failure+1, testutil.ToFloat64(Executions.WithLabelValues("failure")))
	assert.Equal(t, attempts+5, testutil.ToFloat64(ExecutionAttempts))
	assert.Equal(t, timedOut+1, testutil.ToFloat64(Batches.WithLabelValues("timed_out")))
}
