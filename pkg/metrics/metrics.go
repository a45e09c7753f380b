package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	OrdersDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_orders_discovered_total",
		Help: "The total number of order references read from the event log",
	})

	OrdersEligible = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_orders_eligible_total",
		Help: "The total number of discovered orders that were due",
	})

	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_executions_total",
		Help: "Order executions by outcome",
	}, []string{"outcome"})

	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_execution_seconds",
		Help:    "Time taken to execute one order including retries",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	})

	ExecutionAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_execution_attempts_total",
		Help: "The total number of execution attempts, retries included",
	})

	Batches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_batches_total",
		Help: "Executed batches by outcome",
	}, []string{"outcome"})

	BatchSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_batch_size",
		Help: "Number of orders handed to the most recent batch",
	})

	QueueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_queue_running",
		Help: "Jobs currently executing",
	})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_rpc_requests_total",
		Help: "JSON-RPC requests sent to the chain by method",
	}, []string{"method"})

	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_rpc_errors_total",
		Help: "Failed JSON-RPC requests by method",
	}, []string{"method"})

	GasPrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_gas_price_gwei",
		Help: "Current gas price in gwei after the multiplier",
	})

	AggregatorRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_aggregator_requests_total",
		Help: "Requests to the swap aggregator by endpoint and status",
	}, []string{"endpoint", "status"})

	CircuitOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_aggregator_circuit_open",
		Help: "1 when the aggregator circuit breaker is open",
	})
)
