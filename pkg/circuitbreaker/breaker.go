package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/speedrun-hq/dca-executor/pkg/logger"
	"github.com/speedrun-hq/dca-executor/pkg/metrics"
)

// ErrOpen is returned by guarded calls while the circuit is open
var ErrOpen = errors.New("circuit breaker is open")

// Config configures a CircuitBreaker
type Config struct {
	Enabled       bool
	Threshold     int
	FailureWindow time.Duration
	ResetTimeout  time.Duration
}

// State is a snapshot of the breaker, reported on the status endpoint
type State struct {
	Enabled      bool      `json:"enabled"`
	Open         bool      `json:"open"`
	FailureCount int       `json:"failureCount"`
	Threshold    int       `json:"threshold"`
	LastFailure  time.Time `json:"lastFailure,omitempty"`
	TripTime     time.Time `json:"tripTime,omitempty"`
}

// CircuitBreaker stops calls to a failing dependency for ResetTimeout once
// Threshold failures happen within FailureWindow
type CircuitBreaker struct {
	cfg          Config
	failureCount int
	lastFailure  time.Time
	tripped      bool
	tripTime     time.Time
	now          func() time.Time
	logger       logger.Logger
	mu           sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(cfg Config, log logger.Logger) *CircuitBreaker {
	if log == nil {
		log = &logger.EmptyLogger{}
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	return &CircuitBreaker{
		cfg:    cfg,
		now:    time.Now,
		logger: log,
	}
}

// WithClock replaces the time source
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}

// RecordFailure records a failure and trips the circuit if threshold is exceeded
func (cb *CircuitBreaker) RecordFailure() bool {
	if !cb.cfg.Enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()

	if cb.tripped {
		if now.Sub(cb.tripTime) <= cb.cfg.ResetTimeout {
			return true
		}
		cb.logger.Info("Circuit breaker: attempting to reset after timeout")
		cb.closeLocked()
	}

	if now.Sub(cb.lastFailure) > cb.cfg.FailureWindow {
		cb.failureCount = 0
	}

	cb.failureCount++
	cb.lastFailure = now

	if cb.failureCount >= cb.cfg.Threshold {
		cb.tripped = true
		cb.tripTime = now
		metrics.CircuitOpen.Set(1)
		cb.logger.Notice("Circuit breaker tripped: %d failures in window", cb.failureCount)
		return true
	}
	return false
}

// RecordSuccess clears the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.tripped {
		cb.failureCount = 0
	}
}

// IsOpen returns true if the circuit is open (tripped)
func (cb *CircuitBreaker) IsOpen() bool {
	if !cb.cfg.Enabled {
		return false
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	// half open: let calls through again once the timeout passed
	if cb.tripped && cb.now().Sub(cb.tripTime) > cb.cfg.ResetTimeout {
		cb.closeLocked()
		return false
	}
	return cb.tripped
}

// Reset manually resets the circuit breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeLocked()
	cb.logger.Info("Circuit breaker reset")
}

func (cb *CircuitBreaker) closeLocked() {
	cb.tripped = false
	cb.failureCount = 0
	metrics.CircuitOpen.Set(0)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() State {
	open := cb.IsOpen()

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return State{
		Enabled:      cb.cfg.Enabled,
		Open:         open,
		FailureCount: cb.failureCount,
		Threshold:    cb.cfg.Threshold,
		LastFailure:  cb.lastFailure,
		TripTime:     cb.tripTime,
	}
}

// IsEnabled returns true if the circuit breaker is enabled
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.cfg.Enabled
}
