package netutil

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState string

const (
	// CircuitClosed allows all requests (normal operation).
	CircuitClosed CircuitState = "closed"
	// CircuitOpen blocks requests after repeated failures.
	CircuitOpen CircuitState = "open"
	// CircuitHalfOpen allows a single probe request after the open timeout.
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker stops a reconnect loop from hammering a dead peer.
//
// After threshold consecutive failures the circuit opens and AllowRequest
// returns false for the cooldown period. The next request after the cooldown
// runs as a half-open probe: success closes the circuit, failure reopens it
// with the timer restarted.
type CircuitBreaker struct {
	mu          sync.Mutex
	threshold   int
	cooldown    time.Duration
	failures    int
	lastFailure time.Time
	state       CircuitState
	logger      *zap.Logger
}

// NewCircuitBreaker returns a breaker that opens after threshold consecutive
// failures and blocks for cooldown before probing.
func NewCircuitBreaker(threshold int, cooldown time.Duration, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		state:     CircuitClosed,
		logger:    logger,
	}
}

// DefaultCircuitBreaker returns the channel-standard 5 failure / 30s breaker.
func DefaultCircuitBreaker(logger *zap.Logger) *CircuitBreaker {
	return NewCircuitBreaker(5, 30*time.Second, logger)
}

// AllowRequest reports whether a request should proceed.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailure) >= cb.cooldown {
			cb.logger.Info("circuit breaker half-open, probing")
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	case CircuitHalfOpen:
		// The single probe was granted on the Open->HalfOpen transition;
		// further requests wait for its RecordSuccess or RecordFailure.
		return false
	}
	return false
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen {
		cb.logger.Info("circuit breaker closed, recovery confirmed")
	}
	cb.failures = 0
	cb.state = CircuitClosed
}

// RecordFailure increments the failure count, possibly opening the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == CircuitHalfOpen {
		cb.logger.Warn("circuit breaker reopened, probe failed")
		cb.state = CircuitOpen
		return
	}

	if cb.failures >= cb.threshold {
		if cb.state != CircuitOpen {
			cb.logger.Warn("circuit breaker open",
				zap.Int("failures", cb.failures),
				zap.Duration("cooldown", cb.cooldown))
		}
		cb.state = CircuitOpen
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
