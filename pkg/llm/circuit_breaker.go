package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the current state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker.
type CircuitBreakerConfig struct {
	// Threshold is the number of consecutive failures before the circuit trips.
	Threshold int
	// ResetAfter is how long the circuit stays open before one probe is let through.
	ResetAfter time.Duration
}

// DefaultCircuitBreakerConfig trips after 5 consecutive failures and probes after 30s.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{Threshold: 5, ResetAfter: 30 * time.Second}
}

// CircuitBreaker stops calling a provider that keeps failing.
type CircuitBreaker struct {
	mu               sync.Mutex
	consecutiveFails int
	threshold        int
	resetAfter       time.Duration
	lastFailure      time.Time
	state            CircuitState
	now              func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.Threshold <= 0 {
		config.Threshold = DefaultCircuitBreakerConfig().Threshold
	}
	return &CircuitBreaker{
		threshold:  config.Threshold,
		resetAfter: config.ResetAfter,
		state:      CircuitClosed,
		now:        time.Now,
	}
}

// Allow returns nil if a request may proceed. The returned error is a
// retryable *Error so callers back off instead of failing permanently.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.lastFailure) > cb.resetAfter {
			cb.state = CircuitHalfOpen
			return nil
		}
		return NewError(ErrorTypeCircuit,
			fmt.Sprintf("circuit breaker open after %d consecutive failures", cb.consecutiveFails), true, nil)
	default:
		// half-open: a probe is already in flight
		return NewError(ErrorTypeCircuit, "circuit breaker half-open, probe in flight", true, nil)
	}
}

// RecordSuccess resets the failure count and closes the circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFails = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and trips the circuit at the threshold.
// A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFails++
	cb.lastFailure = cb.now()

	if cb.state == CircuitHalfOpen || cb.consecutiveFails >= cb.threshold {
		cb.state = CircuitOpen
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current count of consecutive failures.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFails
}

// BreakerClient wraps a Client with a CircuitBreaker.
// Only provider-side failures (retryable errors) count against the breaker;
// auth or model errors are configuration problems and pass straight through.
type BreakerClient struct {
	inner   Client
	breaker *CircuitBreaker
	logger  *zap.Logger
}

var _ Client = (*BreakerClient)(nil)

// NewBreakerClient wraps inner with breaker.
func NewBreakerClient(inner Client, breaker *CircuitBreaker, logger *zap.Logger) *BreakerClient {
	return &BreakerClient{inner: inner, breaker: breaker, logger: logger.Named("llm-breaker")}
}

// GenerateText implements Client.
func (b *BreakerClient) GenerateText(ctx context.Context, req GenerateRequest) (*GenerateResult, error) {
	if err := b.breaker.Allow(); err != nil {
		return nil, err
	}

	res, err := b.inner.GenerateText(ctx, req)
	if err != nil {
		if IsRetryable(err) {
			b.breaker.RecordFailure()
			if b.breaker.State() == CircuitOpen {
				b.logger.Warn("LLM circuit breaker open",
					zap.Int("consecutive_failures", b.breaker.ConsecutiveFailures()),
					zap.Error(err))
			}
		}
		return nil, err
	}

	b.breaker.RecordSuccess()
	return res, nil
}

// Model implements Client.
func (b *BreakerClient) Model() string {
	return b.inner.Model()
}
