package reliability

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrUnknownState is returned for an unrecognized breaker state
var ErrUnknownState = errors.New("reliability: unknown circuit breaker state")

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards broker I/O against a downed peer: consecutive
// failures open the circuit, publishes fail fast while open, and a probe
// window half-opens it after the cooldown.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            State
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailureTime  time.Time

	failureThreshold int
	successThreshold int
	cooldown         time.Duration
	halfOpenRequests int
	name             string
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive-failure count that opens the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets the successes needed to close from half-open
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithCooldown sets how long the circuit stays open before probing
func WithCooldown(cooldown time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.cooldown = cooldown
	}
}

// WithHalfOpenRequests caps concurrent probes in the half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the breaker name for error reporting
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 3,
		cooldown:         30 * time.Second,
		halfOpenRequests: 3,
		name:             "default",
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn under circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		cb.record(ctx.Err())
		return ctx.Err()
	default:
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset forces the breaker back to closed
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

// allow checks whether a call may proceed, transitioning open to half-open
// once the cooldown has elapsed
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextProbe := cb.lastFailureTime.Add(cb.cooldown)
		if time.Now().After(nextProbe) {
			cb.state = StateHalfOpen
			cb.halfOpenInFlight = 1
			cb.successes = 0
			return nil
		}
		return cb.openError(nextProbe)

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenRequests {
			return cb.openError(time.Now().Add(time.Second))
		}
		cb.halfOpenInFlight++
		return nil

	default:
		return ErrUnknownState
	}
}

// record feeds a call outcome into the state machine
func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = time.Now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.state = StateOpen
			}
		case StateHalfOpen:
			// A single failed probe reopens the circuit
			cb.state = StateOpen
			cb.halfOpenInFlight = 0
		}

		if cb.state != StateClosed {
			cb.successes = 0
		}
		return
	}

	cb.successes++

	switch cb.state {
	case StateHalfOpen:
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.failures = 0
			cb.halfOpenInFlight = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) openError(nextProbe time.Time) error {
	return &CircuitBreakerError{
		Name:        cb.name,
		State:       cb.state,
		Failures:    cb.failures,
		LastFailure: cb.lastFailureTime,
		NextProbe:   nextProbe,
	}
}

// CircuitBreakerError is returned when the circuit rejects a call
type CircuitBreakerError struct {
	Name        string
	State       State
	Failures    int
	LastFailure time.Time
	NextProbe   time.Time
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("reliability: circuit breaker %s is %s after %d failures, next probe at %s",
		e.Name, e.State, e.Failures, e.NextProbe.Format(time.RFC3339))
}

// IsRetryable marks circuit rejections as non-retryable inside a single
// publish call: retrying immediately would hit the same open circuit.
func (e *CircuitBreakerError) IsRetryable() bool {
	return false
}
