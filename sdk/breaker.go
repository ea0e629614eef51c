// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// String returns the lowercase state name
func (s BreakerState) String() string {
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

// halfOpenSuccesses is the number of consecutive successful calls required
// to close a half-open circuit
const halfOpenSuccesses = 3

// CircuitBreaker implements the circuit breaker pattern. Closed circuits
// allow all calls; maxFailures consecutive failures open the circuit, which
// rejects calls until resetTimeout elapses, then admits trial calls in
// half-open state. A single failure while half-open reopens the circuit.
type CircuitBreaker struct {
	name            string
	maxFailures     int
	resetTimeout    time.Duration
	failures        int
	state           BreakerState
	lastFailureTime time.Time
	halfOpenSuccess int
	mu              sync.Mutex
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		state:        StateClosed,
	}
}

// Allow reports whether a call may proceed. An open circuit whose reset
// timeout has elapsed transitions to half-open and admits the call;
// otherwise open circuits reject with CircuitOpenError. The caller must
// follow up with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailureTime) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.halfOpenSuccess = 0
		} else {
			return &CircuitOpenError{Name: cb.name}
		}
	}

	return nil
}

// RecordSuccess records a successful call. Three consecutive successes in
// half-open state close the circuit; successes while closed reset the
// failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordSuccess()
}

// RecordFailure records a failed call. Reaching maxFailures while closed,
// or any failure while half-open, opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.recordFailure()
}

// Execute runs the function through the circuit breaker
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
		return err
	}

	cb.recordSuccess()
	return nil
}

func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailureTime = time.Now()

	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	if cb.state == StateHalfOpen {
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= halfOpenSuccesses {
			cb.state = StateClosed
			cb.failures = 0
		}
	} else {
		cb.failures = 0
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker's name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.halfOpenSuccess = 0
}

// CircuitOpenError indicates the circuit is open and the call was rejected
type CircuitOpenError struct {
	Name string
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open", e.Name)
}
