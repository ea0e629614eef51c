// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package sdk provides the resilience primitives shared by AgentFlow
components: exponential-backoff retry and a three-state circuit breaker.

# Retry

RetryWithBackoff executes a function with configurable exponential backoff:

	result, err := sdk.RetryWithBackoff(ctx, sdk.DefaultRetryConfig(), func() (string, error) {
	    return tool.Call(ctx, params)
	})

Errors can be wrapped as RetryableError or NonRetryableError to override the
default transient-error detection.

# Circuit Breaker

A CircuitBreaker guards a call path, rejecting fast after repeated failures:

	cb := sdk.NewCircuitBreaker("orchestrator", 5, 30*time.Second)

	if err := cb.Allow(); err != nil {
	    return err // CircuitOpenError
	}
	err := delegate()
	if err != nil {
	    cb.RecordFailure()
	} else {
	    cb.RecordSuccess()
	}

The breaker transitions closed → open after maxFailures consecutive
failures, open → half-open once resetTimeout elapses, and half-open → closed
after three consecutive successes. Any failure while half-open reopens the
breaker immediately.
*/
package sdk
