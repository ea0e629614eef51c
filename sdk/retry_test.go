// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package sdk

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestDefaultRetryConfig(t *testing.T) {
	config := DefaultRetryConfig()

	if config.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", config.MaxRetries)
	}

	if config.InitialInterval != 100*time.Millisecond {
		t.Errorf("expected initial interval 100ms, got %v", config.InitialInterval)
	}

	if config.MaxInterval != 30*time.Second {
		t.Errorf("expected max interval 30s, got %v", config.MaxInterval)
	}

	if config.Multiplier != 2.0 {
		t.Errorf("expected multiplier 2.0, got %f", config.Multiplier)
	}
}

func TestDefaultRetryCondition(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, false},
		{"connection refused", fmt.Errorf("connection refused"), true},
		{"connection reset", fmt.Errorf("connection reset by peer"), true},
		{"service unavailable", fmt.Errorf("service unavailable"), true},
		{"rate limit", fmt.Errorf("rate limit exceeded"), true},
		{"provider overloaded", fmt.Errorf("model overloaded, try again"), true},
		{"429 status", fmt.Errorf("got status 429"), true},
		{"503 status", fmt.Errorf("got status 503"), true},
		{"random error", fmt.Errorf("some random error"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := DefaultRetryCondition(tt.err)
			if result != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, result)
			}
		})
	}
}

func TestRetryableError(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	retryableErr := &RetryableError{
		Err:        originalErr,
		RetryAfter: 5 * time.Second,
	}

	if retryableErr.Error() != originalErr.Error() {
		t.Error("error message should match wrapped error")
	}

	if !errors.Is(retryableErr, originalErr) {
		t.Error("should unwrap to original error")
	}

	if !IsRetryable(retryableErr) {
		t.Error("should be identified as retryable")
	}

	if GetRetryAfter(retryableErr) != 5*time.Second {
		t.Error("should return retry-after duration")
	}
}

func TestNonRetryableError(t *testing.T) {
	originalErr := fmt.Errorf("permanent error")
	nonRetryable := &NonRetryableError{Err: originalErr}

	if nonRetryable.Error() != originalErr.Error() {
		t.Error("error message should match wrapped error")
	}

	if !IsNonRetryable(nonRetryable) {
		t.Error("should be identified as non-retryable")
	}

	if IsRetryable(nonRetryable) {
		t.Error("should not be retryable")
	}
}

func TestRetryWithBackoff(t *testing.T) {
	t.Run("success on first try", func(t *testing.T) {
		ctx := context.Background()
		attempts := 0

		result, err := RetryWithBackoff(ctx, nil, func() (string, error) {
			attempts++
			return "success", nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if result != "success" {
			t.Errorf("expected success, got %s", result)
		}

		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("success after retries", func(t *testing.T) {
		ctx := context.Background()
		attempts := 0

		config := &RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2.0,
			RetryIf:         func(error) bool { return true },
		}

		result, err := RetryWithBackoff(ctx, config, func() (int, error) {
			attempts++
			if attempts < 3 {
				return 0, fmt.Errorf("transient failure")
			}
			return 42, nil
		})

		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if result != 42 {
			t.Errorf("expected 42, got %d", result)
		}

		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("exhausted retries", func(t *testing.T) {
		ctx := context.Background()
		attempts := 0

		config := &RetryConfig{
			MaxRetries:      2,
			InitialInterval: time.Millisecond,
			MaxInterval:     10 * time.Millisecond,
			Multiplier:      2.0,
			RetryIf:         func(error) bool { return true },
		}

		_, err := RetryWithBackoff(ctx, config, func() (string, error) {
			attempts++
			return "", fmt.Errorf("always fails")
		})

		if err == nil {
			t.Fatal("expected error")
		}

		var retryErr *RetryError
		if !errors.As(err, &retryErr) {
			t.Fatalf("expected RetryError, got %T", err)
		}

		if retryErr.Attempts != 3 {
			t.Errorf("expected 3 attempts recorded, got %d", retryErr.Attempts)
		}

		if attempts != 3 {
			t.Errorf("expected 3 attempts, got %d", attempts)
		}
	})

	t.Run("non-retryable stops immediately", func(t *testing.T) {
		ctx := context.Background()
		attempts := 0

		config := &RetryConfig{
			MaxRetries:      3,
			InitialInterval: time.Millisecond,
			RetryIf:         func(error) bool { return true },
		}

		_, err := RetryWithBackoff(ctx, config, func() (string, error) {
			attempts++
			return "", &NonRetryableError{Err: fmt.Errorf("permanent")}
		})

		if err == nil {
			t.Fatal("expected error")
		}

		if attempts != 1 {
			t.Errorf("expected 1 attempt, got %d", attempts)
		}
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		attempts := 0

		config := &RetryConfig{
			MaxRetries:      10,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      1.0,
			RetryIf:         func(error) bool { return true },
		}

		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := RetryWithBackoff(ctx, config, func() (string, error) {
			attempts++
			return "", fmt.Errorf("failure")
		})

		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}

		if attempts > 2 {
			t.Errorf("expected retries to stop after cancel, got %d attempts", attempts)
		}
	})
}

func TestRetryVoid(t *testing.T) {
	ctx := context.Background()
	attempts := 0

	config := &RetryConfig{
		MaxRetries:      2,
		InitialInterval: time.Millisecond,
		Multiplier:      2.0,
		RetryIf:         func(error) bool { return true },
	}

	err := RetryVoid(ctx, config, func() error {
		attempts++
		if attempts < 2 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
}

func TestBackoff(t *testing.T) {
	t.Run("exponential progression", func(t *testing.T) {
		b := NewBackoff(100*time.Millisecond, 10*time.Second, 2.0, 0)

		first := b.Next()
		if first != 100*time.Millisecond {
			t.Errorf("expected first interval 100ms, got %v", first)
		}

		second := b.Next()
		if second != 200*time.Millisecond {
			t.Errorf("expected second interval 200ms, got %v", second)
		}

		third := b.Next()
		if third != 400*time.Millisecond {
			t.Errorf("expected third interval 400ms, got %v", third)
		}
	})

	t.Run("caps at max interval", func(t *testing.T) {
		b := NewBackoff(time.Second, 2*time.Second, 10.0, 0)

		b.Next()
		capped := b.Next()
		if capped != 2*time.Second {
			t.Errorf("expected capped interval 2s, got %v", capped)
		}
	})

	t.Run("reset restarts progression", func(t *testing.T) {
		b := NewBackoff(100*time.Millisecond, time.Second, 2.0, 0)

		b.Next()
		b.Next()
		b.Reset()

		if b.Attempt() != 0 {
			t.Errorf("expected attempt 0 after reset, got %d", b.Attempt())
		}

		if got := b.Next(); got != 100*time.Millisecond {
			t.Errorf("expected initial interval after reset, got %v", got)
		}
	})
}
