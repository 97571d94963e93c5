package errors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fastPolicy retries quickly so tests stay fast.
func fastPolicy(maxAttempts int) *Policy {
	return &Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		RetryIf:      IsRetryable,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		attempts++
		if attempts < 3 {
			return Temporary(CodeNetworkTimeout, "transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(5), func() error {
		attempts++
		return Permanent(CodeBackendParseError, "bad reply")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(3), func() error {
		attempts++
		return Temporary(CodeNetworkTimeout, "still down")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "max retries exceeded")
}

func TestDo_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, fastPolicy(5), func() error {
		attempts++
		return Temporary(CodeNetworkTimeout, "transient")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Contains(t, err.Error(), "retry canceled")
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	got, err := DoWithResult(context.Background(), fastPolicy(3), func() (string, error) {
		attempts++
		if attempts < 2 {
			return "", Temporary(CodeNetworkTimeout, "transient")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 2, attempts)
}

func TestNoRetry(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), NoRetry(), func() error {
		attempts++
		return Temporary(CodeNetworkTimeout, "transient")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestCircuitBreaker_OpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{
		MaxFailures:      2,
		ResetTimeout:     time.Hour,
		HalfOpenAttempts: 1,
	})

	fail := func() error { return Temporary(CodeBackendUnavailable, "down") }

	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, StateClosed, cb.State())

	assert.Error(t, cb.Execute(fail))
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit rejects without invoking the function.
	invoked := false
	err := cb.Execute(func() error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked)
	assert.Contains(t, err.Error(), "circuit breaker")
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{
		MaxFailures:      1,
		ResetTimeout:     time.Millisecond,
		HalfOpenAttempts: 1,
	})

	require.Error(t, cb.Execute(func() error { return Temporary(CodeBackendUnavailable, "down") }))
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)

	// First probe after the reset timeout is allowed; success closes.
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{
		MaxFailures:      1,
		ResetTimeout:     time.Hour,
		HalfOpenAttempts: 1,
	})

	require.Error(t, cb.Execute(func() error { return Temporary(CodeBackendUnavailable, "down") }))
	assert.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.NoError(t, cb.Execute(func() error { return nil }))
}
