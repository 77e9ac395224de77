package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPolicy_OnlyTransientKindsRetry(t *testing.T) {
	policy := DefaultRetryPolicy()

	fatalKinds := []Kind{
		KindValidation,
		KindAuthRequired,
		KindPayloadTooLarge,
		KindSessionExpired,
		KindProcessingFailed,
		KindProcessingTimeout,
		KindCancelled,
		KindUnknownServer,
	}

	for _, kind := range fatalKinds {
		decision := policy.ShouldRetry(0, kind)
		assert.False(t, decision.Retry, "kind %s must not retry", kind)
	}

	assert.True(t, policy.ShouldRetry(0, KindTransientTransport).Retry)
}

func TestRetryPolicy_AttemptBudget(t *testing.T) {
	policy := DefaultRetryPolicy()

	// 3 attempts total: failures of attempt 0 and 1 may retry, attempt 2 is
	// the last one.
	assert.True(t, policy.ShouldRetry(0, KindTransientTransport).Retry)
	assert.True(t, policy.ShouldRetry(1, KindTransientTransport).Retry)
	assert.False(t, policy.ShouldRetry(2, KindTransientTransport).Retry)
	assert.False(t, policy.ShouldRetry(3, KindTransientTransport).Retry)
}

func TestRetryPolicy_DelayGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   500 * time.Millisecond,
		Factor:      2,
		MaxDelay:    8 * time.Second,
		jitterFn:    zeroJitter,
	}

	wantDelays := []time.Duration{
		500 * time.Millisecond,
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second, // capped
		8 * time.Second,
	}

	for attempt, want := range wantDelays {
		decision := policy.ShouldRetry(attempt, KindTransientTransport)
		require.True(t, decision.Retry, "attempt %d", attempt)
		assert.Equal(t, want, decision.Delay, "attempt %d", attempt)
	}
}

func TestRetryPolicy_JitterStaysWithinBase(t *testing.T) {
	policy := DefaultRetryPolicy()

	for i := 0; i < 50; i++ {
		delay := policy.ShouldRetry(0, KindTransientTransport).Delay
		assert.GreaterOrEqual(t, delay, policy.BaseDelay)
		assert.Less(t, delay, policy.BaseDelay*2)
	}
}

func TestRetryPolicy_ZeroValueNeverRetries(t *testing.T) {
	var policy RetryPolicy

	assert.False(t, policy.ShouldRetry(0, KindTransientTransport).Retry)
}

func TestCaller_RetriesTransientThenSucceeds(t *testing.T) {
	sleeps := &sleepRecorder{}
	call := caller{
		policy: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Factor:      2,
			MaxDelay:    8 * time.Second,
			jitterFn:    zeroJitter,
		},
		timeout: time.Second,
		sleep:   sleeps.Sleep,
		logger:  log.NewLogger(),
	}

	attempts := 0
	err := call.do(context.Background(), PhaseInit, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, 1 * time.Second}, sleeps.recorded())
}

func TestCaller_FatalErrorFailsImmediately(t *testing.T) {
	sleeps := &sleepRecorder{}
	call := caller{
		policy:  DefaultRetryPolicy(),
		timeout: time.Second,
		sleep:   sleeps.Sleep,
		logger:  log.NewLogger(),
	}

	attempts := 0
	err := call.do(context.Background(), PhaseFinalize, func(context.Context) error {
		attempts++
		return NewError(KindAuthRequired, PhaseFinalize, "HTTP 401")
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindAuthRequired))
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sleeps.recorded())
}

func TestCaller_ExhaustedBudgetReturnsLastError(t *testing.T) {
	sleeps := &sleepRecorder{}
	call := caller{
		policy: RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			Factor:      2,
			MaxDelay:    8 * time.Second,
			jitterFn:    zeroJitter,
		},
		timeout: time.Second,
		sleep:   sleeps.Sleep,
		logger:  log.NewLogger(),
	}

	attempts := 0
	err := call.do(context.Background(), PhaseAppend, func(context.Context) error {
		attempts++
		return NewError(KindTransientTransport, PhaseAppend, "HTTP 503")
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindTransientTransport))
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeps.recorded(), 2)
}

func TestCaller_CancelledContextStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	call := caller{
		policy:  DefaultRetryPolicy(),
		timeout: time.Second,
		sleep:   sleepContext,
		logger:  log.NewLogger(),
	}

	attempts := 0
	err := call.do(ctx, PhaseStatus, func(context.Context) error {
		attempts++
		cancel()
		return errors.New("connection reset")
	})

	require.Error(t, err)
	assert.True(t, IsKind(err, KindCancelled))
	assert.Equal(t, 1, attempts)
}

func TestSleepContext(t *testing.T) {
	err := sleepContext(context.Background(), time.Millisecond)
	assert.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = sleepContext(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}
