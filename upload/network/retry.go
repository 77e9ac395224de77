package network

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultFactor      = 2
	defaultMaxDelay    = 8 * time.Second
)

// RetryPolicy decides whether a failed call may be reissued and how long to
// wait before doing so. Only transient transport failures are retried, all
// other kinds fail immediately.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per call, including the first.
	MaxAttempts int
	// BaseDelay is the wait after the first failed attempt.
	BaseDelay time.Duration
	// Factor is the exponential growth factor between attempts.
	Factor float64
	// MaxDelay caps the computed delay before jitter is added.
	MaxDelay time.Duration

	// jitterFn returns a random duration in [0, max). Tests replace it to
	// make delays deterministic.
	jitterFn func(max time.Duration) time.Duration
}

// Decision is the outcome of a retry check.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultRetryPolicy returns the policy used by upload sessions: 3 attempts,
// 500ms base delay doubling up to 8s, plus jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: defaultMaxAttempts,
		BaseDelay:   defaultBaseDelay,
		Factor:      defaultFactor,
		MaxDelay:    defaultMaxDelay,
	}
}

// ShouldRetry reports whether the call that just failed its attempt-th try
// (zero-based) may be retried, and the delay to wait first. A retry is only
// granted for transient transport errors while the attempt budget lasts.
func (p RetryPolicy) ShouldRetry(attempt int, kind Kind) Decision {
	if kind != KindTransientTransport {
		return Decision{}
	}
	if attempt+1 >= p.MaxAttempts {
		return Decision{}
	}

	return Decision{Retry: true, Delay: p.delay(attempt)}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = defaultFactor
	}

	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt))
	if capped := float64(p.MaxDelay); p.MaxDelay > 0 && delay > capped {
		delay = capped
	}

	return time.Duration(delay) + p.jitter()
}

// jitter spreads concurrent retries out so they do not hit the service in
// lockstep.
func (p RetryPolicy) jitter() time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if p.jitterFn != nil {
		return p.jitterFn(p.BaseDelay)
	}
	return time.Duration(rand.Int63n(int64(p.BaseDelay)))
}

// caller runs a single protocol call under the retry policy, with a per-call
// timeout on every attempt.
type caller struct {
	policy  RetryPolicy
	timeout time.Duration
	sleep   func(context.Context, time.Duration) error
	logger  log.Logger
}

func (c caller) do(ctx context.Context, phase Phase, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return ContextError(phase, err)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := fn(callCtx)
		cancel()
		if err == nil {
			return nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ContextError(phase, ctxErr)
		}

		decision := c.policy.ShouldRetry(attempt, KindOf(err))
		if !decision.Retry {
			return err
		}

		c.logger.Warnf("%s attempt %d failed, retrying in %s: %s", phase, attempt+1, decision.Delay, err)
		if sleepErr := c.sleep(ctx, decision.Delay); sleepErr != nil {
			return ContextError(phase, sleepErr)
		}
	}
}

// sleepContext waits for d or until the context is done, whichever comes
// first.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
