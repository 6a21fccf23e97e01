package reliability

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes how one operation kind retries. Immutable value; each
// upstream operation (STT, chat, TTS) carries its own.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	JitterBound time.Duration

	// Retryable decides whether to continue after a failed attempt.
	// Nil means IsRetryable.
	Retryable func(err error, attempt int) bool
}

// OnRetry fires before each backoff sleep, for logging.
type OnRetry func(err error, attempt int, delay time.Duration)

// Delay computes the backoff before the given attempt number (1-based for
// the attempt that just failed): min(MaxDelay, Base*Mult^(attempt-1)) plus
// uniform jitter in [0, JitterBound).
func (p Policy) Delay(attempt int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	delay := ExponentialBackoff(attempt-1, base, p.MaxDelay, p.Multiplier)
	if p.JitterBound > 0 {
		delay += time.Duration(rand.Int63n(int64(p.JitterBound)))
	}
	return delay
}

func (p Policy) shouldRetry(err error, attempt int) bool {
	if p.Retryable != nil {
		return p.Retryable(err, attempt)
	}
	return IsRetryable(err)
}

// Do runs op up to policy.MaxAttempts times with backoff between attempts.
// The last error propagates unchanged. Context cancellation mid-sleep aborts
// immediately and returns the context's error so callers can tell a user
// cancel apart from an exhausted retry budget.
func Do[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error), onRetry OnRetry) (T, error) {
	var zero T
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := op(ctx)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if attempt == attempts || !policy.shouldRetry(err, attempt) {
			break
		}

		delay := policy.Delay(attempt)
		if onRetry != nil {
			onRetry(err, attempt, delay)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return zero, lastErr
}
