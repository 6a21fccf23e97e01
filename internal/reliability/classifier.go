package reliability

import (
	"context"
	"errors"
	"time"

	"github.com/talevoice/talevoice/internal/fault"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
// 408 and 429 are transient by contract; other 4xx are caller bugs.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryable is the default retry predicate for upstream calls: network
// failures and retryable statuses retry, validation and auth faults never do,
// cancellation always stops.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch fault.KindOf(err) {
	case fault.KindValidation, fault.KindAuthentication, fault.KindConfiguration:
		return false
	case fault.KindNetwork:
		status := fault.StatusCodeOf(err)
		return status == 0 || IsRetryableHTTPStatus(status)
	case fault.KindAPI:
		return IsRetryableHTTPStatus(fault.StatusCodeOf(err))
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic backoff duration,
// base*multiplier^attempt, clamped to cap when cap > 0. Policy.Delay adds
// jitter on top.
func ExponentialBackoff(attempt int, base, cap time.Duration, multiplier float64) time.Duration {
	if multiplier < 1 {
		multiplier = 2
	}
	d := float64(base)
	for i := 0; i < attempt; i++ {
		d *= multiplier
		if cap > 0 && d >= float64(cap) {
			return cap
		}
	}
	return time.Duration(d)
}
