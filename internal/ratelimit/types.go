package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     string        `json:"reason"`
	Limit      int           `json:"limit"`
	Current    int           `json:"current"`
	RetryAfter time.Duration `json:"retry_after"`
}

const (
	ReasonOK       = "ok"
	ReasonExceeded = "limit_exceeded"
	// ReasonFailOpen marks requests admitted because the counter store was
	// unreachable. Losing rate limiting briefly beats refusing every caller.
	ReasonFailOpen = "fail_open"
)

// CounterStore counts admitted requests per (user, endpoint) inside a
// sliding window. Denied requests are never recorded, so a client that keeps
// retrying while blocked does not push its own window forward.
type CounterStore interface {
	// Count returns how many admitted requests (userID, endpoint) has in
	// (now-window, now] and the timestamp of the oldest one. The zero time
	// means the window is empty.
	Count(ctx context.Context, userID, endpoint string, now time.Time, window time.Duration) (count int, oldest time.Time, err error)
	// Record logs one admitted request for (userID, endpoint) at now.
	Record(ctx context.Context, userID, endpoint string, now time.Time) error
	Close() error
}
