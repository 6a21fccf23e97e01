package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/talevoice/talevoice/internal/logging"
	"github.com/talevoice/talevoice/internal/observability"
)

// Limiter enforces a per-(user, endpoint) sliding-window request cap. A
// broken counter store never blocks traffic: store errors admit the request
// and flag the decision as fail-open.
type Limiter struct {
	store   CounterStore
	window  time.Duration
	limit   int
	dedup   *logging.Deduper
	metrics *observability.Metrics

	now func() time.Time
}

func NewLimiter(store CounterStore, window time.Duration, limit int, dedup *logging.Deduper, metrics *observability.Metrics) *Limiter {
	if window <= 0 {
		window = time.Minute
	}
	if limit <= 0 {
		limit = 60
	}
	return &Limiter{
		store:   store,
		window:  window,
		limit:   limit,
		dedup:   dedup,
		metrics: metrics,
		now:     time.Now,
	}
}

// Check decides whether one request from userID against endpoint may
// proceed. Only admitted requests are recorded: a denied client cannot keep
// its own window fresh by retrying, so RetryAfter holds.
func (l *Limiter) Check(ctx context.Context, userID, endpoint string) Decision {
	now := l.now()
	count, oldest, err := l.store.Count(ctx, userID, endpoint, now, l.window)
	if err != nil {
		return l.failOpen(ctx, userID, err)
	}

	if count >= l.limit {
		retryAfter := oldest.Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		return l.record(Decision{
			Allowed:    false,
			Reason:     ReasonExceeded,
			Limit:      l.limit,
			Current:    count,
			RetryAfter: retryAfter,
		})
	}

	if err := l.store.Record(ctx, userID, endpoint, now); err != nil {
		return l.failOpen(ctx, userID, err)
	}
	return l.record(Decision{Allowed: true, Reason: ReasonOK, Limit: l.limit, Current: count + 1})
}

func (l *Limiter) failOpen(ctx context.Context, userID string, err error) Decision {
	if l.dedup != nil {
		l.dedup.Error(ctx, "ratelimit", "counter store unavailable, admitting request",
			slog.String("user_id", userID), slog.String("error", err.Error()))
	}
	return l.record(Decision{Allowed: true, Reason: ReasonFailOpen, Limit: l.limit})
}

func (l *Limiter) record(d Decision) Decision {
	if l.metrics != nil {
		l.metrics.RateLimitDecisions.WithLabelValues(d.Reason).Inc()
	}
	return d
}
