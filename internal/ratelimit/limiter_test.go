package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

type failingStore struct{ calls int }

func (s *failingStore) Count(context.Context, string, string, time.Time, time.Duration) (int, time.Time, error) {
	s.calls++
	return 0, time.Time{}, errors.New("connection refused")
}

func (s *failingStore) Record(context.Context, string, string, time.Time) error {
	return errors.New("connection refused")
}

func (s *failingStore) Close() error { return nil }

func TestLimiterAllowsUnderLimit(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), time.Minute, 3, nil, nil)

	for i := 1; i <= 3; i++ {
		d := l.Check(context.Background(), "u1", "/v1/turn")
		if !d.Allowed || d.Reason != ReasonOK {
			t.Fatalf("request %d: decision = %+v, want allowed/ok", i, d)
		}
		if d.Current != i {
			t.Fatalf("request %d: current = %d, want %d", i, d.Current, i)
		}
	}
}

func TestLimiterBlocksOverLimit(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), time.Minute, 2, nil, nil)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	l.Check(context.Background(), "u1", "/v1/turn")
	l.Check(context.Background(), "u1", "/v1/turn")
	d := l.Check(context.Background(), "u1", "/v1/turn")
	if d.Allowed || d.Reason != ReasonExceeded {
		t.Fatalf("decision = %+v, want blocked/limit_exceeded", d)
	}
	if d.RetryAfter != time.Minute {
		t.Fatalf("retry after = %v, want 1m", d.RetryAfter)
	}
}

func TestLimiterIsPerUser(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), time.Minute, 1, nil, nil)

	if d := l.Check(context.Background(), "u1", "/v1/turn"); !d.Allowed {
		t.Fatalf("u1 first request blocked: %+v", d)
	}
	if d := l.Check(context.Background(), "u2", "/v1/turn"); !d.Allowed {
		t.Fatalf("u2 first request blocked: %+v", d)
	}
	if d := l.Check(context.Background(), "u1", "/v1/turn"); d.Allowed {
		t.Fatalf("u1 second request allowed: %+v", d)
	}
}

func TestLimiterIsPerEndpoint(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), time.Minute, 1, nil, nil)

	if d := l.Check(context.Background(), "u1", "/v1/turn"); !d.Allowed {
		t.Fatalf("first endpoint blocked: %+v", d)
	}
	if d := l.Check(context.Background(), "u1", "/v1/personas"); !d.Allowed {
		t.Fatalf("second endpoint shares the first's window: %+v", d)
	}
	if d := l.Check(context.Background(), "u1", "/v1/turn"); d.Allowed {
		t.Fatalf("first endpoint second request allowed: %+v", d)
	}
}

func TestLimiterWindowSlides(t *testing.T) {
	l := NewLimiter(NewInMemoryStore(), time.Minute, 1, nil, nil)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	l.now = func() time.Time { return now }

	if d := l.Check(context.Background(), "u1", "/v1/turn"); !d.Allowed {
		t.Fatalf("first request blocked: %+v", d)
	}
	now = base.Add(30 * time.Second)
	d := l.Check(context.Background(), "u1", "/v1/turn")
	if d.Allowed {
		t.Fatalf("request inside window allowed: %+v", d)
	}
	if d.RetryAfter != 30*time.Second {
		t.Fatalf("retry after = %v, want 30s", d.RetryAfter)
	}
	// Denied retries must not refresh the window.
	now = base.Add(45 * time.Second)
	if d := l.Check(context.Background(), "u1", "/v1/turn"); d.Allowed {
		t.Fatalf("second retry inside window allowed: %+v", d)
	}
	// Once the first hit ages out, capacity returns even though the client
	// kept retrying while blocked.
	now = base.Add(61 * time.Second)
	if d := l.Check(context.Background(), "u1", "/v1/turn"); !d.Allowed {
		t.Fatalf("request after window blocked: %+v", d)
	}
}

func TestLimiterFailsOpenOnStoreError(t *testing.T) {
	store := &failingStore{}
	l := NewLimiter(store, time.Minute, 1, nil, nil)

	for i := 0; i < 5; i++ {
		d := l.Check(context.Background(), "u1", "/v1/turn")
		if !d.Allowed || d.Reason != ReasonFailOpen {
			t.Fatalf("decision = %+v, want allowed/fail_open", d)
		}
	}
	if store.calls != 5 {
		t.Fatalf("store calls = %d, want 5", store.calls)
	}
}

func TestInMemoryStorePrunesExpired(t *testing.T) {
	s := NewInMemoryStore()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if err := s.Record(context.Background(), "u1", "/v1/turn", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	count, oldest, err := s.Count(context.Background(), "u1", "/v1/turn", base.Add(30*time.Second), time.Minute)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("count = %d, want 3 inside window", count)
	}
	if !oldest.Equal(base) {
		t.Fatalf("oldest = %v, want %v", oldest, base)
	}

	count, oldest, err = s.Count(context.Background(), "u1", "/v1/turn", base.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("count after expiry: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0 after expiry", count)
	}
	if !oldest.IsZero() {
		t.Fatalf("oldest = %v, want zero time for empty window", oldest)
	}
}
