package ratelimit

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed counter store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (CounterStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
