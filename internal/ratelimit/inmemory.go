package ratelimit

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore keeps per-(user, endpoint) request timestamps in process
// memory for local/dev use.
type InMemoryStore struct {
	mu      sync.Mutex
	records map[string][]time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{records: make(map[string][]time.Time)}
}

func storeKey(userID, endpoint string) string {
	return userID + "\x00" + endpoint
}

func (s *InMemoryStore) Count(_ context.Context, userID, endpoint string, now time.Time, window time.Duration) (int, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(userID, endpoint)
	kept := s.prune(key, now.Add(-window))
	if len(kept) == 0 {
		delete(s.records, key)
		return 0, time.Time{}, nil
	}
	return len(kept), kept[0], nil
}

func (s *InMemoryStore) Record(_ context.Context, userID, endpoint string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := storeKey(userID, endpoint)
	s.records[key] = append(s.records[key], now)
	return nil
}

// prune drops expired timestamps in place; callers hold the lock.
func (s *InMemoryStore) prune(key string, cutoff time.Time) []time.Time {
	kept := s.records[key][:0]
	for _, ts := range s.records[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) > 0 {
		s.records[key] = kept
	}
	return kept
}

func (s *InMemoryStore) Close() error { return nil }
