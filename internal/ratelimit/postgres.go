package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore counts requests in PostgreSQL so the window survives restarts
// and is shared across replicas.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS rate_limit_hits (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			requested_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_rate_limit_hits_user_endpoint_time ON rate_limit_hits (user_id, endpoint, requested_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Count(ctx context.Context, userID, endpoint string, now time.Time, window time.Duration) (int, time.Time, error) {
	cutoff := now.Add(-window)

	// Expired rows for this key are pruned opportunistically on each check.
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limit_hits WHERE user_id=$1 AND endpoint=$2 AND requested_at <= $3`,
		userID, endpoint, cutoff,
	); err != nil {
		return 0, time.Time{}, fmt.Errorf("prune hits: %w", err)
	}

	var count int
	var oldest sql.NullTime
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(requested_at) FROM rate_limit_hits
		 WHERE user_id=$1 AND endpoint=$2 AND requested_at > $3`,
		userID, endpoint, cutoff,
	).Scan(&count, &oldest)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("count hits: %w", err)
	}
	return count, oldest.Time, nil
}

func (s *PostgresStore) Record(ctx context.Context, userID, endpoint string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limit_hits (id, user_id, endpoint, requested_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), userID, endpoint, now,
	)
	if err != nil {
		return fmt.Errorf("record hit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
