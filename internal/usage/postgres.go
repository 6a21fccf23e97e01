package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresSink persists usage entries in PostgreSQL.
type PostgresSink struct {
	pool *pgxpool.Pool
}

func NewPostgresSink(ctx context.Context, databaseURL string) (*PostgresSink, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresSink{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_log (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			endpoint TEXT NOT NULL,
			method TEXT NOT NULL,
			status_code INT NOT NULL,
			latency_ms BIGINT NOT NULL,
			request_bytes BIGINT NOT NULL DEFAULT 0,
			response_bytes BIGINT NOT NULL DEFAULT 0,
			tokens_in INT NOT NULL DEFAULT 0,
			tokens_out INT NOT NULL DEFAULT 0,
			audio_ms BIGINT NOT NULL DEFAULT 0,
			client_ip TEXT NOT NULL DEFAULT '',
			user_agent TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_usage_log_user_created ON usage_log (user_id, created_at);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO usage_log (id, user_id, session_id, endpoint, method, status_code, latency_ms,
			request_bytes, response_bytes, tokens_in, tokens_out, audio_ms, client_ip, user_agent, error_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		entry.ID,
		entry.UserID,
		entry.SessionID,
		entry.Endpoint,
		entry.Method,
		entry.StatusCode,
		entry.Latency.Milliseconds(),
		entry.RequestBytes,
		entry.ResponseBytes,
		entry.TokensIn,
		entry.TokensOut,
		entry.AudioMS,
		entry.ClientIP,
		entry.UserAgent,
		entry.ErrorCode,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *PostgresSink) Recent(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, session_id, endpoint, method, status_code, latency_ms,
			request_bytes, response_bytes, tokens_in, tokens_out, audio_ms, client_ip, user_agent, error_code, created_at
		 FROM usage_log WHERE ($1 = '' OR user_id = $1)
		 ORDER BY created_at DESC LIMIT $2`,
		userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	items := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var latencyMS int64
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Endpoint, &e.Method, &e.StatusCode, &latencyMS,
			&e.RequestBytes, &e.ResponseBytes, &e.TokensIn, &e.TokensOut, &e.AudioMS, &e.ClientIP, &e.UserAgent, &e.ErrorCode, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		e.Latency = time.Duration(latencyMS) * time.Millisecond
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate usage rows: %w", err)
	}
	return items, nil
}

func (s *PostgresSink) Close() error {
	s.pool.Close()
	return nil
}
