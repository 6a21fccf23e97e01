package usage

import (
	"context"
	"time"
)

// Entry is one API usage record. One entry is written per request, including
// requests that were rate limited or failed.
type Entry struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	SessionID     string        `json:"session_id"`
	Endpoint      string        `json:"endpoint"`
	Method        string        `json:"method"`
	StatusCode    int           `json:"status_code"`
	Latency       time.Duration `json:"latency_ms"`
	RequestBytes  int64         `json:"request_bytes"`
	ResponseBytes int64         `json:"response_bytes"`
	TokensIn      int           `json:"tokens_in"`
	TokensOut     int           `json:"tokens_out"`
	AudioMS       int64         `json:"audio_ms"`
	ClientIP      string        `json:"client_ip"`
	UserAgent     string        `json:"user_agent"`
	ErrorCode     string        `json:"error_code,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// Sink persists usage entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, userID string, limit int) ([]Entry, error)
	Close() error
}
