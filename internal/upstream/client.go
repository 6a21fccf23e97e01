// Package upstream owns the three outbound streaming calls of a voice turn:
// speech-to-text, streamed chat completion and streamed speech synthesis.
// Each call wraps its own retry policy and honours caller cancellation.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/logging"
	"github.com/talevoice/talevoice/internal/observability"
	"github.com/talevoice/talevoice/internal/reliability"
)

type Config struct {
	STTBaseURL  string
	ChatBaseURL string
	TTSBaseURL  string

	STTAPIKey  string
	ChatAPIKey string
	TTSAPIKey  string

	STTTimeout  time.Duration
	ChatTimeout time.Duration
	TTSTimeout  time.Duration
}

// ChatRequest carries one transcript plus the opaque persona/book identifiers
// the chat upstream uses to select a system prompt.
type ChatRequest struct {
	Transcript string `json:"transcript"`
	PersonaID  string `json:"persona_id"`
	BookID     string `json:"book_id"`
}

// ChunkFunc receives one ordered text delta, synchronously.
type ChunkFunc func(delta string)

// ProgressFunc receives streamed-audio progress. total is 0 when the
// upstream did not send Content-Length.
type ProgressFunc func(received, total int64)

type Client struct {
	cfg     Config
	http    *http.Client
	dedup   *logging.Deduper
	metrics *observability.Metrics

	sttPolicy  reliability.Policy
	chatPolicy reliability.Policy
	ttsPolicy  reliability.Policy
}

func NewClient(cfg Config, dedup *logging.Deduper, metrics *observability.Metrics) *Client {
	if cfg.STTTimeout <= 0 {
		cfg.STTTimeout = 30 * time.Second
	}
	if cfg.ChatTimeout <= 0 {
		cfg.ChatTimeout = 60 * time.Second
	}
	if cfg.TTSTimeout <= 0 {
		cfg.TTSTimeout = 30 * time.Second
	}
	return &Client{
		cfg:       cfg,
		http:      &http.Client{},
		dedup:     dedup,
		metrics:   metrics,
		sttPolicy: reliability.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, JitterBound: 100 * time.Millisecond},
		// Chat gets fewer attempts: a retried stream would replay partial
		// output to the UI, so the budget favors failing fast.
		chatPolicy: reliability.Policy{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, JitterBound: 100 * time.Millisecond},
		ttsPolicy:  reliability.Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2, JitterBound: 100 * time.Millisecond},
	}
}

func (c *Client) onRetry(provider string) reliability.OnRetry {
	return func(err error, attempt int, delay time.Duration) {
		if c.dedup != nil {
			c.dedup.Warn(context.Background(), string(fault.KindOf(err)), provider+" call retrying",
				slog.Int("attempt", attempt),
				slog.Int64("delay_ms", delay.Milliseconds()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Client) countError(provider string, err error) {
	if c.metrics == nil || err == nil {
		return
	}
	kind := fault.KindOf(err)
	if kind == "" {
		kind = "unknown"
	}
	c.metrics.ProviderErrors.WithLabelValues(provider, string(kind)).Inc()
}

// classifyResponse turns a non-2xx upstream response into a taxonomy error.
func classifyResponse(endpoint string, status int, body []byte) *fault.Error {
	trimmed := strings.TrimSpace(string(body))
	msg := parseErrorBody(body)
	if msg == "" {
		msg = http.StatusText(status)
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fault.Authentication("upstream_auth_rejected", msg, "api_key", nil)
	default:
		return fault.API("upstream_status", msg, endpoint, status, trimmed, nil)
	}
}

// parseErrorBody extracts a human message from the common error body shapes
// ({"error":{"message":...}} or {"error":"..."} or {"message":"..."}).
func parseErrorBody(body []byte) string {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &shaped); err != nil {
		return ""
	}
	if len(shaped.Error) > 0 {
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(shaped.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
		var flat string
		if err := json.Unmarshal(shaped.Error, &flat); err == nil {
			return flat
		}
	}
	return shaped.Message
}

func transportFault(endpoint string, err error) error {
	// Cancellation and deadline pass through untouched so callers can
	// distinguish a user cancel from a degraded upstream.
	if ctxErr := contextErr(err); ctxErr != nil {
		return ctxErr
	}
	return fault.Network("upstream_unreachable", "request failed", endpoint, 0, err)
}

func contextErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return context.DeadlineExceeded
	default:
		return nil
	}
}

func readLimited(r io.Reader, n int64) []byte {
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return b
}
