package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/reliability"
	"github.com/talevoice/talevoice/internal/sse"
)

// StreamChat posts the transcript and streams the reply. onChunk fires
// synchronously for each delta, in arrival order; the returned string is the
// exact concatenation of every delta emitted on the succeeding attempt.
//
// A failed first attempt may already have emitted chunks; the caller's UI
// must treat the final attempt's stream as authoritative.
func (c *Client) StreamChat(ctx context.Context, req ChatRequest, onChunk ChunkFunc) (string, error) {
	text, err := reliability.Do(ctx, c.chatPolicy, func(ctx context.Context) (string, error) {
		return c.streamChatOnce(ctx, req, onChunk)
	}, c.onRetry("chat"))
	if err != nil {
		c.countError("chat", err)
		return "", err
	}
	return text, nil
}

func (c *Client) streamChatOnce(ctx context.Context, chatReq ChatRequest, onChunk ChunkFunc) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ChatTimeout)
	defer cancel()

	payload, err := json.Marshal(chatReq)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ChatBaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+c.cfg.ChatAPIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return "", transportFault(c.cfg.ChatBaseURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw := readLimited(res.Body, 8<<10)
		return "", classifyResponse(c.cfg.ChatBaseURL, res.StatusCode, raw)
	}

	var full strings.Builder
	var inBandErr string
	assembler := sse.NewAssembler(sse.Handlers{
		OnDelta: func(delta string) {
			full.WriteString(delta)
			if onChunk != nil {
				onChunk(delta)
			}
		},
		OnError: func(detail string) {
			inBandErr = detail
		},
	})

	buf := make([]byte, 4096)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			if !assembler.Write(buf[:n]) {
				break
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctxErr := contextErr(readErr); ctxErr != nil {
				return "", ctxErr
			}
			if assembler.Done() {
				break
			}
			return "", fault.Network("stream_read_failed", "chat stream read failed", c.cfg.ChatBaseURL, 0, readErr)
		}
	}

	if assembler.Failed() {
		msg := inBandErr
		if msg == "" {
			msg = "chat stream reported an error"
		}
		return "", fault.API("chat_stream_error", msg, c.cfg.ChatBaseURL, res.StatusCode, "", nil)
	}
	text := full.String()
	if strings.TrimSpace(text) == "" {
		return "", fault.Validation("empty_reply", "chat stream produced no text", "content", "")
	}
	return text, nil
}
