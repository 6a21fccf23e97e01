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
)

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voice_id"`
}

// Synthesize posts text and accumulates the streamed audio bytes into one
// buffer, reporting per-chunk progress along the way. The returned buffer is
// complete: there is no play-while-downloading mode.
func (c *Client) Synthesize(ctx context.Context, text, voiceID string, onProgress ProgressFunc) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.Validation("empty_text", "synthesis text is empty", "text", text)
	}
	if strings.TrimSpace(voiceID) == "" {
		return nil, fault.Validation("empty_voice_id", "voice_id is required", "voice_id", voiceID)
	}

	audio, err := reliability.Do(ctx, c.ttsPolicy, func(ctx context.Context) ([]byte, error) {
		return c.synthesizeOnce(ctx, text, voiceID, onProgress)
	}, c.onRetry("tts"))
	if err != nil {
		c.countError("tts", err)
		return nil, err
	}
	return audio, nil
}

func (c *Client) synthesizeOnce(ctx context.Context, text, voiceID string, onProgress ProgressFunc) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.TTSTimeout)
	defer cancel()

	payload, err := json.Marshal(ttsRequest{Text: text, VoiceID: voiceID})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TTSBaseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", c.cfg.TTSAPIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, transportFault(c.cfg.TTSBaseURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw := readLimited(res.Body, 8<<10)
		return nil, classifyResponse(c.cfg.TTSBaseURL, res.StatusCode, raw)
	}

	total := res.ContentLength
	if total < 0 {
		total = 0
	}

	var out bytes.Buffer
	buf := make([]byte, 8192)
	for {
		n, readErr := res.Body.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
			if onProgress != nil {
				onProgress(int64(out.Len()), total)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			if ctxErr := contextErr(readErr); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fault.Network("stream_read_failed", "tts stream read failed", c.cfg.TTSBaseURL, 0, readErr)
		}
	}

	// A 200 with an empty body is an audio problem, not an HTTP one.
	if out.Len() == 0 {
		return nil, fault.Audio("no_audio_data", "no audio data received", fault.AudioOpLoad, nil)
	}
	return out.Bytes(), nil
}
