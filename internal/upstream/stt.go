package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/reliability"
)

// Transcribe uploads one finished audio recording as multipart form data and
// returns the transcript text.
func (c *Client) Transcribe(ctx context.Context, audio []byte, filename string) (string, error) {
	if len(audio) == 0 {
		return "", fault.Validation("empty_audio", "audio payload is empty", "audio", nil)
	}
	if strings.TrimSpace(filename) == "" {
		filename = "utterance.m4a"
	}

	text, err := reliability.Do(ctx, c.sttPolicy, func(ctx context.Context) (string, error) {
		return c.transcribeOnce(ctx, audio, filename)
	}, c.onRetry("stt"))
	if err != nil {
		c.countError("stt", err)
		return "", err
	}
	return text, nil
}

func (c *Client) transcribeOnce(ctx context.Context, audio []byte, filename string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.STTTimeout)
	defer cancel()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return "", fmt.Errorf("write form file: %w", err)
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.STTBaseURL, &body)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.cfg.STTAPIKey)

	res, err := c.http.Do(req)
	if err != nil {
		return "", transportFault(c.cfg.STTBaseURL, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		raw := readLimited(res.Body, 8<<10)
		return "", classifyResponse(c.cfg.STTBaseURL, res.StatusCode, raw)
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return "", fault.Validation("malformed_response", "transcription response is not valid JSON", "text", nil)
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return "", fault.Validation("malformed_response", "transcription response has no text", "text", parsed.Text)
	}
	return parsed.Text, nil
}
