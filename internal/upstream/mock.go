package upstream

import (
	"context"
	"strings"
	"time"

	"github.com/talevoice/talevoice/internal/audio"
	"github.com/talevoice/talevoice/internal/fault"
)

// Mock is a local stand-in for the three upstreams, used when
// UPSTREAM_MODE=mock and by load tests. It streams a canned reply in small
// deltas with realistic pacing and synthesizes playable silence.
type Mock struct {
	Reply      string
	Transcript string
	Audio      []byte
	Delay      time.Duration
}

func NewMock() *Mock {
	// Half a second of PCM16 silence; a real WAV so downstream playback and
	// duration accounting behave like production audio.
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, audio.DefaultSampleRate), audio.DefaultSampleRate)
	if err != nil {
		wav = []byte("mock-audio-bytes")
	}
	return &Mock{
		Reply:      "I hear you. Tell me more about that.",
		Transcript: "simulated voice input",
		Audio:      wav,
		Delay:      5 * time.Millisecond,
	}
}

func (m *Mock) Transcribe(ctx context.Context, audio []byte, _ string) (string, error) {
	if len(audio) == 0 {
		return "", fault.Validation("empty_audio", "audio payload is empty", "audio", nil)
	}
	if err := m.pause(ctx); err != nil {
		return "", err
	}
	return m.Transcript, nil
}

func (m *Mock) StreamChat(ctx context.Context, _ ChatRequest, onChunk ChunkFunc) (string, error) {
	words := strings.SplitAfter(m.Reply, " ")
	var full strings.Builder
	for _, w := range words {
		if err := m.pause(ctx); err != nil {
			return "", err
		}
		full.WriteString(w)
		if onChunk != nil {
			onChunk(w)
		}
	}
	return full.String(), nil
}

func (m *Mock) Synthesize(ctx context.Context, text, _ string, onProgress ProgressFunc) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fault.Validation("empty_text", "synthesis text is empty", "text", text)
	}
	if err := m.pause(ctx); err != nil {
		return nil, err
	}
	if onProgress != nil {
		onProgress(int64(len(m.Audio)), int64(len(m.Audio)))
	}
	out := make([]byte, len(m.Audio))
	copy(out, m.Audio)
	return out, nil
}

func (m *Mock) pause(ctx context.Context) error {
	if m.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
