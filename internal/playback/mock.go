package playback

import (
	"context"
	"sync"
)

// MockPlayer is an in-process native-player stand-in used by tests and by
// UPSTREAM_MODE=mock runs. Status callbacks are driven manually via Emit.
type MockPlayer struct {
	mu         sync.Mutex
	loads      int
	configured int
	handles    []*MockHandle
	loadErr    error
}

func NewMockPlayer() *MockPlayer { return &MockPlayer{} }

func (p *MockPlayer) FailLoads(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadErr = err
}

func (p *MockPlayer) Load(_ context.Context, sourceURI string, onStatus StatusFunc) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loadErr != nil {
		return nil, p.loadErr
	}
	p.loads++
	h := &MockHandle{SourceURI: sourceURI, onStatus: onStatus}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *MockPlayer) ConfigureSession(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.configured++
	return nil
}

func (p *MockPlayer) Loads() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loads
}

func (p *MockPlayer) Configured() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.configured
}

func (p *MockPlayer) LastHandle() *MockHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

type MockHandle struct {
	SourceURI string

	mu       sync.Mutex
	onStatus StatusFunc
	Plays    int
	Pauses   int
	Seeks    []int64
	Volumes  []float64
	Unloads  int

	PlayErr   error
	PauseErr  error
	SeekErr   error
	UnloadErr error
}

func (h *MockHandle) Play(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PlayErr != nil {
		return h.PlayErr
	}
	h.Plays++
	return nil
}

func (h *MockHandle) Pause(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.PauseErr != nil {
		return h.PauseErr
	}
	h.Pauses++
	return nil
}

func (h *MockHandle) Seek(_ context.Context, positionMS int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.SeekErr != nil {
		return h.SeekErr
	}
	h.Seeks = append(h.Seeks, positionMS)
	return nil
}

func (h *MockHandle) SetVolume(_ context.Context, volume float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Volumes = append(h.Volumes, volume)
	return nil
}

func (h *MockHandle) Unload(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Unloads++
	return h.UnloadErr
}

// Emit pushes one native status update to the registered callback.
func (h *MockHandle) Emit(st PlayerStatus) {
	h.mu.Lock()
	cb := h.onStatus
	h.mu.Unlock()
	if cb != nil {
		cb(st)
	}
}
