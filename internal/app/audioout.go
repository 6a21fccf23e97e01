package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/talevoice/talevoice/internal/playback"
)

// managerAudioOut plays synthesized replies through the playback manager.
// Audio lands in a spool file first since native players load by URI. Each
// turn's live instance is tracked so a cancel or session expiry can stop it.
type managerAudioOut struct {
	manager  *playback.Manager
	spoolDir string

	mu     sync.Mutex
	active map[string]playRef
}

type playRef struct {
	instanceID string
	path       string
}

func newManagerAudioOut(manager *playback.Manager) (*managerAudioOut, error) {
	dir, err := os.MkdirTemp("", "talevoice-audio-*")
	if err != nil {
		return nil, fmt.Errorf("create audio spool dir: %w", err)
	}
	return &managerAudioOut{
		manager:  manager,
		spoolDir: dir,
		active:   make(map[string]playRef),
	}, nil
}

func (a *managerAudioOut) Play(ctx context.Context, turnID string, audio []byte, onDone func()) (func(), error) {
	if err := a.manager.ConfigureAudioSession(ctx); err != nil {
		return nil, err
	}
	path := filepath.Join(a.spoolDir, turnID+".mp3")
	if err := os.WriteFile(path, audio, 0o600); err != nil {
		return nil, fmt.Errorf("spool audio: %w", err)
	}

	id, err := a.manager.Play(ctx, "file://"+path, playback.PlayOptions{
		Autoplay: true,
		OnComplete: func() {
			a.forget(turnID)
			_ = os.Remove(path)
			if onDone != nil {
				onDone()
			}
		},
	})
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}

	a.mu.Lock()
	a.active[turnID] = playRef{instanceID: id, path: path}
	a.mu.Unlock()
	return func() { a.StopTurn(turnID) }, nil
}

func (a *managerAudioOut) forget(turnID string) {
	a.mu.Lock()
	delete(a.active, turnID)
	a.mu.Unlock()
}

// StopTurn halts and releases the clip still playing for turnID, if any.
// Safe to call for turns that already finished.
func (a *managerAudioOut) StopTurn(turnID string) {
	a.mu.Lock()
	ref, ok := a.active[turnID]
	delete(a.active, turnID)
	a.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = a.manager.Stop(ctx, ref.instanceID)
	_ = os.Remove(ref.path)
}

func (a *managerAudioOut) Close() error {
	return os.RemoveAll(a.spoolDir)
}
