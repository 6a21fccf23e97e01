// Package playback wraps the platform's native audio player behind a
// lifecycle manager: load, play, pause, stop, sweep. The native player is an
// external collaborator; this package never replaces it.
package playback

import "context"

// PlayerStatus mirrors the native player's status-update callback payload.
// DidJustFinish may be reported more than once for the same clip.
type PlayerStatus struct {
	IsLoaded      bool
	PositionMS    int64
	DurationMS    int64
	DidJustFinish bool
	Err           error
}

// StatusFunc receives native status updates for one loaded clip.
type StatusFunc func(PlayerStatus)

// Handle is one loaded clip inside the native player.
type Handle interface {
	Play(ctx context.Context) error
	Pause(ctx context.Context) error
	Seek(ctx context.Context, positionMS int64) error
	SetVolume(ctx context.Context, volume float64) error
	Unload(ctx context.Context) error
}

// Player is the native audio engine. Load decodes a source and starts
// delivering status updates until the handle is unloaded.
type Player interface {
	Load(ctx context.Context, sourceURI string, onStatus StatusFunc) (Handle, error)
}

// SessionConfigurer is implemented by players that need a one-time audio
// session setup (output route, ducking) before the first playback.
type SessionConfigurer interface {
	ConfigureSession(ctx context.Context) error
}
