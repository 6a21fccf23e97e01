package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/logging"
	"github.com/talevoice/talevoice/internal/observability"
)

type Status string

const (
	StatusLoading  Status = "loading"
	StatusReady    Status = "ready"
	StatusPlaying  Status = "playing"
	StatusPaused   Status = "paused"
	StatusStopped  Status = "stopped"
	StatusFinished Status = "finished"
	StatusError    Status = "error"
)

// Instance is one tracked audio clip. Mutated only under the manager lock.
type Instance struct {
	ID         string
	SourceURI  string
	Status     Status
	PositionMS int64
	DurationMS int64

	handle     Handle
	route      *statusRoute
	onComplete func()
	onError    func(error)
	completed  bool
}

// statusRoute is the mutable target behind a handle's status callback. The
// native player only accepts a callback at load time, so pooled handles
// retarget their route when a new instance adopts them.
type statusRoute struct {
	mu sync.Mutex
	fn StatusFunc
}

func (r *statusRoute) set(fn StatusFunc) {
	r.mu.Lock()
	r.fn = fn
	r.mu.Unlock()
}

func (r *statusRoute) dispatch(st PlayerStatus) {
	r.mu.Lock()
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

type pooledEntry struct {
	handle Handle
	route  *statusRoute
}

// PlayOptions configure one Play call.
type PlayOptions struct {
	Autoplay   bool
	Volume     float64
	OnComplete func()
	OnError    func(error)
}

// Manager owns the active-instance registry and the idle decoder pool. A
// background sweep evicts terminal instances and trims the pool so memory
// stays bounded no matter how many turns have run.
type Manager struct {
	player        Player
	dedup         *logging.Deduper
	metrics       *observability.Metrics
	sweepInterval time.Duration
	poolCeiling   int

	mu         sync.Mutex
	active     map[string]*Instance
	idlePool   map[string]pooledEntry
	idleOrder  []string
	configured bool
	closed     bool

	sweepDone chan struct{}
	sweepStop chan struct{}
}

func NewManager(player Player, sweepInterval time.Duration, poolCeiling int, dedup *logging.Deduper, metrics *observability.Metrics) *Manager {
	if sweepInterval <= 0 {
		sweepInterval = 15 * time.Second
	}
	if poolCeiling <= 0 {
		poolCeiling = 8
	}
	m := &Manager{
		player:        player,
		dedup:         dedup,
		metrics:       metrics,
		sweepInterval: sweepInterval,
		poolCeiling:   poolCeiling,
		active:        make(map[string]*Instance),
		idlePool:      make(map[string]pooledEntry),
		sweepDone:     make(chan struct{}),
		sweepStop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// ConfigureAudioSession prepares the native audio session. Idempotent; must
// run once before the first playback.
func (m *Manager) ConfigureAudioSession(ctx context.Context) error {
	m.mu.Lock()
	if m.configured {
		m.mu.Unlock()
		return nil
	}
	m.configured = true
	m.mu.Unlock()

	if sc, ok := m.player.(SessionConfigurer); ok {
		if err := sc.ConfigureSession(ctx); err != nil {
			m.mu.Lock()
			m.configured = false
			m.mu.Unlock()
			return fault.Audio("session_config_failed", "audio session configuration failed", fault.AudioOpLoad, err)
		}
	}
	return nil
}

// Play loads sourceURI and returns the tracked instance id. With Autoplay the
// clip starts immediately on load; otherwise it parks in Ready.
func (m *Manager) Play(ctx context.Context, sourceURI string, opts PlayOptions) (string, error) {
	if opts.Volume < 0 || opts.Volume > 1 {
		return "", fault.Audio("invalid_volume", "volume must be in [0,1]", fault.AudioOpPlay, nil)
	}

	inst := &Instance{
		ID:         uuid.NewString(),
		SourceURI:  sourceURI,
		Status:     StatusLoading,
		onComplete: opts.OnComplete,
		onError:    opts.OnError,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", fault.Audio("manager_closed", "playback manager is closed", fault.AudioOpLoad, nil)
	}
	m.active[inst.ID] = inst
	pooled, havePooled := m.takeFromPoolLocked(sourceURI)
	m.mu.Unlock()
	m.observeActiveCount()

	var handle Handle
	var route *statusRoute
	var err error
	if havePooled {
		handle = pooled.handle
		route = pooled.route
		route.set(m.statusFunc(inst.ID))
		err = handle.Seek(ctx, 0)
	} else {
		route = &statusRoute{}
		route.set(m.statusFunc(inst.ID))
		handle, err = m.player.Load(ctx, sourceURI, route.dispatch)
	}
	if err != nil {
		m.mu.Lock()
		inst.Status = StatusError
		m.mu.Unlock()
		return "", fault.Audio("load_failed", "could not load audio source", fault.AudioOpLoad, err)
	}

	m.mu.Lock()
	inst.handle = handle
	inst.route = route
	inst.Status = StatusReady
	m.mu.Unlock()

	if opts.Volume > 0 {
		if err := handle.SetVolume(ctx, opts.Volume); err != nil && m.dedup != nil {
			m.dedup.Warn(ctx, "audio", "initial volume set failed", slog.String("instance_id", inst.ID))
		}
	}
	if opts.Autoplay {
		if err := handle.Play(ctx); err != nil {
			m.mu.Lock()
			inst.Status = StatusError
			m.mu.Unlock()
			return inst.ID, fault.Audio("play_failed", "could not start playback", fault.AudioOpPlay, err)
		}
		m.mu.Lock()
		inst.Status = StatusPlaying
		m.mu.Unlock()
	}
	return inst.ID, nil
}

func (m *Manager) statusFunc(instanceID string) StatusFunc {
	return func(st PlayerStatus) {
		var fireComplete func()
		var fireError func(error)

		m.mu.Lock()
		inst, ok := m.active[instanceID]
		if !ok {
			m.mu.Unlock()
			return
		}
		inst.PositionMS = st.PositionMS
		if st.DurationMS > 0 {
			inst.DurationMS = st.DurationMS
		}
		switch {
		case st.Err != nil:
			if inst.Status != StatusError {
				inst.Status = StatusError
				if cb := inst.onError; cb != nil {
					fireError = func(e error) { cb(e) }
				}
			}
		case st.DidJustFinish:
			// The native player may report didJustFinish repeatedly;
			// completion fires exactly once.
			if !inst.completed {
				inst.completed = true
				inst.Status = StatusFinished
				fireComplete = inst.onComplete
			}
		}
		m.mu.Unlock()

		if fireComplete != nil {
			fireComplete()
		}
		if fireError != nil {
			fireError(st.Err)
		}
	}
}

func (m *Manager) instance(id string) (*Instance, error) {
	inst, ok := m.active[id]
	if !ok {
		return nil, fault.Audio("instance_not_found", "unknown audio instance", fault.AudioOpPlay, nil)
	}
	return inst, nil
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, err := m.instance(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if inst.Status != StatusPlaying {
		m.mu.Unlock()
		return fault.Audio("not_playing", "instance is not playing", fault.AudioOpPause, nil)
	}
	handle := inst.handle
	inst.Status = StatusPaused
	m.mu.Unlock()

	if err := handle.Pause(ctx); err != nil {
		return fault.Audio("pause_failed", "could not pause playback", fault.AudioOpPause, err)
	}
	return nil
}

func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, err := m.instance(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if inst.Status != StatusPaused && inst.Status != StatusReady {
		m.mu.Unlock()
		return fault.Audio("not_paused", "instance is not paused or ready", fault.AudioOpPlay, nil)
	}
	handle := inst.handle
	inst.Status = StatusPlaying
	m.mu.Unlock()

	if err := handle.Play(ctx); err != nil {
		return fault.Audio("play_failed", "could not resume playback", fault.AudioOpPlay, err)
	}
	return nil
}

// Stop releases the instance unconditionally: the registry entry goes away
// even when the underlying release errors, because a leaked handle is worse
// than a swallowed error. The handle parks in the idle pool for quick replay.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	inst, err := m.instance(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	handle := inst.handle
	route := inst.route
	uri := inst.SourceURI
	inst.Status = StatusStopped
	delete(m.active, id)
	m.mu.Unlock()
	m.observeActiveCount()

	if handle == nil {
		return nil
	}
	route.set(nil)
	if stopErr := handle.Pause(ctx); stopErr != nil && m.dedup != nil {
		m.dedup.Warn(ctx, "audio", "stop: pause before release failed", slog.String("instance_id", id))
	}
	m.parkHandle(ctx, uri, handle, route)
	return nil
}

// Seek validates the position before touching the native player.
func (m *Manager) Seek(ctx context.Context, id string, positionMS int64) error {
	if positionMS < 0 {
		return fault.Audio("invalid_position", "seek position must be >= 0", fault.AudioOpPlay, nil)
	}
	m.mu.Lock()
	inst, err := m.instance(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	handle := inst.handle
	m.mu.Unlock()

	if err := handle.Seek(ctx, positionMS); err != nil {
		return fault.Audio("seek_failed", "could not seek", fault.AudioOpPlay, err)
	}
	return nil
}

// SetVolume validates the range before touching the native player.
func (m *Manager) SetVolume(ctx context.Context, id string, volume float64) error {
	if volume < 0 || volume > 1 {
		return fault.Audio("invalid_volume", "volume must be in [0,1]", fault.AudioOpPlay, nil)
	}
	m.mu.Lock()
	inst, err := m.instance(id)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	handle := inst.handle
	m.mu.Unlock()

	if err := handle.SetVolume(ctx, volume); err != nil {
		return fault.Audio("volume_failed", "could not set volume", fault.AudioOpPlay, err)
	}
	return nil
}

// Snapshot returns a copy of one instance's tracked state.
func (m *Manager) Snapshot(id string) (Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.active[id]
	if !ok {
		return Instance{}, false
	}
	out := *inst
	out.handle = nil
	out.route = nil
	out.onComplete = nil
	out.onError = nil
	return out, true
}

// ActiveCount reports how many instances the registry currently tracks.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// PooledCount reports how many idle decoder handles are parked.
func (m *Manager) PooledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idlePool)
}

func (m *Manager) parkHandle(ctx context.Context, uri string, handle Handle, route *statusRoute) {
	m.mu.Lock()
	if m.closed || uri == "" {
		m.mu.Unlock()
		_ = handle.Unload(ctx)
		return
	}
	if prev, ok := m.idlePool[uri]; ok && prev.handle != handle {
		_ = prev.handle.Unload(ctx)
		m.removeIdleOrderLocked(uri)
	}
	m.idlePool[uri] = pooledEntry{handle: handle, route: route}
	m.idleOrder = append(m.idleOrder, uri)
	m.mu.Unlock()
}

func (m *Manager) takeFromPoolLocked(uri string) (pooledEntry, bool) {
	entry, ok := m.idlePool[uri]
	if !ok {
		return pooledEntry{}, false
	}
	delete(m.idlePool, uri)
	m.removeIdleOrderLocked(uri)
	return entry, true
}

func (m *Manager) removeIdleOrderLocked(uri string) {
	for i, u := range m.idleOrder {
		if u == uri {
			m.idleOrder = append(m.idleOrder[:i], m.idleOrder[i+1:]...)
			return
		}
	}
}

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.Sweep(context.Background())
		}
	}
}

// Sweep evicts terminal instances from the registry and trims the idle pool
// beyond the ceiling, oldest first. Runs on a timer; exported for tests.
func (m *Manager) Sweep(ctx context.Context) {
	var unload []Handle

	m.mu.Lock()
	for id, inst := range m.active {
		if inst.Status == StatusFinished || inst.Status == StatusError {
			if inst.handle != nil {
				if inst.Status == StatusFinished && inst.SourceURI != "" {
					if _, dup := m.idlePool[inst.SourceURI]; !dup {
						inst.route.set(nil)
						m.idlePool[inst.SourceURI] = pooledEntry{handle: inst.handle, route: inst.route}
						m.idleOrder = append(m.idleOrder, inst.SourceURI)
					} else {
						unload = append(unload, inst.handle)
					}
				} else {
					unload = append(unload, inst.handle)
				}
			}
			delete(m.active, id)
		}
	}
	for len(m.idleOrder) > m.poolCeiling {
		uri := m.idleOrder[0]
		m.idleOrder = m.idleOrder[1:]
		if h, ok := m.idlePool[uri]; ok {
			unload = append(unload, h.handle)
			delete(m.idlePool, uri)
		}
	}
	m.mu.Unlock()
	m.observeActiveCount()

	for _, h := range unload {
		_ = h.Unload(ctx)
	}
}

// Close stops the sweeper and releases every handle.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var handles []Handle
	for _, inst := range m.active {
		if inst.handle != nil {
			handles = append(handles, inst.handle)
		}
	}
	m.active = make(map[string]*Instance)
	for _, entry := range m.idlePool {
		handles = append(handles, entry.handle)
	}
	m.idlePool = make(map[string]pooledEntry)
	m.idleOrder = nil
	m.mu.Unlock()

	close(m.sweepStop)
	<-m.sweepDone
	for _, h := range handles {
		_ = h.Unload(ctx)
	}
	m.observeActiveCount()
}

func (m *Manager) observeActiveCount() {
	if m.metrics == nil {
		return
	}
	m.metrics.ActivePlayback.Set(float64(m.ActiveCount()))
}
