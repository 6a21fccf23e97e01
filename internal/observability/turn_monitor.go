package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/talevoice/talevoice/internal/logging"
)

// Stage names used by both the monitor and the perf window.
const (
	StageSTT       = "stt"
	StageFirstTok  = "first_token"
	StageTTS       = "tts"
	StageAudioLoad = "audio_load"
	StagePlayback  = "playback"
	StageTurnTotal = "turn_total"
)

const warnFraction = 0.8

// StageBudget returns the hard latency budget for a stage; exceeding it is
// logged, never enforced.
func StageBudget(stage string) time.Duration {
	switch stage {
	case StageSTT:
		return 400 * time.Millisecond
	case StageFirstTok:
		return 350 * time.Millisecond
	case StageTTS:
		return 300 * time.Millisecond
	case StageAudioLoad:
		return 500 * time.Millisecond
	case StageTurnTotal:
		return 1000 * time.Millisecond
	default:
		return 0
	}
}

// TurnMetrics is the finalized per-turn latency record.
type TurnMetrics struct {
	SessionID      string        `json:"session_id"`
	TurnID         string        `json:"turn_id"`
	STT            time.Duration `json:"stt_ms"`
	FirstToken     time.Duration `json:"first_token_ms"`
	TTS            time.Duration `json:"tts_ms"`
	AudioLoad      time.Duration `json:"audio_load_ms"`
	Total          time.Duration `json:"total_ms"`
	HasFirstToken  bool          `json:"has_first_token"`
	BudgetExceeded []string      `json:"budget_exceeded,omitempty"`
}

// TurnMonitor records phase boundaries for one turn. One instance per turn;
// not shared across turns. Monitoring is observational: a blown budget logs a
// performance-exceeded record and increments a counter, the turn continues.
type TurnMonitor struct {
	metrics *Metrics
	dedup   *logging.Deduper
	now     func() time.Time

	mu        sync.Mutex
	sessionID string
	turnID    string
	startedAt time.Time

	sttStart  time.Time
	genStart  time.Time
	ttsStart  time.Time
	loadStart time.Time

	firstTokenOnce sync.Once
	out            TurnMetrics
	finalized      bool
}

func NewTurnMonitor(metrics *Metrics, dedup *logging.Deduper, sessionID, turnID string) *TurnMonitor {
	m := &TurnMonitor{
		metrics:   metrics,
		dedup:     dedup,
		now:       time.Now,
		sessionID: sessionID,
		turnID:    turnID,
	}
	m.startedAt = m.now()
	m.out = TurnMetrics{SessionID: sessionID, TurnID: turnID}
	return m
}

func (m *TurnMonitor) StartSTT() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sttStart = m.now()
}

func (m *TurnMonitor) EndSTT() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sttStart.IsZero() {
		return
	}
	m.out.STT = m.now().Sub(m.sttStart)
	m.genStart = m.now()
	m.observe(StageSTT, m.out.STT)
}

// FirstToken marks the first chat delta. Idempotent: only the first call
// records; the mark is measured from generation start (STT end).
func (m *TurnMonitor) FirstToken() {
	m.firstTokenOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		base := m.genStart
		if base.IsZero() {
			base = m.startedAt
		}
		m.out.FirstToken = m.now().Sub(base)
		m.out.HasFirstToken = true
		if m.metrics != nil {
			m.metrics.FirstTokenLatency.Observe(float64(m.out.FirstToken.Milliseconds()))
		}
		m.observe(StageFirstTok, m.out.FirstToken)
	})
}

func (m *TurnMonitor) StartTTS() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttsStart = m.now()
}

func (m *TurnMonitor) EndTTS() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ttsStart.IsZero() {
		return
	}
	m.out.TTS = m.now().Sub(m.ttsStart)
	m.observe(StageTTS, m.out.TTS)
}

func (m *TurnMonitor) StartAudioPlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadStart = m.now()
}

func (m *TurnMonitor) EndAudioPlayback() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadStart.IsZero() {
		return
	}
	m.out.AudioLoad = m.now().Sub(m.loadStart)
	m.observe(StageAudioLoad, m.out.AudioLoad)
}

// Complete computes total latency and finalizes the record exactly once.
func (m *TurnMonitor) Complete() TurnMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return m.out
	}
	m.finalized = true
	m.out.Total = m.now().Sub(m.startedAt)
	m.observe(StageTurnTotal, m.out.Total)
	return m.out
}

// observe is called with m.mu held.
func (m *TurnMonitor) observe(stage string, d time.Duration) {
	if m.metrics != nil {
		m.metrics.ObserveStage(stage, d)
	}
	budget := StageBudget(stage)
	if budget <= 0 {
		return
	}
	warnAt := time.Duration(float64(budget) * warnFraction)
	switch {
	case d > budget:
		m.out.BudgetExceeded = append(m.out.BudgetExceeded, stage)
		if m.metrics != nil {
			m.metrics.BudgetExceeded.WithLabelValues(stage).Inc()
		}
		if m.dedup != nil {
			m.dedup.Error(context.Background(), "performance", "stage exceeded hard latency budget",
				slog.String("stage", stage),
				slog.String("turn_id", m.turnID),
				slog.Int64("latency_ms", d.Milliseconds()),
				slog.Int64("budget_ms", budget.Milliseconds()),
			)
		}
	case d > warnAt:
		if m.dedup != nil {
			m.dedup.Warn(context.Background(), "performance", "stage nearing latency budget",
				slog.String("stage", stage),
				slog.String("turn_id", m.turnID),
				slog.Int64("latency_ms", d.Milliseconds()),
				slog.Int64("budget_ms", budget.Milliseconds()),
			)
		}
	}
}
