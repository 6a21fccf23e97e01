package turn

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/logging"
	"github.com/talevoice/talevoice/internal/observability"
	"github.com/talevoice/talevoice/internal/session"
	"github.com/talevoice/talevoice/internal/upstream"
)

// Phase names one stage of the turn pipeline.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseTranscribing Phase = "transcribing"
	PhaseGenerating   Phase = "generating"
	PhaseSynthesizing Phase = "synthesizing"
	PhasePlaying      Phase = "playing"
)

// Speech is the upstream surface one turn consumes. Satisfied by both the
// live client and the mock.
type Speech interface {
	Transcribe(ctx context.Context, audio []byte, filename string) (string, error)
	StreamChat(ctx context.Context, req upstream.ChatRequest, onChunk upstream.ChunkFunc) (string, error)
	Synthesize(ctx context.Context, text, voiceID string, onProgress upstream.ProgressFunc) ([]byte, error)
}

// AudioOut plays a finished reply. onDone fires when playback ends; stop
// halts the clip early. Wiring is optional, API-only deployments return audio
// to the caller instead.
type AudioOut interface {
	Play(ctx context.Context, turnID string, audio []byte, onDone func()) (stop func(), err error)
}

// Request is one user utterance to run through the pipeline.
type Request struct {
	SessionID string
	UserID    string
	PersonaID string
	BookID    string
	VoiceID   string
	Audio     []byte
	Filename  string
}

// Result is the finished turn record.
type Result struct {
	TurnID         string                    `json:"turn_id"`
	Transcript     string                    `json:"transcript"`
	Reply          string                    `json:"reply"`
	Audio          []byte                    `json:"-"`
	Cancelled      bool                      `json:"cancelled"`
	FailedPhase    Phase                     `json:"failed_phase,omitempty"`
	FailureMessage string                    `json:"failure_message,omitempty"`
	Metrics        observability.TurnMetrics `json:"metrics"`
}

// Callbacks stream turn progress to the caller. Any field may be nil.
type Callbacks struct {
	OnStart            func(turnID string)
	OnPhase            func(Phase)
	OnTranscript       func(string)
	OnChunk            func(string)
	OnReplyComplete    func(string)
	OnAudioReady       func(turnID string, audio []byte)
	OnPlaybackComplete func(turnID string)
	OnError            func(phase Phase, message string, err error)
}

// User-facing failure lines, one per stage. A user cancel stays silent.
const (
	msgTranscribeFailed = "Sorry, I couldn't make out what you said. Please try again."
	msgGenerateFailed   = "Sorry, I couldn't come up with a reply just now. Please try again."
	msgSynthesizeFailed = "Sorry, I lost my voice for a moment. Please try again."
	msgPlaybackFailed   = "Sorry, I couldn't play that back. Please try again."
)

// Orchestrator runs one utterance through transcription, reply generation,
// synthesis and playback. A stage failure short-circuits the rest of the
// pipeline; stages never retry across stage boundaries, each upstream call
// carries its own retry policy.
type Orchestrator struct {
	speech   Speech
	personas PersonaDirectory
	sessions *session.Manager
	audioOut AudioOut
	dedup    *logging.Deduper
	metrics  *observability.Metrics
	logger   *slog.Logger
}

func NewOrchestrator(
	speech Speech,
	personas PersonaDirectory,
	sessions *session.Manager,
	audioOut AudioOut,
	dedup *logging.Deduper,
	metrics *observability.Metrics,
	logger *slog.Logger,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		speech:   speech,
		personas: personas,
		sessions: sessions,
		audioOut: audioOut,
		dedup:    dedup,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run drives one full turn. Cancellation is honored at stage boundaries and
// inside each upstream call; a user cancel produces a Cancelled result with
// no error callback.
func (o *Orchestrator) Run(ctx context.Context, req Request, cb Callbacks) (Result, error) {
	res := Result{TurnID: uuid.NewString()}
	if len(req.Audio) == 0 {
		return res, fault.Validation("empty_audio", "utterance audio is required", "audio", nil)
	}
	if cb.OnStart != nil {
		cb.OnStart(res.TurnID)
	}

	persona := o.resolvePersona(req.PersonaID)
	voiceID := strings.TrimSpace(req.VoiceID)
	if voiceID == "" {
		voiceID = persona.VoiceID
	}

	monitor := observability.NewTurnMonitor(o.metrics, o.dedup, req.SessionID, res.TurnID)
	o.beginTurn(req.SessionID, res.TurnID)
	defer func() {
		res.Metrics = monitor.Complete()
		o.finishTurn(req.SessionID, res.TurnID, res.Cancelled)
		o.countOutcome(&res)
	}()

	// Transcribing.
	o.phase(cb, PhaseTranscribing)
	monitor.StartSTT()
	transcript, err := o.speech.Transcribe(ctx, req.Audio, req.Filename)
	monitor.EndSTT()
	if err != nil {
		return o.fail(ctx, cb, res, PhaseTranscribing, msgTranscribeFailed, err)
	}
	res.Transcript = transcript
	if cb.OnTranscript != nil {
		cb.OnTranscript(transcript)
	}
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	// Generating.
	o.phase(cb, PhaseGenerating)
	reply, err := o.speech.StreamChat(ctx, upstream.ChatRequest{
		Transcript: transcript,
		PersonaID:  persona.ID,
		BookID:     req.BookID,
	}, func(delta string) {
		monitor.FirstToken()
		if cb.OnChunk != nil {
			cb.OnChunk(delta)
		}
	})
	if err != nil {
		return o.fail(ctx, cb, res, PhaseGenerating, msgGenerateFailed, err)
	}
	res.Reply = reply
	if cb.OnReplyComplete != nil {
		cb.OnReplyComplete(reply)
	}
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	// Synthesizing.
	o.phase(cb, PhaseSynthesizing)
	monitor.StartTTS()
	audio, err := o.speech.Synthesize(ctx, reply, voiceID, nil)
	monitor.EndTTS()
	if err != nil {
		return o.fail(ctx, cb, res, PhaseSynthesizing, msgSynthesizeFailed, err)
	}
	res.Audio = audio
	if cb.OnAudioReady != nil {
		cb.OnAudioReady(res.TurnID, audio)
	}
	if err := ctx.Err(); err != nil {
		return o.cancelled(res, err)
	}

	// Playing. Without a wired audio output the caller takes the bytes.
	if o.audioOut != nil {
		o.phase(cb, PhasePlaying)
		monitor.StartAudioPlayback()
		turnID := res.TurnID
		playDone := make(chan struct{})
		stop, err := o.audioOut.Play(ctx, turnID, audio, func() {
			close(playDone)
			if cb.OnPlaybackComplete != nil {
				cb.OnPlaybackComplete(turnID)
			}
		})
		monitor.EndAudioPlayback()
		if err != nil {
			return o.fail(ctx, cb, res, PhasePlaying, msgPlaybackFailed, err)
		}
		if stop != nil {
			// Playback outlives Run; a cancel that lands mid-clip still
			// tears the instance down. Nothing to watch when the clip
			// already finished.
			select {
			case <-playDone:
			default:
				go func() {
					select {
					case <-ctx.Done():
						stop()
					case <-playDone:
					}
				}()
			}
		}
	}

	o.phase(cb, PhaseIdle)
	o.logger.Info("turn completed",
		slog.String("turn_id", res.TurnID),
		slog.String("session_id", req.SessionID),
		slog.Int("reply_chars", len(reply)),
		slog.Int("audio_bytes", len(audio)),
	)
	return res, nil
}

func (o *Orchestrator) resolvePersona(id string) Persona {
	if o.personas == nil {
		return Persona{}
	}
	if p, ok := o.personas.Lookup(id); ok {
		return p
	}
	return o.personas.Default()
}

func (o *Orchestrator) phase(cb Callbacks, p Phase) {
	if cb.OnPhase != nil {
		cb.OnPhase(p)
	}
}

// fail finalizes a stage failure, or a silent cancel when the error is the
// user abandoning the turn.
func (o *Orchestrator) fail(ctx context.Context, cb Callbacks, res Result, phase Phase, message string, err error) (Result, error) {
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return o.cancelled(res, err)
	}
	res.FailedPhase = phase
	res.FailureMessage = message
	if cb.OnError != nil {
		cb.OnError(phase, message, err)
	}
	o.logger.Error("turn failed",
		slog.String("turn_id", res.TurnID),
		slog.String("phase", string(phase)),
		slog.Any("error", err),
	)
	return res, err
}

func (o *Orchestrator) cancelled(res Result, err error) (Result, error) {
	res.Cancelled = true
	return res, err
}

func (o *Orchestrator) beginTurn(sessionID, turnID string) {
	if o.sessions == nil || sessionID == "" {
		return
	}
	_ = o.sessions.BeginTurn(sessionID, turnID)
}

func (o *Orchestrator) finishTurn(sessionID, turnID string, cancelled bool) {
	if o.sessions == nil || sessionID == "" {
		return
	}
	_ = o.sessions.FinishTurn(sessionID, turnID, cancelled)
}

func (o *Orchestrator) countOutcome(res *Result) {
	if o.metrics == nil {
		return
	}
	outcome := "completed"
	switch {
	case res.Cancelled:
		outcome = "cancelled"
	case res.FailedPhase != "":
		outcome = "failed"
	}
	o.metrics.TurnsTotal.WithLabelValues(outcome).Inc()
}
