package turn

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/upstream"
)

// scriptedSpeech counts calls and lets each stage be failed independently.
type scriptedSpeech struct {
	transcript string
	deltas     []string
	audio      []byte

	transcribeErr error
	chatErr       error
	synthErr      error

	transcribeCalls int
	chatCalls       int
	synthCalls      int

	onChat func(ctx context.Context)
}

func (s *scriptedSpeech) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	s.transcribeCalls++
	if s.transcribeErr != nil {
		return "", s.transcribeErr
	}
	return s.transcript, nil
}

func (s *scriptedSpeech) StreamChat(ctx context.Context, _ upstream.ChatRequest, onChunk upstream.ChunkFunc) (string, error) {
	s.chatCalls++
	if s.chatErr != nil {
		return "", s.chatErr
	}
	full := ""
	for _, d := range s.deltas {
		onChunk(d)
		full += d
	}
	if s.onChat != nil {
		s.onChat(ctx)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return full, nil
}

func (s *scriptedSpeech) Synthesize(_ context.Context, _, _ string, _ upstream.ProgressFunc) ([]byte, error) {
	s.synthCalls++
	if s.synthErr != nil {
		return nil, s.synthErr
	}
	return s.audio, nil
}

type recordingAudioOut struct {
	plays    int
	turnID   string
	audio    []byte
	err      error
	holdOpen bool

	stops   int
	stopped chan struct{}
}

func (a *recordingAudioOut) Play(_ context.Context, turnID string, audio []byte, onDone func()) (func(), error) {
	a.plays++
	a.turnID = turnID
	a.audio = audio
	if a.err != nil {
		return nil, a.err
	}
	if !a.holdOpen && onDone != nil {
		onDone()
	}
	return func() {
		a.stops++
		if a.stopped != nil {
			close(a.stopped)
		}
	}, nil
}

func newOrchestrator(speech Speech, out AudioOut) *Orchestrator {
	return NewOrchestrator(speech, NewStaticDirectory("voice-1"), nil, out, nil, nil, nil)
}

func TestRunHappyPath(t *testing.T) {
	speech := &scriptedSpeech{
		transcript: "Hello",
		deltas:     []string{"Hi ", "there!"},
		audio:      []byte{1, 2, 3, 4, 5},
	}
	out := &recordingAudioOut{}
	o := newOrchestrator(speech, out)

	var phases []Phase
	var chunks []string
	var playbackDone []string
	res, err := o.Run(context.Background(), Request{
		SessionID: "s1",
		Audio:     []byte("opus"),
	}, Callbacks{
		OnPhase:            func(p Phase) { phases = append(phases, p) },
		OnChunk:            func(d string) { chunks = append(chunks, d) },
		OnPlaybackComplete: func(id string) { playbackDone = append(playbackDone, id) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Transcript != "Hello" || res.Reply != "Hi there!" {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Audio) != 5 {
		t.Fatalf("audio = %d bytes, want 5", len(res.Audio))
	}

	want := []Phase{PhaseTranscribing, PhaseGenerating, PhaseSynthesizing, PhasePlaying, PhaseIdle}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
	if len(chunks) != 2 || chunks[0] != "Hi " {
		t.Fatalf("chunks = %v", chunks)
	}
	if out.plays != 1 || out.turnID != res.TurnID {
		t.Fatalf("playback = %+v, turn %s", out, res.TurnID)
	}
	if len(playbackDone) != 1 || playbackDone[0] != res.TurnID {
		t.Fatalf("playback done = %v", playbackDone)
	}
}

func TestRunTranscribeFailureShortCircuits(t *testing.T) {
	speech := &scriptedSpeech{
		transcribeErr: fault.Network("request_failed", "dial tcp: connection refused", "/v1/stt", 0, nil),
	}
	o := newOrchestrator(speech, nil)

	var gotPhase Phase
	var gotMessage string
	res, err := o.Run(context.Background(), Request{Audio: []byte("opus")}, Callbacks{
		OnError: func(p Phase, msg string, _ error) { gotPhase, gotMessage = p, msg },
	})
	if err == nil {
		t.Fatal("want error")
	}
	if gotPhase != PhaseTranscribing || gotMessage != msgTranscribeFailed {
		t.Fatalf("error callback = %v %q", gotPhase, gotMessage)
	}
	if res.FailedPhase != PhaseTranscribing {
		t.Fatalf("failed phase = %v", res.FailedPhase)
	}
	// Downstream stages never run after a stage failure.
	if speech.chatCalls != 0 || speech.synthCalls != 0 {
		t.Fatalf("chat/synth calls = %d/%d, want 0/0", speech.chatCalls, speech.synthCalls)
	}
}

func TestRunChatFailureSkipsSynthesis(t *testing.T) {
	speech := &scriptedSpeech{
		transcript: "Hello",
		chatErr:    fault.API("upstream_error", "bad gateway", "/v1/chat", 502, "", nil),
	}
	o := newOrchestrator(speech, nil)

	res, err := o.Run(context.Background(), Request{Audio: []byte("opus")}, Callbacks{})
	if err == nil {
		t.Fatal("want error")
	}
	if res.FailureMessage != msgGenerateFailed {
		t.Fatalf("message = %q", res.FailureMessage)
	}
	if res.Transcript != "Hello" {
		t.Fatalf("transcript lost: %+v", res)
	}
	if speech.synthCalls != 0 {
		t.Fatalf("synth calls = %d, want 0", speech.synthCalls)
	}
}

func TestRunCancelDuringChatIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	speech := &scriptedSpeech{
		transcript: "Hello",
		deltas:     []string{"Hi "},
		onChat:     func(context.Context) { cancel() },
	}
	o := newOrchestrator(speech, nil)

	errorCalls := 0
	res, err := o.Run(ctx, Request{Audio: []byte("opus")}, Callbacks{
		OnError: func(Phase, string, error) { errorCalls++ },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !res.Cancelled {
		t.Fatalf("result = %+v, want cancelled", res)
	}
	// A user cancel is silent and never reaches synthesis.
	if errorCalls != 0 {
		t.Fatalf("error callbacks = %d, want 0", errorCalls)
	}
	if speech.synthCalls != 0 {
		t.Fatalf("synth calls = %d, want 0", speech.synthCalls)
	}
}

func TestRunCancelBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	speech := &scriptedSpeech{transcript: "Hello", deltas: []string{"Hi"}}
	o := newOrchestrator(speech, nil)

	res, err := o.Run(ctx, Request{Audio: []byte("opus")}, Callbacks{
		OnTranscript: func(string) { cancel() },
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !res.Cancelled || res.Transcript != "Hello" {
		t.Fatalf("result = %+v", res)
	}
	if speech.chatCalls != 0 {
		t.Fatalf("chat calls = %d, want 0 after boundary cancel", speech.chatCalls)
	}
}

func TestRunCancelDuringPlaybackStopsAudio(t *testing.T) {
	speech := &scriptedSpeech{
		transcript: "Hello",
		deltas:     []string{"Hi"},
		audio:      []byte{1, 2, 3},
	}
	out := &recordingAudioOut{holdOpen: true, stopped: make(chan struct{})}
	o := newOrchestrator(speech, out)

	ctx, cancel := context.WithCancel(context.Background())
	res, err := o.Run(ctx, Request{Audio: []byte("opus")}, Callbacks{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.plays != 1 {
		t.Fatalf("plays = %d, want 1", out.plays)
	}

	// The clip is still playing after Run returns; a cancel tears it down.
	cancel()
	select {
	case <-out.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("playback was not stopped after cancel")
	}
	if res.TurnID != out.turnID {
		t.Fatalf("stopped turn = %s, want %s", out.turnID, res.TurnID)
	}
}

func TestRunCompletedPlaybackIsNotStopped(t *testing.T) {
	speech := &scriptedSpeech{
		transcript: "Hello",
		deltas:     []string{"Hi"},
		audio:      []byte{1},
	}
	out := &recordingAudioOut{}
	o := newOrchestrator(speech, out)

	ctx, cancel := context.WithCancel(context.Background())
	if _, err := o.Run(ctx, Request{Audio: []byte("opus")}, Callbacks{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Playback already finished; cancelling afterwards must not stop anything.
	cancel()
	time.Sleep(50 * time.Millisecond)
	if out.stops != 0 {
		t.Fatalf("stops = %d, want 0 for a finished clip", out.stops)
	}
}

func TestRunPlaybackFailure(t *testing.T) {
	speech := &scriptedSpeech{
		transcript: "Hello",
		deltas:     []string{"Hi"},
		audio:      []byte{1},
	}
	out := &recordingAudioOut{err: errors.New("device busy")}
	o := newOrchestrator(speech, out)

	res, err := o.Run(context.Background(), Request{Audio: []byte("opus")}, Callbacks{})
	if err == nil {
		t.Fatal("want error")
	}
	if res.FailedPhase != PhasePlaying || res.FailureMessage != msgPlaybackFailed {
		t.Fatalf("result = %+v", res)
	}
	// Synthesis already succeeded; its output survives for diagnostics.
	if len(res.Audio) != 1 {
		t.Fatalf("audio = %v", res.Audio)
	}
}

func TestRunRejectsEmptyAudio(t *testing.T) {
	o := newOrchestrator(&scriptedSpeech{}, nil)
	_, err := o.Run(context.Background(), Request{}, Callbacks{})
	if fault.KindOf(err) != fault.KindValidation {
		t.Fatalf("kind = %v, want validation", fault.KindOf(err))
	}
}

func TestPersonaFallback(t *testing.T) {
	dir := NewStaticDirectory("voice-1")
	if _, ok := dir.Lookup("nope"); ok {
		t.Fatal("unknown persona resolved")
	}
	if dir.Default().ID != "narrator" {
		t.Fatalf("default = %+v", dir.Default())
	}
	if p, ok := dir.Lookup(" Scholar "); !ok || p.ID != "scholar" {
		t.Fatalf("lookup = %+v %v", p, ok)
	}
}
