package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/talevoice/talevoice/internal/audio"
	"github.com/talevoice/talevoice/internal/config"
	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/observability"
	"github.com/talevoice/talevoice/internal/ratelimit"
	"github.com/talevoice/talevoice/internal/session"
	"github.com/talevoice/talevoice/internal/turn"
	"github.com/talevoice/talevoice/internal/usage"
)

// The process-global Prometheus registry only tolerates one registration.
var testMetrics = observability.NewMetrics("talevoice_test", 64)

type stubRunner struct {
	res     turn.Result
	err     error
	lastReq turn.Request
	calls   int
}

func (s *stubRunner) Run(_ context.Context, req turn.Request, _ turn.Callbacks) (turn.Result, error) {
	s.calls++
	s.lastReq = req
	return s.res, s.err
}

type failingCounterStore struct{}

func (failingCounterStore) Count(context.Context, string, string, time.Time, time.Duration) (int, time.Time, error) {
	return 0, time.Time{}, errors.New("connection refused")
}

func (failingCounterStore) Record(context.Context, string, string, time.Time) error {
	return errors.New("connection refused")
}

func (failingCounterStore) Close() error { return nil }

type serverFixture struct {
	server *Server
	runner *stubRunner
	sink   *usage.InMemorySink
}

func newFixture(t *testing.T, store ratelimit.CounterStore, limit int) *serverFixture {
	t.Helper()
	if store == nil {
		store = ratelimit.NewInMemoryStore()
	}
	wav, err := audio.EncodeWAVPCM16LE(make([]byte, audio.DefaultSampleRate), audio.DefaultSampleRate)
	if err != nil {
		t.Fatalf("encode test audio: %v", err)
	}
	runner := &stubRunner{res: turn.Result{
		TurnID:     "turn-1",
		Transcript: "Hello",
		Reply:      "Hi there!",
		Audio:      wav,
	}}
	sink := usage.NewInMemorySink()
	cfg := config.Config{UpstreamMode: "mock", DefaultVoiceID: "voice-1"}
	srv := New(
		cfg,
		session.NewManager(time.Minute),
		runner,
		ratelimit.NewLimiter(store, time.Minute, limit, nil, nil),
		sink,
		turn.NewStaticDirectory("voice-1"),
		testMetrics,
		nil,
		nil,
	)
	return &serverFixture{server: srv, runner: runner, sink: sink}
}

func multipartTurnRequest(t *testing.T, target string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("audio", "utterance.m4a")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte("opus-bytes")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestTurnEndpoint(t *testing.T) {
	f := newFixture(t, nil, 10)
	router := f.server.Router()

	req := multipartTurnRequest(t, "/v1/turn", map[string]string{
		"persona_id": "scholar",
		"book_id":    "book-9",
	})
	req.Header.Set("Authorization", "Bearer tok-abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var resp turnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Transcript != "Hello" || resp.Reply != "Hi there!" || resp.AudioBase64 == "" {
		t.Fatalf("resp = %+v", resp)
	}
	if f.runner.lastReq.PersonaID != "scholar" || f.runner.lastReq.BookID != "book-9" {
		t.Fatalf("runner req = %+v", f.runner.lastReq)
	}
	if f.runner.lastReq.UserID != "tok-abc" {
		t.Fatalf("user = %q, want bearer token", f.runner.lastReq.UserID)
	}
	if rec.Header().Get("X-Session-ID") == "" {
		t.Fatal("no session id minted")
	}

	entries, _ := f.sink.Recent(context.Background(), "tok-abc", 10)
	if len(entries) != 1 || entries[0].StatusCode != http.StatusOK || entries[0].Endpoint != "/v1/turn" {
		t.Fatalf("usage = %+v", entries)
	}
	// The entry carries what the turn consumed: transcript and reply tokens
	// plus the synthesized audio duration (half a second of WAV here).
	if entries[0].TokensIn == 0 || entries[0].TokensOut == 0 {
		t.Fatalf("tokens = %d/%d, want non-zero", entries[0].TokensIn, entries[0].TokensOut)
	}
	if entries[0].AudioMS != 500 {
		t.Fatalf("audio ms = %d, want 500", entries[0].AudioMS)
	}
}

func TestTurnEndpointMissingAudio(t *testing.T) {
	f := newFixture(t, nil, 10)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("persona_id", "narrator")
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/v1/turn", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if f.runner.calls != 0 {
		t.Fatalf("runner calls = %d, want 0", f.runner.calls)
	}
}

func TestTurnEndpointStageFailure(t *testing.T) {
	f := newFixture(t, nil, 10)
	f.runner.err = fault.API("upstream_error", "bad gateway", "/v1/chat", 502, "", nil)
	f.runner.res = turn.Result{
		TurnID:         "turn-1",
		FailedPhase:    turn.PhaseGenerating,
		FailureMessage: "Sorry, I couldn't come up with a reply just now. Please try again.",
	}

	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, multipartTurnRequest(t, "/v1/turn", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Code != "generating_failed" {
		t.Fatalf("code = %q", resp.Code)
	}

	// Failed requests still produce a usage entry.
	entries, _ := f.sink.Recent(context.Background(), AnonymousUser, 10)
	if len(entries) != 1 || entries[0].StatusCode != http.StatusBadGateway {
		t.Fatalf("usage = %+v", entries)
	}
}

func TestRateLimitRejectsAndLogs(t *testing.T) {
	f := newFixture(t, nil, 2)
	router := f.server.Router()

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/personas", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/personas", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("no Retry-After header")
	}

	// The rejected request is logged too.
	entries, _ := f.sink.Recent(context.Background(), AnonymousUser, 10)
	if len(entries) != 3 {
		t.Fatalf("usage entries = %d, want 3", len(entries))
	}
	if entries[0].StatusCode != http.StatusTooManyRequests || entries[0].ErrorCode != "rate_limited" {
		t.Fatalf("rejected entry = %+v", entries[0])
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	f := newFixture(t, failingCounterStore{}, 1)
	router := f.server.Router()

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/personas", nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want fail-open 200", i, rec.Code)
		}
	}
}

func TestSessionReuseAcrossRequests(t *testing.T) {
	f := newFixture(t, nil, 10)
	router := f.server.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/personas", nil))
	sid := rec.Header().Get("X-Session-ID")
	if sid == "" {
		t.Fatal("no session minted")
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/personas", nil)
	req.Header.Set("X-Session-ID", sid)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Session-ID"); got != sid {
		t.Fatalf("session id = %s, want %s", got, sid)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, nil, 10)
	router := f.server.Router()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
	}

	// Health endpoints bypass the rate limit guard.
	entries, _ := f.sink.Recent(context.Background(), "", 10)
	if len(entries) != 0 {
		t.Fatalf("usage entries = %d, want 0", len(entries))
	}
}

func TestCreateAndEndSession(t *testing.T) {
	f := newFixture(t, nil, 10)
	router := f.server.Router()

	body := bytes.NewBufferString(`{"persona_id":"companion","book_id":"b1"}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session", body))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var sess session.Session
	if err := json.Unmarshal(rec.Body.Bytes(), &sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.PersonaID != "companion" || sess.VoiceID != "voice-1" {
		t.Fatalf("session = %+v", sess)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/"+sess.ID+"/end", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("end status = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/session/unknown/end", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown end status = %d", rec.Code)
	}
}
