package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/talevoice/talevoice/internal/audio"
	"github.com/talevoice/talevoice/internal/config"
	"github.com/talevoice/talevoice/internal/fault"
	"github.com/talevoice/talevoice/internal/logging"
	"github.com/talevoice/talevoice/internal/observability"
	"github.com/talevoice/talevoice/internal/ratelimit"
	"github.com/talevoice/talevoice/internal/session"
	"github.com/talevoice/talevoice/internal/turn"
	"github.com/talevoice/talevoice/internal/usage"
)

const maxUtteranceBytes = 10 << 20

// TurnRunner drives one utterance through the full voice pipeline.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, cb turn.Callbacks) (turn.Result, error)
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	runner    TurnRunner
	limiter   *ratelimit.Limiter
	usageSink usage.Sink
	personas  *turn.StaticDirectory
	metrics   *observability.Metrics
	dedup     *logging.Deduper
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

func New(
	cfg config.Config,
	sessions *session.Manager,
	runner TurnRunner,
	limiter *ratelimit.Limiter,
	usageSink usage.Sink,
	personas *turn.StaticDirectory,
	metrics *observability.Metrics,
	dedup *logging.Deduper,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		runner:    runner,
		limiter:   limiter,
		usageSink: usageSink,
		personas:  personas,
		metrics:   metrics,
		dedup:     dedup,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless explicitly
				// opened up. Non-browser clients omit Origin and pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.guard)
		r.Post("/v1/turn", s.handleTurn)
		r.Get("/v1/turn/ws", s.handleTurnWS)
		r.Get("/v1/personas", s.handleListPersonas)
		r.Post("/v1/session", s.handleCreateSession)
		r.Post("/v1/session/{id}/end", s.handleEndSession)
		r.Get("/v1/perf/latency", s.handlePerfLatency)
		r.Get("/v1/usage/recent", s.handleRecentUsage)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"upstream_mode": s.cfg.UpstreamMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

type turnResponse struct {
	TurnID      string                    `json:"turn_id"`
	SessionID   string                    `json:"session_id"`
	Transcript  string                    `json:"transcript"`
	Reply       string                    `json:"reply"`
	AudioBase64 string                    `json:"audio_base64"`
	Format      string                    `json:"format"`
	AudioMS     int64                     `json:"audio_ms,omitempty"`
	Metrics     observability.TurnMetrics `json:"metrics"`
}

// audioFormat sniffs the synthesized payload: the mock pipeline emits WAV,
// live TTS streams MP3.
func audioFormat(data []byte) (format string, durationMS int64) {
	if pcm, rate, err := audio.DecodeWAVPCM16(data); err == nil {
		return "wav", audio.Duration(len(pcm), rate).Milliseconds()
	}
	return "mp3", 0
}

// handleTurn runs one complete turn synchronously: multipart audio in, reply
// text plus synthesized audio out.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUtteranceBytes); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_multipart", err.Error())
		return
	}
	file, header, err := r.FormFile("audio")
	if err != nil {
		respondError(w, http.StatusBadRequest, "missing_audio", "multipart field audio is required")
		return
	}
	defer file.Close()
	audio, err := io.ReadAll(io.LimitReader(file, maxUtteranceBytes+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable_audio", err.Error())
		return
	}
	if len(audio) > maxUtteranceBytes {
		respondError(w, http.StatusRequestEntityTooLarge, "audio_too_large", "utterance exceeds 10MiB")
		return
	}

	sessionID := sessionIDFrom(r.Context())
	req := turn.Request{
		SessionID: sessionID,
		UserID:    userIDFrom(r.Context()),
		PersonaID: r.FormValue("persona_id"),
		BookID:    r.FormValue("book_id"),
		VoiceID:   r.FormValue("voice_id"),
		Audio:     audio,
		Filename:  header.Filename,
	}

	res, err := s.runner.Run(r.Context(), req, turn.Callbacks{})
	format, audioMS := audioFormat(res.Audio)
	if u := turnUsageFrom(r.Context()); u != nil {
		u.add(approxTokens(res.Transcript), approxTokens(res.Reply), audioMS)
	}
	if err != nil {
		if res.Cancelled {
			// The client went away; nothing useful to write.
			return
		}
		respondError(w, statusForError(err), string(res.FailedPhase)+"_failed", res.FailureMessage)
		return
	}
	respondJSON(w, http.StatusOK, turnResponse{
		TurnID:      res.TurnID,
		SessionID:   sessionID,
		Transcript:  res.Transcript,
		Reply:       res.Reply,
		AudioBase64: base64.StdEncoding.EncodeToString(res.Audio),
		Format:      format,
		AudioMS:     audioMS,
		Metrics:     res.Metrics,
	})
}

func (s *Server) handleListPersonas(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"personas": s.personas.All(),
		"default":  s.personas.Default().ID,
	})
}

type createSessionRequest struct {
	PersonaID string `json:"persona_id"`
	BookID    string `json:"book_id"`
	VoiceID   string `json:"voice_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.PersonaID) == "" {
		req.PersonaID = s.personas.Default().ID
	}
	if strings.TrimSpace(req.VoiceID) == "" {
		req.VoiceID = s.cfg.DefaultVoiceID
	}

	sess := s.sessions.Create(userIDFrom(r.Context()), req.PersonaID, req.BookID, req.VoiceID)
	respondJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if strings.TrimSpace(id) == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	sess, err := s.sessions.End(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotStages())
}

func (s *Server) handleRecentUsage(w http.ResponseWriter, r *http.Request) {
	entries, err := s.usageSink.Recent(r.Context(), userIDFrom(r.Context()), 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "usage_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func statusForError(err error) int {
	switch fault.KindOf(err) {
	case fault.KindValidation:
		return http.StatusBadRequest
	case fault.KindAuthentication:
		return http.StatusBadGateway
	case fault.KindNetwork, fault.KindAPI:
		return http.StatusBadGateway
	case fault.KindConfiguration:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
