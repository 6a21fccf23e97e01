package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talevoice/talevoice/internal/config"
	"github.com/talevoice/talevoice/internal/httpapi"
	"github.com/talevoice/talevoice/internal/logging"
	"github.com/talevoice/talevoice/internal/observability"
	"github.com/talevoice/talevoice/internal/playback"
	"github.com/talevoice/talevoice/internal/ratelimit"
	"github.com/talevoice/talevoice/internal/session"
	"github.com/talevoice/talevoice/internal/turn"
	"github.com/talevoice/talevoice/internal/upstream"
	"github.com/talevoice/talevoice/internal/usage"
)

type BuildResult struct {
	Config       config.Config
	API          *httpapi.Server
	Sessions     *session.Manager
	Orchestrator *turn.Orchestrator
	Playback     *playback.Manager
	Metrics      *observability.Metrics

	// Cleanup should be called on shutdown to release external resources
	// (DB pools, spool files, pooled audio handles).
	Cleanup func() error
}

// Build wires the full service from configuration.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace, cfg.PerfWindowSamples)
	dedup := logging.NewDeduper(logger)
	dedup.SetWindow(cfg.LogDedupWindow, cfg.LogDedupMaxRepeat)

	counterStore, err := ratelimit.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("rate limit store init failed: %w", err)
	}
	limiter := ratelimit.NewLimiter(counterStore, cfg.RateLimitWindow, cfg.RateLimitRequests, dedup, metrics)

	usageSink, err := usage.NewSink(ctx, cfg.DatabaseURL)
	if err != nil {
		_ = counterStore.Close()
		return nil, fmt.Errorf("usage sink init failed: %w", err)
	}

	speech, err := buildSpeech(cfg, dedup, metrics)
	if err != nil {
		_ = counterStore.Close()
		_ = usageSink.Close()
		return nil, err
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	personas := turn.NewStaticDirectory(cfg.DefaultVoiceID)

	// Playback runs in-process only in mock mode; live deployments hand the
	// audio back to the client.
	var manager *playback.Manager
	var audioOut turn.AudioOut
	var spoolClose func() error
	if cfg.UpstreamMode == "mock" {
		manager = playback.NewManager(playback.NewMockPlayer(), cfg.PlaybackSweepInterval, cfg.PlaybackPoolCeiling, dedup, metrics)
		out, err := newManagerAudioOut(manager)
		if err != nil {
			_ = counterStore.Close()
			_ = usageSink.Close()
			return nil, err
		}
		audioOut = out
		spoolClose = out.Close
		// An expired session's in-flight audio stops with it.
		sessions.SetExpireHook(func(s *session.Session) {
			if s.ActiveTurnID != "" {
				out.StopTurn(s.ActiveTurnID)
			}
		})
	}

	orchestrator := turn.NewOrchestrator(speech, personas, sessions, audioOut, dedup, metrics, logger)
	api := httpapi.New(cfg, sessions, orchestrator, limiter, usageSink, personas, metrics, dedup, logger)

	cleanup := func() error {
		var errs []string
		if manager != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			manager.Close(closeCtx)
			cancel()
		}
		if spoolClose != nil {
			if err := spoolClose(); err != nil {
				errs = append(errs, err.Error())
			}
		}
		if err := usageSink.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if err := counterStore.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:       cfg,
		API:          api,
		Sessions:     sessions,
		Orchestrator: orchestrator,
		Playback:     manager,
		Metrics:      metrics,
		Cleanup:      cleanup,
	}, nil
}

func buildSpeech(cfg config.Config, dedup *logging.Deduper, metrics *observability.Metrics) (turn.Speech, error) {
	switch cfg.UpstreamMode {
	case "mock":
		return upstream.NewMock(), nil
	case "live":
		return upstream.NewClient(upstream.Config{
			STTBaseURL:  cfg.STTBaseURL,
			ChatBaseURL: cfg.ChatBaseURL,
			TTSBaseURL:  cfg.TTSBaseURL,
			STTAPIKey:   cfg.STTAPIKey,
			ChatAPIKey:  cfg.ChatAPIKey,
			TTSAPIKey:   cfg.TTSAPIKey,
			STTTimeout:  cfg.STTTimeout,
			ChatTimeout: cfg.ChatTimeout,
			TTSTimeout:  cfg.TTSTimeout,
		}, dedup, metrics), nil
	default:
		return nil, fmt.Errorf("invalid UPSTREAM_MODE: %q (expected live|mock)", cfg.UpstreamMode)
	}
}
