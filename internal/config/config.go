package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/talevoice/talevoice/internal/fault"
)

// Config contains all runtime settings for the voice turn service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	// UpstreamMode selects "live" HTTP upstreams or the in-process "mock"
	// providers used for local runs and load tests.
	UpstreamMode string

	STTBaseURL  string
	ChatBaseURL string
	TTSBaseURL  string
	STTAPIKey   string
	ChatAPIKey  string
	TTSAPIKey   string

	STTTimeout  time.Duration
	ChatTimeout time.Duration
	TTSTimeout  time.Duration

	DatabaseURL string

	RateLimitWindow   time.Duration
	RateLimitRequests int

	PlaybackSweepInterval time.Duration
	PlaybackPoolCeiling   int

	SessionInactivityTimeout time.Duration

	LogDedupWindow    time.Duration
	LogDedupMaxRepeat int

	PerfWindowSamples int

	DefaultVoiceID string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:                 envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:         envOrDefault("APP_METRICS_NAMESPACE", "talevoice"),
		AllowAnyOrigin:           false,
		UpstreamMode:             strings.ToLower(envOrDefault("UPSTREAM_MODE", "live")),
		STTBaseURL:               envOrDefault("STT_BASE_URL", "https://api.openai.com/v1/audio/transcriptions"),
		ChatBaseURL:              envOrDefault("CHAT_BASE_URL", "https://api.openai.com/v1/chat/stream"),
		TTSBaseURL:               envOrDefault("TTS_BASE_URL", "https://api.elevenlabs.io/v1/text-to-speech"),
		STTAPIKey:                trimmedEnv("STT_API_KEY"),
		ChatAPIKey:               trimmedEnv("CHAT_API_KEY"),
		TTSAPIKey:                trimmedEnv("TTS_API_KEY"),
		DatabaseURL:              trimmedEnv("DATABASE_URL"),
		DefaultVoiceID:           envOrDefault("TTS_DEFAULT_VOICE_ID", "cgSgspJ2msm6clMCkdW9"),
		ShutdownTimeout:          15 * time.Second,
		STTTimeout:               30 * time.Second,
		ChatTimeout:              60 * time.Second,
		TTSTimeout:               30 * time.Second,
		RateLimitWindow:          time.Minute,
		RateLimitRequests:        60,
		PlaybackSweepInterval:    15 * time.Second,
		PlaybackPoolCeiling:      8,
		SessionInactivityTimeout: 2 * time.Minute,
		LogDedupWindow:           30 * time.Second,
		LogDedupMaxRepeat:        5,
		PerfWindowSamples:        256,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.STTTimeout, err = durationFromEnv("STT_TIMEOUT", cfg.STTTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ChatTimeout, err = durationFromEnv("CHAT_TIMEOUT", cfg.ChatTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TTSTimeout, err = durationFromEnv("TTS_TIMEOUT", cfg.TTSTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitWindow, err = durationFromEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.RateLimitRequests, err = intFromEnv("RATE_LIMIT_REQUESTS", cfg.RateLimitRequests)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackSweepInterval, err = durationFromEnv("PLAYBACK_SWEEP_INTERVAL", cfg.PlaybackSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.PlaybackPoolCeiling, err = intFromEnv("PLAYBACK_POOL_CEILING", cfg.PlaybackPoolCeiling)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDedupWindow, err = durationFromEnv("LOG_DEDUP_WINDOW", cfg.LogDedupWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.LogDedupMaxRepeat, err = intFromEnv("LOG_DEDUP_MAX_REPEAT", cfg.LogDedupMaxRepeat)
	if err != nil {
		return Config{}, err
	}
	cfg.PerfWindowSamples, err = intFromEnv("PERF_WINDOW_SAMPLES", cfg.PerfWindowSamples)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.UpstreamMode != "live" && cfg.UpstreamMode != "mock" {
		return Config{}, fmt.Errorf("UPSTREAM_MODE must be live or mock, got %q", cfg.UpstreamMode)
	}
	if cfg.RateLimitRequests <= 0 {
		return Config{}, fmt.Errorf("RATE_LIMIT_REQUESTS must be positive")
	}
	if cfg.RateLimitWindow < time.Second {
		return Config{}, fmt.Errorf("RATE_LIMIT_WINDOW must be at least 1s")
	}
	if cfg.PlaybackPoolCeiling <= 0 {
		return Config{}, fmt.Errorf("PLAYBACK_POOL_CEILING must be positive")
	}
	if cfg.PerfWindowSamples <= 0 {
		return Config{}, fmt.Errorf("PERF_WINDOW_SAMPLES must be positive")
	}
	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}

	if cfg.UpstreamMode == "live" {
		for _, c := range []struct{ key, val string }{
			{"STT_API_KEY", cfg.STTAPIKey},
			{"CHAT_API_KEY", cfg.ChatAPIKey},
			{"TTS_API_KEY", cfg.TTSAPIKey},
		} {
			if c.val == "" {
				return Config{}, fault.Configuration("missing_credential", c.key+" is required in live mode", c.key)
			}
		}
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func trimmedEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := trimmedEnv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(trimmedEnv(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
