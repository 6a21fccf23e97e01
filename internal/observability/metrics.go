package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	TurnsTotal         *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec
	ProviderErrors     *prometheus.CounterVec
	RateLimitDecisions *prometheus.CounterVec
	BudgetExceeded     *prometheus.CounterVec
	ActivePlayback     prometheus.Gauge
	FirstTokenLatency  prometheus.Histogram

	window *latencyWindow
}

func NewMetrics(namespace string, windowSamples int) *Metrics {
	return &Metrics{
		TurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed voice turns by outcome.",
		}, []string{"outcome"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{50, 100, 200, 300, 400, 500, 700, 1000, 2000, 5000, 15000, 30000},
		}, []string{"stage"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Upstream provider errors by provider and code.",
		}, []string{"provider", "code"}),
		RateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_decisions_total",
			Help:      "Edge rate-limit decisions by outcome.",
		}, []string{"decision"}),
		BudgetExceeded: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_budget_exceeded_total",
			Help:      "Stages that exceeded their hard latency budget.",
		}, []string{"stage"}),
		ActivePlayback: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_playback_instances",
			Help:      "Audio instances currently held by the playback registry.",
		}),
		FirstTokenLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_token_latency_ms",
			Help:      "Latency from generation start to first chat delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		window: newLatencyWindow(windowSamples),
	}
}

// ObserveStage records one finished stage into both the histogram and the
// bounded trend window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	ms := float64(d.Milliseconds())
	m.StageLatency.WithLabelValues(stage).Observe(ms)
	m.window.Observe(stage, ms)
}

// SnapshotStages returns the bounded-window latency trend for diagnostics.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.window.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
