package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. Each
// Metrics value carries its own registry so independent instances never
// collide on registration.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	TranscriptWrites  prometheus.Counter
	TranscriptDrops   *prometheus.CounterVec
	PersistenceErrors prometheus.Counter
	FirstAudioLatency prometheus.Histogram
	TurnStageLatency  *prometheus.HistogramVec

	registry *prometheus.Registry
	window   *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active voice sessions.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle and turn events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Capability provider errors by provider and code.",
		}, []string{"provider", "code"}),
		TranscriptWrites: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_writes_total",
			Help:      "Transcript entries written to the store.",
		}),
		TranscriptDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_drops_total",
			Help:      "Transcript entries dropped by reason.",
		}, []string{"reason"}),
		PersistenceErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_errors_total",
			Help:      "Transcript store failures, swallowed after counting.",
		}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from commit to first agent audio frame in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
		TurnStageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_stage_latency_ms",
			Help:      "Per-stage turn latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 4000, 8000},
		}, []string{"stage"}),

		registry: reg,
		window:   newTurnStageWindow(256),
	}
}

// Handler serves this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.window.Observe("commit_to_first_audio", float64(d.Milliseconds()))
}

// ObserveTurnStage records one stage duration in both the Prometheus
// histogram and the rolling percentile window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	ms := float64(d.Milliseconds())
	m.TurnStageLatency.WithLabelValues(stage).Observe(ms)
	m.window.Observe(stage, ms)
}

// ObserveTurnIndicator counts a discrete turn event (barge-in, fallback
// commit, apology) in the rolling window.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil {
		return
	}
	m.window.ObserveIndicator(name)
}

// TurnStageSnapshot returns the rolling latency view for the perf endpoint.
func (m *Metrics) StageSnapshot() TurnStageSnapshot {
	if m == nil {
		return TurnStageSnapshot{}
	}
	return m.window.Snapshot()
}

// ResetStageWindow clears the rolling window, leaving Prometheus counters
// untouched.
func (m *Metrics) ResetStageWindow() {
	if m == nil {
		return
	}
	m.window.Reset()
}
