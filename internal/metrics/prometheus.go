package metrics

import (
	"net/http"

	"github.com/discord-voice-companion/internal/broadcast"
	"github.com/discord-voice-companion/internal/dialogue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice companion. The
// record methods are no-ops on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	PacketsReceived prometheus.Counter
	PacketsDropped  prometheus.Counter
	DecodeErrors    prometheus.Counter
	ActiveSpeakers  prometheus.Gauge

	// Segmentation
	UtterancesEmitted prometheus.Counter
	UtteranceDuration prometheus.Histogram

	// Dialogue turns
	TurnsFinished   *prometheus.CounterVec
	TurnDuration    prometheus.Histogram
	FallbackReplies prometheus.Counter

	// Playback
	PlaybacksFinished *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry, together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_packets_received_total",
			Help: "Total number of opus packets received from the voice gateway",
		}),
		PacketsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_packets_dropped_total",
			Help: "Total number of opus packets dropped because the receive queue was full",
		}),
		DecodeErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_decode_errors_total",
			Help: "Total number of opus packets that failed to decode",
		}),
		ActiveSpeakers: f.NewGauge(prometheus.GaugeOpts{
			Name: "voice_active_speakers",
			Help: "Current number of speaker buffers",
		}),

		UtterancesEmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_utterances_total",
			Help: "Total number of utterances emitted by the segmenter",
		}),
		UtteranceDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_utterance_duration_seconds",
			Help:    "Speech duration of emitted utterances",
			Buckets: prometheus.LinearBuckets(1, 2, 10), // 1s to 19s
		}),

		TurnsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dialogue_turns_finished_total",
			Help: "Total number of dialogue turns that reached a terminal state",
		}, []string{"source", "state", "stage"}),
		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "dialogue_turn_duration_seconds",
			Help:    "Wall time from turn start to terminal state",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		FallbackReplies: f.NewCounter(prometheus.CounterOpts{
			Name: "dialogue_fallback_replies_total",
			Help: "Total number of turns answered with the fallback reply",
		}),

		PlaybacksFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "playback_sessions_finished_total",
			Help: "Total number of playback sessions by outcome",
		}, []string{"outcome"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordPacket counts one received packet, and a drop when queued is false.
func (m *Metrics) RecordPacket(queued bool) {
	if m == nil {
		return
	}
	m.PacketsReceived.Inc()
	if !queued {
		m.PacketsDropped.Inc()
	}
}

func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

func (m *Metrics) SetActiveSpeakers(n int) {
	if m == nil {
		return
	}
	m.ActiveSpeakers.Set(float64(n))
}

// RecordUtterance records an emitted utterance and its speech duration
func (m *Metrics) RecordUtterance(durationSeconds float64) {
	if m == nil {
		return
	}
	m.UtterancesEmitted.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordTurnFinished records a terminal turn. stage is empty unless the
// turn failed.
func (m *Metrics) RecordTurnFinished(source, state, stage string, fallback bool, durationSeconds float64) {
	if m == nil {
		return
	}
	m.TurnsFinished.WithLabelValues(source, state, stage).Inc()
	m.TurnDuration.Observe(durationSeconds)
	if fallback {
		m.FallbackReplies.Inc()
	}
}

// ObserveTurn records a terminal turn; it fits dialogue.Deps.OnTurnEnd.
func (m *Metrics) ObserveTurn(t dialogue.Turn) {
	if m == nil {
		return
	}
	m.RecordTurnFinished(string(t.Source), t.State.String(), string(t.FailedStage), t.Fallback, t.EndedAt.Sub(t.StartedAt).Seconds())
}

// Publish implements broadcast.Publisher so playback outcomes are counted
// from the same event stream observers see.
func (m *Metrics) Publish(e broadcast.Event) {
	if m == nil {
		return
	}
	if e.Type == broadcast.KindPlaybackFinished {
		m.PlaybacksFinished.WithLabelValues(e.Outcome).Inc()
	}
}

// WatchBroadcastClients exposes count as a gauge evaluated at scrape time.
func (m *Metrics) WatchBroadcastClients(count func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Name: "broadcast_clients",
		Help: "Current number of connected event observers",
	}, func() float64 { return float64(count()) })
}
