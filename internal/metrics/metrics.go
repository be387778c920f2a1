// Package metrics exposes Prometheus instruments for the relay.
//
// Instruments live on a per-instance registry rather than the global one so
// tests can construct as many Metrics values as they need without
// registration collisions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

// Stage label values for RecordStageDuration.
const (
	StageTranscribe = "transcribe"
	StageSynthesize = "synthesize"
)

// Outcome label values for RecordTaskOutcome.
const (
	OutcomeDone    = "done"
	OutcomeTimeout = "timeout"
	OutcomeFailure = "failure"
)

// Metrics contains all Prometheus metrics for the relay
type Metrics struct {
	registry *prometheus.Registry

	// Frame metrics
	FramesReceived  *prometheus.CounterVec
	FramesSent      *prometheus.CounterVec
	MalformedFrames prometheus.Counter
	SequenceGaps    prometheus.Counter
	MissingChunks   prometheus.Counter

	// Utterance metrics
	UtterancesSealed  prometheus.Counter
	UtteranceDuration prometheus.Histogram

	// Pipeline metrics
	TaskOutcomes       *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	OverloadRejections prometheus.Counter
	PendingTasks       prometheus.Gauge

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	Reconnects      prometheus.Counter
	GraceExpiries   prometheus.Counter

	// Playback metrics
	PlaybackUnderruns prometheus.Counter
	PlaybackSkips     prometheus.Counter
}

// New creates all relay metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of frames received, by kind",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total number of frames sent, by kind",
		}, []string{"kind"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Total number of frames rejected by the codec",
		}),
		SequenceGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_gaps_total",
			Help:      "Total number of audio sequence gaps observed",
		}),
		MissingChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "missing_chunks_total",
			Help:      "Total number of audio chunks lost to sequence gaps",
		}),

		UtterancesSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_sealed_total",
			Help:      "Total number of utterances sealed for processing",
		}),
		UtteranceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Duration of sealed utterances in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8), // 0.25s to 32s
		}),

		TaskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Total number of pipeline tasks by outcome",
		}, []string{"outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 8), // 100ms to ~12s
		}, []string{"stage"}),
		OverloadRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overload_rejections_total",
			Help:      "Total number of utterances rejected because the session queue was full",
		}),
		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_tasks",
			Help:      "Current number of queued or in-flight pipeline tasks",
		}),

		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Current number of live sessions",
		}),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Total number of successful session reconnects",
		}),
		GraceExpiries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grace_expiries_total",
			Help:      "Total number of sessions closed after the reconnect grace elapsed",
		}),

		PlaybackUnderruns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_underruns_total",
			Help:      "Total number of silence beats inserted while awaiting audio",
		}),
		PlaybackSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_skips_total",
			Help:      "Total number of failed utterances skipped during playback",
		}),
	}

	m.registry.MustRegister(
		m.FramesReceived,
		m.FramesSent,
		m.MalformedFrames,
		m.SequenceGaps,
		m.MissingChunks,
		m.UtterancesSealed,
		m.UtteranceDuration,
		m.TaskOutcomes,
		m.StageDuration,
		m.OverloadRejections,
		m.PendingTasks,
		m.ActiveSessions,
		m.SessionsCreated,
		m.Reconnects,
		m.GraceExpiries,
		m.PlaybackUnderruns,
		m.PlaybackSkips,
	)
	m.registry.MustRegister(collectors.NewGoCollector())
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Handler returns an http.Handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFrameReceived counts one inbound frame of the given kind
func (m *Metrics) RecordFrameReceived(kind string) {
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameSent counts one outbound frame of the given kind
func (m *Metrics) RecordFrameSent(kind string) {
	m.FramesSent.WithLabelValues(kind).Inc()
}

// RecordMalformedFrame counts a frame the codec rejected
func (m *Metrics) RecordMalformedFrame() {
	m.MalformedFrames.Inc()
}

// RecordSequenceGap counts one gap and the chunks it swallowed
func (m *Metrics) RecordSequenceGap(missing uint64) {
	m.SequenceGaps.Inc()
	m.MissingChunks.Add(float64(missing))
}

// RecordUtteranceSealed counts a sealed utterance and observes its duration
func (m *Metrics) RecordUtteranceSealed(durationSeconds float64) {
	m.UtterancesSealed.Inc()
	m.UtteranceDuration.Observe(durationSeconds)
}

// RecordTaskOutcome counts a finished pipeline task
func (m *Metrics) RecordTaskOutcome(outcome string) {
	m.TaskOutcomes.WithLabelValues(outcome).Inc()
}

// RecordStageDuration observes how long a pipeline stage took
func (m *Metrics) RecordStageDuration(stage string, durationSeconds float64) {
	m.StageDuration.WithLabelValues(stage).Observe(durationSeconds)
}

// RecordOverloadRejection counts an utterance bounced by backpressure
func (m *Metrics) RecordOverloadRejection() {
	m.OverloadRejections.Inc()
}

// SetPendingTasks sets the current pipeline backlog
func (m *Metrics) SetPendingTasks(n int) {
	m.PendingTasks.Set(float64(n))
}

// SetActiveSessions sets the current number of live sessions
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordSessionCreated counts a new session
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordReconnect counts a successful reconnect
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordGraceExpiry counts a session reaped after its reconnect grace
func (m *Metrics) RecordGraceExpiry() {
	m.GraceExpiries.Inc()
}

// RecordPlaybackUnderrun counts a silence beat inserted during starvation
func (m *Metrics) RecordPlaybackUnderrun() {
	m.PlaybackUnderruns.Inc()
}

// RecordPlaybackSkip counts a failed utterance skipped during playback
func (m *Metrics) RecordPlaybackSkip() {
	m.PlaybackSkips.Inc()
}
