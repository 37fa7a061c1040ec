// Package observe provides application-wide observability primitives for
// Parley: OpenTelemetry metrics, structured logging support, and the HTTP
// endpoint that exposes them.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ChatDuration tracks chat completion latency, from prompt submission to
	// answer.
	ChatDuration metric.Float64Histogram

	// SynthesisDuration tracks text-to-speech synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end conversation turn latency, from final
	// transcript to the answer being queued for playback.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksForwarded counts audio chunks forwarded to transcription. Use
	// with attribute:
	//   attribute.String("speaker", ...)
	ChunksForwarded metric.Int64Counter

	// ChunksDropped counts audio chunks discarded before transcription. Use
	// with attribute:
	//   attribute.String("reason", ...) — "oversized", "undersized", "silence"
	ChunksDropped metric.Int64Counter

	// Transcripts counts transcripts delivered by the transcription link. Use
	// with attribute:
	//   attribute.String("kind", ...) — "final" or "partial"
	Transcripts metric.Int64Counter

	// ChatStalls counts rate-limit stalls during chat completion.
	ChatStalls metric.Int64Counter

	// TracksPlayed counts playback tracks that finished. Use with attribute:
	//   attribute.String("status", ...) — "ok" or "error"
	TracksPlayed metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveSpeakers tracks the number of speakers currently being
	// accumulated across all sessions.
	ActiveSpeakers metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ChatDuration, err = m.Float64Histogram("parley.chat.duration",
		metric.WithDescription("Latency of chat completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("parley.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("End-to-end conversation turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksForwarded, err = m.Int64Counter("parley.chunks.forwarded",
		metric.WithDescription("Total audio chunks forwarded to transcription by speaker."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("parley.chunks.dropped",
		metric.WithDescription("Total audio chunks discarded before transcription by reason."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("parley.transcripts",
		metric.WithDescription("Total transcripts delivered by kind."),
	); err != nil {
		return nil, err
	}
	if met.ChatStalls, err = m.Int64Counter("parley.chat.stalls",
		metric.WithDescription("Total rate-limit stalls during chat completion."),
	); err != nil {
		return nil, err
	}
	if met.TracksPlayed, err = m.Int64Counter("parley.playback.tracks",
		metric.WithDescription("Total playback tracks finished by status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSpeakers, err = m.Int64UpDownCounter("parley.active_speakers",
		metric.WithDescription("Number of speakers currently being accumulated."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunkForwarded records a forwarded chunk counter increment for the
// given speaker.
func (m *Metrics) RecordChunkForwarded(ctx context.Context, speaker string) {
	m.ChunksForwarded.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordChunkDropped records a dropped chunk counter increment with the given
// reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscript records a transcript counter increment for the given kind.
func (m *Metrics) RecordTranscript(ctx context.Context, kind string) {
	m.Transcripts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTrack records a finished playback track with the given status.
func (m *Metrics) RecordTrack(ctx context.Context, status string) {
	m.TracksPlayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
