// Package observe provides application-wide observability for VoxPipe:
// OpenTelemetry metrics with a Prometheus exporter bridge, plus HTTP
// middleware for the operational endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all VoxPipe metrics.
const meterName = "github.com/voxpipe/voxpipe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency.
	STTDuration metric.Float64Histogram

	// TurnDuration tracks agent turn latency, input text to last chunk.
	TurnDuration metric.Float64Histogram

	// TTSDuration tracks text-to-speech first-audio latency.
	TTSDuration metric.Float64Histogram

	// SeamGap tracks inter-chunk spacing per middleware seam. Use with
	// attribute.String("seam", ...).
	SeamGap metric.Float64Histogram

	// --- Counters ---

	// Utterances counts utterances flushed by the VAD.
	Utterances metric.Int64Counter

	// Interrupts counts barge-in interruptions delivered to the TTS stage.
	Interrupts metric.Int64Counter

	// Suspensions counts agent turns ending in AwaitingResume.
	Suspensions metric.Int64Counter

	// Hangups counts agent-initiated conversation ends.
	Hangups metric.Int64Counter

	// SeamChunks counts chunks passing each middleware seam. Use with
	// attribute.String("seam", ...).
	SeamChunks metric.Int64Counter

	// SeamBytes sums chunk sizes per middleware seam.
	SeamBytes metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
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
	if met.STTDuration, err = m.Float64Histogram("voxpipe.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxpipe.turn.duration",
		metric.WithDescription("Latency of one agent turn, input text to last chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxpipe.tts.duration",
		metric.WithDescription("Latency of text-to-speech synthesis to first audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SeamGap, err = m.Float64Histogram("voxpipe.seam.gap",
		metric.WithDescription("Spacing between consecutive chunks per middleware seam."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("voxpipe.vad.utterances",
		metric.WithDescription("Total utterances flushed by the voice activity detector."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("voxpipe.tts.interrupts",
		metric.WithDescription("Total barge-in interruptions delivered to the TTS stage."),
	); err != nil {
		return nil, err
	}
	if met.Suspensions, err = m.Int64Counter("voxpipe.turn.suspensions",
		metric.WithDescription("Total agent turns ending with an outstanding suspension."),
	); err != nil {
		return nil, err
	}
	if met.Hangups, err = m.Int64Counter("voxpipe.turn.hangups",
		metric.WithDescription("Total agent-initiated conversation ends."),
	); err != nil {
		return nil, err
	}
	if met.SeamChunks, err = m.Int64Counter("voxpipe.seam.chunks",
		metric.WithDescription("Total chunks passing each middleware seam."),
	); err != nil {
		return nil, err
	}
	if met.SeamBytes, err = m.Int64Counter("voxpipe.seam.bytes",
		metric.WithDescription("Total bytes passing each middleware seam."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxpipe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxpipe.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxpipe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// ObserveChunk implements the hooks.StatsSink contract for the stage-stats
// middleware.
func (m *Metrics) ObserveChunk(seam string, size int) {
	attrs := metric.WithAttributes(attribute.String("seam", seam))
	m.SeamChunks.Add(context.Background(), 1, attrs)
	m.SeamBytes.Add(context.Background(), int64(size), attrs)
}

// ObserveGap implements the hooks.StatsSink contract for the stage-stats
// middleware.
func (m *Metrics) ObserveGap(seam string, d time.Duration) {
	m.SeamGap.Record(context.Background(), d.Seconds(),
		metric.WithAttributes(attribute.String("seam", seam)))
}
