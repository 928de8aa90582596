// Package observe provides application-wide observability primitives for
// Verbatim: OpenTelemetry metrics, tracing helpers, structured logging, and
// HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Verbatim metrics.
const meterName = "github.com/MrWong99/verbatim"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TranscriptionDuration tracks the engine round trip per flushed span.
	TranscriptionDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksReceived counts audio chunks accepted into session buffers.
	// Use with attribute: attribute.String("transport", "socket"|"http")
	ChunksReceived metric.Int64Counter

	// AudioFlushed counts span flushes handed to the engine. Use with
	// attribute: attribute.String("reason", "ready"|"overflow"|"last_chunk")
	AudioFlushed metric.Int64Counter

	// WordsEmitted counts transcribed words delivered to clients.
	WordsEmitted metric.Int64Counter

	// EngineRestarts counts engine process respawns after a crash or stop.
	EngineRestarts metric.Int64Counter

	// --- Error counters ---

	// TranscriptionErrors counts failed engine round trips. Use with
	// attribute: attribute.String("kind", ...)
	TranscriptionErrors metric.Int64Counter

	// ProtocolErrors counts malformed frames discarded from engine output.
	ProtocolErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions currently in the registry and not ended.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveConnections tracks live event-channel connections.
	ActiveConnections metric.Int64UpDownCounter

	// PendingRequests tracks requests in flight to the engine process.
	PendingRequests metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for transcription round-trip latencies.
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
	if met.TranscriptionDuration, err = m.Float64Histogram("verbatim.transcription.duration",
		metric.WithDescription("Latency of one engine transcription round trip."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("verbatim.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksReceived, err = m.Int64Counter("verbatim.audio.chunks_received",
		metric.WithDescription("Total audio chunks accepted into session buffers by transport."),
	); err != nil {
		return nil, err
	}
	if met.AudioFlushed, err = m.Int64Counter("verbatim.audio.flushes",
		metric.WithDescription("Total buffer flushes handed to the engine by reason."),
	); err != nil {
		return nil, err
	}
	if met.WordsEmitted, err = m.Int64Counter("verbatim.words.emitted",
		metric.WithDescription("Total transcribed words delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.EngineRestarts, err = m.Int64Counter("verbatim.engine.restarts",
		metric.WithDescription("Total engine process respawns."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TranscriptionErrors, err = m.Int64Counter("verbatim.transcription.errors",
		metric.WithDescription("Total failed engine round trips by kind."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("verbatim.engine.protocol_errors",
		metric.WithDescription("Total malformed frames discarded from engine output."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("verbatim.active_sessions",
		metric.WithDescription("Number of sessions currently in the registry and not ended."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("verbatim.active_connections",
		metric.WithDescription("Number of live event-channel connections."),
	); err != nil {
		return nil, err
	}
	if met.PendingRequests, err = m.Int64UpDownCounter("verbatim.engine.pending_requests",
		metric.WithDescription("Number of requests in flight to the engine process."),
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

// RecordChunk records one accepted audio chunk for the given transport.
func (m *Metrics) RecordChunk(ctx context.Context, transport string) {
	m.ChunksReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("transport", transport)),
	)
}

// RecordFlush records one buffer flush with its trigger reason.
func (m *Metrics) RecordFlush(ctx context.Context, reason string) {
	m.AudioFlushed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscription records a completed engine round trip.
func (m *Metrics) RecordTranscription(ctx context.Context, seconds float64, wordCount int) {
	m.TranscriptionDuration.Record(ctx, seconds)
	if wordCount > 0 {
		m.WordsEmitted.Add(ctx, int64(wordCount))
	}
}

// RecordTranscriptionError records a failed engine round trip by taxonomy kind.
func (m *Metrics) RecordTranscriptionError(ctx context.Context, kind string) {
	m.TranscriptionErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}
