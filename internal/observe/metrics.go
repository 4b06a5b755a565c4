// Package observe provides application-wide observability primitives for
// roomscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all roomscribe metrics.
const meterName = "github.com/MrWong99/roomscribe"

// Audio chunk outcomes used with [Metrics.RecordAudioChunk].
const (
	ChunkSent     = "sent"
	ChunkQueued   = "queued"
	ChunkRejected = "rejected"
	ChunkDropped  = "dropped"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Upstream connection ---

	// ConnectDuration tracks how long a single connection attempt took,
	// from dial to open or failure. Use with attribute:
	//   attribute.String("outcome", "success"|"failure")
	ConnectDuration metric.Float64Histogram

	// ConnectionAttempts counts connection attempts. Use with attribute:
	//   attribute.String("outcome", ...)
	ConnectionAttempts metric.Int64Counter

	// Retries counts scheduled retries. Use with attribute:
	//   attribute.String("kind", ...)
	Retries metric.Int64Counter

	// ProviderErrors counts classified provider errors. Use with attribute:
	//   attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Data flow ---

	// Transcripts counts normalized transcript events. Use with attribute:
	//   attribute.String("final", "true"|"false")
	Transcripts metric.Int64Counter

	// AudioChunks counts audio chunks pushed by participants. Use with
	// attribute:
	//   attribute.String("outcome", ChunkSent|ChunkQueued|ChunkRejected|ChunkDropped)
	AudioChunks metric.Int64Counter

	// Broadcasts counts room broadcasts. Use with attribute:
	//   attribute.String("event", ...)
	Broadcasts metric.Int64Counter

	// BreakerTransitions counts provider circuit breaker state changes. Use
	// with attribute:
	//   attribute.String("to", "open"|"half-open"|"closed")
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of sessions in the registry.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveParticipants tracks the number of session memberships across all
	// sessions.
	ActiveParticipants metric.Int64UpDownCounter

	// ActiveConnections tracks the number of live upstream connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// handshake latencies against a remote provider.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("roomscribe.connect.duration",
		metric.WithDescription("Latency of a single upstream connection attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ConnectionAttempts, err = m.Int64Counter("roomscribe.connection.attempts",
		metric.WithDescription("Total upstream connection attempts by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("roomscribe.connection.retries",
		metric.WithDescription("Total scheduled connection retries by error kind."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("roomscribe.provider.errors",
		metric.WithDescription("Total classified provider errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.Transcripts, err = m.Int64Counter("roomscribe.transcripts",
		metric.WithDescription("Total normalized transcript events by finality."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunks, err = m.Int64Counter("roomscribe.audio.chunks",
		metric.WithDescription("Total audio chunks pushed by participants by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Broadcasts, err = m.Int64Counter("roomscribe.broadcasts",
		metric.WithDescription("Total room broadcasts by event name."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("roomscribe.breaker.transitions",
		metric.WithDescription("Provider circuit breaker state changes by target state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("roomscribe.active_sessions",
		metric.WithDescription("Number of sessions with at least one participant."),
	); err != nil {
		return nil, err
	}
	if met.ActiveParticipants, err = m.Int64UpDownCounter("roomscribe.active_participants",
		metric.WithDescription("Number of session memberships across all sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("roomscribe.active_connections",
		metric.WithDescription("Number of live upstream provider connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("roomscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordConnectAttempt records one finished connection attempt.
func (m *Metrics) RecordConnectAttempt(ctx context.Context, success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	attrs := metric.WithAttributes(Attr("outcome", outcome))
	m.ConnectionAttempts.Add(ctx, 1, attrs)
	m.ConnectDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordRetry records a scheduled retry caused by an error of the given kind.
func (m *Metrics) RecordRetry(ctx context.Context, kind string) {
	m.Retries.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, kind string) {
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordTranscript records one normalized transcript event.
func (m *Metrics) RecordTranscript(ctx context.Context, final bool) {
	m.Transcripts.Add(ctx, 1, metric.WithAttributes(Attr("final", strconv.FormatBool(final))))
}

// RecordAudioChunk records one pushed audio chunk with its outcome.
func (m *Metrics) RecordAudioChunk(ctx context.Context, outcome string) {
	m.AudioChunks.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
}

// RecordBroadcast records one room broadcast.
func (m *Metrics) RecordBroadcast(ctx context.Context, event string) {
	m.Broadcasts.Add(ctx, 1, metric.WithAttributes(Attr("event", event)))
}

// RecordBreakerTransition records the provider breaker entering state to.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, to string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(Attr("to", to)))
}
