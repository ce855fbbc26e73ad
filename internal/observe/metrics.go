// Package observe provides application-wide observability primitives for
// vibecanvas: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all vibecanvas metrics.
const meterName = "github.com/MrWong99/vibecanvas"

// Reasons attached to [Metrics.EventsDropped].
const (
	DropStale   = "stale"
	DropInvalid  = "invalid"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Session controller ---

	// EventsProcessed counts transcription events applied to session state.
	// Use with attributes:
	//   attribute.String("role", ...), attribute.Bool("final", ...)
	EventsProcessed metric.Int64Counter

	// EventsDropped counts events discarded before touching session state.
	// Use with attribute:
	//   attribute.String("reason", DropStale|DropInvalid)
	EventsDropped metric.Int64Counter

	// TranscriptEntries counts transcript entries appended, by role.
	TranscriptEntries metric.Int64Counter

	// ArtifactsCreated counts code artifacts extracted from final agent events.
	ArtifactsCreated metric.Int64Counter

	// GenerationDuration tracks how long the agent stayed in the generating
	// state. Use with attribute:
	//   attribute.String("outcome", "final"|"timeout"|"reset")
	GenerationDuration metric.Float64Histogram

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- Outbound collaborators ---

	// ProviderRequests counts calls to external services. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderDuration tracks latency of calls to external services.
	ProviderDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for calls
// to the agent platform and paste service.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// generationBuckets covers how long a document takes to stream in.
var generationBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 13, 21, 34, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.EventsProcessed, err = m.Int64Counter("vibecanvas.session.events",
		metric.WithDescription("Transcription events applied to session state by role and finality."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("vibecanvas.session.events_dropped",
		metric.WithDescription("Transcription events discarded before reaching session state."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("vibecanvas.session.transcript_entries",
		metric.WithDescription("Transcript entries appended by role."),
	); err != nil {
		return nil, err
	}
	if met.ArtifactsCreated, err = m.Int64Counter("vibecanvas.session.artifacts",
		metric.WithDescription("Code artifacts extracted from final agent events."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("vibecanvas.provider.requests",
		metric.WithDescription("Calls to external services by provider, operation, and status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("vibecanvas.session.generation.duration",
		metric.WithDescription("Time spent in the generating state."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(generationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("vibecanvas.provider.duration",
		metric.WithDescription("Latency of calls to external services."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vibecanvas.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("vibecanvas.http.request.duration",
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvent records one applied transcription event.
func (m *Metrics) RecordEvent(ctx context.Context, role string, final bool) {
	m.EventsProcessed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("role", role),
			attribute.Bool("final", final),
		),
	)
}

// RecordDropped records one discarded event.
func (m *Metrics) RecordDropped(ctx context.Context, reason string) {
	m.EventsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTranscriptEntry records one appended transcript entry.
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, role string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordArtifacts records n new artifacts.
func (m *Metrics) RecordArtifacts(ctx context.Context, n int) {
	m.ArtifactsCreated.Add(ctx, int64(n))
}

// RecordGeneration records the length of one generating period.
func (m *Metrics) RecordGeneration(ctx context.Context, seconds float64, outcome string) {
	m.GenerationDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordProviderRequest records one call to an external service together
// with its latency.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("op", op),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.ProviderDuration.Record(ctx, seconds, attrs)
}
