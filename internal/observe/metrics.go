// Package observe provides application-wide observability primitives for
// hiyori: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all hiyori metrics.
const meterName = "github.com/MrWong99/hiyori"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Completion ---

	// CompletionDuration tracks the wall time of a completion stream from
	// request to last chunk. Use with attribute.String("status", ...).
	CompletionDuration metric.Float64Histogram

	// CompletionFirstSentence tracks the time from request to the first
	// emitted sentence.
	CompletionFirstSentence metric.Float64Histogram

	// Sentences counts sentences emitted by the segmenter.
	Sentences metric.Int64Counter

	// ActiveStreams tracks completion streams currently in flight.
	ActiveStreams metric.Int64UpDownCounter

	// --- Speech ---

	// SynthesisDuration tracks remote text-to-speech latency.
	SynthesisDuration metric.Float64Histogram

	// Utterances counts utterances played by the speech queue. Use with
	// attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	Utterances metric.Int64Counter

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Peers ---

	// RendererConnections tracks connected renderer peers (0 or 1).
	RendererConnections metric.Int64UpDownCounter

	// EventSubscribers tracks open server-sent-event streams.
	EventSubscribers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// streamed chat and speech latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CompletionDuration, err = m.Float64Histogram("hiyori.completion.duration",
		metric.WithDescription("Duration of a streamed chat completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CompletionFirstSentence, err = m.Float64Histogram("hiyori.completion.first_sentence",
		metric.WithDescription("Time from request to the first complete sentence."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SynthesisDuration, err = m.Float64Histogram("hiyori.speech.synthesis.duration",
		metric.WithDescription("Latency of remote text-to-speech synthesis."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sentences, err = m.Int64Counter("hiyori.completion.sentences",
		metric.WithDescription("Total sentences emitted by completion streams."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("hiyori.speech.utterances",
		metric.WithDescription("Total utterances by speech backend and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("hiyori.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("hiyori.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("hiyori.completion.active",
		metric.WithDescription("Number of completion streams in flight."),
	); err != nil {
		return nil, err
	}
	if met.RendererConnections, err = m.Int64UpDownCounter("hiyori.avatar.connections",
		metric.WithDescription("Number of connected renderer peers."),
	); err != nil {
		return nil, err
	}
	if met.EventSubscribers, err = m.Int64UpDownCounter("hiyori.api.event_subscribers",
		metric.WithDescription("Number of open server-sent-event streams."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("hiyori.http.request.duration",
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

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
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

// RecordUtterance records one played (or failed) utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, backend, status string) {
	m.Utterances.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordCompletion records the duration of a finished completion stream.
// status is one of "ok", "error" or "cancelled".
func (m *Metrics) RecordCompletion(ctx context.Context, seconds float64, status string) {
	m.CompletionDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
