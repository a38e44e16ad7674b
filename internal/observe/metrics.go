// Package observe provides application-wide observability primitives for
// VoxBridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all VoxBridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the call server.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// InferenceConnectDuration tracks realtime session establishment latency.
	InferenceConnectDuration metric.Float64Histogram

	// SummarizeDuration tracks recap LLM completion latency.
	SummarizeDuration metric.Float64Histogram

	// BridgeSessionDuration tracks the lifetime of audio bridge sessions.
	BridgeSessionDuration metric.Float64Histogram

	// --- Counters ---

	// WebhookEvents counts carrier webhook deliveries. Use with attributes:
	//   attribute.String("event_type", ...), attribute.String("status", ...)
	WebhookEvents metric.Int64Counter

	// FramesForwarded counts audio frames moved between legs. Use with:
	//   attribute.String("direction", "carrier_to_inference" | "inference_to_carrier")
	FramesForwarded metric.Int64Counter

	// FramesDropped counts frames shed by backpressure. Use with:
	//   attribute.String("leg", ...)
	FramesDropped metric.Int64Counter

	// CarrierRequests counts carrier control API calls. Use with:
	//   attribute.String("action", ...), attribute.String("status", ...)
	CarrierRequests metric.Int64Counter

	// RecapOutcomes counts recap pipeline terminal results. Use with:
	//   attribute.String("status", ...)
	RecapOutcomes metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveCalls tracks calls between initiation and the ended webhook.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets covers call lifetimes from seconds to half an hour.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.InferenceConnectDuration, err = m.Float64Histogram("voxbridge.inference.connect.duration",
		metric.WithDescription("Latency of realtime session establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SummarizeDuration, err = m.Float64Histogram("voxbridge.recap.summarize.duration",
		metric.WithDescription("Latency of recap LLM completions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BridgeSessionDuration, err = m.Float64Histogram("voxbridge.bridge.session.duration",
		metric.WithDescription("Lifetime of audio bridge sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.WebhookEvents, err = m.Int64Counter("voxbridge.webhook.events",
		metric.WithDescription("Carrier webhook deliveries by event type and handling status."),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("voxbridge.bridge.frames.forwarded",
		metric.WithDescription("Audio frames forwarded between call legs by direction."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxbridge.bridge.frames.dropped",
		metric.WithDescription("Audio frames shed by backpressure by leg."),
	); err != nil {
		return nil, err
	}
	if met.CarrierRequests, err = m.Int64Counter("voxbridge.carrier.requests",
		metric.WithDescription("Carrier control API calls by action and status."),
	); err != nil {
		return nil, err
	}
	if met.RecapOutcomes, err = m.Int64Counter("voxbridge.recap.outcomes",
		metric.WithDescription("Recap pipeline results by terminal status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxbridge.active_calls",
		metric.WithDescription("Number of calls between initiation and hangup."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
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

// RecordWebhookEvent records a carrier webhook delivery with the standard
// attribute set.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, eventType, status string) {
	m.WebhookEvents.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("event_type", eventType),
			attribute.String("status", status),
		),
	)
}

// RecordFramesForwarded records a batch of forwarded audio frames.
func (m *Metrics) RecordFramesForwarded(ctx context.Context, direction string, n int64) {
	m.FramesForwarded.Add(ctx, n,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordFramesDropped records frames shed by the backpressure queue.
func (m *Metrics) RecordFramesDropped(ctx context.Context, leg string, n int64) {
	m.FramesDropped.Add(ctx, n,
		metric.WithAttributes(attribute.String("leg", leg)),
	)
}

// RecordCarrierRequest records a carrier control API call.
func (m *Metrics) RecordCarrierRequest(ctx context.Context, action, status string) {
	m.CarrierRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("action", action),
			attribute.String("status", status),
		),
	)
}

// RecordRecapOutcome records a recap pipeline terminal status.
func (m *Metrics) RecordRecapOutcome(ctx context.Context, status string) {
	m.RecapOutcomes.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
