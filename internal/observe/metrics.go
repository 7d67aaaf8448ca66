// Package observe provides application-wide observability primitives for
// Pearl: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Pearl metrics.
const meterName = "github.com/pearl-project/pearl"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// PipelineDuration tracks end-to-end request latency from admission to
	// terminal chunk delivery.
	PipelineDuration metric.Float64Histogram

	// BackendDuration tracks upstream completion latency per backend call.
	BackendDuration metric.Float64Histogram

	// RetrievalDuration tracks memory retrieval latency.
	RetrievalDuration metric.Float64Histogram

	// --- Counters ---

	// Requests counts admitted requests. Use with attributes:
	//   attribute.String("rule", ...), attribute.String("account", ...), attribute.String("status", ...)
	Requests metric.Int64Counter

	// BlockedRequests counts requests refused by the injection detector.
	// Use with attribute: attribute.String("severity", ...)
	BlockedRequests metric.Int64Counter

	// FallbackDispatches counts redispatches to a rule's fallback account.
	FallbackDispatches metric.Int64Counter

	// Tokens counts tokens consumed. Use with attributes:
	//   attribute.String("account", ...), attribute.String("direction", "prompt"|"completion")
	Tokens metric.Int64Counter

	// CostUSD accumulates priced spend per account.
	CostUSD metric.Float64Counter

	// --- Error counters ---

	// BackendErrors counts upstream failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("category", ...)
	BackendErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveStreams tracks the number of in-flight streamed responses.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets cover slow first-token latencies on large models.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.PipelineDuration, err = m.Float64Histogram("pearl.pipeline.duration",
		metric.WithDescription("End-to-end request latency from admission to terminal chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendDuration, err = m.Float64Histogram("pearl.backend.duration",
		metric.WithDescription("Upstream completion latency per backend call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RetrievalDuration, err = m.Float64Histogram("pearl.retrieval.duration",
		metric.WithDescription("Memory retrieval latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Requests, err = m.Int64Counter("pearl.requests",
		metric.WithDescription("Total admitted requests by rule, account, and status."),
	); err != nil {
		return nil, err
	}
	if met.BlockedRequests, err = m.Int64Counter("pearl.requests.blocked",
		metric.WithDescription("Total requests refused by the injection detector, by severity."),
	); err != nil {
		return nil, err
	}
	if met.FallbackDispatches, err = m.Int64Counter("pearl.dispatch.fallbacks",
		metric.WithDescription("Total redispatches to a rule's fallback account."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("pearl.tokens",
		metric.WithDescription("Total tokens consumed by account and direction."),
	); err != nil {
		return nil, err
	}
	if met.CostUSD, err = m.Float64Counter("pearl.cost.usd",
		metric.WithDescription("Accumulated priced spend per account."),
		metric.WithUnit("{usd}"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.BackendErrors, err = m.Int64Counter("pearl.backend.errors",
		metric.WithDescription("Total upstream failures by provider and category."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveStreams, err = m.Int64UpDownCounter("pearl.active_streams",
		metric.WithDescription("Number of in-flight streamed responses."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("pearl.http.request.duration",
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

// RecordRequest is a convenience method that records a completed request
// with the standard attribute set.
func (m *Metrics) RecordRequest(ctx context.Context, rule, account, status string) {
	m.Requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("rule", rule),
			attribute.String("account", account),
			attribute.String("status", status),
		),
	)
}

// RecordBlocked is a convenience method that records a blocked request.
func (m *Metrics) RecordBlocked(ctx context.Context, severity string) {
	m.BlockedRequests.Add(ctx, 1,
		metric.WithAttributes(attribute.String("severity", severity)),
	)
}

// RecordBackendError is a convenience method that records an upstream
// failure counter increment.
func (m *Metrics) RecordBackendError(ctx context.Context, provider, category string) {
	m.BackendErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("category", category),
		),
	)
}

// RecordUsage is a convenience method that records token consumption and
// priced spend for one completed request.
func (m *Metrics) RecordUsage(ctx context.Context, account string, promptTokens, completionTokens int, costUSD float64) {
	acct := metric.WithAttributes(attribute.String("account", account))
	m.Tokens.Add(ctx, int64(promptTokens),
		metric.WithAttributes(
			attribute.String("account", account),
			attribute.String("direction", "prompt"),
		),
	)
	m.Tokens.Add(ctx, int64(completionTokens),
		metric.WithAttributes(
			attribute.String("account", account),
			attribute.String("direction", "completion"),
		),
	)
	m.CostUSD.Add(ctx, costUSD, acct)
}
