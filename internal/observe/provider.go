package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ProviderConfig configures the gateway's OpenTelemetry providers.
type ProviderConfig struct {
	// ServiceName reported in telemetry. Defaults to "pearl".
	ServiceName string

	// ServiceVersion reported in telemetry.
	ServiceVersion string

	// TraceExporter receives finished spans. Leave nil to keep spans
	// in-process only, which is enough for correlation IDs and trace-aware
	// logging without an OTLP collector.
	TraceExporter sdktrace.SpanExporter

	// SampleRatio is the fraction of traces to record, in (0,1). Zero or
	// any value >= 1 records every trace.
	SampleRatio float64
}

// InitProvider registers the global meter and tracer providers: metrics flow
// through a Prometheus reader scraped at /metrics, traces go to
// cfg.TraceExporter when one is set. The returned shutdown flushes both
// providers; defer it from main.
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	promReader, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promReader),
	)
	otel.SetMeterProvider(mp)

	tp := sdktrace.NewTracerProvider(tracerOptions(cfg, res)...)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(mp.Shutdown(ctx), tp.Shutdown(ctx))
	}, nil
}

func serviceResource(cfg ProviderConfig) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "pearl"
	}
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(name),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func tracerOptions(cfg ProviderConfig, res *resource.Resource) []sdktrace.TracerProviderOption {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.SampleRatio > 0 && cfg.SampleRatio < 1 {
		opts = append(opts, sdktrace.WithSampler(
			sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio)),
		))
	}
	if cfg.TraceExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	return opts
}
