package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies the gateway's instrumentation scope on every span.
const scopeName = "github.com/pearl-project/pearl"

// Tracer returns the gateway tracer backed by the globally registered
// [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan opens a span named name under the gateway tracer. The caller
// owns the returned span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the identifier that ties a proxied request across
// logs, spans, transcripts, and the X-Correlation-ID response header. It is
// the active trace ID, or "" outside a recorded trace.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default slog logger annotated with the trace and span
// IDs from ctx, so per-request log lines land next to their span. With no
// span in ctx it returns the plain default logger.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
