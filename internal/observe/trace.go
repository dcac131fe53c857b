package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all voxloop spans.
const tracerName = "github.com/voxloop/voxloop"

// Tracer returns the voxloop [trace.Tracer] from the globally registered
// provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the voxloop tracer. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID returns the active trace ID, or "" when ctx carries no valid
// span. The trace ID doubles as the request correlation identifier exposed in
// the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id and
// span_id when ctx carries an active span, so log lines can be joined with
// traces after the fact.
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
