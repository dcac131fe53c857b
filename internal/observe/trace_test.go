package observe

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// spanRecorder installs an in-memory exporter so tests can inspect spans.
func spanRecorder(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

func isHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without a span = %q, want empty", got)
	}

	tp, _ := spanRecorder(t)
	tracer := tp.Tracer("observe_test")

	seen := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := tracer.Start(context.Background(), "turn.llm")
		cid := CorrelationID(ctx)
		span.End()

		if len(cid) != 32 || !isHex(cid) {
			t.Fatalf("correlation ID %q is not a 32-char hex trace ID", cid)
		}
		if _, dup := seen[cid]; dup {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestStartSpanUsesGlobalProvider(t *testing.T) {
	tp, exp := spanRecorder(t)

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "turn.tts")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan produced a context without a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "turn.tts" {
		t.Fatalf("recorded spans = %+v, want one named turn.tts", spans)
	}
}

func TestLoggerCarriesSpanContext(t *testing.T) {
	tp, _ := spanRecorder(t)
	tracer := tp.Tracer("observe_test")

	var buf strings.Builder
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(slog.Default()) })

	ctx, span := tracer.Start(context.Background(), "session.audio")
	defer span.End()

	Logger(ctx).Info("frame accepted")
	out := buf.String()
	if !strings.Contains(out, "trace_id=") || !strings.Contains(out, "span_id=") {
		t.Errorf("log line missing trace context: %s", out)
	}

	buf.Reset()
	Logger(context.Background()).Info("no span here")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log line should carry no trace context: %s", buf.String())
	}
}

func TestTracer(t *testing.T) {
	if Tracer() == nil {
		t.Fatal("Tracer() returned nil")
	}
}
