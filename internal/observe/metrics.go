// Package observe carries Voxloop's observability plumbing: OpenTelemetry
// metrics and tracing, structured logging and the HTTP middleware gluing
// them together.
//
// Metrics go through the OTel Metrics API; [InitProvider] bridges them to a
// Prometheus exporter so the usual /metrics scrape keeps working. Production
// code can share [DefaultMetrics]; tests should build their own [Metrics]
// via [NewMetrics] with a private [metric.MeterProvider] so runs stay
// isolated.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for every Voxloop instrument.
const meterName = "github.com/voxloop/voxloop"

// latencyBuckets are histogram boundaries in seconds, tuned for
// voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// Metrics bundles every instrument the application records. The OTel types
// synchronise themselves, so the struct is safe to share.
type Metrics struct {
	// stage latency histograms
	STTDuration           metric.Float64Histogram // speech-to-text latency
	LLMDuration           metric.Float64Histogram // LLM inference latency, tool rounds included
	TTSDuration           metric.Float64Histogram // synthesis latency
	TurnDuration          metric.Float64Histogram // user input to last audio chunk
	ToolExecutionDuration metric.Float64Histogram // tool execution latency

	// ProviderRequests counts provider API calls, attributed by provider,
	// kind and status.
	ProviderRequests metric.Int64Counter

	// ToolCalls counts tool invocations, attributed by tool and status.
	ToolCalls metric.Int64Counter

	// Turns counts terminal turns, attributed by reason: "completed",
	// "interrupted" or "errored".
	Turns metric.Int64Counter

	// AudioChunks counts synthesised audio chunks delivered to callers.
	AudioChunks metric.Int64Counter

	// ProviderErrors counts provider failures by provider and kind.
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks request handling time, attributed by
	// method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics builds every instrument on the given provider. The first
// instrument-creation failure aborts with that error.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	var firstErr error

	latency := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return h
	}
	count := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return c
	}

	m := &Metrics{
		STTDuration:           latency("voxloop.stt.duration", "Latency of speech-to-text transcription."),
		LLMDuration:           latency("voxloop.llm.duration", "Latency of LLM inference including tool rounds."),
		TTSDuration:           latency("voxloop.tts.duration", "Latency of text-to-speech synthesis."),
		TurnDuration:          latency("voxloop.turn.duration", "End-to-end turn latency from user input to last audio chunk."),
		ToolExecutionDuration: latency("voxloop.tool_execution.duration", "Latency of tool execution."),

		ProviderRequests: count("voxloop.provider.requests", "Total provider API requests by provider, kind, and status."),
		ToolCalls:        count("voxloop.tool.calls", "Total tool invocations by tool name and status."),
		Turns:            count("voxloop.turns", "Total terminal turns by end reason."),
		AudioChunks:      count("voxloop.audio.chunks", "Total synthesised audio chunks delivered."),
		ProviderErrors:   count("voxloop.provider.errors", "Total provider errors by provider and kind."),
	}

	var err error
	if m.ActiveSessions, err = meter.Int64UpDownCounter("voxloop.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.HTTPRequestDuration, err = meter.Float64Histogram("voxloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		return nil, firstErr
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the shared package-level [Metrics], built on first
// call from [otel.GetMeterProvider]. Instrument creation never fails on the
// global provider; if it somehow does, this panics.
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

// Attr shortens attribute.String at call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest bumps ProviderRequests with the standard attribute
// set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordToolCall bumps ToolCalls for one invocation.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTurn bumps Turns with its end reason ("completed", "interrupted" or
// "errored").
func (m *Metrics) RecordTurn(ctx context.Context, reason string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordProviderError bumps ProviderErrors for one failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
