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

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "voxloop".
	ServiceName string

	// ServiceVersion is the service version reported in telemetry.
	ServiceVersion string

	// TraceExporter is an optional span exporter. When nil, spans are still
	// recorded (so correlation IDs and log enrichment work) but never leave
	// the process. Production deployments plug in an OTLP exporter here.
	TraceExporter sdktrace.SpanExporter
}

// InitProvider wires up the global OTel meter and tracer providers. Metrics
// flow through a Prometheus exporter so the /metrics endpoint serves both the
// native Prometheus collectors and OTel instruments from one registry.
//
// The returned shutdown function flushes and closes every provider; call it
// in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "voxloop"
	}

	res, err := serviceResource(cfg)
	if err != nil {
		return nil, err
	}

	var closers []func(context.Context) error

	mp, err := newMeterProvider(res)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(mp)
	closers = append(closers, mp.Shutdown)

	tp := newTracerProvider(res, cfg.TraceExporter)
	otel.SetTracerProvider(tp)
	closers = append(closers, tp.Shutdown)

	return func(ctx context.Context) error {
		var errs []error
		for _, fn := range closers {
			errs = append(errs, fn(ctx))
		}
		return errors.Join(errs...)
	}, nil
}

func serviceResource(cfg ProviderConfig) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
}

func newMeterProvider(res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exp, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exp),
	), nil
}

func newTracerProvider(res *resource.Resource, exp sdktrace.SpanExporter) *sdktrace.TracerProvider {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exp != nil {
		opts = append(opts, sdktrace.WithBatcher(exp))
	}
	return sdktrace.NewTracerProvider(opts...)
}
