// Package telemetry sets up OpenTelemetry tracing for the gateway. With no
// collector endpoint the global provider stays a no-op and turn spans cost
// nothing.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Config struct {
	// Endpoint is the OTLP/gRPC collector address. Empty disables tracing.
	Endpoint    string
	Insecure    bool
	ServiceName string
	Instance    string
}

// Providers owns the SDK tracer provider. The zero value is a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
}

// Enabled reports whether spans are exported.
func (p *Providers) Enabled() bool { return p != nil && p.tp != nil }

// Init installs a batching OTLP tracer provider as the global provider.
func Init(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.Endpoint == "" {
		return &Providers{}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "vai-speech"
	}

	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceNameKey.String(cfg.ServiceName)),
	}
	if cfg.Instance != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceInstanceIDKey.String(cfg.Instance)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Providers{tp: tp}, nil
}

// Shutdown flushes pending spans. It is safe on a no-op Providers.
func (p *Providers) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.tp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
