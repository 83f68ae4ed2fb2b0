package boxlite

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// newTracerProvider builds a batched OTLP/gRPC tracer provider and installs
// it as otel's global provider when cfg.TraceEndpoint is set. Unset leaves
// tracing a no-op (otel's default no-op tracer), matching the ambient
// "metrics are free, tracing is opt-in" posture most embeddable libraries
// take. The runtime itself starts no spans; only code that obtains a tracer
// from the global provider reports to the collector.
func newTracerProvider(ctx context.Context, cfg RuntimeConfig) (trace.TracerProvider, func(context.Context) error, error) {
	if cfg.TraceEndpoint == "" {
		return trace.NewNoopTracerProvider(), func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.TraceEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("boxlite: init otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", "boxlite"),
	))
	if err != nil {
		return nil, nil, fmt.Errorf("boxlite: build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown, nil
}
