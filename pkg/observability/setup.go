// Package observability exports spans and metrics over OTLP. Components call
// Track unconditionally; until Setup installs SDK providers the global otel
// providers discard everything.
package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options selects the exporter target and identifies this process.
type Options struct {
	Service  string
	Version  string
	Network  string
	Endpoint string // OTLP gRPC host:port; empty disables export
	// TraceRatio is the fraction of root spans kept, clamped to [0,1].
	TraceRatio float64
	Insecure   bool
}

// ShutdownFunc flushes pending telemetry.
type ShutdownFunc func(context.Context) error

func noop(context.Context) error { return nil }

// Setup installs global trace and meter providers for o. Without an endpoint
// it installs nothing and returns a no-op shutdown.
func Setup(ctx context.Context, o Options) (ShutdownFunc, error) {
	if o.Endpoint == "" {
		return noop, nil
	}
	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(semconv.SchemaURL,
		semconv.ServiceName(o.Service),
		semconv.ServiceVersion(o.Version),
		semconv.DeploymentEnvironment(o.Network),
	))
	if err != nil {
		return nil, fmt.Errorf("observability: resource: %w", err)
	}

	spans, err := spanExporter(ctx, o)
	if err != nil {
		return nil, err
	}
	points, err := metricExporter(ctx, o)
	if err != nil {
		_ = spans.Shutdown(ctx)
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(o.TraceRatio))),
		sdktrace.WithBatcher(spans, sdktrace.WithBatchTimeout(5*time.Second)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(points, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	slog.Default().With("component", "observability").DebugContext(ctx, "telemetry export enabled",
		"endpoint", o.Endpoint, "network", o.Network, "trace_ratio", o.TraceRatio)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio >= 1:
		return sdktrace.AlwaysSample()
	case ratio <= 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(ratio)
}

func spanExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: span exporter: %w", err)
	}
	return exp, nil
}

func metricExporter(ctx context.Context, o Options) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exp, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("observability: metric exporter: %w", err)
	}
	return exp, nil
}
