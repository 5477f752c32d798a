package observability

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/Mindburn-Labs/agentwallet"

type meters struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// Instruments from the global meter follow a provider installed later, so
// they are built once per process.
var loadMeters = sync.OnceValue(func() meters {
	m := otel.Meter(scope)
	var ms meters
	ms.calls, _ = m.Int64Counter("agentwallet.calls",
		metric.WithDescription("Wallet operations started"),
		metric.WithUnit("{call}"))
	ms.failures, _ = m.Int64Counter("agentwallet.failures",
		metric.WithDescription("Wallet operations that returned an error"),
		metric.WithUnit("{call}"))
	ms.latency, _ = m.Float64Histogram("agentwallet.latency",
		metric.WithDescription("Wallet operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.25, 1, 5, 15, 60))
	return ms
})

// Track opens a span named after the operation and counts the call. The
// returned func closes the span and marks it failed when err is non-nil.
func Track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(err error)) {
	began := time.Now()
	ctx, span := otel.Tracer(scope).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...))

	ms := loadMeters()
	set := metric.WithAttributes(append([]attribute.KeyValue{attribute.String("op", name)}, attrs...)...)
	if ms.calls != nil {
		ms.calls.Add(ctx, 1, set)
	}
	return ctx, func(err error) {
		defer span.End()
		if ms.latency != nil {
			ms.latency.Record(ctx, time.Since(began).Seconds(), set)
		}
		if err == nil {
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ms.failures != nil {
			ms.failures.Add(ctx, 1, set)
		}
	}
}
