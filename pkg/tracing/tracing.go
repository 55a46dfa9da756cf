// Package tracing is the service-wide OpenTelemetry entry point. Until Init runs every
// span is a no-op, so packages can trace unconditionally.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a child of the span in ctx. Callers must End the returned span.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// GetTraceID returns the hex trace id, or "" outside a recorded trace.
func GetTraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if tracer == nil || !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}

// GetTraceParent returns the W3C traceparent header for ctx, for propagation over Kafka.
func GetTraceParent(ctx context.Context) string {
	return traceContextHeaders(ctx).Get("traceparent")
}

func GetTraceState(ctx context.Context) string {
	return traceContextHeaders(ctx).Get("tracestate")
}

func traceContextHeaders(ctx context.Context) propagation.MapCarrier {
	carrier := propagation.MapCarrier{}
	if tracer == nil || !trace.SpanContextFromContext(ctx).IsValid() {
		return carrier
	}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier
}
