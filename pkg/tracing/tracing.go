// Package tracing holds the process-wide tracer. When no tracer has
// been set (tracing disabled), StartSpan degrades to a no-op so callers
// never branch on configuration.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer installs the tracer used by StartSpan. Called once from main.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// StartSpan starts a span named after the calling operation. The caller
// must end the returned span.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// GetTraceID returns the active trace id, or "" when not tracing
func GetTraceID(ctx context.Context) string {
	if tracer == nil {
		return ""
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}
