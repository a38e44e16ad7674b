package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all VoxBridge spans.
const tracerName = "github.com/voxbridge/voxbridge"

// callIDKey carries the call being worked on through a context.
type callIDKey struct{}

// Tracer returns the package-level [trace.Tracer], backed by the globally
// registered provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CallSpan starts a span for work on one call, tagging it with the call ID
// and stashing the ID in the context so [Logger] picks it up downstream.
// Webhook dispatch and the recap pipeline are the main callers.
func CallSpan(ctx context.Context, name, callID string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, callIDKey{}, callID)
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attribute.String("call.id", callID)),
	)
}

// ContextCallID returns the call ID stashed by [CallSpan], or "".
func ContextCallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}

// CorrelationID extracts the active trace ID from ctx, or "". It is the
// correlation identifier mirrored into logs and the X-Correlation-ID header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default [slog.Logger] enriched with trace_id, span_id
// and call_id from ctx, so every line written while handling a call event
// can be joined back to the call and the trace.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if id := ContextCallID(ctx); id != "" {
		l = l.With(slog.String("call_id", id))
	}
	return l
}
