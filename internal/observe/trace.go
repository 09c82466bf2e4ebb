package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the relay tracer.
const tracerName = "github.com/MrWong99/callrelay"

// Tracer returns the package-level [trace.Tracer] for the relay. It uses the
// globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span and returns the updated context and span. The
// caller must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
// The HTTP middleware echoes it in the X-Correlation-ID response header.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with trace_id and span_id from
// the OTel span context in ctx. When no active span is present, the returned
// logger is the default slog logger without extra attributes.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// StartConnSpan starts a span covering one WebSocket connection. endpoint is
// "call" or "presence"; callID is omitted from the attributes when zero.
// The returned logger carries the same identifiers plus trace_id.
func StartConnSpan(ctx context.Context, endpoint string, userID, callID int64) (context.Context, trace.Span, *slog.Logger) {
	attrs := []attribute.KeyValue{
		attribute.String("callrelay.endpoint", endpoint),
		attribute.Int64("callrelay.user_id", userID),
	}
	if callID != 0 {
		attrs = append(attrs, attribute.Int64("callrelay.call_id", callID))
	}
	ctx, span := StartSpan(ctx, endpoint+".session",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)

	l := Logger(ctx).With("endpoint", endpoint, "user_id", userID)
	if callID != 0 {
		l = l.With("call_id", callID)
	}
	return ctx, span, l
}
