package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Voxloop tracer.
const tracerName = "github.com/voxloop/voxloop"

// Tracer returns the tracer every Voxloop span is started from. It resolves
// the globally registered [trace.TracerProvider], so spans are recorded (or
// not) according to whatever [InitProvider] set up.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the Voxloop tracer. Pipeline stages wrap each
// provider call in one — "stt.finalize", "llm.generate", "tts.synthesize" —
// so a conversational turn reads as one trace tree from the user's last word
// to the bot's first audio chunk. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// SpanTurn tags a span with the conversational turn it serves. A barge-in
// leaves such spans ended by cancellation, which is exactly how an
// interrupted turn should look in the trace.
func SpanTurn(turnID string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("voxloop.turn", turnID))
}

// CorrelationID extracts the trace ID from the OTel span context in ctx, or
// the empty string when no recording span is active. The trace ID doubles as
// the correlation identifier in session logs and on the debug HTTP surface,
// so a log line, a trace, and a /healthz probe can be tied together.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns an [slog.Logger] enriched with the trace_id and span_id of
// the active span, matching the session_id-scoped loggers the pipeline hands
// around. Without an active span it is just the default logger.
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
