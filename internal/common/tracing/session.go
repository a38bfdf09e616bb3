package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const sessionTracerName = "clawdeck-session"

func sessionTracer() trace.Tracer {
	return Tracer(sessionTracerName)
}

// TraceSessionSend creates a span covering a full send turn on a session.
func TraceSessionSend(ctx context.Context, sessionID string, resume bool) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.send",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Bool("resume", resume),
	)
	return ctx, span
}

// TraceSessionSpawn creates a span for launching an agent child process.
func TraceSessionSpawn(ctx context.Context, workdir string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "session.spawn",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(attribute.String("workdir", workdir))
	return ctx, span
}

// TracePermissionDecision creates a span for routing a permission decision
// back to the agent.
func TracePermissionDecision(ctx context.Context, sessionID, requestID string, allow bool) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "permission.decision",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("request_id", requestID),
		attribute.Bool("allow", allow),
	)
	return ctx, span
}

// TraceRetryCompanion creates a span for the resume companion used to approve
// a hook-raised prompt.
func TraceRetryCompanion(ctx context.Context, sessionID, toolName string) (context.Context, trace.Span) {
	ctx, span := sessionTracer().Start(ctx, "permission.retry_companion",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("tool_name", toolName),
	)
	return ctx, span
}

// TraceResult records an operation outcome on its span.
func TraceResult(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
