package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/felixgeelhaar/conduit/internal/errors"
)

// StartToolSpan creates a span for one tool execution.
//
//	ctx, span := telemetry.StartToolSpan(ctx, "mcp:fs:read_file", "plugin")
//	defer span.End()
func StartToolSpan(ctx context.Context, tool, source string) (context.Context, trace.Span) {
	tracer := TracerProvider().Tracer("tools")
	ctx, span := tracer.Start(ctx, "tool.execute", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("tool.name", tool),
		attribute.String("tool.source", source),
		attribute.String("component", "tools"),
	)
	return ctx, span
}

// StartPluginSpan creates a span for a plugin lifecycle operation such as
// start or stop.
func StartPluginSpan(ctx context.Context, pluginID, operation string) (context.Context, trace.Span) {
	tracer := TracerProvider().Tracer("plugins")
	ctx, span := tracer.Start(ctx, "plugin."+operation)
	span.SetAttributes(
		attribute.String("plugin.id", pluginID),
		attribute.String("component", "plugin"),
	)
	return ctx, span
}

// StartTurnSpan creates the parent span of one conversation turn.
func StartTurnSpan(ctx context.Context, turnID string) (context.Context, trace.Span) {
	tracer := TracerProvider().Tracer("agent")
	ctx, span := tracer.Start(ctx, "agent.turn")
	span.SetAttributes(
		attribute.String("turn.id", turnID),
		attribute.String("component", "agent"),
	)
	return ctx, span
}

// StartModelSpan creates a span for one model request (detect or stream).
func StartModelSpan(ctx context.Context, model, operation string) (context.Context, trace.Span) {
	tracer := TracerProvider().Tracer("llm")
	ctx, span := tracer.Start(ctx, "llm."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.String("component", "llm"),
	)
	return ctx, span
}

// RecordSuccess marks a span as successful with optional result attributes.
func RecordSuccess(span trace.Span, attrs ...attribute.KeyValue) {
	span.SetAttributes(attrs...)
	span.SetStatus(codes.Ok, "")
}

// RecordError records err on the span and sets error status. The conduit
// error code, when there is one, is added as an attribute.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if code := errors.CodeOf(err); code != "" {
		span.SetAttributes(attribute.String("error.code", string(code)))
	}
}

// End records the outcome of err and the elapsed time, then ends the span.
//
//	start := time.Now()
//	defer func() { telemetry.End(span, err, start) }()
func End(span trace.Span, err error, start time.Time) {
	span.SetAttributes(attribute.Int64("duration_ms", time.Since(start).Milliseconds()))
	if err != nil {
		RecordError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
