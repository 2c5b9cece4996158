// Package observability holds the tracing helpers shared by the stage
// executor, the provider transports and the tool loop.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/kadirpekel/thalamus"

// Span names used across the controller. Keeping them in one place makes
// traces greppable.
const (
	SpanTurn      = "turn.execute"
	SpanStage     = "stage.run"
	SpanLLMStream = "llm.stream"
	SpanToolCall  = "tool.call"
)

// Tracer returns the process tracer. With no SDK installed this is a
// no-op tracer, so call sites never need to guard.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
