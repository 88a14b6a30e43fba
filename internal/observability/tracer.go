package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a span for an outgoing call
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartServerSpan creates a span for an incoming call
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}

// Attribute keys for quasar spans
var (
	AttrSessionID  = attribute.Key("quasar.session.id")
	AttrTaskID     = attribute.Key("quasar.task.id")
	AttrTaskCount  = attribute.Key("quasar.task.count")
	AttrResultKey  = attribute.Key("quasar.result.key")
	AttrChunkSize  = attribute.Key("quasar.chunk.max_size")
	AttrFrames     = attribute.Key("quasar.frames")
	AttrBytes      = attribute.Key("quasar.bytes")
	AttrErrorClass = attribute.Key("quasar.error.class")
	AttrHandler    = attribute.Key("quasar.handler")
)
