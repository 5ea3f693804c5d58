package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new internal span with the given name and attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan creates a new client span (for outgoing requests).
func StartClientSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// SetSpanError marks the span as errored.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful.
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for agent spans.
var (
	AttrBatchID       = attribute.Key("nuscape.batch.id")
	AttrBatchSessions = attribute.Key("nuscape.batch.sessions")
	AttrChunkIndex    = attribute.Key("nuscape.chunk.index")
	AttrChunkCount    = attribute.Key("nuscape.chunk.count")
	AttrQueueDepth    = attribute.Key("nuscape.queue.depth")
	AttrFailureReason = attribute.Key("nuscape.failure_reason")
	AttrUploaded      = attribute.Key("nuscape.uploaded_batches")
)
