package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for VaultStream spans.
var (
	AttrContentID   = attribute.Key("vaultstream.content.id")
	AttrPlatform    = attribute.Key("vaultstream.platform")
	AttrQueueItemID = attribute.Key("vaultstream.queue_item.id")
	AttrTargetID    = attribute.Key("vaultstream.target.id")
	AttrRuleID      = attribute.Key("vaultstream.rule.id")
	AttrAttempt     = attribute.Key("vaultstream.attempt")
	AttrSinkKind    = attribute.Key("vaultstream.sink.kind")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API, MCP).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
