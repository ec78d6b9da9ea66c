package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for core spans.
var (
	AttrTaskID     = attribute.Key("agentcored.task.id")
	AttrContextID  = attribute.Key("agentcored.context.id")
	AttrSessionID  = attribute.Key("agentcored.session.id")
	AttrResourceID = attribute.Key("agentcored.lock.resource")
	AttrBackupID   = attribute.Key("agentcored.backup.id")
	AttrStrategy   = attribute.Key("agentcored.conflict.strategy")
)

// Tracer returns the core tracer from the globally registered provider. Init
// registers the real provider; before that this is a no-op tracer.
func Tracer() trace.Tracer {
	return otel.GetTracerProvider().Tracer(TracerName)
}

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
