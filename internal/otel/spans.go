package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for control plane spans.
var (
	AttrAgentID     = attribute.Key("ctlplane.agent.id")
	AttrTaskID      = attribute.Key("ctlplane.task.id")
	AttrActionType  = attribute.Key("ctlplane.action.type")
	AttrRiskLevel   = attribute.Key("ctlplane.risk.level")
	AttrAttempt     = attribute.Key("ctlplane.assign.attempt")
	AttrOwnerID     = attribute.Key("ctlplane.owner.id")
	AttrScheduleID  = attribute.Key("ctlplane.schedule.id")
	AttrWebhookKind = attribute.Key("ctlplane.webhook.event")
	AttrSessionID   = attribute.Key("ctlplane.session.id")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway HTTP/WS handshake).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (agent envelope delivery, webhook dispatch).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
