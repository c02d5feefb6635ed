package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "querygate"

// StartSessionSpan starts a span covering one streamed query.
func StartSessionSpan(ctx context.Context, userID, transport string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("session.transport", transport),
		),
	)
}

// StartBackendSpan starts a span for one backend call within a dispatch.
func StartBackendSpan(ctx context.Context, backendID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "backend",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("backend.id", backendID)),
	)
}

// StartConfirmationSpan starts a span for resolving a confirmation.
func StartConfirmationSpan(ctx context.Context, confirmationID, verb string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "confirmation",
		trace.WithAttributes(
			attribute.String("confirmation.id", confirmationID),
			attribute.String("confirmation.verb", verb),
		),
	)
}
