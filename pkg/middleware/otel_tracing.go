package middleware

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hyp3rd/signalrelay/internal/telemetry/attrs"
	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/router"
)

// OTelTracingMiddleware wraps router.Service calls with OpenTelemetry spans.
type OTelTracingMiddleware struct {
	next   router.Service
	tracer trace.Tracer
	// static attributes applied to all spans
	commonAttrs []attribute.KeyValue
}

// OTelTracingOption allows configuring the tracing middleware.
type OTelTracingOption func(*OTelTracingMiddleware)

// WithCommonAttributes sets attributes applied to all spans.
func WithCommonAttributes(attributes ...attribute.KeyValue) OTelTracingOption {
	return func(m *OTelTracingMiddleware) { m.commonAttrs = append(m.commonAttrs, attributes...) }
}

// NewOTelTracingMiddleware creates a tracing middleware.
func NewOTelTracingMiddleware(next router.Service, tracer trace.Tracer, opts ...OTelTracingOption) router.Service {
	mw := &OTelTracingMiddleware{next: next, tracer: tracer}
	for _, o := range opts {
		o(mw)
	}

	return mw
}

// Route implements router.Service with tracing.
func (mw OTelTracingMiddleware) Route(ctx context.Context, msg message.Message) (router.Outcome, error) {
	ctx, span := mw.startSpan(ctx, "signalrelay.Route", msg)
	defer span.End()

	outcome, err := mw.next.Route(ctx, msg)
	mw.finish(span, outcome, err)

	return outcome, err
}

// Dispatch implements router.Service with tracing.
func (mw OTelTracingMiddleware) Dispatch(ctx context.Context, from *registry.Client, msg message.Message) (router.Outcome, error) {
	ctx, span := mw.startSpan(ctx, "signalrelay.Dispatch", msg)
	defer span.End()

	outcome, err := mw.next.Dispatch(ctx, from, msg)
	mw.finish(span, outcome, err)

	return outcome, err
}

func (OTelTracingMiddleware) finish(span trace.Span, outcome router.Outcome, err error) {
	span.SetAttributes(attribute.String(attrs.AttrOutcome, outcome.String()))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// startSpan starts a span with common and envelope attributes. Identities stay out of
// span attributes.
func (mw OTelTracingMiddleware) startSpan(ctx context.Context, name string, msg message.Message) (context.Context, trace.Span) {
	ctx, span := mw.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	if len(mw.commonAttrs) > 0 {
		span.SetAttributes(mw.commonAttrs...)
	}

	span.SetAttributes(
		attribute.String(attrs.AttrMessageType, msg.Type.String()),
		attribute.Int(attrs.AttrPayloadLength, len(msg.Payload)),
		attribute.Bool(attrs.AttrHasDestination, msg.Dst != ""),
	)

	return ctx, span
}
