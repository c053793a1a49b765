package middleware

import (
	"context"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hyp3rd/signalrelay/internal/telemetry/attrs"
	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/router"
)

// OTelMetricsMiddleware emits OpenTelemetry metrics for routing calls.
type OTelMetricsMiddleware struct {
	next  router.Service
	meter metric.Meter

	// instruments
	calls     metric.Int64Counter
	durations metric.Float64Histogram
}

// NewOTelMetricsMiddleware constructs a metrics middleware using the provided meter.
func NewOTelMetricsMiddleware(next router.Service, meter metric.Meter) (router.Service, error) {
	calls, err := meter.Int64Counter("signalrelay.route.calls")
	if err != nil {
		return nil, ewrap.Wrap(err, "create counter")
	}

	durations, err := meter.Float64Histogram("signalrelay.route.duration.ms")
	if err != nil {
		return nil, ewrap.Wrap(err, "create histogram")
	}

	return &OTelMetricsMiddleware{next: next, meter: meter, calls: calls, durations: durations}, nil
}

// Route implements router.Service with metrics.
func (mw *OTelMetricsMiddleware) Route(ctx context.Context, msg message.Message) (router.Outcome, error) {
	start := time.Now()
	outcome, err := mw.next.Route(ctx, msg)
	mw.rec(ctx, "Route", start, msg, outcome)

	return outcome, err
}

// Dispatch implements router.Service with metrics.
func (mw *OTelMetricsMiddleware) Dispatch(ctx context.Context, from *registry.Client, msg message.Message) (router.Outcome, error) {
	start := time.Now()
	outcome, err := mw.next.Dispatch(ctx, from, msg)
	mw.rec(ctx, "Dispatch", start, msg, outcome)

	return outcome, err
}

// rec records call count and duration with attributes.
func (mw *OTelMetricsMiddleware) rec(ctx context.Context, method string, start time.Time, msg message.Message, outcome router.Outcome) {
	base := []attribute.KeyValue{
		attribute.String("method", method),
		attribute.String(attrs.AttrMessageType, msg.Type.String()),
		attribute.String(attrs.AttrOutcome, outcome.String()),
	}

	mw.calls.Add(ctx, 1, metric.WithAttributes(base...))
	mw.durations.Record(ctx, float64(time.Since(start).Microseconds())/1000, metric.WithAttributes(base...))
}
