package signalrelay

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/pkg/bus"
	"github.com/hyp3rd/signalrelay/pkg/router"
	"github.com/hyp3rd/signalrelay/pkg/transcript"
)

// Option is a function type that can be used to configure the `Relay` struct.
type Option func(*Relay)

// ApplyOptions applies the given options to the given relay.
func ApplyOptions(relay *Relay, options ...Option) {
	for _, option := range options {
		option(relay)
	}
}

// WithLogger sets the logger shared by the relay components.
func WithLogger(logger *zap.Logger) Option {
	return func(relay *Relay) {
		if logger != nil {
			relay.logger = logger
		}
	}
}

// WithBus connects the relay to a cluster bus. Without one the relay serves a single process.
func WithBus(b bus.Bus) Option {
	return func(relay *Relay) {
		relay.bus = b
	}
}

// WithRecorder sets the audit transcript recorder.
func WithRecorder(rec transcript.Recorder) Option {
	return func(relay *Relay) {
		if rec != nil {
			relay.recorder = rec
		}
	}
}

// WithMeter sets the meter used for lifecycle counters and the routing metrics middleware.
func WithMeter(meter metric.Meter) Option {
	return func(relay *Relay) {
		if meter != nil {
			relay.meter = meter
		}
	}
}

// WithTracer sets the tracer used by the routing tracing middleware.
func WithTracer(tracer trace.Tracer) Option {
	return func(relay *Relay) {
		if tracer != nil {
			relay.tracer = tracer
		}
	}
}

// WithIDGenerator replaces the identity generator (uuid v4 by default).
func WithIDGenerator(gen func() string) Option {
	return func(relay *Relay) {
		if gen != nil {
			relay.idGen = gen
		}
	}
}

// WithMiddleware adds routing middlewares applied outside the built-in ones.
func WithMiddleware(mw ...router.Middleware) Option {
	return func(relay *Relay) {
		relay.middlewares = append(relay.middlewares, mw...)
	}
}
