// Package middleware provides router.Service decorators: structured logging,
// OpenTelemetry metrics and OpenTelemetry tracing. They compose with router.ApplyMiddleware.
package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/router"
)

// LoggingMiddleware logs every routing call with its outcome and duration.
// Successful calls are logged at debug level, failures at warn.
type LoggingMiddleware struct {
	next   router.Service
	logger *zap.Logger
}

// NewLoggingMiddleware returns a new LoggingMiddleware.
func NewLoggingMiddleware(next router.Service, logger *zap.Logger) router.Service {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &LoggingMiddleware{next: next, logger: logger.Named("route")}
}

// Logging returns LoggingMiddleware as a router.Middleware.
func Logging(logger *zap.Logger) router.Middleware {
	return func(next router.Service) router.Service { return NewLoggingMiddleware(next, logger) }
}

// Route logs the call and forwards it.
func (mw LoggingMiddleware) Route(ctx context.Context, msg message.Message) (router.Outcome, error) {
	begin := time.Now()
	outcome, err := mw.next.Route(ctx, msg)
	mw.log("Route", begin, msg, outcome, err)

	return outcome, err
}

// Dispatch logs the call and forwards it.
func (mw LoggingMiddleware) Dispatch(ctx context.Context, from *registry.Client, msg message.Message) (router.Outcome, error) {
	begin := time.Now()
	outcome, err := mw.next.Dispatch(ctx, from, msg)

	if from != nil {
		msg = msg.WithSource(from.ID())
	}

	mw.log("Dispatch", begin, msg, outcome, err)

	return outcome, err
}

func (mw LoggingMiddleware) log(method string, begin time.Time, msg message.Message, outcome router.Outcome, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("type", msg.Type.String()),
		zap.String("src", msg.Src),
		zap.String("dst", msg.Dst),
		zap.Stringer("outcome", outcome),
		zap.Duration("took", time.Since(begin)),
	}

	if err != nil {
		mw.logger.Warn("route failed", append(fields, zap.Error(err))...)

		return
	}

	mw.logger.Debug("routed", fields...)
}
