// Package router delivers signaling envelopes by destination identity.
//
// A destination bound to a local connection is written to directly. Anything else is
// published on the transmission channel; every relay process subscribes to it and
// delivers the envelopes whose destination it holds locally, ignoring the rest. This
// broadcast-and-filter scheme trades bus bandwidth for not having to know which host
// owns an identity. Nothing is queued or retried: an envelope whose destination is
// unreachable is dropped.
package router

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/constants"
	"github.com/hyp3rd/signalrelay/internal/libs/serializer"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/bus"
	"github.com/hyp3rd/signalrelay/pkg/events"
	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/transcript"
)

// Outcome tells what happened to an envelope.
type Outcome int

// Routing outcomes.
const (
	// Dropped means the envelope was discarded.
	Dropped Outcome = iota
	// Delivered means the envelope was written to a local connection.
	Delivered
	// Published means the envelope was handed to the transmission bus.
	Published
	// Consumed means the relay handled the envelope itself (heartbeats).
	Consumed
)

func (o Outcome) String() string {
	switch o {
	case Dropped:
		return "dropped"
	case Delivered:
		return "delivered"
	case Published:
		return "published"
	case Consumed:
		return "consumed"
	}

	return "unknown"
}

// Service is the routing surface. Middlewares decorate it.
type Service interface {
	// Route delivers msg locally when its destination is bound here, publishes it otherwise.
	Route(ctx context.Context, msg message.Message) (Outcome, error)
	// Dispatch handles an envelope read from the connection of from: the source is
	// forced to from's identity, heartbeats are consumed, and in distributed mode every
	// other envelope goes to the bus, falling back to local delivery when publishing fails.
	Dispatch(ctx context.Context, from *registry.Client, msg message.Message) (Outcome, error)
}

// Middleware describes a service middleware.
type Middleware func(Service) Service

// ApplyMiddleware applies middlewares to a service, the last one being the outermost.
func ApplyMiddleware(svc Service, mw ...Middleware) Service {
	for _, m := range mw {
		svc = m(svc)
	}

	return svc
}

// Stats counts routing activity.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Relayed   uint64 `json:"relayed"`
	Ignored   uint64 `json:"ignored"`
	Consumed  uint64 `json:"consumed"`
}

// Option configures a Router.
type Option func(*Router)

// WithBus sets the transmission bus. Without a bus, non-local destinations are dropped.
func WithBus(b bus.Bus) Option { return func(r *Router) { r.bus = b } }

// WithDistributed makes Dispatch publish every non-heartbeat envelope to the bus,
// leaving the locality decision to the subscribers.
func WithDistributed(enabled bool) Option { return func(r *Router) { r.distributed = enabled } }

// WithCodec sets the bus payload codec.
func WithCodec(codec serializer.ISerializer) Option {
	return func(r *Router) {
		if codec != nil {
			r.codec = codec
		}
	}
}

// WithChannel overrides the transmission channel name.
func WithChannel(channel string) Option {
	return func(r *Router) {
		if channel != "" {
			r.channel = channel
		}
	}
}

// WithPublishTimeout bounds each publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.publishTimeout = d
		}
	}
}

// WithEvents sets the hub receiving delivery and error events.
func WithEvents(hub *events.Hub) Option {
	return func(r *Router) {
		if hub != nil {
			r.events = hub
		}
	}
}

// WithRecorder sets the transcript recorder. Record runs on the relay path, so slow
// stores should sit behind `transcript.NewAsync`.
func WithRecorder(rec transcript.Recorder) Option {
	return func(r *Router) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Router implements Service over a registry and an optional bus.
type Router struct {
	reg            *registry.Registry
	bus            bus.Bus
	distributed    bool
	codec          serializer.ISerializer
	channel        string
	publishTimeout time.Duration
	events         *events.Hub
	recorder       transcript.Recorder
	logger         *zap.Logger

	sub       bus.Subscription
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once

	delivered atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	relayed   atomic.Uint64
	ignored   atomic.Uint64
	consumed  atomic.Uint64
}

// New creates a router over reg.
func New(reg *registry.Registry, opts ...Option) (*Router, error) {
	if reg == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "registry")
	}

	r := &Router{
		reg:            reg,
		codec:          &serializer.JSONSerializer{},
		channel:        constants.TransmissionChannel,
		publishTimeout: constants.DefaultPublishTimeout,
		events:         events.NewHub(),
		recorder:       transcript.Nop{},
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.logger = r.logger.Named("router").With(zap.String("host", reg.Host()))

	return r, nil
}

// Events returns the hub the router emits to.
func (r *Router) Events() *events.Hub { return r.events }

// Start subscribes to the transmission channel. Without a bus it is a no-op.
// A subscription failure is returned; local routing keeps working.
func (r *Router) Start(ctx context.Context) error {
	if r.bus == nil {
		return nil
	}

	var err error

	r.startOnce.Do(func() {
		ctx, r.cancel = context.WithCancel(ctx)

		r.sub, err = r.bus.Subscribe(ctx, r.channel)
		if err != nil {
			r.logger.Warn("transmission subscription unavailable, running degraded", zap.Error(err))

			return
		}

		r.wg.Add(1)

		go r.consumeLoop(ctx, r.sub)
	})

	return err
}

// Stop ends the transmission subscription.
func (r *Router) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}

		if r.sub != nil {
			_ = r.sub.Close()
		}

		r.wg.Wait()
	})
}

// Route implements Service.
func (r *Router) Route(ctx context.Context, msg message.Message) (Outcome, error) {
	err := msg.Validate()
	if err != nil {
		r.dropped.Add(1)

		return Dropped, err
	}

	if c, ok := r.reg.Get(msg.Dst); ok && c.Local() {
		return r.deliver(c, msg)
	}

	if r.bus == nil {
		r.dropped.Add(1)

		return Dropped, ewrap.Wrap(sentinel.ErrClientNotFound, msg.Dst)
	}

	outcome, err := r.publish(ctx, msg)
	if err != nil {
		r.dropped.Add(1)
	}

	return outcome, err
}

// Dispatch implements Service.
func (r *Router) Dispatch(ctx context.Context, from *registry.Client, msg message.Message) (Outcome, error) {
	if from == nil {
		return Dropped, sentinel.ErrNilClient
	}

	msg = msg.WithSource(from.ID())

	if msg.Type == message.Heartbeat {
		from.Touch(time.Now())
		r.consumed.Add(1)

		return Consumed, nil
	}

	if r.distributed && r.bus != nil {
		err := msg.Validate()
		if err != nil {
			r.dropped.Add(1)

			return Dropped, err
		}

		outcome, err := r.publish(ctx, msg)
		if err == nil {
			return outcome, nil
		}

		// the bus is down: local destinations are still reachable
		if c, ok := r.reg.Get(msg.Dst); ok && c.Local() {
			return r.deliver(c, msg)
		}

		r.dropped.Add(1)

		return Dropped, err
	}

	return r.Route(ctx, msg)
}

// Relay handles a payload received on the transmission channel: it is delivered when
// its destination is bound locally and ignored otherwise.
func (r *Router) Relay(data []byte) (Outcome, error) {
	var msg message.Message

	err := r.codec.Unmarshal(data, &msg)
	if err != nil {
		return Dropped, ewrap.Wrap(sentinel.ErrMalformedMessage, err.Error())
	}

	if msg.Dst == "" {
		r.ignored.Add(1)

		return Dropped, nil
	}

	c, ok := r.reg.Get(msg.Dst)
	if !ok || !c.Local() {
		r.ignored.Add(1)

		return Dropped, nil
	}

	r.audit(msg.Dst, fmt.Sprintf("MessageReceived::%s for Destination::%s from Source::%s", msg.Type, msg.Dst, msg.Src))

	outcome, err := r.deliver(c, msg)
	if err == nil {
		r.relayed.Add(1)
	}

	return outcome, err
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered: r.delivered.Load(),
		Published: r.published.Load(),
		Dropped:   r.dropped.Load(),
		Relayed:   r.relayed.Load(),
		Ignored:   r.ignored.Load(),
		Consumed:  r.consumed.Load(),
	}
}

func (r *Router) deliver(c *registry.Client, msg message.Message) (Outcome, error) {
	data, err := message.Encode(msg)
	if err != nil {
		r.dropped.Add(1)

		return Dropped, err
	}

	err = c.Send(data)
	if err != nil {
		r.dropped.Add(1)
		err = ewrap.Wrap(sentinel.ErrTransport, err.Error())
		r.events.Emit(events.Event{Kind: events.Error, ClientID: c.ID(), Err: err})

		return Dropped, err
	}

	r.delivered.Add(1)
	r.events.Emit(events.Event{Kind: events.Message, ClientID: c.ID(), Message: msg})

	return Delivered, nil
}

// publish leaves drop accounting to the caller, which may still deliver locally.
func (r *Router) publish(ctx context.Context, msg message.Message) (Outcome, error) {
	data, err := r.codec.Marshal(msg)
	if err != nil {
		return Dropped, err
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.publishTimeout)
	defer cancel()

	err = r.bus.Publish(pubCtx, r.channel, data)
	if err != nil {
		r.events.Emit(events.Event{Kind: events.Error, ClientID: msg.Src, Err: err})

		return Dropped, err
	}

	r.published.Add(1)

	return Published, nil
}

func (r *Router) consumeLoop(ctx context.Context, sub bus.Subscription) {
	defer r.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Messages():
			if !ok {
				r.logger.Warn("transmission subscription closed")

				return
			}

			_, err := r.Relay(m.Payload)
			if err != nil {
				r.logger.Warn("relayed message not delivered", zap.Error(err))
			}
		}
	}
}

func (r *Router) audit(id, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), constants.DefaultAuditTimeout)
	defer cancel()

	err := r.recorder.Record(ctx, id, line)
	if err != nil {
		r.logger.Debug("transcript write failed", zap.String("id", id), zap.Error(err))
	}
}
