// Package membership keeps the registries of every relay process in agreement about
// which identities are live somewhere in the cluster.
//
// Local registrations and removals are announced on the membership channel; events
// received from other hosts materialize or drop shadow records. A process ignores its
// own announcements when the bus loops them back, since its registry was updated before
// publishing. When the bus is unreachable propagation stops and the failure is only
// logged: local traffic keeps flowing and cross-instance lookups miss.
package membership

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/constants"
	"github.com/hyp3rd/signalrelay/internal/libs/serializer"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/bus"
	"github.com/hyp3rd/signalrelay/pkg/registry"
)

// Event is the membership announcement exchanged on the bus.
type Event struct {
	Client *registry.Snapshot `json:"client,omitempty" msgpack:"client"`
	ID     string             `json:"id"               msgpack:"id"`
	Host   string             `json:"host"             msgpack:"host"`
	Action registry.Action    `json:"action"           msgpack:"action"`
}

// Stats counts sync activity.
type Stats struct {
	Published       uint64 `json:"published"`
	PublishFailures uint64 `json:"publishFailures"`
	Dropped         uint64 `json:"dropped"`
	Applied         uint64 `json:"applied"`
	Echoes          uint64 `json:"echoes"`
	Superseded      uint64 `json:"superseded"`
}

// Option configures a Sync.
type Option func(*Sync)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Sync) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithCodec sets the bus payload codec.
func WithCodec(codec serializer.ISerializer) Option {
	return func(s *Sync) {
		if codec != nil {
			s.codec = codec
		}
	}
}

// WithChannel overrides the membership channel name.
func WithChannel(channel string) Option {
	return func(s *Sync) {
		if channel != "" {
			s.channel = channel
		}
	}
}

// WithPublishTimeout bounds each publish.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Sync) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithFlushTimeout bounds how long Stop keeps publishing queued announcements.
func WithFlushTimeout(d time.Duration) Option {
	return func(s *Sync) {
		if d > 0 {
			s.flushWait = d
		}
	}
}

// WithQueueSize sets how many announcements may wait for publishing.
func WithQueueSize(n int) Option {
	return func(s *Sync) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// Sync propagates registry membership over a bus.
type Sync struct {
	reg            *registry.Registry
	bus            bus.Bus
	codec          serializer.ISerializer
	channel        string
	publishTimeout time.Duration
	queueSize      int
	logger         *zap.Logger

	queue       chan Event
	unsubscribe func()
	sub         bus.Subscription
	cancel      context.CancelFunc
	stopPublish context.CancelFunc
	flushWait   time.Duration
	wg          sync.WaitGroup
	publishWG   sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once

	published       atomic.Uint64
	publishFailures atomic.Uint64
	dropped         atomic.Uint64
	applied         atomic.Uint64
	echoes          atomic.Uint64
	superseded      atomic.Uint64
}

// New creates a Sync for reg over b.
func New(reg *registry.Registry, b bus.Bus, opts ...Option) (*Sync, error) {
	if reg == nil || b == nil {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "registry and bus")
	}

	s := &Sync{
		reg:            reg,
		bus:            b,
		codec:          &serializer.JSONSerializer{},
		channel:        constants.ClientsChannel,
		publishTimeout: constants.DefaultPublishTimeout,
		queueSize:      constants.DefaultSyncQueueSize,
		flushWait:      constants.DefaultSyncFlushTimeout,
		logger:         zap.NewNop(),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.Named("membership").With(zap.String("host", reg.Host()))
	s.queue = make(chan Event, s.queueSize)

	return s, nil
}

// Start hooks into the registry, starts the publisher and subscribes to the membership
// channel. A subscription failure is returned but leaves the publisher running, so
// the process keeps serving its own connections.
//
// Cancelling ctx stops consuming. The publisher outlives ctx until Stop, so the
// removals made while shutting down still reach the other hosts.
func (s *Sync) Start(ctx context.Context) error {
	var err error

	s.startOnce.Do(func() {
		var pubCtx context.Context

		pubCtx, s.stopPublish = context.WithCancel(context.WithoutCancel(ctx))
		ctx, s.cancel = context.WithCancel(ctx)

		s.unsubscribe = s.reg.Subscribe(s.enqueue)

		s.publishWG.Add(1)

		go s.publishLoop(pubCtx)

		s.sub, err = s.bus.Subscribe(ctx, s.channel)
		if err != nil {
			s.logger.Warn("membership subscription unavailable, running degraded", zap.Error(err))

			return
		}

		s.wg.Add(1)

		go s.consumeLoop(ctx, s.sub)
	})

	return err
}

// Stop detaches from the registry, publishes the announcements still queued and waits
// for the loops to exit. Publishing the backlog is bounded by the flush timeout; what
// is left after it is dropped.
func (s *Sync) Stop() {
	s.stopOnce.Do(func() {
		if s.unsubscribe == nil {
			return
		}

		// no enqueue can run once unsubscribe returned: it takes the registry lock
		s.unsubscribe()
		close(s.queue)

		flush := time.AfterFunc(s.flushWait, s.stopPublish)

		s.publishWG.Wait()
		flush.Stop()
		s.stopPublish()

		if left := len(s.queue); left > 0 {
			s.dropped.Add(uint64(left))
			s.logger.Warn("membership flush timed out", zap.Int("dropped", left))
		}

		s.cancel()

		if s.sub != nil {
			_ = s.sub.Close()
		}

		s.wg.Wait()
	})
}

// enqueue runs under the registry write lock: it must not block.
func (s *Sync) enqueue(ev registry.Event) {
	out := Event{ID: ev.Client.ID(), Host: s.reg.Host(), Action: ev.Action}

	if ev.Action == registry.ActionSet {
		snap := ev.Client.Snapshot()
		out.Client = &snap
	}

	select {
	case s.queue <- out:
	default:
		s.dropped.Add(1)
		s.logger.Warn("membership queue full, announcement dropped",
			zap.String("id", out.ID), zap.String("action", string(out.Action)))
	}
}

func (s *Sync) publishLoop(ctx context.Context) {
	defer s.publishWG.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.queue:
			if !ok {
				return
			}

			s.publish(ctx, ev)
		}
	}
}

func (s *Sync) publish(ctx context.Context, ev Event) {
	data, err := s.codec.Marshal(ev)
	if err != nil {
		s.publishFailures.Add(1)
		s.logger.Error("encode membership event", zap.String("id", ev.ID), zap.Error(err))

		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.publishTimeout)
	defer cancel()

	err = s.bus.Publish(pubCtx, s.channel, data)
	if err != nil {
		s.publishFailures.Add(1)
		s.logger.Warn("publish membership event",
			zap.String("id", ev.ID), zap.String("action", string(ev.Action)), zap.Error(err))

		return
	}

	s.published.Add(1)
}

func (s *Sync) consumeLoop(ctx context.Context, sub bus.Subscription) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				s.logger.Warn("membership subscription closed")

				return
			}

			err := s.Handle(msg.Payload)
			if err != nil {
				s.logger.Warn("discarding membership event", zap.Error(err))
			}
		}
	}
}

// Handle applies one membership event received from the bus.
func (s *Sync) Handle(data []byte) error {
	var ev Event

	err := s.codec.Unmarshal(data, &ev)
	if err != nil {
		return ewrap.Wrap(sentinel.ErrMalformedMessage, err.Error())
	}

	if ev.Host == s.reg.Host() {
		s.echoes.Add(1)

		return nil
	}

	if ev.ID == "" {
		return ewrap.Wrap(sentinel.ErrMalformedMessage, "membership event without id")
	}

	switch ev.Action {
	case registry.ActionSet:
		snap := registry.Snapshot{ID: ev.ID}
		if ev.Client != nil {
			snap = *ev.Client
			snap.ID = ev.ID
		}

		superseded := s.reg.ApplyRemote(snap.Shadow(ev.Host))
		if superseded != nil {
			s.superseded.Add(1)
			s.logger.Info("identity taken over by another host, closing local connection",
				zap.String("id", ev.ID), zap.String("owner", ev.Host))

			_ = superseded.Close()
		}
	case registry.ActionDelete:
		s.reg.DropRemote(ev.ID, ev.Host)
	default:
		return ewrap.Wrap(sentinel.ErrMalformedMessage, "unknown membership action "+string(ev.Action))
	}

	s.applied.Add(1)

	return nil
}

// Stats returns a snapshot of the counters.
func (s *Sync) Stats() Stats {
	return Stats{
		Published:       s.published.Load(),
		PublishFailures: s.publishFailures.Load(),
		Dropped:         s.dropped.Load(),
		Applied:         s.applied.Load(),
		Echoes:          s.echoes.Load(),
		Superseded:      s.superseded.Load(),
	}
}
