// Package signalrelay is a signaling relay for peer-to-peer connection establishment.
//
// Clients open a websocket with an identity, a token and the shared key, and from then on
// exchange negotiation envelopes (offers, answers, candidates) addressed by destination
// identity. The relay never looks into payloads. Several relay processes sharing a bus
// behave as one: registrations are mirrored as shadow records and envelopes for remote
// identities travel over the transmission channel.
package signalrelay

import (
	"context"
	"crypto/subtle"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hyp3rd/ewrap"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/cluster"
	"github.com/hyp3rd/signalrelay/internal/libs/serializer"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/internal/telemetry/attrs"
	"github.com/hyp3rd/signalrelay/pkg/admission"
	"github.com/hyp3rd/signalrelay/pkg/bus"
	"github.com/hyp3rd/signalrelay/pkg/events"
	"github.com/hyp3rd/signalrelay/pkg/membership"
	"github.com/hyp3rd/signalrelay/pkg/middleware"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/router"
	"github.com/hyp3rd/signalrelay/pkg/transcript"
)

// Stats is a point-in-time view of a relay.
type Stats struct {
	Host              string           `json:"host"`
	LocalClients      int              `json:"localClients"`
	KnownClients      int              `json:"knownClients"`
	MembershipVersion uint64           `json:"membershipVersion"`
	Accepted          uint64           `json:"accepted"`
	Rejected          uint64           `json:"rejected"`
	AdmissionRejected uint64           `json:"admissionRejected"`
	Reaped            uint64           `json:"reaped"`
	AuditWritten      uint64           `json:"auditWritten"`
	AuditDropped      uint64           `json:"auditDropped"`
	Router            router.Stats     `json:"router"`
	Membership        membership.Stats `json:"membership"`
}

// Relay ties the registry, the router, membership sync and admission together and owns
// the lifecycle of client sessions.
type Relay struct {
	cfg    *Config
	host   cluster.HostID
	logger *zap.Logger

	reg       *registry.Registry
	admission *admission.Controller
	events    *events.Hub
	router    *router.Router
	service   router.Service
	sync      *membership.Sync
	sweeper   *Sweeper
	bus       bus.Bus
	recorder  transcript.Recorder
	auditor   *transcript.Async
	idGen     func() string
	upgrader  websocket.Upgrader

	meter       metric.Meter
	tracer      trace.Tracer
	middlewares []router.Middleware
	acceptedCtr metric.Int64Counter
	rejectedCtr metric.Int64Counter

	accepted atomic.Uint64
	rejected atomic.Uint64

	stopOnce sync.Once
}

// New builds a relay from cfg. A nil cfg uses `NewConfig()`.
func New(cfg *Config, opts ...Option) (*Relay, error) {
	if cfg == nil {
		cfg = NewConfig()
	}

	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	relay := &Relay{
		cfg:      cfg,
		host:     cluster.NewHostID(cfg.HostID),
		logger:   zap.NewNop(),
		events:   events.NewHub(),
		recorder: transcript.Nop{},
		idGen:    uuid.NewString,
		meter:    metricnoop.NewMeterProvider().Meter("signalrelay"),
		tracer:   tracenoop.NewTracerProvider().Tracer("signalrelay"),
	}

	ApplyOptions(relay, opts...)

	if cfg.Distributed && relay.bus == nil {
		return nil, ewrap.Wrap(sentinel.ErrInvalidParameters, "distributed mode requires a bus")
	}

	relay.logger = relay.logger.With(zap.String("host", relay.host.String()))
	relay.reg = registry.New(relay.host.String())

	relay.admission, err = admission.New(cfg.ConcurrentLimit)
	if err != nil {
		return nil, err
	}

	relay.auditor = transcript.NewAsync(relay.recorder, transcript.WithAsyncLogger(relay.logger))

	err = relay.buildRouting()
	if err == nil {
		err = relay.buildTelemetry()
	}

	if err != nil {
		relay.auditor.Close()

		return nil, err
	}

	relay.sweeper = NewSweeper(relay.reg, cfg.ExpireTimeout, cfg.AliveTimeout,
		WithSweeperLogger(relay.logger), WithReapHook(relay.onReap))

	relay.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	return relay, nil
}

func (r *Relay) buildRouting() error {
	codec, err := serializer.New(r.cfg.BusCodec)
	if err != nil {
		return err
	}

	routerOpts := []router.Option{
		router.WithDistributed(r.cfg.Distributed),
		router.WithCodec(codec),
		router.WithChannel(r.cfg.TransmissionChannel),
		router.WithEvents(r.events),
		router.WithRecorder(r.auditor),
		router.WithLogger(r.logger),
	}

	if r.bus != nil {
		routerOpts = append(routerOpts, router.WithBus(r.bus))

		r.sync, err = membership.New(r.reg, r.bus,
			membership.WithCodec(codec),
			membership.WithChannel(r.cfg.ClientsChannel),
			membership.WithLogger(r.logger),
		)
		if err != nil {
			return err
		}
	}

	r.router, err = router.New(r.reg, routerOpts...)
	if err != nil {
		return err
	}

	metrics, err := middleware.NewOTelMetricsMiddleware(r.router, r.meter)
	if err != nil {
		return err
	}

	tracing := middleware.NewOTelTracingMiddleware(metrics, r.tracer,
		middleware.WithCommonAttributes(attribute.String(attrs.AttrHost, r.host.String())))

	r.service = router.ApplyMiddleware(tracing, append([]router.Middleware{middleware.Logging(r.logger)}, r.middlewares...)...)

	return nil
}

func (r *Relay) buildTelemetry() error {
	var err error

	r.acceptedCtr, err = r.meter.Int64Counter("signalrelay.connections.accepted")
	if err != nil {
		return ewrap.Wrap(err, "create counter")
	}

	r.rejectedCtr, err = r.meter.Int64Counter("signalrelay.connections.rejected")
	if err != nil {
		return ewrap.Wrap(err, "create counter")
	}

	return nil
}

// Start joins the cluster bus and starts the liveness sweeper. Bus failures are logged
// and leave the relay serving its local clients.
func (r *Relay) Start(ctx context.Context) error {
	if r.sync != nil {
		err := r.sync.Start(ctx)
		if err != nil {
			r.logger.Warn("membership sync degraded", zap.Error(err))
		}
	}

	err := r.router.Start(ctx)
	if err != nil {
		r.logger.Warn("cross-instance routing degraded", zap.Error(err))
	}

	r.sweeper.Start(ctx)

	r.logger.Info("relay started",
		zap.String("path", r.cfg.WSPath()),
		zap.Int("concurrentLimit", r.cfg.ConcurrentLimit),
		zap.Bool("distributed", r.cfg.Distributed))

	return nil
}

// Stop closes every local connection, then leaves the bus.
func (r *Relay) Stop() {
	r.stopOnce.Do(func() {
		r.sweeper.Stop()

		for _, c := range r.reg.Locals() {
			conn := c.Conn()
			if conn != nil && r.reg.RemoveIfBound(c.ID(), conn) {
				_ = conn.Close()
			}
		}

		if r.sync != nil {
			r.sync.Stop()
		}

		r.router.Stop()
		r.auditor.Close()
		r.logger.Info("relay stopped")
	})
}

// Host returns the process identifier announced on the bus.
func (r *Relay) Host() string { return r.host.String() }

// Config returns the relay settings.
func (r *Relay) Config() *Config { return r.cfg }

// Registry exposes the identity registry.
func (r *Relay) Registry() *registry.Registry { return r.reg }

// Events returns the hub relay events are emitted on.
func (r *Relay) Events() *events.Hub { return r.events }

// Service returns the decorated routing service.
func (r *Relay) Service() router.Service { return r.service }

// Admission returns the admission controller.
func (r *Relay) Admission() *admission.Controller { return r.admission }

// CheckKey compares key with the configured one in constant time.
func (r *Relay) CheckKey(key string) bool {
	return subtle.ConstantTimeCompare([]byte(key), []byte(r.cfg.Key)) == 1
}

// GenerateID returns an identity unused in the registry.
func (r *Relay) GenerateID() string { return r.reg.GenerateUniqueID(r.idGen) }

// Peers returns the known identities when discovery is enabled.
func (r *Relay) Peers() ([]string, bool) {
	if !r.cfg.AllowDiscovery {
		return nil, false
	}

	return r.reg.ListIDs(), true
}

// Transcript returns the audit entries recorded for id.
func (r *Relay) Transcript(ctx context.Context, id string) ([]string, error) {
	return r.auditor.Entries(ctx, id)
}

// Stats returns a snapshot of the relay counters.
func (r *Relay) Stats() Stats {
	st := Stats{
		Host:              r.host.String(),
		LocalClients:      r.reg.LocalCount(),
		KnownClients:      r.reg.Len(),
		MembershipVersion: r.reg.Version(),
		Accepted:          r.accepted.Load(),
		Rejected:          r.rejected.Load(),
		AdmissionRejected: r.admission.Rejected(),
		Reaped:            r.sweeper.Reaped(),
		Router:            r.router.Stats(),
		AuditWritten:      r.auditor.Written(),
		AuditDropped:      r.auditor.Dropped(),
	}

	if r.sync != nil {
		st.Membership = r.sync.Stats()
	}

	return st
}

func (r *Relay) onReap(c *registry.Client) {
	r.audit(c.ID(), "Connection expired.Cleaning up meeting")
	r.events.Emit(events.Event{Kind: events.Close, ClientID: c.ID()})
}

func (r *Relay) audit(id, line string) {
	err := r.auditor.Record(context.Background(), id, line)
	if err != nil {
		r.logger.Debug("transcript line dropped", zap.String("id", id), zap.Error(err))
	}
}
