package signalrelay

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"time"

	"github.com/goccy/go-json"
	fiber "github.com/gofiber/fiber/v3"
	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/router"
)

// IngressOption configures the ingress HTTP server.
type IngressOption func(*IngressServer)

// IngressServer serves the HTTP side of the relay: signaling envelopes posted out of
// band, identity generation, peer discovery, transcripts and management endpoints.
type IngressServer struct {
	addr         string
	app          *fiber.App
	readTimeout  time.Duration
	writeTimeout time.Duration
	authFunc     func(fiber.Ctx) error
	logger       *zap.Logger
	ln           net.Listener
	started      bool
}

// WithIngressAuth sets an auth function guarding the management endpoints (return error to block).
func WithIngressAuth(fn func(fiber.Ctx) error) IngressOption {
	return func(s *IngressServer) { s.authFunc = fn }
}

// WithIngressReadTimeout sets read timeout.
func WithIngressReadTimeout(d time.Duration) IngressOption {
	return func(s *IngressServer) { s.readTimeout = d }
}

// WithIngressWriteTimeout sets write timeout.
func WithIngressWriteTimeout(d time.Duration) IngressOption {
	return func(s *IngressServer) { s.writeTimeout = d }
}

// WithIngressLogger sets the logger.
func WithIngressLogger(logger *zap.Logger) IngressOption {
	return func(s *IngressServer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

const (
	defaultReadTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// NewIngressServer builds an HTTP server holder (lazy start).
func NewIngressServer(addr string, opts ...IngressOption) *IngressServer {
	srv := &IngressServer{
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.app = fiber.New(fiber.Config{
		ReadTimeout:  srv.readTimeout,
		WriteTimeout: srv.writeTimeout,
	})
	srv.logger = srv.logger.Named("ingress")

	return srv
}

// ingressRelay is the relay surface the routes need.
type ingressRelay interface {
	Config() *Config
	CheckKey(key string) bool
	Registry() *registry.Registry
	Service() router.Service
	GenerateID() string
	Peers() ([]string, bool)
	Stats() Stats
	Transcript(ctx context.Context, id string) ([]string, error)
}

// Start launches listener (idempotent).
func (s *IngressServer) Start(ctx context.Context, relay ingressRelay) error {
	if s.started {
		return nil
	}

	s.mountRoutes(ctx, relay)

	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return ewrap.Wrap(err, "ingress listen")
	}

	s.ln = ln

	go func() {
		serveErr := s.app.Listener(ln)
		if serveErr != nil {
			s.logger.Warn("ingress server stopped", zap.Error(serveErr))
		}
	}()

	s.started = true

	return nil
}

// Address returns the bound address (useful when passing ":0" for ephemeral port). Empty if not started yet.
func (s *IngressServer) Address() string {
	if s.ln == nil {
		return ""
	}

	return s.ln.Addr().String()
}

// Shutdown stops the server.
func (s *IngressServer) Shutdown(ctx context.Context) error {
	if !s.started {
		return nil
	}

	ch := make(chan error, 1)

	go func() {
		ch <- s.app.Shutdown()
	}()

	select {
	case <-ctx.Done():
		return sentinel.ErrIngressShutdownTimeout
	case err := <-ch:
		return err
	}
}

func (s *IngressServer) mountRoutes(ctx context.Context, relay ingressRelay) {
	useAuth := s.wrapAuth
	s.registerManagement(useAuth, relay)

	var routes fiber.Router = s.app
	if prefix := relay.Config().RoutePrefix(); prefix != "" {
		routes = s.app.Group(prefix)
	}

	s.registerPublic(ctx, routes, relay)
	s.registerSignaling(ctx, routes, relay)
}

// wrapAuth returns an auth-wrapped handler if authFunc provided.
func (s *IngressServer) wrapAuth(handler fiber.Handler) fiber.Handler { //nolint:ireturn
	if s.authFunc == nil {
		return handler
	}

	return func(fiberCtx fiber.Ctx) error {
		authErr := s.authFunc(fiberCtx)
		if authErr != nil {
			return authErr
		}

		return handler(fiberCtx)
	}
}

func (s *IngressServer) registerManagement(useAuth func(fiber.Handler) fiber.Handler, relay ingressRelay) {
	s.app.Get("/health", func(fiberCtx fiber.Ctx) error { return fiberCtx.SendString("ok") })
	s.app.Get("/stats", useAuth(func(fiberCtx fiber.Ctx) error { return fiberCtx.JSON(relay.Stats()) }))
}

func (s *IngressServer) registerPublic(ctx context.Context, routes fiber.Router, relay ingressRelay) {
	routes.Get("/:key/id", func(fiberCtx fiber.Ctx) error {
		if !relay.CheckKey(fiberCtx.Params("key")) {
			return fiberCtx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": sentinel.ErrInvalidKey.Error()})
		}

		return fiberCtx.SendString(relay.GenerateID())
	})

	routes.Get("/:key/peers", func(fiberCtx fiber.Ctx) error {
		if !relay.CheckKey(fiberCtx.Params("key")) {
			return fiberCtx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": sentinel.ErrInvalidKey.Error()})
		}

		peers, allowed := relay.Peers()
		if !allowed {
			return fiberCtx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "discovery disabled"})
		}

		return fiberCtx.JSON(peers)
	})

	routes.Get("/:key/transcript/:id", func(fiberCtx fiber.Ctx) error {
		if !relay.CheckKey(fiberCtx.Params("key")) {
			return fiberCtx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": sentinel.ErrInvalidKey.Error()})
		}

		id := fiberCtx.Params("id")

		reqCtx, cancel := s.requestContext(ctx, fiberCtx)
		defer cancel()

		entries, err := relay.Transcript(reqCtx, id)
		if err != nil {
			return fiberCtx.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
		}

		if entries == nil {
			entries = []string{}
		}

		return fiberCtx.JSON(fiber.Map{"id": id, "entries": entries})
	})
}

type signalRequest struct {
	Type    message.Type    `json:"type"`
	Dst     string          `json:"dst"`
	Payload json.RawMessage `json:"payload"`
}

func (s *IngressServer) registerSignaling(ctx context.Context, routes fiber.Router, relay ingressRelay) {
	for route, msgType := range map[string]message.Type{
		"offer":     message.Offer,
		"candidate": message.Candidate,
		"answer":    message.Answer,
		"leave":     message.Leave,
	} {
		routes.Post("/:key/:id/:token/"+route, s.signalHandler(ctx, relay, msgType))
	}
}

func (s *IngressServer) signalHandler(ctx context.Context, relay ingressRelay, msgType message.Type) fiber.Handler {
	return func(fiberCtx fiber.Ctx) error {
		if !relay.CheckKey(fiberCtx.Params("key")) {
			return fiberCtx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": sentinel.ErrInvalidKey.Error()})
		}

		id := fiberCtx.Params("id")

		client, ok := relay.Registry().Get(id)
		if !ok {
			return fiberCtx.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": sentinel.ErrClientNotFound.Error()})
		}

		if subtle.ConstantTimeCompare([]byte(fiberCtx.Params("token")), []byte(client.Token())) != 1 {
			return fiberCtx.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": sentinel.ErrInvalidToken.Error()})
		}

		var req signalRequest

		err := json.Unmarshal(fiberCtx.Body(), &req)
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		if req.Type == "" {
			req.Type = msgType
		}

		msg := message.Message{Type: req.Type, Src: id, Dst: req.Dst, Payload: req.Payload}

		err = msg.Validate()
		if err != nil {
			return fiberCtx.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
		}

		reqCtx, cancel := s.requestContext(ctx, fiberCtx)
		defer cancel()

		outcome, err := relay.Service().Route(reqCtx, msg)
		if err != nil {
			s.logger.Debug("ingress envelope not routed", zap.String("id", id), zap.Error(err))

			return fiberCtx.Status(statusFor(err)).JSON(fiber.Map{"error": err.Error()})
		}

		return fiberCtx.JSON(fiber.Map{"outcome": outcome.String()})
	}
}

// requestContext scopes the work of one request. It derives from the request's own
// context, ends with the server context and is bounded by the write timeout.
func (s *IngressServer) requestContext(serverCtx context.Context, fiberCtx fiber.Ctx) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)

	if s.writeTimeout > 0 {
		ctx, cancel = context.WithTimeout(fiberCtx.Context(), s.writeTimeout)
	} else {
		ctx, cancel = context.WithCancel(fiberCtx.Context())
	}

	stop := context.AfterFunc(serverCtx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, sentinel.ErrClientNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, sentinel.ErrMissingDestination), errors.Is(err, sentinel.ErrUnknownMessageType):
		return fiber.StatusBadRequest
	case errors.Is(err, sentinel.ErrBusUnavailable), errors.Is(err, sentinel.ErrBusClosed):
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusBadGateway
	}
}
