package signalrelay

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/events"
	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/router"
)

// State is the lifecycle stage of a session.
type State int32

// Session states. Closed and Errored are terminal.
const (
	Connecting State = iota
	Authenticating
	Registered
	Closed
	Errored
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Authenticating:
		return "AUTHENTICATING"
	case Registered:
		return "REGISTERED"
	case Closed:
		return "CLOSED"
	case Errored:
		return "ERROR"
	}

	return "UNKNOWN"
}

// transitions lists the legal moves; anything else is ignored.
var transitions = map[State][]State{ //nolint:gochecknoglobals
	Connecting:     {Authenticating, Closed, Errored},
	Authenticating: {Registered, Closed, Errored},
	Registered:     {Closed, Errored},
}

func (s State) canMoveTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}

	return false
}

// Handshake carries the connection parameters of a client.
type Handshake struct {
	ID    string
	Token string
	Key   string
}

// HandshakeFromQuery reads id, token and key from a websocket query string.
func HandshakeFromQuery(q url.Values) Handshake {
	return Handshake{ID: q.Get("id"), Token: q.Get("token"), Key: q.Get("key")}
}

// Session is the lifecycle of one client connection.
type Session struct {
	relay  *Relay
	conn   registry.Conn
	state  atomic.Int32
	client *registry.Client
	logger *zap.Logger

	closeOnce sync.Once
}

// State returns the current lifecycle stage.
func (s *Session) State() State { return State(s.state.Load()) }

// ID returns the registered identity, empty before registration.
func (s *Session) ID() string {
	if s.client == nil {
		return ""
	}

	return s.client.ID()
}

// Client returns the registry record bound to the session.
func (s *Session) Client() *registry.Client { return s.client }

func (s *Session) transition(to State) bool {
	for {
		from := State(s.state.Load())
		if !from.canMoveTo(to) {
			return false
		}

		if s.state.CompareAndSwap(int32(from), int32(to)) {
			return true
		}
	}
}

// Accept runs the handshake for conn: parameter and key validation, identity
// arbitration and admission. On success the session is REGISTERED and OPEN has been
// queued; on failure the client has been told why, conn is closed and the returned error
// matches one of the sentinel errors.
func (r *Relay) Accept(_ context.Context, conn registry.Conn, hs Handshake) (*Session, error) {
	s := &Session{relay: r, conn: conn, logger: r.logger.Named("session")}
	s.transition(Authenticating)

	if hs.Token == "" || hs.Key == "" || (hs.ID == "" && !r.cfg.GenerateMissingIDs) {
		return nil, s.reject(message.NewError(message.InvalidParameters), sentinel.ErrInvalidParameters, "invalid_parameters")
	}

	if !r.CheckKey(hs.Key) {
		return nil, s.reject(message.NewError(message.InvalidKey), sentinel.ErrInvalidKey, "invalid_key")
	}

	id := hs.ID
	if id == "" {
		id = r.GenerateID()
	}

	client, outcome, err := r.reg.Claim(id, hs.Token, conn, r.admission.Admit)

	switch {
	case errors.Is(err, sentinel.ErrIDTaken):
		r.audit(id, "Invalid Token.Closing Connection")

		return nil, s.reject(message.NewIDTaken(), err, "id_taken")
	case errors.Is(err, sentinel.ErrConnectionLimit):
		return nil, s.reject(message.NewError(message.ConnectionLimit), err, "connection_limit")
	case err != nil:
		return nil, s.reject(message.NewError(message.InvalidParameters), err, "invalid_parameters")
	}

	s.client = client
	s.logger = s.logger.With(zap.String("id", id))

	if outcome == registry.Registered {
		r.audit(id, "Client Connected "+id)

		err = s.send(message.NewOpen())
		if err != nil {
			// the record is already inserted and announced: release the identity
			if r.reg.RemoveIfBound(id, conn) {
				r.audit(id, "Connection closed.Cleaning up meeting")
			}

			return nil, s.reject(message.Message{}, err, "open_failed")
		}
	}

	s.transition(Registered)
	r.accepted.Add(1)
	r.acceptedCtr.Add(context.Background(), 1, metric.WithAttributes(attribute.Stringer("outcome", outcome)))
	r.events.Emit(events.Event{Kind: events.Connection, ClientID: id})
	s.logger.Debug("client registered", zap.Stringer("outcome", outcome))

	return s, nil
}

func (s *Session) reject(reply message.Message, cause error, reason string) error {
	r := s.relay
	r.rejected.Add(1)
	r.rejectedCtr.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", reason)))
	s.logger.Debug("handshake rejected", zap.String("reason", reason), zap.Error(cause))

	if reply.Type != "" {
		_ = s.send(reply)
	}

	s.transition(Errored)
	_ = s.conn.Close()

	return cause
}

func (s *Session) send(msg message.Message) error {
	data, err := message.Encode(msg)
	if err != nil {
		return err
	}

	return s.conn.Send(data)
}

// Receive handles one inbound frame. A frame that does not parse is reported as an error
// event and the session stays open.
func (s *Session) Receive(ctx context.Context, data []byte) (router.Outcome, error) {
	if s.State() != Registered {
		return router.Dropped, sentinel.ErrConnectionClosed
	}

	msg, err := message.Parse(data)
	if err != nil {
		s.relay.events.Emit(events.Event{Kind: events.Error, ClientID: s.ID(), Err: err})
		s.logger.Debug("malformed frame", zap.Error(err))

		return router.Dropped, err
	}

	return s.relay.service.Dispatch(ctx, s.client, msg)
}

// Close tears the session down. The registry record is removed only if it is still
// bound to this session's connection, so the close of a connection that was superseded
// by a reconnection leaves the new binding alone. cause is nil or a websocket close
// error for orderly closes.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		to := Closed
		if cause != nil && !websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			to = Errored
		}

		wasRegistered := s.State() == Registered
		s.transition(to)

		if wasRegistered && s.relay.reg.RemoveIfBound(s.client.ID(), s.conn) {
			s.relay.audit(s.client.ID(), "Connection closed.Cleaning up meeting")
			s.relay.events.Emit(events.Event{Kind: events.Close, ClientID: s.client.ID()})
			s.logger.Debug("client unregistered", zap.Stringer("state", to))
		}

		_ = s.conn.Close()
	})
}
