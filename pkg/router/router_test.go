package router

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/bus"
	"github.com/hyp3rd/signalrelay/pkg/events"
	"github.com/hyp3rd/signalrelay/pkg/message"
	"github.com/hyp3rd/signalrelay/pkg/registry"
	"github.com/hyp3rd/signalrelay/pkg/transcript"
)

type recordingConn struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (c *recordingConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return c.err
	}

	c.frames = append(c.frames, data)

	return nil
}

func (*recordingConn) Close() error { return nil }

func (c *recordingConn) received() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]message.Message, 0, len(c.frames))

	for _, f := range c.frames {
		m, err := message.Parse(f)
		if err == nil {
			out = append(out, m)
		}
	}

	return out
}

type countingBus struct {
	*bus.InProcess

	mu        sync.Mutex
	published int
}

func (b *countingBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	b.published++
	b.mu.Unlock()

	return b.InProcess.Publish(ctx, channel, payload)
}

func (b *countingBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.published
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met in time")
}

func offer(src, dst string) message.Message {
	return message.Message{Type: message.Offer, Src: src, Dst: dst, Payload: []byte(`{"sdp":"v=0"}`)}
}

func TestRouter_LocalDeliveryIsNeverPublished(t *testing.T) {
	reg := registry.New("host-a")
	b := &countingBus{InProcess: bus.NewInProcess()}

	r, err := New(reg, WithBus(b))
	assert.NoError(t, err)

	conn := &recordingConn{}
	_, _, err = reg.Claim("bob", "t", conn, nil)
	assert.NoError(t, err)

	outcome, err := r.Route(context.Background(), offer("alice", "bob"))
	assert.NoError(t, err)
	assert.Equal(t, Delivered, outcome)
	assert.Equal(t, 0, b.count())

	got := conn.received()
	assert.Equal(t, 1, len(got))
	assert.Equal(t, "alice", got[0].Src)
	assert.Equal(t, `{"sdp":"v=0"}`, string(got[0].Payload))
}

func TestRouter_NonLocalIsPublishedOnce(t *testing.T) {
	reg := registry.New("host-a")
	b := &countingBus{InProcess: bus.NewInProcess()}

	r, err := New(reg, WithBus(b))
	assert.NoError(t, err)

	outcome, err := r.Route(context.Background(), offer("alice", "carol"))
	assert.NoError(t, err)
	assert.Equal(t, Published, outcome)
	assert.Equal(t, 1, b.count())
	assert.Equal(t, uint64(1), r.Stats().Published)
}

func TestRouter_WithoutBusUnknownIsDropped(t *testing.T) {
	r, err := New(registry.New("host-a"))
	assert.NoError(t, err)

	outcome, err := r.Route(context.Background(), offer("alice", "ghost"))
	assert.Equal(t, Dropped, outcome)
	assert.True(t, errors.Is(err, sentinel.ErrClientNotFound))
}

func TestRouter_RouteRejectsInvalid(t *testing.T) {
	r, err := New(registry.New("host-a"))
	assert.NoError(t, err)

	_, err = r.Route(context.Background(), message.Message{Type: message.Offer})
	assert.True(t, errors.Is(err, sentinel.ErrMissingDestination))

	_, err = r.Route(context.Background(), message.Message{Type: "BOGUS", Dst: "x"})
	assert.True(t, errors.Is(err, sentinel.ErrUnknownMessageType))
}

func TestRouter_DispatchForcesSourceAndConsumesHeartbeat(t *testing.T) {
	reg := registry.New("host-a")

	r, err := New(reg)
	assert.NoError(t, err)

	aliceConn := &recordingConn{}
	alice, _, err := reg.Claim("alice", "t", aliceConn, nil)
	assert.NoError(t, err)

	bobConn := &recordingConn{}
	_, _, err = reg.Claim("bob", "t", bobConn, nil)
	assert.NoError(t, err)

	outcome, err := r.Dispatch(context.Background(), alice, offer("mallory", "bob"))
	assert.NoError(t, err)
	assert.Equal(t, Delivered, outcome)
	assert.Equal(t, "alice", bobConn.received()[0].Src)

	alice.Touch(time.UnixMilli(0))

	outcome, err = r.Dispatch(context.Background(), alice, message.Message{Type: message.Heartbeat})
	assert.NoError(t, err)
	assert.Equal(t, Consumed, outcome)
	assert.True(t, alice.LastPing().After(time.UnixMilli(0)))
	assert.Equal(t, 0, len(aliceConn.received()))

	_, err = r.Dispatch(context.Background(), nil, offer("a", "b"))
	assert.True(t, errors.Is(err, sentinel.ErrNilClient))
}

func TestRouter_CrossInstanceDelivery(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInProcess()

	regA := registry.New("host-a")
	routerA, err := New(regA, WithBus(b), WithDistributed(true))
	assert.NoError(t, err)
	assert.NoError(t, routerA.Start(ctx))

	defer routerA.Stop()

	rec := transcript.NewMemory(10)
	regB := registry.New("host-b")
	routerB, err := New(regB, WithBus(b), WithDistributed(true), WithRecorder(rec))
	assert.NoError(t, err)
	assert.NoError(t, routerB.Start(ctx))

	defer routerB.Stop()

	var (
		mu        sync.Mutex
		delivered []string
	)

	routerB.Events().Subscribe(func(ev events.Event) {
		if ev.Kind == events.Message {
			mu.Lock()
			delivered = append(delivered, ev.ClientID)
			mu.Unlock()
		}
	})

	alice, _, err := regA.Claim("alice", "t", &recordingConn{}, nil)
	assert.NoError(t, err)

	bobConn := &recordingConn{}
	_, _, err = regB.Claim("bob", "t", bobConn, nil)
	assert.NoError(t, err)

	outcome, err := routerA.Dispatch(ctx, alice, offer("spoofed", "bob"))
	assert.NoError(t, err)
	assert.Equal(t, Published, outcome)

	eventually(t, func() bool { return len(bobConn.received()) == 1 })

	got := bobConn.received()[0]
	assert.Equal(t, message.Offer, got.Type)
	assert.Equal(t, "alice", got.Src)

	mu.Lock()
	assert.Equal(t, []string{"bob"}, delivered)
	mu.Unlock()

	// host-a saw the same envelope and had nobody to deliver it to
	eventually(t, func() bool { return routerA.Stats().Ignored == 1 })
	assert.Equal(t, uint64(1), routerB.Stats().Relayed)

	eventually(t, func() bool {
		lines, _ := rec.Entries(ctx, "bob")

		return len(lines) == 1
	})

	lines, _ := rec.Entries(ctx, "bob")
	assert.Equal(t, "MessageReceived::OFFER for Destination::bob from Source::alice", lines[0])
}

func TestRouter_TransportFailureEmitsError(t *testing.T) {
	reg := registry.New("host-a")

	r, err := New(reg)
	assert.NoError(t, err)

	var got []events.Event

	r.Events().Subscribe(func(ev events.Event) { got = append(got, ev) })

	_, _, err = reg.Claim("bob", "t", &recordingConn{err: sentinel.ErrConnectionClosed}, nil)
	assert.NoError(t, err)

	outcome, err := r.Route(context.Background(), offer("alice", "bob"))
	assert.Equal(t, Dropped, outcome)
	assert.True(t, errors.Is(err, sentinel.ErrTransport))
	assert.Equal(t, 1, len(got))
	assert.Equal(t, events.Error, got[0].Kind)
}

func TestRouter_PublishFailureDrops(t *testing.T) {
	b := bus.NewInProcess()
	b.SetUnavailable(true)

	r, err := New(registry.New("host-a"), WithBus(b))
	assert.NoError(t, err)

	assert.True(t, errors.Is(r.Start(context.Background()), sentinel.ErrBusUnavailable))

	outcome, err := r.Route(context.Background(), offer("alice", "carol"))
	assert.Equal(t, Dropped, outcome)
	assert.True(t, errors.Is(err, sentinel.ErrBusUnavailable))
}

func TestApplyMiddleware_Order(t *testing.T) {
	r, err := New(registry.New("host-a"))
	assert.NoError(t, err)

	var order []string

	tag := func(name string) Middleware {
		return func(next Service) Service {
			return tagged{Service: next, before: func() { order = append(order, name) }}
		}
	}

	svc := ApplyMiddleware(r, tag("inner"), tag("outer"))
	_, _ = svc.Route(context.Background(), offer("a", "b"))

	assert.Equal(t, []string{"outer", "inner"}, order)
}

type tagged struct {
	Service

	before func()
}

func (t tagged) Route(ctx context.Context, msg message.Message) (Outcome, error) {
	t.before()

	return t.Service.Route(ctx, msg)
}
