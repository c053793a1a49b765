package membership

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/libs/serializer"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/bus"
	"github.com/hyp3rd/signalrelay/pkg/registry"
)

type fakeConn struct{ closed bool }

func (*fakeConn) Send([]byte) error { return nil }

func (f *fakeConn) Close() error {
	f.closed = true

	return nil
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

func newNode(t *testing.T, ctx context.Context, b bus.Bus, host string) (*registry.Registry, *Sync) {
	t.Helper()

	reg := registry.New(host)

	s, err := New(reg, b)
	assert.NoError(t, err)
	assert.NoError(t, s.Start(ctx))
	t.Cleanup(s.Stop)

	return reg, s
}

func TestSync_PropagatesSetAndDelete(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInProcess()

	regA, syncA := newNode(t, ctx, b, "host-a")
	regB, _ := newNode(t, ctx, b, "host-b")

	conn := &fakeConn{}
	_, _, err := regA.Claim("alice", "t1", conn, nil)
	assert.NoError(t, err)

	eventually(t, func() bool {
		_, ok := regB.Get("alice")

		return ok
	})

	shadow, _ := regB.Get("alice")
	assert.True(t, !shadow.Local())
	assert.Equal(t, "host-a", shadow.Host())
	assert.Equal(t, "t1", shadow.Token())

	// host-a saw its own announcement come back and ignored it
	eventually(t, func() bool { return syncA.Stats().Echoes >= 1 })

	local, _ := regA.Get("alice")
	assert.True(t, local.Bound(conn))

	assert.True(t, regA.RemoveIfBound("alice", conn))

	eventually(t, func() bool {
		_, ok := regB.Get("alice")

		return !ok
	})
}

func TestSync_Handle_EchoSuppressionAndShadow(t *testing.T) {
	reg := registry.New("host-a")

	s, err := New(reg, bus.NewInProcess())
	assert.NoError(t, err)

	codec := &serializer.JSONSerializer{}

	own, err := codec.Marshal(Event{
		Client: &registry.Snapshot{ID: "x", Token: "t"},
		ID:     "x", Host: "host-a", Action: registry.ActionSet,
	})
	assert.NoError(t, err)
	assert.NoError(t, s.Handle(own))

	_, ok := reg.Get("x")
	assert.True(t, !ok)
	assert.Equal(t, uint64(1), s.Stats().Echoes)

	remote, err := codec.Marshal(Event{
		Client: &registry.Snapshot{ID: "x", Token: "t"},
		ID:     "x", Host: "host-b", Action: registry.ActionSet,
	})
	assert.NoError(t, err)
	assert.NoError(t, s.Handle(remote))

	c, ok := reg.Get("x")
	assert.True(t, ok)
	assert.True(t, !c.Local())
	assert.Equal(t, "host-b", c.Host())
}

func TestSync_Handle_OriginalWireFormat(t *testing.T) {
	reg := registry.New("host-a")

	s, err := New(reg, bus.NewInProcess())
	assert.NoError(t, err)

	frame := `{"client":{"id":"peer","token":"tok","lastPing":1700000000000},"id":"peer","host":"other","action":"set"}`
	assert.NoError(t, s.Handle([]byte(frame)))

	c, ok := reg.Get("peer")
	assert.True(t, ok)
	assert.Equal(t, "tok", c.Token())
	assert.Equal(t, int64(1700000000000), c.LastPing().UnixMilli())

	assert.NoError(t, s.Handle([]byte(`{"id":"peer","host":"other","action":"delete"}`)))

	_, ok = reg.Get("peer")
	assert.True(t, !ok)
}

func TestSync_Handle_RemoteSetSupersedesLocal(t *testing.T) {
	reg := registry.New("host-a")

	s, err := New(reg, bus.NewInProcess())
	assert.NoError(t, err)

	conn := &fakeConn{}
	_, _, err = reg.Claim("x", "t", conn, nil)
	assert.NoError(t, err)

	assert.NoError(t, s.Handle([]byte(`{"client":{"id":"x","token":"t"},"id":"x","host":"host-b","action":"set"}`)))
	assert.True(t, conn.closed)
	assert.Equal(t, uint64(1), s.Stats().Superseded)
	assert.Equal(t, 0, reg.LocalCount())
}

func TestSync_Handle_Malformed(t *testing.T) {
	s, err := New(registry.New("host-a"), bus.NewInProcess())
	assert.NoError(t, err)

	assert.True(t, errors.Is(s.Handle([]byte("{")), sentinel.ErrMalformedMessage))
	assert.True(t, errors.Is(s.Handle([]byte(`{"id":"x","host":"b","action":"upsert"}`)), sentinel.ErrMalformedMessage))
	assert.True(t, errors.Is(s.Handle([]byte(`{"host":"b","action":"set"}`)), sentinel.ErrMalformedMessage))
}

func TestSync_BusUnavailableDegrades(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInProcess()
	b.SetUnavailable(true)

	reg := registry.New("host-a")

	s, err := New(reg, b)
	assert.NoError(t, err)

	err = s.Start(ctx)
	assert.True(t, errors.Is(err, sentinel.ErrBusUnavailable))

	defer s.Stop()

	_, outcome, err := reg.Claim("alice", "t", &fakeConn{}, nil)
	assert.NoError(t, err)
	assert.Equal(t, registry.Registered, outcome)

	eventually(t, func() bool { return s.Stats().PublishFailures == 1 })
}

func TestSync_MsgpackCodec(t *testing.T) {
	ctx := context.Background()
	b := bus.NewInProcess()
	codec := &serializer.MsgpackSerializer{}

	regA := registry.New("host-a")
	syncA, err := New(regA, b, WithCodec(codec), WithChannel("members"))
	assert.NoError(t, err)
	assert.NoError(t, syncA.Start(ctx))

	defer syncA.Stop()

	regB := registry.New("host-b")
	syncB, err := New(regB, b, WithCodec(codec), WithChannel("members"))
	assert.NoError(t, err)
	assert.NoError(t, syncB.Start(ctx))

	defer syncB.Stop()

	_, _, err = regA.Claim("bob", "t", &fakeConn{}, nil)
	assert.NoError(t, err)

	eventually(t, func() bool {
		_, ok := regB.Get("bob")

		return ok
	})
}

func TestSync_StopFlushesAfterStartContextEnds(t *testing.T) {
	b := bus.NewInProcess()

	ctx, cancel := context.WithCancel(context.Background())

	regA, syncA := newNode(t, ctx, b, "host-a")
	regB, _ := newNode(t, context.Background(), b, "host-b")

	conn := &fakeConn{}
	_, _, err := regA.Claim("alice", "t1", conn, nil)
	assert.NoError(t, err)

	eventually(t, func() bool {
		_, ok := regB.Get("alice")

		return ok
	})

	// shutting down: the start context is gone before the last removals happen
	cancel()
	assert.True(t, regA.RemoveIfBound("alice", conn))
	syncA.Stop()

	eventually(t, func() bool {
		_, ok := regB.Get("alice")

		return !ok
	})

	st := syncA.Stats()
	assert.Equal(t, uint64(2), st.Published)
	assert.Equal(t, uint64(0), st.PublishFailures)
	assert.Equal(t, uint64(0), st.Dropped)

	// removals after Stop are no longer announced
	_, _, err = regA.Claim("bob", "t", &fakeConn{}, nil)
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), syncA.Stats().Published)
}
