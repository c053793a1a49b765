package registry

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

type fakeConn struct {
	name string
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, data)

	return nil
}

func (*fakeConn) Close() error { return nil }

func collect(r *Registry) (*[]Event, func()) {
	var (
		mu     sync.Mutex
		events []Event
	)

	unsubscribe := r.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	return &events, unsubscribe
}

func TestRegistry_GetSetRemove(t *testing.T) {
	r := New("host-a")

	_, ok := r.Get("a")
	assert.True(t, !ok)

	assert.NoError(t, r.Set(NewClient("a", "t1", "host-a", &fakeConn{})))

	c, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "t1", c.Token())

	assert.NoError(t, r.Set(NewClient("a", "t2", "host-a", &fakeConn{})))
	c, _ = r.Get("a")
	assert.Equal(t, "t2", c.Token())

	assert.True(t, r.Remove("a"))
	assert.True(t, !r.Remove("a"))
	assert.True(t, errors.Is(r.Set(nil), sentinel.ErrNilClient))
}

func TestRegistry_Claim_IDTaken(t *testing.T) {
	r := New("host-a")
	first := &fakeConn{name: "first"}

	_, outcome, err := r.Claim("a", "t1", first, nil)
	assert.NoError(t, err)
	assert.Equal(t, Registered, outcome)

	_, _, err = r.Claim("a", "t2", &fakeConn{name: "second"}, nil)
	assert.True(t, errors.Is(err, sentinel.ErrIDTaken))

	c, _ := r.Get("a")
	assert.True(t, c.Bound(first))
}

func TestRegistry_Claim_ReconnectSkipsAdmission(t *testing.T) {
	r := New("host-a")
	events, unsubscribe := collect(r)

	defer unsubscribe()

	oldConn := &fakeConn{name: "old"}
	_, _, err := r.Claim("a", "t1", oldConn, func(int) bool { return true })
	assert.NoError(t, err)

	admitCalls := 0
	newConn := &fakeConn{name: "new"}

	c, outcome, err := r.Claim("a", "t1", newConn, func(int) bool {
		admitCalls++

		return false
	})
	assert.NoError(t, err)
	assert.Equal(t, Reconnected, outcome)
	assert.Equal(t, 0, admitCalls)
	assert.True(t, c.Bound(newConn))
	assert.Equal(t, 1, r.LocalCount())
	// a local rebind is not re-announced
	assert.Equal(t, 1, len(*events))
}

func TestRegistry_Claim_Admission(t *testing.T) {
	r := New("host-a")
	ceiling := 3
	admit := func(n int) bool { return n < ceiling }

	for i := range ceiling {
		_, _, err := r.Claim(fmt.Sprintf("id-%d", i), "t", &fakeConn{}, admit)
		assert.NoError(t, err)
	}

	_, _, err := r.Claim("overflow", "t", &fakeConn{}, admit)
	assert.True(t, errors.Is(err, sentinel.ErrConnectionLimit))
	assert.Equal(t, ceiling, r.LocalCount())
}

func TestRegistry_Claim_ShadowsDoNotCountTowardsAdmission(t *testing.T) {
	r := New("host-a")
	r.ApplyRemote(Snapshot{ID: "remote", Token: "t"}.Shadow("host-b"))

	_, _, err := r.Claim("local", "t", &fakeConn{}, func(n int) bool { return n < 1 })
	assert.NoError(t, err)
}

func TestRegistry_Claim_ConcurrentSingleBinding(t *testing.T) {
	r := New("host-a")

	const attempts = 64

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		winners  int
		rejected int
	)

	for i := range attempts {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			_, _, err := r.Claim("contested", fmt.Sprintf("token-%d", i), &fakeConn{}, nil)

			mu.Lock()
			defer mu.Unlock()

			if err == nil {
				winners++
			} else if errors.Is(err, sentinel.ErrIDTaken) {
				rejected++
			}
		}(i)
	}

	wg.Wait()

	assert.Equal(t, 1, winners)
	assert.Equal(t, attempts-1, rejected)
	assert.Equal(t, 1, r.LocalCount())
}

func TestRegistry_RemoveIfBound_StaleClose(t *testing.T) {
	r := New("host-a")
	events, unsubscribe := collect(r)

	defer unsubscribe()

	connA := &fakeConn{name: "A"}
	connB := &fakeConn{name: "B"}

	_, _, err := r.Claim("x", "t", connA, nil)
	assert.NoError(t, err)
	_, _, err = r.Claim("x", "t", connB, nil)
	assert.NoError(t, err)

	assert.True(t, !r.RemoveIfBound("x", connA))

	c, ok := r.Get("x")
	assert.True(t, ok)
	assert.True(t, c.Bound(connB))

	assert.True(t, r.RemoveIfBound("x", connB))
	_, ok = r.Get("x")
	assert.True(t, !ok)

	assert.Equal(t, 2, len(*events))
	assert.Equal(t, ActionSet, (*events)[0].Action)
	assert.Equal(t, ActionDelete, (*events)[1].Action)
}

func TestRegistry_RemoteShadows(t *testing.T) {
	r := New("host-a")
	events, unsubscribe := collect(r)

	defer unsubscribe()

	r.ApplyRemote(Snapshot{ID: "b", Token: "tb", LastPing: 42}.Shadow("host-b"))

	c, ok := r.Get("b")
	assert.True(t, ok)
	assert.True(t, !c.Local())
	assert.Equal(t, "host-b", c.Host())
	assert.Equal(t, 0, r.LocalCount())
	assert.Equal(t, 0, len(*events))

	// only the announcing host may drop its shadow
	assert.True(t, !r.DropRemote("b", "host-c"))
	assert.True(t, r.DropRemote("b", "host-b"))
	assert.True(t, !r.DropRemote("b", "host-b"))
}

func TestRegistry_DropRemoteKeepsLocalBinding(t *testing.T) {
	r := New("host-a")

	r.ApplyRemote(Snapshot{ID: "x", Token: "t"}.Shadow("host-b"))

	conn := &fakeConn{}
	_, outcome, err := r.Claim("x", "t", conn, nil)
	assert.NoError(t, err)
	assert.Equal(t, Reconnected, outcome)

	assert.True(t, !r.DropRemote("x", "host-b"))

	c, _ := r.Get("x")
	assert.True(t, c.Bound(conn))
	assert.Equal(t, "host-a", c.Host())
}

func TestRegistry_ApplyRemoteSupersedesLocal(t *testing.T) {
	r := New("host-a")
	conn := &fakeConn{}

	_, _, err := r.Claim("x", "t", conn, nil)
	assert.NoError(t, err)

	superseded := r.ApplyRemote(Snapshot{ID: "x", Token: "t"}.Shadow("host-b"))
	assert.True(t, superseded == Conn(conn))
	assert.True(t, !r.RemoveIfBound("x", conn))
}

func TestRegistry_GenerateUniqueID(t *testing.T) {
	r := New("host-a")
	_, _, err := r.Claim("taken", "t", &fakeConn{}, nil)
	assert.NoError(t, err)

	seq := []string{"taken", "", "taken", "fresh"}
	i := 0

	id := r.GenerateUniqueID(func() string {
		out := seq[i]
		i++

		return out
	})

	assert.Equal(t, "fresh", id)
	assert.Equal(t, 4, i)
}

func TestRegistry_ListIDsAndVersion(t *testing.T) {
	r := New("host-a")
	v0 := r.Version()

	_, _, _ = r.Claim("b", "t", &fakeConn{}, nil)
	_, _, _ = r.Claim("a", "t", &fakeConn{}, nil)
	r.ApplyRemote(Snapshot{ID: "c", Token: "t"}.Shadow("host-b"))

	assert.Equal(t, []string{"a", "b", "c"}, r.ListIDs())
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 2, len(r.Locals()))
	assert.True(t, r.Version() > v0)
}

func TestRegistry_Unsubscribe(t *testing.T) {
	r := New("host-a")
	events, unsubscribe := collect(r)

	unsubscribe()
	unsubscribe()

	_, _, _ = r.Claim("a", "t", &fakeConn{}, nil)
	assert.Equal(t, 0, len(*events))
}
