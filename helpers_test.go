package signalrelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/message"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return sentinel.ErrConnectionClosed
	}

	c.frames = append(c.frames, data)

	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

func (c *fakeConn) messages() []message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]message.Message, 0, len(c.frames))

	for _, f := range c.frames {
		var m message.Message
		if json.Unmarshal(f, &m) == nil {
			out = append(out, m)
		}
	}

	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatal("condition not met in time")
}

func newTestRelay(t *testing.T, cfg *Config, opts ...Option) *Relay {
	t.Helper()

	relay, err := New(cfg, opts...)
	assert.NoError(t, err)
	assert.NoError(t, relay.Start(context.Background()))
	t.Cleanup(relay.Stop)

	return relay
}

func accept(t *testing.T, relay *Relay, id, token string) (*Session, *fakeConn) {
	t.Helper()

	conn := &fakeConn{}

	s, err := relay.Accept(context.Background(), conn, Handshake{ID: id, Token: token, Key: relay.Config().Key})
	assert.NoError(t, err)

	return s, conn
}
