package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// Conn is the transport handle bound to a locally registered client.
// Implementations must be comparable (pointer receivers) since the registry
// compares handles to detect stale close events.
type Conn interface {
	// Send queues a serialized frame for the peer.
	Send(data []byte) error
	// Close terminates the connection. It must be safe to call more than once.
	Close() error
}

// Client is an identity record. A record holding a Conn is owned by this process;
// a record without one is a shadow of an identity live on another host.
type Client struct {
	id    string
	token string

	mu   sync.RWMutex
	host string
	conn Conn

	lastPing atomic.Int64 // unix milliseconds
}

// NewClient returns a record for id bound to conn. A nil conn yields a shadow record.
func NewClient(id, token, host string, conn Conn) *Client {
	c := &Client{id: id, token: token, host: host, conn: conn}
	c.Touch(time.Now())

	return c
}

// ID returns the identity.
func (c *Client) ID() string { return c.id }

// Token returns the credential bound at registration.
func (c *Client) Token() string { return c.token }

// Host returns the identifier of the process owning the live connection.
func (c *Client) Host() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.host
}

// Conn returns the bound connection, nil for shadows.
func (c *Client) Conn() Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn
}

// Local reports whether this process holds the live connection.
func (c *Client) Local() bool { return c.Conn() != nil }

// Bound reports whether conn is the handle currently bound to the record.
func (c *Client) Bound(conn Conn) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.conn != nil && c.conn == conn
}

func (c *Client) bind(conn Conn, host string) Conn {
	c.mu.Lock()
	defer c.mu.Unlock()

	prev := c.conn
	c.conn = conn
	c.host = host

	return prev
}

// Send writes data to the bound connection.
func (c *Client) Send(data []byte) error {
	conn := c.Conn()
	if conn == nil {
		return sentinel.ErrNoConnection
	}

	return conn.Send(data)
}

// Touch refreshes the liveness timestamp.
func (c *Client) Touch(now time.Time) { c.lastPing.Store(now.UnixMilli()) }

// LastPing returns the last liveness timestamp.
func (c *Client) LastPing() time.Time { return time.UnixMilli(c.lastPing.Load()) }

// Snapshot is the connection-free view of a record announced to peer processes.
type Snapshot struct {
	ID       string `json:"id"       msgpack:"id"`
	Token    string `json:"token"    msgpack:"token"`
	LastPing int64  `json:"lastPing" msgpack:"lastPing"`
}

// Snapshot returns the record minus its connection handle.
func (c *Client) Snapshot() Snapshot {
	return Snapshot{ID: c.id, Token: c.token, LastPing: c.lastPing.Load()}
}

// Shadow materializes a snapshot received from host into a record without connection.
func (s Snapshot) Shadow(host string) *Client {
	c := &Client{id: s.ID, token: s.Token, host: host}
	c.lastPing.Store(s.LastPing)

	return c
}
