// Package registry is the in-memory source of truth mapping identities to live
// connections.
//
// Every mutation goes through a single RWMutex, which preserves the invariant that an
// identity is bound to at most one connection handle. Composite operations that must
// observe and mutate atomically (claiming an identity, unbinding a specific handle) are
// provided as single methods instead of being composed by callers.
//
// Local mutations are announced to observers registered with Subscribe. Observers run
// synchronously while the write lock is held, which gives them the commit order of the
// mutations; they must not block and must not call back into the registry.
package registry

import (
	"slices"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/signalrelay/internal/cluster"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// Action is the kind of a membership change.
type Action string

// Membership actions, matching the wire values of membership events.
const (
	ActionSet    Action = "set"
	ActionDelete Action = "delete"
)

// Event describes a local registry mutation.
type Event struct {
	Action Action
	Client *Client
}

// Outcome tells how a Claim was satisfied.
type Outcome int

// Claim outcomes.
const (
	// Registered means a new record was inserted.
	Registered Outcome = iota + 1
	// Reconnected means an existing record with the same token was rebound to the new connection.
	Reconnected
)

func (o Outcome) String() string {
	switch o {
	case Registered:
		return "registered"
	case Reconnected:
		return "reconnected"
	}

	return "unknown"
}

// Registry maps identities to records.
type Registry struct {
	mu        sync.RWMutex
	host      string
	clients   map[string]*Client
	listeners map[uint64]func(Event)
	nextID    uint64
	epoch     cluster.Epoch
	now       func() time.Time
}

// New creates an empty registry for the process identified by host.
func New(host string) *Registry {
	return &Registry{
		host:      host,
		clients:   make(map[string]*Client),
		listeners: make(map[uint64]func(Event)),
		now:       time.Now,
	}
}

// Host returns the identifier of the owning process.
func (r *Registry) Host() string { return r.host }

// Get returns the record for id.
func (r *Registry) Get(id string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]

	return c, ok
}

// Set stores c, overwriting any record for the same identity.
func (r *Registry) Set(c *Client) error {
	if c == nil {
		return sentinel.ErrNilClient
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.ID()] = c
	r.epoch.Next()

	if c.Local() {
		r.notify(Event{Action: ActionSet, Client: c})
	}

	return nil
}

// Remove deletes the record for id. It returns false if id was absent.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return false
	}

	r.removeLocked(c)

	return true
}

// RemoveIfBound deletes the record for id only if conn is its current handle.
// A close event from a connection that has since been replaced is a no-op.
func (r *Registry) RemoveIfBound(id string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok || !c.Bound(conn) {
		return false
	}

	r.removeLocked(c)

	return true
}

func (r *Registry) removeLocked(c *Client) {
	delete(r.clients, c.ID())
	r.epoch.Next()

	if c.Local() {
		r.notify(Event{Action: ActionDelete, Client: c})
	}
}

// Claim binds conn to id in one critical section:
//   - an existing record with a different token fails with ErrIDTaken;
//   - an existing record with the same token is rebound to conn (Reconnected) without
//     consulting admit;
//   - otherwise admit is asked with the current local count, ErrConnectionLimit is
//     returned when it refuses, and a new record is inserted (Registered).
//
// A nil admit admits everything.
func (r *Registry) Claim(id, token string, conn Conn, admit func(localCount int) bool) (*Client, Outcome, error) {
	if id == "" || token == "" {
		return nil, 0, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "id and token")
	}

	if conn == nil {
		return nil, 0, sentinel.ErrNoConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[id]; ok {
		if existing.Token() != token {
			return existing, 0, sentinel.ErrIDTaken
		}

		wasLocal := existing.Local()
		existing.bind(conn, r.host)
		existing.Touch(r.now())
		r.epoch.Next()

		if !wasLocal {
			// taking over an identity announced by another host
			r.notify(Event{Action: ActionSet, Client: existing})
		}

		return existing, Reconnected, nil
	}

	if admit != nil && !admit(r.localCountLocked()) {
		return nil, 0, sentinel.ErrConnectionLimit
	}

	c := NewClient(id, token, r.host, conn)
	c.Touch(r.now())
	r.clients[id] = c
	r.epoch.Next()
	r.notify(Event{Action: ActionSet, Client: c})

	return c, Registered, nil
}

// ApplyRemote stores a shadow announced by another host. When the identity was bound
// locally, the local handle is superseded and returned so the caller can close it.
// No event is emitted.
func (r *Registry) ApplyRemote(shadow *Client) (superseded Conn) {
	if shadow == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.clients[shadow.ID()]; ok {
		superseded = existing.Conn()
	}

	r.clients[shadow.ID()] = shadow
	r.epoch.Next()

	return superseded
}

// DropRemote deletes the shadow for id owned by host. Local records and shadows
// announced by other hosts are left untouched. No event is emitted.
func (r *Registry) DropRemote(id, host string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok || c.Local() || c.Host() != host {
		return false
	}

	delete(r.clients, id)
	r.epoch.Next()

	return true
}

// ListIDs returns the known identities, local and shadow, sorted.
func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Len returns the number of known identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// LocalCount returns the number of records bound to a local connection.
func (r *Registry) LocalCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.localCountLocked()
}

func (r *Registry) localCountLocked() int {
	n := 0

	for _, c := range r.clients {
		if c.Local() {
			n++
		}
	}

	return n
}

// Locals returns a snapshot of the records bound to a local connection.
func (r *Registry) Locals() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))

	for _, c := range r.clients {
		if c.Local() {
			out = append(out, c)
		}
	}

	return out
}

// GenerateUniqueID calls gen until it yields an identity absent from the registry.
// It loops for as long as gen keeps colliding.
func (r *Registry) GenerateUniqueID(gen func() string) string {
	for {
		id := gen()
		if _, taken := r.Get(id); !taken && id != "" {
			return id
		}
	}
}

// Touch refreshes the liveness of id and reports whether it is known.
func (r *Registry) Touch(id string) bool {
	c, ok := r.Get(id)
	if ok {
		c.Touch(r.now())
	}

	return ok
}

// Version returns the registry epoch, incremented on every mutation.
func (r *Registry) Version() uint64 { return r.epoch.Get() }

// Subscribe registers fn for local mutation events and returns its unsubscribe function.
func (r *Registry) Subscribe(fn func(Event)) (unsubscribe func()) {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// notify runs listeners in subscription order. Callers hold r.mu.
func (r *Registry) notify(ev Event) {
	if len(r.listeners) == 0 {
		return
	}

	ids := make([]uint64, 0, len(r.listeners))
	for id := range r.listeners {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		r.listeners[id](ev)
	}
}
