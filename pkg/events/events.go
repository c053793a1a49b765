// Package events fans relay notifications out to observers in registration order.
package events

import (
	"slices"
	"sync"

	"github.com/hyp3rd/signalrelay/pkg/message"
)

// Kind classifies an event.
type Kind int

// Event kinds.
const (
	// Connection fires once a client reached the registered state.
	Connection Kind = iota + 1
	// Message fires when an envelope was delivered to a local client.
	Message
	// Close fires when a registered client was unbound.
	Close
	// Error fires for non-fatal failures: malformed frames, transport and bus errors.
	Error
)

func (k Kind) String() string {
	switch k {
	case Connection:
		return "connection"
	case Message:
		return "message"
	case Close:
		return "close"
	case Error:
		return "error"
	}

	return "unknown"
}

// Event is a notification. Message is set for Message events, Err for Error events.
type Event struct {
	Kind     Kind
	ClientID string
	Message  message.Message
	Err      error
}

// Handler receives events. Handlers run on the emitting goroutine and must not block.
type Handler func(Event)

// Hub holds observers.
type Hub struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	next     uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub { return &Hub{handlers: make(map[uint64]Handler)} }

// Subscribe registers h and returns a function removing it.
func (h *Hub) Subscribe(handler Handler) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.handlers[id] = handler
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.handlers, id)
		h.mu.Unlock()
	}
}

// Emit delivers ev to every handler in subscription order.
func (h *Hub) Emit(ev Event) {
	h.mu.RLock()

	ids := make([]uint64, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, h.handlers[id])
	}

	h.mu.RUnlock()

	for _, handler := range handlers {
		handler(ev)
	}
}

// Len returns the number of registered handlers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.handlers)
}
