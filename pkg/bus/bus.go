// Package bus defines the cluster-wide publish/subscribe abstraction the relay uses to
// share membership events and message envelopes between processes, plus an in-process
// implementation for single-node deployments and tests.
package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// Message is a payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription delivers the messages published on the channels it was opened for.
type Subscription interface {
	// Messages returns the delivery channel. It is closed when the subscription ends.
	Messages() <-chan Message
	// Close ends the subscription.
	Close() error
}

// Bus publishes payloads to every subscriber of a channel, including subscribers in
// the publishing process. Publish is fire-and-forget: a nil error means the bus
// accepted the payload, not that anyone received it.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

const defaultBuffer = 256

// InProcess is a Bus shared by relays living in the same process.
type InProcess struct {
	mu          sync.RWMutex
	subs        map[string]map[*inProcessSub]struct{}
	closed      bool
	unavailable atomic.Bool
	dropped     atomic.Uint64
	buffer      int
}

// NewInProcess creates an empty in-process bus.
func NewInProcess() *InProcess {
	return &InProcess{subs: make(map[string]map[*inProcessSub]struct{}), buffer: defaultBuffer}
}

// SetUnavailable simulates an unreachable bus: publishes and new subscriptions fail.
func (b *InProcess) SetUnavailable(down bool) { b.unavailable.Store(down) }

// Dropped returns the number of deliveries discarded because a subscriber was full.
func (b *InProcess) Dropped() uint64 { return b.dropped.Load() }

// Publish delivers a copy of payload to each current subscriber of channel.
// Deliveries to a subscriber whose buffer is full are dropped.
func (b *InProcess) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if b.unavailable.Load() {
		return sentinel.ErrBusUnavailable
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return sentinel.ErrBusClosed
	}

	for sub := range b.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		if !sub.offer(msg) {
			b.dropped.Add(1)
		}
	}

	return nil
}

// Subscribe opens a subscription on channels.
func (b *InProcess) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	if b.unavailable.Load() {
		return nil, sentinel.ErrBusUnavailable
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, sentinel.ErrBusClosed
	}

	sub := &inProcessSub{bus: b, channels: channels, ch: make(chan Message, b.buffer)}

	for _, channel := range channels {
		if b.subs[channel] == nil {
			b.subs[channel] = make(map[*inProcessSub]struct{})
		}

		b.subs[channel][sub] = struct{}{}
	}

	return sub, nil
}

// Close ends every subscription.
func (b *InProcess) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for _, subs := range b.subs {
		for sub := range subs {
			sub.closeOnce()
		}
	}

	b.subs = map[string]map[*inProcessSub]struct{}{}

	return nil
}

type inProcessSub struct {
	bus      *InProcess
	channels []string
	mu       sync.Mutex
	done     bool
	ch       chan Message
}

func (s *inProcessSub) Messages() <-chan Message { return s.ch }

func (s *inProcessSub) offer(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return true
	}

	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *inProcessSub) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.done {
		s.done = true
		close(s.ch)
	}
}

func (s *inProcessSub) Close() error {
	s.bus.mu.Lock()
	for _, channel := range s.channels {
		delete(s.bus.subs[channel], s)
	}
	s.bus.mu.Unlock()

	s.closeOnce()

	return nil
}
