// Package redis implements the relay bus on top of Redis PUBLISH/SUBSCRIBE. The same
// client can back the audit transcript, see `Bus.Client`.
package redis

import (
	"context"
	"strings"
	"sync"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/constants"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
	"github.com/hyp3rd/signalrelay/pkg/bus"
)

// Bus is a bus.Bus backed by a redis client. One client serves publishing and the
// dedicated subscription connections go-redis opens per Subscribe call.
type Bus struct {
	client *redis.Client
	logger *zap.Logger
	owned  bool
}

// New creates a redis client with the given options and wraps it in a Bus.
func New(logger *zap.Logger, opts ...Option) (*Bus, error) {
	opt := &redis.Options{
		MaxRetries:   constants.RedisClientMaxRetries,
		DialTimeout:  constants.RedisDialTimeout,
		ReadTimeout:  constants.RedisClientReadTimeout,
		WriteTimeout: constants.RedisClientWriteTimeout,
		PoolSize:     constants.RedisClientPoolSize,
		MinIdleConns: constants.RedisClientMinIdleConns,
		PoolTimeout:  constants.RedisClientPoolTimeout,
	}

	ApplyOptions(opt, opts...)

	if strings.TrimSpace(opt.Addr) == "" {
		return nil, ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "redis address")
	}

	b := NewFromClient(redis.NewClient(opt), logger)
	b.owned = true

	return b, nil
}

// NewFromClient wraps an existing client. The caller keeps ownership of it.
func NewFromClient(client *redis.Client, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Bus{client: client, logger: logger.Named("bus.redis")}
}

// Client exposes the underlying client so other redis-backed components can share it.
func (b *Bus) Client() *redis.Client { return b.client }

// Ping checks that the server is reachable.
func (b *Bus) Ping(ctx context.Context) error {
	err := b.client.Ping(ctx).Err()
	if err != nil {
		return ewrap.Wrap(sentinel.ErrBusUnavailable, err.Error())
	}

	return nil
}

// Publish sends payload on channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	err := b.client.Publish(ctx, channel, payload).Err()
	if err != nil {
		return ewrap.Wrap(sentinel.ErrBusUnavailable, err.Error())
	}

	return nil
}

// Subscribe opens a subscription and waits for redis to confirm it, so that messages
// published after Subscribe returns are not missed.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) (bus.Subscription, error) {
	ps := b.client.Subscribe(ctx, channels...)

	_, err := ps.Receive(ctx)
	if err != nil {
		_ = ps.Close()

		return nil, ewrap.Wrap(sentinel.ErrBusUnavailable, err.Error())
	}

	sub := &subscription{
		ps:   ps,
		out:  make(chan bus.Message, constants.DefaultSyncQueueSize),
		done: make(chan struct{}),
	}
	go sub.pump()

	b.logger.Debug("subscribed", zap.Strings("channels", channels))

	return sub, nil
}

// Close releases the client when the bus created it.
func (b *Bus) Close() error {
	if !b.owned {
		return nil
	}

	err := b.client.Close()
	if err != nil {
		return ewrap.Wrap(err, "closing redis client")
	}

	return nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan bus.Message
	done chan struct{}
	once sync.Once
}

func (s *subscription) Messages() <-chan bus.Message { return s.out }

func (s *subscription) pump() {
	defer close(s.out)

	for msg := range s.ps.Channel() {
		select {
		case s.out <- bus.Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) Close() error {
	var err error

	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})

	if err != nil {
		return ewrap.Wrap(err, "closing redis subscription")
	}

	return nil
}
