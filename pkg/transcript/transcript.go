// Package transcript keeps a per-identity audit trail of lifecycle and routing events.
// It is an optional collaborator: the relay records into it asynchronously and never
// lets a recording failure affect routing.
package transcript

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/signalrelay/internal/constants"
)

// Recorder appends and reads transcript lines.
type Recorder interface {
	Record(ctx context.Context, id, line string) error
	Entries(ctx context.Context, id string) ([]string, error)
}

// Nop discards everything.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, string, string) error { return nil }

// Entries implements Recorder.
func (Nop) Entries(context.Context, string) ([]string, error) { return nil, nil }

// Memory keeps transcripts in process memory.
type Memory struct {
	mu      sync.RWMutex
	lines   map[string][]string
	maxSize int
}

// NewMemory returns a Memory recorder keeping at most maxSize lines per identity
// (zero keeps everything).
func NewMemory(maxSize int) *Memory {
	return &Memory{lines: make(map[string][]string), maxSize: maxSize}
}

// Record implements Recorder.
func (m *Memory) Record(_ context.Context, id, line string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines := append(m.lines[id], line)
	if m.maxSize > 0 && len(lines) > m.maxSize {
		lines = lines[len(lines)-m.maxSize:]
	}

	m.lines[id] = lines

	return nil
}

// Entries implements Recorder.
func (m *Memory) Entries(_ context.Context, id string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.lines[id]), nil
}

// Redis stores each transcript as a redis list keyed by identity.
type Redis struct {
	client  redis.Cmdable
	prefix  string
	maxSize int64
	ttl     time.Duration
}

// RedisOption configures a Redis recorder.
type RedisOption func(*Redis)

// WithPrefix overrides the key prefix.
func WithPrefix(prefix string) RedisOption { return func(r *Redis) { r.prefix = prefix } }

// WithMaxSize caps the number of lines kept per identity.
func WithMaxSize(n int64) RedisOption { return func(r *Redis) { r.maxSize = n } }

// WithTTL expires idle transcripts.
func WithTTL(ttl time.Duration) RedisOption { return func(r *Redis) { r.ttl = ttl } }

// NewRedis returns a recorder writing through client.
func NewRedis(client redis.Cmdable, opts ...RedisOption) *Redis {
	r := &Redis{client: client, prefix: constants.TranscriptKeyPrefix}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Record implements Recorder.
func (r *Redis) Record(ctx context.Context, id, line string) error {
	key := r.prefix + id

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, line)

		if r.maxSize > 0 {
			pipe.LTrim(ctx, key, -r.maxSize, -1)
		}

		if r.ttl > 0 {
			pipe.Expire(ctx, key, r.ttl)
		}

		return nil
	})
	if err != nil {
		return ewrap.Wrap(err, "failed to record transcript")
	}

	return nil
}

// Entries implements Recorder.
func (r *Redis) Entries(ctx context.Context, id string) ([]string, error) {
	lines, err := r.client.LRange(ctx, r.prefix+id, 0, -1).Result()
	if err != nil {
		return nil, ewrap.Wrap(err, "failed to read transcript")
	}

	return lines, nil
}
