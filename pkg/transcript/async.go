package transcript

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hyp3rd/ewrap"
	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/internal/constants"
	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

type job struct {
	id   string
	line string
}

// AsyncOption configures an `Async` recorder.
type AsyncOption func(*Async)

// WithWorkers sets the number of writers.
func WithWorkers(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.workers = n
		}
	}
}

// WithQueueSize sets the number of lines each writer buffers.
func WithQueueSize(n int) AsyncOption {
	return func(a *Async) {
		if n > 0 {
			a.queueSize = n
		}
	}
}

// WithWriteTimeout bounds a single write to the underlying recorder.
func WithWriteTimeout(d time.Duration) AsyncOption {
	return func(a *Async) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAsyncLogger sets the logger used to report failed writes.
func WithAsyncLogger(logger *zap.Logger) AsyncOption {
	return func(a *Async) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Async is a Recorder that hands lines to a fixed pool of writers.
// Lines of one identity always go to the same writer, so they keep their order.
// Record never blocks: when the writer's queue is full the line is dropped.
type Async struct {
	next      Recorder
	workers   int
	queueSize int
	timeout   time.Duration
	logger    *zap.Logger

	mu     sync.RWMutex
	closed bool
	queues []chan job
	wg     sync.WaitGroup

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// NewAsync starts the writers in front of next.
func NewAsync(next Recorder, opts ...AsyncOption) *Async {
	a := &Async{
		next:      next,
		workers:   constants.DefaultAuditWorkers,
		queueSize: constants.DefaultAuditQueueSize,
		timeout:   constants.DefaultAuditTimeout,
		logger:    zap.NewNop(),
	}

	for _, opt := range opts {
		opt(a)
	}

	a.queues = make([]chan job, a.workers)
	for i := range a.queues {
		a.queues[i] = make(chan job, a.queueSize)

		a.wg.Add(1)

		go a.worker(a.queues[i])
	}

	return a
}

// Record queues the line. It returns ErrTranscriptQueueFull when the line was dropped.
func (a *Async) Record(_ context.Context, id, line string) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return ewrap.Wrap(sentinel.ErrTranscriptClosed, id)
	}

	select {
	case a.queues[xxhash.Sum64String(id)%uint64(len(a.queues))] <- job{id: id, line: line}:
		return nil
	default:
		a.dropped.Add(1)

		return ewrap.Wrap(sentinel.ErrTranscriptQueueFull, id)
	}
}

// Entries reads through to the underlying recorder.
func (a *Async) Entries(ctx context.Context, id string) ([]string, error) {
	return a.next.Entries(ctx, id)
}

// Close stops accepting lines and waits for the queued ones to be written.
func (a *Async) Close() {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()

		return
	}

	a.closed = true
	for _, q := range a.queues {
		close(q)
	}

	a.mu.Unlock()

	a.wg.Wait()
}

// Written counts lines stored by the underlying recorder.
func (a *Async) Written() uint64 { return a.written.Load() }

// Dropped counts lines refused because their writer's queue was full.
func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// Failed counts lines the underlying recorder rejected.
func (a *Async) Failed() uint64 { return a.failed.Load() }

func (a *Async) worker(q <-chan job) {
	defer a.wg.Done()

	for j := range q {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Record(ctx, j.id, j.line)

		cancel()

		if err != nil {
			a.failed.Add(1)
			a.logger.Debug("transcript write failed", zap.String("id", j.id), zap.Error(err))

			continue
		}

		a.written.Add(1)
	}
}
