package signalrelay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyp3rd/signalrelay/pkg/registry"
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *zap.Logger) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithReapHook registers fn, called for every client the sweeper unbinds.
func WithReapHook(fn func(*registry.Client)) SweeperOption {
	return func(s *Sweeper) { s.onReap = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// Sweeper periodically unbinds local clients that stopped sending heartbeats and closes
// their connections.
type Sweeper struct {
	reg       *registry.Registry
	interval  time.Duration
	threshold time.Duration
	logger    *zap.Logger
	onReap    func(*registry.Client)
	now       func() time.Time

	reaped    atomic.Uint64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewSweeper returns a sweeper running every interval and reaping clients silent for
// longer than threshold. A zero interval or threshold disables it.
func NewSweeper(reg *registry.Registry, interval, threshold time.Duration, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		reg:       reg,
		interval:  interval,
		threshold: threshold,
		logger:    zap.NewNop(),
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.logger = s.logger.Named("sweeper")

	return s
}

// Start launches the sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	if s.interval <= 0 || s.threshold <= 0 {
		return
	}

	s.startOnce.Do(func() {
		ctx, s.cancel = context.WithCancel(ctx)

		s.wg.Add(1)

		go func() {
			defer s.wg.Done()

			ticker := time.NewTicker(s.interval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.Sweep()
				}
			}
		}()
	})
}

// Stop ends the sweep loop.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}

		s.wg.Wait()
	})
}

// Sweep runs one pass and returns the number of clients reaped.
func (s *Sweeper) Sweep() int {
	if s.threshold <= 0 {
		return 0
	}

	now := s.now()
	n := 0

	for _, c := range s.reg.Locals() {
		if now.Sub(c.LastPing()) <= s.threshold {
			continue
		}

		conn := c.Conn()
		if conn == nil || !s.reg.RemoveIfBound(c.ID(), conn) {
			continue
		}

		_ = conn.Close()

		n++

		s.reaped.Add(1)
		s.logger.Info("client expired", zap.String("id", c.ID()), zap.Time("lastPing", c.LastPing()))

		if s.onReap != nil {
			s.onReap(c)
		}
	}

	return n
}

// Reaped returns the number of clients reaped so far.
func (s *Sweeper) Reaped() uint64 { return s.reaped.Load() }
