// Package admission limits the number of concurrently registered local connections.
package admission

import (
	"sync/atomic"

	"github.com/hyp3rd/signalrelay/internal/sentinel"
)

// Controller holds the admission ceiling. A ceiling of zero disables the limit.
type Controller struct {
	ceiling  atomic.Int64
	rejected atomic.Uint64
}

// New returns a controller enforcing ceiling.
func New(ceiling int) (*Controller, error) {
	if ceiling < 0 {
		return nil, sentinel.ErrInvalidCeiling
	}

	c := &Controller{}
	c.ceiling.Store(int64(ceiling))

	return c, nil
}

// Exceeded reports whether a new identity must be refused given the current local count.
func (c *Controller) Exceeded(count int) bool {
	ceiling := c.ceiling.Load()

	return ceiling > 0 && int64(count) >= ceiling
}

// Admit is the predicate handed to the registry: it returns true when a first-time
// registration may proceed and counts refusals.
func (c *Controller) Admit(count int) bool {
	if c.Exceeded(count) {
		c.rejected.Add(1)

		return false
	}

	return true
}

// Ceiling returns the configured ceiling.
func (c *Controller) Ceiling() int { return int(c.ceiling.Load()) }

// SetCeiling changes the ceiling at runtime. Negative values are ignored.
func (c *Controller) SetCeiling(ceiling int) {
	if ceiling < 0 {
		return
	}

	c.ceiling.Store(int64(ceiling))
}

// Rejected returns how many registrations were refused.
func (c *Controller) Rejected() uint64 { return c.rejected.Load() }
