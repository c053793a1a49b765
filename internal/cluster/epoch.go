package cluster

import "sync/atomic"

// Epoch tracks a monotonically increasing version of the registry contents.
// Exposed through the stats endpoint as a cheap change detector.
type Epoch struct {
	v atomic.Uint64
}

// Next increments and returns the next version.
func (e *Epoch) Next() uint64 { return e.v.Add(1) }

// Get returns current version.
func (e *Epoch) Get() uint64 { return e.v.Load() }
