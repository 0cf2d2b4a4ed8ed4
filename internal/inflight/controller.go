// Package inflight bounds the number of outstanding submissions per bind.
package inflight

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"smppload/internal/core"
)

// Controller is a counting admission gate.
type Controller struct {
	sem         *semaphore.Weighted
	capacity    int
	outstanding atomic.Int64
}

// NewController returns a gate admitting at most capacity attempts at once.
// capacity below 1 is treated as 1.
func NewController(capacity int) *Controller {
	if capacity < 1 {
		capacity = 1
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free. It returns core.ErrCancelled if ctx
// ends first, in which case no slot is held.
func (c *Controller) Acquire(ctx context.Context) (*Slot, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrCancelled, err)
	}
	c.outstanding.Add(1)
	return &Slot{c: c}, nil
}

// Outstanding returns the number of slots currently held.
func (c *Controller) Outstanding() int {
	return int(c.outstanding.Load())
}

// Capacity returns the configured bound.
func (c *Controller) Capacity() int {
	return c.capacity
}

// Slot is a handle on one unit of admission capacity.
type Slot struct {
	c        *Controller
	released atomic.Bool
}

// Release frees the slot. Only the first call has an effect; it reports
// whether this call was the one that released.
func (s *Slot) Release() bool {
	if !s.released.CompareAndSwap(false, true) {
		return false
	}
	s.c.outstanding.Add(-1)
	s.c.sem.Release(1)
	return true
}
