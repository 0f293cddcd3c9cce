package api

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// Slots is the request concurrency limiter. Acquire blocks up to the wait
// timeout for a free slot; Release must run on every exit path.
type Slots struct {
	sem         *semaphore.Weighted
	waitTimeout time.Duration
	max         int
	current     atomic.Int64
}

// NewSlots returns a limiter admitting max concurrent requests.
func NewSlots(max int, waitTimeout time.Duration) *Slots {
	return &Slots{sem: semaphore.NewWeighted(int64(max)), waitTimeout: waitTimeout, max: max}
}

// Acquire claims a slot, waiting up to the configured timeout.
func (s *Slots) Acquire(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.waitTimeout)
	defer cancel()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return false
	}
	s.current.Add(1)
	return true
}

// Release frees a slot.
func (s *Slots) Release() {
	s.current.Add(-1)
	s.sem.Release(1)
}

// Current returns the number of held slots.
func (s *Slots) Current() int { return int(s.current.Load()) }

// Max returns the slot capacity.
func (s *Slots) Max() int { return s.max }
