package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/stratoslab/perpengine/internal/logger"
)

// Scheduler drives the periodic signal-check cycle. At most one cycle is in
// flight: a tick that fires while the previous cycle is still running is
// skipped, never queued or run concurrently.
type Scheduler struct {
	interval time.Duration
	log      *logger.Logger

	inFlight atomic.Bool
	skipped  atomic.Int64
}

// NewScheduler creates a scheduler firing at the given interval.
func NewScheduler(interval time.Duration, log *logger.Logger) *Scheduler {
	return &Scheduler{interval: interval, log: log}
}

// Run fires cycle on every tick until ctx is cancelled. Blocks the caller.
func (s *Scheduler) Run(ctx context.Context, cycle func(context.Context)) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFlight.CompareAndSwap(false, true) {
				s.skipped.Add(1)
				s.log.Debug("Skipping tick, previous cycle still running")

				continue
			}

			go func() {
				defer s.inFlight.Store(false)
				cycle(ctx)
			}()
		}
	}
}

// Skipped returns how many ticks were dropped because a cycle was in flight.
func (s *Scheduler) Skipped() int64 {
	return s.skipped.Load()
}

// TryRun runs cycle immediately if no cycle is in flight. Returns false when
// the tick was skipped.
func (s *Scheduler) TryRun(ctx context.Context, cycle func(context.Context)) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.skipped.Add(1)

		return false
	}

	defer s.inFlight.Store(false)
	cycle(ctx)

	return true
}
