package core

import (
	"context"
	"sync"
	"time"

	"github.com/dagobah-org/dagobah/internal/logger"
)

// Scheduler is the single background loop that starts jobs at their
// scheduled times. One scheduler runs per Dagobah.
type Scheduler struct {
	owner *Dagobah

	mu        sync.Mutex
	lastCheck time.Time
	stopped   bool

	done chan struct{}
}

func newScheduler(owner *Dagobah) *Scheduler {
	return &Scheduler{
		owner:     owner,
		lastCheck: now(),
		done:      make(chan struct{}),
	}
}

// Start runs the sweep loop until the context is cancelled. A job is
// eligible when its next fire time fell inside the window since the
// last sweep; an eligible job that cannot start has its next fire
// pushed past the sweep instead.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.mu.Lock()
	stopped := s.stopped
	lastCheck := s.lastCheck
	s.mu.Unlock()
	if stopped {
		return
	}

	sweepTime := now()
	for _, job := range s.owner.Jobs() {
		nextRun := job.NextRun()
		if nextRun.IsZero() {
			continue
		}
		if nextRun.Before(lastCheck) || nextRun.After(sweepTime) {
			continue
		}
		if job.Status().AllowStart() {
			logger.Info(ctx, "Scheduler starting job", "job", job.Name())
			if err := job.Start(ctx); err != nil {
				logger.Error(ctx, "Scheduled job failed to start",
					"job", job.Name(), "err", err)
			}
		} else {
			job.pushNextRun(sweepTime)
		}
	}

	s.mu.Lock()
	s.lastCheck = sweepTime
	s.mu.Unlock()
}

// Stop pauses the sweep. Running tasks are unaffected and complete
// normally.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// Restart resumes the sweep with a fresh window, skipping fire times
// missed while stopped.
func (s *Scheduler) Restart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = now()
	s.stopped = false
}

// Stopped reports whether sweeps are paused.
func (s *Scheduler) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// Done is closed when the loop has exited after context cancellation.
func (s *Scheduler) Done() <-chan struct{} { return s.done }
