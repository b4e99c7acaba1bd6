package core

import (
	"context"
	"fmt"

	"github.com/dagobah-org/dagobah/internal/logger"
)

// The commit methods funnel every persistence write through the
// backend's advisory lock, so concurrent instances sharing a database
// never interleave a job write with its owning dagobah write.

// commitJob persists one job document and cascades upward to the
// dagobah document that references it.
func (d *Dagobah) commitJob(ctx context.Context, job *Job) error {
	release, err := d.backend.AcquireLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire backend lock: %w", err)
	}
	defer release()

	if err := d.backend.CommitJob(ctx, job.Serialize(ctx, false)); err != nil {
		return fmt.Errorf("failed to commit job %s: %w", job.Name(), err)
	}
	return d.commitDagobahLocked(ctx, false)
}

// commitDagobah persists the instance document. With cascade set, every
// job document is rewritten first.
func (d *Dagobah) commitDagobah(ctx context.Context, cascade bool) error {
	release, err := d.backend.AcquireLock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire backend lock: %w", err)
	}
	defer release()
	return d.commitDagobahLocked(ctx, cascade)
}

// commitDagobahLocked assumes the caller holds the backend lock.
func (d *Dagobah) commitDagobahLocked(ctx context.Context, cascade bool) error {
	if cascade {
		for _, job := range d.Jobs() {
			if err := d.backend.CommitJob(ctx, job.Serialize(ctx, false)); err != nil {
				return fmt.Errorf("failed to commit job %s: %w", job.Name(), err)
			}
		}
	}
	if err := d.backend.CommitDagobah(ctx, d.Serialize(ctx, false)); err != nil {
		return fmt.Errorf("failed to commit dagobah %s: %w", d.ID(), err)
	}
	return nil
}

// commitRunLog persists the job's current run log, if it has one.
// Failures are logged rather than surfaced; a run in flight keeps
// going even when the backend hiccups.
func (d *Dagobah) commitRunLog(ctx context.Context, job *Job) {
	job.mu.Lock()
	if job.runLog == nil {
		job.mu.Unlock()
		return
	}
	log := job.runLog.Clone()
	job.mu.Unlock()

	release, err := d.backend.AcquireLock(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to acquire backend lock for run log",
			"job", job.Name(), "err", err)
		return
	}
	defer release()
	if err := d.backend.CommitRunLog(ctx, log); err != nil {
		logger.Error(ctx, "Failed to commit run log",
			"job", job.Name(), "log", log.LogID, "err", err)
	}
}
