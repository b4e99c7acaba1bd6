package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresInsideWindow(t *testing.T) {
	base := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	setFixedTime(base)
	defer setFixedTime(time.Time{})

	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "nightly")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))
	require.NoError(t, job.Schedule(ctx, "0 5 * * *", base))

	fire := job.NextRun()
	require.Equal(t, time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC), fire)

	sched := d.Scheduler()

	// A sweep before the fire time leaves the job alone.
	setFixedTime(fire.Add(-time.Minute))
	sched.mu.Lock()
	sched.lastCheck = base
	sched.stopped = false
	sched.mu.Unlock()
	sched.sweep(ctx)
	assert.Equal(t, StatusWaiting, job.Status())
	assert.Equal(t, fire, job.NextRun())

	// Time moves past the fire; the window still covers it.
	setFixedTime(fire.Add(30 * time.Second))
	sched.sweep(ctx)
	require.Eventually(t, func() bool {
		logs, err := job.RunLogHistory(ctx, "only", 10)
		return err == nil && len(logs) == 1 && job.Status() == StatusWaiting
	}, 30*time.Second, 25*time.Millisecond, "the fire inside the window starts the job")

	logs, err := job.RunLogHistory(ctx, "only", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1, "exactly one run for one fire")
	assert.True(t, job.NextRun().After(fire), "next fire advanced past the start")

	// The next sweep sees a future fire and does nothing.
	sched.sweep(ctx)
	logs, err = job.RunLogHistory(ctx, "only", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSchedulerSkipsWhileStopped(t *testing.T) {
	base := time.Date(2026, 3, 10, 4, 59, 0, 0, time.UTC)
	setFixedTime(base)
	defer setFixedTime(time.Time{})

	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "paused")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))
	require.NoError(t, job.Schedule(ctx, "0 5 * * *", base))
	fire := job.NextRun()

	sched := d.Scheduler()
	require.True(t, sched.Stopped())

	setFixedTime(fire.Add(time.Minute))
	sched.sweep(ctx)
	assert.Equal(t, StatusWaiting, job.Status())

	logs, err := job.RunLogHistory(ctx, "only", 10)
	require.NoError(t, err)
	assert.Empty(t, logs, "a stopped scheduler never starts jobs")

	// Restart opens a fresh window, so the missed fire stays missed.
	setFixedTime(fire.Add(2 * time.Minute))
	sched.Restart()
	require.False(t, sched.Stopped())
	sched.sweep(ctx)

	logs, err = job.RunLogHistory(ctx, "only", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSchedulerPushesUnstartableJob(t *testing.T) {
	base := time.Date(2026, 3, 10, 4, 59, 0, 0, time.UTC)
	setFixedTime(base)
	defer setFixedTime(time.Time{})

	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "busy")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))
	require.NoError(t, job.Schedule(ctx, "0 5 * * *", base))
	fire := job.NextRun()

	job.mu.Lock()
	job.status = StatusRunning
	job.mu.Unlock()

	sched := d.Scheduler()
	sweepTime := fire.Add(time.Minute)
	setFixedTime(sweepTime)
	sched.mu.Lock()
	sched.lastCheck = base
	sched.stopped = false
	sched.mu.Unlock()
	sched.sweep(ctx)

	assert.True(t, job.NextRun().After(sweepTime),
		"an eligible job that cannot start gets its fire pushed")

	job.mu.Lock()
	job.status = StatusWaiting
	job.mu.Unlock()
}

func TestSchedulerIgnoresUnscheduledJobs(t *testing.T) {
	base := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	setFixedTime(base)
	defer setFixedTime(time.Time{})

	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "manual")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))

	sched := d.Scheduler()
	sched.Restart()
	sched.sweep(ctx)

	logs, err := job.RunLogHistory(ctx, "only", 10)
	require.NoError(t, err)
	assert.Empty(t, logs)
}
