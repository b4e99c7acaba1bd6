package core

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagobah-org/dagobah/internal/backend"
	"github.com/dagobah-org/dagobah/internal/dag"
)

func newTestDagobah(t *testing.T) *Dagobah {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	d, err := New(ctx, backend.NewMemory())
	require.NoError(t, err)
	d.Scheduler().Stop()
	return d
}

func waitForStatus(t *testing.T, job *Job, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return job.Status() == want
	}, 30*time.Second, 25*time.Millisecond,
		"job %s never reached status %s", job.Name(), want)
}

func TestJobLinearRun(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "etl")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo extract", "extract"))
	require.NoError(t, job.AddTask(ctx, "echo transform", "transform"))
	require.NoError(t, job.AddTask(ctx, "echo load", "load"))
	require.NoError(t, job.AddDependency(ctx, "extract", "transform"))
	require.NoError(t, job.AddDependency(ctx, "transform", "load"))

	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusWaiting)

	logs, err := job.RunLogHistory(ctx, "load", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)

	log := logs[0]
	require.Len(t, log.Tasks, 3)
	for _, name := range []string{"extract", "transform", "load"} {
		rec := log.Tasks[name]
		require.True(t, rec.Succeeded(), "task %s should have succeeded", name)
		assert.Equal(t, 0, *rec.ReturnCode)
	}
	assert.Equal(t, "extract\n", log.Tasks["extract"].Stdout)

	// Order: a task never starts before its dependency completed.
	assert.False(t, log.Tasks["transform"].StartTime.
		Before(log.Tasks["extract"].CompleteTime.Time))
	assert.False(t, log.Tasks["load"].StartTime.
		Before(log.Tasks["transform"].CompleteTime.Time))
}

func TestJobParallelBranches(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "fanout")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "root"))
	require.NoError(t, job.AddTask(ctx, "echo left", "left"))
	require.NoError(t, job.AddTask(ctx, "echo right", "right"))
	require.NoError(t, job.AddTask(ctx, "echo join", "join"))
	require.NoError(t, job.AddDependency(ctx, "root", "left"))
	require.NoError(t, job.AddDependency(ctx, "root", "right"))
	require.NoError(t, job.AddDependency(ctx, "left", "join"))
	require.NoError(t, job.AddDependency(ctx, "right", "join"))

	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusWaiting)

	logs, err := job.RunLogHistory(ctx, "join", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Len(t, logs[0].Tasks, 4)
	for name, rec := range logs[0].Tasks {
		assert.True(t, rec.Succeeded(), "task %s", name)
	}
}

func TestJobMidFailureAndRetry(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)
	marker := filepath.Join(t.TempDir(), "ready")

	job, err := d.AddJob(ctx, "flaky")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo start", "start"))
	require.NoError(t, job.AddTask(ctx, "cat "+marker, "gate"))
	require.NoError(t, job.AddTask(ctx, "echo finish", "finish"))
	require.NoError(t, job.AddDependency(ctx, "start", "gate"))
	require.NoError(t, job.AddDependency(ctx, "gate", "finish"))

	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusFailed)

	logs, err := job.RunLogHistory(ctx, "gate", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	logID := logs[0].LogID

	require.True(t, logs[0].Tasks["start"].Succeeded())
	require.True(t, logs[0].Tasks["gate"].Reported())
	assert.False(t, logs[0].Tasks["gate"].Succeeded())
	assert.NotContains(t, logs[0].Tasks, "finish",
		"downstream of a failed task must never start")

	require.NoError(t, os.WriteFile(marker, []byte("ready\n"), 0o600))
	require.NoError(t, job.Retry(ctx))
	waitForStatus(t, job, StatusWaiting)

	log, err := job.GetRunLog(ctx, "finish", logID)
	require.NoError(t, err)
	assert.True(t, log.Tasks["gate"].Succeeded(), "retried task should succeed")
	assert.True(t, log.Tasks["finish"].Succeeded(), "downstream runs after retry")
	assert.True(t, log.Tasks["start"].Succeeded(), "succeeded tasks are not rerun")
	assert.False(t, log.LastRetryTime.IsZero())
}

func TestJobRetryRequiresFailedState(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "idle")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))
	require.ErrorIs(t, job.Retry(ctx), ErrImmutableInState)
}

func TestJobImmutableWhileRunning(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "slow")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "sleep 30", "sleeper"))

	require.NoError(t, job.Start(ctx))
	require.Equal(t, StatusRunning, job.Status())

	require.ErrorIs(t, job.Start(ctx), ErrImmutableInState)
	require.ErrorIs(t, job.AddTask(ctx, "true", "extra"), ErrImmutableInState)
	require.ErrorIs(t, job.DeleteTask(ctx, "sleeper"), ErrImmutableInState)
	require.ErrorIs(t, job.AddDependency(ctx, "sleeper", "sleeper"), ErrImmutableInState)
	require.ErrorIs(t, job.Rename(ctx, "other"), ErrImmutableInState)
	require.ErrorIs(t, job.EditTask(ctx, "sleeper", TaskUpdate{}), ErrImmutableInState)

	// The schedule is the exception: it may change mid-run.
	require.NoError(t, job.Schedule(ctx, "0 5 * * *", time.Time{}))

	require.NoError(t, job.KillTask("sleeper"))
	waitForStatus(t, job, StatusFailed)

	logs, err := job.RunLogHistory(ctx, "sleeper", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Tasks["sleeper"].Stderr, killMarker)
}

func TestJobTimeoutLadder(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the supervision poll")
	}
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "hung")
	require.NoError(t, err)
	// Traps make the process survive SIGTERM, so the hard threshold
	// has to finish it.
	require.NoError(t, job.AddTask(ctx, "trap '' TERM; sleep 120", "stuck",
		WithSoftTimeout(1), WithHardTimeout(2)))

	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusFailed)

	logs, err := job.RunLogHistory(ctx, "stuck", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	rec := logs[0].Tasks["stuck"]
	require.True(t, rec.Reported())
	assert.False(t, rec.Succeeded())
	assert.Contains(t, rec.Stderr, strings.TrimSpace(terminateMarker))
	assert.Contains(t, rec.Stderr, strings.TrimSpace(killMarker))
}

func TestJobCycleRejectedAtEdgeAdd(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "cycle")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "a"))
	require.NoError(t, job.AddTask(ctx, "true", "b"))
	require.NoError(t, job.AddDependency(ctx, "a", "b"))

	err = job.AddDependency(ctx, "b", "a")
	require.ErrorIs(t, err, dag.ErrCycleDetected)

	// The rejected edge left the graph untouched.
	doc := job.Serialize(ctx, false)
	assert.Equal(t, []string{"b"}, doc.Dependencies["a"])
	assert.Empty(t, doc.Dependencies["b"])
}

func TestJobEditTask(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "edit")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo one", "first"))
	require.NoError(t, job.AddTask(ctx, "echo two", "second"))
	require.NoError(t, job.AddDependency(ctx, "first", "second"))

	newName := "renamed"
	newCommand := "echo three"
	soft := 30
	require.NoError(t, job.EditTask(ctx, "second", TaskUpdate{
		Name:        &newName,
		Command:     &newCommand,
		SoftTimeout: &soft,
	}))

	task, err := job.GetTask("renamed")
	require.NoError(t, err)
	assert.Equal(t, "echo three", task.Command())

	doc := job.Serialize(ctx, false)
	assert.Equal(t, []string{"renamed"}, doc.Dependencies["first"])

	_, err = job.GetTask("second")
	require.ErrorIs(t, err, ErrNotFound)

	taken := "first"
	err = job.EditTask(ctx, "renamed", TaskUpdate{Name: &taken})
	require.ErrorIs(t, err, ErrNameTaken)

	// A rejected edit applies nothing: the command in the same update
	// must not stick.
	negative := -1
	partial := "echo four"
	err = job.EditTask(ctx, "renamed", TaskUpdate{Command: &partial, HardTimeout: &negative})
	require.ErrorIs(t, err, ErrInvalidArgument)
	task, err = job.GetTask("renamed")
	require.NoError(t, err)
	assert.Equal(t, "echo three", task.Command())
}

func TestJobTaskStreamFallback(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "streams")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "seq 1 5", "counter"))

	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusWaiting)

	// The run is over, so the sinks are gone and the lines come from
	// the persisted run log.
	head, err := job.TaskHead(ctx, "counter", "stdout", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, head)

	tail, err := job.TaskTail(ctx, "counter", "stdout", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"4", "5"}, tail)

	_, err = job.TaskHead(ctx, "counter", "combined", 2)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = job.TaskHead(ctx, "missing", "stdout", 2)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestJobScheduleArithmetic(t *testing.T) {
	base := time.Date(2026, 3, 10, 4, 30, 0, 0, time.UTC)
	setFixedTime(base)
	defer setFixedTime(time.Time{})

	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "nightly")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))

	require.NoError(t, job.Schedule(ctx, "0 5 * * *", base))
	assert.Equal(t, time.Date(2026, 3, 10, 5, 0, 0, 0, time.UTC), job.NextRun())

	require.NoError(t, job.Schedule(ctx, "", time.Time{}))
	assert.True(t, job.NextRun().IsZero())
	assert.Empty(t, job.CronSchedule())

	err = job.Schedule(ctx, "not a cron line", time.Time{})
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestJobEventsEmitted(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	complete := make(chan map[string]any, 1)
	failed := make(chan map[string]any, 1)
	taskFailed := make(chan map[string]any, 1)
	require.NoError(t, d.Events().Register("job_complete", "test", func(_ context.Context, p map[string]any) {
		complete <- p
	}))
	require.NoError(t, d.Events().Register("job_failed", "test", func(_ context.Context, p map[string]any) {
		failed <- p
	}))
	require.NoError(t, d.Events().Register("task_failed", "test", func(_ context.Context, p map[string]any) {
		taskFailed <- p
	}))

	good, err := d.AddJob(ctx, "good")
	require.NoError(t, err)
	require.NoError(t, good.AddTask(ctx, "true", "ok"))
	require.NoError(t, good.Start(ctx))

	select {
	case payload := <-complete:
		assert.Equal(t, "good", payload["name"])
	case <-time.After(30 * time.Second):
		t.Fatal("job_complete never fired")
	}

	bad, err := d.AddJob(ctx, "bad")
	require.NoError(t, err)
	require.NoError(t, bad.AddTask(ctx, "exit 3", "boom"))
	require.NoError(t, bad.Start(ctx))

	select {
	case payload := <-taskFailed:
		assert.Equal(t, "boom", payload["name"])
		assert.Equal(t, "bad", payload["job"])
	case <-time.After(30 * time.Second):
		t.Fatal("task_failed never fired")
	}
	select {
	case payload := <-failed:
		assert.Equal(t, "bad", payload["name"])
	case <-time.After(30 * time.Second):
		t.Fatal("job_failed never fired")
	}
}

func TestJobSerializeIncludesRunLogs(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "report")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo out", "speak"))
	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusWaiting)

	doc := job.Serialize(ctx, true)
	require.Len(t, doc.Tasks, 1)
	require.NotNil(t, doc.Tasks[0].RunLogEntry)
	assert.Equal(t, "out\n", doc.Tasks[0].RunLogEntry.Stdout)

	bare := job.Serialize(ctx, false)
	assert.Nil(t, bare.Tasks[0].RunLogEntry)
}

func TestJobRunLogHistoryOrder(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "repeats")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "only"))

	var logIDs []string
	for i := 0; i < 3; i++ {
		require.NoError(t, job.Start(ctx))
		waitForStatus(t, job, StatusWaiting)
		logs, err := job.RunLogHistory(ctx, "only", 1)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		logIDs = append(logIDs, logs[0].LogID.String())
	}

	logs, err := job.RunLogHistory(ctx, "only", 10)
	require.NoError(t, err)
	require.Len(t, logs, 3)
	for i, log := range logs {
		assert.Equal(t, logIDs[len(logIDs)-1-i], log.LogID.String(),
			"history must be newest first")
	}

	limited, err := job.RunLogHistory(ctx, "only", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestJobDeleteTaskRemovesEdges(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "shrink")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "a"))
	require.NoError(t, job.AddTask(ctx, "true", "b"))
	require.NoError(t, job.AddTask(ctx, "true", "c"))
	require.NoError(t, job.AddDependency(ctx, "a", "b"))
	require.NoError(t, job.AddDependency(ctx, "b", "c"))

	require.NoError(t, job.DeleteTask(ctx, "b"))
	doc := job.Serialize(ctx, false)
	assert.Empty(t, doc.Dependencies["a"])
	assert.NotContains(t, doc.Dependencies, "b")

	require.ErrorIs(t, job.DeleteTask(ctx, "b"), ErrNotFound)
}

func TestJobDuplicateTaskName(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "dupes")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "true", "a"))
	err = job.AddTask(ctx, "false", "a")
	require.Error(t, err)
	assert.Equal(t, "name_taken", ErrorType(err))
}

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNotFound, "not_found"},
		{fmt.Errorf("wrapped: %w", ErrNameTaken), "name_taken"},
		{ErrImmutableInState, "immutable_in_state"},
		{ErrCyclic, "cyclic"},
		{dag.ErrCycleDetected, "cycle_detected"},
		{ErrUnknownJob, "unknown_job"},
		{ErrNamingConflict, "naming_conflict"},
		{ErrNothingToRetry, "nothing_to_retry"},
		{ErrInvalidArgument, "invalid_argument"},
		{ErrNotRunning, "not_running"},
		{fmt.Errorf("anything else"), "internal"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, ErrorType(tc.err), tc.err.Error())
	}
}

func TestJobStreamsReadCurrentRun(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "streaming")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo live-output; sleep 30", "emit"))
	require.NoError(t, job.Start(ctx))

	// While the task runs, head and tail serve its sink, not the
	// persisted entry seeded at start.
	require.Eventually(t, func() bool {
		lines, err := job.TaskHead(ctx, "emit", "stdout", 5)
		return err == nil && len(lines) > 0 && lines[0] == "live-output"
	}, 10*time.Second, 50*time.Millisecond, "head never served the running task's output")

	tail, err := job.TaskTail(ctx, "emit", "stdout", 5)
	require.NoError(t, err)
	assert.Contains(t, tail, "live-output")

	require.NoError(t, job.KillTask("emit"))
	waitForStatus(t, job, StatusFailed)
}

func TestJobSerializeKeepsLastOutcome(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "outcome")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo done", "only"))

	doc := job.Serialize(ctx, false)
	require.Len(t, doc.Tasks, 1)
	assert.Nil(t, doc.Tasks[0].Success)
	assert.True(t, doc.Tasks[0].StartedAt.IsZero())

	require.NoError(t, job.Start(ctx))
	waitForStatus(t, job, StatusWaiting)

	// Between runs the task keeps the last run's terminal fields.
	doc = job.Serialize(ctx, false)
	require.Len(t, doc.Tasks, 1)
	require.NotNil(t, doc.Tasks[0].Success)
	assert.True(t, *doc.Tasks[0].Success)
	assert.False(t, doc.Tasks[0].StartedAt.IsZero())
	assert.False(t, doc.Tasks[0].CompletedAt.IsZero())
}
