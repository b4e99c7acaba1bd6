package core

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobTaskExpansion(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	inner, err := d.AddJob(ctx, "inner")
	require.NoError(t, err)
	require.NoError(t, inner.AddTask(ctx, "echo p", "p"))
	require.NoError(t, inner.AddTask(ctx, "echo q", "q"))
	require.NoError(t, inner.AddDependency(ctx, "p", "q"))

	outer, err := d.AddJob(ctx, "outer")
	require.NoError(t, err)
	require.NoError(t, outer.AddTask(ctx, "echo x", "x"))
	require.NoError(t, d.AddJobTaskToJob(ctx, "outer", "inner", "ref"))
	require.NoError(t, outer.AddTask(ctx, "echo y", "y"))
	require.NoError(t, outer.AddDependency(ctx, "x", "ref"))
	require.NoError(t, outer.AddDependency(ctx, "ref", "y"))

	require.NoError(t, outer.Start(ctx))
	waitForStatus(t, outer, StatusWaiting)

	logs, err := outer.RunLogHistory(ctx, "y", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	log := logs[0]

	pName := "ref" + jobTaskDelimiter + "p"
	qName := "ref" + jobTaskDelimiter + "q"
	require.Len(t, log.Tasks, 4)
	for _, name := range []string{"x", pName, qName, "y"} {
		require.Contains(t, log.Tasks, name)
		assert.True(t, log.Tasks[name].Succeeded(), "task %s", name)
	}
	assert.NotContains(t, log.Tasks, "ref", "the reference node never runs itself")

	// Splice ordering: x before the subgraph, the subgraph before y.
	assert.False(t, log.Tasks[pName].StartTime.Before(log.Tasks["x"].CompleteTime.Time))
	assert.False(t, log.Tasks[qName].StartTime.Before(log.Tasks[pName].CompleteTime.Time))
	assert.False(t, log.Tasks["y"].StartTime.Before(log.Tasks[qName].CompleteTime.Time))

	// The run never touched the target job itself.
	assert.Equal(t, StatusWaiting, inner.Status())
	innerLogs, err := inner.RunLogHistory(ctx, "p", 10)
	require.NoError(t, err)
	assert.Empty(t, innerLogs)

	// The live graph still holds the unexpanded reference.
	doc := outer.Serialize(ctx, false)
	names := make([]string, 0, len(doc.Tasks))
	for _, task := range doc.Tasks {
		names = append(names, task.Name)
	}
	assert.ElementsMatch(t, []string{"x", "ref", "y"}, names)
}

func TestJobTaskEmptyTargetCollapses(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	_, err := d.AddJob(ctx, "empty")
	require.NoError(t, err)

	outer, err := d.AddJob(ctx, "outer")
	require.NoError(t, err)
	require.NoError(t, outer.AddTask(ctx, "echo x", "x"))
	require.NoError(t, outer.AddJobTask(ctx, "empty", "ref"))
	require.NoError(t, outer.AddTask(ctx, "echo y", "y"))
	require.NoError(t, outer.AddDependency(ctx, "x", "ref"))
	require.NoError(t, outer.AddDependency(ctx, "ref", "y"))

	require.NoError(t, outer.Start(ctx))
	waitForStatus(t, outer, StatusWaiting)

	logs, err := outer.RunLogHistory(ctx, "y", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Len(t, logs[0].Tasks, 2)
	assert.True(t, logs[0].Tasks["x"].Succeeded())
	assert.True(t, logs[0].Tasks["y"].Succeeded())
	assert.False(t, logs[0].Tasks["y"].StartTime.
		Before(logs[0].Tasks["x"].CompleteTime.Time))
}

func TestJobTaskNestedExpansion(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	deepest, err := d.AddJob(ctx, "deepest")
	require.NoError(t, err)
	require.NoError(t, deepest.AddTask(ctx, "echo core", "core"))

	middle, err := d.AddJob(ctx, "middle")
	require.NoError(t, err)
	require.NoError(t, middle.AddJobTask(ctx, "deepest", "deep"))

	top, err := d.AddJob(ctx, "top")
	require.NoError(t, err)
	require.NoError(t, top.AddJobTask(ctx, "middle", "mid"))

	require.NoError(t, top.Start(ctx))
	waitForStatus(t, top, StatusWaiting)

	logs, err := top.RunLogHistory(ctx,
		"mid"+jobTaskDelimiter+"deep"+jobTaskDelimiter+"core", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Len(t, logs[0].Tasks, 1)
}

func TestJobTaskCycleRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	jobA, err := d.AddJob(ctx, "a")
	require.NoError(t, err)
	jobB, err := d.AddJob(ctx, "b")
	require.NoError(t, err)

	require.NoError(t, jobA.AddJobTask(ctx, "b", "to-b"))
	require.NoError(t, jobB.AddJobTask(ctx, "a", "to-a"))

	require.ErrorIs(t, jobA.Start(ctx), ErrCyclic)
	require.ErrorIs(t, jobB.Start(ctx), ErrCyclic)
	assert.Equal(t, StatusWaiting, jobA.Status())
}

func TestJobTaskMutualReferenceConcurrentStart(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	jobA, err := d.AddJob(ctx, "a")
	require.NoError(t, err)
	jobB, err := d.AddJob(ctx, "b")
	require.NoError(t, err)
	require.NoError(t, jobA.AddJobTask(ctx, "b", "to-b"))
	require.NoError(t, jobB.AddJobTask(ctx, "a", "to-a"))

	// Racing starts of jobs that reference each other must both come
	// back Cyclic; neither may block on the other's mutex.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			var wg sync.WaitGroup
			for _, job := range []*Job{jobA, jobB} {
				wg.Add(1)
				go func(job *Job) {
					defer wg.Done()
					assert.ErrorIs(t, job.Start(ctx), ErrCyclic)
				}(job)
			}
			wg.Wait()
		}
	}()

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("concurrent starts of mutually referencing jobs never returned")
	}
	assert.Equal(t, StatusWaiting, jobA.Status())
	assert.Equal(t, StatusWaiting, jobB.Status())
}

func TestJobTaskSelfReferenceRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "self")
	require.NoError(t, err)
	require.NoError(t, job.AddJobTask(ctx, "self", "me"))
	require.ErrorIs(t, job.Start(ctx), ErrCyclic)
}

func TestJobTaskUnknownTargetRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "dangling")
	require.NoError(t, err)
	require.NoError(t, job.AddJobTask(ctx, "ghost", "ref"))
	require.ErrorIs(t, job.Start(ctx), ErrUnknownJob)

	err = d.AddJobTaskToJob(ctx, "dangling", "ghost", "ref2")
	require.ErrorIs(t, err, ErrUnknownJob)
}

func TestJobTaskNamingConflict(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	inner, err := d.AddJob(ctx, "inner")
	require.NoError(t, err)
	require.NoError(t, inner.AddTask(ctx, "true", "p"))

	outer, err := d.AddJob(ctx, "outer")
	require.NoError(t, err)
	require.NoError(t, outer.AddJobTask(ctx, "inner", "r"))
	require.NoError(t, outer.AddTask(ctx, "true", "r"+jobTaskDelimiter+"p"))

	require.ErrorIs(t, outer.Start(ctx), ErrNamingConflict)
	assert.Equal(t, StatusWaiting, outer.Status())
}

func TestJobTaskTargetMutableBetweenRuns(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	inner, err := d.AddJob(ctx, "inner")
	require.NoError(t, err)
	require.NoError(t, inner.AddTask(ctx, "echo one", "p"))

	outer, err := d.AddJob(ctx, "outer")
	require.NoError(t, err)
	require.NoError(t, outer.AddJobTask(ctx, "inner", "ref"))

	require.NoError(t, outer.Start(ctx))
	waitForStatus(t, outer, StatusWaiting)

	// Grow the target; the next run picks up the new shape because
	// expansion reads the live graph at snapshot time.
	require.NoError(t, inner.AddTask(ctx, "echo two", "q"))
	require.NoError(t, inner.AddDependency(ctx, "p", "q"))

	require.NoError(t, outer.Start(ctx))
	waitForStatus(t, outer, StatusWaiting)

	logs, err := outer.RunLogHistory(ctx, "ref"+jobTaskDelimiter+"q", 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Len(t, logs[0].Tasks, 2)
}
