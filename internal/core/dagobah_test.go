package core

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dagobah-org/dagobah/internal/backend"
)

func TestDagobahJobNames(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	_, err := d.AddJob(ctx, "etl")
	require.NoError(t, err)
	_, err = d.AddJob(ctx, "etl")
	require.ErrorIs(t, err, ErrNameTaken)
	_, err = d.AddJob(ctx, "")
	require.ErrorIs(t, err, ErrInvalidArgument)

	job, err := d.GetJob("etl")
	require.NoError(t, err)
	assert.Equal(t, "etl", job.Name())

	_, err = d.GetJob("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDagobahDeleteJob(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	_, err := d.AddJob(ctx, "gone")
	require.NoError(t, err)
	require.NoError(t, d.DeleteJob(ctx, "gone"))

	_, err = d.GetJob("gone")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, d.DeleteJob(ctx, "gone"), ErrNotFound)

	// The name frees up for reuse.
	_, err = d.AddJob(ctx, "gone")
	require.NoError(t, err)
}

func TestDagobahRenameJob(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	job, err := d.AddJob(ctx, "old")
	require.NoError(t, err)
	_, err = d.AddJob(ctx, "taken")
	require.NoError(t, err)

	require.ErrorIs(t, job.Rename(ctx, "taken"), ErrNameTaken)
	require.NoError(t, job.Rename(ctx, "new"))

	_, err = d.GetJob("old")
	require.ErrorIs(t, err, ErrNotFound)
	renamed, err := d.GetJob("new")
	require.NoError(t, err)
	assert.Equal(t, job.ID(), renamed.ID())
}

func TestDagobahExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	_, err := d.AddJob(ctx, "inner")
	require.NoError(t, err)

	job, err := d.AddJob(ctx, "pipeline")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo a", "a", WithSoftTimeout(60), WithHardTimeout(120)))
	require.NoError(t, job.AddTask(ctx, "echo b", "b"))
	require.NoError(t, job.AddJobTask(ctx, "inner", "ref"))
	require.NoError(t, job.AddDependency(ctx, "a", "b"))
	require.NoError(t, job.AddDependency(ctx, "b", "ref"))
	require.NoError(t, job.Schedule(ctx, "30 2 * * *", time.Time{}))
	require.NoError(t, job.SetNotes(ctx, "imported pipeline"))

	data, err := json.Marshal(job.Serialize(ctx, false))
	require.NoError(t, err)

	other := newTestDagobah(t)
	require.NoError(t, other.AddJobFromJSON(ctx, data, false))

	imported, err := other.GetJob("pipeline")
	require.NoError(t, err)
	assert.NotEqual(t, job.ID(), imported.ID(), "import allocates a fresh id")
	assert.Equal(t, "30 2 * * *", imported.CronSchedule())
	assert.Equal(t, "imported pipeline", imported.Notes())

	doc := imported.Serialize(ctx, false)
	require.Len(t, doc.Tasks, 3)
	assert.Equal(t, []string{"b"}, doc.Dependencies["a"])
	assert.Equal(t, []string{"ref"}, doc.Dependencies["b"])
	for _, task := range doc.Tasks {
		switch task.Name {
		case "a":
			assert.Equal(t, "echo a", task.Command)
			assert.Equal(t, 60, task.SoftTimeout)
			assert.Equal(t, 120, task.HardTimeout)
		case "ref":
			assert.Equal(t, "inner", task.TargetJob)
		}
	}

	// Same name again: rejected without destructive, replaced with it.
	require.ErrorIs(t, other.AddJobFromJSON(ctx, data, false), ErrNameTaken)
	require.NoError(t, other.AddJobFromJSON(ctx, data, true))
	replaced, err := other.GetJob("pipeline")
	require.NoError(t, err)
	assert.NotEqual(t, imported.ID(), replaced.ID())

	require.Error(t, other.AddJobFromJSON(ctx, []byte("{not json"), false))
}

func TestDagobahFromBackend(t *testing.T) {
	ctx := context.Background()
	store := backend.NewMemory()

	first, err := New(ctx, store)
	require.NoError(t, err)
	first.Scheduler().Stop()

	job, err := first.AddJob(ctx, "persisted")
	require.NoError(t, err)
	require.NoError(t, job.AddTask(ctx, "echo hi", "hi"))
	require.NoError(t, job.AddTask(ctx, "echo bye", "bye"))
	require.NoError(t, job.AddDependency(ctx, "hi", "bye"))
	require.NoError(t, job.Schedule(ctx, "15 4 * * *", time.Time{}))
	require.NoError(t, job.SetNotes(ctx, "survives restarts"))

	second, err := New(ctx, store)
	require.NoError(t, err)
	second.Scheduler().Stop()
	require.NoError(t, second.FromBackend(ctx, first.ID()))

	assert.Equal(t, first.ID(), second.ID())
	restored, err := second.GetJob("persisted")
	require.NoError(t, err)
	assert.Equal(t, job.ID(), restored.ID(), "restore keeps persisted job ids")
	assert.Equal(t, "15 4 * * *", restored.CronSchedule())
	assert.Equal(t, "survives restarts", restored.Notes())

	doc := restored.Serialize(ctx, false)
	require.Len(t, doc.Tasks, 2)
	assert.Equal(t, []string{"bye"}, doc.Dependencies["hi"])

	require.ErrorIs(t, second.FromBackend(ctx, "no-such-id"), ErrNotFound)
}

func TestDagobahSerialize(t *testing.T) {
	ctx := context.Background()
	d := newTestDagobah(t)

	_, err := d.AddJob(ctx, "one")
	require.NoError(t, err)
	_, err = d.AddJob(ctx, "two")
	require.NoError(t, err)

	doc := d.Serialize(ctx, false)
	assert.Equal(t, d.ID(), doc.DagobahID)
	assert.Equal(t, 2, doc.CreatedJobs)
	require.Len(t, doc.Jobs, 2)
	assert.Equal(t, "one", doc.Jobs[0].Name)
	assert.Equal(t, "two", doc.Jobs[1].Name)
}

func TestDagobahHosts(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "ssh_config")
	cfg := `Host worker1
    HostName worker1.internal
    User deploy
    IdentityFile ~/.ssh/id_deploy

Host worker2
    HostName 10.0.0.12
    Port 2222

Host *
    User fallback
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	cancelCtx, cancel := context.WithCancel(ctx)
	t.Cleanup(cancel)
	d, err := New(cancelCtx, backend.NewMemory(), WithSSHConfig(cfgPath))
	require.NoError(t, err)
	d.Scheduler().Stop()

	hosts, err := d.GetHosts()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"worker1", "worker2"}, hosts,
		"wildcard patterns are not enumerable hosts")

	spec, err := d.GetHost("worker2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.12", spec.Hostname)
	assert.Equal(t, "2222", spec.Port)

	_, err = d.GetHost("worker9")
	require.ErrorIs(t, err, ErrNotFound)
}
