package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dagobah-org/dagobah/internal/backend"
	"github.com/dagobah-org/dagobah/internal/event"
	"github.com/dagobah-org/dagobah/internal/logger"
	"github.com/dagobah-org/dagobah/internal/models"
	"github.com/dagobah-org/dagobah/internal/remote"
)

// Dagobah is the engine root: it owns the jobs, the scheduler, the
// event handler, the SSH configuration, and the backend everything
// persists through.
type Dagobah struct {
	backend backend.Backend
	events  *event.Handler

	mu            sync.Mutex
	id            models.ID
	createdJobs   int
	jobs          []*Job
	sshConfigPath string

	scheduler *Scheduler
}

// Option configures a new Dagobah.
type Option func(*Dagobah)

// WithEventHandler installs the hook registry lifecycle events are
// emitted through.
func WithEventHandler(handler *event.Handler) Option {
	return func(d *Dagobah) { d.events = handler }
}

// WithSSHConfig points remote tasks at an SSH configuration file.
func WithSSHConfig(path string) Option {
	return func(d *Dagobah) { d.sshConfigPath = path }
}

// New constructs a Dagobah with a fresh id, persists it, and starts its
// scheduler.
func New(ctx context.Context, be backend.Backend, opts ...Option) (*Dagobah, error) {
	d := &Dagobah{
		backend:       be,
		events:        event.NewHandler(),
		sshConfigPath: remote.DefaultConfigPath(),
	}
	for _, opt := range opts {
		opt(d)
	}

	id, err := be.NewDagobahID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate dagobah id: %w", err)
	}
	d.id = id

	d.scheduler = newScheduler(d)
	d.scheduler.Start(ctx)

	if err := d.commitDagobah(ctx, false); err != nil {
		return nil, err
	}
	return d, nil
}

// ID returns the instance's backend-allocated id.
func (d *Dagobah) ID() models.ID {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Events returns the lifecycle event registry.
func (d *Dagobah) Events() *event.Handler { return d.events }

// Scheduler returns the instance's scheduler.
func (d *Dagobah) Scheduler() *Scheduler { return d.scheduler }

// Jobs returns the current jobs, in creation order.
func (d *Dagobah) Jobs() []*Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	jobs := make([]*Job, len(d.jobs))
	copy(jobs, d.jobs)
	return jobs
}

// GetJob returns a job by name.
func (d *Dagobah) GetJob(name string) (*Job, error) {
	return d.resolveJob(name)
}

func (d *Dagobah) resolveJob(name string) (*Job, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, job := range d.jobs {
		if job.Name() == name {
			return job, nil
		}
	}
	return nil, fmt.Errorf("%w: job %s", ErrNotFound, name)
}

func (d *Dagobah) nameAvailableLocked(name string) bool {
	for _, job := range d.jobs {
		if job.Name() == name {
			return false
		}
	}
	return true
}

// AddJob creates a new, empty job.
func (d *Dagobah) AddJob(ctx context.Context, name string) (*Job, error) {
	return d.addJob(ctx, name, "")
}

func (d *Dagobah) addJob(ctx context.Context, name string, id models.ID) (*Job, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: job name must not be empty", ErrInvalidArgument)
	}

	d.mu.Lock()
	if !d.nameAvailableLocked(name) {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: job %s", ErrNameTaken, name)
	}
	if id == "" {
		newID, err := d.backend.NewJobID(ctx)
		if err != nil {
			d.mu.Unlock()
			return nil, fmt.Errorf("failed to allocate job id: %w", err)
		}
		id = newID
		d.createdJobs++
	}
	job := newJob(d, id, name)
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()

	if err := d.commitJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// DeleteJob removes a job and its backend record.
func (d *Dagobah) DeleteJob(ctx context.Context, name string) error {
	d.mu.Lock()
	idx := -1
	for i, job := range d.jobs {
		if job.Name() == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: job %s", ErrNotFound, name)
	}
	job := d.jobs[idx]
	d.jobs = append(d.jobs[:idx], d.jobs[idx+1:]...)
	d.mu.Unlock()

	if err := d.backend.DeleteJob(ctx, job.ID()); err != nil {
		logger.Error(ctx, "Failed to delete job from backend",
			"job", name, "err", err)
	}
	return d.commitDagobah(ctx, false)
}

// renameJob applies a rename after checking availability.
func (d *Dagobah) renameJob(job *Job, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.nameAvailableLocked(newName) {
		return fmt.Errorf("%w: job %s", ErrNameTaken, newName)
	}
	job.mu.Lock()
	job.name = newName
	job.mu.Unlock()
	return nil
}

// AddTaskToJob adds a task to a job by name, honoring the job's graph
// guard.
func (d *Dagobah) AddTaskToJob(ctx context.Context, jobName, command, taskName string, opts ...TaskOption) error {
	job, err := d.resolveJob(jobName)
	if err != nil {
		return err
	}
	return job.AddTask(ctx, command, taskName, opts...)
}

// AddJobTaskToJob adds a job reference node to a job. The target must
// exist.
func (d *Dagobah) AddJobTaskToJob(ctx context.Context, jobName, targetJobName, taskName string) error {
	job, err := d.resolveJob(jobName)
	if err != nil {
		return err
	}
	target, err := d.resolveJob(targetJobName)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownJob, targetJobName)
	}
	return job.AddJobTask(ctx, target.Name(), taskName)
}

// FromBackend rebuilds this instance from a persisted document,
// discarding all local state first.
func (d *Dagobah) FromBackend(ctx context.Context, id models.ID) error {
	doc, err := d.backend.GetDagobah(ctx, id)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return fmt.Errorf("%w: dagobah %s", ErrNotFound, id)
		}
		return err
	}

	d.mu.Lock()
	d.jobs = nil
	d.id = doc.DagobahID
	d.createdJobs = doc.CreatedJobs
	d.mu.Unlock()

	for _, jobDoc := range doc.Jobs {
		if err := d.addJobFromDoc(ctx, jobDoc, true); err != nil {
			return err
		}
	}
	return d.commitDagobah(ctx, true)
}

// AddJobFromJSON imports one exported job document. The imported job id
// is never trusted; a fresh one is allocated. With destructive set, an
// existing job of the same name is deleted first.
func (d *Dagobah) AddJobFromJSON(ctx context.Context, data []byte, destructive bool) error {
	doc, err := d.backend.DecodeImportJSON(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if destructive {
		if err := d.DeleteJob(ctx, doc.Name); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	if err := d.addJobFromDoc(ctx, doc, false); err != nil {
		return err
	}
	return d.commitDagobah(ctx, true)
}

func (d *Dagobah) addJobFromDoc(ctx context.Context, doc *models.JobDoc, useJobID bool) error {
	id := models.ID("")
	if useJobID {
		id = doc.JobID
	}
	job, err := d.addJob(ctx, doc.Name, id)
	if err != nil {
		return err
	}
	if doc.CronSchedule != "" {
		if err := job.Schedule(ctx, doc.CronSchedule, models.Time{}.Time); err != nil {
			return err
		}
	}

	for _, task := range doc.Tasks {
		if task.IsJobTask() {
			if err := job.AddJobTask(ctx, task.TargetJob, task.Name); err != nil {
				return err
			}
			continue
		}
		opts := []TaskOption{
			WithSoftTimeout(task.SoftTimeout),
			WithHardTimeout(task.HardTimeout),
		}
		if task.Hostname != nil && *task.Hostname != "" {
			opts = append(opts, WithHostname(*task.Hostname))
		}
		if err := job.AddTask(ctx, task.Command, task.Name, opts...); err != nil {
			return err
		}
	}

	for from, downstream := range doc.Dependencies {
		for _, to := range downstream {
			if err := job.AddDependency(ctx, from, to); err != nil {
				return err
			}
		}
	}

	if doc.Notes != "" {
		if err := job.SetNotes(ctx, doc.Notes); err != nil {
			return err
		}
	}
	return nil
}

// Serialize returns the full instance document.
func (d *Dagobah) Serialize(ctx context.Context, includeRunLogs bool) *models.DagobahDoc {
	d.mu.Lock()
	doc := &models.DagobahDoc{
		DagobahID:   d.id,
		CreatedJobs: d.createdJobs,
		Jobs:        make([]*models.JobDoc, 0, len(d.jobs)),
	}
	jobs := make([]*Job, len(d.jobs))
	copy(jobs, d.jobs)
	d.mu.Unlock()

	for _, job := range jobs {
		doc.Jobs = append(doc.Jobs, job.Serialize(ctx, includeRunLogs))
	}
	return doc
}

// GetHosts enumerates the host aliases in the SSH configuration,
// excluding wildcard patterns.
func (d *Dagobah) GetHosts() ([]string, error) {
	d.mu.Lock()
	path := d.sshConfigPath
	d.mu.Unlock()
	if path == "" {
		return nil, nil
	}
	return remote.Hosts(path)
}

// GetHost resolves one enumerable host alias to its spec.
func (d *Dagobah) GetHost(name string) (*remote.HostSpec, error) {
	d.mu.Lock()
	path := d.sshConfigPath
	d.mu.Unlock()
	spec, err := remote.LookupKnown(path, name)
	if err != nil {
		if errors.Is(err, remote.ErrHostNotFound) {
			return nil, fmt.Errorf("%w: host %s", ErrNotFound, name)
		}
		return nil, err
	}
	return spec, nil
}

// lookupHost is the resolver handed to tasks; unlike GetHost it
// resolves through wildcard patterns as well.
func (d *Dagobah) lookupHost(name string) (*remote.HostSpec, error) {
	d.mu.Lock()
	path := d.sshConfigPath
	d.mu.Unlock()
	if path == "" {
		return nil, fmt.Errorf("%w: no ssh config path configured", ErrNotFound)
	}
	return remote.Lookup(path, name)
}
