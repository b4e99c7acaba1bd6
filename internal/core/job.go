package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dagobah-org/dagobah/internal/backend"
	"github.com/dagobah-org/dagobah/internal/dag"
	"github.com/dagobah-org/dagobah/internal/event"
	"github.com/dagobah-org/dagobah/internal/logger"
	"github.com/dagobah-org/dagobah/internal/models"
	"github.com/dagobah-org/dagobah/internal/stringutil"
)

// cronParser accepts standard 5-field cron expressions, UTC.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Job controls a DAG of tasks: graph mutation under state guards, the
// cron schedule, runs with their snapshot and run log, and completion
// routing. While a run is active a per-run actor goroutine drains task
// results and serializes every completion.
type Job struct {
	owner *Dagobah
	id    models.ID

	mu           sync.Mutex
	name         string
	notes        string
	graph        dag.Graph
	tasks        map[string]Node
	status       Status
	cronSchedule string
	sched        cron.Schedule
	nextRun      time.Time
	runLog       *models.RunLog

	// Snapshot of the expanded graph for the current run. Immutable
	// between initialize and destroy; nil when no run exists.
	snapshot      dag.Graph
	tasksSnapshot map[string]Node

	// results is the completion actor's inbox for the current run.
	results chan taskResult
}

func newJob(owner *Dagobah, id models.ID, name string) *Job {
	return &Job{
		owner:  owner,
		id:     id,
		name:   name,
		graph:  dag.New(),
		tasks:  make(map[string]Node),
		status: StatusWaiting,
	}
}

// ID returns the job's backend-allocated id.
func (j *Job) ID() models.ID { return j.id }

// Name returns the job's name.
func (j *Job) Name() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.name
}

// Status returns the job's current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// NextRun returns the next scheduled fire time, or the zero time when
// the schedule is unarmed.
func (j *Job) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.nextRun
}

// CronSchedule returns the job's cron expression, empty when unarmed.
func (j *Job) CronSchedule() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cronSchedule
}

// Notes returns the job's free-form notes.
func (j *Job) Notes() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.notes
}

// TaskNames returns the names of the job's live tasks, in topological
// order when the graph admits one.
func (j *Job) TaskNames() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	if order, err := j.graph.TopologicalSort(); err == nil {
		return order
	}
	names := make([]string, 0, len(j.tasks))
	for name := range j.tasks {
		names = append(names, name)
	}
	return names
}

func (j *Job) getNode(name string) (Node, error) {
	node, ok := j.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, name)
	}
	return node, nil
}

// GetTask returns a live task by name.
func (j *Job) GetTask(name string) (*Task, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	node, err := j.getNode(name)
	if err != nil {
		return nil, err
	}
	task, ok := node.(*Task)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a job reference, not a task", ErrNotFound, name)
	}
	return task, nil
}

func (j *Job) checkGraphMutable() error {
	if !j.status.AllowChangeGraph() {
		return fmt.Errorf("%w: job graph is immutable in state %s",
			ErrImmutableInState, j.status)
	}
	return nil
}

// AddTask adds a runnable task with no edges. An empty name defaults to
// the command string.
func (j *Job) AddTask(ctx context.Context, command, name string, opts ...TaskOption) error {
	if name == "" {
		name = command
	}

	j.mu.Lock()
	if err := j.checkGraphMutable(); err != nil {
		j.mu.Unlock()
		return err
	}
	if _, ok := j.tasks[name]; ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: task %s", ErrNameTaken, name)
	}
	task, err := newTask(name, command, j.name, opts...)
	if err != nil {
		j.mu.Unlock()
		return err
	}
	if err := j.graph.AddNode(name); err != nil {
		j.mu.Unlock()
		return err
	}
	j.tasks[name] = task
	j.mu.Unlock()

	return j.owner.commitJob(ctx, j)
}

// AddJobTask adds a node referencing another job. An empty name
// defaults to the target job's name.
func (j *Job) AddJobTask(ctx context.Context, targetJobName, name string) error {
	if name == "" {
		name = targetJobName
	}

	j.mu.Lock()
	if err := j.checkGraphMutable(); err != nil {
		j.mu.Unlock()
		return err
	}
	if _, ok := j.tasks[name]; ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: task %s", ErrNameTaken, name)
	}
	if err := j.graph.AddNode(name); err != nil {
		j.mu.Unlock()
		return err
	}
	j.tasks[name] = newJobTask(name, j.name, targetJobName, j.owner)
	j.mu.Unlock()

	return j.owner.commitJob(ctx, j)
}

// DeleteTask removes a task and every edge referencing it.
func (j *Job) DeleteTask(ctx context.Context, name string) error {
	j.mu.Lock()
	if err := j.checkGraphMutable(); err != nil {
		j.mu.Unlock()
		return err
	}
	if _, err := j.getNode(name); err != nil {
		j.mu.Unlock()
		return err
	}
	if err := j.graph.DeleteNode(name); err != nil {
		j.mu.Unlock()
		return err
	}
	delete(j.tasks, name)
	j.mu.Unlock()

	return j.owner.commitJob(ctx, j)
}

// AddDependency adds an edge so toTask runs after fromTask succeeds.
func (j *Job) AddDependency(ctx context.Context, fromTask, toTask string) error {
	j.mu.Lock()
	if err := j.checkGraphMutable(); err != nil {
		j.mu.Unlock()
		return err
	}
	if err := j.graph.AddEdge(fromTask, toTask); err != nil {
		j.mu.Unlock()
		return err
	}
	j.mu.Unlock()

	return j.owner.commitJob(ctx, j)
}

// DeleteDependency removes an edge.
func (j *Job) DeleteDependency(ctx context.Context, fromTask, toTask string) error {
	j.mu.Lock()
	if err := j.checkGraphMutable(); err != nil {
		j.mu.Unlock()
		return err
	}
	if err := j.graph.DeleteEdge(fromTask, toTask); err != nil {
		j.mu.Unlock()
		return err
	}
	j.mu.Unlock()

	return j.owner.commitJob(ctx, j)
}

// Schedule arms the job with a cron expression; the next fire is the
// first cron time strictly after base (the current time when base is
// zero). An empty expression disarms the schedule.
func (j *Job) Schedule(ctx context.Context, cronExpr string, base time.Time) error {
	j.mu.Lock()
	if !j.status.AllowChangeSchedule() {
		j.mu.Unlock()
		return fmt.Errorf("%w: schedule cannot change in state %s",
			ErrImmutableInState, j.status)
	}

	if cronExpr == "" {
		j.cronSchedule = ""
		j.sched = nil
		j.nextRun = time.Time{}
	} else {
		sched, err := cronParser.Parse(cronExpr)
		if err != nil {
			j.mu.Unlock()
			return fmt.Errorf("%w: bad cron expression %q: %v",
				ErrInvalidArgument, cronExpr, err)
		}
		if base.IsZero() {
			base = now()
		}
		j.cronSchedule = cronExpr
		j.sched = sched
		j.nextRun = sched.Next(base.UTC())
	}
	j.mu.Unlock()

	return j.owner.commitJob(ctx, j)
}

// pushNextRun moves the next fire past the given time. The scheduler
// uses it when a job is eligible but not startable.
func (j *Job) pushNextRun(after time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.sched != nil {
		j.nextRun = j.sched.Next(after.UTC())
	}
}

// Rename changes the job's name. Past run logs stay keyed to the old
// name and are no longer reachable through the job.
func (j *Job) Rename(ctx context.Context, newName string) error {
	j.mu.Lock()
	if !j.status.AllowEditJob() {
		j.mu.Unlock()
		return fmt.Errorf("%w: job cannot be edited in state %s",
			ErrImmutableInState, j.status)
	}
	j.mu.Unlock()

	if err := j.owner.renameJob(j, newName); err != nil {
		return err
	}
	return j.owner.commitDagobah(ctx, true)
}

// SetNotes replaces the job's notes.
func (j *Job) SetNotes(ctx context.Context, notes string) error {
	j.mu.Lock()
	if !j.status.AllowEditJob() {
		j.mu.Unlock()
		return fmt.Errorf("%w: job cannot be edited in state %s",
			ErrImmutableInState, j.status)
	}
	j.notes = notes
	j.mu.Unlock()

	return j.owner.commitDagobah(ctx, true)
}

// TaskUpdate carries the task fields an edit may change; nil fields are
// left alone.
type TaskUpdate struct {
	Name        *string
	Command     *string
	Hostname    *string
	SoftTimeout *int
	HardTimeout *int
}

// EditTask changes a task's configuration, renaming graph edges when
// the name changes.
func (j *Job) EditTask(ctx context.Context, taskName string, update TaskUpdate) error {
	j.mu.Lock()
	if !j.status.AllowEditTask() {
		j.mu.Unlock()
		return fmt.Errorf("%w: tasks cannot be edited in state %s",
			ErrImmutableInState, j.status)
	}
	node, err := j.getNode(taskName)
	if err != nil {
		j.mu.Unlock()
		return err
	}
	task, ok := node.(*Task)
	if !ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s is a job reference, not a task", ErrNotFound, taskName)
	}
	// Validate the whole update before touching anything, so a rejected
	// edit leaves the task exactly as it was.
	if update.Name != nil {
		if _, exists := j.tasks[*update.Name]; exists {
			j.mu.Unlock()
			return fmt.Errorf("%w: task %s", ErrNameTaken, *update.Name)
		}
	}
	if update.SoftTimeout != nil && *update.SoftTimeout < 0 ||
		update.HardTimeout != nil && *update.HardTimeout < 0 {
		j.mu.Unlock()
		return fmt.Errorf("%w: timeouts must be non-negative", ErrInvalidArgument)
	}

	if update.Command != nil {
		task.setCommand(*update.Command)
	}
	if update.SoftTimeout != nil {
		_ = task.setSoftTimeout(*update.SoftTimeout)
	}
	if update.HardTimeout != nil {
		_ = task.setHardTimeout(*update.HardTimeout)
	}
	if update.Hostname != nil {
		task.setHostname(*update.Hostname)
	}
	if update.Name != nil {
		if err := j.graph.RenameEdges(taskName, *update.Name); err != nil {
			j.mu.Unlock()
			return err
		}
		task.setName(*update.Name)
		delete(j.tasks, taskName)
		j.tasks[*update.Name] = task
	}
	j.mu.Unlock()

	return j.owner.commitDagobah(ctx, true)
}

// Start begins a run: snapshot and expand the graph, allocate a run
// log, and launch every independent node. The completion actor then
// advances the DAG as results arrive.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	if !j.status.AllowStart() {
		j.mu.Unlock()
		return fmt.Errorf("%w: job cannot start in state %s; it is probably already running",
			ErrImmutableInState, j.status)
	}
	prev := j.status
	// Claim the run before walking referenced jobs: the claim makes the
	// graph immutable, and the walk holds no mutex of this job, so
	// concurrent starts of jobs referencing each other cannot deadlock.
	j.status = StatusRunning
	j.mu.Unlock()

	if err := j.verifyReferences(); err != nil {
		j.mu.Lock()
		j.status = prev
		j.mu.Unlock()
		return err
	}

	j.mu.Lock()
	if err := j.initializeSnapshotLocked(); err != nil {
		j.status = prev
		j.mu.Unlock()
		return err
	}

	// A manual start before the scheduled fire leaves next_run alone;
	// equality does not advance it either.
	if j.sched != nil && now().After(j.nextRun) {
		j.nextRun = j.sched.Next(now())
	}

	logID, err := j.owner.backend.NewLogID(ctx)
	if err != nil {
		j.destroySnapshotLocked()
		j.status = prev
		j.mu.Unlock()
		return fmt.Errorf("failed to allocate log id: %w", err)
	}
	j.runLog = &models.RunLog{
		LogID:     logID,
		JobID:     j.id,
		JobName:   j.name,
		ParentID:  j.owner.id,
		StartTime: models.NewTime(now()),
		Tasks:     make(map[string]*models.TaskRecord),
	}
	j.startActorLocked(ctx)

	for _, name := range j.snapshot.IndNodes() {
		j.putTaskInRunLogLocked(name)
		j.startTaskLocked(ctx, name)
	}
	j.mu.Unlock()

	logger.Info(ctx, "Job run started", "job", j.Name())
	j.owner.commitRunLog(ctx, j)
	return nil
}

// Retry re-executes the failed tasks of the last run, reusing its run
// log. Tasks that succeeded keep their entries untouched.
func (j *Job) Retry(ctx context.Context) error {
	j.mu.Lock()
	if j.status != StatusFailed {
		j.mu.Unlock()
		return fmt.Errorf("%w: retry requires a failed job, not %s",
			ErrImmutableInState, j.status)
	}
	if j.runLog == nil {
		j.mu.Unlock()
		return ErrNothingToRetry
	}
	var failed []string
	for name, rec := range j.runLog.Tasks {
		if !rec.Succeeded() {
			failed = append(failed, name)
		}
	}
	if len(failed) == 0 {
		j.mu.Unlock()
		return ErrNothingToRetry
	}
	// Claim the run before the reference walk, as Start does.
	j.status = StatusRunning
	j.mu.Unlock()

	if err := j.verifyReferences(); err != nil {
		j.mu.Lock()
		j.status = StatusFailed
		j.mu.Unlock()
		return err
	}

	j.mu.Lock()
	if err := j.initializeSnapshotLocked(); err != nil {
		j.status = StatusFailed
		j.mu.Unlock()
		return err
	}
	j.runLog.LastRetryTime = models.NewTime(now())
	j.startActorLocked(ctx)

	sort.Strings(failed)
	for _, name := range failed {
		if _, ok := j.tasksSnapshot[name]; !ok {
			logger.Warn(ctx, "Failed task no longer exists, skipping retry",
				"job", j.name, "task", name)
			continue
		}
		j.putTaskInRunLogLocked(name)
		j.startTaskLocked(ctx, name)
	}
	j.mu.Unlock()

	logger.Info(ctx, "Job retry started", "job", j.Name())
	j.owner.commitRunLog(ctx, j)
	return nil
}

// runningTasks returns every task with a live process: the snapshot
// clones when a run exists, the live tasks otherwise.
func (j *Job) runningTasks() []*Task {
	j.mu.Lock()
	source := j.tasks
	if j.tasksSnapshot != nil {
		source = j.tasksSnapshot
	}
	var tasks []*Task
	for _, node := range source {
		if task, ok := node.(*Task); ok {
			tasks = append(tasks, task)
		}
	}
	j.mu.Unlock()

	var executing []*Task
	for _, task := range tasks {
		if task.executing() {
			executing = append(executing, task)
		}
	}
	return executing
}

// TerminateAll sends terminate to every executing task, best-effort.
func (j *Job) TerminateAll(ctx context.Context) {
	for _, task := range j.runningTasks() {
		if err := task.Terminate(); err != nil {
			logger.Warn(ctx, "Failed to terminate task", "job", j.Name(),
				"task", task.TaskName(), "err", err)
		}
	}
}

// KillAll sends kill to every executing task, best-effort.
func (j *Job) KillAll(ctx context.Context) {
	for _, task := range j.runningTasks() {
		if err := task.Kill(); err != nil {
			logger.Warn(ctx, "Failed to kill task", "job", j.Name(),
				"task", task.TaskName(), "err", err)
		}
	}
}

// runtimeTask resolves a task for terminate/kill: the snapshot clone
// when a run exists (the clones are what actually run), else the live
// task.
func (j *Job) runtimeTask(name string) (*Task, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	source := j.tasks
	if j.tasksSnapshot != nil {
		source = j.tasksSnapshot
	}
	node, ok := source[name]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, name)
	}
	task, isTask := node.(*Task)
	if !isTask {
		return nil, fmt.Errorf("%w: %s is a job reference, not a task", ErrNotFound, name)
	}
	return task, nil
}

// streamTask resolves a task for head/tail reads: the snapshot clone
// when it carries the name (the clones own the current run's sinks),
// else the live task.
func (j *Job) streamTask(name string) (*Task, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.tasksSnapshot != nil {
		if task, ok := j.tasksSnapshot[name].(*Task); ok {
			return task, nil
		}
	}
	node, ok := j.tasks[name]
	if !ok {
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, name)
	}
	task, isTask := node.(*Task)
	if !isTask {
		return nil, fmt.Errorf("%w: %s is a job reference, not a task", ErrNotFound, name)
	}
	return task, nil
}

// TerminateTask sends terminate to one task.
func (j *Job) TerminateTask(name string) error {
	task, err := j.runtimeTask(name)
	if err != nil {
		return err
	}
	return task.Terminate()
}

// KillTask sends kill to one task.
func (j *Job) KillTask(name string) error {
	task, err := j.runtimeTask(name)
	if err != nil {
		return err
	}
	return task.Kill()
}

// startActorLocked spawns the per-run completion actor. Tasks report by
// sending into the buffered inbox; the actor serializes DAG advance,
// persistence, events and the terminal transition, then exits.
func (j *Job) startActorLocked(ctx context.Context) {
	results := make(chan taskResult, 2*len(j.tasksSnapshot)+1)
	j.results = results
	go func() {
		for res := range results {
			if terminal := j.completeTask(ctx, res); terminal {
				return
			}
		}
	}()
}

// putTaskInRunLogLocked seeds the run log entry for a task about to
// start.
func (j *Job) putTaskInRunLogLocked(name string) {
	command := ""
	if task, ok := j.tasksSnapshot[name].(*Task); ok {
		command = task.Command()
	}
	j.runLog.Tasks[name] = &models.TaskRecord{
		StartTime: models.NewTime(now()),
		Command:   command,
	}
}

// startTaskLocked launches a snapshot task. Failures to even begin
// supervision are reported as failed results so the run always reaches
// a terminal state.
func (j *Job) startTaskLocked(ctx context.Context, name string) {
	node, ok := j.tasksSnapshot[name]
	if !ok {
		return
	}
	task, isTask := node.(*Task)
	if !isTask {
		// Expansion leaves only runnable tasks in the snapshot.
		return
	}

	results := j.results
	report := func(res taskResult) { results <- res }
	if err := task.start(ctx, j.owner.lookupHost, report); err != nil {
		logger.Error(ctx, "Failed to start task", "job", j.name, "task", name, "err", err)
		started := now()
		results <- taskResult{
			name:         name,
			startTime:    started,
			completeTime: started,
			returnCode:   -1,
			success:      false,
			stderr:       fmt.Sprintf("failed to start task: %v\n", err),
		}
	}
}

// completeTask is the actor's handler for one task result: record it,
// start newly ready downstream tasks, persist the run log under the
// backend advisory lock, emit task_failed on failure, and run the
// terminal check. Returns true when the run reached a terminal state.
func (j *Job) completeTask(ctx context.Context, res taskResult) bool {
	j.mu.Lock()
	if j.runLog == nil || j.snapshot == nil {
		j.mu.Unlock()
		return true
	}
	success := res.success
	returnCode := res.returnCode
	j.runLog.Tasks[res.name] = &models.TaskRecord{
		StartTime:    models.NewTime(res.startTime),
		Command:      res.commandFor(j.tasksSnapshot),
		CompleteTime: models.NewTime(res.completeTime),
		ReturnCode:   &returnCode,
		Success:      &success,
		Stdout:       res.stdout,
		Stderr:       res.stderr,
	}

	for _, name := range j.snapshot.Downstream(res.name) {
		j.startIfReadyLocked(ctx, name)
	}

	// The live task keeps the outcome until the next run overwrites it,
	// so serialization between runs reflects the last execution.
	if live, ok := j.tasks[res.name].(*Task); ok {
		live.recordOutcome(res.startTime, res.completeTime, res.success)
	}

	logClone := j.runLog.Clone()
	var failedDoc *models.TaskDoc
	if !res.success {
		if node, ok := j.tasksSnapshot[res.name]; ok {
			doc := node.serialize()
			doc.Job = j.name
			doc.RunLogEntry = j.runLog.Tasks[res.name].Clone()
			failedDoc = &doc
		}
	}
	j.mu.Unlock()

	// Persistence and event emission share the backend advisory lock
	// so concurrent writers against a non-serializing backend cannot
	// interleave.
	release, err := j.owner.backend.AcquireLock(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to acquire backend lock", "job", j.Name(), "err", err)
	} else {
		if err := j.owner.backend.CommitRunLog(ctx, logClone); err != nil {
			logger.Error(ctx, "Failed to persist run log", "job", j.Name(), "err", err)
		}
		if failedDoc != nil {
			j.owner.events.Emit(ctx, event.TaskFailed, failedDoc)
		}
		release()
	}

	return j.onCompletion(ctx)
}

// startIfReadyLocked starts a snapshot node once every predecessor has
// reported success. Presence in the run log makes starts idempotent.
func (j *Job) startIfReadyLocked(ctx context.Context, name string) {
	if _, started := j.runLog.Tasks[name]; started {
		return
	}
	for _, dep := range j.snapshot.Predecessors(name) {
		if !j.runLog.Tasks[dep].Succeeded() {
			return
		}
	}
	j.putTaskInRunLogLocked(name)
	j.startTaskLocked(ctx, name)
}

// onCompletion runs the terminal check: once every run log entry has
// reported, transition to failed or waiting exactly once, destroy the
// snapshot, and emit the job event.
func (j *Job) onCompletion(ctx context.Context) bool {
	j.mu.Lock()
	if j.status != StatusRunning {
		j.mu.Unlock()
		return true
	}
	for _, rec := range j.runLog.Tasks {
		if !rec.Reported() {
			j.mu.Unlock()
			return false
		}
	}

	failed := false
	for _, rec := range j.runLog.Tasks {
		if !rec.Succeeded() {
			failed = true
			break
		}
	}
	if failed {
		j.status = StatusFailed
	} else {
		j.status = StatusWaiting
		j.runLog = nil
	}
	j.destroySnapshotLocked()
	j.mu.Unlock()

	eventName := event.JobComplete
	if failed {
		eventName = event.JobFailed
	}
	payload := j.Serialize(ctx, true)

	release, err := j.owner.backend.AcquireLock(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to acquire backend lock", "job", j.Name(), "err", err)
		j.owner.events.Emit(ctx, eventName, payload)
	} else {
		j.owner.events.Emit(ctx, eventName, payload)
		release()
	}

	if err := j.owner.commitJob(ctx, j); err != nil {
		logger.Error(ctx, "Failed to persist job after run", "job", j.Name(), "err", err)
	}
	logger.Info(ctx, "Job run finished", "job", j.Name(), "status", j.Status().String())
	return true
}

func (j *Job) destroySnapshotLocked() {
	j.snapshot = nil
	j.tasksSnapshot = nil
}

// cloneLive returns deep copies of the live graph and task map; job
// references use it to expand.
func (j *Job) cloneLive() (dag.Graph, map[string]Node) {
	j.mu.Lock()
	defer j.mu.Unlock()
	tasks := make(map[string]Node, len(j.tasks))
	for name, node := range j.tasks {
		tasks[name] = node.cloneNode()
	}
	return j.graph.Clone(), tasks
}

// Serialize returns the job's exported document. With includeRunLogs,
// each task carries its entry from the latest persisted run log.
func (j *Job) Serialize(ctx context.Context, includeRunLogs bool) *models.JobDoc {
	j.mu.Lock()
	doc := &models.JobDoc{
		JobID:        j.id,
		Name:         j.name,
		ParentID:     j.owner.id,
		Status:       j.status.String(),
		CronSchedule: j.cronSchedule,
		NextRun:      models.NewTime(j.nextRun),
		Notes:        j.notes,
		Dependencies: make(map[string][]string, len(j.graph)),
	}
	for name := range j.graph {
		doc.Dependencies[name] = j.graph.Downstream(name)
	}

	order, err := j.graph.TopologicalSort()
	if err != nil {
		order = nil
		for name := range j.tasks {
			order = append(order, name)
		}
		sort.Strings(order)
	}
	for _, name := range order {
		doc.Tasks = append(doc.Tasks, j.tasks[name].serialize())
	}
	j.mu.Unlock()

	if includeRunLogs {
		for i := range doc.Tasks {
			if doc.Tasks[i].IsJobTask() {
				continue
			}
			latest, err := j.owner.backend.LatestRunLog(ctx, j.id, doc.Tasks[i].Name)
			if err != nil {
				if !errors.Is(err, backend.ErrNotFound) {
					logger.Warn(ctx, "Failed to fetch latest run log",
						"job", doc.Name, "task", doc.Tasks[i].Name, "err", err)
				}
				continue
			}
			doc.Tasks[i].RunLogEntry = latest.Tasks[doc.Tasks[i].Name].Clone()
		}
	}
	return doc
}

// TaskHead returns the first n lines of a task's stream: the current
// run's sink while running, else the latest persisted run log.
func (j *Job) TaskHead(ctx context.Context, taskName, stream string, n int) ([]string, error) {
	task, err := j.streamTask(taskName)
	if err != nil {
		return nil, err
	}
	lines, ok, err := task.headStream(stream, n)
	if err != nil {
		return nil, err
	}
	if ok {
		return lines, nil
	}
	content, err := j.persistedStream(ctx, taskName, stream)
	if err != nil {
		return nil, err
	}
	return stringutil.HeadLines(content, n), nil
}

// TaskTail returns the last n lines of a task's stream.
func (j *Job) TaskTail(ctx context.Context, taskName, stream string, n int) ([]string, error) {
	task, err := j.streamTask(taskName)
	if err != nil {
		return nil, err
	}
	lines, ok, err := task.tailStream(stream, n)
	if err != nil {
		return nil, err
	}
	if ok {
		return lines, nil
	}
	content, err := j.persistedStream(ctx, taskName, stream)
	if err != nil {
		return nil, err
	}
	return stringutil.TailLines(content, n), nil
}

func (j *Job) persistedStream(ctx context.Context, taskName, stream string) (string, error) {
	latest, err := j.owner.backend.LatestRunLog(ctx, j.id, taskName)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", fmt.Errorf("%w: no run log for task %s", ErrNotFound, taskName)
		}
		return "", err
	}
	rec := latest.Tasks[taskName]
	switch stream {
	case "stdout":
		return strings.TrimRight(rec.Stdout, "\n"), nil
	case "stderr":
		return strings.TrimRight(rec.Stderr, "\n"), nil
	default:
		return "", fmt.Errorf("%w: stream must be stdout or stderr", ErrInvalidArgument)
	}
}

// RunLogHistory returns the persisted run logs containing an entry for
// the named task, newest first.
func (j *Job) RunLogHistory(ctx context.Context, taskName string, limit int) ([]*models.RunLog, error) {
	return j.owner.backend.RunLogHistory(ctx, j.id, taskName, limit)
}

// GetRunLog returns one persisted run log by id.
func (j *Job) GetRunLog(ctx context.Context, taskName string, logID models.ID) (*models.RunLog, error) {
	log, err := j.owner.backend.GetRunLog(ctx, j.id, taskName, logID)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, fmt.Errorf("%w: run log %s", ErrNotFound, logID)
		}
		return nil, err
	}
	return log, nil
}

// commandFor resolves the command recorded for a result.
func (r taskResult) commandFor(tasks map[string]Node) string {
	if task, ok := tasks[r.name].(*Task); ok {
		return task.Command()
	}
	return ""
}
