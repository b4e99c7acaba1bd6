package core

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dagobah-org/dagobah/internal/logger"
	"github.com/dagobah-org/dagobah/internal/models"
	"github.com/dagobah-org/dagobah/internal/remote"
	"github.com/dagobah-org/dagobah/internal/stringutil"
)

// pollInterval is the supervision granularity: the timeout ladder fires
// on the first poll after a threshold is crossed.
const pollInterval = 2500 * time.Millisecond

// Markers appended to stderr when the engine intervened.
const (
	terminateMarker     = "\nDAGOBAH SENT SIGTERM TO THIS PROCESS\n"
	killMarker          = "\nDAGOBAH SENT SIGKILL TO THIS PROCESS\n"
	remoteFailureMarker = "\nAn error occurred with the remote machine.\n"
)

// hostLookup resolves a hostname to its SSH spec.
type hostLookup func(name string) (*remote.HostSpec, error)

// taskResult is what a finished task reports to its job's completion
// actor.
type taskResult struct {
	name         string
	startTime    time.Time
	completeTime time.Time
	returnCode   int
	success      bool
	stdout       string
	stderr       string
}

var _ Node = (*Task)(nil)

// Task owns one command execution: the command, where it runs, the
// two-tier timeout configuration, and all runtime state for the current
// run. Command strings are executed by the host shell; that is the
// feature, not an accident.
type Task struct {
	mu sync.Mutex

	name        string
	command     string
	hostname    string
	jobName     string
	softTimeout int
	hardTimeout int

	// Runtime fields, zeroed by reset.
	stdoutPath string
	stderrPath string
	stdoutFile *os.File
	stderrFile *os.File
	cmd        *exec.Cmd
	session    *remote.Session
	exitCode   int

	startedAt     time.Time
	completedAt   time.Time
	successful    *bool
	terminateSent bool
	killSent      bool
	remoteFailure bool

	// done is closed by the waiter once the process or session has
	// finished (or could not be started at all).
	done chan struct{}
}

// TaskOption configures a new task.
type TaskOption func(*Task)

// WithSoftTimeout sets the terminate threshold in seconds; 0 disables.
func WithSoftTimeout(seconds int) TaskOption {
	return func(t *Task) { t.softTimeout = seconds }
}

// WithHardTimeout sets the kill threshold in seconds; 0 disables.
func WithHardTimeout(seconds int) TaskOption {
	return func(t *Task) { t.hardTimeout = seconds }
}

// WithHostname makes the task execute over SSH on the named host.
func WithHostname(hostname string) TaskOption {
	return func(t *Task) { t.hostname = hostname }
}

func newTask(name, command, jobName string, opts ...TaskOption) (*Task, error) {
	t := &Task{name: name, command: command, jobName: jobName}
	for _, opt := range opts {
		opt(t)
	}
	if t.softTimeout < 0 || t.hardTimeout < 0 {
		return nil, fmt.Errorf("%w: timeouts must be non-negative", ErrInvalidArgument)
	}
	return t, nil
}

func (t *Task) TaskName() string { return t.name }

// Command returns the shell command this task runs.
func (t *Task) Command() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.command
}

// Hostname returns the SSH host the task runs on, or an empty string
// for local execution.
func (t *Task) Hostname() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hostname
}

func (t *Task) setName(name string)     { t.name = name }
func (t *Task) setOwner(jobName string) { t.jobName = jobName }

func (t *Task) setCommand(command string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.command = command
}

func (t *Task) setSoftTimeout(seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("%w: timeouts must be non-negative", ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.softTimeout = seconds
	return nil
}

func (t *Task) setHardTimeout(seconds int) error {
	if seconds < 0 {
		return fmt.Errorf("%w: timeouts must be non-negative", ErrInvalidArgument)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hardTimeout = seconds
	return nil
}

func (t *Task) setHostname(hostname string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hostname = hostname
}

// cloneNode returns a task with the same static configuration and no
// runtime state.
func (t *Task) cloneNode() Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return &Task{
		name:        t.name,
		command:     t.command,
		hostname:    t.hostname,
		jobName:     t.jobName,
		softTimeout: t.softTimeout,
		hardTimeout: t.hardTimeout,
	}
}

// recordOutcome copies a finished run's terminal fields onto the task.
// Snapshot clones do the running; the job copies their results back so
// the live task serializes with the last run's outcome.
func (t *Task) recordOutcome(started, completed time.Time, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startedAt = started
	t.completedAt = completed
	ok := success
	t.successful = &ok
}

func (t *Task) serialize() models.TaskDoc {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := models.TaskDoc{
		Name:        t.name,
		Command:     t.command,
		SoftTimeout: t.softTimeout,
		HardTimeout: t.hardTimeout,
		StartedAt:   models.NewTime(t.startedAt),
		CompletedAt: models.NewTime(t.completedAt),
	}
	if t.hostname != "" {
		hostname := t.hostname
		doc.Hostname = &hostname
	}
	if t.successful != nil {
		success := *t.successful
		doc.Success = &success
	}
	return doc
}

func (t *Task) runningLocked() bool {
	if t.done == nil {
		return false
	}
	select {
	case <-t.done:
		return false
	default:
		return true
	}
}

// executing reports whether the task has started but not yet finished.
// terminate_all and kill_all use it to find live processes.
func (t *Task) executing() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.startedAt.IsZero() && t.completedAt.IsZero() && t.done != nil
}

// resetLocked zeroes all runtime state and opens two fresh temp sinks.
func (t *Task) resetLocked() error {
	if t.runningLocked() {
		return fmt.Errorf("%w: task %s is still running", ErrInvalidArgument, t.name)
	}
	t.closeSinksLocked()

	stdoutFile, err := os.CreateTemp("", "dagobah-stdout-*")
	if err != nil {
		return fmt.Errorf("%w: failed to open stdout sink: %v", ErrTransportFailure, err)
	}
	stderrFile, err := os.CreateTemp("", "dagobah-stderr-*")
	if err != nil {
		_ = stdoutFile.Close()
		_ = os.Remove(stdoutFile.Name())
		return fmt.Errorf("%w: failed to open stderr sink: %v", ErrTransportFailure, err)
	}

	t.stdoutFile, t.stderrFile = stdoutFile, stderrFile
	t.stdoutPath, t.stderrPath = stdoutFile.Name(), stderrFile.Name()
	t.cmd = nil
	t.session = nil
	t.exitCode = 0
	t.startedAt = time.Time{}
	t.completedAt = time.Time{}
	t.successful = nil
	t.terminateSent = false
	t.killSent = false
	t.remoteFailure = false
	t.done = nil
	return nil
}

func (t *Task) closeSinksLocked() {
	if t.stdoutFile != nil {
		_ = t.stdoutFile.Close()
		_ = os.Remove(t.stdoutPath)
		t.stdoutFile = nil
		t.stdoutPath = ""
	}
	if t.stderrFile != nil {
		_ = t.stderrFile.Close()
		_ = os.Remove(t.stderrPath)
		t.stderrFile = nil
		t.stderrPath = ""
	}
}

// start launches the task's process and begins supervision. The report
// callback receives the terminal result exactly once; transport
// failures are reported through it as failed results, never returned.
func (t *Task) start(ctx context.Context, lookup hostLookup, report func(taskResult)) error {
	t.mu.Lock()
	if t.runningLocked() {
		t.mu.Unlock()
		return fmt.Errorf("%w: task %s is already running", ErrInvalidArgument, t.name)
	}
	if err := t.resetLocked(); err != nil {
		t.mu.Unlock()
		return err
	}

	t.startedAt = time.Now().UTC()
	t.done = make(chan struct{})
	if t.hostname != "" {
		t.startRemoteLocked(ctx, lookup)
	} else {
		t.startLocalLocked(ctx)
	}
	t.mu.Unlock()

	go t.supervise(ctx, report)
	return nil
}

func (t *Task) startLocalLocked(ctx context.Context) {
	cmd := exec.Command("sh", "-c", t.command)
	cmd.Env = os.Environ()
	cmd.Stdout = t.stdoutFile
	cmd.Stderr = t.stderrFile

	if err := cmd.Start(); err != nil {
		logger.Warn(ctx, "Failed to spawn local process", "task", t.name, "err", err)
		t.failLocked("failed to spawn process: " + err.Error() + "\n")
		return
	}
	t.cmd = cmd

	done := t.done
	go func() {
		_ = cmd.Wait()
		t.mu.Lock()
		if cmd.ProcessState != nil {
			t.exitCode = cmd.ProcessState.ExitCode()
		} else {
			t.exitCode = -1
		}
		t.mu.Unlock()
		close(done)
	}()
}

func (t *Task) startRemoteLocked(ctx context.Context, lookup hostLookup) {
	spec, err := lookup(t.hostname)
	if err != nil {
		logger.Warn(ctx, "Failed to resolve remote host", "task", t.name,
			"host", t.hostname, "err", err)
		t.remoteFailure = true
		t.failLocked(fmt.Sprintf(
			"Error resolving SSH configuration: %v\nWas looking for host %q\n",
			err, t.hostname))
		return
	}

	session, err := remote.Dial(ctx, spec, t.command, t.stdoutFile, t.stderrFile)
	if err != nil {
		logger.Warn(ctx, "Failed to open SSH session", "task", t.name,
			"host", t.hostname, "err", err)
		t.remoteFailure = true
		t.failLocked(fmt.Sprintf(
			"Error when trying to SSH: %v\nWas looking for host %q\nFound in config:\n"+
				"hostname: %q\nuser: %q\nidentityfile: %q\n",
			err, t.hostname, spec.Hostname, spec.User, spec.IdentityFile))
		return
	}
	t.session = session

	done := t.done
	go func() {
		<-session.Done()
		t.mu.Lock()
		t.exitCode = session.ExitCode()
		if session.WaitErr() != nil {
			t.remoteFailure = true
		}
		t.mu.Unlock()
		close(done)
	}()
}

// failLocked records a transport failure that happened before a process
// existed, so the supervisor completes the task immediately.
func (t *Task) failLocked(diagnostic string) {
	if t.stderrFile != nil {
		_, _ = t.stderrFile.WriteString(diagnostic)
	}
	t.exitCode = -1
	close(t.done)
}

// supervise waits for process exit with a bounded poll: every tick it
// runs the timeout ladder, and on exit it collects the result and
// reports it.
func (t *Task) supervise(ctx context.Context, report func(taskResult)) {
	t.mu.Lock()
	done := t.done
	t.mu.Unlock()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			report(t.collect())
			return
		case <-ticker.C:
			t.timeoutCheck(ctx)
		}
	}
}

// timeoutCheck is the two-tier ladder: terminate past the soft
// threshold, kill past the hard one. Each signal is sent at most once.
func (t *Task) timeoutCheck(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startedAt.IsZero() {
		return
	}
	elapsed := time.Since(t.startedAt)

	if t.softTimeout != 0 && elapsed >= time.Duration(t.softTimeout)*time.Second &&
		!t.terminateSent {
		logger.Info(ctx, "Soft timeout reached, sending SIGTERM", "task", t.name)
		if err := t.terminateLocked(); err != nil {
			logger.Warn(ctx, "Failed to terminate task", "task", t.name, "err", err)
		}
	}
	if t.hardTimeout != 0 && elapsed >= time.Duration(t.hardTimeout)*time.Second &&
		!t.killSent {
		logger.Info(ctx, "Hard timeout reached, sending SIGKILL", "task", t.name)
		if err := t.killLocked(); err != nil {
			logger.Warn(ctx, "Failed to kill task", "task", t.name, "err", err)
		}
	}
}

// collect gathers the terminal result: remaining output, termination
// markers, the exit code, and closes every runtime resource.
func (t *Task) collect() taskResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.completedAt = time.Now().UTC()

	stdout := readSink(t.stdoutPath)
	stderr := readSink(t.stderrPath)
	if t.terminateSent {
		stderr += terminateMarker
	}
	if t.killSent {
		stderr += killMarker
	}

	returnCode := t.exitCode
	if t.remoteFailure {
		returnCode = -1
		stderr += remoteFailureMarker
	}

	if t.session != nil {
		_ = t.session.Close()
		t.session = nil
	}
	t.closeSinksLocked()

	success := returnCode == 0
	t.successful = &success

	return taskResult{
		name:         t.name,
		startTime:    t.startedAt,
		completeTime: t.completedAt,
		returnCode:   returnCode,
		success:      success,
		stdout:       stdout,
		stderr:       stderr,
	}
}

func readSink(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// Terminate sends SIGTERM to a local process, or closes the SSH client
// of a remote one.
func (t *Task) Terminate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.terminateLocked()
}

func (t *Task) terminateLocked() error {
	if t.session != nil {
		t.terminateSent = true
		return t.session.Close()
	}
	if t.cmd == nil || t.cmd.Process == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, t.name)
	}
	t.terminateSent = true
	return t.cmd.Process.Signal(syscall.SIGTERM)
}

// Kill sends SIGKILL to a local process, or closes the SSH client of a
// remote one.
func (t *Task) Kill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killLocked()
}

func (t *Task) killLocked() error {
	if t.session != nil {
		t.killSent = true
		return t.session.Close()
	}
	if t.cmd == nil || t.cmd.Process == nil {
		return fmt.Errorf("%w: %s", ErrNotRunning, t.name)
	}
	t.killSent = true
	return t.cmd.Process.Kill()
}

// headStream returns the first n lines of the current run's stream.
// ok is false when there is no current run; the caller falls back to
// the latest persisted run log.
func (t *Task) headStream(stream string, n int) (lines []string, ok bool, err error) {
	content, ok, err := t.currentStream(stream)
	if !ok || err != nil {
		return nil, ok, err
	}
	return stringutil.HeadLines(strings.TrimRight(content, "\n"), n), true, nil
}

// tailStream returns the last n lines of the current run's stream.
func (t *Task) tailStream(stream string, n int) (lines []string, ok bool, err error) {
	content, ok, err := t.currentStream(stream)
	if !ok || err != nil {
		return nil, ok, err
	}
	return stringutil.TailLines(strings.TrimRight(content, "\n"), n), true, nil
}

func (t *Task) currentStream(stream string) (string, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var path string
	switch stream {
	case "stdout":
		path = t.stdoutPath
	case "stderr":
		path = t.stderrPath
	default:
		return "", false, fmt.Errorf("%w: stream must be stdout or stderr", ErrInvalidArgument)
	}
	if path == "" {
		return "", false, nil
	}
	return readSink(path), true, nil
}
