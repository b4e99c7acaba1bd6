package core

import (
	"errors"

	"github.com/dagobah-org/dagobah/internal/dag"
)

var (
	// ErrNotFound is returned when a job or task name is unknown.
	ErrNotFound = errors.New("not found")
	// ErrNameTaken is returned on a job or task name conflict.
	ErrNameTaken = errors.New("name is not available")
	// ErrImmutableInState is returned when a mutation is attempted
	// while the job's state forbids it.
	ErrImmutableInState = errors.New("operation not allowed in current state")
	// ErrInvalidDAG is returned when the live graph fails validation at
	// snapshot time.
	ErrInvalidDAG = errors.New("invalid DAG")
	// ErrCyclic is returned when a run would cycle, possibly through a
	// chain of job references.
	ErrCyclic = errors.New("job has a cycle, possibly within another job reference")
	// ErrUnknownJob is returned when a job reference names a job that
	// does not exist.
	ErrUnknownJob = errors.New("referenced job does not exist")
	// ErrNamingConflict is returned when snapshot expansion would
	// produce a task name that already exists.
	ErrNamingConflict = errors.New("naming conflict in job expansion")
	// ErrNothingToRetry is returned when retry finds no failed tasks in
	// the run log.
	ErrNothingToRetry = errors.New("no failed tasks to retry")
	// ErrInvalidArgument is returned for negative timeouts, unknown
	// statuses, bad stream names and the like.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrTransportFailure is returned when a process could not be
	// spawned or an SSH connection could not be established.
	ErrTransportFailure = errors.New("transport failure")
	// ErrNotRunning is returned when terminate or kill is sent to a
	// task with no running process.
	ErrNotRunning = errors.New("task does not have a running process")
)

// ErrorType names the kind of an engine error for structured API
// responses.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrNameTaken):
		return "name_taken"
	case errors.Is(err, ErrImmutableInState):
		return "immutable_in_state"
	case errors.Is(err, ErrCyclic):
		return "cyclic"
	case errors.Is(err, dag.ErrCycleDetected):
		return "cycle_detected"
	case errors.Is(err, ErrInvalidDAG), errors.Is(err, dag.ErrCyclic),
		errors.Is(err, dag.ErrNoIndNodes):
		return "invalid_dag"
	case errors.Is(err, dag.ErrDuplicateNode):
		return "name_taken"
	case errors.Is(err, dag.ErrMissingNode), errors.Is(err, dag.ErrMissingEdge):
		return "not_found"
	case errors.Is(err, ErrUnknownJob):
		return "unknown_job"
	case errors.Is(err, ErrNamingConflict):
		return "naming_conflict"
	case errors.Is(err, ErrNothingToRetry):
		return "nothing_to_retry"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrNotRunning):
		return "not_running"
	default:
		return "internal"
	}
}
