package core

import "fmt"

// Status is a job's lifecycle state. Permission flags are derived from
// the status, never stored.
type Status string

const (
	StatusWaiting Status = "waiting"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
)

// ParseStatus validates a status string.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusWaiting, StatusRunning, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidArgument, s)
	}
}

func (s Status) String() string { return string(s) }

// AllowStart reports whether a run may begin.
func (s Status) AllowStart() bool { return s == StatusWaiting || s == StatusFailed }

// AllowChangeGraph reports whether tasks and dependencies may change.
func (s Status) AllowChangeGraph() bool { return s == StatusWaiting || s == StatusFailed }

// AllowChangeSchedule reports whether the cron schedule may change.
// Unlike graph edits, this is allowed mid-run.
func (s Status) AllowChangeSchedule() bool {
	return s == StatusWaiting || s == StatusRunning || s == StatusFailed
}

// AllowEditJob reports whether job metadata may change.
func (s Status) AllowEditJob() bool { return s == StatusWaiting || s == StatusFailed }

// AllowEditTask reports whether task configuration may change.
func (s Status) AllowEditTask() bool { return s == StatusWaiting || s == StatusFailed }
