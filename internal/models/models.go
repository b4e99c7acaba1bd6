// Package models defines the documents the engine persists and exports:
// the dagobah document, job documents, and per-run logs. Serialization is
// strict: timestamps are ISO 8601 UTC strings at second precision and ids
// are opaque strings, so documents stay portable across backends.
package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dagobah-org/dagobah/internal/stringutil"
)

// ID is an opaque identifier allocated by a backend. Backends are free to
// use decimal counters, UUIDs, or hex object ids; the engine never
// inspects the value.
type ID string

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts both string and numeric ids so documents exported
// by backends with integer id counters import cleanly.
func (id *ID) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*id = ID(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(num.String())
	return nil
}

// Time wraps time.Time with the strict serialization rules. The zero time
// marshals as null.
type Time struct {
	time.Time
}

// NewTime returns a Time truncated to second precision in UTC.
func NewTime(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Second)}
}

func (t Time) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(stringutil.FormatTime(t.Time))
}

func (t *Time) UnmarshalJSON(data []byte) error {
	var val *string
	if err := json.Unmarshal(data, &val); err != nil {
		return err
	}
	if val == nil {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := stringutil.ParseTime(*val)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// DagobahDoc is the root document: the id, the job-creation counter, and
// every job owned by the instance.
type DagobahDoc struct {
	DagobahID   ID        `json:"dagobah_id"`
	CreatedJobs int       `json:"created_jobs"`
	Jobs        []*JobDoc `json:"jobs"`
}

// JobDoc is the exported form of a job. Dependencies map a task name to
// the names of its downstream tasks.
type JobDoc struct {
	JobID        ID                  `json:"job_id"`
	Name         string              `json:"name"`
	ParentID     ID                  `json:"parent_id"`
	Status       string              `json:"status"`
	CronSchedule string              `json:"cron_schedule"`
	NextRun      Time                `json:"next_run"`
	Notes        string              `json:"notes"`
	Tasks        []TaskDoc           `json:"tasks"`
	Dependencies map[string][]string `json:"dependencies"`
}

// TaskDoc is the exported form of a task. A task referencing another job
// carries only its name and the target job's name.
type TaskDoc struct {
	Name        string      `json:"name"`
	Command     string      `json:"command"`
	TargetJob   string      `json:"job_name,omitempty"`
	Hostname    *string     `json:"hostname"`
	SoftTimeout int         `json:"soft_timeout"`
	HardTimeout int         `json:"hard_timeout"`
	StartedAt   Time        `json:"started_at"`
	CompletedAt Time        `json:"completed_at"`
	Success     *bool       `json:"success"`
	RunLogEntry *TaskRecord `json:"run_log,omitempty"`

	// Job names the owning job on task_failed event payloads; job and
	// export serializations leave it empty.
	Job string `json:"job,omitempty"`
}

// IsJobTask reports whether this document describes a job reference
// rather than a runnable command.
func (d TaskDoc) IsJobTask() bool { return d.TargetJob != "" }

func (d TaskDoc) MarshalJSON() ([]byte, error) {
	if d.IsJobTask() {
		return json.Marshal(struct {
			Name      string `json:"name"`
			TargetJob string `json:"job_name"`
		}{Name: d.Name, TargetJob: d.TargetJob})
	}
	type fullDoc TaskDoc
	return json.Marshal(fullDoc(d))
}

// RunLog records one execution of a job: when it started, when it was
// last retried, and one record per task that has been started.
type RunLog struct {
	LogID         ID                     `json:"log_id"`
	JobID         ID                     `json:"job_id"`
	JobName       string                 `json:"name"`
	ParentID      ID                     `json:"parent_id"`
	StartTime     Time                   `json:"start_time"`
	LastRetryTime Time                   `json:"last_retry_time"`
	SaveDate      Time                   `json:"save_date"`
	Tasks         map[string]*TaskRecord `json:"tasks"`
}

// Clone returns a deep copy of the run log.
func (l *RunLog) Clone() *RunLog {
	if l == nil {
		return nil
	}
	cloned := *l
	cloned.Tasks = make(map[string]*TaskRecord, len(l.Tasks))
	for name, rec := range l.Tasks {
		cloned.Tasks[name] = rec.Clone()
	}
	return &cloned
}

// TaskRecord is one task's entry in a run log. Success is nil until the
// task has reported its outcome.
type TaskRecord struct {
	StartTime    Time   `json:"start_time"`
	Command      string `json:"command"`
	CompleteTime Time   `json:"complete_time"`
	ReturnCode   *int   `json:"return_code,omitempty"`
	Success      *bool  `json:"success,omitempty"`
	Stdout       string `json:"stdout,omitempty"`
	Stderr       string `json:"stderr,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *TaskRecord) Clone() *TaskRecord {
	if r == nil {
		return nil
	}
	cloned := *r
	if r.ReturnCode != nil {
		rc := *r.ReturnCode
		cloned.ReturnCode = &rc
	}
	if r.Success != nil {
		ok := *r.Success
		cloned.Success = &ok
	}
	return &cloned
}

// Reported reports whether the task has recorded a terminal outcome.
func (r *TaskRecord) Reported() bool { return r != nil && r.Success != nil }

// Succeeded reports whether the task recorded a successful outcome.
func (r *TaskRecord) Succeeded() bool { return r.Reported() && *r.Success }
