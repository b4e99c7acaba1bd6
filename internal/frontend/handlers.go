package frontend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dagobah-org/dagobah/internal/core"
	"github.com/dagobah-org/dagobah/internal/logger"
	"github.com/dagobah-org/dagobah/internal/models"
)

// handlerFunc is a handler that reports failure instead of writing its
// own error body.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// guard maps engine error kinds onto the wire: client mistakes are 400
// with a structured body, everything else is 500.
func (s *Server) guard(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}
		kind := core.ErrorType(err)
		status := http.StatusBadRequest
		if kind == "internal" {
			status = http.StatusInternalServerError
			logger.Error(r.Context(), "Request failed",
				"path", r.URL.Path, "err", err)
		}
		writeJSON(w, status, map[string]string{
			"error_type": kind,
			"message":    err.Error(),
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeBody(r *http.Request, dst any) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read request body: %v", core.ErrInvalidArgument, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: empty request body", core.ErrInvalidArgument)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("%w: malformed JSON body: %v", core.ErrInvalidArgument, err)
	}
	return nil
}

func requireParam(r *http.Request, name string) (string, error) {
	value := r.URL.Query().Get(name)
	if value == "" {
		return "", fmt.Errorf("%w: missing query parameter %s", core.ErrInvalidArgument, name)
	}
	return value, nil
}

func intParam(r *http.Request, name string, fallback int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func (s *Server) jobFromQuery(r *http.Request) (*core.Job, error) {
	name, err := requireParam(r, "job_name")
	if err != nil {
		return nil, err
	}
	return s.engine.GetJob(name)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) error {
	doc := s.engine.Serialize(r.Context(), false)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": doc.Jobs})
	return nil
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) error {
	job, err := s.jobFromQuery(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, job.Serialize(r.Context(), true))
	return nil
}

func (s *Server) handleHead(w http.ResponseWriter, r *http.Request) error {
	return s.handleStream(w, r, (*core.Job).TaskHead)
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) error {
	return s.handleStream(w, r, (*core.Job).TaskTail)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request,
	read func(*core.Job, context.Context, string, string, int) ([]string, error)) error {
	job, err := s.jobFromQuery(r)
	if err != nil {
		return err
	}
	taskName, err := requireParam(r, "task_name")
	if err != nil {
		return err
	}
	stream := r.URL.Query().Get("stream")
	if stream == "" {
		stream = "stdout"
	}
	lines, err := read(job, r.Context(), taskName, stream, intParam(r, "num_lines", 10))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_name":  job.Name(),
		"task_name": taskName,
		"stream":    stream,
		"lines":     lines,
	})
	return nil
}

func (s *Server) handleRunLogHistory(w http.ResponseWriter, r *http.Request) error {
	job, err := s.jobFromQuery(r)
	if err != nil {
		return err
	}
	taskName, err := requireParam(r, "task_name")
	if err != nil {
		return err
	}
	logs, err := job.RunLogHistory(r.Context(), taskName, intParam(r, "limit", 10))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_logs": logs})
	return nil
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) error {
	job, err := s.jobFromQuery(r)
	if err != nil {
		return err
	}
	taskName, err := requireParam(r, "task_name")
	if err != nil {
		return err
	}
	logID, err := requireParam(r, "log_id")
	if err != nil {
		return err
	}
	log, err := job.GetRunLog(r.Context(), taskName, models.ID(logID))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, log)
	return nil
}

func (s *Server) handleHosts(w http.ResponseWriter, r *http.Request) error {
	hosts, err := s.engine.GetHosts()
	if err != nil {
		return err
	}
	if hosts == nil {
		hosts = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"hosts": hosts})
	return nil
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) error {
	name, err := requireParam(r, "host_name")
	if err != nil {
		return err
	}
	spec, err := s.engine.GetHost(name)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, spec)
	return nil
}

func (s *Server) handleExportJob(w http.ResponseWriter, r *http.Request) error {
	job, err := s.jobFromQuery(r)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, job.Serialize(r.Context(), false))
	return nil
}

func (s *Server) handleImportJob(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		Job         json.RawMessage `json:"job"`
		Destructive bool            `json:"destructive"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if len(req.Job) == 0 {
		return fmt.Errorf("%w: missing job document", core.ErrInvalidArgument)
	}
	if err := s.engine.AddJobFromJSON(r.Context(), req.Job, req.Destructive); err != nil {
		return err
	}
	return ok(w)
}

type jobRequest struct {
	JobName string `json:"job_name"`
}

func (s *Server) decodeJob(r *http.Request) (*core.Job, error) {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	return s.engine.GetJob(req.JobName)
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) error {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if _, err := s.engine.AddJob(r.Context(), req.JobName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) error {
	var req jobRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.engine.DeleteJob(r.Context(), req.JobName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) error {
	job, err := s.decodeJob(r)
	if err != nil {
		return err
	}
	if err := job.Start(r.Context()); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) error {
	job, err := s.decodeJob(r)
	if err != nil {
		return err
	}
	if err := job.Retry(r.Context()); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleAddTaskToJob(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName     string `json:"job_name"`
		TaskCommand string `json:"task_command"`
		TaskName    string `json:"task_name"`
		Hostname    string `json:"hostname"`
		SoftTimeout int    `json:"soft_timeout"`
		HardTimeout int    `json:"hard_timeout"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	opts := []core.TaskOption{
		core.WithSoftTimeout(req.SoftTimeout),
		core.WithHardTimeout(req.HardTimeout),
	}
	if req.Hostname != "" {
		opts = append(opts, core.WithHostname(req.Hostname))
	}
	if err := s.engine.AddTaskToJob(r.Context(),
		req.JobName, req.TaskCommand, req.TaskName, opts...); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleAddJobTaskToJob(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName       string `json:"job_name"`
		TargetJobName string `json:"target_job_name"`
		TaskName      string `json:"task_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if err := s.engine.AddJobTaskToJob(r.Context(),
		req.JobName, req.TargetJobName, req.TaskName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName  string `json:"job_name"`
		TaskName string `json:"task_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.DeleteTask(r.Context(), req.TaskName); err != nil {
		return err
	}
	return ok(w)
}

type dependencyRequest struct {
	JobName      string `json:"job_name"`
	FromTaskName string `json:"from_task_name"`
	ToTaskName   string `json:"to_task_name"`
}

func (s *Server) handleAddDependency(w http.ResponseWriter, r *http.Request) error {
	var req dependencyRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.AddDependency(r.Context(), req.FromTaskName, req.ToTaskName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleDeleteDependency(w http.ResponseWriter, r *http.Request) error {
	var req dependencyRequest
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.DeleteDependency(r.Context(), req.FromTaskName, req.ToTaskName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleScheduleJob(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName      string `json:"job_name"`
		CronSchedule string `json:"cron_schedule"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.Schedule(r.Context(), req.CronSchedule, time.Time{}); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleUpdateJobNotes(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName string `json:"job_name"`
		Notes   string `json:"notes"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.SetNotes(r.Context(), req.Notes); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleEditJob(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName string `json:"job_name"`
		Name    string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	if req.Name == "" {
		return fmt.Errorf("%w: new job name must not be empty", core.ErrInvalidArgument)
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.Rename(r.Context(), req.Name); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleEditTask(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName     string  `json:"job_name"`
		TaskName    string  `json:"task_name"`
		Name        *string `json:"name"`
		Command     *string `json:"command"`
		SoftTimeout *int    `json:"soft_timeout"`
		HardTimeout *int    `json:"hard_timeout"`
		Hostname    *string `json:"hostname"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	update := core.TaskUpdate{
		Name:        req.Name,
		Command:     req.Command,
		SoftTimeout: req.SoftTimeout,
		HardTimeout: req.HardTimeout,
		Hostname:    req.Hostname,
	}
	if err := job.EditTask(r.Context(), req.TaskName, update); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleTerminateAllTasks(w http.ResponseWriter, r *http.Request) error {
	job, err := s.decodeJob(r)
	if err != nil {
		return err
	}
	job.TerminateAll(r.Context())
	return ok(w)
}

func (s *Server) handleKillAllTasks(w http.ResponseWriter, r *http.Request) error {
	job, err := s.decodeJob(r)
	if err != nil {
		return err
	}
	job.KillAll(r.Context())
	return ok(w)
}

func (s *Server) handleTerminateTask(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName  string `json:"job_name"`
		TaskName string `json:"task_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.TerminateTask(req.TaskName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) error {
	var req struct {
		JobName  string `json:"job_name"`
		TaskName string `json:"task_name"`
	}
	if err := decodeBody(r, &req); err != nil {
		return err
	}
	job, err := s.engine.GetJob(req.JobName)
	if err != nil {
		return err
	}
	if err := job.KillTask(req.TaskName); err != nil {
		return err
	}
	return ok(w)
}

func (s *Server) handleStopScheduler(w http.ResponseWriter, r *http.Request) error {
	s.engine.Scheduler().Stop()
	return ok(w)
}

func (s *Server) handleRestartScheduler(w http.ResponseWriter, r *http.Request) error {
	s.engine.Scheduler().Restart()
	return ok(w)
}

func ok(w http.ResponseWriter) error {
	writeJSON(w, http.StatusOK, map[string]string{"result": "success"})
	return nil
}
