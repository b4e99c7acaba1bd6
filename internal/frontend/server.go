// Package frontend serves the HTTP/JSON control surface over the
// engine: job and task CRUD, run control, log access, host listing,
// export/import, and scheduler control.
package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"

	"github.com/dagobah-org/dagobah/internal/build"
	"github.com/dagobah-org/dagobah/internal/core"
	"github.com/dagobah-org/dagobah/internal/logger"
)

// Server is the API server. It owns no engine state; every request
// resolves through the Dagobah root.
type Server struct {
	engine *core.Dagobah
	addr   string
	srv    *http.Server
}

// New returns a server for the given engine.
func New(engine *core.Dagobah, addr string) *Server {
	return &Server{engine: engine, addr: addr}
}

// Router builds the route table.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	requestLogger := httplog.NewLogger(build.AppName, httplog.Options{
		LogLevel:       slog.LevelInfo,
		Concise:        true,
		RequestHeaders: false,
	})
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(requestLogger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/jobs", s.guard(s.handleJobs))
		r.Get("/job", s.guard(s.handleJob))
		r.Get("/head", s.guard(s.handleHead))
		r.Get("/tail", s.guard(s.handleTail))
		r.Get("/run_log_history", s.guard(s.handleRunLogHistory))
		r.Get("/log", s.guard(s.handleLog))
		r.Get("/hosts", s.guard(s.handleHosts))
		r.Get("/host", s.guard(s.handleHost))
		r.Get("/export_job", s.guard(s.handleExportJob))

		r.Post("/import_job", s.guard(s.handleImportJob))
		r.Post("/add_job", s.guard(s.handleAddJob))
		r.Post("/delete_job", s.guard(s.handleDeleteJob))
		r.Post("/start_job", s.guard(s.handleStartJob))
		r.Post("/retry_job", s.guard(s.handleRetryJob))
		r.Post("/add_task_to_job", s.guard(s.handleAddTaskToJob))
		r.Post("/add_jobtask_to_job", s.guard(s.handleAddJobTaskToJob))
		r.Post("/delete_task", s.guard(s.handleDeleteTask))
		r.Post("/add_dependency", s.guard(s.handleAddDependency))
		r.Post("/delete_dependency", s.guard(s.handleDeleteDependency))
		r.Post("/schedule_job", s.guard(s.handleScheduleJob))
		r.Post("/update_job_notes", s.guard(s.handleUpdateJobNotes))
		r.Post("/edit_job", s.guard(s.handleEditJob))
		r.Post("/edit_task", s.guard(s.handleEditTask))
		r.Post("/terminate_all_tasks", s.guard(s.handleTerminateAllTasks))
		r.Post("/kill_all_tasks", s.guard(s.handleKillAllTasks))
		r.Post("/terminate_task", s.guard(s.handleTerminateTask))
		r.Post("/kill_task", s.guard(s.handleKillTask))
		r.Post("/stop_scheduler", s.guard(s.handleStopScheduler))
		r.Post("/restart_scheduler", s.guard(s.handleRestartScheduler))
	})

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info(ctx, "API server listening", "addr", s.addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": build.Version,
	})
}
