package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/vulnwatch/opsdash/backend"
	"github.com/vulnwatch/opsdash/tasks"
)

// JobView is a catalog entry with its launcher's latest snapshot
type JobView struct {
	tasks.JobDefinition
	Active bool        `json:"active"`
	Task   *tasks.Task `json:"task,omitempty"`
}

// TaskPage is one page of the snapshot store
type TaskPage struct {
	Tasks      []tasks.Task `json:"tasks"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// DiagnosticsRequest selects the jobs of a diagnostics run. Empty means the full pipeline.
type DiagnosticsRequest struct {
	Jobs []string `json:"jobs,omitempty"`
}

var errNoHistory = errors.New("runner history is not configured")

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"jobs":   len(s.manager.Catalog().Names()),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	defs := s.manager.Catalog().List()
	views := make([]JobView, 0, len(defs))
	for _, def := range defs {
		view, err := s.jobView(def.Name)
		if err != nil {
			s.writeTaskError(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobView(r.PathValue("name"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	// The submission must outlive a browser that navigates away mid-request.
	job, err := s.manager.StartJob(context.WithoutCancel(r.Context()), name)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}

	task := job.Task()
	s.logger.Infow("job triggered", "job", name, "task_id", task.ID, "state", task.State)
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.manager.CancelJob(name); err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.handleGetJob(w, r)
}

func (s *Server) handleLastRun(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !s.manager.Catalog().Has(name) {
		s.writeTaskError(w, fmt.Errorf("%w: %q", tasks.ErrUnknownJob, name))
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoHistory)
		return
	}

	last, err := s.history.LastRun(r.Context(), name)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "last_run": last})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoHistory)
		return
	}
	list, err := s.history.List(r.Context())
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if list == nil {
		list = []backend.TaskStatus{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoHistory)
		return
	}

	var req backend.ScheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.manager.Catalog().Has(req.Name) {
		s.writeTaskError(w, fmt.Errorf("%w: %q", tasks.ErrUnknownJob, req.Name))
		return
	}
	if req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_schedule", errors.New("minutes must be positive"))
		return
	}

	resp, err := s.history.Schedule(r.Context(), req)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUnschedule(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", errNoHistory)
		return
	}
	resp, err := s.history.Unschedule(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = n
	}

	list, next, err := s.manager.List(r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_cursor", err)
		return
	}
	if list == nil {
		list = []tasks.Task{}
	}
	writeJSON(w, http.StatusOK, TaskPage{Tasks: list, NextCursor: next})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleStartDiagnostics(w http.ResponseWriter, r *http.Request) {
	var req DiagnosticsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	dryRun := false
	if raw := r.URL.Query().Get("dry_run"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_dry_run", err)
			return
		}
		dryRun = v
	}

	if dryRun {
		plan, err := s.manager.PlanDiagnostics(req.Jobs)
		if err != nil {
			s.writeTaskError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
		return
	}

	plan, err := s.manager.StartDiagnostics(req.Jobs)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.logger.Infow("diagnostics started", "steps", len(plan.Steps))
	writeJSON(w, http.StatusAccepted, plan)
}

func (s *Server) handleCancelDiagnostics(w http.ResponseWriter, r *http.Request) {
	cancelled := s.manager.CancelDiagnostics()
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

func (s *Server) handleDiagnosticsStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Diagnostics())
}

func (s *Server) jobView(name string) (JobView, error) {
	def, err := s.manager.Catalog().Get(name)
	if err != nil {
		return JobView{}, err
	}
	l, err := s.manager.Launcher(name)
	if err != nil {
		return JobView{}, err
	}

	view := JobView{JobDefinition: def, Active: l.Active()}
	if cur, ok := l.Current(); ok {
		view.Task = &cur
	}
	return view, nil
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tasks.ErrUnknownJob):
		writeError(w, http.StatusNotFound, "unknown_job", err)
	case errors.Is(err, tasks.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "task_not_found", err)
	case errors.Is(err, tasks.ErrSequenceRunning):
		writeError(w, http.StatusConflict, "diagnostics_running", err)
	case errors.Is(err, tasks.ErrNoJobs):
		writeError(w, http.StatusBadRequest, "no_jobs", err)
	case errors.Is(err, tasks.ErrCancelled):
		writeError(w, http.StatusServiceUnavailable, "shutting_down", err)
	default:
		s.logger.Errorw("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err)
	}
}

// writeBackendError keeps the runner's client errors and maps everything else to 502
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	var apiErr *backend.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 {
		writeError(w, apiErr.StatusCode, "backend_rejected", err)
		return
	}
	s.logger.Warnw("runner request failed", "error", err)
	writeError(w, http.StatusBadGateway, "backend_unavailable", err)
}
