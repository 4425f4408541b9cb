package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/clawinfra/sandboxgate/internal/scheduler"
	"github.com/clawinfra/sandboxgate/internal/security"
)

// SetScheduler exposes sched under /api/admin/jobs. Without it those routes
// answer 503.
func (s *Server) SetScheduler(sched *scheduler.Scheduler) {
	s.scheduler = sched
}

// admin resolves the caller and refuses anyone without admin capability.
// The permission table covers token callers; dev mode callers land here.
func (s *Server) admin(w http.ResponseWriter, r *http.Request) bool {
	caller, ok := s.caller(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, security.ErrMissingToken.Error())
		return false
	}
	if !caller.Caps.Admin {
		writeError(w, http.StatusForbidden, security.ErrInsufficientRole.Error())
		return false
	}
	if s.scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not available")
		return false
	}
	return true
}

// handleListJobs returns all jobs with scheduler statistics
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	jobs := s.scheduler.ListJobs()
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
		"stats": s.scheduler.GetStats(),
	})
}

// handleGetJob returns a specific job
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	job, err := s.scheduler.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleUpdateJob enables or disables a job
func (s *Server) handleUpdateJob(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}

	var update struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckBody)).Decode(&update); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.scheduler.GetJob(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if update.Enabled != nil {
		job.Enabled = *update.Enabled
		if err := s.scheduler.UpdateJob(job); errors.Is(err, scheduler.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		} else if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "job updated",
		"job":     job,
	})
}

// handleRunJob triggers a job immediately and waits for it to finish
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	if !s.admin(w, r) {
		return
	}
	id := r.PathValue("id")
	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	job, err := s.scheduler.GetJob(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id": id,
		"state":  job.Snapshot(),
	})
}
