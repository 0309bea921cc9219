package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-orchestrator/internal/jobs"
	"github.com/JakeFAU/scrape-orchestrator/internal/scrape"
)

const (
	defaultJobLimit = 50
	maxJobLimit     = 500
)

type controlResponse struct {
	Success       bool             `json:"success"`
	JobID         string           `json:"jobId"`
	Status        scrape.JobStatus `json:"status,omitempty"`
	EnqueuedCount *int             `json:"enqueuedCount,omitempty"`
	Removed       *int             `json:"removed,omitempty"`
	Message       string           `json:"message"`
}

func (s *Server) registerJob(w http.ResponseWriter, r *http.Request) {
	var req jobs.RegisterRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	job, err := s.deps.Jobs.Register(r.Context(), req)
	if err != nil {
		s.writeDomainError(w, err, "Failed to create job")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		val, err := strconv.Atoi(raw)
		if err != nil || val <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", "limit must be a positive integer")
			return
		}
		limit = min(val, maxJobLimit)
	}
	list, err := s.deps.Jobs.List(r.Context(), limit)
	if err != nil {
		s.writeDomainError(w, err, "Failed to get jobs")
		return
	}
	if list == nil {
		list = []scrape.Job{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err, "Failed to get job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Stats.JobStats(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeDomainError(w, err, "Failed to get job statistics")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Stats.QueueStats(r.Context())
	if err != nil {
		s.writeDomainError(w, err, "Failed to get queue statistics")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) startJob(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, chi.URLParam(r, "job_id"))
}

// startJobFromBody serves POST /jobs/start with a {"jobId": "..."} body.
func (s *Server) startJobFromBody(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}
	if strings.TrimSpace(body.JobID) == "" {
		writeError(w, http.StatusBadRequest, "jobId is required", "jobId is required")
		return
	}
	s.start(w, r, body.JobID)
}

func (s *Server) start(w http.ResponseWriter, r *http.Request, id string) {
	n, err := s.deps.Jobs.Start(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "Failed to start job")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{
		Success:       true,
		JobID:         id,
		EnqueuedCount: &n,
		Message:       fmt.Sprintf("Enqueued %d URLs for processing", n),
	})
}

func (s *Server) pauseJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.Pause(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "Failed to pause job")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Success: true, JobID: id, Status: job.Status, Message: "Job paused"})
}

func (s *Server) resumeJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, err := s.deps.Jobs.Resume(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "Failed to resume job")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{Success: true, JobID: id, Status: job.Status, Message: "Job resumed"})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, removed, err := s.deps.Jobs.Cancel(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "Failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, controlResponse{
		Success: true,
		JobID:   id,
		Status:  job.Status,
		Removed: &removed,
		Message: "Job cancelled",
	})
}

// writeDomainError maps lifecycle errors onto HTTP statuses. Anything
// unrecognised is a 500 labelled with action.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, scrape.ErrNotFound):
		writeError(w, http.StatusNotFound, "Job not found", err.Error())
	case errors.Is(err, scrape.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "Invalid job state", err.Error())
	case errors.Is(err, scrape.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, "Invalid job", err.Error())
	default:
		s.logger.Error(strings.ToLower(action), zap.Error(err))
		writeError(w, http.StatusInternalServerError, action, err.Error())
	}
}
