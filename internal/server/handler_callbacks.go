package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/graderun/pkg/model"
)

// handleStageResult accepts one subject's grade from the executor and holds it
// in staging until the run completes. Re-reports for the same subject replace
// the earlier staged row.
func (s *Server) handleStageResult(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", jobID))
		return
	}

	var req struct {
		NetID    string  `json:"net_id"`
		Score    float64 `json:"score"`
		MaxScore float64 `json:"max_score"`
		Feedback string  `json:"feedback"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.NetID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", "net_id is required"))
		return
	}

	staged := &model.StagedResult{
		JobID:     jobID,
		NetID:     req.NetID,
		Score:     req.Score,
		MaxScore:  req.MaxScore,
		Feedback:  req.Feedback,
		CreatedAt: s.clk.Now(),
	}
	if err := s.store.StageResult(r.Context(), staged); err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	s.logger.Debug("result staged", "job_id", jobID, "net_id", req.NetID, "request_id", reqID)
	respondOK(w, reqID, staged)
}

// handleCompleteRun finalizes a run: staged results become permanent grades
// and the assignment's grade file is republished.
func (s *Server) handleCompleteRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	existing, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if existing == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", jobID))
		return
	}
	// Reject the transition up front. Publication clears staging, so a run
	// that cannot move to COMPLETED must keep its staged results intact for
	// the executor to retry after reporting RUNNING.
	if !existing.Status.CanTransitionTo(model.JobStatusCompleted) {
		respondServiceError(w, reqID, &model.InvalidTransitionError{
			JobID:   jobID,
			From:    existing.Status,
			To:      model.JobStatusCompleted,
			Allowed: existing.Status.AllowedTransitions(),
		})
		return
	}

	if err := s.grades.CompleteRun(r.Context(), jobID); err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	job, err := s.store.TransitionJob(r.Context(), jobID, model.JobStatusCompleted)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, job)
}

// handleReportStatus lets the executor move a run through its lifecycle
// directly, e.g. PENDING to RUNNING when the build starts or to INFRA_ERROR
// on an environment failure.
func (s *Server) handleReportStatus(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	jobID := chi.URLParam(r, "id")

	var req struct {
		Status model.JobStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Status == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", "status is required"))
		return
	}

	job, err := s.store.TransitionJob(r.Context(), jobID, req.Status)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	s.logger.Info("run status reported", "job_id", jobID, "status", req.Status, "request_id", reqID)
	respondOK(w, reqID, job)
}
