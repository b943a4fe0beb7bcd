package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/graderun/pkg/model"
)

func (s *Server) handleCreateExtension(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		AssignmentID string            `json:"assignment_id"`
		NetID        string            `json:"net_id"`
		QuotaAmount  int               `json:"quota_amount"`
		QuotaPeriod  model.QuotaPeriod `json:"quota_period"`
		OpenAt       time.Time         `json:"open_at"`
		CloseAt      time.Time         `json:"close_at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.AssignmentID == "" || req.NetID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", "assignment_id and net_id are required"))
		return
	}
	if req.QuotaAmount <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("quota_amount must be positive"))
		return
	}
	if !req.CloseAt.After(req.OpenAt) {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("close_at must be after open_at"))
		return
	}

	assignment, err := s.store.GetAssignment(r.Context(), req.AssignmentID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if assignment == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("assignment", req.AssignmentID))
		return
	}

	if req.QuotaPeriod == "" {
		req.QuotaPeriod = model.QuotaDaily
	}
	ext := &model.Extension{
		ID:           "ext_" + uuid.New().String(),
		AssignmentID: req.AssignmentID,
		NetID:        req.NetID,
		QuotaAmount:  req.QuotaAmount,
		QuotaPeriod:  req.QuotaPeriod,
		OpenAt:       req.OpenAt,
		CloseAt:      req.CloseAt,
		CreatedAt:    s.clk.Now(),
	}
	if err := s.store.CreateExtension(r.Context(), ext); err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	s.logger.Info("extension created",
		"extension_id", ext.ID,
		"assignment_id", ext.AssignmentID,
		"net_id", ext.NetID,
		"request_id", reqID)
	respondCreated(w, reqID, ext)
}

func (s *Server) handleGetExtension(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ext, err := s.store.GetExtension(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if ext == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("extension", id))
		return
	}
	respondOK(w, reqID, ext)
}

// handleDeleteExtension revokes an extension. Runs already charged against it
// are deleted with it, which restores the subject's base quota accounting.
func (s *Server) handleDeleteExtension(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	ext, err := s.store.GetExtension(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if ext == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("extension", id))
		return
	}
	if err := s.store.DeleteExtension(r.Context(), id); err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	s.logger.Info("extension deleted", "extension_id", id, "request_id", reqID)
	respondOK(w, reqID, map[string]string{"deleted": id})
}
