package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/me/graderun/pkg/model"
)

func (s *Server) handleCreateCourse(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		Term     string `json:"term"`
		Timezone string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.ID == "" || req.Name == "" || req.Term == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", "id, name and term are required"))
		return
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	now := s.clk.Now()
	course := &model.Course{
		ID:        req.ID,
		Name:      req.Name,
		Term:      req.Term,
		Timezone:  req.Timezone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateCourse(r.Context(), course); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondCreated(w, reqID, course)
}

func (s *Server) handleGetCourse(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "courseID")

	course, err := s.store.GetCourse(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if course == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("course", id))
		return
	}
	respondOK(w, reqID, course)
}

func (s *Server) handleUpdateCourse(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "courseID")

	course, err := s.store.GetCourse(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if course == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("course", id))
		return
	}

	var req struct {
		Name     *string `json:"name"`
		Term     *string `json:"term"`
		Timezone *string `json:"timezone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.Name != nil {
		course.Name = *req.Name
	}
	if req.Term != nil {
		course.Term = *req.Term
	}
	if req.Timezone != nil {
		course.Timezone = *req.Timezone
	}
	course.UpdatedAt = s.clk.Now()

	if err := s.store.UpdateCourse(r.Context(), course); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, course)
}

func (s *Server) handleGetRoster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "courseID")

	enrollments, err := s.store.ListEnrollments(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, enrollments)
}

// handleSetRoster replaces the course roster and pushes the shared roster
// file. Contention on the roster lock surfaces as a retryable conflict.
func (s *Server) handleSetRoster(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "courseID")

	course, err := s.store.GetCourse(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if course == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("course", id))
		return
	}

	var req []struct {
		NetID string               `json:"net_id"`
		Role  model.EnrollmentRole `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}

	enrollments := make([]model.Enrollment, 0, len(req))
	for _, e := range req {
		if e.NetID == "" {
			respondError(w, reqID, http.StatusBadRequest,
				model.NewValidationError("enrollment with empty net_id"))
			return
		}
		role := e.Role
		if role == "" {
			role = model.RoleStudent
		}
		enrollments = append(enrollments, model.Enrollment{CourseID: id, NetID: e.NetID, Role: role})
	}

	if err := s.store.SetEnrollments(r.Context(), id, enrollments); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if err := s.grades.PushRoster(r.Context(), id); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, enrollments)
}
