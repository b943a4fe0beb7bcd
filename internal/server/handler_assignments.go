package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/graderun/pkg/model"
)

// finalGradingDelay is how long after the due date the auto-scheduled final
// grading run fires, leaving room for clock skew and last-second submissions.
const finalGradingDelay = 5 * time.Minute

// assignmentView is an assignment plus its resolved due date, which lives on
// the paired final grading job rather than the assignment row.
type assignmentView struct {
	*model.Assignment
	DueAt time.Time `json:"due_at"`
}

func (s *Server) assignmentView(r *http.Request, a *model.Assignment) assignmentView {
	v := assignmentView{Assignment: a}
	if a.FinalGradingJobID != "" {
		if job, err := s.store.GetJob(r.Context(), a.FinalGradingJobID); err == nil && job != nil {
			v.DueAt = job.DueAt
		}
	}
	return v
}

func (s *Server) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		ID          string            `json:"id"`
		CourseID    string            `json:"course_id"`
		Name        string            `json:"name"`
		Visibility  model.Visibility  `json:"visibility"`
		OpenAt      time.Time         `json:"open_at"`
		DueAt       time.Time         `json:"due_at"`
		QuotaAmount int               `json:"quota_amount"`
		QuotaPeriod model.QuotaPeriod `json:"quota_period"`
		CommitHash  string            `json:"commit_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}
	if req.CourseID == "" || req.Name == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", "course_id and name are required"))
		return
	}
	if req.DueAt.IsZero() {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("missing required field", "due_at is required"))
		return
	}
	if req.QuotaPeriod == "" {
		req.QuotaPeriod = model.QuotaDaily
	}
	if req.Visibility == "" {
		req.Visibility = model.VisibilityDefault
	}

	course, err := s.store.GetCourse(r.Context(), req.CourseID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if course == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("course", req.CourseID))
		return
	}

	now := s.clk.Now()
	assignment := &model.Assignment{
		ID:          req.ID,
		CourseID:    req.CourseID,
		Name:        req.Name,
		Visibility:  req.Visibility,
		OpenAt:      req.OpenAt,
		QuotaAmount: req.QuotaAmount,
		QuotaPeriod: req.QuotaPeriod,
		CommitHash:  req.CommitHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if assignment.ID == "" {
		assignment.ID = "asn_" + uuid.New().String()
	}
	if err := s.store.CreateAssignment(r.Context(), assignment); err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	// Every assignment carries a final grading run scheduled shortly after
	// its due date. The job's DueAt is the assignment's effective due date;
	// rescheduling this job is how due-date edits propagate.
	scheduledAt := req.DueAt.Add(finalGradingDelay)
	final := &model.Job{
		ID:                "job_" + uuid.New().String(),
		Type:              model.JobTypeFinalGrading,
		Status:            model.JobStatusPending,
		CourseID:          req.CourseID,
		AssignmentID:      assignment.ID,
		NetIDs:            []string{model.AllStudents},
		ScheduledAt:       &scheduledAt,
		DueAt:             req.DueAt,
		PublishFinalGrade: true,
		CommitHash:        req.CommitHash,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateJob(r.Context(), final); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	assignment.FinalGradingJobID = final.ID
	if err := s.store.UpdateAssignment(r.Context(), assignment); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	s.scheduler.Track(r.Context(), final)

	respondCreated(w, reqID, assignmentView{Assignment: assignment, DueAt: req.DueAt})
}

func (s *Server) handleGetAssignment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	assignment, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if assignment == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("assignment", id))
		return
	}
	respondOK(w, reqID, s.assignmentView(r, assignment))
}

func (s *Server) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	courseID := r.URL.Query().Get("course_id")
	if courseID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("course_id query parameter is required"))
		return
	}

	assignments, err := s.store.ListAssignments(r.Context(), courseID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	views := make([]assignmentView, len(assignments))
	for i, a := range assignments {
		views[i] = s.assignmentView(r, a)
	}
	respondOK(w, reqID, views)
}

func (s *Server) handleUpdateAssignment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	assignment, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if assignment == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("assignment", id))
		return
	}

	var req struct {
		Name        *string            `json:"name"`
		Visibility  *model.Visibility  `json:"visibility"`
		OpenAt      *time.Time         `json:"open_at"`
		DueAt       *time.Time         `json:"due_at"`
		QuotaAmount *int               `json:"quota_amount"`
		QuotaPeriod *model.QuotaPeriod `json:"quota_period"`
		CommitHash  *string            `json:"commit_hash"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON body: "+err.Error()))
		return
	}

	if req.Name != nil {
		assignment.Name = *req.Name
	}
	if req.Visibility != nil {
		assignment.Visibility = *req.Visibility
	}
	if req.OpenAt != nil {
		assignment.OpenAt = *req.OpenAt
	}
	if req.QuotaAmount != nil {
		assignment.QuotaAmount = *req.QuotaAmount
	}
	if req.QuotaPeriod != nil {
		assignment.QuotaPeriod = *req.QuotaPeriod
	}
	if req.CommitHash != nil {
		assignment.CommitHash = *req.CommitHash
	}
	assignment.UpdatedAt = s.clk.Now()

	if err := s.store.UpdateAssignment(r.Context(), assignment); err != nil {
		respondServiceError(w, reqID, err)
		return
	}

	// Moving the due date reschedules the final grading job and drops any
	// stale in-memory timer so the next poll re-arms at the new time.
	if req.DueAt != nil && assignment.FinalGradingJobID != "" {
		final, err := s.store.GetJob(r.Context(), assignment.FinalGradingJobID)
		if err != nil {
			respondServiceError(w, reqID, err)
			return
		}
		if final != nil {
			scheduledAt := req.DueAt.Add(finalGradingDelay)
			final.DueAt = *req.DueAt
			final.ScheduledAt = &scheduledAt
			final.UpdatedAt = s.clk.Now()
			if err := s.store.UpdateJob(r.Context(), final); err != nil {
				respondServiceError(w, reqID, err)
				return
			}
			s.scheduler.Untrack(final.ID)
			s.scheduler.Track(r.Context(), final)
		}
	}

	respondOK(w, reqID, s.assignmentView(r, assignment))
}

func (s *Server) handleDeleteAssignment(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	assignment, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if assignment == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("assignment", id))
		return
	}

	if assignment.FinalGradingJobID != "" {
		s.scheduler.Untrack(assignment.FinalGradingJobID)
	}
	if err := s.store.DeleteAssignment(r.Context(), id); err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]string{"deleted": id})
}

// handleEligibility evaluates whether net_id may start a run right now.
func (s *Server) handleEligibility(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")
	netID := r.URL.Query().Get("net_id")
	if netID == "" {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("net_id query parameter is required"))
		return
	}

	assignment, err := s.store.GetAssignment(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if assignment == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("assignment", id))
		return
	}
	course, err := s.store.GetCourse(r.Context(), assignment.CourseID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if course == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("course", assignment.CourseID))
		return
	}

	staff, err := s.isStaffMember(r, course.ID, netID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	decision, err := s.calc.Evaluate(r.Context(), course, assignment, netID, staff)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, decision)
}

func (s *Server) handleListGrades(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	grades, err := s.store.ListGrades(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, grades)
}

// isStaffMember reports whether netID is enrolled as staff in the course.
func (s *Server) isStaffMember(r *http.Request, courseID, netID string) (bool, error) {
	enrollments, err := s.store.ListEnrollments(r.Context(), courseID)
	if err != nil {
		return false, err
	}
	for _, e := range enrollments {
		if e.NetID == netID {
			return e.Role == model.RoleStaff, nil
		}
	}
	return false, nil
}
