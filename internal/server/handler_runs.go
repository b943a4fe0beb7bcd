package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/me/graderun/internal/eligibility"
	"github.com/me/graderun/pkg/model"
)

// handleCreateRun is the grading request path: compute eligibility, create
// the job, and either dispatch it inside the creating transaction or leave it
// for the scheduler when a scheduled_at is given. A dispatch failure rolls the
// job row back, so no orphan PENDING job survives a failed on-demand dispatch.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req struct {
		CourseID         string     `json:"course_id"`
		AssignmentID     string     `json:"assignment_id"`
		NetID            string     `json:"net_id"`
		NetIDs           []string   `json:"net_ids"`
		ScheduledAt      *time.Time `json:"scheduled_at"`
		Priority         int        `json:"priority"`
		PublishToStudent bool       `json:"publish_to_student"`
		Regrade          bool       `json:"regrade"`
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

	assignment, err := s.store.GetAssignment(r.Context(), req.AssignmentID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if assignment == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("assignment", req.AssignmentID))
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

	enrolledStaff, err := s.isStaffMember(r, course.ID, req.NetID)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	staff := enrolledStaff || s.hasStaffToken(r)

	decision, err := s.calc.Evaluate(r.Context(), course, assignment, req.NetID, staff)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if !decision.Eligible {
		respondError(w, reqID, http.StatusForbidden, &model.APIError{
			Code:    model.ErrIneligible,
			Message: decision.Reason,
		})
		return
	}

	netIDs := []string{req.NetID}
	jobType := model.JobTypeStudentInitiated
	if staff {
		jobType = model.JobTypeStaffInitiatedGrading
		if len(req.NetIDs) > 0 {
			netIDs = req.NetIDs
		}
	}
	if req.Regrade {
		jobType = model.JobTypeRegrade
	}

	now := s.clk.Now()
	// Student self-service runs grade the submission as of the request, so
	// they carry the current time as the cutoff. Staff and regrade runs grade
	// against the assignment deadline.
	dueAt := now
	if staff || req.Regrade {
		dueAt = s.resolveDueDate(r, assignment)
	}
	job := &model.Job{
		ID:               "job_" + uuid.New().String(),
		Type:             jobType,
		Status:           model.JobStatusPending,
		CourseID:         course.ID,
		AssignmentID:     assignment.ID,
		NetIDs:           netIDs,
		ScheduledAt:      req.ScheduledAt,
		DueAt:            dueAt,
		Priority:         req.Priority,
		PublishToStudent: req.PublishToStudent,
		Regrade:          req.Regrade,
		CommitHash:       assignment.CommitHash,
		ExtensionID:      decision.ExtensionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if req.ScheduledAt != nil {
		// Scheduled runs are not dispatched now; the scheduler fires them.
		// They stay PENDING through a failed window rather than rolling back.
		if err := s.store.CreateJobRun(r.Context(), job, nil); err != nil {
			respondServiceError(w, reqID, err)
			return
		}
		s.scheduler.Track(r.Context(), job)
	} else {
		// Resolve the dispatch callback before CreateJobRun opens its
		// transaction; the callback must not re-enter the store.
		dispatch, err := s.grades.Dispatcher(r.Context(), job)
		if err != nil {
			respondServiceError(w, reqID, err)
			return
		}
		if err := s.store.CreateJobRun(r.Context(), job, dispatch); err != nil {
			respondServiceError(w, reqID, err)
			return
		}
	}

	s.logger.Info("run created",
		"job_id", job.ID,
		"type", job.Type,
		"assignment_id", assignment.ID,
		"net_id", req.NetID,
		"source", decision.Source,
		"request_id", reqID)
	respondCreated(w, reqID, runResponse{Job: job, Decision: decision})
}

// runResponse pairs the created job with the decision that allowed it.
type runResponse struct {
	Job      *model.Job            `json:"job"`
	Decision *eligibility.Decision `json:"decision"`
}

// resolveDueDate reads the effective due date off the assignment's final
// grading job, falling back to now for assignments without one.
func (s *Server) resolveDueDate(r *http.Request, assignment *model.Assignment) time.Time {
	if assignment.FinalGradingJobID != "" {
		if job, err := s.store.GetJob(r.Context(), assignment.FinalGradingJobID); err == nil && job != nil {
			return job.DueAt
		}
	}
	return s.clk.Now()
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	q := r.URL.Query()

	opts := model.DefaultListOptions()
	if v := q.Get("limit"); v != "" {
		opts.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		opts.Offset, _ = strconv.Atoi(v)
	}
	opts.Status = q.Get("status")
	opts.AssignmentID = q.Get("assignment_id")
	opts.NetID = q.Get("net_id")
	opts.Clamp()

	jobs, total, err := s.store.ListJobs(r.Context(), opts)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondList(w, reqID, jobs, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+len(jobs) < total,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}
	respondOK(w, reqID, job)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	if job == nil {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("run", id))
		return
	}

	cancelled, err := s.scheduler.CancelJob(r.Context(), id)
	if err != nil {
		respondServiceError(w, reqID, err)
		return
	}
	respondOK(w, reqID, cancelled)
}
