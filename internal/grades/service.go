// Package grades owns the run dispatch path and the grade publication path:
// sending jobs to the external executor, verifying and publishing staged
// results when a run completes, and pushing the shared grade and roster files
// under the mutation lock.
package grades

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/graderun/internal/ci"
	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/gradefile"
	"github.com/me/graderun/internal/lock"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// Service coordinates executor dispatch and grade publication.
type Service struct {
	store   store.Store
	client  *ci.Client
	locks   *lock.Manager
	remote  gradefile.Remote
	metrics *metrics.Collector
	clk     clock.Clock
	logger  *slog.Logger
}

// NewService creates a grades Service.
func NewService(st store.Store, client *ci.Client, locks *lock.Manager, remote gradefile.Remote, m *metrics.Collector, clk clock.Clock, logger *slog.Logger) *Service {
	return &Service{
		store:   st,
		client:  client,
		locks:   locks,
		remote:  remote,
		metrics: m,
		clk:     clk,
		logger:  logger.With("component", "grades"),
	}
}

// Subjects resolves the concrete list of graded users for a job, expanding
// the all-students sentinel from the course's current enrollments.
func (s *Service) Subjects(ctx context.Context, job *model.Job) ([]string, error) {
	if !job.ForAllStudents() {
		return job.NetIDs, nil
	}
	enrollments, err := s.store.ListEnrollments(ctx, job.CourseID)
	if err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	var netIDs []string
	for _, e := range enrollments {
		if e.Role == model.RoleStudent {
			netIDs = append(netIDs, e.NetID)
		}
	}
	return netIDs, nil
}

// Dispatcher resolves the course and subject list for a job and returns a
// dispatch callback that only talks to the executor. All store reads happen
// here, up front, so the callback is safe to run inside the store's job
// creation transaction without checking out a second connection.
func (s *Service) Dispatcher(ctx context.Context, job *model.Job) (store.DispatchFunc, error) {
	course, err := s.store.GetCourse(ctx, job.CourseID)
	if err != nil {
		return nil, fmt.Errorf("get course: %w", err)
	}
	if course == nil {
		return nil, fmt.Errorf("course %s not found", job.CourseID)
	}
	netIDs, err := s.Subjects(ctx, job)
	if err != nil {
		return nil, err
	}
	if len(netIDs) == 0 {
		return nil, fmt.Errorf("job %s has no subjects to grade", job.ID)
	}

	return func(ctx context.Context, job *model.Job) error {
		queueURL, err := s.client.Dispatch(ctx, ci.DispatchParams{
			RunID:             job.ID,
			NetIDs:            netIDs,
			DueAt:             job.DueAt,
			CourseID:          job.CourseID,
			Term:              course.Term,
			AssignmentID:      job.AssignmentID,
			Priority:          job.Priority,
			PublishToStudent:  job.PublishToStudent,
			PublishFinalGrade: job.PublishFinalGrade,
			Regrade:           job.Regrade,
			CommitHash:        job.CommitHash,
		})
		if err != nil {
			s.metrics.RecordDispatch("error")
			return err
		}
		s.metrics.RecordDispatch("ok")

		job.QueueURL = queueURL
		job.UpdatedAt = s.clk.Now()
		s.logger.Info("dispatched run", "job_id", job.ID, "subjects", len(netIDs), "queue_url", queueURL)
		return nil
	}, nil
}

// Dispatch sends the job to the external executor and sets job.QueueURL on
// success. It does not persist the job; callers follow up with an update.
func (s *Service) Dispatch(ctx context.Context, job *model.Job) error {
	fn, err := s.Dispatcher(ctx, job)
	if err != nil {
		return err
	}
	return fn(ctx, job)
}

// DispatchAndRecord dispatches an already-persisted job and records the queue
// URL. Registered as the scheduler handler for grading job types.
func (s *Service) DispatchAndRecord(ctx context.Context, job *model.Job) error {
	if err := s.Dispatch(ctx, job); err != nil {
		return err
	}
	return s.store.UpdateJob(ctx, job)
}

// gradeFileEntry is one subject's row in the shared grade file.
type gradeFileEntry struct {
	NetID     string    `json:"net_id"`
	Score     float64   `json:"score"`
	MaxScore  float64   `json:"max_score"`
	Feedback  string    `json:"feedback,omitempty"`
	JobID     string    `json:"job_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CompleteRun finalizes a grading run: verifies that every expected subject
// staged a result, publishes the staged results as the permanent grade
// record, and pushes the updated grade file to the external store under the
// assignment's mutation lock.
func (s *Service) CompleteRun(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return model.NewNotFoundError("job", jobID)
	}

	staged, err := s.store.ListStagedResults(ctx, jobID)
	if err != nil {
		return fmt.Errorf("list staged results: %w", err)
	}
	expected, err := s.Subjects(ctx, job)
	if err != nil {
		return err
	}
	if len(staged) != len(expected) {
		return model.NewValidationError(fmt.Sprintf(
			"run %s staged %d results, expected %d", jobID, len(staged), len(expected)))
	}

	published, err := s.store.PublishStagedResults(ctx, jobID, job.AssignmentID)
	if err != nil {
		return fmt.Errorf("publish staged results: %w", err)
	}
	s.metrics.RecordGradesPublished(len(published))
	s.logger.Info("run complete", "job_id", jobID, "grades_published", len(published))

	return s.PushGradeFile(ctx, job.AssignmentID)
}

// PushGradeFile rewrites the assignment's shared grade file from the current
// grade records, holding the assignment's mutation lock for the whole
// read-modify-write cycle. Contention surfaces as lock.ErrHeld for the caller
// to retry.
func (s *Service) PushGradeFile(ctx context.Context, assignmentID string) error {
	err := s.locks.WithLock(ctx, lock.AssignmentGradesKey(assignmentID), func(ctx context.Context) error {
		name := gradefile.GradeFileName(assignmentID)

		existing, err := s.remote.Fetch(ctx, name)
		if err != nil {
			return fmt.Errorf("fetch grade file: %w", err)
		}
		entries := make(map[string]gradeFileEntry)
		if len(existing) > 0 {
			if err := json.Unmarshal(existing, &entries); err != nil {
				// A corrupt remote file is rebuilt rather than wedging grading.
				s.logger.Warn("grade file unreadable, rebuilding", "name", name, "error", err)
				entries = make(map[string]gradeFileEntry)
			}
		}

		grades, err := s.store.ListGrades(ctx, assignmentID)
		if err != nil {
			return fmt.Errorf("list grades: %w", err)
		}
		for _, g := range grades {
			entries[g.NetID] = gradeFileEntry{
				NetID:     g.NetID,
				Score:     g.Score,
				MaxScore:  g.MaxScore,
				Feedback:  g.Feedback,
				JobID:     g.JobID,
				UpdatedAt: g.UpdatedAt,
			}
		}

		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal grade file: %w", err)
		}
		return s.remote.Store(ctx, name, data)
	})
	if errors.Is(err, lock.ErrHeld) {
		s.metrics.RecordLockContention()
	}
	return err
}

// PushRoster rewrites the course's shared roster file from current
// enrollments, under the course roster mutation lock.
func (s *Service) PushRoster(ctx context.Context, courseID string) error {
	err := s.locks.WithLock(ctx, lock.CourseRosterKey(courseID), func(ctx context.Context) error {
		enrollments, err := s.store.ListEnrollments(ctx, courseID)
		if err != nil {
			return fmt.Errorf("list enrollments: %w", err)
		}
		data, err := json.MarshalIndent(enrollments, "", "  ")
		if err != nil {
			return fmt.Errorf("marshal roster: %w", err)
		}
		return s.remote.Store(ctx, gradefile.RosterFileName(courseID), data)
	})
	if errors.Is(err, lock.ErrHeld) {
		s.metrics.RecordLockContention()
	}
	return err
}
