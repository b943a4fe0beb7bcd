package store

import (
	"context"
	"errors"
	"time"

	"github.com/me/graderun/pkg/model"
)

// ErrStatusConflict is returned by TransitionJob when another writer changed
// the job's status between the read and the conditional write. The caller's
// transition was valid against a status that no longer exists; nothing was
// written.
var ErrStatusConflict = errors.New("job status changed concurrently")

// StatusUpdate is one entry in a reconciler batch. Each is applied with a
// conditional predicate on the current status, never blind-overwritten.
type StatusUpdate struct {
	JobID  string
	Status model.JobStatus
}

// DispatchFunc triggers external execution for a job being created. It runs
// inside the creating transaction: a dispatch failure rolls the job row back
// so no orphan PENDING job survives a failed dispatch. Because the
// transaction holds the connection, the func must not call back into the
// Store.
type DispatchFunc func(ctx context.Context, job *model.Job) error

// Store defines the persistence layer for GradeRun entities.
type Store interface {
	// Course operations
	CreateCourse(ctx context.Context, c *model.Course) error
	GetCourse(ctx context.Context, id string) (*model.Course, error)
	UpdateCourse(ctx context.Context, c *model.Course) error
	SetEnrollments(ctx context.Context, courseID string, rows []model.Enrollment) error
	ListEnrollments(ctx context.Context, courseID string) ([]model.Enrollment, error)

	// Assignment CRUD
	CreateAssignment(ctx context.Context, a *model.Assignment) error
	GetAssignment(ctx context.Context, id string) (*model.Assignment, error)
	ListAssignments(ctx context.Context, courseID string) ([]*model.Assignment, error)
	UpdateAssignment(ctx context.Context, a *model.Assignment) error
	// DeleteAssignment removes the assignment and, in the same transaction,
	// its jobs, extensions, extension uses and staged results.
	DeleteAssignment(ctx context.Context, id string) error

	// Job operations
	CreateJob(ctx context.Context, job *model.Job) error
	// CreateJobRun creates a job, charges its extension (when job.ExtensionID
	// is set) and invokes dispatch, all in one transaction. dispatch may be
	// nil for jobs left to the scheduler.
	CreateJobRun(ctx context.Context, job *model.Job, dispatch DispatchFunc) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error)
	UpdateJob(ctx context.Context, job *model.Job) error
	DeleteJob(ctx context.Context, id string) error

	// FindPendingJobsInWindow returns PENDING jobs whose scheduled_at falls
	// within [from, to].
	FindPendingJobsInWindow(ctx context.Context, from, to time.Time) ([]*model.Job, error)
	// FindUnreportedJobs returns PENDING jobs that were dispatched (queue_url
	// set) but never received a terminal callback.
	FindUnreportedJobs(ctx context.Context) ([]*model.Job, error)
	// TransitionJob validates next against the transition table and applies
	// it with a conditional write on the observed status. Returns
	// *model.InvalidTransitionError for undeclared transitions and
	// ErrStatusConflict when a concurrent writer won the race.
	TransitionJob(ctx context.Context, id string, next model.JobStatus) (*model.Job, error)
	// ApplyStatusUpdates applies a reconciler batch in one transaction. Each
	// update is guarded by WHERE status = PENDING; rows already advanced past
	// PENDING are left untouched. Returns the number of rows updated.
	ApplyStatusUpdates(ctx context.Context, updates []StatusUpdate) (int, error)
	SetJobBuildURL(ctx context.Context, id, buildURL string) error

	// Extension operations
	CreateExtension(ctx context.Context, e *model.Extension) error
	GetExtension(ctx context.Context, id string) (*model.Extension, error)
	ListActiveExtensions(ctx context.Context, assignmentID, netID string, now time.Time) ([]*model.Extension, error)
	// DeleteExtension removes the extension, its usage history and the jobs
	// charged against it.
	DeleteExtension(ctx context.Context, id string) error
	CountExtensionUses(ctx context.Context, extensionID string) (int, error)

	// Quota accounting
	CountRunsInWindow(ctx context.Context, assignmentID, netID string, from, to time.Time) (int, error)
	CountRunsTotal(ctx context.Context, assignmentID, netID string) (int, error)

	// Grade staging and publication
	StageResult(ctx context.Context, r *model.StagedResult) error
	ListStagedResults(ctx context.Context, jobID string) ([]*model.StagedResult, error)
	// PublishStagedResults promotes a run's staged results to permanent
	// grades and clears the staging rows in one transaction.
	PublishStagedResults(ctx context.Context, jobID, assignmentID string) ([]*model.Grade, error)
	ListGrades(ctx context.Context, assignmentID string) ([]*model.Grade, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
