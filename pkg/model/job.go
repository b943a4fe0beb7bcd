package model

import "time"

// JobType identifies what kind of grading run a Job represents.
type JobType string

const (
	JobTypeFinalGrading          JobType = "FINAL_GRADING"
	JobTypeRegrade               JobType = "REGRADE"
	JobTypeStudentInitiated      JobType = "STUDENT_INITIATED"
	JobTypeStaffInitiated        JobType = "STAFF_INITIATED"
	JobTypeStaffInitiatedGrading JobType = "STAFF_INITIATED_GRADING"
)

// AllStudents is the sentinel NetID meaning "every enrolled student".
const AllStudents = "-all-"

// Job is one schedulable, externally-executed grading work item.
type Job struct {
	ID           string    `json:"id"`
	Type         JobType   `json:"type"`
	Status       JobStatus `json:"status"`
	CourseID     string    `json:"course_id"`
	AssignmentID string    `json:"assignment_id"`

	// NetIDs is the non-empty set of subjects this run grades, or the single
	// sentinel AllStudents.
	NetIDs []string `json:"net_ids"`

	// ScheduledAt is when the scheduler should trigger the job. Nil means the
	// job is never auto-triggered.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`

	// DueAt is the semantic due timestamp passed to the executor. It affects
	// grading and feedback cutoffs, not scheduling.
	DueAt time.Time `json:"due_at"`

	// QueueURL and BuildURL reference the executor's tracking resources and
	// are empty until dispatch succeeds.
	QueueURL string `json:"queue_url,omitempty"`
	BuildURL string `json:"build_url,omitempty"`

	Priority          int    `json:"priority"`
	PublishToStudent  bool   `json:"publish_to_student"`
	PublishFinalGrade bool   `json:"publish_final_grade"`
	Regrade           bool   `json:"regrade"`
	CommitHash        string `json:"commit_hash,omitempty"`

	// ExtensionID records the extension this run was charged against, if any.
	ExtensionID string `json:"extension_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Dispatched returns true once the executor has acknowledged the job with a
// queue tracking resource.
func (j *Job) Dispatched() bool {
	return j.QueueURL != ""
}

// ForAllStudents returns true if the job targets every enrolled student.
func (j *Job) ForAllStudents() bool {
	return len(j.NetIDs) == 1 && j.NetIDs[0] == AllStudents
}
