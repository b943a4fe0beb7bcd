package model

import "time"

// Visibility controls whether an assignment accepts grading runs regardless
// of its open/due window.
type Visibility string

const (
	// VisibilityDefault derives openness from the open date and due date.
	VisibilityDefault Visibility = "DEFAULT"
	// VisibilityForceOpen accepts runs regardless of the open/due window.
	VisibilityForceOpen Visibility = "FORCE_OPEN"
	// VisibilityClosed rejects runs regardless of the window.
	VisibilityClosed Visibility = "CLOSED"
	// VisibilityHiddenClosed rejects runs and hides the assignment entirely.
	VisibilityHiddenClosed Visibility = "HIDDEN_CLOSED"
)

// ForceClosed returns true if the assignment rejects runs no matter the window.
func (v Visibility) ForceClosed() bool {
	return v == VisibilityClosed || v == VisibilityHiddenClosed
}

// QuotaPeriod is the window over which consumed runs are counted.
type QuotaPeriod string

const (
	// QuotaDaily resets each calendar day in the course's timezone.
	QuotaDaily QuotaPeriod = "DAILY"
	// QuotaTotal is a lifetime cap.
	QuotaTotal QuotaPeriod = "TOTAL"
)

// Assignment is a gradable unit of coursework.
//
// The assignment's effective due date is not stored here: it is whatever the
// paired final-grading job's DueAt currently targets, so editing that job is
// how due-date changes propagate.
type Assignment struct {
	ID         string     `json:"id"`
	CourseID   string     `json:"course_id"`
	Name       string     `json:"name"`
	Visibility Visibility `json:"visibility"`

	// OpenAt is when students may begin self-service grading runs.
	OpenAt time.Time `json:"open_at"`

	QuotaAmount int         `json:"quota_amount"`
	QuotaPeriod QuotaPeriod `json:"quota_period"`

	// FinalGradingJobID references the auto-scheduled FINAL_GRADING job whose
	// DueAt is the assignment's effective due date.
	FinalGradingJobID string `json:"final_grading_job_id,omitempty"`

	// CommitHash pins the expected grader commit for dispatched runs.
	CommitHash string `json:"commit_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
