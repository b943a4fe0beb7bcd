package model

// JobStatus represents the lifecycle state of a grading Job.
type JobStatus string

const (
	// JobStatusNone is the synthetic state of a job whose status has never
	// been set. It is not persisted.
	JobStatusNone JobStatus = ""

	JobStatusPending    JobStatus = "PENDING"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelled  JobStatus = "CANCELLED"
	JobStatusInfraError JobStatus = "INFRA_ERROR"
	JobStatusTimeout    JobStatus = "TIMEOUT"
)

// String returns the string representation of the job status.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal returns true if the job is in a final state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusInfraError, JobStatusTimeout:
		return true
	}
	return false
}

// ValidJobTransitions defines the allowed status transitions for Jobs. It is
// the single authority consulted by every writer (scheduler, callback
// handlers, reconciler); a write whose transition is not listed here must be
// rejected before it reaches the store.
//
// Terminal states deliberately re-accept PENDING and RUNNING so a finished
// job can be re-queued (e.g. a regrade re-using the same job row).
var ValidJobTransitions = map[JobStatus][]JobStatus{
	JobStatusNone:       {JobStatusPending, JobStatusRunning},
	JobStatusPending:    {JobStatusPending, JobStatusRunning, JobStatusFailed, JobStatusInfraError, JobStatusCancelled},
	JobStatusRunning:    {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusInfraError, JobStatusTimeout},
	JobStatusCompleted:  {JobStatusCompleted, JobStatusPending, JobStatusRunning},
	JobStatusFailed:     {JobStatusFailed, JobStatusPending, JobStatusRunning},
	JobStatusCancelled:  {JobStatusCancelled, JobStatusPending, JobStatusRunning},
	JobStatusInfraError: {JobStatusInfraError, JobStatusPending, JobStatusRunning},
	JobStatusTimeout:    {JobStatusTimeout, JobStatusPending, JobStatusRunning},
}

// CanTransitionTo returns true if moving from the current status to next is valid.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range ValidJobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the set of statuses reachable from s.
func (s JobStatus) AllowedTransitions() []JobStatus {
	return ValidJobTransitions[s]
}
