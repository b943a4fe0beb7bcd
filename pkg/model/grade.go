package model

import "time"

// StagedResult is a partial grade result reported by the executor for one
// subject within a run. Staged results become permanent Grades when the run
// is marked complete.
type StagedResult struct {
	JobID     string    `json:"job_id"`
	NetID     string    `json:"net_id"`
	Score     float64   `json:"score"`
	MaxScore  float64   `json:"max_score"`
	Feedback  string    `json:"feedback,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Grade is the permanent grade record for one subject on one assignment.
type Grade struct {
	AssignmentID string    `json:"assignment_id"`
	NetID        string    `json:"net_id"`
	JobID        string    `json:"job_id"`
	Score        float64   `json:"score"`
	MaxScore     float64   `json:"max_score"`
	Feedback     string    `json:"feedback,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
