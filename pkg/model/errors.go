package model

import "fmt"

// ErrorCode represents a structured API error code.
type ErrorCode string

const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrIneligible   ErrorCode = "INELIGIBLE"
	ErrLocked       ErrorCode = "LOCKED"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// APIError is a structured error returned by the GradeRun API.
type APIError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details []string  `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewValidationError creates an APIError with validation details.
func NewValidationError(msg string, details ...string) *APIError {
	return &APIError{Code: ErrValidation, Message: msg, Details: details}
}

// NewNotFoundError creates a NOT_FOUND APIError.
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s '%s' not found", resource, id),
	}
}

// InvalidTransitionError is returned when a job status transition is not
// declared in ValidJobTransitions. The write it would have caused does not
// occur. Allowed carries the transitions valid from the current status so
// callers can surface them.
type InvalidTransitionError struct {
	JobID   string
	From    JobStatus
	To      JobStatus
	Allowed []JobStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid job status transition: %s → %s (job %s, valid: %v)",
		e.From, e.To, e.JobID, e.Allowed)
}
