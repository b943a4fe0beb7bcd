// Package gradefile stores the externally-shared grade and roster files.
// These files are the one truly shared, externally-mutable resource in the
// system; every writer must hold the mutation lock for the file's key around
// the read-modify-write cycle.
package gradefile

import "context"

// Remote reads and writes one named file in the external store.
type Remote interface {
	// Fetch returns the file's current contents, or (nil, nil) if the file
	// does not exist yet.
	Fetch(ctx context.Context, name string) ([]byte, error)
	// Store overwrites the file with data.
	Store(ctx context.Context, name string, data []byte) error
}

// GradeFileName returns the grade file name for an assignment.
func GradeFileName(assignmentID string) string {
	return "grades/" + assignmentID + ".json"
}

// RosterFileName returns the roster file name for a course.
func RosterFileName(courseID string) string {
	return "rosters/" + courseID + ".json"
}
