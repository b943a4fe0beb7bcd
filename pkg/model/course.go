package model

import "time"

// Course is the owning context for assignments, enrollments and grade files.
type Course struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Term string `json:"term"`

	// Timezone is an IANA zone name (e.g. "America/Chicago"). Daily quota
	// windows are computed in this zone.
	Timezone string `json:"timezone"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EnrollmentRole distinguishes students from course staff.
type EnrollmentRole string

const (
	RoleStudent EnrollmentRole = "student"
	RoleStaff   EnrollmentRole = "staff"
)

// Enrollment binds a user to a course.
type Enrollment struct {
	CourseID string         `json:"course_id"`
	NetID    string         `json:"net_id"`
	Role     EnrollmentRole `json:"role"`
}
