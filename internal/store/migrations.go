package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all GradeRun tables.
// Each statement uses IF NOT EXISTS for idempotency.
//
// Timestamps that participate in range queries (scheduled_at, due_at,
// open_at, close_at, used_at) are stored as Unix epoch seconds so comparisons
// stay numeric; audit timestamps are RFC3339 strings.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS courses (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		term       TEXT NOT NULL DEFAULT '',
		timezone   TEXT NOT NULL DEFAULT 'UTC',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS enrollments (
		course_id TEXT NOT NULL,
		net_id    TEXT NOT NULL,
		role      TEXT NOT NULL DEFAULT 'student',
		PRIMARY KEY (course_id, net_id)
	)`,

	`CREATE TABLE IF NOT EXISTS assignments (
		id                   TEXT PRIMARY KEY,
		course_id            TEXT NOT NULL,
		name                 TEXT NOT NULL,
		visibility           TEXT NOT NULL DEFAULT 'DEFAULT',
		open_at              INTEGER NOT NULL,
		quota_amount         INTEGER NOT NULL DEFAULT 0,
		quota_period         TEXT NOT NULL DEFAULT 'TOTAL',
		final_grading_job_id TEXT NOT NULL DEFAULT '',
		commit_hash          TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL,
		updated_at           TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id                  TEXT PRIMARY KEY,
		type                TEXT NOT NULL,
		status              TEXT NOT NULL DEFAULT 'PENDING',
		course_id           TEXT NOT NULL,
		assignment_id       TEXT NOT NULL,
		net_ids             TEXT NOT NULL DEFAULT '[]',
		scheduled_at        INTEGER,
		due_at              INTEGER NOT NULL,
		queue_url           TEXT NOT NULL DEFAULT '',
		build_url           TEXT NOT NULL DEFAULT '',
		priority            INTEGER NOT NULL DEFAULT 0,
		publish_to_student  INTEGER NOT NULL DEFAULT 0,
		publish_final_grade INTEGER NOT NULL DEFAULT 0,
		regrade             INTEGER NOT NULL DEFAULT 0,
		commit_hash         TEXT NOT NULL DEFAULT '',
		extension_id        TEXT NOT NULL DEFAULT '',
		created_at          TEXT NOT NULL,
		updated_at          TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS extensions (
		id            TEXT PRIMARY KEY,
		assignment_id TEXT NOT NULL,
		net_id        TEXT NOT NULL,
		quota_amount  INTEGER NOT NULL DEFAULT 0,
		quota_period  TEXT NOT NULL DEFAULT 'TOTAL',
		open_at       INTEGER NOT NULL,
		close_at      INTEGER NOT NULL,
		created_at    TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS extension_uses (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		extension_id TEXT NOT NULL,
		job_id       TEXT NOT NULL,
		used_at      INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS staged_results (
		job_id     TEXT NOT NULL,
		net_id     TEXT NOT NULL,
		score      REAL NOT NULL DEFAULT 0,
		max_score  REAL NOT NULL DEFAULT 0,
		feedback   TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		PRIMARY KEY (job_id, net_id)
	)`,

	`CREATE TABLE IF NOT EXISTS grades (
		assignment_id TEXT NOT NULL,
		net_id        TEXT NOT NULL,
		job_id        TEXT NOT NULL,
		score         REAL NOT NULL DEFAULT 0,
		max_score     REAL NOT NULL DEFAULT 0,
		feedback      TEXT NOT NULL DEFAULT '',
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (assignment_id, net_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_assignments_course_id ON assignments(course_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	// Compound index for the scheduler's window query
	`CREATE INDEX IF NOT EXISTS idx_jobs_status_scheduled ON jobs(status, scheduled_at)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_assignment_id ON jobs(assignment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_extension_id ON jobs(extension_id)`,
	`CREATE INDEX IF NOT EXISTS idx_extensions_assignment_net ON extensions(assignment_id, net_id)`,
	`CREATE INDEX IF NOT EXISTS idx_extension_uses_extension ON extension_uses(extension_id)`,
	`CREATE INDEX IF NOT EXISTS idx_grades_assignment ON grades(assignment_id)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
