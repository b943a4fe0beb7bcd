package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/me/graderun/pkg/model"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and returns a Store.
// Use ":memory:" for an in-memory database (useful in tests).
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		logger: logger.With("component", "store"),
	}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	s.logger.Debug("sql", "op", "migrate")
	return migrate(ctx, s.db)
}

// --- time helpers ---

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func unixPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	v := t.Unix()
	return &v
}

func timePtr(v *int64) *time.Time {
	if v == nil {
		return nil
	}
	t := time.Unix(*v, 0).UTC()
	return &t
}

// --- Course operations ---

func (s *SQLiteStore) CreateCourse(ctx context.Context, c *model.Course) error {
	s.logger.Debug("sql", "op", "insert", "table", "courses", "id", c.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO courses (id, name, term, timezone, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.Term, c.Timezone, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetCourse(ctx context.Context, id string) (*model.Course, error) {
	s.logger.Debug("sql", "op", "select", "table", "courses", "id", id)

	var c model.Course
	var createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, term, timezone, created_at, updated_at FROM courses WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Term, &c.Timezone, &createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func (s *SQLiteStore) UpdateCourse(ctx context.Context, c *model.Course) error {
	s.logger.Debug("sql", "op", "update", "table", "courses", "id", c.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE courses SET name=?, term=?, timezone=?, updated_at=? WHERE id=?`,
		c.Name, c.Term, c.Timezone, fmtTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("course %s not found", c.ID)
	}
	return nil
}

// SetEnrollments replaces the course's roster in one transaction.
func (s *SQLiteStore) SetEnrollments(ctx context.Context, courseID string, rows []model.Enrollment) error {
	s.logger.Debug("sql", "op", "replace", "table", "enrollments", "course_id", courseID, "count", len(rows))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM enrollments WHERE course_id = ?`, courseID); err != nil {
		return err
	}
	for _, e := range rows {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO enrollments (course_id, net_id, role) VALUES (?, ?, ?)`,
			courseID, e.NetID, string(e.Role)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListEnrollments(ctx context.Context, courseID string) ([]model.Enrollment, error) {
	s.logger.Debug("sql", "op", "list", "table", "enrollments", "course_id", courseID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT course_id, net_id, role FROM enrollments WHERE course_id = ? ORDER BY net_id`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Enrollment
	for rows.Next() {
		var e model.Enrollment
		var role string
		if err := rows.Scan(&e.CourseID, &e.NetID, &role); err != nil {
			return nil, err
		}
		e.Role = model.EnrollmentRole(role)
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Assignment CRUD ---

func (s *SQLiteStore) CreateAssignment(ctx context.Context, a *model.Assignment) error {
	s.logger.Debug("sql", "op", "insert", "table", "assignments", "id", a.ID)

	// Default visibility if not set.
	vis := a.Visibility
	if vis == "" {
		vis = model.VisibilityDefault
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assignments (id, course_id, name, visibility, open_at, quota_amount, quota_period,
		 final_grading_job_id, commit_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CourseID, a.Name, string(vis), a.OpenAt.Unix(),
		a.QuotaAmount, string(a.QuotaPeriod), a.FinalGradingJobID, a.CommitHash,
		fmtTime(a.CreatedAt), fmtTime(a.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, id string) (*model.Assignment, error) {
	s.logger.Debug("sql", "op", "select", "table", "assignments", "id", id)
	return s.scanAssignment(s.db.QueryRowContext(ctx,
		`SELECT id, course_id, name, visibility, open_at, quota_amount, quota_period,
		 final_grading_job_id, commit_hash, created_at, updated_at
		 FROM assignments WHERE id = ?`, id))
}

func (s *SQLiteStore) ListAssignments(ctx context.Context, courseID string) ([]*model.Assignment, error) {
	s.logger.Debug("sql", "op", "list", "table", "assignments", "course_id", courseID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, course_id, name, visibility, open_at, quota_amount, quota_period,
		 final_grading_job_id, commit_hash, created_at, updated_at
		 FROM assignments WHERE course_id = ? ORDER BY created_at`, courseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Assignment
	for rows.Next() {
		a, err := s.scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateAssignment(ctx context.Context, a *model.Assignment) error {
	s.logger.Debug("sql", "op", "update", "table", "assignments", "id", a.ID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE assignments SET name=?, visibility=?, open_at=?, quota_amount=?, quota_period=?,
		 final_grading_job_id=?, commit_hash=?, updated_at=? WHERE id=?`,
		a.Name, string(a.Visibility), a.OpenAt.Unix(), a.QuotaAmount, string(a.QuotaPeriod),
		a.FinalGradingJobID, a.CommitHash, fmtTime(a.UpdatedAt), a.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("assignment %s not found", a.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteAssignment(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "assignments", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM extension_uses WHERE extension_id IN (SELECT id FROM extensions WHERE assignment_id = ?)`,
		`DELETE FROM extensions WHERE assignment_id = ?`,
		`DELETE FROM staged_results WHERE job_id IN (SELECT id FROM jobs WHERE assignment_id = ?)`,
		`DELETE FROM jobs WHERE assignment_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM assignments WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("assignment %s not found", id)
	}
	return tx.Commit()
}

func (s *SQLiteStore) scanAssignment(row scanner) (*model.Assignment, error) {
	var a model.Assignment
	var visibility, quotaPeriod, createdAt, updatedAt string
	var openAt int64

	err := row.Scan(&a.ID, &a.CourseID, &a.Name, &visibility, &openAt,
		&a.QuotaAmount, &quotaPeriod, &a.FinalGradingJobID, &a.CommitHash,
		&createdAt, &updatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	a.Visibility = model.Visibility(visibility)
	a.QuotaPeriod = model.QuotaPeriod(quotaPeriod)
	a.OpenAt = time.Unix(openAt, 0).UTC()
	a.CreatedAt = parseTime(createdAt)
	a.UpdatedAt = parseTime(updatedAt)
	return &a, nil
}

// --- Job operations ---

const jobColumns = `id, type, status, course_id, assignment_id, net_ids, scheduled_at, due_at,
	 queue_url, build_url, priority, publish_to_student, publish_final_grade, regrade,
	 commit_hash, extension_id, created_at, updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertJob(ctx context.Context, e execer, job *model.Job) error {
	netIDsJSON, err := json.Marshal(job.NetIDs)
	if err != nil {
		return fmt.Errorf("marshal net_ids: %w", err)
	}

	_, err = e.ExecContext(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Type), string(job.Status), job.CourseID, job.AssignmentID,
		string(netIDsJSON), unixPtr(job.ScheduledAt), job.DueAt.Unix(),
		job.QueueURL, job.BuildURL, job.Priority,
		boolInt(job.PublishToStudent), boolInt(job.PublishFinalGrade), boolInt(job.Regrade),
		job.CommitHash, job.ExtensionID,
		fmtTime(job.CreatedAt), fmtTime(job.UpdatedAt),
	)
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) CreateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "insert", "table", "jobs", "id", job.ID)
	return insertJob(ctx, s.db, job)
}

// CreateJobRun creates the job row, charges its extension, and runs the
// dispatch callback, all inside one transaction. A dispatch failure rolls
// everything back so no orphan PENDING job survives. The callback runs while
// the transaction holds the connection and must not call back into the store;
// callers resolve any reads before this point.
func (s *SQLiteStore) CreateJobRun(ctx context.Context, job *model.Job, dispatch DispatchFunc) error {
	s.logger.Debug("sql", "op", "insert_run", "table", "jobs", "id", job.ID, "extension_id", job.ExtensionID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertJob(ctx, tx, job); err != nil {
		return err
	}

	// Charging the extension in the same transaction keeps remaining-count
	// reads consistent under concurrent requests.
	if job.ExtensionID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO extension_uses (extension_id, job_id, used_at) VALUES (?, ?, ?)`,
			job.ExtensionID, job.ID, job.CreatedAt.Unix()); err != nil {
			return fmt.Errorf("charge extension: %w", err)
		}
	}

	if dispatch != nil {
		if err := dispatch(ctx, job); err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		if job.QueueURL != "" {
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET queue_url=?, updated_at=? WHERE id=?`,
				job.QueueURL, fmtTime(job.UpdatedAt), job.ID); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.logger.Debug("sql", "op", "select", "table", "jobs", "id", id)
	return s.scanJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts model.ListOptions) ([]*model.Job, int, error) {
	s.logger.Debug("sql", "op", "list", "table", "jobs", "limit", opts.Limit, "offset", opts.Offset)
	opts.Clamp()

	// Build WHERE clause dynamically based on filters.
	var whereClauses []string
	var countArgs []any

	if opts.Status != "" {
		whereClauses = append(whereClauses, "status = ?")
		countArgs = append(countArgs, opts.Status)
	}
	if opts.AssignmentID != "" {
		whereClauses = append(whereClauses, "assignment_id = ?")
		countArgs = append(countArgs, opts.AssignmentID)
	}
	if opts.NetID != "" {
		whereClauses = append(whereClauses, "net_ids LIKE ?")
		countArgs = append(countArgs, `%"`+opts.NetID+`"%`)
	}

	whereSQL := ""
	if len(whereClauses) > 0 {
		whereSQL = " WHERE " + strings.Join(whereClauses, " AND ")
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM jobs` + whereSQL
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, err
	}

	listQuery := `SELECT ` + jobColumns + ` FROM jobs` + whereSQL + ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	listArgs := append(countArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs, err := s.scanJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *model.Job) error {
	s.logger.Debug("sql", "op", "update", "table", "jobs", "id", job.ID)

	netIDsJSON, err := json.Marshal(job.NetIDs)
	if err != nil {
		return fmt.Errorf("marshal net_ids: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET type=?, net_ids=?, scheduled_at=?, due_at=?, queue_url=?, build_url=?,
		 priority=?, publish_to_student=?, publish_final_grade=?, regrade=?, commit_hash=?, updated_at=?
		 WHERE id=?`,
		string(job.Type), string(netIDsJSON), unixPtr(job.ScheduledAt), job.DueAt.Unix(),
		job.QueueURL, job.BuildURL, job.Priority,
		boolInt(job.PublishToStudent), boolInt(job.PublishFinalGrade), boolInt(job.Regrade),
		job.CommitHash, fmtTime(job.UpdatedAt), job.ID,
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", job.ID)
	}
	return nil
}

func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "jobs", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_results WHERE job_id = ?`, id); err != nil {
		return err
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return tx.Commit()
}

func (s *SQLiteStore) FindPendingJobsInWindow(ctx context.Context, from, to time.Time) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "window", "table", "jobs", "from", from, "to", to)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'PENDING' AND scheduled_at IS NOT NULL AND scheduled_at >= ? AND scheduled_at <= ?
		 ORDER BY scheduled_at`, from.Unix(), to.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

func (s *SQLiteStore) FindUnreportedJobs(ctx context.Context) ([]*model.Job, error) {
	s.logger.Debug("sql", "op", "unreported", "table", "jobs")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'PENDING' AND queue_url != ''
		 ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return s.scanJobs(rows)
}

// TransitionJob validates next against the transition table, then applies it
// with a conditional write on the status it observed. The predicate, not a
// timestamp comparison, is what makes concurrent writers safe.
func (s *SQLiteStore) TransitionJob(ctx context.Context, id string, next model.JobStatus) (*model.Job, error) {
	s.logger.Debug("sql", "op", "transition", "table", "jobs", "id", id, "to", next)

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, model.NewNotFoundError("job", id)
	}

	if !job.Status.CanTransitionTo(next) {
		return nil, &model.InvalidTransitionError{
			JobID:   id,
			From:    job.Status,
			To:      next,
			Allowed: job.Status.AllowedTransitions(),
		}
	}

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status=?`,
		string(next), fmtTime(now), id, string(job.Status),
	)
	if err != nil {
		return nil, err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return nil, ErrStatusConflict
	}

	job.Status = next
	job.UpdatedAt = now
	return job, nil
}

// ApplyStatusUpdates applies a reconciler batch in a single transaction. Each
// write carries WHERE status = 'PENDING' so a job another writer already
// advanced is left untouched.
func (s *SQLiteStore) ApplyStatusUpdates(ctx context.Context, updates []StatusUpdate) (int, error) {
	s.logger.Debug("sql", "op", "batch_transition", "table", "jobs", "count", len(updates))

	if len(updates) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := fmtTime(time.Now().UTC())
	applied := 0
	for _, u := range updates {
		result, err := tx.ExecContext(ctx,
			`UPDATE jobs SET status=?, updated_at=? WHERE id=? AND status='PENDING'`,
			string(u.Status), now, u.JobID)
		if err != nil {
			return 0, err
		}
		n, _ := result.RowsAffected()
		applied += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return applied, nil
}

func (s *SQLiteStore) SetJobBuildURL(ctx context.Context, id, buildURL string) error {
	s.logger.Debug("sql", "op", "set_build_url", "table", "jobs", "id", id)

	result, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET build_url=?, updated_at=? WHERE id=?`,
		buildURL, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

// --- scan helpers ---

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanJob(row scanner) (*model.Job, error) {
	var job model.Job
	var jobType, status, netIDsJSON, createdAt, updatedAt string
	var scheduledAt *int64
	var dueAt int64
	var publishToStudent, publishFinalGrade, regrade int

	err := row.Scan(
		&job.ID, &jobType, &status, &job.CourseID, &job.AssignmentID,
		&netIDsJSON, &scheduledAt, &dueAt,
		&job.QueueURL, &job.BuildURL, &job.Priority,
		&publishToStudent, &publishFinalGrade, &regrade,
		&job.CommitHash, &job.ExtensionID,
		&createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	job.Type = model.JobType(jobType)
	job.Status = model.JobStatus(status)
	json.Unmarshal([]byte(netIDsJSON), &job.NetIDs)
	job.ScheduledAt = timePtr(scheduledAt)
	job.DueAt = time.Unix(dueAt, 0).UTC()
	job.PublishToStudent = publishToStudent != 0
	job.PublishFinalGrade = publishFinalGrade != 0
	job.Regrade = regrade != 0
	job.CreatedAt = parseTime(createdAt)
	job.UpdatedAt = parseTime(updatedAt)

	return &job, nil
}

func (s *SQLiteStore) scanJobs(rows *sql.Rows) ([]*model.Job, error) {
	var jobs []*model.Job
	for rows.Next() {
		job, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// --- Extension operations ---

func (s *SQLiteStore) CreateExtension(ctx context.Context, e *model.Extension) error {
	s.logger.Debug("sql", "op", "insert", "table", "extensions", "id", e.ID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extensions (id, assignment_id, net_id, quota_amount, quota_period, open_at, close_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AssignmentID, e.NetID, e.QuotaAmount, string(e.QuotaPeriod),
		e.OpenAt.Unix(), e.CloseAt.Unix(), fmtTime(e.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) GetExtension(ctx context.Context, id string) (*model.Extension, error) {
	s.logger.Debug("sql", "op", "select", "table", "extensions", "id", id)
	return s.scanExtension(s.db.QueryRowContext(ctx,
		`SELECT id, assignment_id, net_id, quota_amount, quota_period, open_at, close_at, created_at
		 FROM extensions WHERE id = ?`, id))
}

// ListActiveExtensions returns the user's extensions whose validity window
// contains now, ordered soonest-expiring first (the consumption order).
func (s *SQLiteStore) ListActiveExtensions(ctx context.Context, assignmentID, netID string, now time.Time) ([]*model.Extension, error) {
	s.logger.Debug("sql", "op", "list_active", "table", "extensions", "assignment_id", assignmentID, "net_id", netID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, assignment_id, net_id, quota_amount, quota_period, open_at, close_at, created_at
		 FROM extensions
		 WHERE assignment_id = ? AND net_id = ? AND open_at <= ? AND close_at > ?
		 ORDER BY close_at`, assignmentID, netID, now.Unix(), now.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Extension
	for rows.Next() {
		e, err := s.scanExtension(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteExtension(ctx context.Context, id string) error {
	s.logger.Debug("sql", "op", "delete", "table", "extensions", "id", id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmts := []string{
		`DELETE FROM staged_results WHERE job_id IN (SELECT id FROM jobs WHERE extension_id = ?)`,
		`DELETE FROM jobs WHERE extension_id = ?`,
		`DELETE FROM extension_uses WHERE extension_id = ?`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return err
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM extensions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("extension %s not found", id)
	}
	return tx.Commit()
}

func (s *SQLiteStore) CountExtensionUses(ctx context.Context, extensionID string) (int, error) {
	s.logger.Debug("sql", "op", "count", "table", "extension_uses", "extension_id", extensionID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM extension_uses WHERE extension_id = ?`, extensionID).Scan(&n)
	return n, err
}

func (s *SQLiteStore) scanExtension(row scanner) (*model.Extension, error) {
	var e model.Extension
	var quotaPeriod, createdAt string
	var openAt, closeAt int64

	err := row.Scan(&e.ID, &e.AssignmentID, &e.NetID, &e.QuotaAmount, &quotaPeriod,
		&openAt, &closeAt, &createdAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	e.QuotaPeriod = model.QuotaPeriod(quotaPeriod)
	e.OpenAt = time.Unix(openAt, 0).UTC()
	e.CloseAt = time.Unix(closeAt, 0).UTC()
	e.CreatedAt = parseTime(createdAt)
	return &e, nil
}

// --- Quota accounting ---

// Base-quota consumption counts self-service runs not charged to an
// extension, windowed on due_at.
const consumedRunsWhere = `assignment_id = ? AND net_ids = ? AND extension_id = ''
	 AND type = 'STUDENT_INITIATED'`

func singleSubject(netID string) string {
	b, _ := json.Marshal([]string{netID})
	return string(b)
}

func (s *SQLiteStore) CountRunsInWindow(ctx context.Context, assignmentID, netID string, from, to time.Time) (int, error) {
	s.logger.Debug("sql", "op", "count_window", "table", "jobs", "assignment_id", assignmentID, "net_id", netID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+consumedRunsWhere+` AND due_at >= ? AND due_at < ?`,
		assignmentID, singleSubject(netID), from.Unix(), to.Unix()).Scan(&n)
	return n, err
}

func (s *SQLiteStore) CountRunsTotal(ctx context.Context, assignmentID, netID string) (int, error) {
	s.logger.Debug("sql", "op", "count_total", "table", "jobs", "assignment_id", assignmentID, "net_id", netID)

	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE `+consumedRunsWhere,
		assignmentID, singleSubject(netID)).Scan(&n)
	return n, err
}

// --- Grade staging and publication ---

func (s *SQLiteStore) StageResult(ctx context.Context, r *model.StagedResult) error {
	s.logger.Debug("sql", "op", "stage", "table", "staged_results", "job_id", r.JobID, "net_id", r.NetID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO staged_results (job_id, net_id, score, max_score, feedback, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, net_id) DO UPDATE SET
		 score=excluded.score, max_score=excluded.max_score, feedback=excluded.feedback, created_at=excluded.created_at`,
		r.JobID, r.NetID, r.Score, r.MaxScore, r.Feedback, fmtTime(r.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) ListStagedResults(ctx context.Context, jobID string) ([]*model.StagedResult, error) {
	s.logger.Debug("sql", "op", "list", "table", "staged_results", "job_id", jobID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, net_id, score, max_score, feedback, created_at
		 FROM staged_results WHERE job_id = ? ORDER BY net_id`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.StagedResult
	for rows.Next() {
		var r model.StagedResult
		var createdAt string
		if err := rows.Scan(&r.JobID, &r.NetID, &r.Score, &r.MaxScore, &r.Feedback, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = parseTime(createdAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PublishStagedResults promotes a run's staged rows to permanent grades and
// clears the staging table for that run, all in one transaction.
func (s *SQLiteStore) PublishStagedResults(ctx context.Context, jobID, assignmentID string) ([]*model.Grade, error) {
	s.logger.Debug("sql", "op", "publish", "table", "grades", "job_id", jobID, "assignment_id", assignmentID)

	staged, err := s.ListStagedResults(ctx, jobID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var grades []*model.Grade
	for _, r := range staged {
		g := &model.Grade{
			AssignmentID: assignmentID,
			NetID:        r.NetID,
			JobID:        jobID,
			Score:        r.Score,
			MaxScore:     r.MaxScore,
			Feedback:     r.Feedback,
			UpdatedAt:    now,
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO grades (assignment_id, net_id, job_id, score, max_score, feedback, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(assignment_id, net_id) DO UPDATE SET
			 job_id=excluded.job_id, score=excluded.score, max_score=excluded.max_score,
			 feedback=excluded.feedback, updated_at=excluded.updated_at`,
			g.AssignmentID, g.NetID, g.JobID, g.Score, g.MaxScore, g.Feedback, fmtTime(now),
		); err != nil {
			return nil, err
		}
		grades = append(grades, g)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM staged_results WHERE job_id = ?`, jobID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return grades, nil
}

func (s *SQLiteStore) ListGrades(ctx context.Context, assignmentID string) ([]*model.Grade, error) {
	s.logger.Debug("sql", "op", "list", "table", "grades", "assignment_id", assignmentID)

	rows, err := s.db.QueryContext(ctx,
		`SELECT assignment_id, net_id, job_id, score, max_score, feedback, updated_at
		 FROM grades WHERE assignment_id = ? ORDER BY net_id`, assignmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Grade
	for rows.Next() {
		var g model.Grade
		var updatedAt string
		if err := rows.Scan(&g.AssignmentID, &g.NetID, &g.JobID, &g.Score, &g.MaxScore, &g.Feedback, &updatedAt); err != nil {
			return nil, err
		}
		g.UpdatedAt = parseTime(updatedAt)
		out = append(out, &g)
	}
	return out, rows.Err()
}
