package grades

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/me/graderun/internal/ci"
	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/gradefile"
	"github.com/me/graderun/internal/kv"
	"github.com/me/graderun/internal/lock"
	"github.com/me/graderun/internal/logging"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

type testEnv struct {
	svc    *Service
	store  store.Store
	locks  *lock.Manager
	remote *gradefile.Local
	clk    *clock.Fake
	course *model.Course
}

// testSetup builds a Service over an in-memory store, a directory-backed
// remote, and an executor handler. A course with two students and one staff
// member is pre-created.
func testSetup(t *testing.T, executor http.Handler) *testEnv {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if executor == nil {
		executor = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Location", "http://executor/queue/1/")
			w.WriteHeader(http.StatusCreated)
		})
	}
	srv := httptest.NewServer(executor)
	t.Cleanup(srv.Close)

	cfg := ci.DefaultConfig(srv.URL, "test-token")
	cfg.RetryDelay = time.Millisecond
	client := ci.NewClient(cfg, logger)

	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	locks := lock.NewManager(kv.NewMemory(lock.TTLDefault, clk), clk, logger)
	remote := gradefile.NewLocal(t.TempDir())
	m := metrics.NewCollector()

	svc := NewService(st, client, locks, remote, m, clk, logger)

	course := &model.Course{
		ID:        "course_" + uuid.New().String(),
		Name:      "Systems Programming",
		Term:      "sp26",
		Timezone:  "America/Chicago",
		CreatedAt: clk.Now(),
		UpdatedAt: clk.Now(),
	}
	if err := st.CreateCourse(ctx, course); err != nil {
		t.Fatalf("CreateCourse: %v", err)
	}
	enrollments := []model.Enrollment{
		{CourseID: course.ID, NetID: "alice1", Role: model.RoleStudent},
		{CourseID: course.ID, NetID: "bob2", Role: model.RoleStudent},
		{CourseID: course.ID, NetID: "ta1", Role: model.RoleStaff},
	}
	if err := st.SetEnrollments(ctx, course.ID, enrollments); err != nil {
		t.Fatalf("SetEnrollments: %v", err)
	}

	return &testEnv{svc: svc, store: st, locks: locks, remote: remote, clk: clk, course: course}
}

func (e *testEnv) createJob(t *testing.T, netIDs []string) *model.Job {
	t.Helper()
	now := e.clk.Now()
	job := &model.Job{
		ID:           "job_" + uuid.New().String(),
		Type:         model.JobTypeStudentInitiated,
		Status:       model.JobStatusPending,
		CourseID:     e.course.ID,
		AssignmentID: "asn_1",
		NetIDs:       netIDs,
		DueAt:        now.Add(time.Hour),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func (e *testEnv) stageResult(t *testing.T, jobID, netID string, score float64) {
	t.Helper()
	err := e.store.StageResult(context.Background(), &model.StagedResult{
		JobID:     jobID,
		NetID:     netID,
		Score:     score,
		MaxScore:  100,
		Feedback:  "ok",
		CreatedAt: e.clk.Now(),
	})
	if err != nil {
		t.Fatalf("StageResult: %v", err)
	}
}

func TestDispatch_ExpandsAllStudents(t *testing.T) {
	var gotBody struct {
		NetIDs []string `json:"net_ids"`
		Term   string   `json:"term"`
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode dispatch body: %v", err)
		}
		w.Header().Set("Location", "http://executor/queue/9/")
		w.WriteHeader(http.StatusCreated)
	})
	env := testSetup(t, handler)
	job := env.createJob(t, []string{model.AllStudents})

	if err := env.svc.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if job.QueueURL != "http://executor/queue/9/" {
		t.Errorf("queue url = %q", job.QueueURL)
	}
	// Staff enrollments are not graded subjects.
	if len(gotBody.NetIDs) != 2 {
		t.Errorf("dispatched subjects = %v, want the two students", gotBody.NetIDs)
	}
	if gotBody.Term != "sp26" {
		t.Errorf("term = %q", gotBody.Term)
	}
}

func TestDispatchAndRecord_PersistsQueueURL(t *testing.T) {
	env := testSetup(t, nil)
	job := env.createJob(t, []string{"alice1"})

	if err := env.svc.DispatchAndRecord(context.Background(), job); err != nil {
		t.Fatalf("DispatchAndRecord: %v", err)
	}
	stored, err := env.store.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if stored.QueueURL != "http://executor/queue/1/" {
		t.Errorf("persisted queue url = %q", stored.QueueURL)
	}
}

func TestCompleteRun_PublishesAndPushesGradeFile(t *testing.T) {
	env := testSetup(t, nil)
	ctx := context.Background()
	job := env.createJob(t, []string{"alice1", "bob2"})

	env.stageResult(t, job.ID, "alice1", 95)
	env.stageResult(t, job.ID, "bob2", 80)

	if err := env.svc.CompleteRun(ctx, job.ID); err != nil {
		t.Fatalf("CompleteRun: %v", err)
	}

	grades, err := env.store.ListGrades(ctx, job.AssignmentID)
	if err != nil {
		t.Fatalf("ListGrades: %v", err)
	}
	if len(grades) != 2 {
		t.Fatalf("published %d grades, want 2", len(grades))
	}

	staged, err := env.store.ListStagedResults(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListStagedResults: %v", err)
	}
	if len(staged) != 0 {
		t.Errorf("%d staged results remain after publish, want 0", len(staged))
	}

	data, err := env.remote.Fetch(ctx, gradefile.GradeFileName(job.AssignmentID))
	if err != nil {
		t.Fatalf("Fetch grade file: %v", err)
	}
	var entries map[string]gradeFileEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal grade file: %v", err)
	}
	if len(entries) != 2 || entries["alice1"].Score != 95 {
		t.Errorf("grade file entries = %+v", entries)
	}
}

func TestCompleteRun_MissingStagedResultRejected(t *testing.T) {
	env := testSetup(t, nil)
	ctx := context.Background()
	job := env.createJob(t, []string{"alice1", "bob2"})

	env.stageResult(t, job.ID, "alice1", 95)

	err := env.svc.CompleteRun(ctx, job.ID)
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrValidation {
		t.Fatalf("CompleteRun error = %v, want validation error", err)
	}

	// Nothing was published.
	grades, err := env.store.ListGrades(ctx, job.AssignmentID)
	if err != nil {
		t.Fatalf("ListGrades: %v", err)
	}
	if len(grades) != 0 {
		t.Errorf("published %d grades after rejected completion, want 0", len(grades))
	}
}

func TestCompleteRun_UnknownJob(t *testing.T) {
	env := testSetup(t, nil)

	err := env.svc.CompleteRun(context.Background(), "job_missing")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrNotFound {
		t.Fatalf("CompleteRun error = %v, want not-found error", err)
	}
}

func TestPushGradeFile_ContentionSurfaced(t *testing.T) {
	env := testSetup(t, nil)
	ctx := context.Background()

	token, err := env.locks.Acquire(ctx, lock.AssignmentGradesKey("asn_1"))
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer env.locks.Release(ctx, lock.AssignmentGradesKey("asn_1"), token)

	err = env.svc.PushGradeFile(ctx, "asn_1")
	if !errors.Is(err, lock.ErrHeld) {
		t.Fatalf("PushGradeFile error = %v, want lock.ErrHeld", err)
	}
}

func TestPushRoster_WritesRosterFile(t *testing.T) {
	env := testSetup(t, nil)
	ctx := context.Background()

	if err := env.svc.PushRoster(ctx, env.course.ID); err != nil {
		t.Fatalf("PushRoster: %v", err)
	}

	data, err := env.remote.Fetch(ctx, gradefile.RosterFileName(env.course.ID))
	if err != nil {
		t.Fatalf("Fetch roster: %v", err)
	}
	var enrollments []model.Enrollment
	if err := json.Unmarshal(data, &enrollments); err != nil {
		t.Fatalf("unmarshal roster: %v", err)
	}
	if len(enrollments) != 3 {
		t.Errorf("roster has %d enrollments, want 3", len(enrollments))
	}
}

func TestDispatcher_RunsInsideCreateTransaction(t *testing.T) {
	var gotBody struct {
		NetIDs []string `json:"net_ids"`
	}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode dispatch body: %v", err)
		}
		w.Header().Set("Location", "http://executor/queue/7/")
		w.WriteHeader(http.StatusCreated)
	})
	env := testSetup(t, handler)
	ctx := context.Background()

	now := env.clk.Now()
	job := &model.Job{
		ID:           "job_" + uuid.New().String(),
		Type:         model.JobTypeStaffInitiatedGrading,
		Status:       model.JobStatusPending,
		CourseID:     env.course.ID,
		AssignmentID: "asn_1",
		NetIDs:       []string{model.AllStudents},
		DueAt:        now.Add(time.Hour),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	dispatch, err := env.svc.Dispatcher(ctx, job)
	if err != nil {
		t.Fatalf("Dispatcher: %v", err)
	}

	// Subjects are fixed when the dispatcher is resolved; the callback makes
	// no store reads while the creating transaction holds the connection.
	if err := env.store.SetEnrollments(ctx, env.course.ID, nil); err != nil {
		t.Fatalf("SetEnrollments: %v", err)
	}

	if err := env.store.CreateJobRun(ctx, job, dispatch); err != nil {
		t.Fatalf("CreateJobRun: %v", err)
	}

	got, err := env.store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got == nil || got.QueueURL != "http://executor/queue/7/" {
		t.Fatalf("queue_url not persisted: %+v", got)
	}
	if len(gotBody.NetIDs) != 2 {
		t.Errorf("dispatched subjects = %v, want the 2 students resolved before the transaction", gotBody.NetIDs)
	}
}
