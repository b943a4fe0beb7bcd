package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/logging"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// testSetup creates an in-memory store and a Scheduler wired to a fake clock.
func testSetup(t *testing.T) (*Scheduler, *Registry, store.Store, *clock.Fake) {
	t.Helper()
	logger := logging.Discard()

	st, err := store.NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	reg := NewRegistry(logger)
	s := New(st, reg, clk, DefaultConfig(), metrics.NewCollector(), logger)
	return s, reg, st, clk
}

func createScheduledJob(t *testing.T, st store.Store, jobType model.JobType, scheduledAt time.Time) *model.Job {
	t.Helper()
	job := &model.Job{
		ID:           "job_" + uuid.New().String(),
		Type:         jobType,
		Status:       model.JobStatusPending,
		CourseID:     "course_1",
		AssignmentID: "asn_1",
		NetIDs:       []string{model.AllStudents},
		ScheduledAt:  &scheduledAt,
		DueAt:        scheduledAt,
		CreatedAt:    scheduledAt.Add(-time.Hour),
		UpdatedAt:    scheduledAt.Add(-time.Hour),
	}
	if err := st.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	return job
}

func mustGetJob(t *testing.T, st store.Store, id string) *model.Job {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if job == nil {
		t.Fatalf("job %s not found", id)
	}
	return job
}

func TestTick_ArmsTimerAndFires(t *testing.T) {
	s, reg, st, clk := testSetup(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusRunning {
			t.Errorf("status during handler = %s, want RUNNING", got)
		}
		return nil
	})

	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now().Add(2*time.Minute))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times before the scheduled time", n)
	}

	clk.Advance(3 * time.Minute)

	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusCompleted {
		t.Errorf("final status = %s, want COMPLETED", got)
	}
}

func TestTick_OverdueWithinGraceRunsImmediately(t *testing.T) {
	s, reg, st, clk := testSetup(t)

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		return nil
	})

	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now().Add(-time.Minute))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1 (immediate)", n)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got)
	}
}

func TestTick_StaleBeyondGraceSkipped(t *testing.T) {
	s, reg, st, clk := testSetup(t)

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		return nil
	})

	// Ten minutes overdue against a two-minute grace period.
	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now().Add(-10*time.Minute))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times, want 0", n)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusPending {
		t.Errorf("status = %s, want PENDING (left for operator intervention)", got)
	}

	// Track with the stale row directly skips too.
	s.Track(context.Background(), job)
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times after direct Track, want 0", n)
	}
}

func TestTick_BeyondLookaheadNotLoaded(t *testing.T) {
	s, reg, st, clk := testSetup(t)

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		return nil
	})

	createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now().Add(time.Hour))
	if err := s.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Nothing was armed: advancing past the scheduled time without another
	// poll does not fire.
	clk.Advance(2 * time.Hour)
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times, want 0 (outside lookahead)", n)
	}
}

func TestTick_DuplicatePollsArmOneTimer(t *testing.T) {
	s, reg, st, clk := testSetup(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		return nil
	})

	createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now().Add(2*time.Minute))
	for i := 0; i < 3; i++ {
		if err := s.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	clk.Advance(3 * time.Minute)

	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
}

func TestExecuteJob_SecondFireNoOps(t *testing.T) {
	s, reg, st, clk := testSetup(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		return nil
	})

	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now())
	s.ExecuteJob(ctx, job.ID)
	s.ExecuteJob(ctx, job.ID)

	if n := calls.Load(); n != 1 {
		t.Fatalf("handler ran %d times, want 1", n)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusCompleted {
		t.Errorf("status = %s, want COMPLETED", got)
	}
}

func TestExecuteJob_NoHandlerFails(t *testing.T) {
	s, _, st, clk := testSetup(t)

	job := createScheduledJob(t, st, model.JobTypeRegrade, clk.Now())
	s.ExecuteJob(context.Background(), job.ID)

	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
}

func TestExecuteJob_HandlerErrorFails(t *testing.T) {
	s, reg, st, clk := testSetup(t)

	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		return errors.New("dispatch refused")
	})

	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now())
	s.ExecuteJob(context.Background(), job.ID)

	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusFailed {
		t.Errorf("status = %s, want FAILED", got)
	}
}

func TestCancelJob_ClearsTimer(t *testing.T) {
	s, reg, st, clk := testSetup(t)
	ctx := context.Background()

	var calls atomic.Int32
	reg.Register(model.JobTypeFinalGrading, func(ctx context.Context, job *model.Job) error {
		calls.Add(1)
		return nil
	})

	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now().Add(2*time.Minute))
	if err := s.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	cancelled, err := s.CancelJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if cancelled.Status != model.JobStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", cancelled.Status)
	}

	clk.Advance(3 * time.Minute)
	if n := calls.Load(); n != 0 {
		t.Fatalf("handler ran %d times after cancel, want 0", n)
	}
}

func TestCancelJob_RunningJobRejected(t *testing.T) {
	s, _, st, clk := testSetup(t)
	ctx := context.Background()

	job := createScheduledJob(t, st, model.JobTypeFinalGrading, clk.Now())
	if _, err := st.TransitionJob(ctx, job.ID, model.JobStatusRunning); err != nil {
		t.Fatalf("TransitionJob: %v", err)
	}

	_, err := s.CancelJob(ctx, job.ID)
	var invalidErr *model.InvalidTransitionError
	if !errors.As(err, &invalidErr) {
		t.Fatalf("CancelJob error = %v, want InvalidTransitionError", err)
	}
}

func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	s, _, _, _ := testSetup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	// Start owns the poll loop for its whole lifetime; callers must run it
	// in a goroutine.
	select {
	case err := <-done:
		t.Fatalf("Start returned before cancel: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Start error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestStop_UnblocksStart(t *testing.T) {
	s, _, _, _ := testSetup(t)

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start error after Stop = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Stop")
	}
}
