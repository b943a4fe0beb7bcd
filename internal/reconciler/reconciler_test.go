package reconciler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/me/graderun/internal/ci"
	"github.com/me/graderun/internal/logging"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// testSetup creates an in-memory store and a Reconciler whose executor client
// points at the given handler.
func testSetup(t *testing.T, executor http.Handler) (*Reconciler, store.Store, *httptest.Server) {
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

	srv := httptest.NewServer(executor)
	t.Cleanup(srv.Close)

	cfg := ci.DefaultConfig(srv.URL, "test-token")
	cfg.MaxRetries = 1
	cfg.RetryDelay = time.Millisecond
	client := ci.NewClient(cfg, logger)

	r := New(st, client, DefaultConfig(), metrics.NewCollector(), logger)
	return r, st, srv
}

// createDispatchedJob inserts a PENDING job whose queue URL points at path on
// the test executor.
func createDispatchedJob(t *testing.T, st store.Store, srv *httptest.Server, path string) *model.Job {
	t.Helper()
	now := time.Now().UTC()
	job := &model.Job{
		ID:           "job_" + uuid.New().String(),
		Type:         model.JobTypeStudentInitiated,
		Status:       model.JobStatusPending,
		CourseID:     "course_1",
		AssignmentID: "asn_1",
		NetIDs:       []string{"alice1"},
		DueAt:        now,
		QueueURL:     srv.URL + path,
		CreatedAt:    now,
		UpdatedAt:    now,
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

func TestTick_CancelledQueueItem(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/1/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled": true}`))
	})
	r, st, srv := testSetup(t, mux)
	job := createDispatchedJob(t, st, srv, "/queue/1/")

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusCancelled {
		t.Errorf("status = %s, want CANCELLED", got)
	}
}

func TestTick_NotYetBuildingLeavesPending(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/1/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled": false}`))
	})
	r, st, srv := testSetup(t, mux)
	job := createDispatchedJob(t, st, srv, "/queue/1/")

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusPending {
		t.Errorf("status = %s, want PENDING", got)
	}
}

func TestTick_FailedBuildBecomesInfraError(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/1/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled": false, "executable": {"number": 5, "url": "` + srv.URL + `/build/5/"}}`))
	})
	mux.HandleFunc("/build/5/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"building": false, "result": "FAILURE"}`))
	})
	r, st, s := testSetup(t, mux)
	srv = s
	job := createDispatchedJob(t, st, srv, "/queue/1/")

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	got := mustGetJob(t, st, job.ID)
	if got.Status != model.JobStatusInfraError {
		t.Errorf("status = %s, want INFRA_ERROR", got.Status)
	}
	if got.BuildURL != srv.URL+"/build/5/" {
		t.Errorf("build url = %q, want recorded from queue item", got.BuildURL)
	}
}

func TestTick_SuccessfulBuildLeftToCallback(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/1/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled": false, "executable": {"number": 5, "url": "` + srv.URL + `/build/5/"}}`))
	})
	mux.HandleFunc("/build/5/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"building": false, "result": "SUCCESS"}`))
	})
	r, st, s := testSetup(t, mux)
	srv = s
	job := createDispatchedJob(t, st, srv, "/queue/1/")

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusPending {
		t.Errorf("status = %s, want PENDING (success is finalized by the callback)", got)
	}
}

func TestTick_OneLookupFailureDoesNotBlockOthers(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/bad/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/queue/good/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"cancelled": true}`))
	})
	r, st, srv := testSetup(t, mux)
	bad := createDispatchedJob(t, st, srv, "/queue/bad/")
	good := createDispatchedJob(t, st, srv, "/queue/good/")

	if err := r.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := mustGetJob(t, st, bad.ID).Status; got != model.JobStatusPending {
		t.Errorf("bad job status = %s, want PENDING (unknown)", got)
	}
	if got := mustGetJob(t, st, good.ID).Status; got != model.JobStatusCancelled {
		t.Errorf("good job status = %s, want CANCELLED", got)
	}
}

func TestTick_ConcurrentAdvanceNotOverwritten(t *testing.T) {
	// The executor reports the item cancelled, but by the time the response
	// arrives the job has already moved to RUNNING. The conditional batch
	// write must leave it alone.
	var st store.Store
	var jobID string
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/1/", func(w http.ResponseWriter, r *http.Request) {
		if _, err := st.TransitionJob(r.Context(), jobID, model.JobStatusRunning); err != nil {
			t.Errorf("TransitionJob during lookup: %v", err)
		}
		w.Write([]byte(`{"cancelled": true}`))
	})

	rec, s, srv := testSetup(t, mux)
	st = s
	job := createDispatchedJob(t, st, srv, "/queue/1/")
	jobID = job.ID

	if err := rec.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := mustGetJob(t, st, job.ID).Status; got != model.JobStatusRunning {
		t.Errorf("status = %s, want RUNNING (reconciler must not overwrite)", got)
	}
}

func TestStart_BlocksUntilContextCancelled(t *testing.T) {
	r, _, _ := testSetup(t, http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

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
