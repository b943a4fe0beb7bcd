package ci

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/graderun/internal/logging"
)

func testConfig(baseURL string) Config {
	cfg := DefaultConfig(baseURL, "test-token")
	cfg.RetryDelay = time.Millisecond
	return cfg
}

func TestDispatch_QueueURLFromLocation(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		if r.Method != http.MethodPost || r.URL.Path != "/runs" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Location", "http://executor/queue/42/")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), logging.Discard())
	queueURL, err := c.Dispatch(context.Background(), DispatchParams{
		RunID:  "job_1",
		NetIDs: []string{"alice1"},
		DueAt:  time.Now(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if queueURL != "http://executor/queue/42/" {
		t.Errorf("queueURL = %q", queueURL)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q, want bearer token", gotAuth)
	}
}

func TestDispatch_QueueURLFromBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"queue_url": "http://executor/queue/7/"}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), logging.Discard())
	queueURL, err := c.Dispatch(context.Background(), DispatchParams{RunID: "job_2"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if queueURL != "http://executor/queue/7/" {
		t.Errorf("queueURL = %q", queueURL)
	}
}

func TestDispatch_NonRetryableNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), logging.Discard())
	_, err := c.Dispatch(context.Background(), DispatchParams{RunID: "job_3"})
	if err == nil {
		t.Fatal("expected error for 400")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("error = %v, want HTTPError 400", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1 (400 is not retryable)", n)
	}
}

func TestGetQueueItem_RetriesTransientThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"cancelled": false, "executable": {"number": 12, "url": "http://executor/build/12/"}}`))
	}))
	defer srv.Close()

	c := NewClient(testConfig(srv.URL), logging.Discard())
	item, err := c.GetQueueItem(context.Background(), srv.URL+"/queue/1/")
	if err != nil {
		t.Fatalf("GetQueueItem: %v", err)
	}
	if item.Cancelled {
		t.Error("item.Cancelled = true, want false")
	}
	if item.Executable == nil || item.Executable.URL != "http://executor/build/12/" {
		t.Errorf("item.Executable = %+v", item.Executable)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3", n)
	}
}

func TestGetQueueItem_NotFoundRetriedThenExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 2
	c := NewClient(cfg, logging.Discard())

	_, err := c.GetQueueItem(context.Background(), srv.URL+"/queue/9/")
	if err == nil {
		t.Fatal("expected error after retry exhaustion")
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3 (initial + 2 retries)", n)
	}
}

func TestGetBuild_Statuses(t *testing.T) {
	tests := []struct {
		body     string
		building bool
		result   BuildResult
	}{
		{`{"building": true, "result": null}`, true, ""},
		{`{"building": false, "result": "SUCCESS"}`, false, ResultSuccess},
		{`{"building": false, "result": "FAILURE"}`, false, ResultFailure},
		{`{"building": false, "result": "ABORTED"}`, false, ResultAborted},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(tt.body))
		}))

		c := NewClient(testConfig(srv.URL), logging.Discard())
		build, err := c.GetBuild(context.Background(), srv.URL+"/build/1/")
		srv.Close()
		if err != nil {
			t.Fatalf("GetBuild(%s): %v", tt.body, err)
		}
		if build.Building != tt.building || build.Result != tt.result {
			t.Errorf("GetBuild(%s) = %+v, want building=%v result=%q", tt.body, build, tt.building, tt.result)
		}
	}
}

func TestIsRetryable_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // immediately: connections now fail

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 1
	c := NewClient(cfg, logging.Discard())

	_, err := c.GetQueueItem(context.Background(), srv.URL+"/queue/1/")
	if err == nil {
		t.Fatal("expected network error")
	}
}
