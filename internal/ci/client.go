// Package ci talks to the external CI-style build executor that performs
// grading runs: dispatching runs, and reading queue-item and build status.
package ci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// Config holds executor connection settings.
type Config struct {
	// BaseURL is the executor's root URL; dispatches POST to BaseURL/runs.
	BaseURL string
	// Token authenticates GradeRun to the executor (bearer).
	Token      string
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultConfig returns executor settings with sensible retry defaults.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Token:      token,
		Timeout:    15 * time.Second,
		MaxRetries: 3,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Client is the executor HTTP client. Transient failures (network errors,
// 5xx, 429 and 404) are retried with bounded exponential backoff.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     *slog.Logger
}

// NewClient creates a new executor client with the given configuration.
func NewClient(config Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		config: config,
		logger: logger.With("component", "ci-client"),
	}
}

// DispatchParams carries everything the executor needs to start a run.
type DispatchParams struct {
	// RunID correlates the executor's callbacks with the Job row.
	RunID             string    `json:"run_id"`
	NetIDs            []string  `json:"net_ids"`
	DueAt             time.Time `json:"due_at"`
	CourseID          string    `json:"course_id"`
	Term              string    `json:"term"`
	AssignmentID      string    `json:"assignment_id"`
	Priority          int       `json:"priority"`
	PublishToStudent  bool      `json:"publish_to_student"`
	PublishFinalGrade bool      `json:"publish_final_grade"`
	Regrade           bool      `json:"regrade"`
	CommitHash        string    `json:"commit_hash,omitempty"`
}

// dispatchResponse is the executor's acknowledgement body. The queue URL may
// arrive in the Location header instead.
type dispatchResponse struct {
	QueueURL string `json:"queue_url"`
}

// QueueItem is the executor's view of a dispatched-but-not-yet-built run.
type QueueItem struct {
	Cancelled bool `json:"cancelled"`
	// Executable is set once the queue item has produced a build.
	Executable *Executable `json:"executable,omitempty"`
}

// Executable references the build a queue item produced.
type Executable struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// BuildResult is the executor's terminal build verdict. Empty while running.
type BuildResult string

const (
	ResultSuccess  BuildResult = "SUCCESS"
	ResultUnstable BuildResult = "UNSTABLE"
	ResultFailure  BuildResult = "FAILURE"
	ResultNotBuilt BuildResult = "NOT_BUILT"
	ResultAborted  BuildResult = "ABORTED"
)

// Build is the executor's view of one run's build.
type Build struct {
	Building bool        `json:"building"`
	Result   BuildResult `json:"result"`
}

// Dispatch asks the executor to start a run. Success is any status < 300;
// the returned queue URL tracks the run until it produces a build.
func (c *Client) Dispatch(ctx context.Context, p DispatchParams) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal dispatch: %w", err)
	}

	c.logger.Debug("dispatching run", "run_id", p.RunID, "subjects", len(p.NetIDs))

	resp, respBody, err := c.doWithRetry(ctx, http.MethodPost, c.config.BaseURL+"/runs", body)
	if err != nil {
		return "", fmt.Errorf("dispatch run %s: %w", p.RunID, err)
	}

	queueURL := resp.Header.Get("Location")
	if queueURL == "" {
		var ack dispatchResponse
		if json.Unmarshal(respBody, &ack) == nil {
			queueURL = ack.QueueURL
		}
	}
	if queueURL == "" {
		return "", fmt.Errorf("dispatch run %s: executor returned no queue reference", p.RunID)
	}

	c.logger.Info("run dispatched", "run_id", p.RunID, "queue_url", queueURL)
	return queueURL, nil
}

// GetQueueItem reads a queue-tracking URL obtained from Dispatch.
func (c *Client) GetQueueItem(ctx context.Context, queueURL string) (*QueueItem, error) {
	_, body, err := c.doWithRetry(ctx, http.MethodGet, queueURL, nil)
	if err != nil {
		return nil, fmt.Errorf("queue item %s: %w", queueURL, err)
	}

	var item QueueItem
	if err := json.Unmarshal(body, &item); err != nil {
		return nil, fmt.Errorf("queue item %s: unmarshal: %w", queueURL, err)
	}
	return &item, nil
}

// GetBuild reads a build-tracking URL obtained from a queue item.
func (c *Client) GetBuild(ctx context.Context, buildURL string) (*Build, error) {
	_, body, err := c.doWithRetry(ctx, http.MethodGet, buildURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", buildURL, err)
	}

	var build Build
	if err := json.Unmarshal(body, &build); err != nil {
		return nil, fmt.Errorf("build %s: unmarshal: %w", buildURL, err)
	}
	return &build, nil
}

// doWithRetry performs the request, retrying retryable failures with
// exponential backoff until MaxRetries is exhausted.
func (c *Client) doWithRetry(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.config.RetryDelay * time.Duration(math.Pow(2, float64(attempt-1)))
			c.logger.Debug("retrying after delay", "url", url, "attempt", attempt, "delay", delay)

			select {
			case <-ctx.Done():
				return nil, nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, respBody, err := c.do(ctx, method, url, body)
		if err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return nil, nil, err
			}
			c.logger.Debug("request failed, will retry", "url", url, "error", err, "attempt", attempt)
			continue
		}
		return resp, respBody, nil
	}

	return nil, nil, fmt.Errorf("all retries exhausted: %w", lastErr)
}

// do performs a single HTTP request and reads the response.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("creating HTTP request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &transportError{err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return resp, respBody, nil
}
