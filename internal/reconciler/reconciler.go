// Package reconciler corrects jobs whose status callback from the external
// executor never arrived. It pulls status straight from the executor's queue
// and build APIs and applies corrections as conditional writes, so a job that
// advanced past PENDING during the reconciliation window is left untouched.
package reconciler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/graderun/internal/ci"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// Config holds reconciler configuration.
type Config struct {
	PollInterval time.Duration
	// MaxConcurrent bounds the executor lookups in flight per cycle.
	MaxConcurrent int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:  20 * time.Second,
		MaxConcurrent: 8,
	}
}

// Reconciler is the pull-based correction loop. It runs independently of the
// scheduler; the store's conditional writes are the only coordination between
// the two.
type Reconciler struct {
	store   store.Store
	client  *ci.Client
	config  Config
	metrics *metrics.Collector
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Reconciler.
func New(st store.Store, client *ci.Client, cfg Config, m *metrics.Collector, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:   st,
		client:  client,
		config:  cfg,
		metrics: m,
		logger:  logger.With("component", "reconciler"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins the reconciliation loop. Blocks until ctx is cancelled or Stop
// is called.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("reconciler started", "poll_interval", r.config.PollInterval)
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopping (context cancelled)")
			close(r.doneCh)
			return ctx.Err()
		case <-r.stopCh:
			r.logger.Info("reconciler stopping (stop called)")
			close(r.doneCh)
			return nil
		case <-ticker.C:
			if err := r.Tick(ctx); err != nil {
				r.logger.Error("reconcile error", "error", err)
			}
		}
	}
}

// Stop gracefully shuts down the reconciler and waits for the current cycle
// to finish.
func (r *Reconciler) Stop() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

// Tick runs a single reconciliation cycle: look up every dispatched-but-
// unreported job concurrently, then apply the corrections as one conditional
// batch. A lookup failure for one job never blocks the others.
func (r *Reconciler) Tick(ctx context.Context) error {
	r.metrics.RecordReconcileCycle()

	jobs, err := r.store.FindUnreportedJobs(ctx)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}
	r.logger.Debug("reconciling unreported jobs", "count", len(jobs))

	var (
		wg      sync.WaitGroup
		sem     = make(chan struct{}, r.config.MaxConcurrent)
		mu      sync.Mutex
		updates []store.StatusUpdate
	)

	for _, job := range jobs {
		wg.Add(1)
		go func(job *model.Job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			status, err := r.statusFor(ctx, job)
			if err != nil {
				// Retries are exhausted inside the client; an error here means
				// "status unknown" and the job is left for the next cycle.
				r.logger.Warn("executor lookup failed, leaving job unchanged",
					"job_id", job.ID, "error", err)
				return
			}
			if status == model.JobStatusPending {
				return
			}
			mu.Lock()
			updates = append(updates, store.StatusUpdate{JobID: job.ID, Status: status})
			mu.Unlock()
		}(job)
	}
	wg.Wait()

	if len(updates) == 0 {
		return nil
	}

	applied, err := r.store.ApplyStatusUpdates(ctx, updates)
	if err != nil {
		// The jobs are still PENDING, so the next cycle retries naturally.
		r.logger.Error("batch update failed", "count", len(updates), "error", err)
		return nil
	}
	for _, u := range updates {
		r.metrics.RecordCorrection(string(u.Status))
	}
	r.logger.Info("reconciled jobs", "corrections", len(updates), "applied", applied)
	return nil
}

// statusFor derives a job's effective status from the executor's queue item
// and, once one exists, its build. Only failure states are inferred here;
// success needs the richer data the completion callback provides, so any
// non-failure result reports PENDING (no change).
func (r *Reconciler) statusFor(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	item, err := r.client.GetQueueItem(ctx, job.QueueURL)
	if err != nil {
		return model.JobStatusPending, err
	}
	if item.Cancelled {
		return model.JobStatusCancelled, nil
	}
	if item.Executable == nil || item.Executable.URL == "" {
		return model.JobStatusPending, nil
	}

	if job.BuildURL == "" {
		if err := r.store.SetJobBuildURL(ctx, job.ID, item.Executable.URL); err != nil {
			r.logger.Warn("record build url", "job_id", job.ID, "error", err)
		}
	}

	build, err := r.client.GetBuild(ctx, item.Executable.URL)
	if err != nil {
		return model.JobStatusPending, err
	}
	switch build.Result {
	case ci.ResultFailure, ci.ResultAborted:
		return model.JobStatusInfraError, nil
	default:
		return model.JobStatusPending, nil
	}
}
