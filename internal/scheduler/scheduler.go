// Package scheduler turns persisted job schedules into executor dispatches.
// It polls the store for PENDING jobs entering a lookahead window, arms one
// in-memory timer per job, and fires each job exactly-effectively-once by
// re-checking the persisted status before execution.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/metrics"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// Config holds scheduler configuration.
type Config struct {
	// PollInterval is how often the store is re-scanned for jobs entering
	// the lookahead window.
	PollInterval time.Duration
	// Lookahead bounds how far ahead of now jobs are loaded into in-memory
	// timers. Jobs scheduled beyond it are picked up by a later poll.
	Lookahead time.Duration
	// GracePeriod is how far past its scheduled time a job may still be run.
	// A job staler than this is logged and skipped, never silently run.
	GracePeriod time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 30 * time.Second,
		Lookahead:    5 * time.Minute,
		GracePeriod:  2 * time.Minute,
	}
}

// Scheduler is the polling timer engine. Timers exist only in memory: a
// restart loses them all, and the first poll after Start re-derives them from
// the store.
type Scheduler struct {
	store    store.Store
	registry *Registry
	clk      clock.Clock
	config   Config
	metrics  *metrics.Collector
	logger   *slog.Logger

	mu     sync.Mutex // guards timers
	timers map[string]clock.Timer

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Scheduler.
func New(st store.Store, reg *Registry, clk clock.Clock, cfg Config, m *metrics.Collector, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: reg,
		clk:      clk,
		config:   cfg,
		metrics:  m,
		logger:   logger.With("component", "scheduler"),
		timers:   make(map[string]clock.Timer),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start performs an immediate poll, then repeats on the configured interval.
// Blocks until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"poll_interval", s.config.PollInterval,
		"lookahead", s.config.Lookahead,
		"grace_period", s.config.GracePeriod)

	if err := s.Tick(ctx); err != nil {
		s.logger.Error("initial poll error", "error", err)
	}

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping (context cancelled)")
			s.clearTimers()
			close(s.doneCh)
			return ctx.Err()
		case <-s.stopCh:
			s.logger.Info("scheduler stopping (stop called)")
			s.clearTimers()
			close(s.doneCh)
			return nil
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("poll error", "error", err)
			}
		}
	}
}

// Stop shuts down the poll loop and clears all timers. In-flight handler
// invocations are not cancelled.
func (s *Scheduler) Stop() error {
	close(s.stopCh)
	<-s.doneCh
	return nil
}

func (s *Scheduler) clearTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Tick runs a single poll iteration: load PENDING jobs whose scheduled time
// falls within [now - grace, now + lookahead] and track each one not already
// timed.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.clk.Now()
	jobs, err := s.store.FindPendingJobsInWindow(ctx, now.Add(-s.config.GracePeriod), now.Add(s.config.Lookahead))
	if err != nil {
		return err
	}
	for _, job := range jobs {
		s.Track(ctx, job)
	}
	return nil
}

// Track arms a timer for a PENDING job, or runs it immediately when its time
// has already come. Jobs past the grace period are logged and skipped; jobs
// already tracked are ignored.
func (s *Scheduler) Track(ctx context.Context, job *model.Job) {
	if job.ScheduledAt == nil {
		return
	}

	s.mu.Lock()
	if _, ok := s.timers[job.ID]; ok {
		s.mu.Unlock()
		return
	}
	delay := job.ScheduledAt.Sub(s.clk.Now())

	if delay <= -s.config.GracePeriod {
		s.mu.Unlock()
		s.logger.Warn("job stale beyond grace period, skipping",
			"job_id", job.ID,
			"scheduled_at", job.ScheduledAt.Format(time.RFC3339),
			"overdue", -delay)
		s.metrics.RecordExecution("skipped")
		return
	}

	if delay <= 0 {
		s.mu.Unlock()
		s.ExecuteJob(ctx, job.ID)
		return
	}

	jobID := job.ID
	s.timers[jobID] = s.clk.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, jobID)
		s.mu.Unlock()
		s.ExecuteJob(context.Background(), jobID)
	})
	s.metrics.RecordTimerArmed()
	s.mu.Unlock()
	s.logger.Debug("timer armed", "job_id", jobID, "fires_in", delay)
}

// Untrack drops the job's in-memory timer without touching the row. Used
// when a job's schedule moves so the next poll re-arms at the new time.
func (s *Scheduler) Untrack(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

// CancelJob clears the job's in-memory timer, if any, and marks the row
// CANCELLED. A job already dispatched to the executor is not retracted; only
// local bookkeeping stops treating it as pending.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (*model.Job, error) {
	s.mu.Lock()
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
	s.mu.Unlock()

	job, err := s.store.TransitionJob(ctx, jobID, model.JobStatusCancelled)
	if err != nil {
		return nil, err
	}
	s.logger.Info("job cancelled", "job_id", jobID)
	return job, nil
}

// ExecuteJob runs one job now. It re-fetches the row and no-ops unless the
// current status is PENDING; this is the idempotency guard against duplicate
// fires from overlapping poll cycles or restart re-scheduling. The handler
// runs synchronously so duplicate fires serialize on the row's status.
func (s *Scheduler) ExecuteJob(ctx context.Context, jobID string) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.logger.Error("fetch job for execution", "job_id", jobID, "error", err)
		return
	}
	if job == nil {
		s.logger.Debug("job deleted before execution", "job_id", jobID)
		return
	}
	if job.Status != model.JobStatusPending {
		s.logger.Debug("job no longer pending, skipping",
			"job_id", jobID, "status", job.Status)
		s.metrics.RecordExecution("skipped")
		return
	}

	job, err = s.store.TransitionJob(ctx, jobID, model.JobStatusRunning)
	if err != nil {
		// A concurrent writer claiming the row first is the guard working,
		// not a fault.
		s.logger.Debug("could not claim job", "job_id", jobID, "error", err)
		s.metrics.RecordExecution("skipped")
		return
	}

	handler, err := s.registry.Get(job.Type)
	if err != nil {
		s.logger.Error("no handler for job", "job_id", jobID, "type", job.Type)
		s.fail(ctx, jobID)
		return
	}

	s.logger.Info("executing job", "job_id", jobID, "type", job.Type)
	if err := handler(ctx, job); err != nil {
		s.logger.Error("handler failed", "job_id", jobID, "type", job.Type, "error", err)
		s.fail(ctx, jobID)
		return
	}

	if _, err := s.store.TransitionJob(ctx, jobID, model.JobStatusCompleted); err != nil {
		s.logger.Error("mark job completed", "job_id", jobID, "error", err)
		return
	}
	s.metrics.RecordExecution("completed")
}

func (s *Scheduler) fail(ctx context.Context, jobID string) {
	if _, err := s.store.TransitionJob(ctx, jobID, model.JobStatusFailed); err != nil {
		s.logger.Error("mark job failed", "job_id", jobID, "error", err)
	}
	s.metrics.RecordExecution("failed")
}
