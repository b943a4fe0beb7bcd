// Package eligibility decides whether a user may start a new grading run for
// an assignment, and which quota source the run charges.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/store"
	"github.com/me/graderun/pkg/model"
)

// Source identifies which quota a run is charged against.
type Source string

const (
	// SourceStaff marks a staff-triggered run. Staff bypass quota accounting
	// entirely.
	SourceStaff Source = "staff"
	// SourceAssignment charges the base assignment quota.
	SourceAssignment Source = "assignment"
	// SourceExtension charges a specific extension's quota.
	SourceExtension Source = "extension"
)

// Unlimited is the remaining count reported for staff callers.
const Unlimited = -1

// Decision is the outcome of an eligibility evaluation. When Eligible is
// false, Reason carries the specific denial cause for the caller to surface.
type Decision struct {
	Eligible  bool   `json:"eligible"`
	Source    Source `json:"source,omitempty"`
	Remaining int    `json:"remaining"`
	// ExtensionID is set when Source is SourceExtension; consuming the run
	// must charge this extension in the same transaction that creates the job.
	ExtensionID string `json:"extension_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func deny(reason string) *Decision {
	return &Decision{Eligible: false, Reason: reason}
}

// Calculator evaluates run eligibility against the store. It performs reads
// only; charging the selected quota source happens when the job is created.
type Calculator struct {
	store  store.Store
	clk    clock.Clock
	logger *slog.Logger
}

func NewCalculator(st store.Store, clk clock.Clock, logger *slog.Logger) *Calculator {
	return &Calculator{
		store:  st,
		clk:    clk,
		logger: logger.With("component", "eligibility"),
	}
}

// Evaluate decides whether netID may start a grading run for the assignment.
// Staff callers are always eligible with an unlimited remaining count. An
// error is returned only for store or configuration failures, never for a
// denial; denials come back as a Decision with Eligible false.
func (c *Calculator) Evaluate(ctx context.Context, course *model.Course, assignment *model.Assignment, netID string, staff bool) (*Decision, error) {
	if staff {
		return &Decision{Eligible: true, Source: SourceStaff, Remaining: Unlimited}, nil
	}
	if assignment.Visibility.ForceClosed() {
		return deny("assignment is closed"), nil
	}

	now := c.clk.Now()

	var (
		wg sync.WaitGroup

		dueAt  time.Time
		dueErr error

		extensions []*model.Extension
		extErr     error

		consumed    int
		consumedErr error
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		dueAt, dueErr = c.resolveDueDate(ctx, assignment)
	}()
	go func() {
		defer wg.Done()
		extensions, extErr = c.store.ListActiveExtensions(ctx, assignment.ID, netID, now)
	}()
	go func() {
		defer wg.Done()
		consumed, consumedErr = c.countConsumed(ctx, course, assignment, netID, now)
	}()
	wg.Wait()

	if extErr != nil {
		return nil, fmt.Errorf("listing active extensions: %w", extErr)
	}

	// An active extension replaces the base quota outright. When several are
	// active, the sooner-expiring one is charged; ListActiveExtensions orders
	// by close date, soonest first.
	if len(extensions) > 0 {
		ext := extensions[0]
		used, err := c.store.CountExtensionUses(ctx, ext.ID)
		if err != nil {
			return nil, fmt.Errorf("counting extension uses: %w", err)
		}
		remaining := ext.QuotaAmount - used
		if remaining <= 0 {
			return deny("extension has no runs remaining"), nil
		}
		c.logger.Debug("Eligible from extension",
			"assignment_id", assignment.ID,
			"net_id", netID,
			"extension_id", ext.ID,
			"remaining", remaining)
		return &Decision{
			Eligible:    true,
			Source:      SourceExtension,
			Remaining:   remaining,
			ExtensionID: ext.ID,
		}, nil
	}

	if dueErr != nil {
		return nil, fmt.Errorf("resolving due date: %w", dueErr)
	}
	if consumedErr != nil {
		return nil, fmt.Errorf("counting consumed runs: %w", consumedErr)
	}

	if assignment.Visibility != model.VisibilityForceOpen {
		if now.Before(assignment.OpenAt) {
			return deny("assignment is not yet open"), nil
		}
		if dueAt.IsZero() || !now.Before(dueAt) {
			return deny("assignment due date has passed"), nil
		}
	}

	remaining := assignment.QuotaAmount - consumed
	if remaining <= 0 {
		if assignment.QuotaPeriod == model.QuotaDaily {
			return deny("daily run quota exhausted"), nil
		}
		return deny("run quota exhausted"), nil
	}

	return &Decision{Eligible: true, Source: SourceAssignment, Remaining: remaining}, nil
}

// resolveDueDate reads the assignment's effective due date from its paired
// final-grading job. The due date lives on that job, not on the assignment, so
// rescheduling the job is how due-date changes propagate.
func (c *Calculator) resolveDueDate(ctx context.Context, assignment *model.Assignment) (time.Time, error) {
	if assignment.FinalGradingJobID == "" {
		return time.Time{}, nil
	}
	job, err := c.store.GetJob(ctx, assignment.FinalGradingJobID)
	if err != nil {
		return time.Time{}, err
	}
	if job == nil {
		c.logger.Warn("Assignment references missing final grading job",
			"assignment_id", assignment.ID,
			"job_id", assignment.FinalGradingJobID)
		return time.Time{}, nil
	}
	return job.DueAt, nil
}

// countConsumed returns how many runs netID has already used in the current
// quota period. DAILY periods cover the current calendar day in the course's
// own timezone; TOTAL periods count every run ever.
func (c *Calculator) countConsumed(ctx context.Context, course *model.Course, assignment *model.Assignment, netID string, now time.Time) (int, error) {
	if assignment.QuotaPeriod == model.QuotaTotal {
		return c.store.CountRunsTotal(ctx, assignment.ID, netID)
	}
	loc, err := time.LoadLocation(course.Timezone)
	if err != nil {
		return 0, fmt.Errorf("loading course timezone %q: %w", course.Timezone, err)
	}
	local := now.In(loc)
	from := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, 1)
	return c.store.CountRunsInWindow(ctx, assignment.ID, netID, from.UTC(), to.UTC())
}
