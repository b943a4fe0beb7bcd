// Package lock implements the short-TTL advisory lock serializing writers of
// the shared external grade and roster files.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/me/graderun/internal/clock"
	"github.com/me/graderun/internal/kv"
)

// ErrHeld is returned by Acquire when another holder is active. Callers may
// retry; the conflict is never silently queued.
var ErrHeld = errors.New("lock held elsewhere")

// AssignmentGradesKey scopes the lock to one assignment's grade file.
func AssignmentGradesKey(assignmentID string) string {
	return "grades." + assignmentID
}

// CourseRosterKey scopes the lock to one course's roster file.
func CourseRosterKey(courseID string) string {
	return "roster." + courseID
}

// Manager acquires and releases advisory locks in a shared KV store. The
// store's TTL, not the manager, expires abandoned locks, so a crashed holder
// cannot wedge a key. The TTL is deliberately short relative to expected
// mutation latency; a sufficiently slow mutation can still race past its own
// lock, which is an accepted risk.
type Manager struct {
	store  kv.Store
	clk    clock.Clock
	logger *slog.Logger
}

// NewManager creates a lock manager over the given KV store.
func NewManager(store kv.Store, clk clock.Clock, logger *slog.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	return &Manager{
		store:  store,
		clk:    clk,
		logger: logger.With("component", "lock"),
	}
}

// Acquire attempts a single atomic set-if-not-exists on key. On success it
// returns the token to pass to Release; on contention it returns ErrHeld.
// The token is the holder's own acquisition timestamp, used purely as a
// same-holder identity check at release time.
func (m *Manager) Acquire(ctx context.Context, key string) (string, error) {
	token := strconv.FormatInt(m.clk.Now().UnixNano(), 10)

	ok, err := m.store.SetIfNotExists(ctx, key, token)
	if err != nil {
		return "", fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return "", fmt.Errorf("acquire %s: %w", key, ErrHeld)
	}

	m.logger.Debug("lock acquired", "key", key, "token", token)
	return token, nil
}

// Release deletes key only if its stored value still matches token. If the
// value is missing (the TTL expired) or differs (another holder acquired the
// key after expiry), the key is left alone and the anomaly is logged: the
// lock is no longer this holder's to release. Unconditional delete would
// free a lock a different holder now owns.
func (m *Manager) Release(ctx context.Context, key, token string) {
	current, err := m.store.Get(ctx, key)
	if err != nil {
		m.logger.Error("lock release read failed", "key", key, "error", err)
		return
	}

	switch current {
	case token:
		if err := m.store.Delete(ctx, key); err != nil {
			m.logger.Error("lock release delete failed", "key", key, "error", err)
			return
		}
		m.logger.Debug("lock released", "key", key)
	case "":
		m.logger.Warn("lock already expired at release", "key", key, "token", token)
	default:
		m.logger.Warn("lock re-acquired by another holder", "key", key, "token", token, "current", current)
	}
}

// WithLock runs fn while holding the lock for key, guaranteeing the
// compare-then-delete release even when fn fails.
func (m *Manager) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	token, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer m.Release(ctx, key, token)

	return fn(ctx)
}

// TTLDefault is the lock TTL used when configuration does not override it.
const TTLDefault = 30 * time.Second
