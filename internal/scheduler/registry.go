package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/me/graderun/pkg/model"
)

// Handler runs one grading job when its scheduled time arrives. Handlers are
// invoked synchronously from the scheduler; a returned error marks the job
// FAILED.
type Handler func(ctx context.Context, job *model.Job) error

// Registry maps JobType values to their Handlers. Registration happens at
// startup before concurrent access, so no mutex is needed.
type Registry struct {
	handlers map[model.JobType]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		handlers: make(map[model.JobType]Handler),
		logger:   logger.With("component", "handler-registry"),
	}
}

// Register adds a Handler for the given job type.
func (r *Registry) Register(t model.JobType, h Handler) {
	r.handlers[t] = h
	r.logger.Info("handler registered", "type", t)
}

// Get returns the Handler for the given type or an error if none is registered.
func (r *Registry) Get(t model.JobType) (Handler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", t)
	}
	return h, nil
}
