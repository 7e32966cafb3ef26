package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"jobdispatch/internal/models"
)

// Registry routes messages to handlers by job id, for workers whose queue
// carries more than one job.
type Registry struct {
	handlers map[string]Handler
	mutex    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler for jobID.
func (r *Registry) Register(jobID string, handler Handler) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if handler == nil {
		return errors.Newf("handler for '%s' cannot be nil", jobID)
	}
	if _, exists := r.handlers[jobID]; exists {
		return errors.Newf("handler '%s' already registered", jobID)
	}
	r.handlers[jobID] = handler
	return nil
}

func (r *Registry) Exists(jobID string) bool {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	_, exists := r.handlers[jobID]
	return exists
}

// Handle runs the handler registered for msg.JobID. It satisfies Handler.
func (r *Registry) Handle(ctx context.Context, msg *models.JobMessage) error {
	r.mutex.RLock()
	handler, exists := r.handlers[msg.JobID]
	r.mutex.RUnlock()

	if !exists {
		return errors.Newf("handler '%s' not found", msg.JobID)
	}
	return handler(ctx, msg)
}

// List returns the registered job ids in order.
func (r *Registry) List() []string {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
