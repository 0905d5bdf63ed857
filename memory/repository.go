// Package memory provides in-process implementations of the datatask
// Repository and Transport, for tests and single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/UniQw/datatask"
)

// Repository keeps tasks in a map. Records are copied in and out so callers
// never share memory with the store.
type Repository struct {
	mu    sync.RWMutex
	tasks map[string]*datatask.Task
	used  map[string]struct{}
}

// NewRepository creates an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		tasks: make(map[string]*datatask.Task),
		used:  make(map[string]struct{}),
	}
}

func (r *Repository) Insert(_ context.Context, t *datatask.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[t.ID]; ok {
		return datatask.ErrDuplicateTask
	}
	r.used[t.ID] = struct{}{}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *Repository) Save(_ context.Context, t *datatask.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return datatask.ErrTaskNotFound
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*datatask.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, datatask.ErrTaskNotFound
	}
	return t.Clone(), nil
}

func (r *Repository) List(_ context.Context, f datatask.TaskFilter) ([]*datatask.Task, error) {
	match, err := f.Matcher()
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	out := make([]*datatask.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	r.mu.RUnlock()
	datatask.SortTasks(out)
	return out, nil
}

func (r *Repository) Delete(_ context.Context, id string) (*datatask.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, datatask.ErrTaskNotFound
	}
	delete(r.tasks, id)
	return t, nil
}

func (r *Repository) ClearDone(_ context.Context) ([]*datatask.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*datatask.Task
	for id, t := range r.tasks {
		if t.State.Terminal() {
			out = append(out, t)
			delete(r.tasks, id)
		}
	}
	datatask.SortTasks(out)
	return out, nil
}
