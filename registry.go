package datatask

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Progress reports the completion rate of the task being executed.
type Progress func(rate float64)

// Executable is a constructed unit of work. Run blocks until the work is done
// and returns a JSON serializable value. It should return promptly with
// ctx.Err() or Cancelled(requeue) once ctx is cancelled.
type Executable interface {
	Run(ctx context.Context) (any, error)
}

// ExecutableFunc adapts a function to Executable.
type ExecutableFunc func(ctx context.Context) (any, error)

// Run calls f(ctx).
func (f ExecutableFunc) Run(ctx context.Context) (any, error) { return f(ctx) }

// Constructor builds the executable for a dequeued task.
type Constructor func(t *Task, progress Progress) (Executable, error)

// HandlerFunc is the function signature for processing a task.
type HandlerFunc func(ctx context.Context, t *Task) (any, error)

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

// Registry maps task names to their constructors. Workers only run tasks
// whose name was registered.
type Registry struct {
	mu           sync.RWMutex
	constructors map[string]Constructor
	middlewares  []Middleware
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]Constructor),
		middlewares:  []Middleware{},
	}
}

// Register binds name to c. Registering a name again replaces the constructor.
func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[name] = c
}

// HandleFunc registers a plain function for name. Progress is available
// through ReportProgress.
func (r *Registry) HandleFunc(name string, fn HandlerFunc) {
	r.Register(name, func(t *Task, _ Progress) (Executable, error) {
		return ExecutableFunc(func(ctx context.Context) (any, error) { return fn(ctx, t) }), nil
	})
}

// Use adds middleware(s) to the registry. Middlewares are executed in the order they are added.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middlewares = append(r.middlewares, mw)
}

// Names returns the registered task names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.constructors))
	for name := range r.constructors {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// New constructs the executable for t, wrapped with the registered middlewares.
// It returns ErrUnknownTaskName when no constructor is bound to t.Name.
func (r *Registry) New(t *Task, progress Progress) (Executable, error) {
	r.mu.RLock()
	c, ok := r.constructors[t.Name]
	mws := r.middlewares
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskName, t.Name)
	}
	if progress == nil {
		progress = func(float64) {}
	}
	exec, err := c(t, progress)
	if err != nil {
		return nil, err
	}
	if len(mws) == 0 {
		return exec, nil
	}
	h := HandlerFunc(func(ctx context.Context, _ *Task) (any, error) { return exec.Run(ctx) })
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return ExecutableFunc(func(ctx context.Context) (any, error) { return h(ctx, t) }), nil
}
