package hctx

import "context"

// State holds per-execution data the worker exposes to a running task.
// Task is kept as any so this package does not depend on the root package.
type State struct {
	Task     any
	Progress func(rate float64)
}

// New creates a handler state container for task.
func New(task any, progress func(float64)) *State {
	return &State{Task: task, Progress: progress}
}

type ctxKey struct{}

// WithState returns a child context carrying the given handler state.
func WithState(parent context.Context, s *State) context.Context {
	return context.WithValue(parent, ctxKey{}, s)
}

// From extracts the handler state from context if present.
func From(ctx context.Context) (*State, bool) {
	v := ctx.Value(ctxKey{})
	if v == nil {
		return nil, false
	}
	st, ok := v.(*State)
	return st, ok
}
