package datatask

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// Repository persists task records. Implementations must be safe for
// concurrent use; the Manager serializes mutations of a single task id.
type Repository interface {
	// Insert stores a new task. It returns ErrDuplicateTask if the id was
	// ever used, including by tasks that have since been cleared.
	Insert(ctx context.Context, t *Task) error
	// Save replaces the stored record. It returns ErrTaskNotFound if absent.
	Save(ctx context.Context, t *Task) error
	// Get returns a copy of the stored record or ErrTaskNotFound.
	Get(ctx context.Context, id string) (*Task, error)
	// List returns the tasks matching f ordered by CreatedAt then ID.
	List(ctx context.Context, f TaskFilter) ([]*Task, error)
	// Delete removes one task and returns it, or ErrTaskNotFound.
	Delete(ctx context.Context, id string) (*Task, error)
	// ClearDone atomically removes and returns all terminal tasks.
	ClearDone(ctx context.Context) ([]*Task, error)
}

// TaskFilter selects tasks in Repository.List. Zero fields match everything.
type TaskFilter struct {
	// User matches the owner exactly.
	User string
	// Name is a regular expression found anywhere in the task name.
	Name string
	// States restricts the lifecycle states.
	States []State
}

// Matcher compiles the filter into a predicate.
func (f TaskFilter) Matcher() (func(*Task) bool, error) {
	var re *regexp.Regexp
	if f.Name != "" {
		var err error
		if re, err = regexp.Compile(f.Name); err != nil {
			return nil, fmt.Errorf("datatask: invalid name filter: %w", err)
		}
	}
	return func(t *Task) bool {
		if f.User != "" && t.User != f.User {
			return false
		}
		if re != nil && !re.MatchString(t.Name) {
			return false
		}
		if len(f.States) == 0 {
			return true
		}
		for _, s := range f.States {
			if t.State == s {
				return true
			}
		}
		return false
	}, nil
}

// Match reports whether t is selected by f. An invalid name pattern matches nothing.
func (f TaskFilter) Match(t *Task) bool {
	m, err := f.Matcher()
	if err != nil {
		return false
	}
	return m(t)
}

// SortTasks orders tasks by CreatedAt then ID, the order returned by List.
func SortTasks(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})
}
