package datatask

import (
	"encoding/json"
	"fmt"
)

// DefaultGroup is the routing group used when a task is started without one.
const DefaultGroup = "default"

// Args holds the arguments of a task. It is the only data that crosses the
// transport boundary; values must be JSON (de)serializable.
type Args map[string]any

// Task represents a unit of work to be executed by a worker.
// It is serialized to JSON both on the wire and in repositories.
type Task struct {
	// ID is the unique identifier for the task. It is never reused.
	ID string `json:"id"`
	// Name selects the executable constructed by the Registry.
	Name string `json:"name"`
	// User is the owning principal, used to filter queries and bulk cancel.
	User string `json:"user,omitempty"`
	// Group is the routing key selecting which workers may consume the task.
	Group string `json:"group"`
	// Args are the task arguments.
	Args Args `json:"args,omitempty"`
	// State is the lifecycle state.
	State State `json:"state"`
	// Progress is the completion rate in [0, 1].
	Progress float64 `json:"progress"`
	// Result is the JSON encoded return value. Present iff State is StateDone.
	Result json.RawMessage `json:"result,omitempty"`
	// Error describes the failure (StateError) or the cancellation reason.
	Error *TaskError `json:"error,omitempty"`
	// Retries is the number of retries already made.
	Retries int `json:"retries"`
	// MaxRetries is the retry budget. Zero or negative disables retries.
	MaxRetries int `json:"max_retries"`
	// CreatedAt is the timestamp (ms) when the task was created.
	CreatedAt int64 `json:"created_at"`
	// CompletedAt is the timestamp (ms) when the task reached a terminal state.
	CompletedAt int64 `json:"completed_at,omitempty"`
}

// Finished reports whether the task reached a terminal state.
func (t *Task) Finished() bool { return t.State.Terminal() }

// Clone returns a deep enough copy for callers to mutate without racing a
// repository that keeps pointers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Args != nil {
		c.Args = make(Args, len(t.Args))
		for k, v := range t.Args {
			c.Args[k] = v
		}
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	return &c
}

func (t *Task) String() string { return fmt.Sprintf("%s@%s", t.Name, t.ID) }

// String returns the argument as a string, or def when absent.
func (a Args) String(key, def string) string {
	v, ok := a[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns the argument as an int, or def when absent or not numeric.
// JSON numbers decode as float64, and CLI values as strings; both are accepted.
func (a Args) Int(key string, def int) int {
	switch v := a[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return def
		}
		return int(n)
	case string:
		var n int
		if _, err := fmt.Sscan(v, &n); err != nil {
			return def
		}
		return n
	default:
		return def
	}
}
