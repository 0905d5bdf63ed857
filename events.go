package datatask

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the variant carried by an Event.
type EventType string

const (
	// EventProgress reports the completion rate of a running task.
	EventProgress EventType = "progress"
	// EventResult reports the return value of a task.
	EventResult EventType = "result"
	// EventError reports a task failure.
	EventError EventType = "error"
	// EventCancelled reports a task stopped on a cancel request.
	EventCancelled EventType = "cancelled"
)

// Event is sent by workers back to the Manager. Only the fields of its Type are set.
type Event struct {
	Type    EventType       `json:"type"`
	TaskID  string          `json:"task_id"`
	Rate    float64         `json:"rate,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
	Requeue bool            `json:"requeue,omitempty"`
	// SentAt is the timestamp (ms) when the worker emitted the event.
	SentAt int64 `json:"sent_at,omitempty"`
}

// ProgressEvent builds a progress event.
func ProgressEvent(taskID string, rate float64) Event {
	return Event{Type: EventProgress, TaskID: taskID, Rate: rate, SentAt: time.Now().UnixMilli()}
}

// ResultEvent builds a result event from an already encoded value.
func ResultEvent(taskID string, value json.RawMessage) Event {
	return Event{Type: EventResult, TaskID: taskID, Result: value, SentAt: time.Now().UnixMilli()}
}

// ErrorEvent builds an error event.
func ErrorEvent(taskID string, reason *TaskError) Event {
	return Event{Type: EventError, TaskID: taskID, Error: reason, SentAt: time.Now().UnixMilli()}
}

// CancelledEvent builds a cancelled event.
func CancelledEvent(taskID string, requeue bool) Event {
	return Event{Type: EventCancelled, TaskID: taskID, Requeue: requeue, SentAt: time.Now().UnixMilli()}
}

// Terminal reports whether the event ends an execution. Terminal events must
// be delivered at least once; progress events may be dropped.
func (e Event) Terminal() bool { return e.Type != EventProgress }

// Validate rejects events that cannot be applied.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidEvent)
	}
	switch e.Type {
	case EventProgress, EventResult, EventCancelled:
		return nil
	case EventError:
		if e.Error == nil {
			return fmt.Errorf("%w: error event without error", ErrInvalidEvent)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
}

func (e Event) String() string { return fmt.Sprintf("%s(%s)", e.Type, e.TaskID) }

// CancelRequest is the control message routed from the Manager to workers.
type CancelRequest struct {
	TaskID  string `json:"task_id"`
	Requeue bool   `json:"requeue"`
}
