package datatask

import (
	"context"
	"time"
)

//go:generate mockgen -destination=internal/mocks/datatask_mock/mock_datatask.go -package=datatask_mock github.com/UniQw/datatask Queue,Repository

// PoisonName is the task name of the sentinel that stops one worker loop.
const PoisonName = "__poison__"

// Queue is the submission side of a transport, used by the Manager.
type Queue interface {
	// Enqueue makes t available to the workers of t.Group.
	Enqueue(ctx context.Context, t *Task) error
	// Remove drops a queued task that no worker picked yet. It is best-effort
	// and reports whether the task was found.
	Remove(ctx context.Context, t *Task) (bool, error)
	// RequestCancel routes a cancel request to every worker.
	RequestCancel(ctx context.Context, r CancelRequest) error
	// Events delivers worker events to fn until ctx is done. A terminal event
	// for which fn returns an error is delivered again later.
	Events(ctx context.Context, fn func(Event) error) error
}

// Supplier is the consumption side of a transport, used by WorkerLoop.
type Supplier interface {
	// Dequeue waits up to timeout for a task. It returns nil, nil on timeout
	// and ErrPoison when the sentinel task is received.
	Dequeue(ctx context.Context, timeout time.Duration) (*Task, error)
	// Publish sends an event to the Manager. Progress events may be dropped;
	// terminal events are delivered at least once once Publish returns nil.
	Publish(ctx context.Context, e Event) error
	// OnCancel registers fn for every cancel request routed to this supplier.
	OnCancel(fn func(CancelRequest))
}

// Transport is a backend implementing both roles.
type Transport interface {
	Queue
	Supplier
	Close() error
}

// PoisonTask builds the sentinel that makes exactly one loop bound to group exit.
func PoisonTask(group string) *Task {
	if group == "" {
		group = DefaultGroup
	}
	return &Task{
		ID:        PoisonName + ":" + newID(),
		Name:      PoisonName,
		Group:     group,
		State:     StateQueued,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// IsPoison reports whether t is a sentinel built by PoisonTask.
func IsPoison(t *Task) bool { return t != nil && t.Name == PoisonName }
