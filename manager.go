package datatask

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/UniQw/datatask/internal/keylock"
	"github.com/google/uuid"
)

// ManagerConfig defines the configuration for a Manager.
type ManagerConfig struct {
	// DisableRetry ignores MaxRetry: every failure is final.
	DisableRetry bool
	// Logger is the logger used for manager events.
	Logger Logger
}

// Manager owns the lifecycle of tasks: it creates them, submits them to a
// Queue, applies worker events and answers queries from a Repository.
type Manager struct {
	repo  Repository
	q     Queue
	cfg   ManagerConfig
	locks *keylock.Locker
	log   Logger
	now   func() time.Time
}

// NewManager creates a Manager on top of repo and q.
func NewManager(repo Repository, q Queue, cfg ManagerConfig) *Manager {
	return &Manager{
		repo:  repo,
		q:     q,
		cfg:   cfg,
		locks: keylock.New(),
		log:   orDefault(cfg.Logger),
		now:   time.Now,
	}
}

func newID() string { return uuid.NewString() }

// StartTask persists a new task and submits it. The returned id is valid even
// when the error wraps ErrTransport: the task is then stored in ERROR state.
func (m *Manager) StartTask(ctx context.Context, name, user string, args Args, opts ...Option) (string, error) {
	cfg := buildOptions(opts)
	id := cfg.id
	if id == "" {
		id = newID()
	}
	t := &Task{
		ID:         id,
		Name:       name,
		User:       user,
		Group:      cfg.group,
		Args:       args,
		State:      StateCreated,
		MaxRetries: cfg.maxRetry,
		CreatedAt:  m.now().UnixMilli(),
	}

	unlock := m.locks.Lock(id)
	defer unlock()

	if err := m.repo.Insert(ctx, t); err != nil {
		return "", err
	}
	t.State = StateQueued
	if err := m.repo.Save(ctx, t); err != nil {
		return id, err
	}
	if err := m.q.Enqueue(ctx, t.Clone()); err != nil {
		m.failSubmit(ctx, t, err)
		return id, fmt.Errorf("%w: %s: %w", ErrTransport, t, err)
	}
	m.log.Debugf("task started: id=%s name=%s group=%s user=%s", t.ID, t.Name, t.Group, t.User)
	return id, nil
}

func (m *Manager) failSubmit(ctx context.Context, t *Task, cause error) {
	t.State = StateError
	t.Error = &TaskError{Name: "TransportError", Message: cause.Error()}
	t.CompletedAt = m.now().UnixMilli()
	if err := m.repo.Save(ctx, t); err != nil {
		m.log.Errorf("saving failed submission: id=%s err=%v", t.ID, err)
	}
	m.log.Errorf("enqueue failed: id=%s name=%s group=%s err=%v", t.ID, t.Name, t.Group, cause)
}

// GetTask returns the task with the given id or ErrTaskNotFound.
func (m *Manager) GetTask(ctx context.Context, id string) (*Task, error) {
	return m.repo.Get(ctx, id)
}

// GetTasks returns the tasks selected by f ordered by creation time.
func (m *Manager) GetTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	return m.repo.List(ctx, f)
}

// StopTask cancels a task. Queued tasks are cancelled at once; running tasks
// get a cancel request and reach CANCELLED when their worker reports back.
// It returns false for terminal tasks.
func (m *Manager) StopTask(ctx context.Context, id string) (bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return false, err
	}
	switch t.State {
	case StateDone, StateError, StateCancelled:
		return false, nil
	case StateRunning:
		if err := m.q.RequestCancel(ctx, CancelRequest{TaskID: id}); err != nil {
			return false, fmt.Errorf("%w: cancel %s: %w", ErrTransport, t, err)
		}
		m.log.Infof("cancel requested: id=%s name=%s", t.ID, t.Name)
		return true, nil
	}

	t.State = StateCancelled
	t.CompletedAt = m.now().UnixMilli()
	if err := m.repo.Save(ctx, t); err != nil {
		return false, err
	}
	removed, err := m.q.Remove(ctx, t)
	if err != nil {
		m.log.Warnf("remove from queue failed: id=%s err=%v", t.ID, err)
	}
	if !removed {
		// a worker may already hold it
		if err := m.q.RequestCancel(ctx, CancelRequest{TaskID: id}); err != nil {
			m.log.Warnf("cancel request failed: id=%s err=%v", t.ID, err)
		}
	}
	m.log.Infof("task cancelled: id=%s name=%s removed=%t", t.ID, t.Name, removed)
	return true, nil
}

// StopAllTasks stops every non terminal task of user ("" means all users)
// and returns the StopTask outcome per id.
func (m *Manager) StopAllTasks(ctx context.Context, user string) (map[string]bool, error) {
	tasks, err := m.repo.List(ctx, TaskFilter{User: user, States: NonTerminalStates})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(tasks))
	var errs []error
	for _, t := range tasks {
		ok, err := m.StopTask(ctx, t.ID)
		if err != nil && !errors.Is(err, ErrTaskNotFound) {
			errs = append(errs, err)
		}
		out[t.ID] = ok
	}
	return out, errors.Join(errs...)
}

// ClearDoneTasks removes all terminal tasks and returns them.
func (m *Manager) ClearDoneTasks(ctx context.Context) ([]*Task, error) {
	tasks, err := m.repo.ClearDone(ctx)
	if err != nil {
		return nil, err
	}
	if len(tasks) > 0 {
		m.log.Infof("cleared %d done tasks", len(tasks))
	}
	return tasks, nil
}

// ClearTask removes a single task. Running tasks cannot be cleared.
func (m *Manager) ClearTask(ctx context.Context, id string) (*Task, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.State == StateRunning {
		return nil, fmt.Errorf("%w: %s", ErrTaskRunning, t)
	}
	if !t.State.Terminal() {
		if _, err := m.q.Remove(ctx, t); err != nil {
			m.log.Warnf("remove from queue failed: id=%s err=%v", t.ID, err)
		}
	}
	return m.repo.Delete(ctx, id)
}

// HandleEvent applies a worker event to the stored task. Events for unknown
// or terminal tasks are ignored.
func (m *Manager) HandleEvent(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	unlock := m.locks.Lock(e.TaskID)
	defer unlock()

	t, err := m.repo.Get(ctx, e.TaskID)
	if errors.Is(err, ErrTaskNotFound) {
		m.log.Warnf("event for unknown task ignored: %s", e)
		return nil
	}
	if err != nil {
		return err
	}
	if t.State.Terminal() {
		m.log.Debugf("event for finished task ignored: %s state=%s", e, t.State)
		return nil
	}

	switch e.Type {
	case EventProgress:
		if err := advance(t, StateRunning); err != nil {
			m.log.Debugf("progress ignored: %s state=%s", e, t.State)
			return nil
		}
		if rate := clampRate(e.Rate); rate > t.Progress {
			t.Progress = rate
		}
		return m.repo.Save(ctx, t)

	case EventResult:
		if err := advance(t, StateDone); err != nil {
			return err
		}
		t.Progress = 1
		t.Result = e.Result
		t.Error = nil
		t.CompletedAt = m.now().UnixMilli()
		m.log.Debugf("task done: id=%s name=%s", t.ID, t.Name)
		return m.repo.Save(ctx, t)

	case EventError:
		if m.shouldRetry(t, e.Error) {
			if err := advance(t, StateRetry); err != nil {
				return err
			}
			t.Retries++
			t.Error = e.Error
			m.log.Warnf("task failed, retrying: id=%s name=%s retry=%d/%d err=%v", t.ID, t.Name, t.Retries, t.MaxRetries, e.Error)
			return m.requeue(ctx, t)
		}
		if err := advance(t, StateError); err != nil {
			return err
		}
		t.Error = e.Error
		t.CompletedAt = m.now().UnixMilli()
		m.log.Warnf("task failed: id=%s name=%s err=%v", t.ID, t.Name, e.Error)
		return m.repo.Save(ctx, t)

	case EventCancelled:
		if err := advance(t, StateCancelled); err != nil {
			return err
		}
		if e.Requeue {
			m.log.Infof("task cancelled, requeued: id=%s name=%s", t.ID, t.Name)
			return m.requeue(ctx, t)
		}
		t.CompletedAt = m.now().UnixMilli()
		m.log.Infof("task cancelled: id=%s name=%s", t.ID, t.Name)
		return m.repo.Save(ctx, t)
	}
	return nil
}

func (m *Manager) shouldRetry(t *Task, reason *TaskError) bool {
	if m.cfg.DisableRetry || reason == nil || !reason.Transient {
		return false
	}
	return t.MaxRetries > 0 && t.Retries < t.MaxRetries
}

// requeue moves t from RETRY or CANCELLED back to QUEUED and submits it again.
func (m *Manager) requeue(ctx context.Context, t *Task) error {
	if err := advance(t, StateQueued); err != nil {
		return err
	}
	t.Progress = 0
	if err := m.repo.Save(ctx, t); err != nil {
		return err
	}
	if err := m.q.Enqueue(ctx, t.Clone()); err != nil {
		m.failSubmit(ctx, t, err)
		return fmt.Errorf("%w: requeue %s: %w", ErrTransport, t, err)
	}
	return nil
}

func advance(t *Task, to State) error {
	if !CanTransition(t.State, to) {
		return fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, t.ID, t.State, to)
	}
	t.State = to
	return nil
}

// Run consumes the queue events until ctx is done. Events that can never be
// applied are logged and dropped; other failures, such as the repository
// being unavailable, hand the event back to the transport for redelivery.
func (m *Manager) Run(ctx context.Context) error {
	m.log.Infof("manager consuming events")
	err := m.q.Events(ctx, func(e Event) error {
		err := m.HandleEvent(ctx, e)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrInvalidEvent), errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrTransport):
			m.log.Errorf("handle event %s: %v", e, err)
			return nil
		default:
			m.log.Warnf("handle event %s: %v", e, err)
			return err
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// WaitTasksDone polls the repository until every task is terminal and
// returns them.
func (m *Manager) WaitTasksDone(ctx context.Context, poll time.Duration) ([]*Task, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		tasks, err := m.repo.List(ctx, TaskFilter{})
		if err != nil {
			return nil, err
		}
		pending := 0
		for _, t := range tasks {
			if !t.State.Terminal() {
				pending++
			}
		}
		if pending == 0 {
			return tasks, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Shutdown enqueues n sentinel tasks so that n worker loops of group exit
// once they are idle.
func (m *Manager) Shutdown(ctx context.Context, group string, n int) error {
	for i := 0; i < n; i++ {
		if err := m.q.Enqueue(ctx, PoisonTask(group)); err != nil {
			return fmt.Errorf("%w: poison %s: %w", ErrTransport, group, err)
		}
	}
	m.log.Infof("shutdown requested: group=%s loops=%d", group, n)
	return nil
}
