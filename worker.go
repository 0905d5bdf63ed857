package datatask

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/UniQw/datatask/internal/hctx"
)

// WorkerConfig defines the configuration for a WorkerLoop.
type WorkerConfig struct {
	// PollTimeout bounds each Dequeue call. Defaults to one minute.
	PollTimeout time.Duration
	// ErrorBackoff is the pause after a transport error. Defaults to one second.
	ErrorBackoff time.Duration
	// PublishAttempts bounds the retries of terminal events. Defaults to 5.
	PublishAttempts int
	// CancelTTL bounds how long a cancel request for a task that is not
	// running is remembered. Defaults to 24h.
	CancelTTL time.Duration
	// Logger is the logger used for worker events.
	Logger Logger
}

func (c *WorkerConfig) setDefaults() {
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = time.Second
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 5
	}
	if c.CancelTTL <= 0 {
		c.CancelTTL = 24 * time.Hour
	}
}

type inflight struct {
	id     string
	cancel context.CancelCauseFunc
}

// WorkerLoop dequeues tasks from a Supplier and runs them one at a time.
type WorkerLoop struct {
	reg *Registry
	s   Supplier
	cfg WorkerConfig
	log Logger

	cancels *cancelSet
	mu      sync.Mutex
	current *inflight
}

// NewWorkerLoop creates a loop consuming s and subscribes it to the cancel
// requests of s. Several loops sharing a Supplier in one process should run
// in a Pool, which resolves each cancel request once for all of them.
func NewWorkerLoop(reg *Registry, s Supplier, cfg WorkerConfig) *WorkerLoop {
	cfg.setDefaults()
	cs := newCancelSet(cfg.CancelTTL)
	w := newWorkerLoop(reg, s, cfg, cs)
	s.OnCancel(cs.request)
	return w
}

func newWorkerLoop(reg *Registry, s Supplier, cfg WorkerConfig, cs *cancelSet) *WorkerLoop {
	cfg.setDefaults()
	w := &WorkerLoop{
		reg:     reg,
		s:       s,
		cfg:     cfg,
		log:     orDefault(cfg.Logger),
		cancels: cs,
	}
	cs.attach(w)
	return w
}

// Run processes tasks until ctx is done or a poison task is received and
// returns the number of tasks handled. Cancelling ctx cancels the running task
// with requeue set and returns once it has been reported.
func (w *WorkerLoop) Run(ctx context.Context) (int, error) {
	n := 0
	for {
		if ctx.Err() != nil {
			return n, nil
		}
		t, err := w.s.Dequeue(ctx, w.cfg.PollTimeout)
		switch {
		case errors.Is(err, ErrPoison):
			w.log.Infof("poison received, worker exiting after %d tasks", n)
			return n, nil
		case err != nil:
			if ctx.Err() != nil {
				return n, nil
			}
			if errors.Is(err, ErrQueueClosed) {
				return n, err
			}
			w.log.Errorf("dequeue failed: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.cfg.ErrorBackoff):
			}
			continue
		case t == nil:
			continue
		}
		w.handle(ctx, t)
		n++
	}
}

// Cancel stops the running task if its id is taskID ("" matches any task).
// Otherwise a plain cancel is remembered and the task is skipped when it is
// dequeued; a requeue cancel of a task that is not running is ignored.
func (w *WorkerLoop) Cancel(taskID string, requeue bool) {
	w.cancels.request(CancelRequest{TaskID: taskID, Requeue: requeue})
}

// cancelCurrent cancels the task in flight when it matches taskID.
func (w *WorkerLoop) cancelCurrent(taskID string, requeue bool) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current == nil || (taskID != "" && taskID != w.current.id) {
		return false
	}
	w.current.cancel(Cancelled(requeue))
	return true
}

func (w *WorkerLoop) setCurrent(c *inflight) {
	w.mu.Lock()
	w.current = c
	w.mu.Unlock()
}

func (w *WorkerLoop) handle(ctx context.Context, t *Task) {
	taskCtx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	defer cancel(nil)
	if w.cancels.begin(w, &inflight{id: t.ID, cancel: cancel}) {
		w.log.Infof("skipping cancelled task: id=%s name=%s", t.ID, t.Name)
		w.publishTerminal(ctx, CancelledEvent(t.ID, false))
		return
	}

	progress := func(rate float64) {
		if err := w.s.Publish(ctx, ProgressEvent(t.ID, clampRate(rate))); err != nil {
			w.log.Debugf("progress dropped: id=%s err=%v", t.ID, err)
		}
	}
	exec, err := w.reg.New(t, progress)
	if err != nil {
		w.setCurrent(nil)
		w.log.Errorf("cannot build task: id=%s name=%s err=%v", t.ID, t.Name, err)
		w.publishTerminal(ctx, ErrorEvent(t.ID, NewTaskError(err)))
		return
	}

	progress(0)
	taskCtx = hctx.WithState(taskCtx, hctx.New(t, progress))
	stop := context.AfterFunc(ctx, func() { cancel(Cancelled(true)) })

	w.log.Debugf("running task: id=%s name=%s", t.ID, t.Name)
	value, runErr := safeRun(taskCtx, exec)

	stop()
	w.setCurrent(nil)
	event := w.outcome(taskCtx, t, value, runErr)
	w.publishTerminal(ctx, event)
}

func safeRun(ctx context.Context, exec Executable) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return exec.Run(ctx)
}

func (w *WorkerLoop) outcome(taskCtx context.Context, t *Task, value any, err error) Event {
	if err == nil {
		raw, encErr := DefaultEncoder.Encode(value)
		if encErr != nil {
			w.log.Errorf("cannot encode result: id=%s err=%v", t.ID, encErr)
			return ErrorEvent(t.ID, NewTaskError(encErr))
		}
		w.log.Debugf("task done: id=%s name=%s", t.ID, t.Name)
		return ResultEvent(t.ID, raw)
	}

	var ce *CancelledError
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		if errors.As(context.Cause(taskCtx), &ce) || errors.As(err, &ce) {
			w.log.Infof("task cancelled: id=%s name=%s requeue=%t", t.ID, t.Name, ce.Requeue)
			return CancelledEvent(t.ID, ce.Requeue)
		}
		if errors.Is(err, ErrCancelled) {
			return CancelledEvent(t.ID, false)
		}
	}
	w.log.Warnf("task failed: id=%s name=%s err=%v", t.ID, t.Name, err)
	return ErrorEvent(t.ID, NewTaskError(err))
}

// publishTerminal retries with a context detached from shutdown so that
// the outcome of the last task still reaches the Manager.
func (w *WorkerLoop) publishTerminal(ctx context.Context, e Event) {
	base := context.WithoutCancel(ctx)
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		pctx, cancel := context.WithTimeout(base, 5*time.Second)
		err := w.s.Publish(pctx, e)
		cancel()
		if err == nil {
			return
		}
		if attempt >= w.cfg.PublishAttempts || errors.Is(err, ErrQueueClosed) {
			w.log.Errorf("event lost after %d attempts: %s err=%v", attempt, e, err)
			return
		}
		w.log.Warnf("publish failed, retrying: %s attempt=%d err=%v", e, attempt, err)
		time.Sleep(backoff)
		backoff *= 2
	}
}
