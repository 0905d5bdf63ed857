// Package asynqq implements a datatask Transport on the hibiken/asynq broker.
//
// Tasks are asynq tasks in a queue named after their group, identified by the
// datatask id. An asynq server hands each task to a waiting Dequeue and holds
// it until the worker publishes the terminal event, so asynq recovers tasks
// of crashed workers. Events and cancel requests travel over a redisq.Bus.
package asynqq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/datatask"
	rtm "github.com/UniQw/datatask/internal/runtime"
	"github.com/UniQw/datatask/redisq"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Config defines the configuration for an asynq Transport.
type Config struct {
	// Group is the queue consumed by Dequeue. Defaults to datatask.DefaultGroup.
	Group string
	// Consume starts an asynq server for Group. Enable it on workers.
	Consume bool
	// Concurrency is the number of tasks the server holds at once. It should
	// match the number of loops consuming the transport. Defaults to 1.
	Concurrency int
	// TaskTimeout bounds how long asynq considers a task alive. Defaults to 24h.
	TaskTimeout time.Duration
	// ShutdownTimeout is the grace period of the server on Close. Defaults to 10s.
	ShutdownTimeout time.Duration
	// Logger is the logger used for transport events.
	Logger datatask.Logger
}

func (c *Config) setDefaults() {
	if c.Group == "" {
		c.Group = datatask.DefaultGroup
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 24 * time.Hour
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = datatask.NopLogger
	}
}

// delivery is a task held by the server handler until it is finished.
type delivery struct {
	task *datatask.Task
	done chan struct{}
	once sync.Once
}

func (d *delivery) finish() { d.once.Do(func() { close(d.done) }) }

// Transport is a datatask.Transport on asynq.
type Transport struct {
	cfg Config
	cli *asynq.Client
	ins *asynq.Inspector
	srv *asynq.Server
	rdb redis.UniversalClient
	bus *redisq.Bus
	rt  *rtm.Runtime
	log datatask.Logger

	handoff chan *delivery
	closed  chan struct{}

	mu       sync.Mutex
	inflight map[string]*delivery
	once     sync.Once
}

var _ datatask.Transport = (*Transport)(nil)

// NewTransport connects to the broker described by opt. The event bus uses
// its own client built from opt.
func NewTransport(ctx context.Context, opt asynq.RedisConnOpt, cfg Config) (*Transport, error) {
	cfg.setDefaults()
	rdb, ok := opt.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		return nil, fmt.Errorf("asynqq: unsupported redis connection option %T", opt)
	}
	bus, err := redisq.NewBus(ctx, rdb, redisq.BusConfig{Logger: cfg.Logger})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("asynqq: subscribe control channel: %w", err)
	}
	t := newTransport(asynq.NewClient(opt), asynq.NewInspector(opt), bus, cfg)
	t.rdb = rdb
	if cfg.Consume {
		// no lease groups: asynq recovers its own tasks, only cancel markers age out
		t.rt = rtm.New(rdb, rtm.Config{Logger: cfg.Logger})
		t.rt.Start()
		if err := t.serve(opt); err != nil {
			_ = t.Close()
			return nil, err
		}
	}
	return t, nil
}

func newTransport(cli *asynq.Client, ins *asynq.Inspector, bus *redisq.Bus, cfg Config) *Transport {
	cfg.setDefaults()
	return &Transport{
		cfg:      cfg,
		cli:      cli,
		ins:      ins,
		bus:      bus,
		log:      cfg.Logger,
		handoff:  make(chan *delivery),
		closed:   make(chan struct{}),
		inflight: make(map[string]*delivery),
	}
}

func (t *Transport) serve(opt asynq.RedisConnOpt) error {
	t.srv = asynq.NewServer(opt, asynq.Config{
		Concurrency:     t.cfg.Concurrency,
		Queues:          map[string]int{t.cfg.Group: 1},
		ShutdownTimeout: t.cfg.ShutdownTimeout,
		Logger:          asynqLogger{t.log},
	})
	if err := t.srv.Start(asynq.HandlerFunc(t.handle)); err != nil {
		return fmt.Errorf("asynqq: start server: %w", err)
	}
	t.log.Infof("asynqq: consuming queue=%s concurrency=%d", t.cfg.Group, t.cfg.Concurrency)
	return nil
}

// handle blocks until a Dequeue takes the task and its terminal event was
// published. Returning nil completes the asynq task.
func (t *Transport) handle(ctx context.Context, at *asynq.Task) error {
	task, err := datatask.DecodeTask(at.Payload())
	if err != nil {
		t.log.Errorf("asynqq: malformed task dropped: type=%s err=%v", at.Type(), err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	d := &delivery{task: task, done: make(chan struct{})}
	if !datatask.IsPoison(task) {
		t.mu.Lock()
		t.inflight[task.ID] = d
		t.mu.Unlock()
		defer func() {
			t.mu.Lock()
			if t.inflight[task.ID] == d {
				delete(t.inflight, task.ID)
			}
			t.mu.Unlock()
		}()
	}

	select {
	case t.handoff <- d:
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closed:
		return datatask.ErrQueueClosed
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits task to the queue of its group. A previous run of the same
// task may still be completing in asynq, so id conflicts are retried briefly.
func (t *Transport) Enqueue(ctx context.Context, task *datatask.Task) error {
	raw, err := datatask.EncodeTask(task)
	if err != nil {
		return err
	}
	at := asynq.NewTask(task.Name, raw)
	opts := []asynq.Option{
		asynq.Queue(queueOf(task)),
		asynq.TaskID(task.ID),
		asynq.MaxRetry(0),
		asynq.Timeout(t.cfg.TaskTimeout),
	}
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		_, err = t.cli.EnqueueContext(ctx, at, opts...)
		if err == nil || !errors.Is(err, asynq.ErrTaskIDConflict) || attempt == 5 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// Remove deletes task from its queue. Tasks already held by a server cannot
// be removed and report false.
func (t *Transport) Remove(ctx context.Context, task *datatask.Task) (bool, error) {
	err := t.ins.DeleteTask(queueOf(task), task.ID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, asynq.ErrTaskNotFound), errors.Is(err, asynq.ErrQueueNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (t *Transport) RequestCancel(ctx context.Context, r datatask.CancelRequest) error {
	return t.bus.RequestCancel(ctx, r)
}

func (t *Transport) Events(ctx context.Context, fn func(datatask.Event) error) error {
	return t.bus.Events(ctx, fn)
}

func (t *Transport) OnCancel(fn func(datatask.CancelRequest)) { t.bus.OnCancel(fn) }

// Dequeue waits for the server to hand over a task. A task cancelled while
// queued is returned after its cancel request was replayed locally.
func (t *Transport) Dequeue(ctx context.Context, timeout time.Duration) (*datatask.Task, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, datatask.ErrQueueClosed
	case <-timer.C:
		return nil, nil
	case d := <-t.handoff:
		if datatask.IsPoison(d.task) {
			d.finish()
			return nil, datatask.ErrPoison
		}
		cancelled, err := t.bus.TakeCancelled(ctx, d.task.ID)
		if err != nil {
			t.log.Warnf("asynqq: cancel marker lookup failed: id=%s err=%v", d.task.ID, err)
		}
		if cancelled {
			t.bus.Notify(datatask.CancelRequest{TaskID: d.task.ID})
		}
		return d.task, nil
	}
}

// Publish sends e. A terminal event releases the asynq task once the event
// reached the bus.
func (t *Transport) Publish(ctx context.Context, e datatask.Event) error {
	if err := t.bus.Publish(ctx, e); err != nil {
		return err
	}
	if e.Terminal() {
		t.mu.Lock()
		d := t.inflight[e.TaskID]
		t.mu.Unlock()
		if d != nil {
			d.finish()
		}
	}
	return nil
}

// Close stops the server, then releases the broker and bus connections.
func (t *Transport) Close() error {
	var errs []error
	t.once.Do(func() {
		close(t.closed)
		if t.srv != nil {
			t.srv.Shutdown()
		}
		if t.rt != nil {
			t.rt.Stop()
		}
		if t.cli != nil {
			errs = append(errs, t.cli.Close())
		}
		if t.ins != nil {
			errs = append(errs, t.ins.Close())
		}
		errs = append(errs, t.bus.Close())
		if t.rdb != nil {
			errs = append(errs, t.rdb.Close())
		}
	})
	return errors.Join(errs...)
}

func queueOf(t *datatask.Task) string {
	if t.Group == "" {
		return datatask.DefaultGroup
	}
	return t.Group
}

// asynqLogger routes asynq server logs to a datatask.Logger.
type asynqLogger struct{ l datatask.Logger }

func (a asynqLogger) Debug(args ...interface{}) { a.l.Debugf("asynq: %s", fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...interface{})  { a.l.Infof("asynq: %s", fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...interface{})  { a.l.Warnf("asynq: %s", fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...interface{}) { a.l.Errorf("asynq: %s", fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...interface{}) { a.l.Errorf("asynq: fatal: %s", fmt.Sprint(args...)) }
