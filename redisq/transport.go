package redisq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/keys"
	rtm "github.com/UniQw/datatask/internal/runtime"
	"github.com/UniQw/datatask/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Config defines the configuration for a Redis Transport.
type Config struct {
	// Group is the group consumed by Dequeue. Defaults to datatask.DefaultGroup.
	Group string
	// VisibilityTTL is the duration for which a task is leased by a worker.
	// Progress events extend the lease; if the worker crashes the task is
	// reclaimed after this TTL. Defaults to 30s.
	VisibilityTTL time.Duration
	// HeartbeatInterval is the period at which the lease of a dequeued task is
	// extended until its terminal event is published. Defaults to a third of
	// VisibilityTTL.
	HeartbeatInterval time.Duration
	// PollInterval is the pause between empty dequeue attempts. Defaults to 50ms.
	PollInterval time.Duration
	// Maintenance starts the lease reclaimer for Group. Enable it on workers.
	Maintenance bool
	// Logger is the logger used for transport events.
	Logger datatask.Logger
}

// Transport is a datatask.Transport on Redis.
type Transport struct {
	rdb redis.UniversalClient
	cfg Config
	k   keys.Group
	bus *Bus
	rt  *rtm.Runtime
	log datatask.Logger

	leaseMu sync.Mutex
	leases  map[string]context.CancelFunc
	hb      sync.WaitGroup
	once    sync.Once
}

var _ datatask.Transport = (*Transport)(nil)

// NewTransport creates a Transport and subscribes it to cancel requests.
func NewTransport(ctx context.Context, rdb redis.UniversalClient, cfg Config) (*Transport, error) {
	if cfg.Group == "" {
		cfg.Group = datatask.DefaultGroup
	}
	if cfg.VisibilityTTL <= 0 {
		cfg.VisibilityTTL = 30 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.VisibilityTTL / 3
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	l := orNop(cfg.Logger)
	bus, err := NewBus(ctx, rdb, BusConfig{Logger: l})
	if err != nil {
		return nil, fmt.Errorf("redisq: subscribe control channel: %w", err)
	}
	t := &Transport{
		rdb: rdb,
		cfg: cfg,
		k:   keys.For(cfg.Group),
		bus: bus,
		log: l,

		leases: make(map[string]context.CancelFunc),
	}
	if cfg.Maintenance {
		t.rt = rtm.New(rdb, rtm.Config{Groups: []string{cfg.Group}, Logger: l})
		t.rt.Start()
	}
	return t, nil
}

// Enqueue stores t and appends it to the pending list of its group.
func (t *Transport) Enqueue(ctx context.Context, task *datatask.Task) error {
	raw, err := datatask.EncodeTask(task)
	if err != nil {
		return err
	}
	return worker.Enqueue(ctx, t.rdb, keys.For(groupOf(task)), task.ID, raw)
}

// Remove drops task from its pending list.
func (t *Transport) Remove(ctx context.Context, task *datatask.Task) (bool, error) {
	return worker.Remove(ctx, t.rdb, keys.For(groupOf(task)), task.ID)
}

func (t *Transport) RequestCancel(ctx context.Context, r datatask.CancelRequest) error {
	return t.bus.RequestCancel(ctx, r)
}

func (t *Transport) Events(ctx context.Context, fn func(datatask.Event) error) error {
	return t.bus.Events(ctx, fn)
}

func (t *Transport) OnCancel(fn func(datatask.CancelRequest)) { t.bus.OnCancel(fn) }

// Dequeue leases the next task of the configured group, polling until timeout.
// A task cancelled while it was pending is handed out after the cancel request
// was replayed to the local subscribers, so the loop reports it cancelled.
func (t *Transport) Dequeue(ctx context.Context, timeout time.Duration) (*datatask.Task, error) {
	deadline := time.Now().Add(timeout)
	for {
		l, err := worker.DequeueTask(ctx, t.rdb, t.k, keys.Cancelled, t.cfg.VisibilityTTL)
		if err != nil {
			return nil, err
		}
		if l != nil {
			task, err := datatask.DecodeTask(l.Raw)
			if err != nil {
				t.log.Errorf("redisq: malformed task dropped: id=%s err=%v", l.ID, err)
				_ = worker.Ack(ctx, t.rdb, t.k, l.ID, nil)
				continue
			}
			if datatask.IsPoison(task) {
				if err := worker.Ack(ctx, t.rdb, t.k, l.ID, nil); err != nil {
					t.log.Warnf("redisq: ack poison failed: %v", err)
				}
				return nil, datatask.ErrPoison
			}
			t.hold(task.ID)
			if l.Cancelled {
				t.bus.Notify(datatask.CancelRequest{TaskID: task.ID})
			}
			return task, nil
		}
		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, nil
		}
		if wait > t.cfg.PollInterval {
			wait = t.cfg.PollInterval
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Publish sends e. Progress extends the lease of the task; terminal events
// acknowledge it and are queued for the manager in the same transaction.
func (t *Transport) Publish(ctx context.Context, e datatask.Event) error {
	if !e.Terminal() {
		if err := worker.Extend(ctx, t.rdb, t.k, e.TaskID, t.cfg.VisibilityTTL); err != nil {
			t.log.Debugf("redisq: extend lease failed: id=%s err=%v", e.TaskID, err)
		}
		return t.bus.Publish(ctx, e)
	}
	raw, err := datatask.EncodeEvent(e)
	if err != nil {
		return err
	}
	err = worker.Ack(ctx, t.rdb, t.k, e.TaskID, raw)
	t.release(e.TaskID)
	return err
}

// hold extends the lease of id every HeartbeatInterval until release, so a
// task may run longer than VisibilityTTL without reporting progress. The
// heartbeat dies with the process, which lets the reclaimer recover the task.
func (t *Transport) hold(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	t.leaseMu.Lock()
	if prev := t.leases[id]; prev != nil {
		prev()
	}
	t.leases[id] = cancel
	t.leaseMu.Unlock()

	t.hb.Add(1)
	go func() {
		defer t.hb.Done()
		ticker := time.NewTicker(t.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := worker.Extend(ctx, t.rdb, t.k, id, t.cfg.VisibilityTTL); err != nil && ctx.Err() == nil {
					t.log.Warnf("redisq: heartbeat failed: id=%s err=%v", id, err)
				}
			}
		}
	}()
}

func (t *Transport) release(id string) {
	t.leaseMu.Lock()
	cancel := t.leases[id]
	delete(t.leases, id)
	t.leaseMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// held reports the number of leases kept alive by this transport.
func (t *Transport) held() int {
	t.leaseMu.Lock()
	defer t.leaseMu.Unlock()
	return len(t.leases)
}

// Close stops the maintenance goroutines and the control subscription.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.leaseMu.Lock()
		for id, cancel := range t.leases {
			cancel()
			delete(t.leases, id)
		}
		t.leaseMu.Unlock()
		t.hb.Wait()
		if t.rt != nil {
			t.rt.Stop()
		}
		err = t.bus.Close()
	})
	return err
}

func groupOf(t *datatask.Task) string {
	if t.Group == "" {
		return datatask.DefaultGroup
	}
	return t.Group
}
