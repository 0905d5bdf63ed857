package memory

import (
	"context"
	"sync"
	"time"

	"github.com/UniQw/datatask"
)

// TransportConfig defines the configuration for an in-process Transport.
type TransportConfig struct {
	// Capacity bounds every group queue and the event buffer. Defaults to 1024.
	Capacity int
	// Group is the group consumed by Dequeue. Defaults to datatask.DefaultGroup.
	Group string
	// RetryDelay is the pause before a terminal event that failed to be
	// handled is delivered again. Defaults to 100ms.
	RetryDelay time.Duration
}

// Transport moves tasks through buffered channels, one per group.
type Transport struct {
	cfg TransportConfig

	mu      sync.Mutex
	queues  map[string]chan *datatask.Task
	pending map[string]struct{}
	removed map[string]struct{}
	subs    []func(datatask.CancelRequest)
	events  chan datatask.Event
	done    chan struct{}
	once    sync.Once
}

var _ datatask.Transport = (*Transport)(nil)

// NewTransport creates an in-process transport.
func NewTransport(cfg TransportConfig) *Transport {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	if cfg.Group == "" {
		cfg.Group = datatask.DefaultGroup
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	return &Transport{
		cfg:     cfg,
		queues:  make(map[string]chan *datatask.Task),
		pending: make(map[string]struct{}),
		removed: make(map[string]struct{}),
		events:  make(chan datatask.Event, cfg.Capacity),
		done:    make(chan struct{}),
	}
}

func (tr *Transport) queue(group string) chan *datatask.Task {
	if group == "" {
		group = datatask.DefaultGroup
	}
	tr.mu.Lock()
	defer tr.mu.Unlock()
	q, ok := tr.queues[group]
	if !ok {
		q = make(chan *datatask.Task, tr.cfg.Capacity)
		tr.queues[group] = q
	}
	return q
}

func (tr *Transport) closed() bool {
	select {
	case <-tr.done:
		return true
	default:
		return false
	}
}

// Enqueue adds t to its group queue. It returns datatask.ErrQueueFull
// instead of blocking when the queue is at capacity.
func (tr *Transport) Enqueue(_ context.Context, t *datatask.Task) error {
	if tr.closed() {
		return datatask.ErrQueueClosed
	}
	q := tr.queue(t.Group)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	select {
	case q <- t.Clone():
		tr.pending[t.ID] = struct{}{}
		return nil
	default:
		return datatask.ErrQueueFull
	}
}

// Remove marks a task still waiting in its queue so that it is skipped.
func (tr *Transport) Remove(_ context.Context, t *datatask.Task) (bool, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.pending[t.ID]; !ok {
		return false, nil
	}
	delete(tr.pending, t.ID)
	tr.removed[t.ID] = struct{}{}
	return true, nil
}

// RequestCancel calls every registered cancel subscriber synchronously.
func (tr *Transport) RequestCancel(_ context.Context, r datatask.CancelRequest) error {
	if tr.closed() {
		return datatask.ErrQueueClosed
	}
	tr.mu.Lock()
	subs := append([]func(datatask.CancelRequest){}, tr.subs...)
	tr.mu.Unlock()
	for _, fn := range subs {
		fn(r)
	}
	return nil
}

// Events delivers published events to fn until ctx is done or the transport
// is closed. A terminal event rejected by fn is buffered again after
// RetryDelay; it is lost if the transport closes first.
func (tr *Transport) Events(ctx context.Context, fn func(datatask.Event) error) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tr.done:
			return nil
		case e := <-tr.events:
			if err := fn(e); err != nil && e.Terminal() {
				go tr.redeliver(e)
			}
		}
	}
}

func (tr *Transport) redeliver(e datatask.Event) {
	select {
	case <-time.After(tr.cfg.RetryDelay):
	case <-tr.done:
		return
	}
	select {
	case tr.events <- e:
	case <-tr.done:
	}
}

// Dequeue takes the next task of the configured group.
func (tr *Transport) Dequeue(ctx context.Context, timeout time.Duration) (*datatask.Task, error) {
	return tr.dequeue(ctx, tr.cfg.Group, timeout)
}

func (tr *Transport) dequeue(ctx context.Context, group string, timeout time.Duration) (*datatask.Task, error) {
	q := tr.queue(group)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tr.done:
			return nil, datatask.ErrQueueClosed
		case <-timer.C:
			return nil, nil
		case t := <-q:
			if datatask.IsPoison(t) {
				return nil, datatask.ErrPoison
			}
			tr.mu.Lock()
			_, skip := tr.removed[t.ID]
			delete(tr.removed, t.ID)
			delete(tr.pending, t.ID)
			tr.mu.Unlock()
			if skip {
				continue
			}
			return t, nil
		}
	}
}

// Publish buffers e for Events. Progress events are dropped when the buffer
// is full; terminal events wait for room until ctx is done.
func (tr *Transport) Publish(ctx context.Context, e datatask.Event) error {
	if tr.closed() {
		return datatask.ErrQueueClosed
	}
	if !e.Terminal() {
		select {
		case tr.events <- e:
		default:
		}
		return nil
	}
	select {
	case tr.events <- e:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-tr.done:
		return datatask.ErrQueueClosed
	}
}

// OnCancel registers fn for cancel requests.
func (tr *Transport) OnCancel(fn func(datatask.CancelRequest)) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.subs = append(tr.subs, fn)
}

// ForGroup returns a view of the same transport whose Dequeue consumes group.
func (tr *Transport) ForGroup(group string) datatask.Transport {
	return &groupSupplier{Transport: tr, group: group}
}

// Close stops every blocked call. It is idempotent.
func (tr *Transport) Close() error {
	tr.once.Do(func() { close(tr.done) })
	return nil
}

type groupSupplier struct {
	*Transport
	group string
}

func (g *groupSupplier) Dequeue(ctx context.Context, timeout time.Duration) (*datatask.Task, error) {
	return g.dequeue(ctx, g.group, timeout)
}
