// Package redisq implements the datatask Transport and Repository on Redis.
//
// Tasks are queued per group: a LIST of pending ids, a HASH of payloads and a
// ZSET of leased ids scored by their visibility deadline. Terminal events are
// pushed to a LIST consumed reliably by the manager, progress events and cancel
// requests travel over pub/sub.
package redisq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/keys"
	"github.com/redis/go-redis/v9"
)

// BusConfig defines the configuration for a Bus.
type BusConfig struct {
	// PopTimeout bounds each blocking pop on the events list. Defaults to 1s.
	PopTimeout time.Duration
	// RetryDelay is the pause after a terminal event failed to be handled.
	// Defaults to 200ms.
	RetryDelay time.Duration
	// Logger is the logger used for bus events.
	Logger datatask.Logger
}

// Bus carries events from workers to the manager and cancel requests from
// the manager to workers. It is shared by the Redis and asynq transports.
type Bus struct {
	rdb redis.UniversalClient
	cfg BusConfig
	enc datatask.Encoder
	log datatask.Logger

	mu      sync.Mutex
	subs    []func(datatask.CancelRequest)
	control *redis.PubSub
	stop    context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewBus subscribes to the control channel and returns once the subscription
// is active.
func NewBus(ctx context.Context, rdb redis.UniversalClient, cfg BusConfig) (*Bus, error) {
	if cfg.PopTimeout <= 0 {
		cfg.PopTimeout = time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	b := &Bus{rdb: rdb, cfg: cfg, enc: datatask.DefaultEncoder, log: orNop(cfg.Logger)}

	ps := rdb.Subscribe(ctx, keys.ControlChannel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	b.control = ps
	runCtx, cancel := context.WithCancel(context.Background())
	b.stop = cancel
	b.wg.Add(1)
	go b.dispatchControl(runCtx, ps.Channel())
	return b, nil
}

func (b *Bus) dispatchControl(ctx context.Context, ch <-chan *redis.Message) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var r datatask.CancelRequest
			if err := b.enc.Decode([]byte(msg.Payload), &r); err != nil {
				b.log.Warnf("bus: malformed cancel request: %v", err)
				continue
			}
			b.Notify(r)
		}
	}
}

// Notify hands r to the subscribers registered in this process only.
func (b *Bus) Notify(r datatask.CancelRequest) {
	b.mu.Lock()
	subs := append([]func(datatask.CancelRequest){}, b.subs...)
	b.mu.Unlock()
	for _, fn := range subs {
		fn(r)
	}
}

// OnCancel registers fn for every cancel request received by this process.
func (b *Bus) OnCancel(fn func(datatask.CancelRequest)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// RequestCancel broadcasts the request. A plain cancel also records a marker
// for the task, consumed by the worker that dequeues it later. Requeue
// requests only concern running tasks and leave no marker.
func (b *Bus) RequestCancel(ctx context.Context, r datatask.CancelRequest) error {
	raw, err := b.enc.Encode(r)
	if err != nil {
		return err
	}
	_, err = b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		if r.TaskID != "" && !r.Requeue {
			p.ZAdd(ctx, keys.Cancelled, redis.Z{Score: float64(time.Now().UnixMilli()), Member: r.TaskID})
		}
		p.Publish(ctx, keys.ControlChannel, raw)
		return nil
	})
	return err
}

// TakeCancelled consumes the cancel marker of id and reports whether there was one.
func (b *Bus) TakeCancelled(ctx context.Context, id string) (bool, error) {
	n, err := b.rdb.ZRem(ctx, keys.Cancelled, id).Result()
	return n > 0, err
}

// Publish sends e. Progress events are published fire-and-forget, terminal
// events are appended to the events list.
func (b *Bus) Publish(ctx context.Context, e datatask.Event) error {
	raw, err := b.enc.Encode(e)
	if err != nil {
		return err
	}
	if !e.Terminal() {
		return b.rdb.Publish(ctx, keys.ProgressChannel, raw).Err()
	}
	return b.rdb.LPush(ctx, keys.Events, raw).Err()
}

// Events delivers progress and terminal events to fn until ctx is done.
// Calls to fn are serialized. A terminal event is parked in a processing list
// while fn runs and removed once fn returns nil; when fn fails it is pushed
// back to be delivered again. Events left in the processing list by a
// previous consumer are requeued on start.
func (b *Bus) Events(ctx context.Context, fn func(datatask.Event) error) error {
	var mu sync.Mutex
	deliver := func(raw string) (bool, error) {
		e, err := datatask.DecodeEvent([]byte(raw))
		if err != nil {
			b.log.Warnf("bus: malformed event dropped: %v", err)
			return false, nil
		}
		mu.Lock()
		defer mu.Unlock()
		return true, fn(e)
	}

	if err := b.recover(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	progress := b.rdb.Subscribe(ctx, keys.ProgressChannel)
	if _, err := progress.Receive(ctx); err != nil {
		_ = progress.Close()
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer progress.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := progress.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				// progress is best effort
				_, _ = deliver(msg.Payload)
			}
		}
	}()
	defer wg.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, err := b.rdb.BLMove(ctx, keys.Events, keys.EventsProcessing, "RIGHT", "LEFT", b.cfg.PopTimeout).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			b.log.Errorf("bus: events pop failed: %v", err)
			b.sleep(ctx, b.cfg.PopTimeout)
			continue
		}

		_, herr := deliver(raw)
		// the event is already out of the queue, finish its bookkeeping even on shutdown
		actx := context.WithoutCancel(ctx)
		if herr == nil {
			if err := b.rdb.LRem(actx, keys.EventsProcessing, 1, raw).Err(); err != nil {
				b.log.Warnf("bus: ack event failed: %v", err)
			}
			continue
		}
		b.log.Warnf("bus: event handling failed, redelivering: %v", herr)
		_, err = b.rdb.TxPipelined(actx, func(p redis.Pipeliner) error {
			p.LRem(actx, keys.EventsProcessing, 1, raw)
			p.RPush(actx, keys.Events, raw)
			return nil
		})
		if err != nil {
			b.log.Errorf("bus: requeue event failed: %v", err)
		}
		b.sleep(ctx, b.cfg.RetryDelay)
	}
}

// recover moves events left in the processing list back to the head of the
// events list, oldest first.
func (b *Bus) recover(ctx context.Context) error {
	for {
		err := b.rdb.LMove(ctx, keys.EventsProcessing, keys.Events, "LEFT", "RIGHT").Err()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (b *Bus) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Pending returns the number of terminal events not consumed yet, including
// those being handled.
func (b *Bus) Pending(ctx context.Context) (int64, error) {
	var queued, processing *redis.IntCmd
	_, err := b.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		queued = p.LLen(ctx, keys.Events)
		processing = p.LLen(ctx, keys.EventsProcessing)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return queued.Val() + processing.Val(), nil
}

// Close stops the control subscription. It is idempotent.
func (b *Bus) Close() error {
	var err error
	b.once.Do(func() {
		b.stop()
		err = b.control.Close()
		b.wg.Wait()
	})
	return err
}

func orNop(l datatask.Logger) datatask.Logger {
	if l == nil {
		return datatask.NopLogger
	}
	return l
}
