package runtime

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	ikeys "github.com/UniQw/datatask/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Logger is a minimal logging interface used internally by the runtime.
// It mirrors the public logger in the root package.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debugf(string, ...any) {}
func (noopLogger) Infof(string, ...any)  {}
func (noopLogger) Warnf(string, ...any)  {}
func (noopLogger) Errorf(string, ...any) {}

type Config struct {
	// Groups whose expired leases are reclaimed.
	Groups []string
	// Interval between maintenance ticks. Defaults to 200ms.
	Interval time.Duration
	// CancelTTL bounds how long cancel markers are kept. Defaults to 24h.
	CancelTTL time.Duration
	Logger    Logger
}

// Runtime runs the background maintenance of the Redis backed transports.
type Runtime struct {
	rdb     redis.UniversalClient
	cfg     Config
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	gmap    map[string]ikeys.Group
	log     Logger
}

// reclaimOneScript atomically reclaims one expired active item back to pending.
var reclaimOneScript = redis.NewScript(`
local akey = KEYS[1]
local pkey = KEYS[2]
local now  = ARGV[1]
local items = redis.call('ZRANGEBYSCORE', akey, '-inf', now, 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
local rem = redis.call('ZREM', akey, m)
if rem == 1 then
  redis.call('RPUSH', pkey, m)
  return m
end
return false
`)

// New creates a new background runtime.
func New(rdb redis.UniversalClient, cfg Config) *Runtime {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	if cfg.CancelTTL <= 0 {
		cfg.CancelTTL = 24 * time.Hour
	}
	gmap := make(map[string]ikeys.Group, len(cfg.Groups))
	for _, g := range cfg.Groups {
		gmap[g] = ikeys.For(g)
	}
	lg := cfg.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Runtime{rdb: rdb, cfg: cfg, gmap: gmap, log: lg}
}

// Start launches the maintenance goroutines.
func (rt *Runtime) Start() {
	rt.mu.Lock()
	if rt.started {
		rt.log.Warnf("runtime already started; ignoring Start()")
		rt.mu.Unlock()
		return
	}
	rt.started = true
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.mu.Unlock()
	rt.log.Infof("runtime starting: groups=%d", len(rt.gmap))

	// Visibility reclaimer: move expired active back to pending atomically
	for g := range rt.gmap {
		rt.wg.Add(1)
		go func(group string) {
			defer rt.wg.Done()
			ticker := time.NewTicker(rt.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-rt.ctx.Done():
					return
				case <-ticker.C:
					if n := rt.ReclaimExpired(rt.ctx, group); n > 0 {
						rt.log.Warnf("reclaimer: requeued %d expired leases group=%s", n, group)
					}
				}
			}
		}(g)
	}

	// Cancel marker cleaner
	rt.wg.Add(1)
	go func() {
		defer rt.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-rt.ctx.Done():
				return
			case <-ticker.C:
				rt.PruneCancelled(rt.ctx)
			}
		}
	}()
}

// Stop cancels the internal context and waits for all goroutines to exit.
func (rt *Runtime) Stop() {
	rt.mu.Lock()
	if !rt.started {
		rt.log.Warnf("runtime not started; ignoring Stop()")
		rt.mu.Unlock()
		return
	}
	rt.started = false
	rt.mu.Unlock()
	rt.log.Infof("runtime stopping")

	rt.cancel()
	rt.wg.Wait()
}

// ReclaimExpired moves up to 256 expired leases of group back to the head of
// pending and returns how many were moved.
func (rt *Runtime) ReclaimExpired(ctx context.Context, group string) int {
	k, ok := rt.gmap[group]
	if !ok {
		k = ikeys.For(group)
	}
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	moved := 0
	for i := 0; i < 256; i++ {
		res, err := reclaimOneScript.Run(ctx, rt.rdb, []string{k.Active, k.Pending}, now).Result()
		if errors.Is(err, redis.Nil) || res == nil || res == false {
			break
		}
		if err != nil {
			rt.log.Warnf("reclaimer: script failed group=%s err=%v", group, err)
			break
		}
		moved++
	}
	return moved
}

// PruneCancelled drops cancel markers older than CancelTTL.
func (rt *Runtime) PruneCancelled(ctx context.Context) {
	maxScore := strconv.FormatInt(time.Now().Add(-rt.cfg.CancelTTL).UnixMilli(), 10)
	if err := rt.rdb.ZRemRangeByScore(ctx, ikeys.Cancelled, "-inf", maxScore).Err(); err != nil {
		rt.log.Warnf("cleaner: cancel markers sweep failed err=%v", err)
	}
}
