package redisq

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/keys"
	"github.com/UniQw/datatask/internal/repotest"
	"github.com/UniQw/datatask/internal/transporttest"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) *redis.Client {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func newTransport(t *testing.T, rdb redis.UniversalClient, cfg Config) *Transport {
	t.Helper()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = datatask.NopLogger
	}
	tr, err := NewTransport(context.Background(), rdb, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func TestRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) datatask.Repository {
		return NewRepository(newMini(t), "")
	})
}

func TestRepository_NamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	rdb := newMini(t)
	a := NewRepository(rdb, "a")
	b := NewRepository(rdb, "b")
	require.NoError(t, a.Insert(ctx, repotest.NewTask("t1", 1, datatask.StateQueued)))
	require.NoError(t, b.Insert(ctx, repotest.NewTask("t1", 1, datatask.StateQueued)))
	_, err := b.Get(ctx, "t1")
	require.NoError(t, err)
}

func TestTransport_Contract(t *testing.T) {
	transporttest.Run(t, func(t *testing.T) transporttest.Factory {
		rdb := newMini(t)
		return func(group string) datatask.Transport {
			return newTransport(t, rdb, Config{Group: group})
		}
	})
}

func TestTransport_ExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	rdb := newMini(t)
	crashed := newTransport(t, rdb, Config{VisibilityTTL: 100 * time.Millisecond})
	healthy := newTransport(t, rdb, Config{VisibilityTTL: time.Minute, Maintenance: true})

	require.NoError(t, crashed.Enqueue(ctx, &datatask.Task{ID: "t1", Name: "echo", Group: datatask.DefaultGroup}))
	got, err := crashed.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	// the first worker dies without reporting back, taking its heartbeat along
	require.NoError(t, crashed.Close())

	again, err := healthy.Dequeue(ctx, 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, again, "lease should expire and the task be handed out again")
	require.Equal(t, "t1", again.ID)
}

func TestTransport_ProgressExtendsLease(t *testing.T) {
	ctx := context.Background()
	rdb := newMini(t)
	tr := newTransport(t, rdb, Config{VisibilityTTL: time.Hour})
	k := keys.For(datatask.DefaultGroup)

	require.NoError(t, tr.Enqueue(ctx, &datatask.Task{ID: "t1", Name: "echo", Group: datatask.DefaultGroup}))
	_, err := tr.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, rdb.ZAdd(ctx, k.Active, redis.Z{Score: 1, Member: "t1"}).Err())

	require.NoError(t, tr.Publish(ctx, datatask.ProgressEvent("t1", 0.3)))
	score, err := rdb.ZScore(ctx, k.Active, "t1").Result()
	require.NoError(t, err)
	require.Greater(t, score, float64(time.Now().UnixMilli()))

	require.NoError(t, tr.Publish(ctx, datatask.ResultEvent("t1", nil)))
	n, _ := rdb.ZCard(ctx, k.Active).Result()
	require.Zero(t, n, "terminal event acks the lease")
	left, _ := rdb.HLen(ctx, k.Payloads).Result()
	require.Zero(t, left)
}

func TestTransport_SlowTaskKeepsItsLease(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb := newMini(t)

	var runs, running, peak atomic.Int32
	reg := datatask.NewRegistry()
	reg.HandleFunc("slow", func(ctx context.Context, task *datatask.Task) (any, error) {
		runs.Add(1)
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		// several lease periods without a single progress report
		select {
		case <-time.After(1500 * time.Millisecond):
		case <-ctx.Done():
		}
		return nil, nil
	})

	trs := make([]*Transport, 2)
	for i := range trs {
		trs[i] = newTransport(t, rdb, Config{VisibilityTTL: 300 * time.Millisecond, Maintenance: true})
		pool := datatask.NewPool(reg, trs[i], datatask.PoolConfig{
			Concurrency: 1,
			Worker:      datatask.WorkerConfig{PollTimeout: 50 * time.Millisecond},
			Logger:      datatask.NopLogger,
		})
		pool.Start(ctx)
		defer pool.Stop()
	}

	require.NoError(t, trs[0].Enqueue(ctx, &datatask.Task{ID: "t1", Name: "slow", Group: datatask.DefaultGroup}))
	require.Eventually(t, func() bool {
		n, _ := rdb.LLen(ctx, keys.Events).Result()
		return n == 1
	}, 5*time.Second, 20*time.Millisecond)

	// give a wrongly reclaimed copy the chance to show up
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int32(1), peak.Load())
	assert.Zero(t, trs[0].held()+trs[1].held(), "terminal event stops the heartbeat")
	k := keys.For(datatask.DefaultGroup)
	n, _ := rdb.ZCard(ctx, k.Active).Result()
	assert.Zero(t, n)
}

func TestTransport_CancelledWhilePendingIsReplayed(t *testing.T) {
	ctx := context.Background()
	rdb := newMini(t)
	mgr := newTransport(t, rdb, Config{})
	wrk := newTransport(t, rdb, Config{})

	var mu sync.Mutex
	var got []datatask.CancelRequest
	wrk.OnCancel(func(r datatask.CancelRequest) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	})

	require.NoError(t, mgr.Enqueue(ctx, &datatask.Task{ID: "t1", Name: "echo", Group: datatask.DefaultGroup}))
	require.NoError(t, mgr.RequestCancel(ctx, datatask.CancelRequest{TaskID: "t1"}))
	// wait for the broadcast so the replay is the only delivery left
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 5*time.Millisecond)

	task, err := wrk.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, task)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[1].TaskID)
}

func TestBus_MalformedEventsAreDropped(t *testing.T) {
	rdb := newMini(t)
	bus, err := NewBus(context.Background(), rdb, BusConfig{PopTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rdb.LPush(ctx, keys.Events, "{not json").Err())
	require.NoError(t, bus.Publish(ctx, datatask.ResultEvent("ok", nil)))

	var delivered atomic.Int32
	go func() {
		_ = bus.Events(ctx, func(e datatask.Event) error {
			if e.TaskID == "ok" {
				delivered.Add(1)
			}
			return nil
		})
	}()
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, err := bus.Pending(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBus_EventsLeftInProcessingAreRecovered(t *testing.T) {
	rdb := newMini(t)
	bus, err := NewBus(context.Background(), rdb, BusConfig{PopTimeout: 50 * time.Millisecond})
	require.NoError(t, err)
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// a previous manager died while handling these
	for _, id := range []string{"old", "older"} {
		raw, err := datatask.EncodeEvent(datatask.ResultEvent(id, nil))
		require.NoError(t, err)
		require.NoError(t, rdb.RPush(ctx, keys.EventsProcessing, raw).Err())
	}

	var mu sync.Mutex
	var got []string
	go func() {
		_ = bus.Events(ctx, func(e datatask.Event) error {
			mu.Lock()
			got = append(got, e.TaskID)
			mu.Unlock()
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"older", "old"}, got)
	mu.Unlock()
	require.Eventually(t, func() bool {
		n, err := bus.Pending(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBus_OnlyPlainCancelLeavesMarker(t *testing.T) {
	ctx := context.Background()
	rdb := newMini(t)
	bus, err := NewBus(ctx, rdb, BusConfig{})
	require.NoError(t, err)
	defer bus.Close()

	require.NoError(t, bus.RequestCancel(ctx, datatask.CancelRequest{TaskID: "requeued", Requeue: true}))
	require.NoError(t, bus.RequestCancel(ctx, datatask.CancelRequest{}))
	n, err := rdb.ZCard(ctx, keys.Cancelled).Result()
	require.NoError(t, err)
	require.Zero(t, n, "a requeued task must not be cancelled when it is dequeued again")

	require.NoError(t, bus.RequestCancel(ctx, datatask.CancelRequest{TaskID: "stopped"}))
	ok, err := bus.TakeCancelled(ctx, "stopped")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedis_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rdb := newMini(t)

	repo := NewRepository(rdb, "")
	mgrTr := newTransport(t, rdb, Config{})
	mgr := datatask.NewManager(repo, mgrTr, datatask.ManagerConfig{Logger: datatask.NopLogger})
	go func() { _ = mgr.Run(ctx) }()

	reg := datatask.NewRegistry()
	reg.HandleFunc("upper", func(ctx context.Context, task *datatask.Task) (any, error) {
		datatask.ReportProgress(ctx, 0.5)
		return map[string]string{"out": task.Args.String("in", "") + "!"}, nil
	})
	wrkTr := newTransport(t, rdb, Config{Maintenance: true})
	pool := datatask.NewPool(reg, wrkTr, datatask.PoolConfig{
		Concurrency: 2,
		Worker:      datatask.WorkerConfig{PollTimeout: 100 * time.Millisecond},
		Logger:      datatask.NopLogger,
	})
	pool.Start(ctx)
	defer pool.Stop()

	id, err := mgr.StartTask(ctx, "upper", "alice", datatask.Args{"in": "hello"})
	require.NoError(t, err)
	missing, err := mgr.StartTask(ctx, "missing", "alice", nil)
	require.NoError(t, err)

	wctx, wcancel := context.WithTimeout(ctx, 10*time.Second)
	defer wcancel()
	tasks, err := mgr.WaitTasksDone(wctx, 20*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	got, err := mgr.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, datatask.StateDone, got.State)
	assert.JSONEq(t, `{"out":"hello!"}`, string(got.Result))

	failed, err := mgr.GetTask(ctx, missing)
	require.NoError(t, err)
	assert.Equal(t, datatask.StateError, failed.State)
}
