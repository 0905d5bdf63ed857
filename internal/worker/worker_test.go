package worker

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/datatask/internal/keys"
	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniClient(t *testing.T) (*redis.Client, func()) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cleanup := func() {
		_ = rdb.Close()
		s.Close()
	}
	return rdb, cleanup
}

func TestWorker_DequeueTask(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	g := keys.For("g")

	// empty
	got, err := DequeueTask(ctx, rdb, g, keys.Cancelled, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)

	require.NoError(t, Enqueue(ctx, rdb, g, "t1", []byte(`{"id":"t1"}`)))
	require.NoError(t, Enqueue(ctx, rdb, g, "t2", []byte(`{"id":"t2"}`)))

	// FIFO
	got, err = DequeueTask(ctx, rdb, g, keys.Cancelled, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "t1", got.ID)
	require.Equal(t, []byte(`{"id":"t1"}`), got.Raw)
	require.False(t, got.Cancelled)

	// verify in active with a future deadline
	score, err := rdb.ZScore(ctx, g.Active, "t1").Result()
	require.NoError(t, err)
	require.Greater(t, score, float64(time.Now().UnixMilli()))
}

func TestWorker_DequeueSkipsRemovedAndFlagsCancelled(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	g := keys.For("g")

	require.NoError(t, Enqueue(ctx, rdb, g, "gone", []byte(`{}`)))
	require.NoError(t, Enqueue(ctx, rdb, g, "stopped", []byte(`{}`)))
	// payload dropped without touching pending
	require.NoError(t, rdb.HDel(ctx, g.Payloads, "gone").Err())
	require.NoError(t, rdb.ZAdd(ctx, keys.Cancelled, redis.Z{Score: 1, Member: "stopped"}).Err())

	got, err := DequeueTask(ctx, rdb, g, keys.Cancelled, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "stopped", got.ID)
	require.True(t, got.Cancelled)

	n, err := rdb.ZCard(ctx, keys.Cancelled).Result()
	require.NoError(t, err)
	require.Zero(t, n, "cancel marker consumed")
}

func TestWorker_AckPushesEvent(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	g := keys.For("g")

	require.NoError(t, Enqueue(ctx, rdb, g, "t1", []byte(`{}`)))
	_, err := DequeueTask(ctx, rdb, g, keys.Cancelled, time.Minute)
	require.NoError(t, err)

	require.NoError(t, Ack(ctx, rdb, g, "t1", []byte(`{"type":"result"}`)))
	active, _ := rdb.ZCard(ctx, g.Active).Result()
	require.Zero(t, active)
	exists, _ := rdb.HExists(ctx, g.Payloads, "t1").Result()
	require.False(t, exists)
	ev, err := rdb.RPop(ctx, keys.Events).Result()
	require.NoError(t, err)
	require.Equal(t, `{"type":"result"}`, ev)
}

func TestWorker_Extend(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	g := keys.For("g")

	require.NoError(t, Enqueue(ctx, rdb, g, "t1", []byte(`{}`)))
	_, err := DequeueTask(ctx, rdb, g, keys.Cancelled, time.Second)
	require.NoError(t, err)
	before, _ := rdb.ZScore(ctx, g.Active, "t1").Result()

	require.NoError(t, Extend(ctx, rdb, g, "t1", time.Hour))
	after, _ := rdb.ZScore(ctx, g.Active, "t1").Result()
	require.Greater(t, after, before)

	// acked tasks are not resurrected
	require.NoError(t, Ack(ctx, rdb, g, "t1", nil))
	require.NoError(t, Extend(ctx, rdb, g, "t1", time.Hour))
	n, _ := rdb.ZCard(ctx, g.Active).Result()
	require.Zero(t, n)
}

func TestWorker_Remove(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	g := keys.For("g")

	require.NoError(t, Enqueue(ctx, rdb, g, "t1", []byte(`{}`)))
	ok, err := Remove(ctx, rdb, g, "t1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Remove(ctx, rdb, g, "t1")
	require.NoError(t, err)
	require.False(t, ok)

	got, err := DequeueTask(ctx, rdb, g, keys.Cancelled, time.Minute)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestWorker_SplitPathKeepsSemantics(t *testing.T) {
	rdb, done := newMiniClient(t)
	defer done()
	ctx := context.Background()
	g := keys.For("g")

	require.NoError(t, Enqueue(ctx, rdb, g, "t1", []byte(`{}`)))
	require.NoError(t, Enqueue(ctx, rdb, g, "t2", []byte(`{}`)))
	require.NoError(t, rdb.ZAdd(ctx, keys.Cancelled, redis.Z{Score: 1, Member: "t2"}).Err())

	got, err := dequeue(ctx, rdb, g, keys.Cancelled, time.Minute, true)
	require.NoError(t, err)
	require.Equal(t, "t1", got.ID)
	require.False(t, got.Cancelled)

	got, err = dequeue(ctx, rdb, g, keys.Cancelled, time.Minute, true)
	require.NoError(t, err)
	require.Equal(t, "t2", got.ID)
	require.True(t, got.Cancelled)
	n, _ := rdb.ZCard(ctx, keys.Cancelled).Result()
	require.Zero(t, n)

	require.NoError(t, ack(ctx, rdb, g, "t1", []byte(`{"type":"result"}`), true))
	_, err = rdb.ZScore(ctx, g.Active, "t1").Result()
	require.ErrorIs(t, err, redis.Nil)
	ev, err := rdb.RPop(ctx, keys.Events).Result()
	require.NoError(t, err)
	require.Equal(t, `{"type":"result"}`, ev)
}

func TestWorker_ClusterClientIsDetected(t *testing.T) {
	cc := redis.NewClusterClient(&redis.ClusterOptions{Addrs: []string{"127.0.0.1:1"}})
	defer cc.Close()
	require.True(t, clustered(cc))

	rdb, done := newMiniClient(t)
	defer done()
	require.False(t, clustered(rdb))
}
