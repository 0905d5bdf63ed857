package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/UniQw/datatask/internal/keys"
	"github.com/redis/go-redis/v9"
)

// Leased is a task taken from the pending list.
type Leased struct {
	ID  string
	Raw []byte
	// Cancelled is set when a cancel request was recorded for the id before
	// it was dequeued.
	Cancelled bool
}

// Atomic dequeue script: RPOP ids from pending until one still has a payload,
// ZADD it into active with the lease deadline and consume its cancel marker
// when the marker key is given.
var dequeueScript = redis.NewScript(
	// language=Lua
	`
	while true do
		local id = redis.call('RPOP', KEYS[1])
		if not id then return false end
		local raw = redis.call('HGET', KEYS[3], id)
		if raw then
			redis.call('ZADD', KEYS[2], ARGV[1], id)
			local c = 0
			if KEYS[4] then
				c = redis.call('ZREM', KEYS[4], id)
			end
			return {id, raw, c}
		end
	end
	`,
)

// clustered reports whether rdb spreads keys over hash slots. Group keys share
// the slot of their group tag; the events list and cancel markers live in
// their own slots, so operations touching both are split there.
func clustered(rdb redis.UniversalClient) bool {
	_, ok := rdb.(*redis.ClusterClient)
	return ok
}

// removeScript drops a task still waiting in pending.
var removeScript = redis.NewScript(
	// language=Lua
	`
	local n = redis.call('LREM', KEYS[1], 0, ARGV[1])
	if n > 0 then
		redis.call('HDEL', KEYS[2], ARGV[1])
		return 1
	end
	return 0
	`,
)

// Enqueue stores the payload and pushes the id to pending in one transaction.
func Enqueue(ctx context.Context, rdb redis.UniversalClient, k keys.Group, id string, raw []byte) error {
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k.Payloads, id, raw)
		p.LPush(ctx, k.Pending, id)
		return nil
	})
	return err
}

// DequeueTask atomically moves a task id from the Pending list to the Active
// ZSET and returns it with its payload, or nil when pending is empty.
func DequeueTask(ctx context.Context, rdb redis.UniversalClient, k keys.Group, cancelled string, ttl time.Duration) (*Leased, error) {
	return dequeue(ctx, rdb, k, cancelled, ttl, clustered(rdb))
}

func dequeue(ctx context.Context, rdb redis.UniversalClient, k keys.Group, cancelled string, ttl time.Duration, split bool) (*Leased, error) {
	deadline := time.Now().Add(ttl).UnixMilli()
	ks := []string{k.Pending, k.Active, k.Payloads}
	if !split {
		ks = append(ks, cancelled)
	}
	res, err := dequeueScript.Run(ctx, rdb, ks, strconv.FormatInt(deadline, 10)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	vals, ok := res.([]any)
	if !ok || len(vals) != 3 {
		return nil, nil
	}
	l := &Leased{}
	l.ID, _ = vals[0].(string)
	switch v := vals[1].(type) {
	case string:
		l.Raw = []byte(v)
	case []byte:
		l.Raw = v
	}
	if c, ok := vals[2].(int64); ok && c > 0 {
		l.Cancelled = true
	}
	if split {
		n, err := rdb.ZRem(ctx, cancelled, l.ID).Result()
		if err != nil {
			return nil, err
		}
		l.Cancelled = n > 0
	}
	return l, nil
}

// Extend pushes the lease deadline of an active task. It is a no-op when the
// task is no longer active.
func Extend(ctx context.Context, rdb redis.UniversalClient, k keys.Group, id string, ttl time.Duration) error {
	deadline := float64(time.Now().Add(ttl).UnixMilli())
	return rdb.ZAddXX(ctx, k.Active, redis.Z{Score: deadline, Member: id}).Err()
}

// Ack removes a task from the Active ZSET and its payload. When event is not
// nil it is pushed to the events list in the same transaction. On a cluster
// the event is pushed first, a failure in between leaves the task leased and
// it runs again after reclaim.
func Ack(ctx context.Context, rdb redis.UniversalClient, k keys.Group, id string, event []byte) error {
	return ack(ctx, rdb, k, id, event, clustered(rdb))
}

func ack(ctx context.Context, rdb redis.UniversalClient, k keys.Group, id string, event []byte, split bool) error {
	if split && event != nil {
		if err := rdb.LPush(ctx, keys.Events, event).Err(); err != nil {
			return err
		}
		event = nil
	}
	_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k.Active, id)
		p.HDel(ctx, k.Payloads, id)
		if event != nil {
			p.LPush(ctx, keys.Events, event)
		}
		return nil
	})
	return err
}

// Remove drops a task that is still pending and reports whether it was found.
func Remove(ctx context.Context, rdb redis.UniversalClient, k keys.Group, id string) (bool, error) {
	n, err := removeScript.Run(ctx, rdb, []string{k.Pending, k.Payloads}, id).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
