package redisq

import (
	"context"
	"errors"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/keys"
	"github.com/redis/go-redis/v9"
)

// insertScript reserves the id forever and stores the record.
var insertScript = redis.NewScript(`
if redis.call('SADD', KEYS[3], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// saveScript replaces an existing record.
var saveScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

// deleteScript removes one record and returns it.
var deleteScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], ARGV[1])
if not v then return false end
redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return v
`)

// clearScript removes every record whose state is one of ARGV and returns them.
var clearScript = redis.NewScript(`
local terminal = {}
for i = 1, #ARGV do terminal[ARGV[i]] = true end
local states = redis.call('HGETALL', KEYS[2])
local out = {}
for i = 1, #states, 2 do
  local id, st = states[i], states[i + 1]
  if terminal[st] then
    local v = redis.call('HGET', KEYS[1], id)
    if v then table.insert(out, v) end
    redis.call('HDEL', KEYS[1], id)
    redis.call('HDEL', KEYS[2], id)
  end
end
return out
`)

// Repository stores tasks in Redis hashes.
type Repository struct {
	rdb redis.UniversalClient
	k   keys.Repo
}

var _ datatask.Repository = (*Repository)(nil)

// NewRepository creates a Repository under namespace ("" is the default namespace).
func NewRepository(rdb redis.UniversalClient, namespace string) *Repository {
	return &Repository{rdb: rdb, k: keys.ForRepo(namespace)}
}

func (r *Repository) scriptKeys() []string { return []string{r.k.Tasks, r.k.States, r.k.IDs} }

func (r *Repository) Insert(ctx context.Context, t *datatask.Task) error {
	raw, err := datatask.EncodeTask(t)
	if err != nil {
		return err
	}
	ok, err := insertScript.Run(ctx, r.rdb, r.scriptKeys(), t.ID, raw, string(t.State)).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return datatask.ErrDuplicateTask
	}
	return nil
}

func (r *Repository) Save(ctx context.Context, t *datatask.Task) error {
	raw, err := datatask.EncodeTask(t)
	if err != nil {
		return err
	}
	ok, err := saveScript.Run(ctx, r.rdb, r.scriptKeys(), t.ID, raw, string(t.State)).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return datatask.ErrTaskNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*datatask.Task, error) {
	raw, err := r.rdb.HGet(ctx, r.k.Tasks, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, datatask.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return datatask.DecodeTask(raw)
}

func (r *Repository) List(ctx context.Context, f datatask.TaskFilter) ([]*datatask.Task, error) {
	match, err := f.Matcher()
	if err != nil {
		return nil, err
	}
	vals, err := r.rdb.HVals(ctx, r.k.Tasks).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*datatask.Task, 0, len(vals))
	for _, v := range vals {
		t, err := datatask.DecodeTask([]byte(v))
		if err != nil {
			return nil, err
		}
		if match(t) {
			out = append(out, t)
		}
	}
	datatask.SortTasks(out)
	return out, nil
}

func (r *Repository) Delete(ctx context.Context, id string) (*datatask.Task, error) {
	raw, err := deleteScript.Run(ctx, r.rdb, r.scriptKeys(), id).Text()
	if errors.Is(err, redis.Nil) {
		return nil, datatask.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return datatask.DecodeTask([]byte(raw))
}

func (r *Repository) ClearDone(ctx context.Context) ([]*datatask.Task, error) {
	args := make([]any, 0, len(datatask.TerminalStates))
	for _, s := range datatask.TerminalStates {
		args = append(args, string(s))
	}
	vals, err := clearScript.Run(ctx, r.rdb, r.scriptKeys(), args...).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]*datatask.Task, 0, len(vals))
	for _, v := range vals {
		t, err := datatask.DecodeTask([]byte(v))
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	datatask.SortTasks(out)
	return out, nil
}
