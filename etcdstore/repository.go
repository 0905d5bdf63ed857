// Package etcdstore implements the datatask Repository on etcd.
//
// A task is stored as JSON under "<prefix>tasks/<id>". Every inserted id also
// gets a marker under "<prefix>ids/<id>" that is never deleted, so ids are
// not reused.
package etcdstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/UniQw/datatask"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Repository is a datatask.Repository on etcd.
type Repository struct {
	client  *clientv3.Client
	prefix  string
	timeout time.Duration
	owned   bool
}

var _ datatask.Repository = (*Repository)(nil)

// New returns a Repository using client. Keys are written below prefix and
// every operation is bounded by timeout (5s when zero).
func New(client *clientv3.Client, prefix string, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Repository{client: client, prefix: prefix, timeout: timeout}
}

// Open connects to the etcd cluster at endpoints.
func Open(endpoints []string, prefix string, timeout time.Duration) (*Repository, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcdstore: connect: %w", err)
	}
	r := New(cli, prefix, timeout)
	r.owned = true
	return r, nil
}

// Close releases the client when it was created by Open.
func (r *Repository) Close() error {
	if !r.owned {
		return nil
	}
	return r.client.Close()
}

func (r *Repository) taskKey(id string) string { return r.prefix + "tasks/" + id }
func (r *Repository) idKey(id string) string   { return r.prefix + "ids/" + id }

// Insert writes the id marker and the record in one transaction that only
// succeeds if the marker never existed.
func (r *Repository) Insert(ctx context.Context, t *datatask.Task) error {
	raw, err := datatask.EncodeTask(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(r.idKey(t.ID)), "=", 0)).
		Then(
			clientv3.OpPut(r.idKey(t.ID), ""),
			clientv3.OpPut(r.taskKey(t.ID), string(raw)),
		).
		Commit()
	if err != nil {
		return fmt.Errorf("etcdstore: insert %s: %w", t.ID, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", datatask.ErrDuplicateTask, t.ID)
	}
	return nil
}

func (r *Repository) Save(ctx context.Context, t *datatask.Task) error {
	raw, err := datatask.EncodeTask(t)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	key := r.taskKey(t.ID)
	resp, err := r.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), ">", 0)).
		Then(clientv3.OpPut(key, string(raw))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcdstore: save %s: %w", t.ID, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%w: %s", datatask.ErrTaskNotFound, t.ID)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*datatask.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.taskKey(id))
	if err != nil {
		return nil, fmt.Errorf("etcdstore: get %s: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, fmt.Errorf("%w: %s", datatask.ErrTaskNotFound, id)
	}
	return datatask.DecodeTask(resp.Kvs[0].Value)
}

func (r *Repository) List(ctx context.Context, f datatask.TaskFilter) ([]*datatask.Task, error) {
	match, err := f.Matcher()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.prefix+"tasks/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcdstore: list: %w", err)
	}
	var out []*datatask.Task
	for _, kv := range resp.Kvs {
		t, err := datatask.DecodeTask(kv.Value)
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
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Delete(ctx, r.taskKey(id), clientv3.WithPrevKV())
	if err != nil {
		return nil, fmt.Errorf("etcdstore: delete %s: %w", id, err)
	}
	if len(resp.PrevKvs) == 0 {
		return nil, fmt.Errorf("%w: %s", datatask.ErrTaskNotFound, id)
	}
	return datatask.DecodeTask(resp.PrevKvs[0].Value)
}

// ClearDone deletes every terminal record guarded by the revision it was
// read at, so concurrent calls never return the same task twice.
func (r *Repository) ClearDone(ctx context.Context) ([]*datatask.Task, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, r.prefix+"tasks/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("etcdstore: clear: %w", err)
	}
	var out []*datatask.Task
	for _, kv := range resp.Kvs {
		t, err := datatask.DecodeTask(kv.Value)
		if err != nil {
			return nil, err
		}
		if !t.State.Terminal() {
			continue
		}
		key := string(kv.Key)
		txn, err := r.client.Txn(ctx).
			If(clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)).
			Then(clientv3.OpDelete(key)).
			Commit()
		if err != nil {
			return out, fmt.Errorf("etcdstore: clear %s: %w", t.ID, err)
		}
		if txn.Succeeded {
			out = append(out, t)
		}
	}
	datatask.SortTasks(out)
	return out, nil
}
