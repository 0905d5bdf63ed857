package etcdstore

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/repotest"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
)

var prefixSeq atomic.Int64

func newClient(t *testing.T) *clientv3.Client {
	t.Helper()
	endpoints := os.Getenv("DATATASK_TEST_ETCD_ENDPOINTS")
	if endpoints == "" {
		t.Skip("DATATASK_TEST_ETCD_ENDPOINTS not set")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   strings.Split(endpoints, ","),
		DialTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

// newRepo returns a repository under a prefix of its own, removed at cleanup.
func newRepo(t *testing.T) *Repository {
	t.Helper()
	cli := newClient(t)
	prefix := fmt.Sprintf("/datatask-test/%d-%d/", time.Now().UnixNano(), prefixSeq.Add(1))
	t.Cleanup(func() {
		_, _ = cli.Delete(context.Background(), prefix, clientv3.WithPrefix())
	})
	return New(cli, prefix, 5*time.Second)
}

func TestRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) datatask.Repository { return newRepo(t) })
}

func TestRepository_KeyLayout(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	require.NoError(t, r.Insert(ctx, repotest.NewTask("t1", 1, datatask.StateQueued)))

	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	require.NoError(t, err)
	var got []string
	for _, kv := range resp.Kvs {
		got = append(got, strings.TrimPrefix(string(kv.Key), r.prefix))
	}
	require.ElementsMatch(t, []string{"ids/t1", "tasks/t1"}, got)
}

func TestNew_NormalizesPrefix(t *testing.T) {
	r := New(nil, "/datatask", 0)
	require.Equal(t, "/datatask/tasks/a", r.taskKey("a"))
	require.Equal(t, "/datatask/ids/a", r.idKey("a"))
	require.Equal(t, 5*time.Second, r.timeout)
}
