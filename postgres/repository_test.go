package postgres

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/repotest"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

var schemaSeq atomic.Int64

// newPool connects to DATATASK_TEST_POSTGRES_URL inside a fresh schema that
// is dropped when the test ends.
func newPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("DATATASK_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("DATATASK_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	schema := fmt.Sprintf("datatask_test_%d_%d", time.Now().UnixNano(), schemaSeq.Add(1))
	admin, err := pgx.Connect(ctx, url)
	require.NoError(t, err)
	_, err = admin.Exec(ctx, "CREATE SCHEMA "+schema)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = admin.Exec(context.Background(), "DROP SCHEMA "+schema+" CASCADE")
		_ = admin.Close(context.Background())
	})

	cfg, err := pgxpool.ParseConfig(url)
	require.NoError(t, err)
	cfg.ConnConfig.RuntimeParams["search_path"] = schema
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, Migrate(ctx, pool, datatask.NopLogger))
	return pool
}

func TestRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) datatask.Repository {
		return NewRepository(newPool(t))
	})
}

func TestMigrate_IsIdempotent(t *testing.T) {
	pool := newPool(t)
	require.NoError(t, Migrate(context.Background(), pool, datatask.NopLogger))
}

func TestRepository_ListAppliesNameRegexp(t *testing.T) {
	ctx := context.Background()
	r := NewRepository(newPool(t))
	a := repotest.NewTask("a", 1, datatask.StateQueued)
	a.Name = "org.icij.datashare.tasks.BatchNlpTask"
	b := repotest.NewTask("b", 2, datatask.StateQueued)
	b.Name = "org.icij.datashare.tasks.IndexTask"
	require.NoError(t, r.Insert(ctx, a))
	require.NoError(t, r.Insert(ctx, b))

	got, err := r.List(ctx, datatask.TaskFilter{Name: "Nlp"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "a", got[0].ID)

	_, err = r.List(ctx, datatask.TaskFilter{Name: "("})
	require.Error(t, err)
}
