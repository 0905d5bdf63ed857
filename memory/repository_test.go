package memory

import (
	"context"
	"testing"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/repotest"
	"github.com/stretchr/testify/require"
)

func TestRepository_Contract(t *testing.T) {
	repotest.Run(t, func(t *testing.T) datatask.Repository { return NewRepository() })
}

func TestRepository_CopiesRecords(t *testing.T) {
	ctx := context.Background()
	r := NewRepository()
	in := repotest.NewTask("a", 1, datatask.StateCreated)
	require.NoError(t, r.Insert(ctx, in))

	in.State = datatask.StateDone
	in.Args["path"] = "changed"
	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, datatask.StateCreated, got.State)
	require.Equal(t, "/data/a", got.Args["path"])
}
