// Package repotest holds the behaviour every datatask.Repository must share.
// Backend packages run it from their own tests.
package repotest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/UniQw/datatask"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// NewTask builds a task with deterministic fields for repository tests.
func NewTask(id string, createdAt int64, state datatask.State) *datatask.Task {
	return &datatask.Task{
		ID:         id,
		Name:       "org.example.IndexTask",
		User:       "alice",
		Group:      datatask.DefaultGroup,
		Args:       datatask.Args{"path": "/data/" + id, "depth": float64(2)},
		State:      state,
		MaxRetries: -1,
		CreatedAt:  createdAt,
	}
}

// Run executes the repository contract against repositories built by newRepo.
// Every call to newRepo must return an empty repository.
func Run(t *testing.T, newRepo func(t *testing.T) datatask.Repository) {
	t.Run("InsertGetRoundtrip", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		in := NewTask("a", 10, datatask.StateCreated)
		require.NoError(t, r.Insert(ctx, in))

		got, err := r.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, in, got)

		_, err = r.Get(ctx, "missing")
		require.ErrorIs(t, err, datatask.ErrTaskNotFound)
	})

	t.Run("DuplicateIDsRejectedEvenAfterClear", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		require.NoError(t, r.Insert(ctx, NewTask("a", 1, datatask.StateDone)))
		require.ErrorIs(t, r.Insert(ctx, NewTask("a", 2, datatask.StateCreated)), datatask.ErrDuplicateTask)

		cleared, err := r.ClearDone(ctx)
		require.NoError(t, err)
		require.Len(t, cleared, 1)
		require.ErrorIs(t, r.Insert(ctx, NewTask("a", 3, datatask.StateCreated)), datatask.ErrDuplicateTask)

		require.NoError(t, r.Insert(ctx, NewTask("b", 3, datatask.StateCreated)))
		_, err = r.Delete(ctx, "b")
		require.NoError(t, err)
		require.ErrorIs(t, r.Insert(ctx, NewTask("b", 4, datatask.StateCreated)), datatask.ErrDuplicateTask)
	})

	t.Run("SaveReplacesRecord", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		task := NewTask("a", 1, datatask.StateQueued)
		require.ErrorIs(t, r.Save(ctx, task), datatask.ErrTaskNotFound)
		require.NoError(t, r.Insert(ctx, task))

		task.State = datatask.StateDone
		task.Progress = 1
		task.Result = json.RawMessage(`{"docs":12}`)
		task.CompletedAt = 99
		require.NoError(t, r.Save(ctx, task))

		got, err := r.Get(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, datatask.StateDone, got.State)
		require.JSONEq(t, `{"docs":12}`, string(got.Result))
		require.Equal(t, int64(99), got.CompletedAt)
	})

	t.Run("ListFiltersAndOrders", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		a := NewTask("a", 30, datatask.StateRunning)
		b := NewTask("b", 10, datatask.StateDone)
		b.Name = "org.example.ScanTask"
		c := NewTask("c", 20, datatask.StateQueued)
		c.User = "bob"
		d := NewTask("d", 10, datatask.StateError)
		for _, task := range []*datatask.Task{a, b, c, d} {
			require.NoError(t, r.Insert(ctx, task))
		}

		all, err := r.List(ctx, datatask.TaskFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"b", "d", "c", "a"}, ids(all))

		got, err := r.List(ctx, datatask.TaskFilter{User: "alice", States: datatask.NonTerminalStates})
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, ids(got))

		got, err = r.List(ctx, datatask.TaskFilter{Name: "Scan"})
		require.NoError(t, err)
		require.Equal(t, []string{"b"}, ids(got))

		got, err = r.List(ctx, datatask.TaskFilter{States: datatask.TerminalStates})
		require.NoError(t, err)
		require.Equal(t, []string{"b", "d"}, ids(got))
	})

	t.Run("ClearDoneIsIdempotent", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		states := []datatask.State{datatask.StateDone, datatask.StateError, datatask.StateCancelled, datatask.StateRunning, datatask.StateQueued}
		for i, s := range states {
			require.NoError(t, r.Insert(ctx, NewTask(fmt.Sprintf("t%d", i), int64(i), s)))
		}
		first, err := r.ClearDone(ctx)
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"t0", "t1", "t2"}, ids(first))

		second, err := r.ClearDone(ctx)
		require.NoError(t, err)
		require.Empty(t, second)

		left, err := r.List(ctx, datatask.TaskFilter{})
		require.NoError(t, err)
		require.Equal(t, []string{"t3", "t4"}, ids(left))
	})

	t.Run("DeleteReturnsTask", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		require.NoError(t, r.Insert(ctx, NewTask("a", 1, datatask.StateDone)))
		got, err := r.Delete(ctx, "a")
		require.NoError(t, err)
		require.Equal(t, "a", got.ID)
		_, err = r.Delete(ctx, "a")
		require.ErrorIs(t, err, datatask.ErrTaskNotFound)
	})

	t.Run("ConcurrentSavesOfDifferentIDs", func(t *testing.T) {
		ctx := context.Background()
		r := newRepo(t)
		const n = 16
		for i := 0; i < n; i++ {
			require.NoError(t, r.Insert(ctx, NewTask(fmt.Sprintf("t%02d", i), int64(i), datatask.StateQueued)))
		}
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				task := NewTask(fmt.Sprintf("t%02d", i), int64(i), datatask.StateRunning)
				task.Progress = 0.5
				assert.NoError(t, r.Save(ctx, task))
			}(i)
		}
		wg.Wait()
		got, err := r.List(ctx, datatask.TaskFilter{States: []datatask.State{datatask.StateRunning}})
		require.NoError(t, err)
		require.Len(t, got, n)
	})
}

func ids(tasks []*datatask.Task) []string {
	out := make([]string, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.ID)
	}
	return out
}
