// Package transporttest holds the behaviour every datatask.Transport must share.
// Backend packages run it from their own tests.
package transporttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/UniQw/datatask"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns transports bound to group that share one backend.
type Factory func(group string) datatask.Transport

// Run executes the transport contract. newBackend must return a fresh,
// empty backend on every call.
func Run(t *testing.T, newBackend func(t *testing.T) Factory) {
	t.Run("EnqueueDequeue", func(t *testing.T) {
		ctx := context.Background()
		tr := newBackend(t)(datatask.DefaultGroup)
		in := &datatask.Task{
			ID:         "t1",
			Name:       "echo",
			User:       "alice",
			Group:      datatask.DefaultGroup,
			Args:       datatask.Args{"msg": "hi"},
			State:      datatask.StateQueued,
			MaxRetries: 2,
			CreatedAt:  42,
		}
		require.NoError(t, tr.Enqueue(ctx, in))
		got, err := tr.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, in.ID, got.ID)
		require.Equal(t, in.Name, got.Name)
		require.Equal(t, in.User, got.User)
		require.Equal(t, in.Args, got.Args)
		require.Equal(t, in.MaxRetries, got.MaxRetries)
	})

	t.Run("DequeueTimeout", func(t *testing.T) {
		tr := newBackend(t)(datatask.DefaultGroup)
		start := time.Now()
		got, err := tr.Dequeue(context.Background(), 200*time.Millisecond)
		require.NoError(t, err)
		require.Nil(t, got)
		require.Less(t, time.Since(start), 5*time.Second)
	})

	t.Run("Poison", func(t *testing.T) {
		ctx := context.Background()
		tr := newBackend(t)(datatask.DefaultGroup)
		require.NoError(t, tr.Enqueue(ctx, datatask.PoisonTask(datatask.DefaultGroup)))
		_, err := tr.Dequeue(ctx, time.Second)
		require.ErrorIs(t, err, datatask.ErrPoison)
	})

	t.Run("RemoveQueued", func(t *testing.T) {
		ctx := context.Background()
		tr := newBackend(t)(datatask.DefaultGroup)
		a := &datatask.Task{ID: "a", Name: "echo", Group: datatask.DefaultGroup, State: datatask.StateQueued}
		b := &datatask.Task{ID: "b", Name: "echo", Group: datatask.DefaultGroup, State: datatask.StateQueued}
		require.NoError(t, tr.Enqueue(ctx, a))
		require.NoError(t, tr.Enqueue(ctx, b))

		removed, err := tr.Remove(ctx, a)
		require.NoError(t, err)
		require.True(t, removed)

		got, err := tr.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "b", got.ID)

		removed, err = tr.Remove(ctx, b)
		require.NoError(t, err)
		require.False(t, removed, "dequeued tasks cannot be removed")
	})

	t.Run("GroupsAreIsolated", func(t *testing.T) {
		ctx := context.Background()
		factory := newBackend(t)
		def := factory(datatask.DefaultGroup)
		nlp := factory("nlp-corenlp")
		require.NoError(t, def.Enqueue(ctx, &datatask.Task{ID: "n1", Name: "nlp", Group: "nlp-corenlp", State: datatask.StateQueued}))

		got, err := def.Dequeue(ctx, 200*time.Millisecond)
		require.NoError(t, err)
		require.Nil(t, got)

		got, err = nlp.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, "n1", got.ID)
	})

	t.Run("EventsDelivered", func(t *testing.T) {
		tr := newBackend(t)(datatask.DefaultGroup)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		var got []datatask.Event
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = tr.Events(ctx, func(e datatask.Event) error {
				mu.Lock()
				got = append(got, e)
				mu.Unlock()
				return nil
			})
		}()

		require.NoError(t, tr.Publish(ctx, datatask.ResultEvent("t1", []byte(`"ok"`))))
		require.NoError(t, tr.Publish(ctx, datatask.CancelledEvent("t2", true)))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 2
		}, 5*time.Second, 10*time.Millisecond)

		mu.Lock()
		byID := map[string]datatask.Event{}
		for _, e := range got {
			byID[e.TaskID] = e
		}
		mu.Unlock()
		require.Equal(t, datatask.EventResult, byID["t1"].Type)
		require.JSONEq(t, `"ok"`, string(byID["t1"].Result))
		require.True(t, byID["t2"].Requeue)

		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("Events did not return after cancel")
		}
	})

	t.Run("CancelRequestsReachSubscribers", func(t *testing.T) {
		factory := newBackend(t)
		manager := factory(datatask.DefaultGroup)
		worker := factory(datatask.DefaultGroup)

		var mu sync.Mutex
		var got []datatask.CancelRequest
		worker.OnCancel(func(r datatask.CancelRequest) {
			mu.Lock()
			got = append(got, r)
			mu.Unlock()
		})
		require.NoError(t, manager.RequestCancel(context.Background(), datatask.CancelRequest{TaskID: "t1", Requeue: true}))
		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(got) == 1
		}, 5*time.Second, 10*time.Millisecond)
		mu.Lock()
		require.Equal(t, datatask.CancelRequest{TaskID: "t1", Requeue: true}, got[0])
		mu.Unlock()
	})

	t.Run("RejectedTerminalEventIsRedelivered", func(t *testing.T) {
		tr := newBackend(t)(datatask.DefaultGroup)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var calls atomic.Int32
		go func() {
			_ = tr.Events(ctx, func(e datatask.Event) error {
				if e.TaskID != "t1" {
					return nil
				}
				if calls.Add(1) == 1 {
					return errors.New("repository unavailable")
				}
				return nil
			})
		}()

		require.NoError(t, tr.Publish(ctx, datatask.ResultEvent("t1", nil)))
		require.Eventually(t, func() bool { return calls.Load() == 2 }, 5*time.Second, 10*time.Millisecond)
		time.Sleep(300 * time.Millisecond)
		require.Equal(t, int32(2), calls.Load(), "accepted event is not delivered again")
	})

	t.Run("SingleDeliveryAcrossConsumers", func(t *testing.T) {
		ctx := context.Background()
		factory := newBackend(t)
		producer := factory(datatask.DefaultGroup)
		const tasks, consumers = 40, 4
		for i := 0; i < tasks; i++ {
			require.NoError(t, producer.Enqueue(ctx, &datatask.Task{ID: fmt.Sprintf("t%02d", i), Name: "echo", Group: datatask.DefaultGroup, State: datatask.StateQueued}))
		}

		var mu sync.Mutex
		seen := map[string]int{}
		var wg sync.WaitGroup
		for c := 0; c < consumers; c++ {
			tr := factory(datatask.DefaultGroup)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					got, err := tr.Dequeue(ctx, 300*time.Millisecond)
					if !assert.NoError(t, err) || got == nil {
						return
					}
					mu.Lock()
					seen[got.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		require.Len(t, seen, tasks)
		for id, n := range seen {
			require.Equal(t, 1, n, "task %s delivered %d times", id, n)
		}
	})
}
