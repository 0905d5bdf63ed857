package memory

import (
	"context"
	"testing"
	"time"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/internal/transporttest"
	"github.com/stretchr/testify/require"
)

func TestTransport_Contract(t *testing.T) {
	transporttest.Run(t, func(t *testing.T) transporttest.Factory {
		tr := NewTransport(TransportConfig{})
		t.Cleanup(func() { _ = tr.Close() })
		return tr.ForGroup
	})
}

func TestTransport_QueueFull(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(TransportConfig{Capacity: 1})
	defer tr.Close()

	require.NoError(t, tr.Enqueue(ctx, &datatask.Task{ID: "a", Group: datatask.DefaultGroup}))
	require.ErrorIs(t, tr.Enqueue(ctx, &datatask.Task{ID: "b", Group: datatask.DefaultGroup}), datatask.ErrQueueFull)
}

func TestTransport_Closed(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(TransportConfig{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	require.ErrorIs(t, tr.Enqueue(ctx, &datatask.Task{ID: "a"}), datatask.ErrQueueClosed)
	_, err := tr.Dequeue(ctx, time.Second)
	require.ErrorIs(t, err, datatask.ErrQueueClosed)
	require.ErrorIs(t, tr.Publish(ctx, datatask.ResultEvent("a", nil)), datatask.ErrQueueClosed)
}

func TestTransport_ProgressDroppedWhenFull(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport(TransportConfig{Capacity: 1})
	defer tr.Close()

	require.NoError(t, tr.Publish(ctx, datatask.ProgressEvent("a", 0.1)))
	require.NoError(t, tr.Publish(ctx, datatask.ProgressEvent("a", 0.2)), "progress never blocks")

	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tr.Publish(short, datatask.ResultEvent("a", nil)), context.DeadlineExceeded)
}
