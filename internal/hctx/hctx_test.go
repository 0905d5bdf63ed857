package hctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_NewAndWithFrom(t *testing.T) {
	var got []float64
	st := New("task", func(r float64) { got = append(got, r) })
	require.NotNil(t, st)

	ctx := WithState(context.Background(), st)
	found, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, found, "should retrieve the same pointer")

	found.Progress(0.5)
	require.Equal(t, []float64{0.5}, got)
	require.Equal(t, "task", found.Task)
}

func TestState_From_Absent(t *testing.T) {
	ctx := context.Background()
	st, ok := From(ctx)
	require.False(t, ok)
	require.Nil(t, st)
}
