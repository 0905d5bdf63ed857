package datatask

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type indexError struct{ index string }

func (e *indexError) Error() string { return "index " + e.index + " unavailable" }

func TestTransient(t *testing.T) {
	base := errors.New("timeout")
	err := Transient(base)
	require.True(t, IsTransient(err))
	require.ErrorIs(t, err, base)
	require.True(t, IsTransient(fmt.Errorf("wrapped: %w", err)))
	require.False(t, IsTransient(base))
	require.Nil(t, Transient(nil))
}

func TestCancelled(t *testing.T) {
	err := Cancelled(true)
	require.ErrorIs(t, err, ErrCancelled)
	var ce *CancelledError
	require.ErrorAs(t, err, &ce)
	require.True(t, ce.Requeue)
}

func TestNewTaskError(t *testing.T) {
	require.Nil(t, NewTaskError(nil))

	te := NewTaskError(Transient(fmt.Errorf("scroll failed: %w", &indexError{index: "local"})))
	require.Equal(t, "*fmt.wrapError", te.Name)
	require.Equal(t, "scroll failed: index local unavailable", te.Message)
	require.Equal(t, "*datatask.indexError: index local unavailable", te.Cause)
	require.True(t, te.Transient)
	require.Contains(t, te.Error(), "scroll failed")
}
