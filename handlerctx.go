package datatask

import (
	"context"

	"github.com/UniQw/datatask/internal/hctx"
)

// TaskFromContext returns the task being executed by the worker that owns ctx.
func TaskFromContext(ctx context.Context) (*Task, bool) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil, false
	}
	t, ok := st.Task.(*Task)
	return t, ok
}

// ReportProgress publishes the completion rate (clamped to 0..1) of the current task.
// It is a no-op if the context is not provided by a WorkerLoop.
func ReportProgress(ctx context.Context, rate float64) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil || st.Progress == nil {
		return
	}
	st.Progress(clampRate(rate))
}

func clampRate(rate float64) float64 {
	switch {
	case rate < 0 || rate != rate:
		return 0
	case rate > 1:
		return 1
	default:
		return rate
	}
}
