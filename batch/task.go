package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/UniQw/datatask"
)

// Arguments of the CreateBatchesTaskName task.
const (
	ArgBatchSize      = "batchSize"
	ArgScrollSize     = "scrollSize"
	ArgScrollDuration = "scrollDuration"
	ArgProject        = "defaultProject"
	ArgPipeline       = "nlpPipeline"
	ArgMaxTextLength  = "maxTextLength"
)

// ConfigFromArgs reads a Config from task arguments, falling back to the
// package defaults.
func ConfigFromArgs(args datatask.Args) (Config, error) {
	return Config{}.WithArgs(args)
}

// WithArgs returns c overridden by the task arguments. Numbers may be given
// as JSON numbers or strings, the scroll duration as a Go duration ("60s", "5m").
func (c Config) WithArgs(args datatask.Args) (Config, error) {
	c.setDefaults()
	c.BatchSize = args.Int(ArgBatchSize, c.BatchSize)
	c.ScrollSize = args.Int(ArgScrollSize, c.ScrollSize)
	c.Project = args.String(ArgProject, c.Project)
	c.Pipeline = args.String(ArgPipeline, c.Pipeline)
	c.MaxTextLength = args.Int(ArgMaxTextLength, c.MaxTextLength)
	if raw := args.String(ArgScrollDuration, ""); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("batch: invalid %s %q: %w", ArgScrollDuration, raw, err)
		}
		c.ScrollDuration = d
	}
	return c, nil
}

// Register exposes the engine as the CreateBatchesTaskName task. base holds
// the settings used when a task argument is absent. Batches are submitted
// through starter on behalf of the user of the running task.
func Register(reg *datatask.Registry, idx Index, starter Starter, base Config) {
	reg.Register(CreateBatchesTaskName, func(t *datatask.Task, _ datatask.Progress) (datatask.Executable, error) {
		cfg, err := base.WithArgs(t.Args)
		if err != nil {
			return nil, err
		}
		cfg.User = t.User
		f := NewFormer(idx, starter, cfg)
		return datatask.ExecutableFunc(func(ctx context.Context) (any, error) {
			return f.Run(ctx)
		}), nil
	})
}
