package datatask

type options struct {
	id       string
	group    string
	maxRetry int
}

// Option is a function that configures a task during StartTask.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
// IDs are never reused: starting a task with an ID that was already used fails with ErrDuplicateTask.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// Group routes the task to the workers bound to group. Empty means DefaultGroup.
func Group(group string) Option {
	return func(o *options) {
		o.group = group
	}
}

// MaxRetry sets the maximum number of retry attempts for transient failures.
// Zero or negative disables retries (the default).
func MaxRetry(n int) Option {
	return func(o *options) {
		o.maxRetry = n
	}
}

func buildOptions(opts []Option) *options {
	cfg := &options{group: DefaultGroup, maxRetry: -1}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.group == "" {
		cfg.group = DefaultGroup
	}
	return cfg
}
