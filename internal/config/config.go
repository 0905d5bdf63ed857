// Package config loads the process configuration of the datatask command.
package config

import "time"

// Config holds all process configuration.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Store    StoreConfig    `mapstructure:"store"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Etcd     EtcdConfig     `mapstructure:"etcd"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Batch    BatchConfig    `mapstructure:"batch"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// BrokerConfig selects the transport.
type BrokerConfig struct {
	Kind string `mapstructure:"kind" validate:"required,oneof=memory redis asynq"`
}

// StoreConfig selects the repository.
type StoreConfig struct {
	Kind string `mapstructure:"kind" validate:"required,oneof=memory redis postgres etcd"`
	// Namespace isolates the records of several deployments sharing a store.
	Namespace string `mapstructure:"namespace"`
}

// RedisConfig is shared by the redis and asynq brokers and the redis store.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required,hostname_port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

// PostgresConfig is used by the postgres store.
type PostgresConfig struct {
	URL string `mapstructure:"url" validate:"omitempty,url"`
}

// EtcdConfig is used by the etcd store.
type EtcdConfig struct {
	Endpoints []string      `mapstructure:"endpoints"`
	Prefix    string        `mapstructure:"prefix"`
	Timeout   time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// WorkerConfig sizes the worker pool and the manager policy.
type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency" validate:"gt=0"`
	Group         string        `mapstructure:"group" validate:"required"`
	PollTimeout   time.Duration `mapstructure:"poll_timeout" validate:"gt=0"`
	VisibilityTTL time.Duration `mapstructure:"visibility_ttl" validate:"gt=0"`
	DisableRetry  bool          `mapstructure:"disable_retry"`
}

// BatchConfig holds the defaults of the batch formation task.
type BatchConfig struct {
	Size           int           `mapstructure:"size" validate:"gt=0"`
	ScrollSize     int           `mapstructure:"scroll_size" validate:"gt=0"`
	ScrollDuration time.Duration `mapstructure:"scroll_duration" validate:"gt=0"`
	Pipeline       string        `mapstructure:"pipeline" validate:"required"`
	Project        string        `mapstructure:"project" validate:"required"`
	MaxTextLength  int           `mapstructure:"max_text_length" validate:"gt=0"`
}
