package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment overrides, e.g. DATATASK_REDIS_ADDR.
const EnvPrefix = "DATATASK"

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("broker.kind", "redis")
	v.SetDefault("store.kind", "redis")
	v.SetDefault("store.namespace", "")
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("postgres.url", "")
	v.SetDefault("etcd.endpoints", []string{"127.0.0.1:2379"})
	v.SetDefault("etcd.prefix", "/datatask/")
	v.SetDefault("etcd.timeout", "5s")
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.group", "default")
	v.SetDefault("worker.poll_timeout", "60s")
	v.SetDefault("worker.visibility_ttl", "30s")
	v.SetDefault("worker.disable_retry", false)
	v.SetDefault("batch.size", 1024)
	v.SetDefault("batch.scroll_size", 1000)
	v.SetDefault("batch.scroll_duration", "60s")
	v.SetDefault("batch.pipeline", "CORENLP")
	v.SetDefault("batch.project", "local-datashare")
	v.SetDefault("batch.max_text_length", 1024*1024)
}

// Load reads the configuration from defaults, the optional file at path and
// DATATASK_ environment variables, in increasing precedence, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and the settings required by the
// selected broker and store.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("config: invalid: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: invalid: %w", err)
	}
	switch cfg.Store.Kind {
	case "postgres":
		if cfg.Postgres.URL == "" {
			return errors.New("config: invalid: postgres.url is required by the postgres store")
		}
	case "etcd":
		if len(cfg.Etcd.Endpoints) == 0 {
			return errors.New("config: invalid: etcd.endpoints is required by the etcd store")
		}
	}
	return nil
}
