package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/asynqq"
	"github.com/UniQw/datatask/etcdstore"
	"github.com/UniQw/datatask/internal/config"
	"github.com/UniQw/datatask/internal/logging"
	"github.com/UniQw/datatask/memory"
	"github.com/UniQw/datatask/postgres"
	"github.com/UniQw/datatask/redisq"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// env holds the backends of one command invocation.
type env struct {
	cfg  *config.Config
	slog *slog.Logger
	log  datatask.Logger

	rdb     redis.UniversalClient
	closers []func() error
}

func setup(general optsGeneral) (*env, error) {
	cfg, err := config.Load(general.Config)
	if err != nil {
		return nil, err
	}
	l, err := logging.Setup(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, slog: l, log: datatask.NewSlogLogger(l)}, nil
}

func (e *env) redis() redis.UniversalClient {
	if e.rdb == nil {
		e.rdb = redis.NewClient(&redis.Options{
			Addr:     e.cfg.Redis.Addr,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		})
		e.closers = append(e.closers, e.rdb.Close)
	}
	return e.rdb
}

func (e *env) repository(ctx context.Context) (datatask.Repository, error) {
	switch e.cfg.Store.Kind {
	case "memory":
		return memory.NewRepository(), nil
	case "redis":
		return redisq.NewRepository(e.redis(), e.cfg.Store.Namespace), nil
	case "postgres":
		repo, err := postgres.Open(ctx, e.cfg.Postgres.URL, e.log)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, repo.Close)
		return repo, nil
	case "etcd":
		prefix := e.cfg.Etcd.Prefix
		if e.cfg.Store.Namespace != "" {
			prefix += e.cfg.Store.Namespace + "/"
		}
		repo, err := etcdstore.Open(e.cfg.Etcd.Endpoints, prefix, e.cfg.Etcd.Timeout)
		if err != nil {
			return nil, err
		}
		e.closers = append(e.closers, repo.Close)
		return repo, nil
	default:
		return nil, fmt.Errorf("unknown store %q", e.cfg.Store.Kind)
	}
}

// transport opens the configured broker. consume is set by commands that run
// worker loops.
func (e *env) transport(ctx context.Context, consume bool) (datatask.Transport, error) {
	w := e.cfg.Worker
	var (
		tr  datatask.Transport
		err error
	)
	switch e.cfg.Broker.Kind {
	case "memory":
		tr = memory.NewTransport(memory.TransportConfig{Group: w.Group})
	case "redis":
		tr, err = redisq.NewTransport(ctx, e.redis(), redisq.Config{
			Group:         w.Group,
			VisibilityTTL: w.VisibilityTTL,
			Maintenance:   consume,
			Logger:        e.log,
		})
	case "asynq":
		tr, err = asynqq.NewTransport(ctx, asynq.RedisClientOpt{
			Addr:     e.cfg.Redis.Addr,
			Password: e.cfg.Redis.Password,
			DB:       e.cfg.Redis.DB,
		}, asynqq.Config{
			Group:       w.Group,
			Consume:     consume,
			Concurrency: w.Concurrency,
			Logger:      e.log,
		})
	default:
		err = fmt.Errorf("unknown broker %q", e.cfg.Broker.Kind)
	}
	if err != nil {
		return nil, err
	}
	e.closers = append(e.closers, tr.Close)
	return tr, nil
}

// manager wires a Manager on the configured store and broker.
func (e *env) manager(ctx context.Context, consume bool) (*datatask.Manager, datatask.Transport, error) {
	repo, err := e.repository(ctx)
	if err != nil {
		return nil, nil, err
	}
	tr, err := e.transport(ctx, consume)
	if err != nil {
		return nil, nil, err
	}
	mgr := datatask.NewManager(repo, tr, datatask.ManagerConfig{
		DisableRetry: e.cfg.Worker.DisableRetry,
		Logger:       e.log,
	})
	return mgr, tr, nil
}

// Close releases the backends in reverse order of creation.
func (e *env) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		errs = append(errs, e.closers[i]())
	}
	return errors.Join(errs...)
}
