package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/UniQw/datatask"
	"github.com/UniQw/datatask/batch"
)

const (
	docWorker = `Run a pool of worker loops on the configured group`
)

type optsWorker struct {
	optsGeneral
	Documents string `long:"documents" env:"DATATASK_DOCUMENTS" description:"JSON file of documents served to the batch formation task"`
}

func (c *optsWorker) Execute(args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := setup(c.optsGeneral)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			e.log.Warnf("close backends: %v", err)
		}
	}()

	mgr, tr, err := e.manager(ctx, true)
	if err != nil {
		return err
	}
	if e.cfg.Broker.Kind == "memory" {
		// events of an in-process broker never leave this process
		go func() {
			if err := mgr.Run(ctx); err != nil {
				e.log.Errorf("manager stopped: %v", err)
			}
		}()
	}

	idx, err := loadIndex(c.Documents)
	if err != nil {
		return err
	}
	reg := datatask.NewRegistry()
	b := e.cfg.Batch
	batch.Register(reg, idx, mgr, batch.Config{
		BatchSize:      b.Size,
		ScrollSize:     b.ScrollSize,
		ScrollDuration: b.ScrollDuration,
		Project:        b.Project,
		Pipeline:       b.Pipeline,
		MaxTextLength:  b.MaxTextLength,
		Logger:         e.log,
	})

	pool := datatask.NewPool(reg, tr, datatask.PoolConfig{
		Concurrency: e.cfg.Worker.Concurrency,
		Worker: datatask.WorkerConfig{
			PollTimeout: e.cfg.Worker.PollTimeout,
			Logger:      e.log,
		},
		Logger: e.log,
	})
	pool.Start(ctx)
	select {
	case <-ctx.Done():
		pool.Stop()
	case <-pool.Done():
	}
	n, err := pool.Wait()
	e.log.Infof("worker pool stopped: processed=%d", n)
	return err
}

// loadIndex reads the documents of path into an in-process index. An empty
// path yields an empty index.
func loadIndex(path string) (*batch.MemoryIndex, error) {
	idx := batch.NewMemoryIndex()
	if path == "" {
		return idx, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read documents: %w", err)
	}
	var docs []batch.Document
	if err := datatask.DefaultEncoder.Decode(raw, &docs); err != nil {
		return nil, fmt.Errorf("decode documents %s: %w", path, err)
	}
	idx.Add(docs...)
	return idx, nil
}
