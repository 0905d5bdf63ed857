package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

const (
	docManager = `Apply worker events to the task store until interrupted`
)

type optsManager struct {
	optsGeneral
}

func (c *optsManager) Execute(args []string) error {
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

	mgr, _, err := e.manager(ctx, false)
	if err != nil {
		return err
	}
	e.log.Infof("manager running: broker=%s store=%s", e.cfg.Broker.Kind, e.cfg.Store.Kind)
	if err := mgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
