package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/UniQw/datatask"
)

const (
	docStart = `Submit a task`
	docStop  = `Stop a task, or every task of a user`
	docList  = `Print the stored tasks as JSON lines`
	docClear = `Remove the finished tasks from the store`
)

type optsStart struct {
	optsGeneral
	User     string `long:"user" short:"u" description:"Owner of the task"`
	Group    string `long:"group" short:"g" description:"Routing group, defaults to the worker group"`
	MaxRetry int    `long:"max-retry" description:"Retry budget for transient failures"`
	ID       string `long:"id" description:"Task id, generated when empty"`

	Positional struct {
		Name string   `positional-arg-name:"name" required:"yes"`
		Args []string `positional-arg-name:"key=value"`
	} `positional-args:"yes"`
}

func (c *optsStart) Execute(args []string) error {
	taskArgs, err := parseArgs(c.Positional.Args)
	if err != nil {
		return err
	}
	return withManager(c.optsGeneral, func(ctx context.Context, e *env, mgr *datatask.Manager) error {
		group := c.Group
		if group == "" {
			group = e.cfg.Worker.Group
		}
		opts := []datatask.Option{datatask.Group(group), datatask.MaxRetry(c.MaxRetry)}
		if c.ID != "" {
			opts = append(opts, datatask.TaskID(c.ID))
		}
		id, err := mgr.StartTask(ctx, c.Positional.Name, c.User, taskArgs, opts...)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	})
}

// parseArgs turns key=value pairs into task arguments. Values stay strings;
// executables read them through Args.Int and Args.String.
func parseArgs(pairs []string) (datatask.Args, error) {
	out := make(datatask.Args, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid argument %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}

type optsStop struct {
	optsGeneral
	All  bool   `long:"all" description:"Stop every unfinished task of --user, or of everyone"`
	User string `long:"user" short:"u" description:"Owner of the tasks stopped by --all"`

	Positional struct {
		ID string `positional-arg-name:"id"`
	} `positional-args:"yes"`
}

func (c *optsStop) Execute(args []string) error {
	if c.All == (c.Positional.ID != "") {
		return fmt.Errorf("stop takes either a task id or --all")
	}
	return withManager(c.optsGeneral, func(ctx context.Context, e *env, mgr *datatask.Manager) error {
		if !c.All {
			ok, err := mgr.StopTask(ctx, c.Positional.ID)
			if err != nil {
				return err
			}
			fmt.Printf("%s\t%t\n", c.Positional.ID, ok)
			return nil
		}
		res, err := mgr.StopAllTasks(ctx, c.User)
		ids := make([]string, 0, len(res))
		for id := range res {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			fmt.Printf("%s\t%t\n", id, res[id])
		}
		return err
	})
}

type optsList struct {
	optsGeneral
	User   string   `long:"user" short:"u" description:"Only tasks of this owner"`
	Name   string   `long:"name" short:"n" description:"Regular expression matched against task names"`
	States []string `long:"state" short:"s" description:"Only tasks in this state, repeatable"`
}

func (c *optsList) Execute(args []string) error {
	filter := datatask.TaskFilter{User: c.User, Name: c.Name}
	for _, raw := range c.States {
		s, err := datatask.ParseState(raw)
		if err != nil {
			return err
		}
		filter.States = append(filter.States, s)
	}
	return withManager(c.optsGeneral, func(ctx context.Context, e *env, mgr *datatask.Manager) error {
		tasks, err := mgr.GetTasks(ctx, filter)
		if err != nil {
			return err
		}
		return printTasks(tasks)
	})
}

type optsClear struct {
	optsGeneral
	ID string `long:"id" description:"Remove only this task, which must not be running"`
}

func (c *optsClear) Execute(args []string) error {
	return withManager(c.optsGeneral, func(ctx context.Context, e *env, mgr *datatask.Manager) error {
		if c.ID != "" {
			t, err := mgr.ClearTask(ctx, c.ID)
			if err != nil {
				return err
			}
			return printTasks([]*datatask.Task{t})
		}
		tasks, err := mgr.ClearDoneTasks(ctx)
		if err != nil {
			return err
		}
		return printTasks(tasks)
	})
}

func withManager(general optsGeneral, fn func(context.Context, *env, *datatask.Manager) error) error {
	ctx := context.Background()
	e, err := setup(general)
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
	return fn(ctx, e, mgr)
}

func printTasks(tasks []*datatask.Task) error {
	for _, t := range tasks {
		raw, err := datatask.EncodeTask(t)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(os.Stdout, string(raw)); err != nil {
			return err
		}
	}
	return nil
}
