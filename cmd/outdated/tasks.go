// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/core/registry"
)

// NewTaskCommand returns a [cli.Command] for interfacing with task-related
// operations.
func NewTaskCommand() *cli.Command {
	states := []struct {
		name    string
		aliases []string
		state   asynq.TaskState
	}{
		{"active", []string{"a"}, asynq.TaskStateActive},
		{"pending", []string{"p"}, asynq.TaskStatePending},
		{"archived", []string{"ar"}, asynq.TaskStateArchived},
		{"completed", nil, asynq.TaskStateCompleted},
		{"retried", []string{"r"}, asynq.TaskStateRetry},
		{"scheduled", []string{"s"}, asynq.TaskStateScheduled},
	}

	subcommands := []*cli.Command{
		{
			Name:    "list",
			Usage:   "list registered tasks",
			Aliases: []string{"ls"},
			Action: func(_ *cli.Context) error {
				for _, name := range registry.TaskRegistry.Keys() {
					fmt.Println(name)
				}

				return nil
			},
		},
		{
			Name:    "cancel",
			Usage:   "cancel a running task",
			Aliases: []string{"c"},
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Usage:    "task id",
					Required: true,
				},
			},
			Action: func(ctx *cli.Context) error {
				inspector := newInspector(getConfig(ctx))
				defer inspector.Close() // nolint: errcheck

				return inspector.CancelProcessing(ctx.String("id"))
			},
		},
		{
			Name:    "delete",
			Usage:   "delete a task",
			Aliases: []string{"d"},
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "id",
					Usage:    "task id",
					Required: true,
				},
				queueFlag(),
			},
			Action: func(ctx *cli.Context) error {
				inspector := newInspector(getConfig(ctx))
				defer inspector.Close() // nolint: errcheck

				return inspector.DeleteTask(queueName(ctx), ctx.String("id"))
			},
		},
		{
			Name:    "enqueue",
			Usage:   "submit a task",
			Aliases: []string{"submit"},
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "task",
					Aliases:  []string{"t"},
					Usage:    "name of task to enqueue",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "payload",
					Usage: "task payload",
				},
				&cli.PathFlag{
					Name:  "payload-file",
					Usage: "path to a payload file",
				},
				queueFlag(),
			},
			Action: func(ctx *cli.Context) error {
				conf := getConfig(ctx)
				taskName := ctx.String("task")
				if !registry.TaskRegistry.Exists(taskName) {
					return fmt.Errorf("task %q not found in registry", taskName)
				}

				var payload []byte
				payloadData := ctx.String("payload")
				payloadFile := ctx.Path("payload-file")
				switch {
				case payloadData != "" && payloadFile != "":
					return fmt.Errorf("cannot use --payload and --payload-file at the same time")
				case payloadData != "":
					payload = []byte(payloadData)
				case payloadFile != "":
					data, err := os.ReadFile(filepath.Clean(payloadFile))
					if err != nil {
						return fmt.Errorf("cannot read payload file: %w", err)
					}
					payload = data
				}

				client := newAsynqClient(conf)
				defer client.Close() // nolint: errcheck

				task := asynq.NewTask(taskName, payload)
				info, err := client.EnqueueContext(
					ctx.Context,
					task,
					asynq.Queue(queueName(ctx)),
					asynq.Timeout(conf.Refresh.TaskTimeout),
				)
				if err != nil {
					return fmt.Errorf("cannot enqueue %q task: %w", taskName, err)
				}

				fmt.Printf("%s/%s\n", info.Queue, info.ID)

				return nil
			},
		},
		{
			Name:    "inspect",
			Usage:   "inspect a task",
			Aliases: []string{"i"},
			Flags: []cli.Flag{
				queueFlag(),
				&cli.StringFlag{
					Name:     "id",
					Usage:    "task id",
					Required: true,
				},
			},
			Action: func(ctx *cli.Context) error {
				inspector := newInspector(getConfig(ctx))
				defer inspector.Close() // nolint: errcheck

				info, err := inspector.GetTaskInfo(queueName(ctx), ctx.String("id"))
				if err != nil {
					return err
				}

				completedAt := info.CompletedAt.String()
				if info.CompletedAt.IsZero() {
					completedAt = na
				}

				lastFailedAt := info.LastFailedAt.String()
				if info.LastFailedAt.IsZero() {
					lastFailedAt = na
				}

				fmt.Printf("%-20s: %s\n", "ID", info.ID)
				fmt.Printf("%-20s: %s\n", "Queue", info.Queue)
				fmt.Printf("%-20s: %s\n", "Type/Name", info.Type)
				fmt.Printf("%-20s: %v\n", "State", info.State)
				fmt.Printf("%-20s: %d/%d\n", "Retry", info.Retried, info.MaxRetry)
				fmt.Printf("%-20s: %s\n", "Timeout", info.Timeout.String())
				fmt.Printf("%-20s: %s\n", "Last Failed At", lastFailedAt)
				fmt.Printf("%-20s: %s\n", "Completed At", completedAt)
				fmt.Printf("%-20s: %s\n", "Last Error", info.LastErr)
				fmt.Printf("%-20s: %s\n", "Payload", string(info.Payload))

				return nil
			},
		},
	}

	for _, item := range states {
		state := item.state
		subcommands = append(subcommands, &cli.Command{
			Name:    item.name,
			Usage:   fmt.Sprintf("list %s tasks", item.name),
			Aliases: item.aliases,
			Flags: []cli.Flag{
				queueFlag(),
				&cli.IntFlag{
					Name:  "page",
					Usage: "page number to retrieve",
					Value: 1,
				},
				&cli.IntFlag{
					Name:  "size",
					Usage: "page size to use",
					Value: 50,
				},
			},
			Action: func(ctx *cli.Context) error {
				return printTasksInState(ctx, state)
			},
		})
	}

	cmd := &cli.Command{
		Name:        "task",
		Usage:       "task operations",
		Aliases:     []string{"t"},
		Subcommands: subcommands,
	}

	return cmd
}

// printTasksInState prints the tasks in the given state
func printTasksInState(ctx *cli.Context, state asynq.TaskState) error {
	inspector := newInspector(getConfig(ctx))
	defer inspector.Close() // nolint: errcheck

	getFunc, ok := stateToListFunc(inspector, state)
	if !ok {
		return fmt.Errorf("unknown task state: %v", state)
	}

	items, err := getFunc(queueName(ctx), asynq.Page(ctx.Int("page")), asynq.PageSize(ctx.Int("size")))
	if err != nil {
		return err
	}

	if len(items) == 0 {
		return nil
	}

	headers := []string{
		"ID",
		"TYPE",
		"RETRIED",
		"IS ORPHANED",
	}
	table := newTableWriter(os.Stdout, headers)
	for _, item := range items {
		row := []string{
			item.ID,
			item.Type,
			fmt.Sprintf("%d/%d", item.Retried, item.MaxRetry),
			strconv.FormatBool(item.IsOrphaned),
		}
		if err := table.Append(row); err != nil {
			return err
		}
	}

	return table.Render()
}
