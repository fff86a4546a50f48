// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"
)

// queueFlag returns the flag selecting a queue. It defaults to the queue
// of refresh tasks.
func queueFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "queue",
		Usage:   "queue name, defaults to the refresh queue",
		Aliases: []string{"q", "name"},
	}
}

// queueName returns the queue selected by the queue flag.
func queueName(ctx *cli.Context) string {
	if name := ctx.String("queue"); name != "" {
		return name
	}

	return getConfig(ctx).Refresh.Queue
}

// NewQueueCommand returns a new command for interfacing with the queues.
func NewQueueCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "queue",
		Usage:   "queue operations",
		Aliases: []string{"q"},
		Before: func(ctx *cli.Context) error {
			return validateRedisConfig(getConfig(ctx))
		},
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Usage:   "list queues",
				Aliases: []string{"ls"},
				Action: func(ctx *cli.Context) error {
					inspector := newInspector(getConfig(ctx))
					defer inspector.Close() // nolint: errcheck

					queues, err := inspector.Queues()
					if err != nil {
						return err
					}

					if len(queues) == 0 {
						return nil
					}

					table := newTableWriter(os.Stdout, []string{"NAME", "SIZE", "PAUSED"})
					for _, name := range queues {
						info, err := inspector.GetQueueInfo(name)
						if err != nil {
							return err
						}
						row := []string{
							name,
							strconv.Itoa(info.Size),
							strconv.FormatBool(info.Paused),
						}
						if err := table.Append(row); err != nil {
							return err
						}
					}

					return table.Render()
				},
			},
			{
				Name:    "info",
				Usage:   "get queue info",
				Aliases: []string{"i"},
				Flags:   []cli.Flag{queueFlag()},
				Action: func(ctx *cli.Context) error {
					inspector := newInspector(getConfig(ctx))
					defer inspector.Close() // nolint: errcheck

					q, err := inspector.GetQueueInfo(queueName(ctx))
					if err != nil {
						return err
					}

					fmt.Printf("%-20s: %s\n", "Name", q.Queue)
					fmt.Printf("%-20s: %d\n", "Memory Usage", q.MemoryUsage)
					fmt.Printf("%-20s: %s\n", "Latency", q.Latency.String())
					fmt.Printf("%-20s: %d\n", "Size", q.Size)
					fmt.Printf("%-20s: %d\n", "Pending", q.Pending)
					fmt.Printf("%-20s: %d\n", "Active", q.Active)
					fmt.Printf("%-20s: %d\n", "Scheduled", q.Scheduled)
					fmt.Printf("%-20s: %d\n", "Retry", q.Retry)
					fmt.Printf("%-20s: %d\n", "Archived", q.Archived)
					fmt.Printf("%-20s: %d\n", "Completed", q.Completed)
					fmt.Printf("%-20s: %d\n", "Processed (daily)", q.Processed)
					fmt.Printf("%-20s: %d\n", "Failed (daily)", q.Failed)
					fmt.Printf("%-20s: %v\n", "Paused", q.Paused)

					return nil
				},
			},
			{
				Name:    "pause",
				Usage:   "pause a queue",
				Aliases: []string{"p"},
				Flags:   []cli.Flag{queueFlag()},
				Action: func(ctx *cli.Context) error {
					inspector := newInspector(getConfig(ctx))
					defer inspector.Close() // nolint: errcheck

					return inspector.PauseQueue(queueName(ctx))
				},
			},
			{
				Name:    "resume",
				Usage:   "resume a queue",
				Aliases: []string{"r"},
				Flags:   []cli.Flag{queueFlag()},
				Action: func(ctx *cli.Context) error {
					inspector := newInspector(getConfig(ctx))
					defer inspector.Close() // nolint: errcheck

					return inspector.UnpauseQueue(queueName(ctx))
				},
			},
			{
				Name:    "drain",
				Usage:   "drain queue messages",
				Aliases: []string{"d"},
				Flags: []cli.Flag{
					queueFlag(),
					&cli.StringFlag{
						Name:  "type",
						Usage: "message type to drain",
						Value: "archived",
					},
				},
				Action: func(ctx *cli.Context) error {
					inspector := newInspector(getConfig(ctx))
					defer inspector.Close() // nolint: errcheck

					typeToFunc := map[string]func(queue string) (int, error){
						"scheduled": inspector.DeleteAllScheduledTasks,
						"pending":   inspector.DeleteAllPendingTasks,
						"archived":  inspector.DeleteAllArchivedTasks,
						"completed": inspector.DeleteAllCompletedTasks,
						"retry":     inspector.DeleteAllRetryTasks,
					}

					messageType := ctx.String("type")
					deleteFunc, ok := typeToFunc[messageType]
					if !ok {
						messageTypes := make([]string, 0, len(typeToFunc))
						for k := range typeToFunc {
							messageTypes = append(messageTypes, k)
						}
						slices.Sort(messageTypes)

						return fmt.Errorf("message type should be one of %s", strings.Join(messageTypes, ", "))
					}

					count, err := deleteFunc(queueName(ctx))
					if err != nil {
						return err
					}
					fmt.Printf("deleted %d %s task(s)\n", count, messageType)

					return nil
				},
			},
		},
	}

	return cmd
}

// listFunc lists the tasks of a queue in a given state.
type listFunc func(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)

// stateToListFunc returns the function listing tasks in the given state.
func stateToListFunc(inspector *asynq.Inspector, state asynq.TaskState) (listFunc, bool) {
	funcs := map[asynq.TaskState]listFunc{
		asynq.TaskStateActive:    inspector.ListActiveTasks,
		asynq.TaskStatePending:   inspector.ListPendingTasks,
		asynq.TaskStateArchived:  inspector.ListArchivedTasks,
		asynq.TaskStateCompleted: inspector.ListCompletedTasks,
		asynq.TaskStateRetry:     inspector.ListRetryTasks,
		asynq.TaskStateScheduled: inspector.ListScheduledTasks,
	}
	f, ok := funcs[state]

	return f, ok
}
