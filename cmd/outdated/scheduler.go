// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/core/registry"
)

// periodicEntry is a task enqueued periodically by the scheduler.
type periodicEntry struct {
	spec   string
	task   *asynq.Task
	queue  string
	desc   string
	source string
}

// periodicEntries returns the periodic tasks of the scheduler. Housekeeping
// tasks of the refresh pipeline go to the refresh queue. A configured job
// with the name of a registered task replaces the registered schedule.
func periodicEntries(conf *config.Config) ([]*periodicEntry, error) {
	configured := make(map[string]bool, len(conf.Scheduler.Jobs))
	items := make([]*periodicEntry, 0)
	for _, job := range conf.Scheduler.Jobs {
		queue := conf.Scheduler.DefaultQueue
		if registry.ScheduledTaskRegistry.Exists(job.Name) {
			queue = conf.Refresh.Queue
		}
		if job.Queue != "" {
			queue = job.Queue
		}

		configured[job.Name] = true
		items = append(items, &periodicEntry{
			spec:   job.Spec,
			task:   asynq.NewTask(job.Name, []byte(job.Payload)),
			queue:  queue,
			desc:   job.Desc,
			source: "config",
		})
	}

	walker := func(name string, item *registry.PeriodicTask) error {
		if configured[name] {
			slog.Info("periodic task overridden by config", "name", name, "spec", item.Spec)
			return nil
		}
		items = append(items, &periodicEntry{
			spec:   item.Spec,
			task:   item.Task,
			queue:  conf.Refresh.Queue,
			source: "registry",
		})

		return nil
	}

	if err := registry.ScheduledTaskRegistry.Range(walker); err != nil {
		return nil, err
	}

	return items, nil
}

// NewSchedulerCommand returns a new command for interfacing with the scheduler.
func NewSchedulerCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "scheduler",
		Usage:   "scheduler operations",
		Aliases: []string{"s"},
		Before: func(ctx *cli.Context) error {
			return validateRedisConfig(getConfig(ctx))
		},
		Subcommands: []*cli.Command{
			{
				Name:    "start",
				Usage:   "start the scheduler",
				Aliases: []string{"s"},
				Action: func(ctx *cli.Context) error {
					conf := getConfig(ctx)
					items, err := periodicEntries(conf)
					if err != nil {
						return err
					}

					scheduler := newScheduler(conf)
					for _, item := range items {
						id, err := scheduler.Register(item.spec, item.task, asynq.Queue(item.queue))
						if err != nil {
							return fmt.Errorf("cannot register periodic task %q: %w", item.task.Type(), err)
						}

						slog.Info(
							"periodic task registered",
							"id", id,
							"name", item.task.Type(),
							"spec", item.spec,
							"desc", item.desc,
							"queue", item.queue,
							"source", item.source,
						)
					}

					return scheduler.Run()
				},
			},
			{
				Name:    "tasks",
				Usage:   "list the periodic tasks which the scheduler registers",
				Aliases: []string{"t"},
				Action: func(ctx *cli.Context) error {
					items, err := periodicEntries(getConfig(ctx))
					if err != nil {
						return err
					}

					if len(items) == 0 {
						return nil
					}

					headers := []string{
						"NAME",
						"SPEC",
						"QUEUE",
						"SOURCE",
						"DESC",
					}
					table := newTableWriter(os.Stdout, headers)
					for _, item := range items {
						desc := item.desc
						if desc == "" {
							desc = na
						}
						row := []string{
							item.task.Type(),
							item.spec,
							item.queue,
							item.source,
							desc,
						}
						if err := table.Append(row); err != nil {
							return err
						}
					}

					return table.Render()
				},
			},
			{
				Name:    "jobs",
				Usage:   "list periodic jobs known to a running scheduler",
				Aliases: []string{"j"},
				Action: func(ctx *cli.Context) error {
					inspector := newInspector(getConfig(ctx))
					defer inspector.Close() // nolint: errcheck
					items, err := inspector.SchedulerEntries()
					if err != nil {
						return err
					}

					if len(items) == 0 {
						return nil
					}

					headers := []string{
						"ID",
						"TASK",
						"SPEC",
						"PREV",
						"NEXT",
					}
					table := newTableWriter(os.Stdout, headers)
					for _, item := range items {
						prev := na
						if !item.Prev.IsZero() {
							prev = item.Prev.Format(time.RFC3339)
						}

						row := []string{
							item.ID,
							item.Task.Type(),
							item.Spec,
							prev,
							fmt.Sprintf("in %s", time.Until(item.Next).Round(time.Second)),
						}
						if err := table.Append(row); err != nil {
							return err
						}
					}

					return table.Render()
				},
			},
		},
	}

	return cmd
}
