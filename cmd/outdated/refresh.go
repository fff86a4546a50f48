// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/outdated/calculator"
	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/tasks"
)

// progressPrinter is a [progress.Publisher] which prints events to stdout.
type progressPrinter struct{}

// Publish implements the [progress.Publisher] interface.
func (progressPrinter) Publish(_ context.Context, e progress.Event) error {
	_, err := fmt.Printf("%s %-9s %3d%% (%d/%d) %s\n",
		e.Timestamp.Format(time.RFC3339),
		e.Status,
		e.ProgressPercent,
		e.Processed,
		e.Total,
		e.Message,
	)

	return err
}

// withCoordinator opens the configured database and invokes f with a
// [coordinator.Coordinator]. Refresh jobs are either enqueued, or processed
// in the foreground with their progress printed, depending on the dispatch
// mode. Foreground progress is also published to Redis when configured, so
// that API servers relaying it can stream the job.
func withCoordinator(ctx *cli.Context, f func(c *coordinator.Coordinator) error) error {
	conf := getConfig(ctx)
	db, err := newDB(conf)
	if err != nil {
		return err
	}
	defer db.Close() // nolint: errcheck

	c := newComponents(conf, db)
	switch conf.Refresh.Dispatch {
	case config.DispatchInline:
		publisher := progress.Multi{progressPrinter{}}
		if conf.Redis.Endpoint != "" {
			redisClient := newRedisClient(conf)
			defer redisClient.Close() // nolint: errcheck
			publisher = append(publisher, progress.NewRedisPublisher(redisClient))
		}

		calc := calculator.New(
			c.reader,
			c.tracker,
			c.store,
			c.thresholds,
			calculator.WithBatchSize(conf.Refresh.BatchSize),
			calculator.WithPublisher(publisher),
		)
		inline := coordinator.NewInlineDispatcher(ctx.Context, calc)
		defer inline.Wait()

		return f(c.coordinator(inline))
	default:
		client := newAsynqClient(conf)
		defer client.Close() // nolint: errcheck
		dispatcher := tasks.NewQueueDispatcher(client, conf.Refresh.Queue, conf.Refresh.TaskTimeout)

		return f(c.coordinator(dispatcher))
	}
}

// printJob prints the details of a refresh job.
func printJob(job *models.RefreshJob) {
	completedAt := na
	if job.CompletedAt != nil {
		completedAt = job.CompletedAt.String()
	}

	duration := na
	if job.DurationMs != nil {
		duration = (time.Duration(*job.DurationMs) * time.Millisecond).String()
	}

	errorMessage := na
	if job.ErrorMessage != nil {
		errorMessage = *job.ErrorMessage
	}

	fmt.Printf("%-20s: %s\n", "ID", job.ID)
	fmt.Printf("%-20s: %s\n", "Status", job.Status)
	fmt.Printf("%-20s: %s\n", "Trigger", job.TriggerSource)
	fmt.Printf("%-20s: %d%%\n", "Progress", job.ProgressPercent)
	fmt.Printf("%-20s: %d/%d\n", "Assets", job.AssetsProcessed, job.TotalAssets)
	fmt.Printf("%-20s: %d\n", "Threshold (days)", job.ThresholdDays)
	fmt.Printf("%-20s: %s\n", "Started At", job.StartedAt.String())
	fmt.Printf("%-20s: %s\n", "Completed At", completedAt)
	fmt.Printf("%-20s: %s\n", "Duration", duration)
	fmt.Printf("%-20s: %s\n", "Digest", job.SnapshotDigest)
	fmt.Printf("%-20s: %s\n", "Error", errorMessage)
}

// NewRefreshCommand returns a new command for interfacing with refresh jobs.
func NewRefreshCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "refresh",
		Usage:   "refresh job operations",
		Aliases: []string{"r"},
		Before: func(ctx *cli.Context) error {
			conf := getConfig(ctx)
			if err := validateDBConfig(conf); err != nil {
				return err
			}

			return validateRefreshConfig(conf)
		},
		Subcommands: []*cli.Command{
			{
				Name:    "trigger",
				Usage:   "trigger a refresh of the outdated-asset view",
				Aliases: []string{"t"},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "source",
						Usage: "trigger source recorded on the job",
						Value: constants.TriggerManual,
					},
				},
				Action: func(ctx *cli.Context) error {
					return withCoordinator(ctx, func(c *coordinator.Coordinator) error {
						job, err := c.TriggerRefresh(ctx.Context, ctx.String("source"))
						if err != nil {
							return err
						}
						fmt.Printf("refresh job %s created\n", job.ID)

						return nil
					})
				},
			},
			{
				Name:    "status",
				Usage:   "display the status of a refresh job",
				Aliases: []string{"s"},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "id",
						Usage: "job id, defaults to the running job",
					},
				},
				Action: func(ctx *cli.Context) error {
					return withCoordinator(ctx, func(c *coordinator.Coordinator) error {
						var (
							job *models.RefreshJob
							err error
						)
						if id := ctx.String("id"); id != "" {
							job, err = c.GetJobStatus(ctx.Context, id)
						} else {
							job, err = c.RunningJob(ctx.Context)
						}
						if err != nil {
							return err
						}

						if job == nil {
							fmt.Println("no refresh job is running")
							return nil
						}
						printJob(job)

						return nil
					})
				},
			},
			{
				Name:    "jobs",
				Usage:   "list refresh jobs, newest first",
				Aliases: []string{"j", "ls"},
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "max number of jobs to list",
						Value: 20,
					},
				},
				Action: func(ctx *cli.Context) error {
					return withCoordinator(ctx, func(c *coordinator.Coordinator) error {
						items, err := c.ListJobs(ctx.Context, ctx.Int("limit"))
						if err != nil {
							return err
						}

						if len(items) == 0 {
							return nil
						}

						headers := []string{
							"ID",
							"STATUS",
							"TRIGGER",
							"PROGRESS",
							"ASSETS",
							"THRESHOLD",
							"STARTED-AT",
						}
						table := newTableWriter(os.Stdout, headers)
						for _, job := range items {
							row := []string{
								job.ID,
								string(job.Status),
								job.TriggerSource,
								fmt.Sprintf("%d%%", job.ProgressPercent),
								fmt.Sprintf("%d/%d", job.AssetsProcessed, job.TotalAssets),
								strconv.Itoa(job.ThresholdDays),
								job.StartedAt.Format(time.RFC3339),
							}
							if err := table.Append(row); err != nil {
								return err
							}
						}

						return table.Render()
					})
				},
			},
			{
				Name:    "reset",
				Usage:   "fail running jobs without recent progress",
				Aliases: []string{"x"},
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  "timeout",
						Usage: "duration without progress, defaults to the stall timeout",
					},
				},
				Action: func(ctx *cli.Context) error {
					timeout := ctx.Duration("timeout")
					if timeout <= 0 {
						timeout = getConfig(ctx).Refresh.StallTimeout
					}

					return withCoordinator(ctx, func(c *coordinator.Coordinator) error {
						reset, err := c.ResetStalled(ctx.Context, timeout)
						for _, job := range reset {
							fmt.Printf("reset refresh job %s\n", job.ID)
						}

						return err
					})
				},
			},
		},
	}

	return cmd
}
