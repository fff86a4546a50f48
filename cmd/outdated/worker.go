// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/urfave/cli/v2"

	asynqclient "github.com/schmalle/secman-outdated/pkg/clients/asynq"
	dbclient "github.com/schmalle/secman-outdated/pkg/clients/db"
	redisclient "github.com/schmalle/secman-outdated/pkg/clients/redis"
	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/core/registry"
	"github.com/schmalle/secman-outdated/pkg/metrics"
	"github.com/schmalle/secman-outdated/pkg/outdated/tasks"
	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
	"github.com/schmalle/secman-outdated/pkg/utils/asynq/worker"
)

// NewWorkerCommand returns a new command for interfacing with the workers.
func NewWorkerCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "worker",
		Usage:   "worker operations",
		Aliases: []string{"w"},
		Before: func(ctx *cli.Context) error {
			conf := getConfig(ctx)
			validatorFuncs := []func(c *config.Config) error{
				validateDBConfig,
				validateRedisConfig,
			}

			for _, validator := range validatorFuncs {
				if err := validator(conf); err != nil {
					return err
				}
			}

			return nil
		},
		Subcommands: []*cli.Command{
			{
				Name:    "start",
				Usage:   "start the workers",
				Aliases: []string{"s"},
				Action: func(ctx *cli.Context) error {
					conf := getConfig(ctx)

					// Initialize clients used by the task handlers
					db, err := newDB(conf)
					if err != nil {
						return err
					}
					defer db.Close() // nolint: errcheck
					dbclient.SetDB(db)

					asynqClient := newAsynqClient(conf)
					defer asynqClient.Close() // nolint: errcheck
					asynqclient.SetClient(asynqClient)

					inspector := newInspector(conf)
					defer inspector.Close() // nolint: errcheck
					asynqclient.SetInspector(inspector)

					redisClient := newRedisClient(conf)
					defer redisClient.Close() // nolint: errcheck
					redisclient.SetClient(redisClient)

					tasks.SetConfig(conf.Refresh)

					logLevel := asynq.InfoLevel
					if conf.Debug {
						logLevel = asynq.DebugLevel
					}

					w := worker.NewFromConfig(
						newRedisClientOpt(conf),
						conf.Worker,
						worker.WithLogLevel(logLevel),
						worker.WithBaseContext(func() context.Context { return ctx.Context }),
						worker.WithErrorHandler(asynq.ErrorHandlerFunc(func(_ context.Context, task *asynq.Task, err error) {
							slog.Debug("task returned error", "name", task.Type(), "reason", err)
						})),
					)
					w.UseMiddlewares(
						asynqutils.NewLoggerMiddleware(slog.Default()),
						asynqutils.NewMeasuringMiddleware(),
						asynqutils.NewMetricsMiddleware(),
					)
					w.HandlersFromRegistry(registry.TaskRegistry)

					// Metrics of the workers
					if conf.Metrics.Address != "" {
						metricsServer := metrics.NewServer(conf.Metrics.Address, conf.Metrics.Path)
						go func() {
							slog.Info("starting metrics server", "address", conf.Metrics.Address, "path", conf.Metrics.Path)
							if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
								slog.Error("metrics server failed", "reason", err)
							}
						}()
						defer metricsServer.Shutdown(context.Background()) // nolint: errcheck
					}

					return w.Run()
				},
			},
		},
	}

	return cmd
}
