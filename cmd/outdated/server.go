// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	asynqclient "github.com/schmalle/secman-outdated/pkg/clients/asynq"
	redisclient "github.com/schmalle/secman-outdated/pkg/clients/redis"
	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/metrics"
	"github.com/schmalle/secman-outdated/pkg/outdated/api"
	"github.com/schmalle/secman-outdated/pkg/outdated/calculator"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
	"github.com/schmalle/secman-outdated/pkg/outdated/tasks"
)

// shutdownTimeout is the time given to in-flight requests on shutdown.
const shutdownTimeout = 10 * time.Second

// NewServerCommand returns a new command for running the API server.
func NewServerCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "server",
		Usage:   "api server operations",
		Aliases: []string{"srv"},
		Before: func(ctx *cli.Context) error {
			conf := getConfig(ctx)
			validatorFuncs := []func(c *config.Config) error{
				validateDBConfig,
				validateRefreshConfig,
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
				Usage:   "start the api server",
				Aliases: []string{"s"},
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "origin",
						Usage: "origin pattern accepted for websocket connections",
					},
				},
				Action: runServer,
			},
		},
	}

	return cmd
}

// runServer runs the API server, the metrics server and, when refresh jobs
// are processed by workers, the relay of their progress events until a
// termination signal is received.
func runServer(ctx *cli.Context) error {
	conf := getConfig(ctx)
	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := newDB(conf)
	if err != nil {
		return err
	}
	defer db.Close() // nolint: errcheck

	c := newComponents(conf, db)
	hub := progress.NewHub(progress.DefaultBufferSize)
	group, groupCtx := errgroup.WithContext(sigCtx)

	var dispatcher coordinator.Dispatcher
	switch conf.Refresh.Dispatch {
	case config.DispatchInline:
		calc := calculator.New(
			c.reader,
			c.tracker,
			c.store,
			c.thresholds,
			calculator.WithBatchSize(conf.Refresh.BatchSize),
			calculator.WithPublisher(hub),
		)
		inline := coordinator.NewInlineDispatcher(groupCtx, calc)
		defer inline.Wait()
		dispatcher = inline
	default:
		asynqClient := newAsynqClient(conf)
		defer asynqClient.Close() // nolint: errcheck
		asynqclient.SetClient(asynqClient)
		dispatcher = tasks.NewQueueDispatcher(asynqClient, conf.Refresh.Queue, conf.Refresh.TaskTimeout)

		redisClient := newRedisClient(conf)
		defer redisClient.Close() // nolint: errcheck
		redisclient.SetClient(redisClient)

		relay := progress.NewRelay(redisClient, hub)
		group.Go(func() error {
			return relay.Run(groupCtx)
		})
	}

	server := api.NewServer(
		c.coordinator(dispatcher),
		c.engine(conf, db),
		scope.NewStatic(conf.Scope),
		hub,
		api.WithPrincipalHeader(conf.API.PrincipalHeader),
		api.WithStallTimeout(conf.Refresh.StallTimeout),
		api.WithOriginPatterns(ctx.StringSlice("origin")...),
	)

	servers := []*http.Server{
		server.NewHTTPServer(conf.API.Address, conf.API.ReadHeaderTimeout),
	}
	if conf.Metrics.Address != "" {
		servers = append(servers, metrics.NewServer(conf.Metrics.Address, conf.Metrics.Path))
	}

	for _, srv := range servers {
		group.Go(func() error {
			slog.Info("starting http server", "address", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})

		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(groupCtx), shutdownTimeout)
			defer cancel()
			slog.Info("shutting down http server", "address", srv.Addr)

			return srv.Shutdown(shutdownCtx)
		})
	}

	slog.Info(
		"api server started",
		"dispatch", conf.Refresh.Dispatch,
		"batch_size", conf.Refresh.BatchSize,
		"stall_timeout", conf.Refresh.StallTimeout,
	)

	return group.Wait()
}
