// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
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

	"github.com/hibiken/asynq/x/metrics"
	"github.com/hibiken/asynqmon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/core/config"
)

// NewDashboardCommand returns a new command for interfacing with the dashboard.
func NewDashboardCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "dashboard",
		Usage:   "dashboard operations",
		Aliases: []string{"ui"},
		Before: func(ctx *cli.Context) error {
			conf := getConfig(ctx)
			validatorFuncs := []func(c *config.Config) error{
				validateRedisConfig,
				validateDashboardConfig,
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
				Usage:   "start the dashboard ui",
				Aliases: []string{"s"},
				Action: func(ctx *cli.Context) error {
					conf := getConfig(ctx)
					sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
					defer stop()

					inspector := newInspector(conf)
					defer inspector.Close() // nolint: errcheck

					ui := asynqmon.New(asynqmon.Options{
						RootPath:          "/",
						RedisConnOpt:      newRedisClientOpt(conf),
						ReadOnly:          conf.Dashboard.ReadOnly,
						PrometheusAddress: conf.Dashboard.PrometheusEndpoint,
					})
					defer ui.Close() // nolint: errcheck

					promRegistry := prometheus.NewPedanticRegistry()
					promRegistry.MustRegister(
						metrics.NewQueueMetricsCollector(inspector),
						collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
						collectors.NewGoCollector(),
					)

					mux := http.NewServeMux()
					mux.Handle("/", ui)
					mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))

					srv := &http.Server{
						Addr:              conf.Dashboard.Address,
						Handler:           mux,
						ReadHeaderTimeout: conf.API.ReadHeaderTimeout,
					}

					go func() {
						<-sigCtx.Done()
						shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(sigCtx), shutdownTimeout)
						defer cancel()
						if err := srv.Shutdown(shutdownCtx); err != nil {
							slog.Error("failed to shutdown dashboard", "reason", err)
						}
					}()

					slog.Info("starting dashboard", "address", conf.Dashboard.Address, "queue", conf.Refresh.Queue)
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}

					return nil
				},
			},
		},
	}

	return cmd
}
