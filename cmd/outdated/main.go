// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/version"
)

// logCloser releases the log file on exit.
var logCloser io.Closer

func main() {
	// Environment files are optional
	_ = godotenv.Load()

	app := &cli.App{
		Name:                 "outdated",
		Version:              version.Version,
		EnableBashCompletion: true,
		Usage:                "command-line tool for managing the outdated-asset view",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enables debug mode, if set",
				Value: false,
			},
			&cli.StringFlag{
				Name:     "config",
				Usage:    "path to config file",
				Required: true,
				Aliases:  []string{"file"},
				EnvVars:  []string{"OUTDATED_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "redis-endpoint",
				Usage:   "redis endpoint to connect to",
				EnvVars: []string{"REDIS_ENDPOINT"},
			},
			&cli.StringFlag{
				Name:    "database-uri",
				Usage:   "database uri to connect to",
				EnvVars: []string{"DATABASE_URI"},
			},
		},
		Before: func(ctx *cli.Context) error {
			configFile := ctx.String("config")
			conf, err := config.Parse(configFile)
			if err != nil {
				return fmt.Errorf("cannot parse config: %w", err)
			}

			// Overrides from flags/options
			if ctx.IsSet("debug") {
				conf.Debug = ctx.Bool("debug")
			}

			if ctx.IsSet("redis-endpoint") {
				conf.Redis.Endpoint = ctx.String("redis-endpoint")
			}

			if ctx.IsSet("database-uri") {
				conf.Database.DSN = ctx.String("database-uri")
			}

			logger, closer, err := newLogger(conf)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			logCloser = closer

			ctx.Context = context.WithValue(ctx.Context, configKey{}, conf)

			return nil
		},
		After: func(_ *cli.Context) error {
			if logCloser != nil {
				return logCloser.Close()
			}

			return nil
		},
		Commands: []*cli.Command{
			NewDatabaseCommand(),
			NewWorkerCommand(),
			NewSchedulerCommand(),
			NewTaskCommand(),
			NewQueueCommand(),
			NewModelCommand(),
			NewDashboardCommand(),
			NewServerCommand(),
			NewRefreshCommand(),
			NewAssetsCommand(),
			NewThresholdCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
