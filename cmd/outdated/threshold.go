// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
)

// NewThresholdCommand returns a new command for managing the overdue
// threshold.
func NewThresholdCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "threshold",
		Usage:   "overdue threshold operations",
		Aliases: []string{"th"},
		Before: func(ctx *cli.Context) error {
			conf := getConfig(ctx)
			if err := validateDBConfig(conf); err != nil {
				return err
			}

			return validateRefreshConfig(conf)
		},
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "display the overdue threshold in days",
				Action: func(ctx *cli.Context) error {
					return withCoordinator(ctx, func(c *coordinator.Coordinator) error {
						days, err := c.ThresholdDays(ctx.Context)
						if err != nil {
							return err
						}
						fmt.Println(days)

						return nil
					})
				},
			},
			{
				Name:  "set",
				Usage: "set the overdue threshold and refresh the view",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "days",
						Usage:    "vulnerabilities older than this number of days are overdue",
						Required: true,
					},
				},
				Action: func(ctx *cli.Context) error {
					return withCoordinator(ctx, func(c *coordinator.Coordinator) error {
						job, err := c.SetThreshold(ctx.Context, ctx.Int("days"))
						if err != nil {
							return err
						}

						if job == nil {
							fmt.Println("a refresh is already running, the new threshold applies to the next refresh")
							return nil
						}
						fmt.Printf("refresh job %s created\n", job.ID)

						return nil
					})
				},
			},
		},
	}

	return cmd
}
