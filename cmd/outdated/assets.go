// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/outdated/query"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
)

// withEngine opens the configured database and invokes f with a
// [query.Engine] and the scope of the principal given by the --principal
// flag. Without a principal the scope is unrestricted.
func withEngine(ctx *cli.Context, f func(engine *query.Engine, sc scope.Scope) error) error {
	conf := getConfig(ctx)

	sc := scope.Unrestricted()
	if principal := ctx.String("principal"); principal != "" {
		resolved, err := scope.NewStatic(conf.Scope).Resolve(ctx.Context, principal)
		if err != nil {
			return err
		}
		sc = resolved
	}

	db, err := newDB(conf)
	if err != nil {
		return err
	}
	defer db.Close() // nolint: errcheck

	return f(newComponents(conf, db).engine(conf, db), sc)
}

func principalFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "principal",
		Usage: "restrict results to the scope of the principal",
	}
}

// NewAssetsCommand returns a new command for reading the outdated-asset view.
func NewAssetsCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "assets",
		Usage:   "outdated asset operations",
		Aliases: []string{"a"},
		Before: func(ctx *cli.Context) error {
			return validateDBConfig(getConfig(ctx))
		},
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Usage:   "list outdated assets",
				Aliases: []string{"ls"},
				Flags: []cli.Flag{
					principalFlag(),
					&cli.IntFlag{
						Name:  "page",
						Usage: "page number to retrieve, starting at 0",
					},
					&cli.IntFlag{
						Name:  "size",
						Usage: "page size to use",
						Value: query.DefaultPageSize,
					},
					&cli.StringFlag{
						Name:  "sort",
						Usage: "sort field",
						Value: string(query.SortByOldestVulnAgeDays),
					},
					&cli.StringFlag{
						Name:  "order",
						Usage: "sort order, asc or desc",
					},
					&cli.StringFlag{
						Name:  "scope",
						Usage: "narrow to a scope identifier, e.g. workgroup:ops",
					},
					&cli.StringFlag{
						Name:  "search",
						Usage: "case-insensitive substring of the asset name",
					},
					&cli.StringFlag{
						Name:  "min-severity",
						Usage: "minimum severity, one of critical, high, medium or low",
					},
				},
				Action: func(ctx *cli.Context) error {
					params := query.ListParams{
						Page:        ctx.Int("page"),
						PageSize:    ctx.Int("size"),
						Sort:        ctx.String("sort"),
						Order:       ctx.String("order"),
						ScopeID:     ctx.String("scope"),
						Search:      ctx.String("search"),
						MinSeverity: ctx.String("min-severity"),
					}

					return withEngine(ctx, func(engine *query.Engine, sc scope.Scope) error {
						page, err := engine.List(ctx.Context, sc, params)
						if err != nil {
							return err
						}

						if len(page.Items) == 0 {
							return nil
						}

						headers := []string{
							"ID",
							"NAME",
							"TYPE",
							"TOTAL",
							"CRITICAL",
							"HIGH",
							"MEDIUM",
							"LOW",
							"OLDEST (DAYS)",
							"OLDEST-VULN",
							"SCOPE",
						}
						table := newTableWriter(os.Stdout, headers)
						for _, item := range page.Items {
							row := []string{
								strconv.FormatUint(item.AssetID, 10),
								item.AssetName,
								item.AssetType,
								strconv.Itoa(item.TotalOverdueCount),
								strconv.Itoa(item.CriticalCount),
								strconv.Itoa(item.HighCount),
								strconv.Itoa(item.MediumCount),
								strconv.Itoa(item.LowCount),
								strconv.Itoa(item.OldestVulnAgeDays),
								item.OldestVulnID,
								strings.Join(item.ScopeTags, ", "),
							}
							if err := table.Append(row); err != nil {
								return err
							}
						}

						if err := table.Render(); err != nil {
							return err
						}
						fmt.Printf("page %d of %d, %d asset(s)\n", page.Page+1, page.TotalPages, page.TotalCount)

						return nil
					})
				},
			},
			{
				Name:    "vulnerabilities",
				Usage:   "list the vulnerabilities of an asset",
				Aliases: []string{"v"},
				Flags: []cli.Flag{
					principalFlag(),
					&cli.Uint64Flag{
						Name:     "id",
						Usage:    "asset id",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "page",
						Usage: "page number to retrieve, starting at 0",
					},
					&cli.IntFlag{
						Name:  "size",
						Usage: "page size to use",
						Value: query.DefaultPageSize,
					},
					&cli.BoolFlag{
						Name:  "all",
						Usage: "include vulnerabilities which are not overdue",
					},
				},
				Action: func(ctx *cli.Context) error {
					params := query.DetailParams{
						Page:        ctx.Int("page"),
						PageSize:    ctx.Int("size"),
						OnlyOverdue: !ctx.Bool("all"),
					}

					return withEngine(ctx, func(engine *query.Engine, sc scope.Scope) error {
						detail, err := engine.AssetDetail(ctx.Context, sc, ctx.Uint64("id"), params)
						if err != nil {
							return err
						}

						fmt.Printf("%s (threshold %d days)\n", detail.Asset.Name, detail.ThresholdDays)
						if len(detail.Vulnerabilities.Items) == 0 {
							return nil
						}

						headers := []string{
							"CVE",
							"SEVERITY",
							"AGE (DAYS)",
							"OVERDUE",
							"DETECTED-AT",
						}
						table := newTableWriter(os.Stdout, headers)
						for _, item := range detail.Vulnerabilities.Items {
							row := []string{
								item.VulnerabilityID,
								string(item.Severity),
								strconv.Itoa(item.AgeDays),
								strconv.FormatBool(item.Overdue),
								item.DetectedAt.Format("2006-01-02"),
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
				Name:    "summary",
				Usage:   "display a summary of the current snapshot",
				Aliases: []string{"s"},
				Flags:   []cli.Flag{principalFlag()},
				Action: func(ctx *cli.Context) error {
					return withEngine(ctx, func(engine *query.Engine, sc scope.Scope) error {
						summary, err := engine.Summary(ctx.Context, sc)
						if err != nil {
							return err
						}

						if !summary.Available {
							fmt.Println("no snapshot has been calculated yet")
							return nil
						}

						fmt.Printf("%-20s: %s\n", "Job", summary.JobID)
						fmt.Printf("%-20s: %s\n", "Calculated At", summary.CalculatedAt.String())
						fmt.Printf("%-20s: %d\n", "Threshold (days)", summary.ThresholdDays)
						fmt.Printf("%-20s: %d\n", "Assets", summary.Assets)
						fmt.Printf("%-20s: %d\n", "Overdue", summary.TotalOverdue)
						fmt.Printf("%-20s: %d\n", "Critical", summary.Critical)
						fmt.Printf("%-20s: %d\n", "High", summary.High)
						fmt.Printf("%-20s: %d\n", "Medium", summary.Medium)
						fmt.Printf("%-20s: %d\n", "Low", summary.Low)

						return nil
					})
				},
			},
		},
	}

	return cmd
}
