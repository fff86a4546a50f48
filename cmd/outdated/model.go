// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"text/template"

	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/pkg/core/registry"
)

// errNoQueryTemplate is an error which is returned by the query sub-command,
// when an expected [text/template] body was not specified.
var errNoQueryTemplate = errors.New("no query template specified")

// NewModelCommand returns a new command for interfacing with the models.
func NewModelCommand() *cli.Command {
	cmd := &cli.Command{
		Name:    "model",
		Usage:   "model operations",
		Aliases: []string{"m"},
		Subcommands: []*cli.Command{
			{
				Name:    "list",
				Usage:   "list registered models",
				Aliases: []string{"ls"},
				Action: func(_ *cli.Context) error {
					for _, name := range registry.ModelRegistry.Keys() {
						fmt.Println(name)
					}

					return nil
				},
			},
			{
				Name:    "count",
				Usage:   "count the records of each registered model",
				Aliases: []string{"c"},
				Before: func(ctx *cli.Context) error {
					return validateDBConfig(getConfig(ctx))
				},
				Action: func(ctx *cli.Context) error {
					db, err := newDB(getConfig(ctx))
					if err != nil {
						return err
					}
					defer db.Close() // nolint: errcheck

					headers := []string{
						"MODEL",
						"TABLE",
						"RECORDS",
					}
					table := newTableWriter(os.Stdout, headers)
					walker := func(name string, model any) error {
						count, err := db.NewSelect().Model(model).Count(ctx.Context)
						if err != nil {
							return fmt.Errorf("cannot count %q records: %w", name, err)
						}

						tableName := db.Table(reflect.TypeOf(model).Elem()).Name
						row := []string{name, tableName, strconv.Itoa(count)}

						return table.Append(row)
					}
					if err := registry.ModelRegistry.Range(walker); err != nil {
						return err
					}

					return table.Render()
				},
			},
			{
				Name:    "query",
				Usage:   "query data for a given model",
				Aliases: []string{"q"},
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "model",
						Usage:    "model name to query",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "template",
						Usage: "template body to render",
					},
					&cli.IntFlag{
						Name:  "limit",
						Usage: "fetch up to this number of records",
						Value: 0,
					},
					&cli.IntFlag{
						Name:  "offset",
						Usage: "fetch records starting from this offset",
						Value: 0,
					},
					&cli.StringFlag{
						Name:  "order",
						Usage: "order expression, e.g. \"started_at DESC\"",
					},
				},
				Before: func(ctx *cli.Context) error {
					return validateDBConfig(getConfig(ctx))
				},
				Action: func(ctx *cli.Context) error {
					templateBody := ctx.String("template")
					if templateBody == "" {
						return errNoQueryTemplate
					}

					modelName := ctx.String("model")
					model, ok := registry.ModelRegistry.Get(modelName)
					if !ok {
						return fmt.Errorf("model %q not found in registry", modelName)
					}

					offset := ctx.Int("offset")
					if offset < 0 {
						return fmt.Errorf("invalid offset %d", offset)
					}
					limit := ctx.Int("limit")
					if limit < 0 {
						return fmt.Errorf("invalid limit %d", limit)
					}

					tmpl, err := template.New("outdated").Parse(templateBody)
					if err != nil {
						return err
					}

					db, err := newDB(getConfig(ctx))
					if err != nil {
						return err
					}
					defer db.Close() // nolint: errcheck

					// The template receives a slice of the model type
					modelType := reflect.TypeOf(model).Elem()
					slice := reflect.MakeSlice(reflect.SliceOf(modelType), 0, 0)
					items := reflect.New(slice.Type())
					items.Elem().Set(slice)

					query := db.NewSelect().Model(items.Interface()).Offset(offset)
					if limit > 0 {
						query = query.Limit(limit)
					}
					if order := ctx.String("order"); order != "" {
						query = query.OrderExpr(order)
					}

					if err := query.Scan(ctx.Context); err != nil {
						return err
					}

					return tmpl.Execute(os.Stdout, items.Interface())
				},
			},
		},
	}

	return cmd
}
