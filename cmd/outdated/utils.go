// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/hibiken/asynq"
	"github.com/olekukonko/tablewriter"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v2"

	"github.com/schmalle/secman-outdated/internal/pkg/migrations"
	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/query"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
	dbutils "github.com/schmalle/secman-outdated/pkg/utils/db"
	slogutils "github.com/schmalle/secman-outdated/pkg/utils/slog"
)

// na is the string used to represent missing values in tables.
const na = "N/A"

// errNoRedisEndpoint is returned when the Redis endpoint was not configured.
var errNoRedisEndpoint = errors.New("no redis endpoint specified")

// errNoDashboardAddress is returned when the dashboard address was not
// configured.
var errNoDashboardAddress = errors.New("no dashboard address specified")

// errInvalidDispatch is returned for an unknown dispatch mode.
var errInvalidDispatch = errors.New("invalid dispatch mode")

// configKey is the key used to store the parsed configuration in the
// context.
type configKey struct{}

// getConfig extracts and returns the [config.Config] from app context.
func getConfig(ctx *cli.Context) *config.Config {
	conf, ok := ctx.Context.Value(configKey{}).(*config.Config)
	if !ok {
		panic("cannot get config from context")
	}

	return conf
}

// newTableWriter returns a new [tablewriter.Table] with the given headers.
func newTableWriter(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewTable(w)
	table.Header(headers)

	return table
}

// newLogger creates a [slog.Logger] from the logging configuration. The
// returned [io.Closer] releases the log file, if one is configured.
func newLogger(conf *config.Config) (*slog.Logger, io.Closer, error) {
	w, closer, err := slogutils.NewWriter(os.Stderr, conf.Logging.File)
	if err != nil {
		return nil, nil, fmt.Errorf("cannot open log file: %w", err)
	}

	logging := conf.Logging
	if conf.Debug {
		logging.Level = string(slogutils.LevelDebug)
	}

	logger, err := slogutils.NewFromConfig(w, logging)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}

	return logger, closer, nil
}

// validateDBConfig validates the database configuration.
func validateDBConfig(conf *config.Config) error {
	if conf.Database.DSN == "" {
		return dbutils.ErrInvalidDSN
	}

	switch conf.Database.Driver {
	case config.DriverPostgres, config.DriverSQLite:
		return nil
	default:
		return fmt.Errorf("%w: %s", dbutils.ErrUnsupportedDriver, conf.Database.Driver)
	}
}

// validateRedisConfig validates the Redis configuration.
func validateRedisConfig(conf *config.Config) error {
	if conf.Redis.Endpoint == "" {
		return errNoRedisEndpoint
	}

	return nil
}

// validateDashboardConfig validates the dashboard configuration.
func validateDashboardConfig(conf *config.Config) error {
	if conf.Dashboard.Address == "" {
		return errNoDashboardAddress
	}

	return nil
}

// validateRefreshConfig validates the refresh configuration.
func validateRefreshConfig(conf *config.Config) error {
	switch conf.Refresh.Dispatch {
	case config.DispatchQueue:
		return validateRedisConfig(conf)
	case config.DispatchInline:
		return nil
	default:
		return fmt.Errorf("%w: %s", errInvalidDispatch, conf.Refresh.Dispatch)
	}
}

// newDB returns a new [bun.DB] database based on the provided config.
func newDB(conf *config.Config) (*bun.DB, error) {
	opts := make([]dbutils.Option, 0)
	if conf.Debug {
		opts = append(opts, dbutils.WithDebug(true))
	}

	return dbutils.NewFromConfig(conf.Database, opts...)
}

// newMigrator returns a new [migrate.Migrator] for the given database. By
// default the bundled migrations are used, unless an alternate migrations
// directory was configured.
func newMigrator(conf *config.Config, db *bun.DB) (*migrate.Migrator, error) {
	m := migrations.Migrations
	migrationDir := conf.Database.MigrationDirectory
	if migrationDir != "" {
		m = migrate.NewMigrations(migrate.WithMigrationsDirectory(migrationDir))
		if err := m.Discover(os.DirFS(migrationDir)); err != nil {
			return nil, err
		}
	}

	return migrate.NewMigrator(db, m), nil
}

// newRedisClientOpt returns a new [asynq.RedisClientOpt] from the given
// config.
func newRedisClientOpt(conf *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     conf.Redis.Endpoint,
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	}
}

// newRedisClient returns a new [redis.Client] used for progress events.
func newRedisClient(conf *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     conf.Redis.Endpoint,
		Username: conf.Redis.Username,
		Password: conf.Redis.Password,
		DB:       conf.Redis.DB,
	})
}

// newAsynqClient creates a new [asynq.Client] from the given config.
func newAsynqClient(conf *config.Config) *asynq.Client {
	return asynq.NewClient(newRedisClientOpt(conf))
}

// newInspector returns a new [asynq.Inspector] from the given config.
func newInspector(conf *config.Config) *asynq.Inspector {
	return asynq.NewInspector(newRedisClientOpt(conf))
}

// newScheduler creates a new [asynq.Scheduler] from the given config.
func newScheduler(conf *config.Config) *asynq.Scheduler {
	preEnqueueFunc := func(t *asynq.Task, _ []asynq.Option) {
		slog.Info("enqueueing task", "name", t.Type())
	}

	postEnqueueFunc := func(info *asynq.TaskInfo, err error) {
		if err != nil {
			slog.Error("failed to enqueue task", "reason", err)
			return
		}
		slog.Info("enqueued task", "name", info.Type, "id", info.ID, "queue", info.Queue)
	}

	opts := &asynq.SchedulerOpts{
		PreEnqueueFunc:  preEnqueueFunc,
		PostEnqueueFunc: postEnqueueFunc,
		LogLevel:        asynq.WarnLevel,
	}

	return asynq.NewScheduler(newRedisClientOpt(conf), opts)
}

// components holds the domain components operating on a database.
type components struct {
	tracker    *jobs.Tracker
	store      *store.Store
	reader     *source.Reader
	thresholds *threshold.Store
}

func newComponents(conf *config.Config, db bun.IDB) *components {
	return &components{
		tracker:    jobs.NewTracker(db),
		store:      store.New(db),
		reader:     source.NewReader(db),
		thresholds: threshold.NewStore(db, conf.Refresh.DefaultThresholdDays),
	}
}

// coordinator returns a [coordinator.Coordinator] which dispatches jobs via
// the given dispatcher.
func (c *components) coordinator(dispatcher coordinator.Dispatcher) *coordinator.Coordinator {
	return coordinator.New(c.tracker, c.reader, c.thresholds, dispatcher)
}

// engine returns a [query.Engine] serving reads of the snapshot.
func (c *components) engine(conf *config.Config, db bun.IDB) *query.Engine {
	return query.New(
		db,
		c.store,
		c.reader,
		c.thresholds,
		query.WithPageSizeLimit(conf.API.PageSizeLimit),
	)
}
