// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/extra/bundebug"
	_ "modernc.org/sqlite" // registers the sqlite driver

	"github.com/schmalle/secman-outdated/pkg/core/config"
)

// ErrInvalidDSN error is returned, when the DSN configuration is incorrect, or
// empty.
var ErrInvalidDSN = errors.New("invalid or missing database configuration")

// ErrUnsupportedDriver is returned when the configured database driver is not
// supported.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Option is a function which configures the [bun.DB].
type Option func(db *bun.DB)

// WithDebug is an [Option] which logs executed queries. When verbose is
// false only failed queries are logged.
func WithDebug(verbose bool) Option {
	opt := func(db *bun.DB) {
		db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(verbose)))
	}

	return opt
}

// NewFromConfig creates a new [bun.DB] based on the provided
// [config.DatabaseConfig] spec.
func NewFromConfig(conf config.DatabaseConfig, opts ...Option) (*bun.DB, error) {
	if conf.DSN == "" {
		return nil, ErrInvalidDSN
	}

	var db *bun.DB
	switch conf.Driver {
	case config.DriverPostgres, "":
		pgdb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(conf.DSN)))
		db = bun.NewDB(pgdb, pgdialect.New())
	case config.DriverSQLite:
		sqldb, err := OpenSQLite(conf.DSN)
		if err != nil {
			return nil, err
		}
		db = bun.NewDB(sqldb, sqlitedialect.New())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, conf.Driver)
	}

	for _, opt := range opts {
		opt(db)
	}

	return db, nil
}

// OpenSQLite opens a SQLite database. SQLite permits a single writer, so the
// pool is limited to one connection, which also keeps in-memory databases
// alive for the lifetime of the pool.
func OpenSQLite(dsn string) (*sql.DB, error) {
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)

	return sqldb, nil
}
