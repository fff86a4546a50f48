// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrNoConfigVersion error is returned when the configuration does not specify
// config format version.
var ErrNoConfigVersion = errors.New("config format version not specified")

// ErrUnsupportedVersion is an error, which is returned when the config file
// uses an incompatible version format.
var ErrUnsupportedVersion = errors.New("unsupported config format version")

// ConfigFormatVersion represents the supported config format version.
const ConfigFormatVersion = "v1alpha1"

// DefaultQueueName is the name of the default queue, if none was configured.
const DefaultQueueName = "default"

const (
	// DefaultBatchSize is the default number of candidate assets processed
	// by a single refresh batch.
	DefaultBatchSize = 1000

	// DefaultStallTimeout is the default duration after which a running
	// refresh job without progress is considered stalled.
	DefaultStallTimeout = 2 * time.Minute

	// DefaultThresholdDays is the overdue-day threshold used when none has
	// been stored yet.
	DefaultThresholdDays = 30

	// DefaultPageSizeLimit is the hard ceiling for page sizes served by
	// the API.
	DefaultPageSizeLimit = 100

	// DefaultAPIAddress is the default address of the API server.
	DefaultAPIAddress = ":8080"

	// DefaultTaskTimeout is the default timeout of refresh tasks.
	DefaultTaskTimeout = time.Hour
)

// Dispatch modes for refresh jobs.
const (
	// DispatchQueue submits refresh jobs as asynq tasks, which are then
	// processed by the workers.
	DispatchQueue = "queue"

	// DispatchInline runs refresh jobs in the process which created them.
	DispatchInline = "inline"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config represents the service configuration.
type Config struct {
	// Version is the version of the config file.
	Version string `yaml:"version"`

	// Debug configures debug mode, if set to true.
	Debug bool `yaml:"debug"`

	// Logging provides the logging configuration.
	Logging LoggingConfig `yaml:"logging"`

	// Redis represents the Redis configuration
	Redis RedisConfig `yaml:"redis"`

	// Database represents the database configuration.
	Database DatabaseConfig `yaml:"database"`

	// Worker represents the worker configuration.
	Worker WorkerConfig `yaml:"worker"`

	// Scheduler represents the scheduler configuration.
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Dashboard represents the dashboard configuration.
	Dashboard DashboardConfig `yaml:"dashboard"`

	// API represents the HTTP API configuration.
	API APIConfig `yaml:"api"`

	// Metrics represents the metrics server configuration.
	Metrics MetricsConfig `yaml:"metrics"`

	// Refresh configures the refresh jobs of the materialized view.
	Refresh RefreshConfig `yaml:"refresh"`

	// Scope configures the static access scope resolver.
	Scope ScopeConfig `yaml:"scope"`
}

// LoggingConfig provides the logging settings.
type LoggingConfig struct {
	// Level specifies the log level. One of debug, info, warn or error.
	Level string `yaml:"level"`

	// Format specifies the log format. One of text or json.
	Format string `yaml:"format"`

	// AddSource adds the source code position to log events, if set.
	AddSource bool `yaml:"add_source"`

	// Attributes are static attributes added to every log event.
	Attributes map[string]string `yaml:"attributes"`

	// File configures an optional rotating log file, which receives log
	// events in addition to stderr.
	File LogFileConfig `yaml:"file"`
}

// LogFileConfig provides the settings for the rotating log file.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// RedisConfig provides Redis specific configuration settings.
type RedisConfig struct {
	// Endpoint is the endpoint of the Redis service.
	Endpoint string `yaml:"endpoint"`

	// Username and Password are used for authenticating against Redis.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// DB is the Redis database to select.
	DB int `yaml:"db"`
}

// DatabaseConfig provides database specific configuration settings.
type DatabaseConfig struct {
	// Driver specifies the database driver. Either postgres (default) or
	// sqlite.
	Driver string `yaml:"driver"`

	// DSN is the Data Source Name to connect to.
	DSN string `yaml:"dsn"`

	// MigrationDirectory specifies an alternate location with migration
	// files.
	MigrationDirectory string `yaml:"migration_dir"`
}

// WorkerConfig provides worker specific configuration settings.
type WorkerConfig struct {
	// Concurrency specifies the concurrency level for workers.
	Concurrency int `yaml:"concurrency"`

	// Queues specifies the queues and their priority.
	Queues map[string]int `yaml:"queues"`

	// StrictPriority specifies whether queue priority is treated strictly.
	StrictPriority bool `yaml:"strict_priority"`
}

// SchedulerConfig provides scheduler specific configuration settings.
type SchedulerConfig struct {
	// DefaultQueue specifies the queue to which periodic tasks are
	// submitted, unless the job configures one.
	DefaultQueue string `yaml:"default_queue"`

	// Jobs specifies additional periodic jobs.
	Jobs []*PeriodicJob `yaml:"jobs"`
}

// PeriodicJob represents a task which is enqueued periodically.
type PeriodicJob struct {
	// Name is the task name.
	Name string `yaml:"name"`

	// Spec is the cron spec of the job.
	Spec string `yaml:"spec"`

	// Desc is an optional description of the job.
	Desc string `yaml:"desc"`

	// Payload is an optional payload of the task.
	Payload string `yaml:"payload"`

	// Queue is an optional queue name.
	Queue string `yaml:"queue"`
}

// DashboardConfig provides the settings of the queue dashboard.
type DashboardConfig struct {
	Address            string `yaml:"address"`
	ReadOnly           bool   `yaml:"read_only"`
	PrometheusEndpoint string `yaml:"prometheus_endpoint"`
}

// APIConfig provides the settings of the HTTP API.
type APIConfig struct {
	// Address is the network address the API listens on.
	Address string `yaml:"address"`

	// ReadHeaderTimeout is the timeout for reading request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// PageSizeLimit is the ceiling applied to requested page sizes.
	PageSizeLimit int `yaml:"page_size_limit"`

	// PrincipalHeader is the request header carrying the authenticated
	// principal.
	PrincipalHeader string `yaml:"principal_header"`
}

// MetricsConfig provides the settings of the metrics server.
type MetricsConfig struct {
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// RefreshConfig provides the settings of refresh jobs.
type RefreshConfig struct {
	// BatchSize is the number of candidate assets processed per batch.
	BatchSize int `yaml:"batch_size"`

	// StallTimeout is the duration without progress after which a running
	// job is considered stalled.
	StallTimeout time.Duration `yaml:"stall_timeout"`

	// Dispatch is either queue or inline.
	Dispatch string `yaml:"dispatch"`

	// Queue is the asynq queue refresh tasks are submitted to.
	Queue string `yaml:"queue"`

	// DefaultThresholdDays is used when no threshold has been stored.
	DefaultThresholdDays int `yaml:"default_threshold_days"`

	// TaskTimeout is the timeout of refresh tasks processed by workers.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// JobRetention is the duration for which terminated jobs are kept
	// before being pruned. Jobs are kept forever, if not set.
	JobRetention time.Duration `yaml:"job_retention"`
}

// ScopeConfig configures the static access scope resolver.
type ScopeConfig struct {
	// Admins are principals with unrestricted scope.
	Admins []string `yaml:"admins"`

	// Principals maps principals to the scope identifiers they may see,
	// e.g. workgroup:ops or owner:alice.
	Principals map[string][]string `yaml:"principals"`
}

// SetDefaults fills in the default values for settings which were not
// configured.
func (c *Config) SetDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = DriverPostgres
	}
	if c.Worker.Concurrency <= 0 {
		c.Worker.Concurrency = 10
	}
	if c.Scheduler.DefaultQueue == "" {
		c.Scheduler.DefaultQueue = DefaultQueueName
	}
	if c.API.Address == "" {
		c.API.Address = DefaultAPIAddress
	}
	if c.API.ReadHeaderTimeout <= 0 {
		c.API.ReadHeaderTimeout = 30 * time.Second
	}
	if c.API.PageSizeLimit <= 0 {
		c.API.PageSizeLimit = DefaultPageSizeLimit
	}
	if c.API.PrincipalHeader == "" {
		c.API.PrincipalHeader = "X-Principal"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Refresh.BatchSize <= 0 {
		c.Refresh.BatchSize = DefaultBatchSize
	}
	if c.Refresh.StallTimeout <= 0 {
		c.Refresh.StallTimeout = DefaultStallTimeout
	}
	if c.Refresh.Dispatch == "" {
		c.Refresh.Dispatch = DispatchQueue
	}
	if c.Refresh.Queue == "" {
		c.Refresh.Queue = DefaultQueueName
	}
	if c.Refresh.DefaultThresholdDays <= 0 {
		c.Refresh.DefaultThresholdDays = DefaultThresholdDays
	}
	if c.Refresh.TaskTimeout <= 0 {
		c.Refresh.TaskTimeout = DefaultTaskTimeout
	}
}

// Parse parses the config from the given path.
func Parse(path string) (*Config, error) {
	var conf Config
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &conf); err != nil {
		return nil, err
	}

	if conf.Version == "" {
		return nil, ErrNoConfigVersion
	}

	if conf.Version != ConfigFormatVersion {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedVersion, conf.Version)
	}

	conf.SetDefaults()

	return &conf, nil
}

// MustParse parses the config from the given path, or panics in case of errors.
func MustParse(path string) *Config {
	config, err := Parse(path)
	if err != nil {
		panic(err)
	}

	return config
}
