// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package tasks provides the asynq tasks of the outdated-asset view.
package tasks

import (
	"sync"

	"github.com/hibiken/asynq"

	"github.com/schmalle/secman-outdated/pkg/clients/db"
	redisclient "github.com/schmalle/secman-outdated/pkg/clients/redis"
	"github.com/schmalle/secman-outdated/pkg/core/config"
	"github.com/schmalle/secman-outdated/pkg/core/registry"
	"github.com/schmalle/secman-outdated/pkg/outdated/calculator"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
)

const (
	// RefreshTaskType is the name of the task which processes a single
	// refresh job.
	RefreshTaskType = "outdated:task:refresh"

	// TriggerRefreshTaskType is the name of the task which triggers a new
	// refresh, e.g. once an import completed.
	TriggerRefreshTaskType = "outdated:task:trigger-refresh"

	// SweepStalledTaskType is the name of the task which fails running jobs
	// without recent progress.
	SweepStalledTaskType = "outdated:task:sweep-stalled"

	// PruneJobsTaskType is the name of the task which deletes old
	// terminated jobs.
	PruneJobsTaskType = "outdated:task:prune-jobs"

	// DeleteArchivedTaskType is the name of the task which deletes archived
	// tasks from a queue.
	DeleteArchivedTaskType = "outdated:task:delete-archived-tasks"
)

var (
	mu       sync.RWMutex
	settings = defaultSettings()
)

func defaultSettings() config.RefreshConfig {
	return config.RefreshConfig{
		BatchSize:            config.DefaultBatchSize,
		StallTimeout:         config.DefaultStallTimeout,
		Dispatch:             config.DispatchQueue,
		Queue:                config.DefaultQueueName,
		DefaultThresholdDays: config.DefaultThresholdDays,
		TaskTimeout:          config.DefaultTaskTimeout,
	}
}

// SetConfig shall be invoked from cli commands to configure the refresh
// settings used by the task handlers.
func SetConfig(conf config.RefreshConfig) {
	mu.Lock()
	defer mu.Unlock()
	settings = conf
}

func getConfig() config.RefreshConfig {
	mu.RLock()
	defer mu.RUnlock()

	return settings
}

// newCalculator creates a [calculator.Calculator] using the shared clients.
// Progress events are published on Redis, when a Redis client is set.
func newCalculator() *calculator.Calculator {
	conf := getConfig()
	publisher := progress.Discard
	if redisclient.IsConfigured() {
		publisher = progress.NewRedisPublisher(redisclient.Client)
	}

	return calculator.New(
		source.NewReader(db.DB),
		jobs.NewTracker(db.DB),
		store.New(db.DB),
		threshold.NewStore(db.DB, conf.DefaultThresholdDays),
		calculator.WithBatchSize(conf.BatchSize),
		calculator.WithPublisher(publisher),
	)
}

// newCoordinator creates a [coordinator.Coordinator] using the shared
// clients, which dispatches jobs via the given dispatcher.
func newCoordinator(dispatcher coordinator.Dispatcher) *coordinator.Coordinator {
	conf := getConfig()

	return coordinator.New(
		jobs.NewTracker(db.DB),
		source.NewReader(db.DB),
		threshold.NewStore(db.DB, conf.DefaultThresholdDays),
		dispatcher,
	)
}

func init() {
	registry.TaskRegistry.MustRegister(RefreshTaskType, asynq.HandlerFunc(HandleRefreshTask))
	registry.TaskRegistry.MustRegister(TriggerRefreshTaskType, asynq.HandlerFunc(HandleTriggerRefreshTask))
	registry.TaskRegistry.MustRegister(SweepStalledTaskType, asynq.HandlerFunc(HandleSweepStalledTask))
	registry.TaskRegistry.MustRegister(PruneJobsTaskType, asynq.HandlerFunc(HandlePruneJobsTask))
	registry.TaskRegistry.MustRegister(DeleteArchivedTaskType, asynq.HandlerFunc(HandleDeleteArchivedTask))

	registry.ScheduledTaskRegistry.MustRegister(SweepStalledTaskType, &registry.PeriodicTask{
		Spec: "@every 1m",
		Task: asynq.NewTask(SweepStalledTaskType, nil),
	})
	registry.ScheduledTaskRegistry.MustRegister(PruneJobsTaskType, &registry.PeriodicTask{
		Spec: "@daily",
		Task: asynq.NewTask(PruneJobsTaskType, nil),
	})
	registry.ScheduledTaskRegistry.MustRegister(DeleteArchivedTaskType, &registry.PeriodicTask{
		Spec: "@hourly",
		Task: asynq.NewTask(DeleteArchivedTaskType, nil),
	})
}
