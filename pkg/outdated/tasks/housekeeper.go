// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/schmalle/secman-outdated/pkg/clients/db"
	"github.com/schmalle/secman-outdated/pkg/metrics"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
)

// prunedJobsDesc is the descriptor for a metric, which tracks the number of
// refresh jobs deleted by the last prune run.
var prunedJobsDesc = prometheus.NewDesc(
	prometheus.BuildFQName(metrics.Namespace, "", "pruned_refresh_jobs"),
	"Gauge which tracks the number of refresh jobs deleted by the last prune run",
	nil,
	nil,
)

// PruneJobsPayload represents the payload of the prune task.
type PruneJobsPayload struct {
	// Retention specifies the max duration for which a terminated job is
	// kept. Defaults to the configured job retention. Nothing is pruned
	// when neither is set.
	//
	// For example:
	//
	// CompletedAt of a job is set to: Thu May 30 16:00:00 EEST 2024
	// Retention is configured to: 720h
	//
	// The job is deleted by the first run after Sat Jun 29 16:00:00 EEST
	// 2024.
	Retention time.Duration `yaml:"retention" json:"retention"`
}

// HandlePruneJobsTask deletes terminated refresh jobs, which completed
// before the retention. The jobs backing the active and the previous
// snapshot are always kept.
func HandlePruneJobsTask(ctx context.Context, task *asynq.Task) error {
	var payload PruneJobsPayload
	if len(task.Payload()) > 0 {
		if err := asynqutils.Unmarshal(task.Payload(), &payload); err != nil {
			return asynqutils.SkipRetry(err)
		}
	}

	retention := payload.Retention
	if retention <= 0 {
		retention = getConfig().JobRetention
	}

	logger := asynqutils.GetLogger(ctx)
	if retention <= 0 {
		logger.Debug("job retention not configured, nothing to prune")
		return nil
	}

	snapshot, err := store.New(db.DB).Current(ctx)
	if err != nil {
		return err
	}

	keep := make([]string, 0, 2)
	if snapshot != nil {
		keep = append(keep, snapshot.JobID)
		if snapshot.PreviousJobID != "" {
			keep = append(keep, snapshot.PreviousJobID)
		}
	}

	before := time.Now().Add(-retention)
	count, err := jobs.NewTracker(db.DB).Prune(ctx, before, keep...)
	if err != nil {
		return err
	}

	logger.Info("pruned refresh jobs", "count", count, "retention", retention)

	metric := prometheus.MustNewConstMetric(
		prunedJobsDesc,
		prometheus.GaugeValue,
		float64(count),
	)
	metrics.DefaultCollector.AddMetric(metrics.Key(PruneJobsTaskType), metric)

	return nil
}

// init registers the metric descriptors with the [metrics.DefaultCollector]
func init() {
	metrics.DefaultCollector.AddDesc(prunedJobsDesc)
}
