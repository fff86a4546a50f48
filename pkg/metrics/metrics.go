// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace is the namespace component of the fully qualified metric name
const Namespace = "outdated"

// DefaultRegistry is the default [prometheus.Registry] for metrics.
var DefaultRegistry = prometheus.NewPedanticRegistry()

var (
	// TaskSuccessfulTotal is a metric, which gets incremented each time a
	// task has been successfully executed.
	TaskSuccessfulTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_successful_total",
			Help:      "Total number of times a task has been successfully executed",
		},
		[]string{"task_name", "task_queue"},
	)

	// TaskFailedTotal is a metric, which gets incremented each time a task
	// has failed.
	TaskFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_failed_total",
			Help:      "Total number of times a task has failed",
		},
		[]string{"task_name", "task_queue"},
	)

	// TaskSkippedTotal is a metric, which gets incremented each time a task
	// has failed and will not be retried.
	TaskSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "task_skipped_total",
			Help:      "Total number of times a task has failed without retry",
		},
		[]string{"task_name", "task_queue"},
	)

	// TaskDurationSeconds tracks the duration of successful tasks.
	TaskDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of successfully executed tasks",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_name", "task_queue"},
	)

	// RefreshJobsTotal counts refresh jobs by their terminal status, and
	// triggers rejected due to a job already running.
	RefreshJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refresh_jobs_total",
			Help:      "Total number of refresh jobs by status",
		},
		[]string{"status"},
	)

	// RefreshDurationSeconds tracks the duration of completed refresh jobs.
	RefreshDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "refresh_duration_seconds",
			Help:      "Duration of completed refresh jobs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	// RefreshAssetsProcessedTotal counts the candidate assets processed by
	// refresh jobs.
	RefreshAssetsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "refresh_assets_processed_total",
			Help:      "Total number of candidate assets processed by refresh jobs",
		},
	)

	// ProgressEventsTotal counts published progress events.
	ProgressEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "progress_events_total",
			Help:      "Total number of published progress events",
		},
		[]string{"publisher"},
	)

	// OutdatedAssetsDesc describes the number of outdated assets in the
	// latest snapshot, partitioned by the worst severity of each asset.
	OutdatedAssetsDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "", "assets"),
		"Number of outdated assets in the latest snapshot by worst severity",
		[]string{"severity"},
		nil,
	)
)

// NewServer returns a new [http.Server] which can serve the metrics from
// [DefaultRegistry] on the specified network address and HTTP path. Callers
// are responsible for starting up and shutting down the HTTP server.
func NewServer(addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(
		path,
		promhttp.HandlerFor(DefaultRegistry, promhttp.HandlerOpts{}),
	)

	server := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: time.Second * 30,
		Handler:           mux,
	}

	return server
}

// init registers collectors with the [DefaultRegistry].
func init() {
	DefaultCollector.AddDesc(OutdatedAssetsDesc)

	DefaultRegistry.MustRegister(
		// Task metrics
		TaskSuccessfulTotal,
		TaskFailedTotal,
		TaskSkippedTotal,
		TaskDurationSeconds,

		// Refresh metrics
		RefreshJobsTotal,
		RefreshDurationSeconds,
		RefreshAssetsProcessedTotal,
		ProgressEventsTotal,
		DefaultCollector,

		// Standard Go metrics
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}
