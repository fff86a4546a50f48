// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package calculator rebuilds the outdated-asset snapshot for a refresh job.
//
// Candidate assets are streamed in batches ordered by asset id. Each batch is
// summarized, staged in the materialized store and reported as progress. The
// staged snapshot is activated only after the last batch, so that a failing
// job never affects the snapshot served to readers.
package calculator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/uptrace/bun"
	"github.com/zeebo/xxh3"

	"github.com/schmalle/secman-outdated/pkg/metrics"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/severity"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
	"github.com/schmalle/secman-outdated/pkg/utils"
	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
)

// DefaultBatchSize is the default number of candidate assets per batch.
const DefaultBatchSize = 1000

// ErrCancelled is returned when the processing of a job was cancelled.
var ErrCancelled = errors.New("refresh cancelled")

// Source provides the candidate assets and their vulnerabilities.
type Source interface {
	CountCandidates(ctx context.Context, cutoff time.Time) (int, error)
	CandidateIDs(ctx context.Context, cutoff time.Time, after uint64, limit int) ([]uint64, error)
	Assets(ctx context.Context, ids []uint64) ([]*models.Asset, error)
	OverdueVulnerabilities(ctx context.Context, ids []uint64, cutoff time.Time) ([]*models.Vulnerability, error)
}

// Tracker records the lifecycle of refresh jobs.
type Tracker interface {
	Get(ctx context.Context, id string) (*models.RefreshJob, error)
	SetTotal(ctx context.Context, id string, total, thresholdDays int) error
	UpdateProgress(ctx context.Context, id string, processed, total int) (*models.RefreshJob, error)
	CompleteTx(ctx context.Context, tx bun.Tx, id string, processed int, digest string) (*models.RefreshJob, error)
	Fail(ctx context.Context, id string, message string) (*models.RefreshJob, error)
}

// Store persists snapshot rows.
type Store interface {
	Stage(ctx context.Context, jobID string, rows []*models.AssetOverdueSummary) error
	Activate(ctx context.Context, a store.Activation) (*models.Snapshot, error)
	Discard(ctx context.Context, jobID string) error
}

var (
	_ Source  = &source.Reader{}
	_ Tracker = &jobs.Tracker{}
	_ Store   = &store.Store{}
)

// Calculator computes [models.AssetOverdueSummary] rows for refresh jobs.
type Calculator struct {
	source     Source
	tracker    Tracker
	store      Store
	thresholds threshold.Provider
	publisher  progress.Publisher
	batchSize  int
	now        func() time.Time
}

// Option is a function which configures the [Calculator].
type Option func(c *Calculator)

// WithBatchSize configures the number of candidate assets per batch.
func WithBatchSize(size int) Option {
	opt := func(c *Calculator) {
		if size > 0 {
			c.batchSize = size
		}
	}

	return opt
}

// WithPublisher configures the [progress.Publisher] of progress events.
func WithPublisher(p progress.Publisher) Option {
	opt := func(c *Calculator) {
		c.publisher = p
	}

	return opt
}

// WithClock configures the clock used for computing vulnerability ages.
func WithClock(now func() time.Time) Option {
	opt := func(c *Calculator) {
		c.now = now
	}

	return opt
}

// New creates a new [Calculator].
func New(src Source, tracker Tracker, st Store, thresholds threshold.Provider, opts ...Option) *Calculator {
	c := &Calculator{
		source:     src,
		tracker:    tracker,
		store:      st,
		thresholds: thresholds,
		publisher:  progress.Discard,
		batchSize:  DefaultBatchSize,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// run holds the state of a single job execution.
type run struct {
	job           *models.RefreshJob
	now           time.Time
	thresholdDays int
	cutoff        time.Time
	total         int
	processed     int
	hasher        *xxh3.Hasher
	worst         map[severity.Severity]int
}

// Run processes the given running job until it completes or fails, and
// returns the terminal job. When processing fails the staged rows are
// discarded, the job is marked as failed and the cause is returned along
// with the failed job.
func (c *Calculator) Run(ctx context.Context, jobID string) (*models.RefreshJob, error) {
	job, err := c.tracker.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return job, fmt.Errorf("%w: %s is %s", jobs.ErrJobNotRunning, job.ID, job.Status)
	}

	logger := asynqutils.GetLogger(ctx).With("job_id", job.ID)
	logger.Info("refreshing outdated assets", "trigger", job.TriggerSource)

	r := &run{
		job:    job,
		hasher: xxh3.New(),
		worst:  make(map[severity.Severity]int),
	}
	if err := c.execute(ctx, logger, r); err != nil {
		return c.fail(ctx, logger, r, err)
	}

	return c.complete(ctx, logger, r)
}

func (c *Calculator) execute(ctx context.Context, logger *slog.Logger, r *run) error {
	// The threshold is read on every run, so that a changed threshold takes
	// effect with the next refresh.
	days, err := c.thresholds.ThresholdDays(ctx)
	if err != nil {
		return fmt.Errorf("cannot read threshold: %w", err)
	}

	r.now = c.now().UTC()
	r.thresholdDays = days
	r.cutoff = source.Cutoff(r.now, days)
	total, err := c.source.CountCandidates(ctx, r.cutoff)
	if err != nil {
		return fmt.Errorf("cannot count candidate assets: %w", err)
	}

	r.total = total
	if total != r.job.TotalAssets || days != r.job.ThresholdDays {
		if err := c.tracker.SetTotal(ctx, r.job.ID, total, days); err != nil {
			return err
		}
	}

	logger.Info("processing candidate assets", "total", total, "threshold_days", days, "batch_size", c.batchSize)
	var after uint64
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}

		ids, err := c.source.CandidateIDs(ctx, r.cutoff, after, c.batchSize)
		if err != nil {
			return fmt.Errorf("cannot fetch candidate assets: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		if err := c.batch(ctx, r, ids); err != nil {
			return err
		}
		after = ids[len(ids)-1]
	}
}

// batch summarizes, stages and reports a single batch of candidate assets.
func (c *Calculator) batch(ctx context.Context, r *run, ids []uint64) error {
	assets, err := c.source.Assets(ctx, ids)
	if err != nil {
		return fmt.Errorf("cannot fetch assets: %w", err)
	}

	vulns, err := c.source.OverdueVulnerabilities(ctx, ids, r.cutoff)
	if err != nil {
		return fmt.Errorf("cannot fetch vulnerabilities: %w", err)
	}

	rows := Summarize(r.now, r.thresholdDays, assets, vulns)
	if err := c.store.Stage(ctx, r.job.ID, rows); err != nil {
		return fmt.Errorf("cannot stage rows: %w", err)
	}

	for _, row := range rows {
		writeDigest(r.hasher, row)
		counts := severity.Counts{
			Critical: row.CriticalCount,
			High:     row.HighCount,
			Medium:   row.MediumCount,
			Low:      row.LowCount,
		}
		r.worst[counts.Worst()]++
	}

	r.processed += len(ids)
	metrics.RefreshAssetsProcessedTotal.Add(float64(len(ids)))

	job, err := c.tracker.UpdateProgress(ctx, r.job.ID, r.processed, r.total)
	if err != nil {
		return err
	}
	r.job = job
	c.publish(ctx, progress.FromJob(job))

	return nil
}

func (c *Calculator) complete(ctx context.Context, logger *slog.Logger, r *run) (*models.RefreshJob, error) {
	digest := fmt.Sprintf("%016x", r.hasher.Sum64())

	// The job is completed within the activation, so that a job which was
	// terminated concurrently never becomes the active snapshot.
	var job *models.RefreshJob
	snapshot, err := c.store.Activate(ctx, store.Activation{
		JobID:         r.job.ID,
		ThresholdDays: r.thresholdDays,
		Digest:        digest,
		Guard: func(ctx context.Context, tx bun.Tx) error {
			completed, err := c.tracker.CompleteTx(ctx, tx, r.job.ID, r.processed, digest)
			job = completed

			return err
		},
	})
	switch {
	case errors.Is(err, jobs.ErrJobNotRunning):
		logger.Warn("job terminated before activation, discarding rows", "reason", err)
		cleanupCtx := context.WithoutCancel(ctx)
		if derr := c.store.Discard(cleanupCtx, r.job.ID); derr != nil {
			logger.Error("cannot discard staged rows", "reason", derr)
		}

		terminated, gerr := c.tracker.Get(cleanupCtx, r.job.ID)
		if gerr != nil {
			return nil, errors.Join(err, gerr)
		}

		return terminated, err
	case err != nil:
		return c.fail(ctx, logger, r, fmt.Errorf("cannot activate snapshot: %w", err))
	}

	c.publish(ctx, progress.FromJob(job))
	metrics.RefreshJobsTotal.WithLabelValues(strings.ToLower(string(job.Status))).Inc()
	if job.DurationMs != nil {
		metrics.RefreshDurationSeconds.Observe(float64(*job.DurationMs) / 1000)
	}
	c.reportOutdatedAssets(r)

	logger.Info(
		"refresh completed",
		"processed", r.processed,
		"rows", snapshot.RowCount,
		"digest", digest,
		"duration_ms", job.DurationMs,
	)

	return job, nil
}

func (c *Calculator) fail(ctx context.Context, logger *slog.Logger, r *run, cause error) (*models.RefreshJob, error) {
	// Cleanup must happen even when ctx was cancelled.
	cleanupCtx := context.WithoutCancel(ctx)

	message := cause.Error()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		message = jobs.CancelledMessage
		if !errors.Is(cause, ErrCancelled) {
			cause = fmt.Errorf("%w: %w", ErrCancelled, cause)
		}
	}

	logger.Error("refresh failed", "processed", r.processed, "total", r.total, "reason", cause)

	var errs error
	if err := c.store.Discard(cleanupCtx, r.job.ID); err != nil {
		errs = errors.Join(errs, fmt.Errorf("cannot discard staged rows: %w", err))
	}

	job, err := c.tracker.Fail(cleanupCtx, r.job.ID, message)
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("cannot mark job as failed: %w", err))
	} else {
		c.publish(cleanupCtx, progress.FromJob(job))
		metrics.RefreshJobsTotal.WithLabelValues(strings.ToLower(string(job.Status))).Inc()
	}

	if errs != nil {
		logger.Error("cleanup of failed refresh incomplete", "reason", errs)
	}

	return job, cause
}

// publish is fire-and-forget. A failure to deliver progress never fails the
// job.
func (c *Calculator) publish(ctx context.Context, e progress.Event) {
	if err := c.publisher.Publish(ctx, e); err != nil {
		asynqutils.GetLogger(ctx).Warn("cannot publish progress event", "job_id", e.JobID, "reason", err)
	}
}

// reportOutdatedAssets reports the number of outdated assets of the new
// snapshot by their worst severity.
func (c *Calculator) reportOutdatedAssets(r *run) {
	for _, s := range []severity.Severity{severity.Critical, severity.High, severity.Medium, severity.Low} {
		label := strings.ToLower(s.String())
		metric := prometheus.MustNewConstMetric(
			metrics.OutdatedAssetsDesc,
			prometheus.GaugeValue,
			float64(r.worst[s]),
			label,
		)
		metrics.DefaultCollector.AddMetric(metrics.Key("outdated_assets", label), metric)
	}
}

// Summarize computes the rows of the given assets from their vulnerabilities.
// Vulnerabilities aged no more than thresholdDays at now, and those without
// a recognizable severity, are not counted. Assets without a counted
// vulnerability produce no row. Rows are returned in the order of assets.
func Summarize(now time.Time, thresholdDays int, assets []*models.Asset, vulns []*models.Vulnerability) []*models.AssetOverdueSummary {
	byAsset := utils.GroupBy(vulns, func(v *models.Vulnerability) uint64 {
		return v.AssetID
	})

	rows := make([]*models.AssetOverdueSummary, 0, len(assets))
	for _, asset := range assets {
		var counts severity.Counts
		var oldest *models.Vulnerability
		for _, v := range byAsset[asset.ID] {
			if source.AgeDays(now, v.DetectedAt) <= thresholdDays {
				continue
			}
			if !counts.Add(severity.Normalize(v.CVSSSeverity)) {
				continue
			}
			if oldest == nil || v.DetectedAt.Before(oldest.DetectedAt) {
				oldest = v
			}
		}

		if counts.Total() == 0 {
			continue
		}

		tags := source.ScopeTags(asset)
		slices.Sort(tags)

		oldestID := oldest.VulnerabilityID
		if oldestID == "" {
			oldestID = strconv.FormatUint(oldest.ID, 10)
		}

		rows = append(rows, &models.AssetOverdueSummary{
			AssetID:           asset.ID,
			AssetName:         asset.Name,
			AssetType:         asset.Type,
			TotalOverdueCount: counts.Total(),
			CriticalCount:     counts.Critical,
			HighCount:         counts.High,
			MediumCount:       counts.Medium,
			LowCount:          counts.Low,
			OldestVulnAgeDays: source.AgeDays(now, oldest.DetectedAt),
			OldestVulnID:      oldestID,
			ScopeTags:         tags,
			CalculatedAt:      now,
		})
	}

	return rows
}

// writeDigest adds the content of a row to the snapshot digest. The
// calculation time is excluded, so that identical source data yields an
// identical digest.
func writeDigest(h *xxh3.Hasher, row *models.AssetOverdueSummary) {
	_, _ = fmt.Fprintf(
		h,
		"%d|%s|%s|%d|%d|%d|%d|%d|%d|%s|%s\n",
		row.AssetID,
		row.AssetName,
		row.AssetType,
		row.TotalOverdueCount,
		row.CriticalCount,
		row.HighCount,
		row.MediumCount,
		row.LowCount,
		row.OldestVulnAgeDays,
		row.OldestVulnID,
		strings.Join(row.ScopeTags, ","),
	)
}
