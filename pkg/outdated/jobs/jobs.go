// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package jobs persists refresh jobs and enforces that at most one job is
// running at any time.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/utils/ptr"
)

// ErrJobNotFound is returned when a job does not exist.
var ErrJobNotFound = errors.New("refresh job not found")

// ErrJobNotRunning is returned when attempting to update a job, which has
// already terminated.
var ErrJobNotRunning = errors.New("refresh job is not running")

// ErrConflict is matched by [ConflictError] via [errors.Is].
var ErrConflict = errors.New("refresh already in progress")

// CancelledMessage is the error message of jobs which failed because their
// processing was cancelled.
const CancelledMessage = "cancelled"

// ConflictError is returned when a refresh is triggered while another job is
// running. It carries the running job.
type ConflictError struct {
	Job *models.RefreshJob
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: job %s at %d%%", ErrConflict, e.Job.ID, e.Job.ProgressPercent)
}

// Is reports whether target is [ErrConflict].
func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// Tracker persists [models.RefreshJob] records.
type Tracker struct {
	db  bun.IDB
	now func() time.Time
}

// Option is a function which configures the [Tracker].
type Option func(t *Tracker)

// WithClock configures the [Tracker] to use the given clock.
func WithClock(now func() time.Time) Option {
	opt := func(t *Tracker) {
		t.now = now
	}

	return opt
}

// NewTracker creates a new [Tracker].
func NewTracker(db bun.IDB, opts ...Option) *Tracker {
	t := &Tracker{
		db:  db,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Percent derives the progress percentage of a running job. It is capped at
// 99, since only a completed job is at 100%.
func Percent(processed, total int) int {
	if total <= 0 || processed <= 0 {
		return 0
	}

	percent := processed * 100 / total

	return min(percent, 99)
}

// Start creates a new running job, unless another job is running already,
// in which case a [*ConflictError] is returned.
//
// The check for a running job and the insert happen within a single
// transaction. A unique index on running jobs rejects the insert of
// concurrent callers, which are then reported the winning job as conflict.
func (t *Tracker) Start(ctx context.Context, source string, total, thresholdDays int) (*models.RefreshJob, error) {
	now := t.now().UTC()
	job := &models.RefreshJob{
		ID:            uuid.NewString(),
		Status:        models.JobStatusRunning,
		TriggerSource: source,
		StartedAt:     now,
		UpdatedAt:     now,
		TotalAssets:   total,
		ThresholdDays: thresholdDays,
	}

	err := t.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		running, err := running(ctx, tx)
		if err != nil {
			return err
		}
		if running != nil {
			return &ConflictError{Job: running}
		}

		_, err = tx.NewInsert().Model(job).Exec(ctx)

		return err
	})

	var conflict *ConflictError
	switch {
	case err == nil:
		return job, nil
	case errors.As(err, &conflict):
		return nil, err
	}

	// The insert may have lost the race against a concurrent caller.
	existing, lookupErr := t.Running(ctx)
	if lookupErr == nil && existing != nil {
		return nil, &ConflictError{Job: existing}
	}

	return nil, fmt.Errorf("cannot create refresh job: %w", err)
}

// running returns the running job or nil if there is none.
func running(ctx context.Context, db bun.IDB) (*models.RefreshJob, error) {
	jobs := make([]*models.RefreshJob, 0)
	err := db.NewSelect().
		Model(&jobs).
		Where("status = ?", models.JobStatusRunning).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, nil
	}

	return jobs[0], nil
}

// Running returns the running job, or nil if no job is running.
func (t *Tracker) Running(ctx context.Context) (*models.RefreshJob, error) {
	return running(ctx, t.db)
}

// Get returns the job with the given id.
func (t *Tracker) Get(ctx context.Context, id string) (*models.RefreshJob, error) {
	return get(ctx, t.db, id)
}

func get(ctx context.Context, db bun.IDB, id string) (*models.RefreshJob, error) {
	var job models.RefreshJob
	err := db.NewSelect().Model(&job).Where("id = ?", id).Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	case err != nil:
		return nil, err
	}

	return &job, nil
}

// List returns up to limit jobs, newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]*models.RefreshJob, error) {
	if limit <= 0 {
		limit = 20
	}

	jobs := make([]*models.RefreshJob, 0)
	err := t.db.NewSelect().
		Model(&jobs).
		Order("started_at DESC").
		OrderExpr("id ASC").
		Limit(limit).
		Scan(ctx)

	return jobs, err
}

// SetTotal updates the number of candidate assets of a running job.
func (t *Tracker) SetTotal(ctx context.Context, id string, total, thresholdDays int) error {
	res, err := t.db.NewUpdate().
		Model((*models.RefreshJob)(nil)).
		Set("total_assets = ?", total).
		Set("threshold_days = ?", thresholdDays).
		Set("updated_at = ?", t.now().UTC()).
		Where("id = ?", id).
		Where("status = ?", models.JobStatusRunning).
		Exec(ctx)

	return checkRunning(res, err, id)
}

// UpdateProgress records the number of processed assets of a running job.
// The progress never decreases.
func (t *Tracker) UpdateProgress(ctx context.Context, id string, processed, total int) (*models.RefreshJob, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}

	job.AssetsProcessed = max(job.AssetsProcessed, processed)
	job.TotalAssets = max(total, job.AssetsProcessed)
	job.ProgressPercent = Percent(job.AssetsProcessed, job.TotalAssets)
	job.UpdatedAt = t.now().UTC()

	res, err := t.db.NewUpdate().
		Model(job).
		Column("assets_processed", "total_assets", "progress_percent", "updated_at").
		WherePK().
		Where("status = ?", models.JobStatusRunning).
		Exec(ctx)
	if err := checkRunning(res, err, id); err != nil {
		return nil, err
	}

	return job, nil
}

// Complete transitions a running job to completed.
func (t *Tracker) Complete(ctx context.Context, id string, processed int, digest string) (*models.RefreshJob, error) {
	return t.complete(ctx, t.db, id, processed, digest)
}

// CompleteTx is like [Tracker.Complete], but uses the given transaction.
// Callers use it to complete a job atomically with the activation of its
// snapshot. [ErrJobNotRunning] is returned when the job has terminated in
// the meantime, e.g. because it was reset as stalled.
func (t *Tracker) CompleteTx(ctx context.Context, tx bun.Tx, id string, processed int, digest string) (*models.RefreshJob, error) {
	return t.complete(ctx, tx, id, processed, digest)
}

func (t *Tracker) complete(ctx context.Context, db bun.IDB, id string, processed int, digest string) (*models.RefreshJob, error) {
	job, err := get(ctx, db, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}

	now := t.now().UTC()
	job.Status = models.JobStatusCompleted
	job.AssetsProcessed = max(job.AssetsProcessed, processed)
	job.TotalAssets = max(job.TotalAssets, job.AssetsProcessed)
	job.ProgressPercent = 100
	job.CompletedAt = ptr.To(now)
	job.UpdatedAt = now
	job.DurationMs = ptr.To(now.Sub(job.StartedAt).Milliseconds())
	job.SnapshotDigest = digest

	return job, finish(ctx, db, job)
}

// Fail transitions a running job to failed with the given message. The
// progress recorded so far is retained.
func (t *Tracker) Fail(ctx context.Context, id string, message string) (*models.RefreshJob, error) {
	job, err := t.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != models.JobStatusRunning {
		return nil, fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}

	now := t.now().UTC()
	job.Status = models.JobStatusFailed
	job.CompletedAt = ptr.To(now)
	job.UpdatedAt = now
	job.DurationMs = ptr.To(now.Sub(job.StartedAt).Milliseconds())
	job.ErrorMessage = ptr.To(message)

	return job, finish(ctx, t.db, job)
}

// finish persists a terminal job. The update only applies while the job is
// still running, so that a job is finalized exactly once.
func finish(ctx context.Context, db bun.IDB, job *models.RefreshJob) error {
	res, err := db.NewUpdate().
		Model(job).
		Column(
			"status",
			"assets_processed",
			"total_assets",
			"progress_percent",
			"completed_at",
			"updated_at",
			"duration_ms",
			"error_message",
			"snapshot_digest",
		).
		WherePK().
		Where("status = ?", models.JobStatusRunning).
		Exec(ctx)

	return checkRunning(res, err, job.ID)
}

// ResetStalled fails running jobs which did not report progress within the
// given timeout, and returns them.
func (t *Tracker) ResetStalled(ctx context.Context, timeout time.Duration) ([]*models.RefreshJob, error) {
	cutoff := t.now().UTC().Add(-timeout)
	stalled := make([]*models.RefreshJob, 0)
	err := t.db.NewSelect().
		Model(&stalled).
		Where("status = ?", models.JobStatusRunning).
		Where("updated_at < ?", cutoff).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	reset := make([]*models.RefreshJob, 0, len(stalled))
	for _, job := range stalled {
		msg := fmt.Sprintf("stalled: no progress for more than %s", timeout)
		failed, err := t.Fail(ctx, job.ID, msg)
		switch {
		case errors.Is(err, ErrJobNotRunning):
			// Terminated concurrently
			continue
		case err != nil:
			return reset, err
		}
		reset = append(reset, failed)
	}

	return reset, nil
}

// Prune deletes terminated jobs which completed before the given time and
// returns the number of deleted jobs. Running jobs and the jobs listed in
// keep are retained.
func (t *Tracker) Prune(ctx context.Context, before time.Time, keep ...string) (int64, error) {
	q := t.db.NewDelete().
		Model((*models.RefreshJob)(nil)).
		Where("status != ?", models.JobStatusRunning).
		Where("completed_at < ?", before.UTC())

	if len(keep) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(keep))
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// checkRunning maps an update which matched no rows to [ErrJobNotRunning].
func checkRunning(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}

	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotRunning, id)
	}

	return nil
}
