// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package coordinator is the entrypoint of all refresh triggers. It creates
// refresh jobs under the single-flight guard of the job tracker and
// dispatches them for asynchronous processing.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/schmalle/secman-outdated/pkg/metrics"
	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
)

// ErrInvalidTriggerSource is returned when a refresh is triggered without a
// source label.
var ErrInvalidTriggerSource = errors.New("invalid trigger source")

// Dispatcher submits a created job for asynchronous processing. Dispatch
// must return without waiting for the job to complete.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// DispatcherFunc is an adapter which allows the use of ordinary functions as
// [Dispatcher].
type DispatcherFunc func(ctx context.Context, jobID string) error

// Dispatch implements the [Dispatcher] interface.
func (f DispatcherFunc) Dispatch(ctx context.Context, jobID string) error {
	return f(ctx, jobID)
}

// Counter counts the candidate assets of a refresh.
type Counter interface {
	CountCandidates(ctx context.Context, cutoff time.Time) (int, error)
}

// ThresholdStore reads and persists the overdue threshold.
type ThresholdStore interface {
	threshold.Provider
	SetThresholdDays(ctx context.Context, days int) error
}

// Coordinator triggers refresh jobs and exposes their status.
type Coordinator struct {
	tracker    *jobs.Tracker
	counter    Counter
	thresholds ThresholdStore
	dispatcher Dispatcher
	now        func() time.Time
}

// Option is a function which configures the [Coordinator].
type Option func(c *Coordinator)

// WithClock configures the clock used for counting candidate assets.
func WithClock(now func() time.Time) Option {
	opt := func(c *Coordinator) {
		c.now = now
	}

	return opt
}

// New creates a new [Coordinator].
func New(tracker *jobs.Tracker, counter Counter, thresholds ThresholdStore, dispatcher Dispatcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		tracker:    tracker,
		counter:    counter,
		thresholds: thresholds,
		dispatcher: dispatcher,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// TriggerRefresh creates a new refresh job labelled with the given trigger
// source and dispatches it. It returns as soon as the job is dispatched.
//
// When a job is running already a [*jobs.ConflictError] carrying the running
// job is returned. When the job cannot be dispatched it is marked as failed.
func (c *Coordinator) TriggerRefresh(ctx context.Context, triggerSource string) (*models.RefreshJob, error) {
	if triggerSource == "" {
		return nil, ErrInvalidTriggerSource
	}

	days, err := c.thresholds.ThresholdDays(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read threshold: %w", err)
	}

	total, err := c.counter.CountCandidates(ctx, source.Cutoff(c.now(), days))
	if err != nil {
		return nil, fmt.Errorf("cannot count candidate assets: %w", err)
	}

	job, err := c.tracker.Start(ctx, triggerSource, total, days)
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			metrics.RefreshJobsTotal.WithLabelValues("conflict").Inc()
		}
		return nil, err
	}

	logger := slog.With("job_id", job.ID, "trigger", triggerSource)
	logger.Info("refresh job created", "total", total, "threshold_days", days)

	if err := c.dispatcher.Dispatch(ctx, job.ID); err != nil {
		logger.Error("cannot dispatch refresh job", "reason", err)
		msg := fmt.Sprintf("dispatch failed: %s", err)
		if _, failErr := c.tracker.Fail(context.WithoutCancel(ctx), job.ID, msg); failErr != nil {
			return nil, errors.Join(err, failErr)
		}
		metrics.RefreshJobsTotal.WithLabelValues("failed").Inc()

		return nil, fmt.Errorf("cannot dispatch refresh job %s: %w", job.ID, err)
	}

	return job, nil
}

// GetJobStatus returns the job with the given id.
func (c *Coordinator) GetJobStatus(ctx context.Context, jobID string) (*models.RefreshJob, error) {
	return c.tracker.Get(ctx, jobID)
}

// ListJobs returns up to limit jobs, newest first.
func (c *Coordinator) ListJobs(ctx context.Context, limit int) ([]*models.RefreshJob, error) {
	return c.tracker.List(ctx, limit)
}

// RunningJob returns the running job, or nil if no job is running.
func (c *Coordinator) RunningJob(ctx context.Context) (*models.RefreshJob, error) {
	return c.tracker.Running(ctx)
}

// ResetStalled fails running jobs which did not report progress within the
// given timeout.
func (c *Coordinator) ResetStalled(ctx context.Context, timeout time.Duration) ([]*models.RefreshJob, error) {
	reset, err := c.tracker.ResetStalled(ctx, timeout)
	for _, job := range reset {
		slog.Warn("reset stalled refresh job", "job_id", job.ID, "updated_at", job.UpdatedAt)
		metrics.RefreshJobsTotal.WithLabelValues("failed").Inc()
	}

	return reset, err
}

// ThresholdDays returns the current overdue threshold.
func (c *Coordinator) ThresholdDays(ctx context.Context) (int, error) {
	return c.thresholds.ThresholdDays(ctx)
}

// SetThreshold persists a new overdue threshold and triggers a refresh, so
// that the snapshot reflects the new threshold. A refresh which is running
// already is not treated as an error; the returned job is nil in this case
// and the new threshold applies to the next refresh.
func (c *Coordinator) SetThreshold(ctx context.Context, days int) (*models.RefreshJob, error) {
	if err := c.thresholds.SetThresholdDays(ctx, days); err != nil {
		return nil, err
	}
	slog.Info("overdue threshold updated", "threshold_days", days)

	job, err := c.TriggerRefresh(ctx, constants.TriggerConfigChange)
	if errors.Is(err, jobs.ErrConflict) {
		return nil, nil
	}

	return job, err
}

// Runner processes a single job.
type Runner interface {
	Run(ctx context.Context, jobID string) (*models.RefreshJob, error)
}

// InlineDispatcher runs jobs in goroutines of the current process.
type InlineDispatcher struct {
	runner Runner
	ctx    context.Context
	wg     sync.WaitGroup
}

var _ Dispatcher = &InlineDispatcher{}

// NewInlineDispatcher creates a new [InlineDispatcher]. Jobs run with the
// given base context, which is independent of the triggering request.
func NewInlineDispatcher(ctx context.Context, runner Runner) *InlineDispatcher {
	return &InlineDispatcher{runner: runner, ctx: ctx}
}

// Dispatch implements the [Dispatcher] interface.
func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string) error {
	if err := d.ctx.Err(); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.runner.Run(d.ctx, jobID); err != nil {
			slog.Error("refresh job failed", "job_id", jobID, "reason", err)
		}
	}()

	return nil
}

// Wait blocks until all dispatched jobs have terminated.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
