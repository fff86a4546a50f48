// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/internal/pkg/dbtest"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTracker(t *testing.T) (*jobs.Tracker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	return jobs.NewTracker(dbtest.New(t), jobs.WithClock(clock.Now)), clock
}

func TestPercent(t *testing.T) {
	testCases := []struct {
		desc      string
		processed int
		total     int
		want      int
	}{
		{"nothing processed", 0, 100, 0},
		{"no candidates", 0, 0, 0},
		{"half way", 50, 100, 50},
		{"rounds down", 1, 3, 33},
		{"capped while running", 100, 100, 99},
		{"processed beyond total", 120, 100, 99},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			got := jobs.Percent(tc.processed, tc.total)
			if got != tc.want {
				t.Fatalf("Percent(%d, %d) == %d, want %d", tc.processed, tc.total, got, tc.want)
			}
		})
	}
}

func TestStartCreatesRunningJob(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	job, err := tracker.Start(ctx, "manual", 42, 30)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, job.Status)
	assert.Equal(t, "manual", job.TriggerSource)
	assert.Equal(t, 42, job.TotalAssets)
	assert.Nil(t, job.CompletedAt)
	assert.Nil(t, job.ErrorMessage)

	stored, err := tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, stored.ID)
	assert.Equal(t, 0, stored.ProgressPercent)
}

func TestStartConflict(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	first, err := tracker.Start(ctx, "import", 10, 30)
	require.NoError(t, err)
	_, err = tracker.UpdateProgress(ctx, first.ID, 4, 10)
	require.NoError(t, err)

	_, err = tracker.Start(ctx, "manual", 10, 30)
	require.ErrorIs(t, err, jobs.ErrConflict)

	var conflict *jobs.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, first.ID, conflict.Job.ID)
	assert.Equal(t, 40, conflict.Job.ProgressPercent)
}

func TestStartConcurrent(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan error, callers)
	created := make(chan *models.RefreshJob, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := tracker.Start(ctx, "manual", 1, 30)
			if err == nil {
				created <- job
			}
			results <- err
		}()
	}
	wg.Wait()
	close(results)
	close(created)

	var winners []*models.RefreshJob
	for job := range created {
		winners = append(winners, job)
	}
	require.Len(t, winners, 1)

	for err := range results {
		if err == nil {
			continue
		}
		var conflict *jobs.ConflictError
		require.True(t, errors.As(err, &conflict), "unexpected error: %v", err)
		assert.Equal(t, winners[0].ID, conflict.Job.ID)
	}
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	job, err := tracker.Start(ctx, "manual", 10, 30)
	require.NoError(t, err)

	updated, err := tracker.UpdateProgress(ctx, job.ID, 6, 10)
	require.NoError(t, err)
	assert.Equal(t, 60, updated.ProgressPercent)

	updated, err = tracker.UpdateProgress(ctx, job.ID, 3, 10)
	require.NoError(t, err)
	assert.Equal(t, 6, updated.AssetsProcessed)

	updated, err = tracker.UpdateProgress(ctx, job.ID, 10, 10)
	require.NoError(t, err)
	assert.Equal(t, 99, updated.ProgressPercent)
	assert.Equal(t, models.JobStatusRunning, updated.Status)
}

func TestCompleteAndFailAreFinal(t *testing.T) {
	tracker, clock := newTracker(t)
	ctx := context.Background()

	job, err := tracker.Start(ctx, "manual", 10, 30)
	require.NoError(t, err)

	clock.Advance(1500 * time.Millisecond)
	done, err := tracker.Complete(ctx, job.ID, 10, "digest")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.DurationMs)
	assert.Equal(t, int64(1500), *done.DurationMs)

	_, err = tracker.Fail(ctx, job.ID, "boom")
	require.ErrorIs(t, err, jobs.ErrJobNotRunning)

	_, err = tracker.UpdateProgress(ctx, job.ID, 20, 20)
	require.ErrorIs(t, err, jobs.ErrJobNotRunning)

	stored, err := tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, stored.Status)
	assert.Nil(t, stored.ErrorMessage)
}

func TestFailRetainsProgress(t *testing.T) {
	tracker, _ := newTracker(t)
	ctx := context.Background()

	job, err := tracker.Start(ctx, "manual", 10000, 30)
	require.NoError(t, err)
	_, err = tracker.UpdateProgress(ctx, job.ID, 5000, 10000)
	require.NoError(t, err)

	failed, err := tracker.Fail(ctx, job.ID, "source unavailable")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, 5000, failed.AssetsProcessed)
	assert.Equal(t, 10000, failed.TotalAssets)
	assert.Equal(t, 50, failed.ProgressPercent)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, "source unavailable", *failed.ErrorMessage)
	assert.NotNil(t, failed.CompletedAt)

	// A new job may start once the previous one failed.
	_, err = tracker.Start(ctx, "manual", 1, 30)
	require.NoError(t, err)
}

func TestResetStalled(t *testing.T) {
	tracker, clock := newTracker(t)
	ctx := context.Background()

	job, err := tracker.Start(ctx, "manual", 10, 30)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	reset, err := tracker.ResetStalled(ctx, 2*time.Minute)
	require.NoError(t, err)
	assert.Empty(t, reset)

	clock.Advance(2 * time.Minute)
	reset, err = tracker.ResetStalled(ctx, 2*time.Minute)
	require.NoError(t, err)
	require.Len(t, reset, 1)
	assert.Equal(t, job.ID, reset[0].ID)
	assert.Equal(t, models.JobStatusFailed, reset[0].Status)
	assert.Contains(t, *reset[0].ErrorMessage, "stalled")

	running, err := tracker.Running(ctx)
	require.NoError(t, err)
	assert.Nil(t, running)
}

func TestListNewestFirst(t *testing.T) {
	tracker, clock := newTracker(t)
	ctx := context.Background()

	ids := make([]string, 0, 3)
	for range 3 {
		job, err := tracker.Start(ctx, "manual", 0, 30)
		require.NoError(t, err)
		_, err = tracker.Complete(ctx, job.ID, 0, "")
		require.NoError(t, err)
		ids = append(ids, job.ID)
		clock.Advance(time.Second)
	}

	items, err := tracker.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, ids[2], items[0].ID)
	assert.Equal(t, ids[1], items[1].ID)
}

func TestGetUnknownJob(t *testing.T) {
	tracker, _ := newTracker(t)

	_, err := tracker.Get(context.Background(), "does-not-exist")
	require.ErrorIs(t, err, jobs.ErrJobNotFound)
}

func TestPrune(t *testing.T) {
	tracker, clock := newTracker(t)
	ctx := context.Background()

	finished := make([]string, 0, 3)
	for range 3 {
		job, err := tracker.Start(ctx, "manual", 0, 30)
		require.NoError(t, err)
		_, err = tracker.Complete(ctx, job.ID, 0, "")
		require.NoError(t, err)
		finished = append(finished, job.ID)
		clock.Advance(time.Hour)
	}

	running, err := tracker.Start(ctx, "manual", 10, 30)
	require.NoError(t, err)

	// Keep the first job, as if it backed the active snapshot.
	count, err := tracker.Prune(ctx, clock.Now(), finished[0])
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	items, err := tracker.List(ctx, 10)
	require.NoError(t, err)
	ids := make([]string, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	assert.ElementsMatch(t, []string{finished[0], running.ID}, ids)
}

func TestCompleteTx(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	db := dbtest.New(t)
	tracker := jobs.NewTracker(db, jobs.WithClock(clock.Now))

	job, err := tracker.Start(ctx, "manual", 5, 30)
	require.NoError(t, err)

	// A rolled back completion leaves the job running
	errRollback := errors.New("rollback")
	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		completed, err := tracker.CompleteTx(ctx, tx, job.ID, 5, "digest")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, completed.Status)

		return errRollback
	})
	require.ErrorIs(t, err, errRollback)

	stored, err := tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, stored.Status)

	// A job which was reset cannot be completed anymore
	_, err = tracker.Fail(ctx, job.ID, "stalled")
	require.NoError(t, err)
	err = db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := tracker.CompleteTx(ctx, tx, job.ID, 5, "digest")
		return err
	})
	require.ErrorIs(t, err, jobs.ErrJobNotRunning)

	stored, err = tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
}
