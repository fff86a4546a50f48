// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/internal/pkg/dbtest"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
)

func rows(n int, tags ...string) []*models.AssetOverdueSummary {
	items := make([]*models.AssetOverdueSummary, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, &models.AssetOverdueSummary{
			AssetID:           uint64(i),
			AssetName:         fmt.Sprintf("asset-%d", i),
			AssetType:         "SERVER",
			TotalOverdueCount: 2,
			HighCount:         1,
			LowCount:          1,
			OldestVulnAgeDays: 40 + i,
			OldestVulnID:      fmt.Sprintf("CVE-2024-%04d", i),
			ScopeTags:         tags,
			CalculatedAt:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		})
	}

	return items
}

func TestStageIsInvisibleUntilActivated(t *testing.T) {
	ctx := context.Background()
	s := store.New(dbtest.New(t))

	require.NoError(t, s.Stage(ctx, "job-1", rows(3, "workgroup:ops", "workgroup:ops", "owner:alice")))

	current, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)

	snapshot, err := s.Activate(ctx, store.Activation{JobID: "job-1", ThresholdDays: 30, Digest: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", snapshot.JobID)
	assert.Equal(t, 3, snapshot.RowCount)
	assert.Empty(t, snapshot.PreviousJobID)

	items, err := s.Rows(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, []string{"owner:alice", "workgroup:ops"}, items[0].ScopeTags)
}

func TestFailedJobKeepsPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	s := store.New(dbtest.New(t))

	require.NoError(t, s.Stage(ctx, "job-1", rows(4)))
	_, err := s.Activate(ctx, store.Activation{JobID: "job-1", ThresholdDays: 30})
	require.NoError(t, err)

	require.NoError(t, s.Stage(ctx, "job-2", rows(2)))
	require.NoError(t, s.Discard(ctx, "job-2"))

	current, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", current.JobID)

	kept, err := s.Rows(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, kept, 4)

	discarded, err := s.Rows(ctx, "job-2")
	require.NoError(t, err)
	assert.Empty(t, discarded)
}

func TestActivateRetainsPreviousSnapshotOnly(t *testing.T) {
	ctx := context.Background()
	s := store.New(dbtest.New(t))

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		require.NoError(t, s.Stage(ctx, id, rows(2, "workgroup:ops")))
		_, err := s.Activate(ctx, store.Activation{JobID: id, ThresholdDays: 30})
		require.NoError(t, err)
	}

	current, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-3", current.JobID)
	assert.Equal(t, "job-2", current.PreviousJobID)

	previous, err := s.Rows(ctx, "job-2")
	require.NoError(t, err)
	assert.Len(t, previous, 2)

	oldest, err := s.Rows(ctx, "job-1")
	require.NoError(t, err)
	assert.Empty(t, oldest)

	// Discarding an active snapshot is a no-op.
	require.NoError(t, s.Discard(ctx, "job-3"))
	active, err := s.Rows(ctx, "job-3")
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestStageRequiresJobID(t *testing.T) {
	s := store.New(dbtest.New(t))

	err := s.Stage(context.Background(), "", rows(1))
	require.ErrorIs(t, err, store.ErrEmptyJobID)
}

func TestActivateGuard(t *testing.T) {
	ctx := context.Background()
	s := store.New(dbtest.New(t))

	require.NoError(t, s.Stage(ctx, "job-1", rows(2)))
	_, err := s.Activate(ctx, store.Activation{JobID: "job-1", ThresholdDays: 30})
	require.NoError(t, err)

	require.NoError(t, s.Stage(ctx, "job-2", rows(3)))
	errGuard := errors.New("job is gone")
	_, err = s.Activate(ctx, store.Activation{
		JobID:         "job-2",
		ThresholdDays: 30,
		Guard: func(context.Context, bun.Tx) error {
			return errGuard
		},
	})
	require.ErrorIs(t, err, errGuard)

	current, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-1", current.JobID)

	kept, err := s.Rows(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, kept, 2)
}

func TestActivateKeepsRowsOfRunningJob(t *testing.T) {
	ctx := context.Background()
	db := dbtest.New(t)
	s := store.New(db)

	running, err := jobs.NewTracker(db).Start(ctx, "manual", 0, 30)
	require.NoError(t, err)
	require.NoError(t, s.Stage(ctx, running.ID, rows(1, "workgroup:ops")))

	require.NoError(t, s.Stage(ctx, "job-1", rows(2)))
	_, err = s.Activate(ctx, store.Activation{JobID: "job-1", ThresholdDays: 30})
	require.NoError(t, err)

	staged, err := s.Rows(ctx, running.ID)
	require.NoError(t, err)
	require.Len(t, staged, 1)
	assert.Equal(t, []string{"workgroup:ops"}, staged[0].ScopeTags)
}
