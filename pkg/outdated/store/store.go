// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package store provides the materialized view of outdated assets.
//
// Every refresh job writes its rows tagged with the job id next to the rows
// of the active snapshot. Once all batches are written the snapshot pointer
// is swapped to the new job within a single transaction, so readers observe
// either the complete previous snapshot or the complete new one. A job which
// fails never touches the active snapshot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/pkg/outdated/models"
)

// ErrEmptyJobID is returned when a job id was not specified.
var ErrEmptyJobID = errors.New("empty job id")

// Store is the materialized store of [models.AssetOverdueSummary] rows.
type Store struct {
	db  bun.IDB
	now func() time.Time
}

// New creates a new [Store].
func New(db bun.IDB) *Store {
	return &Store{db: db, now: time.Now}
}

// Stage writes a batch of rows belonging to the given job. Staged rows are
// not visible to readers until the job is activated.
func (s *Store) Stage(ctx context.Context, jobID string, rows []*models.AssetOverdueSummary) error {
	if jobID == "" {
		return ErrEmptyJobID
	}
	if len(rows) == 0 {
		return nil
	}

	tags := make([]*models.AssetScopeTag, 0, len(rows))
	for _, row := range rows {
		row.JobID = jobID
		for _, tag := range uniqueTags(row.ScopeTags) {
			tags = append(tags, &models.AssetScopeTag{
				JobID:   jobID,
				AssetID: row.AssetID,
				Tag:     tag,
			})
		}
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return err
		}
		if len(tags) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&tags).Exec(ctx)

		return err
	})
}

// Activation describes a snapshot being activated.
type Activation struct {
	JobID         string
	ThresholdDays int
	Digest        string

	// Guard is invoked within the activation transaction before the
	// snapshot pointer is swapped. The activation is rolled back, if it
	// returns an error.
	Guard func(ctx context.Context, tx bun.Tx) error
}

// Activate makes the rows of the given job the active snapshot. The
// previously active snapshot is retained until the next activation, so
// that readers which resolved it before the swap still get consistent
// results. Any other rows are removed, except for the rows of running jobs.
func (s *Store) Activate(ctx context.Context, a Activation) (*models.Snapshot, error) {
	if a.JobID == "" {
		return nil, ErrEmptyJobID
	}

	snapshot := &models.Snapshot{
		ID:            models.SnapshotID,
		JobID:         a.JobID,
		ThresholdDays: a.ThresholdDays,
		Digest:        a.Digest,
		ActivatedAt:   s.now().UTC(),
	}

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if a.Guard != nil {
			if err := a.Guard(ctx, tx); err != nil {
				return err
			}
		}

		current, err := current(ctx, tx)
		if err != nil {
			return err
		}
		if current != nil && current.JobID != a.JobID {
			snapshot.PreviousJobID = current.JobID
		}

		count, err := tx.NewSelect().
			Model((*models.AssetOverdueSummary)(nil)).
			Where("job_id = ?", a.JobID).
			Count(ctx)
		if err != nil {
			return err
		}
		snapshot.RowCount = count

		_, err = tx.NewInsert().
			Model(snapshot).
			On("CONFLICT (id) DO UPDATE").
			Set("job_id = EXCLUDED.job_id").
			Set("previous_job_id = EXCLUDED.previous_job_id").
			Set("threshold_days = EXCLUDED.threshold_days").
			Set("row_count = EXCLUDED.row_count").
			Set("digest = EXCLUDED.digest").
			Set("activated_at = EXCLUDED.activated_at").
			Exec(ctx)
		if err != nil {
			return err
		}

		keep := []string{a.JobID}
		if snapshot.PreviousJobID != "" {
			keep = append(keep, snapshot.PreviousJobID)
		}

		return deleteExcept(ctx, tx, keep)
	})
	if err != nil {
		return nil, err
	}

	return snapshot, nil
}

// Discard removes the rows of a job which will not be activated. The rows
// of the active and the previous snapshot are never removed.
func (s *Store) Discard(ctx context.Context, jobID string) error {
	if jobID == "" {
		return ErrEmptyJobID
	}

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := current(ctx, tx)
		if err != nil {
			return err
		}
		if current != nil && (current.JobID == jobID || current.PreviousJobID == jobID) {
			return nil
		}

		return deleteJob(ctx, tx, jobID)
	})
}

// Current returns the active snapshot, or nil if no snapshot has been
// activated yet.
func (s *Store) Current(ctx context.Context) (*models.Snapshot, error) {
	return current(ctx, s.db)
}

// Rows returns the rows of the given job ordered by asset id, including
// their scope tags.
func (s *Store) Rows(ctx context.Context, jobID string) ([]*models.AssetOverdueSummary, error) {
	rows := make([]*models.AssetOverdueSummary, 0)
	err := s.db.NewSelect().
		Model(&rows).
		Where("job_id = ?", jobID).
		OrderExpr("asset_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.LoadScopeTags(ctx, jobID, rows); err != nil {
		return nil, err
	}

	return rows, nil
}

// LoadScopeTags populates the scope tags of the given rows.
func (s *Store) LoadScopeTags(ctx context.Context, jobID string, rows []*models.AssetOverdueSummary) error {
	if len(rows) == 0 {
		return nil
	}

	ids := make([]uint64, 0, len(rows))
	byID := make(map[uint64]*models.AssetOverdueSummary, len(rows))
	for _, row := range rows {
		ids = append(ids, row.AssetID)
		byID[row.AssetID] = row
		row.ScopeTags = make([]string, 0)
	}

	tags := make([]*models.AssetScopeTag, 0)
	err := s.db.NewSelect().
		Model(&tags).
		Where("job_id = ?", jobID).
		Where("asset_id IN (?)", bun.In(ids)).
		OrderExpr("asset_id ASC, tag ASC").
		Scan(ctx)
	if err != nil {
		return err
	}

	for _, tag := range tags {
		if row, ok := byID[tag.AssetID]; ok {
			row.ScopeTags = append(row.ScopeTags, tag.Tag)
		}
	}

	return nil
}

func current(ctx context.Context, db bun.IDB) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	err := db.NewSelect().
		Model(&snapshot).
		Where("id = ?", models.SnapshotID).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, err
	}

	return &snapshot, nil
}

func deleteJob(ctx context.Context, db bun.IDB, jobID string) error {
	_, err := db.NewDelete().
		Model((*models.AssetScopeTag)(nil)).
		Where("job_id = ?", jobID).
		Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewDelete().
		Model((*models.AssetOverdueSummary)(nil)).
		Where("job_id = ?", jobID).
		Exec(ctx)

	return err
}

func deleteExcept(ctx context.Context, db bun.IDB, keep []string) error {
	running := db.NewSelect().
		Model((*models.RefreshJob)(nil)).
		Column("id").
		Where("status = ?", models.JobStatusRunning)

	_, err := db.NewDelete().
		Model((*models.AssetScopeTag)(nil)).
		Where("job_id NOT IN (?)", bun.In(keep)).
		Where("job_id NOT IN (?)", running).
		Exec(ctx)
	if err != nil {
		return err
	}

	_, err = db.NewDelete().
		Model((*models.AssetOverdueSummary)(nil)).
		Where("job_id NOT IN (?)", bun.In(keep)).
		Where("job_id NOT IN (?)", running).
		Exec(ctx)

	return err
}

func uniqueTags(tags []string) []string {
	out := slices.Clone(tags)
	slices.Sort(out)

	return slices.Compact(out)
}
