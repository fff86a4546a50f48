// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package calculator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/internal/pkg/dbtest"
	"github.com/schmalle/secman-outdated/pkg/outdated/calculator"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/progress"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

// recorder is a [progress.Publisher] which records all events.
type recorder struct {
	mu      sync.Mutex
	events  []progress.Event
	onEvent func(e progress.Event)
}

func (r *recorder) Publish(_ context.Context, e progress.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	hook := r.onEvent
	r.mu.Unlock()

	if hook != nil {
		hook(e)
	}

	return nil
}

func (r *recorder) Events() []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]progress.Event(nil), r.events...)
}

// syntheticSource provides total candidate assets, each with a single
// overdue HIGH vulnerability. Fetching batch failAtBatch fails.
type syntheticSource struct {
	total       int
	failAtBatch int
	batches     int
}

func (s *syntheticSource) CountCandidates(context.Context, time.Time) (int, error) {
	return s.total, nil
}

func (s *syntheticSource) CandidateIDs(_ context.Context, _ time.Time, after uint64, limit int) ([]uint64, error) {
	if s.failAtBatch > 0 && s.batches+1 == s.failAtBatch {
		return nil, errors.New("source unavailable")
	}

	ids := make([]uint64, 0, limit)
	for id := after + 1; id <= uint64(s.total) && len(ids) < limit; id++ {
		ids = append(ids, id)
	}
	if len(ids) > 0 {
		s.batches++
	}

	return ids, nil
}

func (s *syntheticSource) Assets(_ context.Context, ids []uint64) ([]*models.Asset, error) {
	assets := make([]*models.Asset, 0, len(ids))
	for _, id := range ids {
		asset := &models.Asset{Name: fmt.Sprintf("asset-%06d", id), Type: "SERVER"}
		asset.ID = id
		assets = append(assets, asset)
	}

	return assets, nil
}

func (s *syntheticSource) OverdueVulnerabilities(_ context.Context, ids []uint64, _ time.Time) ([]*models.Vulnerability, error) {
	vulns := make([]*models.Vulnerability, 0, len(ids))
	for _, id := range ids {
		vuln := &models.Vulnerability{
			AssetID:         id,
			VulnerabilityID: fmt.Sprintf("CVE-2024-%05d", id),
			CVSSSeverity:    "7.5 High",
			DetectedAt:      now.Add(-40 * 24 * time.Hour),
		}
		vuln.ID = id
		vulns = append(vulns, vuln)
	}

	return vulns, nil
}

// exhaustingSource invokes onExhausted once, when no candidates are left.
type exhaustingSource struct {
	*syntheticSource
	onExhausted func()
}

func (s *exhaustingSource) CandidateIDs(ctx context.Context, cutoff time.Time, after uint64, limit int) ([]uint64, error) {
	ids, err := s.syntheticSource.CandidateIDs(ctx, cutoff, after, limit)
	if err == nil && len(ids) == 0 && s.onExhausted != nil {
		hook := s.onExhausted
		s.onExhausted = nil
		hook()
	}

	return ids, err
}

type env struct {
	db      *bun.DB
	tracker *jobs.Tracker
	store   *store.Store
	events  *recorder
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := dbtest.New(t)

	return &env{
		db:      db,
		tracker: jobs.NewTracker(db, jobs.WithClock(clock)),
		store:   store.New(db),
		events:  &recorder{},
	}
}

func (e *env) calculator(src calculator.Source, batchSize int) *calculator.Calculator {
	return calculator.New(
		src,
		e.tracker,
		e.store,
		threshold.Static(30),
		calculator.WithBatchSize(batchSize),
		calculator.WithPublisher(e.events),
		calculator.WithClock(clock),
	)
}

func (e *env) start(t *testing.T, total int) *models.RefreshJob {
	t.Helper()
	job, err := e.tracker.Start(context.Background(), "manual", total, 30)
	require.NoError(t, err)

	return job
}

func TestOverdueScenario(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	fixture := dbtest.NewFixture(t, e.db, now)

	fixture.Asset(1, "alpha", "ops")
	fixture.Vuln(1, "HIGH", 25)
	oldest := fixture.Vuln(1, "9.8 Critical", 35)
	fixture.Asset(2, "bravo")
	fixture.Vuln(2, "HIGH", 20)
	fixture.Asset(3, "charlie")
	fixture.Vuln(3, "MEDIUM", 30)
	fixture.Asset(4, "delta")
	fixture.Vuln(4, "Informational", 90)

	job := e.start(t, 0)
	done, err := e.calculator(source.NewReader(e.db), 100).Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Equal(t, 100, done.ProgressPercent)
	assert.Equal(t, 2, done.TotalAssets)
	assert.Equal(t, 2, done.AssetsProcessed)
	assert.NotEmpty(t, done.SnapshotDigest)

	rows, err := e.store.Rows(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, uint64(1), row.AssetID)
	assert.Equal(t, "alpha", row.AssetName)
	assert.Equal(t, 1, row.TotalOverdueCount)
	assert.Equal(t, 1, row.CriticalCount)
	assert.Equal(t, row.TotalOverdueCount, row.CriticalCount+row.HighCount+row.MediumCount+row.LowCount)
	assert.Equal(t, 35, row.OldestVulnAgeDays)
	assert.Equal(t, oldest.VulnerabilityID, row.OldestVulnID)
	assert.Equal(t, []string{"owner:owner-1", "workgroup:ops"}, row.ScopeTags)

	current, err := e.store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, current.JobID)
	assert.Equal(t, 1, current.RowCount)
	assert.Equal(t, done.SnapshotDigest, current.Digest)
}

func TestIdenticalRerun(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	fixture := dbtest.NewFixture(t, e.db, now)
	for id := uint64(1); id <= 25; id++ {
		fixture.Asset(id, fmt.Sprintf("asset-%d", id), "ops")
		fixture.Vuln(id, "LOW", 31+int(id))
		fixture.Vuln(id, "5.0", 10)
	}

	calc := e.calculator(source.NewReader(e.db), 10)

	first, err := calc.Run(ctx, e.start(t, 0).ID)
	require.NoError(t, err)
	second, err := calc.Run(ctx, e.start(t, 0).ID)
	require.NoError(t, err)

	assert.Equal(t, first.SnapshotDigest, second.SnapshotDigest)

	before, err := e.store.Rows(ctx, first.ID)
	require.NoError(t, err)
	after, err := e.store.Rows(ctx, second.ID)
	require.NoError(t, err)
	require.Len(t, after, 25)
	require.Len(t, before, len(after))
	for i := range before {
		before[i].JobID = after[i].JobID
		assert.Equal(t, before[i], after[i])
	}
}

func TestProgressEventsPerBatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job := e.start(t, 10000)

	done, err := e.calculator(&syntheticSource{total: 10000}, 1000).Run(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, done.Status)

	events := e.events.Events()
	require.Len(t, events, 11)
	for i, event := range events[:10] {
		assert.Equal(t, models.JobStatusRunning, event.Status)
		assert.Equal(t, (i+1)*1000, event.Processed)
		assert.Equal(t, 10000, event.Total)
		assert.Less(t, event.ProgressPercent, 100)
	}

	last := events[10]
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, 100, last.ProgressPercent)
	assert.Equal(t, 10000, last.Processed)

	current, err := e.store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10000, current.RowCount)
}

func TestFailureKeepsPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	prior := e.start(t, 3)
	_, err := e.calculator(&syntheticSource{total: 3}, 1000).Run(ctx, prior.ID)
	require.NoError(t, err)

	job := e.start(t, 10000)
	failed, err := e.calculator(&syntheticSource{total: 10000, failAtBatch: 6}, 1000).Run(ctx, job.ID)
	require.Error(t, err)
	require.NotNil(t, failed)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	assert.Equal(t, 5000, failed.AssetsProcessed)
	assert.Equal(t, 10000, failed.TotalAssets)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "source unavailable")

	stored, err := e.tracker.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, stored.Status)
	assert.Equal(t, 5000, stored.AssetsProcessed)

	current, err := e.store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, prior.ID, current.JobID)

	rows, err := e.store.Rows(ctx, prior.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	staged, err := e.store.Rows(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, staged)

	events := e.events.Events()
	last := events[len(events)-1]
	assert.Equal(t, models.JobStatusFailed, last.Status)
	assert.Equal(t, job.ID, last.JobID)
}

func TestResetJobIsNeverActivated(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	prior := e.start(t, 3)
	_, err := e.calculator(&syntheticSource{total: 3}, 1000).Run(ctx, prior.ID)
	require.NoError(t, err)

	// The job is reset after its last batch, and the next job starts
	// staging before the reset job reaches the activation.
	reset := e.start(t, 5)
	var next *models.RefreshJob
	src := &exhaustingSource{
		syntheticSource: &syntheticSource{total: 5},
		onExhausted: func() {
			_, err := e.tracker.Fail(ctx, reset.ID, "stalled: no progress")
			require.NoError(t, err)

			next = e.start(t, 1)
			staged := []*models.AssetOverdueSummary{{
				AssetID:           42,
				AssetName:         "asset-42",
				AssetType:         "SERVER",
				TotalOverdueCount: 1,
				HighCount:         1,
				OldestVulnAgeDays: 40,
				OldestVulnID:      "CVE-2024-00042",
				CalculatedAt:      now,
			}}
			require.NoError(t, e.store.Stage(ctx, next.ID, staged))
		},
	}

	terminated, err := e.calculator(src, 1000).Run(ctx, reset.ID)
	require.ErrorIs(t, err, jobs.ErrJobNotRunning)
	require.NotNil(t, terminated)
	assert.Equal(t, models.JobStatusFailed, terminated.Status)

	current, err := e.store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, prior.ID, current.JobID)

	discarded, err := e.store.Rows(ctx, reset.ID)
	require.NoError(t, err)
	assert.Empty(t, discarded)

	staged, err := e.store.Rows(ctx, next.ID)
	require.NoError(t, err)
	assert.Len(t, staged, 1)

	running, err := e.tracker.Get(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, running.Status)
}

func TestCancellationFailsJob(t *testing.T) {
	e := newEnv(t)
	job := e.start(t, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.events.onEvent = func(event progress.Event) {
		if event.Processed == 2000 {
			cancel()
		}
	}

	failed, err := e.calculator(&syntheticSource{total: 5000}, 1000).Run(ctx, job.ID)
	require.ErrorIs(t, err, calculator.ErrCancelled)
	require.NotNil(t, failed)
	assert.Equal(t, models.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Equal(t, jobs.CancelledMessage, *failed.ErrorMessage)
	assert.Equal(t, 2000, failed.AssetsProcessed)

	current, err := e.store.Current(context.Background())
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestRunRejectsTerminalJob(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	job := e.start(t, 0)
	_, err := e.tracker.Fail(ctx, job.ID, "boom")
	require.NoError(t, err)

	_, err = e.calculator(&syntheticSource{}, 10).Run(ctx, job.ID)
	require.ErrorIs(t, err, jobs.ErrJobNotRunning)
	assert.Empty(t, e.events.Events())
}

func TestSummarize(t *testing.T) {
	asset := func(id uint64) *models.Asset {
		a := &models.Asset{Name: fmt.Sprintf("asset-%d", id), Type: "SERVER"}
		a.ID = id
		return a
	}
	vuln := func(id, assetID uint64, cvss string, ageDays int) *models.Vulnerability {
		v := &models.Vulnerability{
			AssetID:      assetID,
			CVSSSeverity: cvss,
			DetectedAt:   now.Add(-time.Duration(ageDays) * 24 * time.Hour),
		}
		v.ID = id
		return v
	}

	assets := []*models.Asset{asset(1), asset(2), asset(3)}
	vulns := []*models.Vulnerability{
		vuln(1, 1, "CRITICAL", 100),
		vuln(2, 1, "7.1", 45),
		vuln(3, 1, "Moderate", 31),
		vuln(4, 1, "low", 32),
		vuln(5, 1, "none", 300),
		vuln(6, 2, "unknown", 60),
		vuln(7, 3, "HIGH", 30),
	}

	rows := calculator.Summarize(now, 30, assets, vulns)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, uint64(1), row.AssetID)
	assert.Equal(t, 4, row.TotalOverdueCount)
	assert.Equal(t, 1, row.CriticalCount)
	assert.Equal(t, 1, row.HighCount)
	assert.Equal(t, 1, row.MediumCount)
	assert.Equal(t, 1, row.LowCount)
	assert.Equal(t, 100, row.OldestVulnAgeDays)
	// Falls back to the record id without a vulnerability id
	assert.Equal(t, "1", row.OldestVulnID)
	assert.Equal(t, now, row.CalculatedAt)
}
