// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package source reads assets and vulnerabilities recorded by the ingestion
// pipeline.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
)

// ErrAssetNotFound is returned when an asset does not exist.
var ErrAssetNotFound = errors.New("asset not found")

// Cutoff returns the latest detection time of a vulnerability which is
// overdue at now. A vulnerability is overdue when its age in whole days
// strictly exceeds the threshold, which is the case when it was detected at
// least threshold+1 days ago.
func Cutoff(now time.Time, thresholdDays int) time.Time {
	return now.UTC().Add(-time.Duration(thresholdDays+1) * constants.Day)
}

// AgeDays returns the age in whole days of a vulnerability detected at the
// given time.
func AgeDays(now, detectedAt time.Time) int {
	age := now.Sub(detectedAt)
	if age < 0 {
		return 0
	}

	return int(age / constants.Day)
}

// ScopeTags returns the scope identifiers of the given asset.
func ScopeTags(asset *models.Asset) []string {
	tags := make([]string, 0, len(asset.Workgroups)+3)
	add := func(kind, value string) {
		value = strings.TrimSpace(value)
		if value != "" {
			tags = append(tags, kind+":"+value)
		}
	}

	add(constants.ScopeOwner, asset.Owner)
	for _, wg := range asset.Workgroups {
		add(constants.ScopeWorkgroup, wg.Workgroup)
	}
	add(constants.ScopeDomain, asset.ADDomain)
	add(constants.ScopeAccount, asset.CloudAccountID)

	return tags
}

// Reader reads the source tables.
type Reader struct {
	db bun.IDB
}

// NewReader creates a new [Reader].
func NewReader(db bun.IDB) *Reader {
	return &Reader{db: db}
}

// candidates returns the base query for assets with at least one
// vulnerability detected no later than cutoff.
func (r *Reader) candidates(cutoff time.Time) *bun.SelectQuery {
	return r.db.NewSelect().
		TableExpr("vulnerability AS v").
		Join("JOIN asset AS a ON a.id = v.asset_id").
		Where("v.detected_at <= ?", cutoff)
}

// CountCandidates returns the number of candidate assets.
func (r *Reader) CountCandidates(ctx context.Context, cutoff time.Time) (int, error) {
	var count int
	err := r.candidates(cutoff).
		ColumnExpr("COUNT(DISTINCT v.asset_id)").
		Scan(ctx, &count)

	return count, err
}

// CandidateIDs returns up to limit candidate asset ids greater than after,
// in ascending order.
func (r *Reader) CandidateIDs(ctx context.Context, cutoff time.Time, after uint64, limit int) ([]uint64, error) {
	ids := make([]uint64, 0, limit)
	err := r.candidates(cutoff).
		ColumnExpr("DISTINCT v.asset_id").
		Where("v.asset_id > ?", after).
		OrderExpr("v.asset_id ASC").
		Limit(limit).
		Scan(ctx, &ids)

	return ids, err
}

// Assets returns the assets with the given ids including their workgroups.
func (r *Reader) Assets(ctx context.Context, ids []uint64) ([]*models.Asset, error) {
	assets := make([]*models.Asset, 0, len(ids))
	if len(ids) == 0 {
		return assets, nil
	}

	err := r.db.NewSelect().
		Model(&assets).
		Relation("Workgroups").
		Where("a.id IN (?)", bun.In(ids)).
		OrderExpr("a.id ASC").
		Scan(ctx)

	return assets, err
}

// Asset returns the asset with the given id including its workgroups.
func (r *Reader) Asset(ctx context.Context, id uint64) (*models.Asset, error) {
	var asset models.Asset
	err := r.db.NewSelect().
		Model(&asset).
		Relation("Workgroups").
		Where("a.id = ?", id).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %d", ErrAssetNotFound, id)
	case err != nil:
		return nil, err
	}

	return &asset, nil
}

// OverdueVulnerabilities returns the vulnerabilities of the given assets,
// which were detected no later than cutoff.
func (r *Reader) OverdueVulnerabilities(ctx context.Context, ids []uint64, cutoff time.Time) ([]*models.Vulnerability, error) {
	vulns := make([]*models.Vulnerability, 0)
	if len(ids) == 0 {
		return vulns, nil
	}

	err := r.db.NewSelect().
		Model(&vulns).
		Where("v.asset_id IN (?)", bun.In(ids)).
		Where("v.detected_at <= ?", cutoff).
		OrderExpr("v.asset_id ASC, v.detected_at ASC, v.id ASC").
		Scan(ctx)

	return vulns, err
}

// VulnerabilityPage is a page of vulnerabilities of a single asset.
type VulnerabilityPage struct {
	Items []*models.Vulnerability
	Total int
}

// Vulnerabilities returns a page of the vulnerabilities of an asset, oldest
// first. When cutoff is non-nil only vulnerabilities detected no later than
// cutoff are returned.
func (r *Reader) Vulnerabilities(ctx context.Context, assetID uint64, cutoff *time.Time, limit, offset int) (*VulnerabilityPage, error) {
	query := func(q *bun.SelectQuery) *bun.SelectQuery {
		q = q.Where("v.asset_id = ?", assetID)
		if cutoff != nil {
			q = q.Where("v.detected_at <= ?", *cutoff)
		}

		return q
	}

	total, err := query(r.db.NewSelect().Model((*models.Vulnerability)(nil))).Count(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]*models.Vulnerability, 0, limit)
	err = query(r.db.NewSelect().Model(&items)).
		OrderExpr("v.detected_at ASC, v.id ASC").
		Limit(limit).
		Offset(offset).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	return &VulnerabilityPage{Items: items, Total: total}, nil
}
