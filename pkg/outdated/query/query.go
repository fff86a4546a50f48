// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package query answers scoped, filtered and paginated reads of the
// outdated-asset snapshot. Filtering, sorting and pagination are evaluated
// by the database. Reads never wait for a running refresh.
package query

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	"github.com/schmalle/secman-outdated/pkg/outdated/scope"
	"github.com/schmalle/secman-outdated/pkg/outdated/severity"
	"github.com/schmalle/secman-outdated/pkg/outdated/source"
	"github.com/schmalle/secman-outdated/pkg/outdated/store"
	"github.com/schmalle/secman-outdated/pkg/outdated/threshold"
	"github.com/schmalle/secman-outdated/pkg/utils/ptr"
)

const (
	// DefaultPageSize is the page size used when none was requested.
	DefaultPageSize = 20

	// DefaultPageSizeLimit is the default ceiling of the page size.
	DefaultPageSizeLimit = 100
)

var (
	// ErrValidation is wrapped by all errors caused by invalid request
	// parameters.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidSortField is returned for a sort field outside of the
	// whitelist.
	ErrInvalidSortField = fmt.Errorf("%w: invalid sort field", ErrValidation)

	// ErrInvalidSortOrder is returned for an unknown sort direction.
	ErrInvalidSortOrder = fmt.Errorf("%w: invalid sort order", ErrValidation)

	// ErrInvalidPage is returned for a negative page or page size.
	ErrInvalidPage = fmt.Errorf("%w: invalid page", ErrValidation)

	// ErrInvalidSeverity is returned for an unknown minimum severity.
	ErrInvalidSeverity = fmt.Errorf("%w: %w", ErrValidation, severity.ErrInvalidSeverity)

	// ErrAccessDenied is returned when requesting an asset outside of the
	// caller's scope.
	ErrAccessDenied = errors.New("access denied")

	// ErrAssetNotFound is returned when requesting an unknown asset.
	ErrAssetNotFound = source.ErrAssetNotFound
)

// SortField is a field by which snapshot rows may be sorted.
type SortField string

const (
	SortByOldestVulnAgeDays SortField = "oldestVulnAgeDays"
	SortByAssetName         SortField = "assetName"
	SortByTotalOverdueCount SortField = "totalOverdueCount"
)

var sortColumns = map[SortField]string{
	SortByOldestVulnAgeDays: "oldest_vuln_age_days",
	SortByAssetName:         "asset_name",
	SortByTotalOverdueCount: "total_overdue_count",
}

// SortOrder is the direction of sorting.
type SortOrder string

const (
	OrderAsc  SortOrder = "asc"
	OrderDesc SortOrder = "desc"
)

// Page is a page of results.
type Page[T any] struct {
	Items      []T  `json:"items"`
	TotalCount int  `json:"totalCount"`
	TotalPages int  `json:"totalPages"`
	Page       int  `json:"page"`
	PageSize   int  `json:"pageSize"`
	HasMore    bool `json:"hasMore"`
}

func newPage[T any](items []T, total, page, size int) *Page[T] {
	pages := 0
	if size > 0 {
		pages = (total + size - 1) / size
	}

	return &Page[T]{
		Items:      items,
		TotalCount: total,
		TotalPages: pages,
		Page:       page,
		PageSize:   size,
		HasMore:    (page+1)*size < total,
	}
}

// ListParams specifies a list request. Page is 0-based.
type ListParams struct {
	Page        int
	PageSize    int
	Sort        string
	Order       string
	ScopeID     string
	Search      string
	MinSeverity string
}

type listQuery struct {
	page        int
	size        int
	column      string
	order       SortOrder
	search      string
	minSeverity severity.Severity
}

// Engine evaluates reads against the active snapshot.
type Engine struct {
	db         bun.IDB
	store      *store.Store
	reader     *source.Reader
	thresholds threshold.Provider
	pageLimit  int
	now        func() time.Time
}

// Option is a function which configures the [Engine].
type Option func(e *Engine)

// WithPageSizeLimit configures the ceiling to which page sizes are clamped.
func WithPageSizeLimit(limit int) Option {
	opt := func(e *Engine) {
		if limit > 0 {
			e.pageLimit = limit
		}
	}

	return opt
}

// WithClock configures the clock used for computing vulnerability ages.
func WithClock(now func() time.Time) Option {
	opt := func(e *Engine) {
		e.now = now
	}

	return opt
}

// New creates a new [Engine].
func New(db bun.IDB, st *store.Store, reader *source.Reader, thresholds threshold.Provider, opts ...Option) *Engine {
	e := &Engine{
		db:         db,
		store:      st,
		reader:     reader,
		thresholds: thresholds,
		pageLimit:  DefaultPageSizeLimit,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// pageBounds validates the page and clamps the page size.
func (e *Engine) pageBounds(page, size int) (int, int, error) {
	if page < 0 {
		return 0, 0, fmt.Errorf("%w: page %d", ErrInvalidPage, page)
	}
	switch {
	case size < 0:
		return 0, 0, fmt.Errorf("%w: page size %d", ErrInvalidPage, size)
	case size == 0:
		size = min(DefaultPageSize, e.pageLimit)
	case size > e.pageLimit:
		size = e.pageLimit
	}

	return page, size, nil
}

func (e *Engine) parseList(p ListParams) (*listQuery, error) {
	page, size, err := e.pageBounds(p.Page, p.PageSize)
	if err != nil {
		return nil, err
	}

	field := SortField(p.Sort)
	if field == "" {
		field = SortByOldestVulnAgeDays
	}
	column, ok := sortColumns[field]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSortField, p.Sort)
	}

	order := SortOrder(strings.ToLower(p.Order))
	switch order {
	case "":
		order = OrderDesc
		if field == SortByAssetName {
			order = OrderAsc
		}
	case OrderAsc, OrderDesc:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidSortOrder, p.Order)
	}

	q := &listQuery{
		page:   page,
		size:   size,
		column: column,
		order:  order,
		search: strings.TrimSpace(p.Search),
	}

	if p.MinSeverity != "" {
		s, err := severity.Parse(p.MinSeverity)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrInvalidSeverity, p.MinSeverity)
		}
		q.minSeverity = s
	}

	return q, nil
}

// scoped restricts q to the rows of the given snapshot visible in sc.
func (e *Engine) scoped(q *bun.SelectQuery, jobID string, sc scope.Scope) *bun.SelectQuery {
	q = q.Where("s.job_id = ?", jobID)
	if sc.Unrestricted {
		return q
	}

	visible := e.db.NewSelect().
		Model((*models.AssetScopeTag)(nil)).
		ColumnExpr("st.asset_id").
		Where("st.job_id = ?", jobID).
		Where("st.tag IN (?)", bun.In(sc.Identifiers))

	return q.Where("s.asset_id IN (?)", visible)
}

// severityColumns are the count columns in descending order of severity.
var severityColumns = []struct {
	severity severity.Severity
	column   string
}{
	{severity.Critical, "s.critical_count"},
	{severity.High, "s.high_count"},
	{severity.Medium, "s.medium_count"},
	{severity.Low, "s.low_count"},
}

// List returns a page of snapshot rows visible in the given scope. The
// optional scope identifier of p narrows the scope further; an identifier
// outside of the scope yields an empty page.
func (e *Engine) List(ctx context.Context, sc scope.Scope, p ListParams) (*Page[*models.AssetOverdueSummary], error) {
	lq, err := e.parseList(p)
	if err != nil {
		return nil, err
	}

	rows := make([]*models.AssetOverdueSummary, 0)
	sc = sc.Narrow(p.ScopeID)
	if sc.IsEmpty() {
		return newPage(rows, 0, lq.page, lq.size), nil
	}

	snapshot, err := e.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return newPage(rows, 0, lq.page, lq.size), nil
	}

	filter := func(q *bun.SelectQuery) *bun.SelectQuery {
		q = e.scoped(q, snapshot.JobID, sc)
		if lq.search != "" {
			pattern := "%" + escapeLike(strings.ToLower(lq.search)) + "%"
			q = q.Where(`LOWER(s.asset_name) LIKE ? ESCAPE '\'`, pattern)
		}
		if lq.minSeverity != severity.Unknown {
			q = q.WhereGroup(" AND ", func(q *bun.SelectQuery) *bun.SelectQuery {
				for _, col := range severityColumns {
					if col.severity >= lq.minSeverity {
						q = q.WhereOr("? > 0", bun.Safe(col.column))
					}
				}
				return q
			})
		}

		return q
	}

	total, err := filter(e.db.NewSelect().Model((*models.AssetOverdueSummary)(nil))).Count(ctx)
	if err != nil {
		return nil, err
	}

	err = filter(e.db.NewSelect().Model(&rows)).
		OrderExpr("s.? ?", bun.Safe(lq.column), bun.Safe(strings.ToUpper(string(lq.order)))).
		OrderExpr("s.asset_id ASC").
		Limit(lq.size).
		Offset(lq.page * lq.size).
		Scan(ctx)
	if err != nil {
		return nil, err
	}

	if err := e.store.LoadScopeTags(ctx, snapshot.JobID, rows); err != nil {
		return nil, err
	}

	return newPage(rows, total, lq.page, lq.size), nil
}

// escapeLike escapes the LIKE wildcards of s.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

	return r.Replace(s)
}

// DetailParams specifies an asset detail request. Page is 0-based.
type DetailParams struct {
	Page        int
	PageSize    int
	OnlyOverdue bool
}

// VulnerabilityItem is a vulnerability of an asset detail.
type VulnerabilityItem struct {
	ID                        uint64            `json:"id"`
	VulnerabilityID           string            `json:"vulnerabilityId"`
	Severity                  severity.Severity `json:"severity"`
	CVSSSeverity              string            `json:"cvssSeverity"`
	VulnerableProductVersions string            `json:"vulnerableProductVersions"`
	DetectedAt                time.Time         `json:"detectedAt"`
	AgeDays                   int               `json:"ageDays"`
	Overdue                   bool              `json:"overdue"`
}

// AssetDetail is the live vulnerability listing of a single asset.
type AssetDetail struct {
	Asset           *models.Asset            `json:"asset"`
	ThresholdDays   int                      `json:"thresholdDays"`
	Vulnerabilities *Page[VulnerabilityItem] `json:"vulnerabilities"`
}

// AssetDetail returns a page of the vulnerabilities of an asset, computed
// against the source data. Unknown assets are reported as not found before
// the scope is checked, assets outside of the scope as access denied.
func (e *Engine) AssetDetail(ctx context.Context, sc scope.Scope, assetID uint64, p DetailParams) (*AssetDetail, error) {
	page, size, err := e.pageBounds(p.Page, p.PageSize)
	if err != nil {
		return nil, err
	}

	asset, err := e.reader.Asset(ctx, assetID)
	if err != nil {
		return nil, err
	}
	if !sc.Allows(source.ScopeTags(asset)) {
		return nil, fmt.Errorf("%w: asset %d", ErrAccessDenied, assetID)
	}

	days, err := e.thresholds.ThresholdDays(ctx)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var cutoff *time.Time
	if p.OnlyOverdue {
		cutoff = ptr.To(source.Cutoff(now, days))
	}

	result, err := e.reader.Vulnerabilities(ctx, assetID, cutoff, size, page*size)
	if err != nil {
		return nil, err
	}

	items := make([]VulnerabilityItem, 0, len(result.Items))
	for _, v := range result.Items {
		age := source.AgeDays(now, v.DetectedAt)
		items = append(items, VulnerabilityItem{
			ID:                        v.ID,
			VulnerabilityID:           v.VulnerabilityID,
			Severity:                  severity.Normalize(v.CVSSSeverity),
			CVSSSeverity:              v.CVSSSeverity,
			VulnerableProductVersions: v.VulnerableProductVersions,
			DetectedAt:                v.DetectedAt,
			AgeDays:                   age,
			Overdue:                   age > days,
		})
	}

	detail := &AssetDetail{
		Asset:           asset,
		ThresholdDays:   days,
		Vulnerabilities: newPage(items, result.Total, page, size),
	}

	return detail, nil
}

// Summary aggregates the active snapshot within a scope.
type Summary struct {
	Available     bool      `json:"available"`
	JobID         string    `json:"jobId,omitempty"`
	ThresholdDays int       `json:"thresholdDays"`
	CalculatedAt  time.Time `json:"calculatedAt"`
	Digest        string    `json:"digest,omitempty"`
	Assets        int       `json:"assets"`
	TotalOverdue  int       `json:"totalOverdue"`
	Critical      int       `json:"critical"`
	High          int       `json:"high"`
	Medium        int       `json:"medium"`
	Low           int       `json:"low"`
}

// Summary returns the aggregates of the active snapshot visible in the
// given scope.
func (e *Engine) Summary(ctx context.Context, sc scope.Scope) (*Summary, error) {
	snapshot, err := e.store.Current(ctx)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return &Summary{}, nil
	}

	summary := &Summary{
		Available:     true,
		JobID:         snapshot.JobID,
		ThresholdDays: snapshot.ThresholdDays,
		CalculatedAt:  snapshot.ActivatedAt,
		Digest:        snapshot.Digest,
	}
	if sc.IsEmpty() {
		return summary, nil
	}

	q := e.db.NewSelect().
		Model((*models.AssetOverdueSummary)(nil)).
		ColumnExpr("COUNT(*)").
		ColumnExpr("COALESCE(SUM(s.total_overdue_count), 0)").
		ColumnExpr("COALESCE(SUM(s.critical_count), 0)").
		ColumnExpr("COALESCE(SUM(s.high_count), 0)").
		ColumnExpr("COALESCE(SUM(s.medium_count), 0)").
		ColumnExpr("COALESCE(SUM(s.low_count), 0)")

	err = e.scoped(q, snapshot.JobID, sc).Scan(
		ctx,
		&summary.Assets,
		&summary.TotalOverdue,
		&summary.Critical,
		&summary.High,
		&summary.Medium,
		&summary.Low,
	)
	if err != nil {
		return nil, err
	}

	return summary, nil
}
