// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package models

import (
	"time"

	"github.com/uptrace/bun"

	coremodels "github.com/schmalle/secman-outdated/pkg/core/models"
	"github.com/schmalle/secman-outdated/pkg/core/registry"
)

// JobStatus represents the status of a [RefreshJob].
type JobStatus string

const (
	// JobStatusRunning is the status of a job which is being processed.
	JobStatusRunning JobStatus = "RUNNING"
	// JobStatusCompleted is the status of a job which completed
	// successfully.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed is the status of a job which failed.
	JobStatusFailed JobStatus = "FAILED"
)

// IsTerminal returns true, if the status is either completed or failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// RefreshJob represents a single execution of the refresh pipeline, which
// rebuilds the outdated-asset snapshot. Jobs are retained after they
// terminate.
type RefreshJob struct {
	bun.BaseModel `bun:"table:outdated_refresh_job,alias:j"`

	ID              string     `bun:"id,pk" json:"id"`
	Status          JobStatus  `bun:"status,notnull" json:"status"`
	TriggerSource   string     `bun:"trigger_source,notnull" json:"triggerSource"`
	StartedAt       time.Time  `bun:"started_at,notnull" json:"startedAt"`
	CompletedAt     *time.Time `bun:"completed_at" json:"completedAt"`
	UpdatedAt       time.Time  `bun:"updated_at,notnull" json:"updatedAt"`
	AssetsProcessed int        `bun:"assets_processed,notnull" json:"assetsProcessed"`
	TotalAssets     int        `bun:"total_assets,notnull" json:"totalAssets"`
	ProgressPercent int        `bun:"progress_percent,notnull" json:"progressPercent"`
	ThresholdDays   int        `bun:"threshold_days,notnull" json:"thresholdDays"`
	ErrorMessage    *string    `bun:"error_message" json:"errorMessage"`
	DurationMs      *int64     `bun:"duration_ms" json:"durationMs"`
	SnapshotDigest  string     `bun:"snapshot_digest,notnull" json:"snapshotDigest,omitempty"`
}

// AssetOverdueSummary is the per-asset row of the materialized view. Rows
// belong to the refresh job which produced them, and only the rows of the
// active snapshot are visible to readers.
type AssetOverdueSummary struct {
	bun.BaseModel `bun:"table:outdated_asset_summary,alias:s"`

	JobID             string    `bun:"job_id,pk" json:"-"`
	AssetID           uint64    `bun:"asset_id,pk" json:"assetId"`
	AssetName         string    `bun:"asset_name,notnull" json:"assetName"`
	AssetType         string    `bun:"asset_type,notnull" json:"assetType"`
	TotalOverdueCount int       `bun:"total_overdue_count,notnull" json:"totalOverdueCount"`
	CriticalCount     int       `bun:"critical_count,notnull" json:"criticalCount"`
	HighCount         int       `bun:"high_count,notnull" json:"highCount"`
	MediumCount       int       `bun:"medium_count,notnull" json:"mediumCount"`
	LowCount          int       `bun:"low_count,notnull" json:"lowCount"`
	OldestVulnAgeDays int       `bun:"oldest_vuln_age_days,notnull" json:"oldestVulnAgeDays"`
	OldestVulnID      string    `bun:"oldest_vuln_id,notnull" json:"oldestVulnId"`
	ScopeTags         []string  `bun:"-" json:"scopeTags"`
	CalculatedAt      time.Time `bun:"calculated_at,notnull" json:"calculatedAt"`
}

// AssetScopeTag denormalizes the ownership, workgroup and domain identifiers
// of a summarized asset, so that scoped reads can be answered without
// touching the source tables.
type AssetScopeTag struct {
	bun.BaseModel `bun:"table:outdated_asset_scope,alias:st"`

	JobID   string `bun:"job_id,pk"`
	AssetID uint64 `bun:"asset_id,pk"`
	Tag     string `bun:"tag,pk"`
}

// SnapshotID is the primary key of the single [Snapshot] row.
const SnapshotID = 1

// Snapshot points to the refresh job whose summary rows are currently
// served. Swapping the pointer activates a new snapshot atomically.
type Snapshot struct {
	bun.BaseModel `bun:"table:outdated_snapshot,alias:sn"`

	ID            int       `bun:"id,pk" json:"-"`
	JobID         string    `bun:"job_id,notnull" json:"jobId"`
	PreviousJobID string    `bun:"previous_job_id,notnull" json:"previousJobId,omitempty"`
	ThresholdDays int       `bun:"threshold_days,notnull" json:"thresholdDays"`
	RowCount      int       `bun:"row_count,notnull" json:"rowCount"`
	Digest        string    `bun:"digest,notnull" json:"digest"`
	ActivatedAt   time.Time `bun:"activated_at,notnull" json:"activatedAt"`
}

// Setting is a key/value configuration record.
type Setting struct {
	bun.BaseModel `bun:"table:app_setting"`

	Key       string    `bun:"key,pk"`
	Value     string    `bun:"value,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

// Asset represents an asset as recorded by the ingestion pipeline.
type Asset struct {
	bun.BaseModel `bun:"table:asset,alias:a"`
	coremodels.Model

	Name           string            `bun:"name,notnull" json:"name"`
	Type           string            `bun:"type,notnull" json:"type"`
	IP             string            `bun:"ip,notnull" json:"ip"`
	Owner          string            `bun:"owner,notnull" json:"owner"`
	ADDomain       string            `bun:"ad_domain,notnull" json:"adDomain"`
	CloudAccountID string            `bun:"cloud_account_id,notnull" json:"cloudAccountId"`
	Workgroups     []*AssetWorkgroup `bun:"rel:has-many,join:id=asset_id" json:"-"`
}

// AssetWorkgroup links an [Asset] with a workgroup.
type AssetWorkgroup struct {
	bun.BaseModel `bun:"table:asset_workgroup,alias:aw"`

	AssetID   uint64 `bun:"asset_id,pk"`
	Workgroup string `bun:"workgroup,pk"`
}

// Vulnerability represents a vulnerability detected on an [Asset].
type Vulnerability struct {
	bun.BaseModel `bun:"table:vulnerability,alias:v"`
	coremodels.Model

	AssetID                   uint64    `bun:"asset_id,notnull" json:"assetId"`
	VulnerabilityID           string    `bun:"vulnerability_id,notnull" json:"vulnerabilityId"`
	CVSSSeverity              string    `bun:"cvss_severity,notnull" json:"cvssSeverity"`
	VulnerableProductVersions string    `bun:"vulnerable_product_versions,notnull" json:"vulnerableProductVersions"`
	DetectedAt                time.Time `bun:"detected_at,notnull" json:"detectedAt"`
}

func init() {
	// Register the models with the default registry
	registry.ModelRegistry.MustRegister("outdated:model:refresh_job", &RefreshJob{})
	registry.ModelRegistry.MustRegister("outdated:model:asset_summary", &AssetOverdueSummary{})
	registry.ModelRegistry.MustRegister("outdated:model:asset_scope", &AssetScopeTag{})
	registry.ModelRegistry.MustRegister("outdated:model:snapshot", &Snapshot{})
	registry.ModelRegistry.MustRegister("outdated:model:setting", &Setting{})

	// Source data
	registry.ModelRegistry.MustRegister("source:model:asset", &Asset{})
	registry.ModelRegistry.MustRegister("source:model:asset_workgroup", &AssetWorkgroup{})
	registry.ModelRegistry.MustRegister("source:model:vulnerability", &Vulnerability{})
}
