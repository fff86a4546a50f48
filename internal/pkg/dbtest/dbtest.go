// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package dbtest provides migrated in-memory databases for tests.
package dbtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/migrate"

	"github.com/schmalle/secman-outdated/internal/pkg/migrations"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
	dbutils "github.com/schmalle/secman-outdated/pkg/utils/db"
)

// New returns a new in-memory SQLite database with all migrations applied.
// The database is closed when the test completes.
func New(t testing.TB) *bun.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	sqldb, err := dbutils.OpenSQLite(dsn)
	if err != nil {
		t.Fatalf("cannot open database: %s", err)
	}

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	ctx := context.Background()
	migrator := migrate.NewMigrator(db, migrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		t.Fatalf("cannot init migrations: %s", err)
	}

	if _, err := migrator.Migrate(ctx); err != nil {
		t.Fatalf("cannot apply migrations: %s", err)
	}

	return db
}

// Fixture builds source data for tests.
type Fixture struct {
	t      testing.TB
	db     *bun.DB
	now    time.Time
	nextID uint64
}

// NewFixture returns a [Fixture] which computes vulnerability ages relative
// to now.
func NewFixture(t testing.TB, db *bun.DB, now time.Time) *Fixture {
	return &Fixture{t: t, db: db, now: now.UTC()}
}

// Now returns the reference time of the fixture.
func (f *Fixture) Now() time.Time {
	return f.now
}

// Asset inserts an asset with the given id, name and workgroups.
func (f *Fixture) Asset(id uint64, name string, workgroups ...string) *models.Asset {
	f.t.Helper()

	asset := &models.Asset{
		Name:  name,
		Type:  "SERVER",
		Owner: fmt.Sprintf("owner-%d", id),
	}
	asset.ID = id
	if _, err := f.db.NewInsert().Model(asset).Exec(context.Background()); err != nil {
		f.t.Fatalf("cannot insert asset: %s", err)
	}

	for _, wg := range workgroups {
		link := &models.AssetWorkgroup{AssetID: id, Workgroup: wg}
		if _, err := f.db.NewInsert().Model(link).Exec(context.Background()); err != nil {
			f.t.Fatalf("cannot insert workgroup: %s", err)
		}
	}

	return asset
}

// Vuln inserts a vulnerability of the given severity on the asset, detected
// the given number of days before the fixture reference time.
func (f *Fixture) Vuln(assetID uint64, cvss string, ageDays int) *models.Vulnerability {
	f.t.Helper()

	f.nextID++
	vuln := &models.Vulnerability{
		AssetID:         assetID,
		VulnerabilityID: fmt.Sprintf("CVE-2024-%05d", f.nextID),
		CVSSSeverity:    cvss,
		DetectedAt:      f.now.Add(-time.Duration(ageDays) * 24 * time.Hour),
	}
	vuln.ID = f.nextID
	if _, err := f.db.NewInsert().Model(vuln).Exec(context.Background()); err != nil {
		f.t.Fatalf("cannot insert vulnerability: %s", err)
	}

	return vuln
}

// AssetsWithVulns bulk inserts count assets, starting at id first, each with
// a single vulnerability of the given age.
func (f *Fixture) AssetsWithVulns(first uint64, count int, cvss string, ageDays int) {
	f.t.Helper()

	const chunk = 500
	ctx := context.Background()
	for start := 0; start < count; start += chunk {
		end := min(start+chunk, count)
		assets := make([]*models.Asset, 0, end-start)
		vulns := make([]*models.Vulnerability, 0, end-start)
		for i := start; i < end; i++ {
			id := first + uint64(i)
			asset := &models.Asset{Name: fmt.Sprintf("asset-%06d", id), Type: "SERVER"}
			asset.ID = id
			assets = append(assets, asset)

			f.nextID++
			vuln := &models.Vulnerability{
				AssetID:         id,
				VulnerabilityID: fmt.Sprintf("CVE-2024-%05d", f.nextID),
				CVSSSeverity:    cvss,
				DetectedAt:      f.now.Add(-time.Duration(ageDays) * 24 * time.Hour),
			}
			vuln.ID = f.nextID
			vulns = append(vulns, vuln)
		}

		if _, err := f.db.NewInsert().Model(&assets).Exec(ctx); err != nil {
			f.t.Fatalf("cannot insert assets: %s", err)
		}
		if _, err := f.db.NewInsert().Model(&vulns).Exec(ctx); err != nil {
			f.t.Fatalf("cannot insert vulnerabilities: %s", err)
		}
	}
}
