// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package threshold

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/uptrace/bun"

	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
	"github.com/schmalle/secman-outdated/pkg/outdated/models"
)

// ErrInvalidThreshold is returned when a threshold is out of range.
var ErrInvalidThreshold = errors.New("invalid overdue threshold")

// Provider supplies the overdue-day threshold. Implementations must not
// cache the value, so that changes take effect on the next refresh.
type Provider interface {
	ThresholdDays(ctx context.Context) (int, error)
}

// Static is a [Provider] returning a fixed threshold.
type Static int

// ThresholdDays implements the [Provider] interface.
func (s Static) ThresholdDays(context.Context) (int, error) {
	return int(s), nil
}

// Store is a [Provider] backed by the settings table.
type Store struct {
	db  bun.IDB
	def int
}

var _ Provider = &Store{}

// NewStore creates a new [Store], which falls back to def when no threshold
// has been stored.
func NewStore(db bun.IDB, def int) *Store {
	return &Store{db: db, def: def}
}

// Validate returns an error, if days is not an acceptable threshold.
func Validate(days int) error {
	if days < constants.MinThresholdDays || days > constants.MaxThresholdDays {
		return fmt.Errorf("%w: %d is not within [%d, %d]", ErrInvalidThreshold, days, constants.MinThresholdDays, constants.MaxThresholdDays)
	}

	return nil
}

// ThresholdDays implements the [Provider] interface.
func (s *Store) ThresholdDays(ctx context.Context) (int, error) {
	var setting models.Setting
	err := s.db.NewSelect().
		Model(&setting).
		Where("? = ?", bun.Ident("key"), constants.ThresholdSettingKey).
		Scan(ctx)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return s.def, nil
	case err != nil:
		return 0, err
	}

	days, err := strconv.Atoi(setting.Value)
	if err != nil {
		return 0, fmt.Errorf("%w: stored value %q", ErrInvalidThreshold, setting.Value)
	}

	return days, nil
}

// SetThresholdDays validates and stores the threshold.
func (s *Store) SetThresholdDays(ctx context.Context, days int) error {
	if err := Validate(days); err != nil {
		return err
	}

	setting := &models.Setting{
		Key:       constants.ThresholdSettingKey,
		Value:     strconv.Itoa(days),
		UpdatedAt: time.Now().UTC(),
	}
	_, err := s.db.NewInsert().
		Model(setting).
		On(`CONFLICT ("key") DO UPDATE`).
		Set("value = EXCLUDED.value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)

	return err
}
