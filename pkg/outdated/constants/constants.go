// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package constants

import "time"

const (
	// TablePrefix is the prefix of tables owned by the materialized view.
	TablePrefix = "outdated"

	// ThresholdSettingKey is the key of the overdue-day threshold in the
	// settings table.
	ThresholdSettingKey = "outdated.overdue_days"

	// MinThresholdDays and MaxThresholdDays bound the accepted threshold.
	MinThresholdDays = 1
	MaxThresholdDays = 3650

	// ProgressChannelPrefix is the prefix of the Redis channels carrying
	// progress events. The job id is appended to it.
	ProgressChannelPrefix = "outdated:progress:"

	// Day is the length of a day used for computing vulnerability ages.
	Day = 24 * time.Hour
)

// Trigger sources of refresh jobs.
const (
	TriggerImport       = "import"
	TriggerManual       = "manual"
	TriggerConfigChange = "config-change"
)

// Scope identifier prefixes derived from the source data.
const (
	ScopeOwner     = "owner"
	ScopeWorkgroup = "workgroup"
	ScopeDomain    = "domain"
	ScopeAccount   = "account"
)
