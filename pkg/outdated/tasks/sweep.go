// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
)

// SweepStalledPayload represents the payload of the sweep task.
type SweepStalledPayload struct {
	// Timeout is the duration without progress after which a running job
	// is failed. Defaults to the configured stall timeout.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// HandleSweepStalledTask fails running jobs which did not report progress
// within the stall timeout, e.g. because the worker processing them died.
func HandleSweepStalledTask(ctx context.Context, task *asynq.Task) error {
	var payload SweepStalledPayload
	if len(task.Payload()) > 0 {
		if err := asynqutils.Unmarshal(task.Payload(), &payload); err != nil {
			return asynqutils.SkipRetry(err)
		}
	}

	timeout := payload.Timeout
	if timeout <= 0 {
		timeout = getConfig().StallTimeout
	}

	reset, err := newCoordinator(nil).ResetStalled(ctx, timeout)
	if err != nil {
		return err
	}

	if len(reset) > 0 {
		asynqutils.GetLogger(ctx).Info("swept stalled jobs", "count", len(reset), "timeout", timeout)
	}

	return nil
}
