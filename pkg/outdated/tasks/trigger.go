// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"

	asynqclient "github.com/schmalle/secman-outdated/pkg/clients/asynq"
	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	"github.com/schmalle/secman-outdated/pkg/outdated/jobs"
	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
)

// TriggerRefreshPayload represents the payload of the task which triggers a
// refresh.
type TriggerRefreshPayload struct {
	// Source is the trigger source recorded on the job. Defaults to
	// import.
	Source string `yaml:"source" json:"source"`
}

// NewTriggerRefreshTask creates a new [asynq.Task], which triggers a refresh
// with the given source.
func NewTriggerRefreshTask(source string) (*asynq.Task, error) {
	data, err := json.Marshal(TriggerRefreshPayload{Source: source})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(TriggerRefreshTaskType, data), nil
}

// HandleTriggerRefreshTask triggers a refresh. The ingestion pipeline enqueues
// this task once an import completed.
//
// A refresh which is already running is not an error, and the task is not
// retried in this case.
func HandleTriggerRefreshTask(ctx context.Context, task *asynq.Task) error {
	payload := TriggerRefreshPayload{Source: constants.TriggerImport}
	if len(task.Payload()) > 0 {
		if err := asynqutils.Unmarshal(task.Payload(), &payload); err != nil {
			return asynqutils.SkipRetry(err)
		}
	}

	if payload.Source == "" {
		payload.Source = constants.TriggerImport
	}

	switch payload.Source {
	case constants.TriggerImport, constants.TriggerManual, constants.TriggerConfigChange:
	default:
		return asynqutils.SkipRetry(fmt.Errorf("%w: %q", coordinator.ErrInvalidTriggerSource, payload.Source))
	}

	conf := getConfig()
	dispatcher := NewQueueDispatcher(asynqclient.Client, conf.Queue, conf.TaskTimeout)
	logger := asynqutils.GetLogger(ctx)

	job, err := newCoordinator(dispatcher).TriggerRefresh(ctx, payload.Source)
	var conflict *jobs.ConflictError
	switch {
	case errors.As(err, &conflict):
		logger.Info(
			"refresh already in progress",
			"job_id", conflict.Job.ID,
			"progress", conflict.Job.ProgressPercent,
		)

		return nil
	case err != nil:
		return err
	}

	logger.Info("refresh triggered", "job_id", job.ID, "source", payload.Source)

	return nil
}
