// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	asynqclient "github.com/schmalle/secman-outdated/pkg/clients/asynq"
	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
)

// DeleteQueuePayload represents the payload of a task management task.
type DeleteQueuePayload struct {
	// Name of the queue that holds the tasks. Defaults to the queue of
	// refresh tasks.
	Queue string `yaml:"queue" json:"queue"`
}

// HandleDeleteArchivedTask deletes archived tasks. Refresh tasks are never
// retried, so each failed refresh leaves an archived task behind.
func HandleDeleteArchivedTask(ctx context.Context, task *asynq.Task) error {
	var payload DeleteQueuePayload
	if len(task.Payload()) > 0 {
		if err := asynqutils.Unmarshal(task.Payload(), &payload); err != nil {
			return asynqutils.SkipRetry(err)
		}
	}

	if payload.Queue == "" {
		payload.Queue = getConfig().Queue
	}

	if asynqclient.Inspector == nil {
		return asynqutils.SkipRetry(errors.New("no asynq inspector configured"))
	}

	count, err := asynqclient.Inspector.DeleteAllArchivedTasks(payload.Queue)
	if err != nil {
		return err
	}

	asynqutils.GetLogger(ctx).Info("deleted archived tasks", "queue", payload.Queue, "count", count)

	return nil
}
