// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/schmalle/secman-outdated/pkg/outdated/coordinator"
	asynqutils "github.com/schmalle/secman-outdated/pkg/utils/asynq"
)

// ErrNoJobID is returned when a refresh task does not specify a job.
var ErrNoJobID = errors.New("no job id specified")

// RefreshPayload represents the payload of the refresh task.
type RefreshPayload struct {
	// JobID is the id of the refresh job to process.
	JobID string `yaml:"job_id" json:"job_id"`
}

// NewRefreshTask creates a new [asynq.Task] which processes the given job.
func NewRefreshTask(jobID string) (*asynq.Task, error) {
	if jobID == "" {
		return nil, ErrNoJobID
	}

	data, err := json.Marshal(RefreshPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}

	return asynq.NewTask(RefreshTaskType, data), nil
}

// HandleRefreshTask processes a refresh job.
//
// The outcome of the job is recorded on the job itself. Failed jobs are
// terminal, so the task is never retried.
func HandleRefreshTask(ctx context.Context, task *asynq.Task) error {
	var payload RefreshPayload
	if err := asynqutils.Unmarshal(task.Payload(), &payload); err != nil {
		return asynqutils.SkipRetry(err)
	}

	if payload.JobID == "" {
		return asynqutils.SkipRetry(ErrNoJobID)
	}

	job, err := newCalculator().Run(ctx, payload.JobID)
	if err != nil {
		return asynqutils.SkipRetry(err)
	}

	logger := asynqutils.GetLogger(ctx)
	logger.Info(
		"refresh job completed",
		"job_id", job.ID,
		"processed", job.AssetsProcessed,
		"digest", job.SnapshotDigest,
	)

	return nil
}

// QueueDispatcher submits refresh jobs as asynq tasks.
type QueueDispatcher struct {
	client  *asynq.Client
	queue   string
	timeout time.Duration
}

var _ coordinator.Dispatcher = &QueueDispatcher{}

// NewQueueDispatcher creates a new [QueueDispatcher], which enqueues tasks
// in the given queue. Tasks are cancelled after the given timeout.
func NewQueueDispatcher(client *asynq.Client, queue string, timeout time.Duration) *QueueDispatcher {
	return &QueueDispatcher{
		client:  client,
		queue:   queue,
		timeout: timeout,
	}
}

// Dispatch implements the [coordinator.Dispatcher] interface.
//
// The job id is used as task id, so that a job is enqueued at most once.
func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if d.client == nil {
		return errors.New("no asynq client configured")
	}

	task, err := NewRefreshTask(jobID)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(d.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(0),
	}
	if d.timeout > 0 {
		opts = append(opts, asynq.Timeout(d.timeout))
	}

	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return fmt.Errorf("cannot enqueue %q task: %w", RefreshTaskType, err)
	}

	asynqutils.GetLogger(ctx).Info(
		"enqueued task",
		"type", task.Type(),
		"id", info.ID,
		"queue", info.Queue,
	)

	return nil
}
