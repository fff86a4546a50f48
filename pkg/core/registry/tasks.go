// SPDX-FileCopyrightText: 2024 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package registry

import "github.com/hibiken/asynq"

// TaskRegistry is the default registry for tasks.
var TaskRegistry = New[string, asynq.Handler]()

// PeriodicTask is a task, which is enqueued by the scheduler according to
// a cron spec.
type PeriodicTask struct {
	// Spec is the cron spec of the task, e.g. "@every 1m".
	Spec string

	// Task is the task to enqueue.
	Task *asynq.Task
}

// ScheduledTaskRegistry is the default registry for scheduled tasks. Keys
// are task names.
var ScheduledTaskRegistry = New[string, *PeriodicTask]()
