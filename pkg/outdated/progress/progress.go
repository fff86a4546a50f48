// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package progress fans out progress events of refresh jobs to subscribers.
//
// Events are not persisted and not replayed. A subscriber joining while a
// job is running is expected to fetch the current job status first, and then
// rely on the subscription for subsequent updates.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/schmalle/secman-outdated/pkg/outdated/models"
)

// Event is a progress notification of a refresh job.
type Event struct {
	JobID           string           `json:"jobId"`
	Status          models.JobStatus `json:"status"`
	ProgressPercent int              `json:"progressPercent"`
	Processed       int              `json:"processed"`
	Total           int              `json:"total"`
	Message         string           `json:"message,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// IsTerminal returns true, if the event is the last event of its job.
func (e Event) IsTerminal() bool {
	return e.Status.IsTerminal()
}

// FromJob returns an [Event] describing the current state of a job.
func FromJob(job *models.RefreshJob) Event {
	event := Event{
		JobID:           job.ID,
		Status:          job.Status,
		ProgressPercent: job.ProgressPercent,
		Processed:       job.AssetsProcessed,
		Total:           job.TotalAssets,
		Timestamp:       job.UpdatedAt,
	}
	if job.ErrorMessage != nil {
		event.Message = *job.ErrorMessage
	}

	return event
}

// Encode returns the wire representation of an [Event].
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses the wire representation of an [Event].
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return e, err
	}
	if e.JobID == "" {
		return e, errors.New("progress event without job id")
	}

	return e, nil
}

// Publisher publishes progress events. Publishing is fire-and-forget from
// the point of view of the refresh pipeline: errors are reported to the
// caller for logging only, and must not fail the job.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi is a [Publisher] which publishes each event to all of its members.
type Multi []Publisher

// Publish implements the [Publisher] interface.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs
}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }

// Discard is a [Publisher] which drops all events.
var Discard Publisher = discard{}
