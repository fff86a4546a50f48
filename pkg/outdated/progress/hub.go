// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"context"
	"log/slog"
	"sync"

	"github.com/schmalle/secman-outdated/pkg/metrics"
)

// DefaultBufferSize is the number of events buffered per subscription.
const DefaultBufferSize = 64

// Hub is an in-process [Publisher] which delivers events to the
// subscribers of a job.
//
// Delivery never blocks the publisher. A subscriber whose buffer is full is
// evicted and its channel is closed, so that it may resynchronize by polling
// the job status. Subscriptions of a job are closed after its terminal event
// has been delivered.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
}

var _ Publisher = &Hub{}

// NewHub creates a new [Hub] with the given per-subscription buffer size.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}

	return &Hub{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscription receives the events of a single job.
type Subscription struct {
	JobID string

	hub *Hub
	ch  chan Event
}

// C returns the channel on which events are delivered. The channel is closed
// after the terminal event, on eviction, or when the subscription is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close cancels the subscription. It is safe to call Close multiple times.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

// Subscribe subscribes to the events of the given job.
func (h *Hub) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		JobID: jobID,
		hub:   h,
		ch:    make(chan Event, h.buffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}

	return sub
}

// Subscribers returns the number of subscribers of the given job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.subs[jobID])
}

// Publish implements the [Publisher] interface.
func (h *Hub) Publish(ctx context.Context, e Event) error {
	metrics.ProgressEventsTotal.WithLabelValues("hub").Inc()

	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[e.JobID]
	for sub := range subs {
		select {
		case sub.ch <- e:
		default:
			slog.WarnContext(ctx, "evicting slow progress subscriber", "job_id", e.JobID)
			delete(subs, sub)
			close(sub.ch)
		}
	}

	if e.IsTerminal() {
		for sub := range subs {
			close(sub.ch)
		}
		delete(h.subs, e.JobID)
	} else if len(subs) == 0 {
		delete(h.subs, e.JobID)
	}

	return nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.JobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}

	delete(subs, sub)
	close(sub.ch)
	if len(subs) == 0 {
		delete(h.subs, sub.JobID)
	}
}
