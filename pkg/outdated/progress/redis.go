// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package progress

import (
	"context"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/schmalle/secman-outdated/pkg/metrics"
	"github.com/schmalle/secman-outdated/pkg/outdated/constants"
)

// Channel returns the Redis channel carrying the events of a job.
func Channel(jobID string) string {
	return constants.ProgressChannelPrefix + jobID
}

// RedisPublisher publishes events on Redis channels, so that they reach the
// API servers when refresh jobs are executed by separate workers.
type RedisPublisher struct {
	client *redis.Client
}

var _ Publisher = &RedisPublisher{}

// NewRedisPublisher creates a new [RedisPublisher].
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Publish implements the [Publisher] interface.
func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}

	if err := p.client.Publish(ctx, Channel(e.JobID), data).Err(); err != nil {
		return err
	}
	metrics.ProgressEventsTotal.WithLabelValues("redis").Inc()

	return nil
}

// Relay forwards the events published on Redis to a local [Publisher],
// usually a [Hub].
type Relay struct {
	client *redis.Client
	target Publisher
}

// NewRelay creates a new [Relay].
func NewRelay(client *redis.Client, target Publisher) *Relay {
	return &Relay{client: client, target: target}
}

// Run relays events until the context is cancelled. Redis delivers the
// messages of a single channel in order, which preserves the per-job event
// order.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, constants.ProgressChannelPrefix+"*")
	defer pubsub.Close()

	// Wait for the subscription to be confirmed
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	slog.Info("relaying progress events", "pattern", constants.ProgressChannelPrefix+"*")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, msg)
		}
	}
}

func (r *Relay) forward(ctx context.Context, msg *redis.Message) {
	event, err := Decode([]byte(msg.Payload))
	if err != nil {
		slog.Warn("dropping malformed progress event", "channel", msg.Channel, "reason", err)
		return
	}

	if want := strings.TrimPrefix(msg.Channel, constants.ProgressChannelPrefix); want != event.JobID {
		slog.Warn("dropping progress event on foreign channel", "channel", msg.Channel, "job_id", event.JobID)
		return
	}

	if err := r.target.Publish(ctx, event); err != nil {
		slog.Warn("cannot relay progress event", "job_id", event.JobID, "reason", err)
	}
}
