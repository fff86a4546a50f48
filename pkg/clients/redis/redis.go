// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

package redis

import (
	"github.com/redis/go-redis/v9"
)

// Client is the [redis.Client] used for publishing refresh progress events.
var Client *redis.Client

// SetClient shall be invoked from cli commands to set the Redis client used
// by workers and servers.
func SetClient(c *redis.Client) {
	Client = c
}

// IsConfigured returns true, if a Redis client has been set.
func IsConfigured() bool {
	return Client != nil
}
