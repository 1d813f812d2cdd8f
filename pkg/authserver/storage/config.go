// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import "time"

// Type defines the type of storage backend.
type Type string

const (
	// TypeMemory uses in-memory storage (default).
	TypeMemory Type = "memory"

	// TypeRedis uses a Redis backend.
	TypeRedis Type = "redis"
)

const (
	// DefaultSweepInterval is how often the background sweeper runs.
	DefaultSweepInterval = 5 * time.Minute

	// DefaultAccessTokenTTL is the default TTL for access tokens.
	DefaultAccessTokenTTL = 1 * time.Hour

	// DefaultRefreshTokenTTL is the default TTL for refresh tokens.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour // 30 days

	// DefaultAuthRequestTTL is the default TTL for authorization requests
	// and their codes (RFC 6749 recommendation).
	DefaultAuthRequestTTL = 10 * time.Minute
)

// Config configures the storage backend.
type Config struct {
	// Type specifies the storage backend type. Defaults to memory.
	Type Type

	// RedisAddr is the Redis server address, required when Type is redis.
	RedisAddr string

	// RedisKeyPrefix namespaces all keys, e.g. "agentauth:".
	RedisKeyPrefix string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Type: TypeMemory,
	}
}
