// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package authserver implements an OAuth 2.1 authorization server for
// non-human principals. Agents authenticate over a back channel with a
// credential pair while the requesting browser polls for completion; the
// rest is the standard authorization code flow with PKCE, refresh grants,
// introspection, and revocation.
package authserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentauth/agentauth/pkg/authserver/storage"
)

// MinJWTSecretLength is the minimum accepted HMAC key length. HS256 keys
// shorter than the hash output size weaken the MAC (RFC 2104).
const MinJWTSecretLength = 32

// DefaultScope is granted when an authorization request carries no scope
// parameter.
const DefaultScope = "openid profile"

// Config holds the authorization server configuration.
type Config struct {
	// Issuer is the external base URL of this server, used as the JWT iss
	// claim and in the discovery document. No trailing slash.
	Issuer string

	// ListenAddr is the address the HTTP server binds to, e.g. ":8080".
	ListenAddr string

	// JWTSecret is the symmetric HS256 signing key for access tokens.
	JWTSecret []byte

	// AccessTokenTTL is the lifetime of issued access tokens.
	AccessTokenTTL time.Duration

	// RefreshTokenTTL is the lifetime of issued refresh tokens. Refresh
	// tokens are not rotated, so this is an absolute bound from issuance.
	RefreshTokenTTL time.Duration

	// AuthRequestTTL is the lifetime of authorization requests and their
	// codes.
	AuthRequestTTL time.Duration

	// DefaultScope is granted when a request carries no scope parameter.
	DefaultScope string

	// Storage selects and configures the storage backend.
	Storage *storage.Config
}

// DefaultConfig returns a Config with production defaults. The issuer and
// JWT secret have no defaults and must be set by the caller.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":8080",
		AccessTokenTTL:  storage.DefaultAccessTokenTTL,
		RefreshTokenTTL: storage.DefaultRefreshTokenTTL,
		AuthRequestTTL:  storage.DefaultAuthRequestTTL,
		DefaultScope:    DefaultScope,
		Storage:         storage.DefaultConfig(),
	}
}

// Validate checks the configuration and fills in defaults for unset
// optional fields.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return errors.New("issuer is required")
	}
	if len(c.JWTSecret) < MinJWTSecretLength {
		return fmt.Errorf("jwt secret must be at least %d bytes", MinJWTSecretLength)
	}

	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = storage.DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = storage.DefaultRefreshTokenTTL
	}
	if c.AuthRequestTTL <= 0 {
		c.AuthRequestTTL = storage.DefaultAuthRequestTTL
	}
	if c.DefaultScope == "" {
		c.DefaultScope = DefaultScope
	}
	if c.Storage == nil {
		c.Storage = storage.DefaultConfig()
	}
	if c.Storage.Type == "" {
		c.Storage.Type = storage.TypeMemory
	}
	if c.Storage.Type == storage.TypeRedis && c.Storage.RedisAddr == "" {
		return errors.New("redis address is required for redis storage")
	}
	return nil
}

// NewStorage creates the storage backend selected by the configuration.
func (c *Config) NewStorage(ctx context.Context) (storage.Storage, error) {
	switch c.Storage.Type {
	case storage.TypeRedis:
		return storage.NewRedisStorage(ctx, storage.RedisConfig{
			Addr:      c.Storage.RedisAddr,
			KeyPrefix: c.Storage.RedisKeyPrefix,
		})
	case storage.TypeMemory:
		return storage.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", c.Storage.Type)
	}
}
