// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package authserver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/agentauth/pkg/authserver/storage"
)

func validConfig() *Config {
	return &Config{
		Issuer:    "https://auth.example.com",
		JWTSecret: []byte("0123456789abcdef0123456789abcdef"),
	}
}

func TestConfigValidateDefaults(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, time.Hour, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.AuthRequestTTL)
	assert.Equal(t, "openid profile", cfg.DefaultScope)
	assert.Equal(t, storage.TypeMemory, cfg.Storage.Type)
}

func TestConfigValidateRejections(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Issuer = ""
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.JWTSecret = []byte("too-short")
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.Storage = &storage.Config{Type: storage.TypeRedis}
	assert.Error(t, cfg.Validate(), "redis storage requires an address")
}

func TestConfigNewStorage(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	require.NoError(t, cfg.Validate())

	store, err := cfg.NewStorage(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	assert.IsType(t, &storage.MemoryStorage{}, store)

	cfg.Storage.Type = "bogus"
	_, err = cfg.NewStorage(context.Background())
	assert.Error(t, err)
}
