// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// watchRetries is how many times optimistic (WATCH) transactions are retried
// before giving up.
const watchRetries = 3

// Key types used to namespace Redis keys.
const (
	keyTypeAgent       = "agent"
	keyTypeClient      = "client"
	keyTypeAuthRequest = "authreq"
	keyTypeCode        = "code"
	keyTypeToken       = "token"
	keyTypeAccessIndex = "access"
	keyTypeRefresh     = "refresh"
	keyTypeRefreshIdx  = "refreshidx"
)

// RedisConfig holds Redis connection configuration for runtime use.
type RedisConfig struct {
	// Addr is the Redis server address (host:port).
	Addr string

	// Username and Password authenticate against the server, if set.
	Username string
	Password string

	// DB selects the logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "agentauth:".
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisStorage implements the Storage interface with a Redis backend.
// Records are stored as JSON under prefixed keys. Expiry is handled by
// native key TTLs, so no sweeper goroutine is needed; readers still check
// expiry at use time because TTL eviction is not instantaneous.
//
// The compare-and-set transitions required by the authorization request
// state machine are implemented with WATCH-based optimistic transactions.
type RedisStorage struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStorage creates Redis-backed storage.
// Returns an error if the configuration is invalid or the server is
// unreachable.
func NewRedisStorage(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
	}, nil
}

// NewRedisStorageWithClient creates a RedisStorage with a pre-configured
// client. This is useful for testing with miniredis.
func NewRedisStorageWithClient(client redis.UniversalClient, keyPrefix string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

// Health checks Redis connectivity.
func (s *RedisStorage) Health(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStorage) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

// ttlUntil converts an absolute expiry into a key TTL, with a floor of one
// second so an already-due record is still written and promptly evicted.
func ttlUntil(expiresAt time.Time) time.Duration {
	ttl := time.Until(expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (s *RedisStorage) getJSON(ctx context.Context, key string, out any) error {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *RedisStorage) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

// -----------------------
// Agents
// -----------------------

// CreateAgent stores a new agent. Uses SETNX for collision detection.
func (s *RedisStorage) CreateAgent(ctx context.Context, agent *Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(keyTypeAgent, agent.AgentID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx agent: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *RedisStorage) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := s.getJSON(ctx, s.key(keyTypeAgent, agentID), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents returns all agents via a prefix SCAN.
func (s *RedisStorage) ListAgents(ctx context.Context) ([]*Agent, error) {
	var agents []*Agent
	iter := s.client.Scan(ctx, 0, s.key(keyTypeAgent, "*"), 0).Iterator()
	for iter.Next(ctx) {
		var agent Agent
		if err := s.getJSON(ctx, iter.Val(), &agent); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue // evicted between SCAN and GET
			}
			return nil, err
		}
		agents = append(agents, &agent)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan agents: %w", err)
	}
	return agents, nil
}

// DeleteAgent removes an agent.
func (s *RedisStorage) DeleteAgent(ctx context.Context, agentID string) error {
	n, err := s.client.Del(ctx, s.key(keyTypeAgent, agentID)).Result()
	if err != nil {
		return fmt.Errorf("redis del agent: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------
// Clients
// -----------------------

// CreateClient stores a new client.
func (s *RedisStorage) CreateClient(ctx context.Context, client *Client) error {
	data, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.key(keyTypeClient, client.ClientID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("redis setnx client: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return nil
}

// GetClient retrieves a client by ID.
func (s *RedisStorage) GetClient(ctx context.Context, clientID string) (*Client, error) {
	var client Client
	if err := s.getJSON(ctx, s.key(keyTypeClient, clientID), &client); err != nil {
		return nil, err
	}
	return &client, nil
}

// ListClients returns all clients via a prefix SCAN.
func (s *RedisStorage) ListClients(ctx context.Context) ([]*Client, error) {
	var clients []*Client
	iter := s.client.Scan(ctx, 0, s.key(keyTypeClient, "*"), 0).Iterator()
	for iter.Next(ctx) {
		var client Client
		if err := s.getJSON(ctx, iter.Val(), &client); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		clients = append(clients, &client)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan clients: %w", err)
	}
	return clients, nil
}

// UpdateClient replaces a client's stored record.
func (s *RedisStorage) UpdateClient(ctx context.Context, client *Client) error {
	key := s.key(keyTypeClient, client.ClientID)
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("redis exists client: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.setJSON(ctx, key, client, 0)
}

// DeleteClient removes a client.
func (s *RedisStorage) DeleteClient(ctx context.Context, clientID string) error {
	n, err := s.client.Del(ctx, s.key(keyTypeClient, clientID)).Result()
	if err != nil {
		return fmt.Errorf("redis del client: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// -----------------------
// Authorization requests
// -----------------------

// CreateAuthRequest stores a new pending authorization request with a key
// TTL matching its expiry.
func (s *RedisStorage) CreateAuthRequest(ctx context.Context, request *AuthRequest) error {
	return s.setJSON(ctx, s.key(keyTypeAuthRequest, request.RequestID), request, ttlUntil(request.ExpiresAt))
}

// GetAuthRequest retrieves an authorization request by ID.
func (s *RedisStorage) GetAuthRequest(ctx context.Context, requestID string) (*AuthRequest, error) {
	var req AuthRequest
	if err := s.getJSON(ctx, s.key(keyTypeAuthRequest, requestID), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// mutateAuthRequest runs a WATCH-based optimistic transaction over an
// authorization request record. The mutate callback inspects the current
// record and returns the extra pipeline commands to enqueue; returning an
// error aborts the transaction.
func (s *RedisStorage) mutateAuthRequest(
	ctx context.Context,
	requestID string,
	mutate func(req *AuthRequest, pipe redis.Pipeliner) error,
) error {
	key := s.key(keyTypeAuthRequest, requestID)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return fmt.Errorf("redis get auth request: %w", err)
		}

		var req AuthRequest
		if err := json.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("unmarshal auth request: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if err := mutate(&req, pipe); err != nil {
				return err
			}
			updated, err := json.Marshal(&req)
			if err != nil {
				return fmt.Errorf("marshal auth request: %w", err)
			}
			pipe.Set(ctx, key, updated, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < watchRetries; attempt++ {
		err = s.client.Watch(ctx, txn, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		// Lost the race; re-read and re-check against the new state.
	}
	return err
}

// AuthenticateAuthRequest transitions pending -> authenticated and binds the
// authorization code under an optimistic transaction.
func (s *RedisStorage) AuthenticateAuthRequest(
	ctx context.Context, requestID, agentID, model, code string,
) (*AuthRequest, error) {
	var snapshot *AuthRequest
	err := s.mutateAuthRequest(ctx, requestID, func(req *AuthRequest, pipe redis.Pipeliner) error {
		if req.Status != StatusPending {
			return &InvalidStateError{Status: req.Status}
		}
		if time.Now().After(req.ExpiresAt) {
			req.Status = StatusExpired
			snapshot = nil
			return errExpiredTransition
		}

		req.AgentID = agentID
		req.Model = model
		req.Code = code
		req.Status = StatusAuthenticated

		pipe.Set(ctx, s.key(keyTypeCode, code), requestID, ttlUntil(req.ExpiresAt))

		c := *req
		snapshot = &c
		return nil
	})
	if err != nil {
		if errors.Is(err, errExpiredTransition) {
			// The expired status still has to be persisted; the mutate
			// transaction aborted, so write it outside the CAS.
			_ = s.ExpireAuthRequest(ctx, requestID)
			return nil, ErrExpired
		}
		return nil, err
	}
	return snapshot, nil
}

// errExpiredTransition signals that AuthenticateAuthRequest observed an
// expired pending request inside the transaction.
var errExpiredTransition = errors.New("auth request expired during transition")

// FailAuthRequest transitions pending -> error.
func (s *RedisStorage) FailAuthRequest(ctx context.Context, requestID, message string) error {
	return s.mutateAuthRequest(ctx, requestID, func(req *AuthRequest, _ redis.Pipeliner) error {
		if req.Status != StatusPending {
			return &InvalidStateError{Status: req.Status}
		}
		req.Status = StatusError
		req.ErrorMessage = message
		return nil
	})
}

// ExpireAuthRequest transitions pending -> expired.
func (s *RedisStorage) ExpireAuthRequest(ctx context.Context, requestID string) error {
	return s.mutateAuthRequest(ctx, requestID, func(req *AuthRequest, _ redis.Pipeliner) error {
		switch req.Status {
		case StatusExpired, StatusPending:
			req.Status = StatusExpired
			return nil
		default:
			return &InvalidStateError{Status: req.Status}
		}
	})
}

// CompleteAuthRequest transitions authenticated -> completed. The WATCH
// transaction guarantees at most one caller observes the authenticated
// status and receives the code.
func (s *RedisStorage) CompleteAuthRequest(ctx context.Context, requestID string) (*AuthRequest, error) {
	var snapshot *AuthRequest
	err := s.mutateAuthRequest(ctx, requestID, func(req *AuthRequest, _ redis.Pipeliner) error {
		if req.Status != StatusAuthenticated {
			return &InvalidStateError{Status: req.Status}
		}
		req.Status = StatusCompleted
		c := *req
		snapshot = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// RemoveAuthRequest deletes a request and its bound code.
func (s *RedisStorage) RemoveAuthRequest(ctx context.Context, requestID string) error {
	req, err := s.GetAuthRequest(ctx, requestID)
	if err != nil {
		return err
	}

	keys := []string{s.key(keyTypeAuthRequest, requestID)}
	if req.Code != "" {
		keys = append(keys, s.key(keyTypeCode, req.Code))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del auth request: %w", err)
	}
	return nil
}

// -----------------------
// Authorization codes
// -----------------------

// ResolveCode returns the request ID an authorization code is bound to.
func (s *RedisStorage) ResolveCode(ctx context.Context, code string) (string, error) {
	requestID, err := s.client.Get(ctx, s.key(keyTypeCode, code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("redis get code: %w", err)
	}
	return requestID, nil
}

// RedeemCode consumes an authorization code. GETDEL makes the consume
// atomic: exactly one concurrent redemption receives the request ID. The
// token pair is persisted before the request record is deleted, so a
// failure never leaves a consumed code without its tokens.
func (s *RedisStorage) RedeemCode(ctx context.Context, code string, token *Token, refresh *RefreshEntry) error {
	requestID, err := s.client.GetDel(ctx, s.key(keyTypeCode, code)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		return fmt.Errorf("redis getdel code: %w", err)
	}

	tokenData, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	refreshData, err := json.Marshal(refresh)
	if err != nil {
		return fmt.Errorf("marshal refresh entry: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(keyTypeToken, token.TokenID), tokenData, ttlUntil(token.RefreshExpiresAt))
		pipe.Set(ctx, s.key(keyTypeAccessIndex, token.AccessToken), token.TokenID, ttlUntil(token.RefreshExpiresAt))
		pipe.Set(ctx, s.key(keyTypeRefresh, refresh.RefreshToken), refreshData, ttlUntil(refresh.ExpiresAt))
		pipe.SAdd(ctx, s.key(keyTypeRefreshIdx, refresh.RefreshToken), token.TokenID)
		pipe.Expire(ctx, s.key(keyTypeRefreshIdx, refresh.RefreshToken), ttlUntil(refresh.ExpiresAt))
		pipe.Del(ctx, s.key(keyTypeAuthRequest, requestID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis redeem code: %w", err)
	}
	return nil
}

// -----------------------
// Tokens
// -----------------------

// CreateToken stores a token issuance from a refresh grant.
func (s *RedisStorage) CreateToken(ctx context.Context, token *Token) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(keyTypeToken, token.TokenID), data, ttlUntil(token.RefreshExpiresAt))
		pipe.Set(ctx, s.key(keyTypeAccessIndex, token.AccessToken), token.TokenID, ttlUntil(token.RefreshExpiresAt))
		if token.RefreshToken != "" {
			pipe.SAdd(ctx, s.key(keyTypeRefreshIdx, token.RefreshToken), token.TokenID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis create token: %w", err)
	}
	return nil
}

// GetToken retrieves a token record by its ID.
func (s *RedisStorage) GetToken(ctx context.Context, tokenID string) (*Token, error) {
	var token Token
	if err := s.getJSON(ctx, s.key(keyTypeToken, tokenID), &token); err != nil {
		return nil, err
	}
	return &token, nil
}

// FindTokenByAccess finds the token record for an access token string using
// the secondary index, giving constant-time lookup.
func (s *RedisStorage) FindTokenByAccess(ctx context.Context, accessToken string) (*Token, error) {
	tokenID, err := s.client.Get(ctx, s.key(keyTypeAccessIndex, accessToken)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get access index: %w", err)
	}
	return s.GetToken(ctx, tokenID)
}

// GetRefresh retrieves a refresh entry, checking expiry at read time.
func (s *RedisStorage) GetRefresh(ctx context.Context, refreshToken string) (*RefreshEntry, error) {
	var entry RefreshEntry
	if err := s.getJSON(ctx, s.key(keyTypeRefresh, refreshToken), &entry); err != nil {
		return nil, err
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, ErrExpired
	}
	return &entry, nil
}

// revokeRefresh marks a refresh entry and every token issued against it
// revoked, preserving key TTLs.
func (s *RedisStorage) revokeRefresh(ctx context.Context, refreshToken string) error {
	refreshKey := s.key(keyTypeRefresh, refreshToken)

	var entry RefreshEntry
	err := s.getJSON(ctx, refreshKey, &entry)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err == nil && !entry.Revoked {
		entry.Revoked = true
		if err := s.setJSON(ctx, refreshKey, &entry, redis.KeepTTL); err != nil {
			return fmt.Errorf("redis revoke refresh: %w", err)
		}
	}

	tokenIDs, err := s.client.SMembers(ctx, s.key(keyTypeRefreshIdx, refreshToken)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers refresh index: %w", err)
	}
	for _, tokenID := range tokenIDs {
		tokenKey := s.key(keyTypeToken, tokenID)
		var token Token
		if err := s.getJSON(ctx, tokenKey, &token); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return err
		}
		if token.Revoked {
			continue
		}
		token.Revoked = true
		if err := s.setJSON(ctx, tokenKey, &token, redis.KeepTTL); err != nil {
			return fmt.Errorf("redis revoke token: %w", err)
		}
	}
	return nil
}

// RevokeToken marks a token revoked and cascades to its refresh token.
func (s *RedisStorage) RevokeToken(ctx context.Context, tokenID string) error {
	tokenKey := s.key(keyTypeToken, tokenID)

	var token Token
	if err := s.getJSON(ctx, tokenKey, &token); err != nil {
		return err
	}
	if !token.Revoked {
		token.Revoked = true
		if err := s.setJSON(ctx, tokenKey, &token, redis.KeepTTL); err != nil {
			return fmt.Errorf("redis revoke token: %w", err)
		}
	}
	if token.RefreshToken != "" {
		return s.revokeRefresh(ctx, token.RefreshToken)
	}
	return nil
}

// RevokeRefresh marks a refresh entry revoked and cascades to its tokens.
func (s *RedisStorage) RevokeRefresh(ctx context.Context, refreshToken string) error {
	exists, err := s.client.Exists(ctx, s.key(keyTypeRefresh, refreshToken)).Result()
	if err != nil {
		return fmt.Errorf("redis exists refresh: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return s.revokeRefresh(ctx, refreshToken)
}

// Compile-time interface compliance check
var _ Storage = (*RedisStorage)(nil)
