// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/agentauth/agentauth/pkg/logger"
)

// MemoryStorage implements the Storage interface with in-memory maps.
// This implementation is thread-safe and suitable for single-process
// deployments, development, and testing.
//
// All maps are guarded by one RWMutex, which also provides the per-request
// atomicity the coordinator relies on: every compare-and-set transition is a
// read + check + write under the write lock.
//
// The token map is keyed by token ID; FindTokenByAccess is a linear scan,
// which is adequate at this scale. The codes map is a secondary index from
// authorization code to request ID.
type MemoryStorage struct {
	mu sync.RWMutex

	// agents maps agent_id -> Agent.
	agents map[string]*Agent

	// clients maps client_id -> Client.
	clients map[string]*Client

	// authRequests maps request_id -> AuthRequest.
	authRequests map[string]*AuthRequest

	// codes maps authorization code -> request_id. A code exists iff its
	// request has been authenticated and the code not yet consumed.
	codes map[string]string

	// tokens maps token_id -> Token.
	tokens map[string]*Token

	// refreshTokens maps refresh token string -> RefreshEntry.
	refreshTokens map[string]*RefreshEntry

	// sweepInterval is how often the background sweeper runs.
	sweepInterval time.Duration

	// stopSweep signals the sweeper goroutine to stop.
	stopSweep chan struct{}

	// sweepDone is closed when the sweeper goroutine has fully stopped.
	sweepDone chan struct{}
}

// MemoryStorageOption configures a MemoryStorage instance.
type MemoryStorageOption func(*MemoryStorage)

// WithSweepInterval sets a custom sweep interval.
func WithSweepInterval(interval time.Duration) MemoryStorageOption {
	return func(s *MemoryStorage) {
		s.sweepInterval = interval
	}
}

// NewMemoryStorage creates a new MemoryStorage instance with initialized maps
// and starts the background sweeper goroutine.
func NewMemoryStorage(opts ...MemoryStorageOption) *MemoryStorage {
	s := &MemoryStorage{
		agents:        make(map[string]*Agent),
		clients:       make(map[string]*Client),
		authRequests:  make(map[string]*AuthRequest),
		codes:         make(map[string]string),
		tokens:        make(map[string]*Token),
		refreshTokens: make(map[string]*RefreshEntry),
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		sweepDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	go s.sweepLoop()

	return s
}

// Health is a no-op for in-memory storage since it is always available.
func (*MemoryStorage) Health(_ context.Context) error {
	return nil
}

// Close stops the background sweeper goroutine and waits for it to finish.
func (s *MemoryStorage) Close() error {
	close(s.stopSweep)
	<-s.sweepDone
	return nil
}

// sweepLoop runs the periodic sweep of expired entries.
func (s *MemoryStorage) sweepLoop() {
	defer close(s.sweepDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired removes all expired entries. The sweeper is a soft bound:
// readers also check expiry at use time, because the sweep period is coarse.
//
// Uses collect-then-delete: expired keys are collected under the read lock,
// then deleted under the write lock, minimizing write lock hold time.
func (s *MemoryStorage) sweepExpired() {
	now := time.Now()

	s.mu.RLock()

	var expiredRequests []string
	for id, req := range s.authRequests {
		if now.After(req.ExpiresAt) {
			expiredRequests = append(expiredRequests, id)
		}
	}

	var expiredRefresh []string
	for rt, entry := range s.refreshTokens {
		if now.After(entry.ExpiresAt) {
			expiredRefresh = append(expiredRefresh, rt)
		}
	}

	// Token rows are kept until both lifetimes have passed; introspection
	// rejects them on expiry regardless of whether the sweep has run.
	var expiredTokens []string
	for id, tok := range s.tokens {
		if now.After(tok.AccessExpiresAt) && now.After(tok.RefreshExpiresAt) {
			expiredTokens = append(expiredTokens, id)
		}
	}

	s.mu.RUnlock()

	if len(expiredRequests) == 0 && len(expiredRefresh) == 0 && len(expiredTokens) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range expiredRequests {
		if req, ok := s.authRequests[id]; ok && req.Code != "" {
			delete(s.codes, req.Code)
		}
		delete(s.authRequests, id)
	}

	for _, rt := range expiredRefresh {
		delete(s.refreshTokens, rt)
	}

	for _, id := range expiredTokens {
		delete(s.tokens, id)
	}

	logger.Debugw("swept expired storage entries",
		"auth_requests", len(expiredRequests),
		"refresh_tokens", len(expiredRefresh),
		"tokens", len(expiredTokens),
	)
}

// -----------------------
// Agents
// -----------------------

func cloneAgent(a *Agent) *Agent {
	c := *a
	return &c
}

// CreateAgent stores a new agent.
func (s *MemoryStorage) CreateAgent(_ context.Context, agent *Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agent.AgentID]; exists {
		return ErrAlreadyExists
	}
	s.agents[agent.AgentID] = cloneAgent(agent)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *MemoryStorage) GetAgent(_ context.Context, agentID string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(agent), nil
}

// ListAgents returns all agents.
func (s *MemoryStorage) ListAgents(_ context.Context) ([]*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make([]*Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		agents = append(agents, cloneAgent(agent))
	}
	return agents, nil
}

// DeleteAgent removes an agent.
func (s *MemoryStorage) DeleteAgent(_ context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[agentID]; !ok {
		return ErrNotFound
	}
	delete(s.agents, agentID)
	return nil
}

// -----------------------
// Clients
// -----------------------

func cloneClient(c *Client) *Client {
	cp := *c
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	return &cp
}

// CreateClient stores a new client.
func (s *MemoryStorage) CreateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return ErrAlreadyExists
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by ID.
func (s *MemoryStorage) GetClient(_ context.Context, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		logger.Debugw("client not found", "client_id", clientID)
		return nil, ErrNotFound
	}
	return cloneClient(client), nil
}

// ListClients returns all clients.
func (s *MemoryStorage) ListClients(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, cloneClient(client))
	}
	return clients, nil
}

// UpdateClient replaces a client's stored record.
func (s *MemoryStorage) UpdateClient(_ context.Context, client *Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; !ok {
		return ErrNotFound
	}
	s.clients[client.ClientID] = cloneClient(client)
	return nil
}

// DeleteClient removes a client.
func (s *MemoryStorage) DeleteClient(_ context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[clientID]; !ok {
		return ErrNotFound
	}
	delete(s.clients, clientID)
	return nil
}

// -----------------------
// Authorization requests
// -----------------------

func cloneAuthRequest(r *AuthRequest) *AuthRequest {
	c := *r
	return &c
}

// CreateAuthRequest stores a new pending authorization request.
func (s *MemoryStorage) CreateAuthRequest(_ context.Context, request *AuthRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.authRequests[request.RequestID]; exists {
		return ErrAlreadyExists
	}
	s.authRequests[request.RequestID] = cloneAuthRequest(request)
	return nil
}

// GetAuthRequest retrieves an authorization request by ID.
func (s *MemoryStorage) GetAuthRequest(_ context.Context, requestID string) (*AuthRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.authRequests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAuthRequest(req), nil
}

// AuthenticateAuthRequest transitions pending -> authenticated, recording the
// agent identity and binding the fresh authorization code.
func (s *MemoryStorage) AuthenticateAuthRequest(
	_ context.Context, requestID, agentID, model, code string,
) (*AuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		return nil, &InvalidStateError{Status: req.Status}
	}
	if time.Now().After(req.ExpiresAt) {
		req.Status = StatusExpired
		return nil, ErrExpired
	}

	req.AgentID = agentID
	req.Model = model
	req.Code = code
	req.Status = StatusAuthenticated
	s.codes[code] = requestID

	return cloneAuthRequest(req), nil
}

// FailAuthRequest transitions pending -> error.
func (s *MemoryStorage) FailAuthRequest(_ context.Context, requestID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.Status != StatusPending {
		return &InvalidStateError{Status: req.Status}
	}
	req.Status = StatusError
	req.ErrorMessage = message
	return nil
}

// ExpireAuthRequest transitions pending -> expired.
func (s *MemoryStorage) ExpireAuthRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[requestID]
	if !ok {
		return ErrNotFound
	}
	switch req.Status {
	case StatusExpired:
		return nil
	case StatusPending:
		req.Status = StatusExpired
		return nil
	default:
		return &InvalidStateError{Status: req.Status}
	}
}

// CompleteAuthRequest transitions authenticated -> completed. The transition
// happens under the write lock, so at most one caller observes the
// authenticated status and receives the code.
func (s *MemoryStorage) CompleteAuthRequest(_ context.Context, requestID string) (*AuthRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status != StatusAuthenticated {
		return nil, &InvalidStateError{Status: req.Status}
	}

	snapshot := cloneAuthRequest(req)
	req.Status = StatusCompleted
	snapshot.Status = StatusCompleted
	return snapshot, nil
}

// RemoveAuthRequest deletes a request and its bound code.
func (s *MemoryStorage) RemoveAuthRequest(_ context.Context, requestID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.authRequests[requestID]
	if !ok {
		return ErrNotFound
	}
	if req.Code != "" {
		delete(s.codes, req.Code)
	}
	delete(s.authRequests, requestID)
	return nil
}

// -----------------------
// Authorization codes
// -----------------------

// ResolveCode returns the request ID an authorization code is bound to.
func (s *MemoryStorage) ResolveCode(_ context.Context, code string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	requestID, ok := s.codes[code]
	if !ok {
		return "", ErrNotFound
	}
	return requestID, nil
}

// RedeemCode consumes an authorization code: persist the token pair, then
// delete the code and its request. All mutations happen under one write
// lock, so a concurrent redemption of the same code loses with ErrNotFound.
func (s *MemoryStorage) RedeemCode(_ context.Context, code string, token *Token, refresh *RefreshEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	requestID, ok := s.codes[code]
	if !ok {
		return ErrNotFound
	}

	tokenCopy := *token
	refreshCopy := *refresh
	s.tokens[token.TokenID] = &tokenCopy
	s.refreshTokens[refresh.RefreshToken] = &refreshCopy

	delete(s.authRequests, requestID)
	delete(s.codes, code)
	return nil
}

// -----------------------
// Tokens
// -----------------------

// CreateToken stores a token issuance from a refresh grant.
func (s *MemoryStorage) CreateToken(_ context.Context, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tokens[token.TokenID]; exists {
		return ErrAlreadyExists
	}
	c := *token
	s.tokens[token.TokenID] = &c
	return nil
}

// GetToken retrieves a token record by its ID.
func (s *MemoryStorage) GetToken(_ context.Context, tokenID string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *tok
	return &c, nil
}

// FindTokenByAccess finds the token record for an access token string.
// Linear scan; adequate at this scale. A production deployment should key a
// secondary index by the access token (or a hash of it).
func (s *MemoryStorage) FindTokenByAccess(_ context.Context, accessToken string) (*Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, tok := range s.tokens {
		if tok.AccessToken == accessToken {
			c := *tok
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

// GetRefresh retrieves a refresh entry, checking expiry at read time.
func (s *MemoryStorage) GetRefresh(_ context.Context, refreshToken string) (*RefreshEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.refreshTokens[refreshToken]
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(entry.ExpiresAt) {
		return nil, ErrExpired
	}
	c := *entry
	return &c, nil
}

// revokeRefreshLocked marks a refresh entry and every token issued against
// it revoked. Caller must hold the write lock.
func (s *MemoryStorage) revokeRefreshLocked(refreshToken string) {
	if entry, ok := s.refreshTokens[refreshToken]; ok {
		entry.Revoked = true
	}
	for _, tok := range s.tokens {
		if tok.RefreshToken == refreshToken {
			tok.Revoked = true
		}
	}
}

// RevokeToken marks a token revoked and cascades to its refresh token.
func (s *MemoryStorage) RevokeToken(_ context.Context, tokenID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, ok := s.tokens[tokenID]
	if !ok {
		return ErrNotFound
	}
	tok.Revoked = true
	if tok.RefreshToken != "" {
		s.revokeRefreshLocked(tok.RefreshToken)
	}
	return nil
}

// RevokeRefresh marks a refresh entry revoked and cascades to its tokens.
func (s *MemoryStorage) RevokeRefresh(_ context.Context, refreshToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.refreshTokens[refreshToken]; !ok {
		return ErrNotFound
	}
	s.revokeRefreshLocked(refreshToken)
	return nil
}

// -----------------------
// Metrics/Stats (for testing and monitoring)
// -----------------------

// Stats contains statistics about the storage contents.
type Stats struct {
	Agents        int
	Clients       int
	AuthRequests  int
	Codes         int
	Tokens        int
	RefreshTokens int
}

// Stats returns current statistics about storage contents.
func (s *MemoryStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Agents:        len(s.agents),
		Clients:       len(s.clients),
		AuthRequests:  len(s.authRequests),
		Codes:         len(s.codes),
		Tokens:        len(s.tokens),
		RefreshTokens: len(s.refreshTokens),
	}
}

// Compile-time interface compliance check
var _ Storage = (*MemoryStorage)(nil)
