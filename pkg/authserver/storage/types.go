// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package storage provides storage interfaces and implementations for the
// OAuth authorization server. The Storage interface is the single owner of
// all mutable server state; every other component reads and writes through
// it. Two backends are provided: an in-memory store with a background
// sweeper, and a Redis store that relies on native key TTLs.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors returned by storage implementations.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates a record with the same key already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrExpired indicates the record exists but its TTL has passed.
	ErrExpired = errors.New("expired")
)

// InvalidStateError reports an authorization request transition attempted
// from the wrong status. Status carries the request's current status so
// callers can report it.
type InvalidStateError struct {
	Status AuthRequestStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid authorization request state: %s", e.Status)
}

// AuthRequestStatus is the lifecycle status of an authorization request.
// Transitions are monotonic forward:
//
//	pending -> authenticated -> completed
//	pending -> error
//	pending -> expired
//
// completed, expired, and error are terminal.
type AuthRequestStatus string

// Authorization request statuses.
const (
	StatusPending       AuthRequestStatus = "pending"
	StatusAuthenticated AuthRequestStatus = "authenticated"
	StatusCompleted     AuthRequestStatus = "completed"
	StatusExpired       AuthRequestStatus = "expired"
	StatusError         AuthRequestStatus = "error"
)

// Agent is a non-human principal that authenticates with its own credential
// pair. The plaintext secret exists only in the response body of the admin
// call that created the agent; only the hash is stored.
type Agent struct {
	// AgentID is the opaque identifier, at least 3 chars of [A-Za-z0-9_-].
	AgentID string `json:"agent_id"`

	// SecretHash is the salted bcrypt hash of the agent secret.
	SecretHash string `json:"secret_hash"`

	// UserEmail is the email of the human the agent acts for.
	UserEmail string `json:"user_email"`

	// UserName is the display name of the human the agent acts for.
	UserName string `json:"user_name"`

	// CreatedAt is when the agent was provisioned.
	CreatedAt time.Time `json:"created_at"`
}

// Client is a relying website registered with the authorization server.
type Client struct {
	// ClientID is the opaque client identifier.
	ClientID string `json:"client_id"`

	// SecretHash is the salted bcrypt hash of the client secret.
	SecretHash string `json:"secret_hash"`

	// Name is the human-readable client name.
	Name string `json:"name"`

	// RedirectURIs is the ordered set of allowed redirect URIs.
	// Matching is exact string equality.
	RedirectURIs []string `json:"redirect_uris"`

	// GrantTypes lists the grant types the client may use.
	GrantTypes []string `json:"grant_types"`

	// CreatedAt is when the client was registered.
	CreatedAt time.Time `json:"created_at"`
}

// AuthRequest is the server-side record of an in-flight authorization,
// created by the authorize endpoint and advanced by the agent back channel
// and the browser-side status poll.
type AuthRequest struct {
	// RequestID is the opaque request identifier embedded in the landing page.
	RequestID string `json:"request_id"`

	// ClientID is the OAuth client that initiated the authorization.
	ClientID string `json:"client_id"`

	// RedirectURI is the client's callback URL, already validated against
	// the client's allowed set.
	RedirectURI string `json:"redirect_uri"`

	// State is the client's original state parameter for CSRF protection.
	State string `json:"state"`

	// CodeChallenge is the client's PKCE code challenge.
	CodeChallenge string `json:"code_challenge"`

	// CodeChallengeMethod is the PKCE challenge method (always "S256").
	CodeChallengeMethod string `json:"code_challenge_method"`

	// Scope is the space-separated requested scope string.
	Scope string `json:"scope"`

	// Status is the current lifecycle status.
	Status AuthRequestStatus `json:"status"`

	// Code is the single-use authorization code, set on authentication.
	Code string `json:"code,omitempty"`

	// AgentID is the authenticated agent, set on authentication.
	AgentID string `json:"agent_id,omitempty"`

	// Model is the model identifier the agent declared, set on authentication.
	Model string `json:"model,omitempty"`

	// ErrorMessage describes why the request entered the error status.
	ErrorMessage string `json:"error,omitempty"`

	// CreatedAt is when the request was created.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is CreatedAt plus the authorization request TTL.
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired returns true if the request's TTL has passed.
func (r *AuthRequest) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// Token records an issued access/refresh token pair. The access token is a
// JWT; the refresh token is opaque and confers meaning only via this record.
type Token struct {
	// TokenID is the unique identifier of this issuance.
	TokenID string `json:"token_id"`

	// AccessToken is the compact JWT string.
	AccessToken string `json:"access_token"`

	// RefreshToken is the opaque refresh token (prefix "rt_") this access
	// token is paired with. Multiple tokens share a refresh token across
	// refresh grants, since refresh tokens are not rotated.
	RefreshToken string `json:"refresh_token"`

	// AgentID is the subject the token was issued for.
	AgentID string `json:"agent_id"`

	// ClientID is the client the token was issued to.
	ClientID string `json:"client_id"`

	// Model is the model identifier carried over from the authorization.
	Model string `json:"model,omitempty"`

	// Scope is the space-separated granted scope string.
	Scope string `json:"scope"`

	// AccessExpiresAt is when the access token expires.
	AccessExpiresAt time.Time `json:"access_expires_at"`

	// RefreshExpiresAt is when the paired refresh token expires.
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`

	// CreatedAt is when the token was issued.
	CreatedAt time.Time `json:"created_at"`

	// Revoked is set by the revocation endpoint and never cleared.
	Revoked bool `json:"revoked"`
}

// RefreshEntry records an issued refresh token. Entries are reused across
// refresh grants; the token is not rotated and ExpiresAt is preserved.
type RefreshEntry struct {
	// RefreshToken is the opaque token string (prefix "rt_").
	RefreshToken string `json:"refresh_token"`

	// TokenID is the token issuance that created this entry.
	TokenID string `json:"token_id"`

	// AgentID is the subject the refresh token was issued for.
	AgentID string `json:"agent_id"`

	// ClientID is the client the refresh token was issued to.
	ClientID string `json:"client_id"`

	// ExpiresAt is when the refresh token expires.
	ExpiresAt time.Time `json:"expires_at"`

	// Revoked is set by the revocation endpoint and never cleared.
	Revoked bool `json:"revoked"`
}

// IsExpired returns true if the refresh token's TTL has passed.
func (e *RefreshEntry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Storage is the keyed repository for all authorization server state.
//
// Implementations must serialize mutations per key, and the specialized
// authorization request transitions (AuthenticateAuthRequest,
// CompleteAuthRequest) and RedeemCode must be atomic: concurrent callers
// observe either the full effect or none of it, and at most one caller wins
// a compare-and-set transition.
type Storage interface {
	// CreateAgent stores a new agent. Returns ErrAlreadyExists on collision.
	CreateAgent(ctx context.Context, agent *Agent) error

	// GetAgent retrieves an agent by ID. Returns ErrNotFound if missing.
	GetAgent(ctx context.Context, agentID string) (*Agent, error)

	// ListAgents returns all agents.
	ListAgents(ctx context.Context) ([]*Agent, error)

	// DeleteAgent removes an agent. Returns ErrNotFound if missing.
	DeleteAgent(ctx context.Context, agentID string) error

	// CreateClient stores a new client. Returns ErrAlreadyExists on collision.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if missing.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClients returns all clients.
	ListClients(ctx context.Context) ([]*Client, error)

	// UpdateClient replaces a client's mutable fields (name, redirect URIs).
	// Returns ErrNotFound if missing.
	UpdateClient(ctx context.Context, client *Client) error

	// DeleteClient removes a client. Returns ErrNotFound if missing.
	DeleteClient(ctx context.Context, clientID string) error

	// CreateAuthRequest stores a new pending authorization request.
	CreateAuthRequest(ctx context.Context, request *AuthRequest) error

	// GetAuthRequest retrieves an authorization request by ID. The record is
	// returned regardless of expiry; callers check ExpiresAt at use time.
	GetAuthRequest(ctx context.Context, requestID string) (*AuthRequest, error)

	// AuthenticateAuthRequest atomically transitions a pending, unexpired
	// request to authenticated, recording the agent, model, and code, and
	// binding the code to the request. A pending request past its expiry is
	// transitioned to expired and ErrExpired is returned. A non-pending
	// request yields *InvalidStateError.
	AuthenticateAuthRequest(ctx context.Context, requestID, agentID, model, code string) (*AuthRequest, error)

	// FailAuthRequest transitions a pending request to the error status with
	// the given message. A non-pending request yields *InvalidStateError.
	FailAuthRequest(ctx context.Context, requestID, message string) error

	// ExpireAuthRequest transitions a pending request to expired. Expiring an
	// already-expired request is a no-op; any other non-pending status
	// yields *InvalidStateError.
	ExpireAuthRequest(ctx context.Context, requestID string) error

	// CompleteAuthRequest atomically transitions an authenticated request to
	// completed and returns the snapshot carrying the code. At most one
	// caller observes the authenticated status; all others receive
	// *InvalidStateError. This is what makes code delivery single-shot.
	CompleteAuthRequest(ctx context.Context, requestID string) (*AuthRequest, error)

	// RemoveAuthRequest deletes a request and its bound code, if any.
	RemoveAuthRequest(ctx context.Context, requestID string) error

	// ResolveCode returns the request ID an authorization code is bound to.
	// Returns ErrNotFound for unknown or already-consumed codes.
	ResolveCode(ctx context.Context, code string) (string, error)

	// RedeemCode atomically consumes an authorization code: it persists the
	// token and refresh entry and deletes the code and its authorization
	// request. Concurrent redemptions of the same code have exactly one
	// winner; losers receive ErrNotFound.
	RedeemCode(ctx context.Context, code string, token *Token, refresh *RefreshEntry) error

	// CreateToken stores an additional token issuance (refresh grant).
	CreateToken(ctx context.Context, token *Token) error

	// GetToken retrieves a token record by its ID.
	GetToken(ctx context.Context, tokenID string) (*Token, error)

	// FindTokenByAccess finds the token record whose access token string
	// equals the given JWT. Returns ErrNotFound if no record matches.
	FindTokenByAccess(ctx context.Context, accessToken string) (*Token, error)

	// GetRefresh retrieves a refresh entry. Returns ErrExpired if the entry
	// exists but its TTL has passed.
	GetRefresh(ctx context.Context, refreshToken string) (*RefreshEntry, error)

	// RevokeToken marks a token revoked and cascades to its paired refresh
	// token and every token sharing that refresh token. Idempotent.
	RevokeToken(ctx context.Context, tokenID string) error

	// RevokeRefresh marks a refresh entry revoked and cascades to every
	// token issued against it. Idempotent.
	RevokeRefresh(ctx context.Context, refreshToken string) error

	// Health checks that the backend is reachable.
	Health(ctx context.Context) error

	// Close releases backend resources and stops background work.
	Close() error
}
