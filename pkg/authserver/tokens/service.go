// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package tokens implements the token endpoint grants and the token
// lifecycle endpoints: authorization code exchange with PKCE, refresh
// grants without rotation, RFC 7662 introspection, and RFC 7009
// revocation.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/agentauth/agentauth/pkg/authserver/crypto"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/logger"
	"github.com/agentauth/agentauth/pkg/oauth"
)

// refreshTokenBytes is the entropy of generated refresh tokens.
const refreshTokenBytes = 32

// Service issues and manages tokens.
type Service struct {
	store      storage.Storage
	jwtSecret  []byte
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewService creates a token service.
func NewService(store storage.Storage, jwtSecret []byte, issuer string, accessTTL, refreshTTL time.Duration) *Service {
	return &Service{
		store:      store,
		jwtSecret:  jwtSecret,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// AuthenticateClient verifies a client credential pair. Unknown clients and
// wrong secrets are indistinguishable to the caller.
func (s *Service) AuthenticateClient(ctx context.Context, clientID, clientSecret string) (*storage.Client, error) {
	if clientID == "" || clientSecret == "" {
		return nil, oauth.ErrInvalidClient.WithDescription("client credentials are required")
	}

	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			crypto.VerifySecret(clientSecret, crypto.DummySecretHash)
			return nil, oauth.ErrInvalidClient
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if !crypto.VerifySecret(clientSecret, client.SecretHash) {
		return nil, oauth.ErrInvalidClient
	}
	return client, nil
}

// ExchangeInput carries the parameters of an authorization code grant.
type ExchangeInput struct {
	ClientID     string
	ClientSecret string
	Code         string
	CodeVerifier string
	RedirectURI  string
}

// Exchange redeems an authorization code for a token pair. The code is
// single-use: it is consumed on success, on PKCE failure, and on client
// mismatch, so a leaked verifier or code cannot be retried.
func (s *Service) Exchange(ctx context.Context, in ExchangeInput) (*oauth.TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, in.ClientID, in.ClientSecret)
	if err != nil {
		return nil, err
	}

	if in.Code == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("code is required")
	}
	if in.CodeVerifier == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("code_verifier is required")
	}

	requestID, err := s.store.ResolveCode(ctx, in.Code)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.ErrInvalidGrant.WithDescription("authorization code is invalid or has already been used")
		}
		return nil, fmt.Errorf("failed to resolve code: %w", err)
	}

	req, err := s.store.GetAuthRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.ErrInvalidGrant.WithDescription("authorization code is invalid or has already been used")
		}
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	if req.ClientID != client.ClientID {
		s.consume(ctx, requestID)
		logger.Warnw("authorization code used by wrong client",
			"request_id", requestID,
			"issued_to", req.ClientID,
			"presented_by", client.ClientID,
		)
		return nil, oauth.ErrInvalidGrant.WithDescription("authorization code was issued to another client")
	}

	if in.RedirectURI != "" && in.RedirectURI != req.RedirectURI {
		s.consume(ctx, requestID)
		return nil, oauth.ErrInvalidGrant.WithDescription("redirect_uri does not match the authorization request")
	}

	if req.IsExpired() {
		s.consume(ctx, requestID)
		return nil, oauth.ErrInvalidGrant.WithDescription("authorization code has expired")
	}

	if !crypto.VerifyPKCE(in.CodeVerifier, req.CodeChallenge, req.CodeChallengeMethod) {
		s.consume(ctx, requestID)
		logger.Warnw("PKCE verification failed",
			"request_id", requestID,
			"client_id", client.ClientID,
		)
		return nil, oauth.ErrInvalidGrant.WithDescription("PKCE verification failed")
	}

	now := time.Now()
	tokenID := uuid.NewString()
	accessToken, err := s.signAccessToken(req.AgentID, client.ClientID, req.Model, req.Scope, now)
	if err != nil {
		return nil, err
	}
	refreshToken := crypto.RandomID("rt", refreshTokenBytes)

	token := &storage.Token{
		TokenID:          tokenID,
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AgentID:          req.AgentID,
		ClientID:         client.ClientID,
		Model:            req.Model,
		Scope:            req.Scope,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: now.Add(s.refreshTTL),
		CreatedAt:        now,
	}
	entry := &storage.RefreshEntry{
		RefreshToken: refreshToken,
		TokenID:      tokenID,
		AgentID:      req.AgentID,
		ClientID:     client.ClientID,
		ExpiresAt:    now.Add(s.refreshTTL),
	}

	if err := s.store.RedeemCode(ctx, in.Code, token, entry); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Lost a redemption race after the checks above.
			return nil, oauth.ErrInvalidGrant.WithDescription("authorization code is invalid or has already been used")
		}
		return nil, fmt.Errorf("failed to redeem code: %w", err)
	}

	logger.Infow("access token issued",
		"client_id", client.ClientID,
		"agent_id", req.AgentID,
		"grant_type", oauth.GrantTypeAuthorizationCode,
	)
	return &oauth.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    oauth.TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        req.Scope,
	}, nil
}

// consume removes an authorization request and its code so the code cannot
// be retried. Best effort; a concurrent redemption may already have won.
func (s *Service) consume(ctx context.Context, requestID string) {
	if err := s.store.RemoveAuthRequest(ctx, requestID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorw("failed to consume authorization request", "request_id", requestID, "error", err)
	}
}

// RefreshInput carries the parameters of a refresh token grant.
type RefreshInput struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// Refresh issues a fresh access token against an existing refresh token.
// Refresh tokens are not rotated: the response echoes the same refresh
// token and its original expiry is preserved.
func (s *Service) Refresh(ctx context.Context, in RefreshInput) (*oauth.TokenResponse, error) {
	client, err := s.AuthenticateClient(ctx, in.ClientID, in.ClientSecret)
	if err != nil {
		return nil, err
	}

	if in.RefreshToken == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("refresh_token is required")
	}

	entry, err := s.store.GetRefresh(ctx, in.RefreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
			return nil, oauth.ErrInvalidGrant.WithDescription("refresh token is invalid or expired")
		}
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if entry.Revoked {
		return nil, oauth.ErrInvalidGrant.WithDescription("refresh token has been revoked")
	}
	if entry.ClientID != client.ClientID {
		return nil, oauth.ErrInvalidGrant.WithDescription("refresh token was issued to another client")
	}

	// The original issuance carries the model and scope; token records
	// outlive their access expiry for exactly this reason. A live refresh
	// entry without its issuing token is an invariant violation, not a
	// client mistake.
	original, err := s.store.GetToken(ctx, entry.TokenID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger.Errorw("refresh entry without its issuing token",
				"token_id", entry.TokenID,
				"client_id", client.ClientID,
			)
			return nil, oauth.ErrServerError
		}
		return nil, fmt.Errorf("failed to load original token: %w", err)
	}

	now := time.Now()
	tokenID := uuid.NewString()
	accessToken, err := s.signAccessToken(entry.AgentID, client.ClientID, original.Model, original.Scope, now)
	if err != nil {
		return nil, err
	}

	token := &storage.Token{
		TokenID:          tokenID,
		AccessToken:      accessToken,
		RefreshToken:     entry.RefreshToken,
		AgentID:          entry.AgentID,
		ClientID:         client.ClientID,
		Model:            original.Model,
		Scope:            original.Scope,
		AccessExpiresAt:  now.Add(s.accessTTL),
		RefreshExpiresAt: entry.ExpiresAt,
		CreatedAt:        now,
	}
	if err := s.store.CreateToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	logger.Infow("access token issued",
		"client_id", client.ClientID,
		"agent_id", entry.AgentID,
		"grant_type", oauth.GrantTypeRefreshToken,
	)
	return &oauth.TokenResponse{
		AccessToken:  accessToken,
		TokenType:    oauth.TokenTypeBearer,
		ExpiresIn:    int64(s.accessTTL.Seconds()),
		RefreshToken: entry.RefreshToken,
		Scope:        original.Scope,
	}, nil
}

func (s *Service) signAccessToken(agentID, clientID, model, scope string, now time.Time) (string, error) {
	claims := &crypto.AccessTokenClaims{
		ClientID: clientID,
		Model:    model,
		Scope:    scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	signed, err := crypto.SignAccessToken(claims, s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Introspect reports the state of a token per RFC 7662. Any defect in the
// token (unknown, expired, revoked, issued to another client) yields
// {"active": false} rather than an error; only client authentication
// failures surface as errors.
//
// The token_type_hint orders the lookups; a wrong hint is not an error.
func (s *Service) Introspect(ctx context.Context, clientID, clientSecret, token, hint string) (*oauth.IntrospectionResponse, error) {
	client, err := s.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("token is required")
	}

	if hint == oauth.TokenTypeHintRefreshToken {
		if resp := s.introspectRefresh(ctx, client, token); resp.Active {
			return resp, nil
		}
		return s.introspectAccess(ctx, client, token), nil
	}
	if resp := s.introspectAccess(ctx, client, token); resp.Active {
		return resp, nil
	}
	return s.introspectRefresh(ctx, client, token), nil
}

func (s *Service) introspectAccess(ctx context.Context, client *storage.Client, token string) *oauth.IntrospectionResponse {
	inactive := &oauth.IntrospectionResponse{Active: false}

	claims, err := crypto.VerifyAccessToken(token, s.jwtSecret, s.issuer)
	if err != nil {
		return inactive
	}

	record, err := s.store.FindTokenByAccess(ctx, token)
	if err != nil || record.Revoked {
		return inactive
	}
	if record.ClientID != client.ClientID {
		return inactive
	}

	return &oauth.IntrospectionResponse{
		Active:    true,
		Scope:     record.Scope,
		ClientID:  record.ClientID,
		TokenType: oauth.TokenTypeBearer,
		Exp:       claims.ExpiresAt.Unix(),
		Iat:       claims.IssuedAt.Unix(),
		Sub:       record.AgentID,
		Iss:       s.issuer,
		Model:     record.Model,
	}
}

func (s *Service) introspectRefresh(ctx context.Context, client *storage.Client, token string) *oauth.IntrospectionResponse {
	inactive := &oauth.IntrospectionResponse{Active: false}

	entry, err := s.store.GetRefresh(ctx, token)
	if err != nil || entry.Revoked {
		return inactive
	}
	if entry.ClientID != client.ClientID {
		return inactive
	}

	resp := &oauth.IntrospectionResponse{
		Active:    true,
		ClientID:  entry.ClientID,
		TokenType: oauth.TokenTypeHintRefreshToken,
		Exp:       entry.ExpiresAt.Unix(),
		Sub:       entry.AgentID,
		Iss:       s.issuer,
	}
	if original, err := s.store.GetToken(ctx, entry.TokenID); err == nil {
		resp.Scope = original.Scope
		resp.Model = original.Model
		resp.Iat = original.CreatedAt.Unix()
	}
	return resp
}

// Revoke invalidates a token per RFC 7009. Revoking either half of a token
// pair revokes both halves, and every access token minted from the same
// refresh token. Unknown tokens and tokens bound to other clients are
// silently ignored; after client authentication the endpoint always
// succeeds, so callers learn nothing about tokens they do not hold.
func (s *Service) Revoke(ctx context.Context, clientID, clientSecret, token, hint string) error {
	client, err := s.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	if token == "" {
		return oauth.ErrInvalidRequest.WithDescription("token is required")
	}

	if hint == oauth.TokenTypeHintAccessToken {
		if s.revokeAccess(ctx, client, token) {
			return nil
		}
		s.revokeRefresh(ctx, client, token)
		return nil
	}
	if s.revokeRefresh(ctx, client, token) {
		return nil
	}
	s.revokeAccess(ctx, client, token)
	return nil
}

func (s *Service) revokeAccess(ctx context.Context, client *storage.Client, token string) bool {
	record, err := s.store.FindTokenByAccess(ctx, token)
	if err != nil || record.ClientID != client.ClientID {
		return false
	}
	if err := s.store.RevokeToken(ctx, record.TokenID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorw("failed to revoke token", "token_id", record.TokenID, "error", err)
		return false
	}
	logger.Infow("token revoked", "client_id", client.ClientID, "token_id", record.TokenID)
	return true
}

func (s *Service) revokeRefresh(ctx context.Context, client *storage.Client, token string) bool {
	entry, err := s.store.GetRefresh(ctx, token)
	if err != nil || entry.ClientID != client.ClientID {
		return false
	}
	if err := s.store.RevokeRefresh(ctx, token); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Errorw("failed to revoke refresh token", "token_id", entry.TokenID, "error", err)
		return false
	}
	logger.Infow("refresh token revoked", "client_id", client.ClientID, "token_id", entry.TokenID)
	return true
}
