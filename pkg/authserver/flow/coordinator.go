// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package flow coordinates the agent authorization flow: the browser opens
// an authorization request, the agent authenticates it over the back
// channel, and the browser polls until the code is ready for delivery.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/agentauth/agentauth/pkg/authserver/crypto"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/logger"
	"github.com/agentauth/agentauth/pkg/oauth"
	"github.com/agentauth/agentauth/pkg/validation"
)

// requestIDBytes is the entropy of generated request identifiers.
const requestIDBytes = 16

// Coordinator drives authorization requests through their lifecycle.
type Coordinator struct {
	store          storage.Storage
	authRequestTTL time.Duration
	defaultScope   string
}

// NewCoordinator creates a flow coordinator.
func NewCoordinator(store storage.Storage, authRequestTTL time.Duration, defaultScope string) *Coordinator {
	return &Coordinator{
		store:          store,
		authRequestTTL: authRequestTTL,
		defaultScope:   defaultScope,
	}
}

// BeginInput carries the query parameters of an authorization request.
type BeginInput struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
}

// Begin validates an authorization request and stores it as pending.
// Validation failures return *oauth.Error; the caller renders them as an
// HTML error page since no trustworthy redirect URI is established until
// the client and redirect URI both check out.
func (c *Coordinator) Begin(ctx context.Context, in BeginInput) (*storage.AuthRequest, error) {
	if in.ClientID == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("client_id is required")
	}

	client, err := c.store.GetClient(ctx, in.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.ErrInvalidClient.WithDescription("unknown client")
		}
		return nil, fmt.Errorf("failed to load client: %w", err)
	}

	if err := validation.ValidateRedirectURI(in.RedirectURI); err != nil {
		return nil, oauth.ErrInvalidRequest.WithDescription("invalid redirect_uri: %v", err)
	}
	if !validation.RedirectURIAllowed(in.RedirectURI, client.RedirectURIs) {
		return nil, oauth.ErrInvalidRequest.WithDescription("redirect_uri is not registered for this client")
	}

	if in.ResponseType != oauth.ResponseTypeCode {
		return nil, oauth.ErrUnsupportedResponseType.WithDescription(
			"only the %q response type is supported", oauth.ResponseTypeCode)
	}

	if in.CodeChallenge == "" {
		return nil, oauth.ErrInvalidRequest.WithDescription("code_challenge is required")
	}
	if err := validation.ValidateChallengeMethod(in.CodeChallengeMethod); err != nil {
		return nil, oauth.ErrInvalidRequest.WithDescription("%v", err)
	}

	scope := in.Scope
	if scope == "" {
		scope = c.defaultScope
	}

	now := time.Now()
	req := &storage.AuthRequest{
		RequestID:           crypto.RandomID("req", requestIDBytes),
		ClientID:            client.ClientID,
		RedirectURI:         in.RedirectURI,
		State:               in.State,
		CodeChallenge:       in.CodeChallenge,
		CodeChallengeMethod: in.CodeChallengeMethod,
		Scope:               scope,
		Status:              storage.StatusPending,
		CreatedAt:           now,
		ExpiresAt:           now.Add(c.authRequestTTL),
	}

	if err := c.store.CreateAuthRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to store authorization request: %w", err)
	}

	logger.Infow("authorization request created",
		"request_id", req.RequestID,
		"client_id", req.ClientID,
	)
	return req, nil
}

// Authenticate verifies the agent's credential pair against a pending
// request and, on success, binds a fresh authorization code.
//
// A credential failure is one-shot: the request transitions to the error
// status and cannot be retried. The browser's next poll reports the error.
func (c *Coordinator) Authenticate(
	ctx context.Context, requestID, agentID, agentSecret, model string,
) (*storage.AuthRequest, error) {
	req, err := c.store.GetAuthRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.ErrNotFound.WithDescription("authorization request not found")
		}
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	if req.Status == storage.StatusPending && req.IsExpired() {
		if err := c.expire(ctx, requestID); err != nil {
			return nil, err
		}
		return nil, oauth.ErrRequestExpired
	}
	if req.Status != storage.StatusPending {
		return nil, oauth.ErrInvalidRequest.WithDescription(
			"authorization request is not pending (status: %s)", req.Status)
	}

	if !c.verifyAgent(ctx, agentID, agentSecret) {
		if err := c.fail(ctx, requestID, "Invalid agent credentials"); err != nil {
			return nil, err
		}
		logger.Warnw("agent authentication failed",
			"request_id", requestID,
			"agent_id", agentID,
		)
		return nil, oauth.ErrInvalidClient.WithDescription("invalid agent credentials")
	}

	code := crypto.NewAuthorizationCode()
	authed, err := c.store.AuthenticateAuthRequest(ctx, requestID, agentID, model, code)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrExpired):
			return nil, oauth.ErrRequestExpired
		case isInvalidState(err):
			return nil, oauth.ErrInvalidRequest.WithDescription(
				"authorization request is not pending")
		case errors.Is(err, storage.ErrNotFound):
			return nil, oauth.ErrNotFound.WithDescription("authorization request not found")
		default:
			return nil, fmt.Errorf("failed to authenticate authorization request: %w", err)
		}
	}

	logger.Infow("agent authenticated",
		"request_id", requestID,
		"agent_id", agentID,
		"model", model,
	)
	return authed, nil
}

// verifyAgent checks the credential pair. Unknown agents and wrong secrets
// are indistinguishable to the caller.
func (c *Coordinator) verifyAgent(ctx context.Context, agentID, agentSecret string) bool {
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		// Burn a bcrypt comparison anyway so unknown agents cost the same
		// as wrong secrets.
		crypto.VerifySecret(agentSecret, crypto.DummySecretHash)
		return false
	}
	return crypto.VerifySecret(agentSecret, agent.SecretHash)
}

// expiredMessage is the error member reported for requests past their TTL.
const expiredMessage = "Authorization request expired"

// Status is the browser-facing view of an authorization request. Expired
// requests report the error status; the stored expired status is internal.
type Status struct {
	// Status is the request's lifecycle status as seen by the browser.
	Status storage.AuthRequestStatus `json:"status"`

	// Code is the authorization code. Set only on the single poll that
	// wins delivery.
	Code string `json:"code,omitempty"`

	// State echoes the client's state parameter alongside the code.
	State string `json:"state,omitempty"`

	// RedirectURI is the client callback carrying code and state. Set only
	// on the single poll that wins delivery.
	RedirectURI string `json:"redirect_uri,omitempty"`

	// Error describes why the request failed, for the error status.
	Error string `json:"error,omitempty"`
}

// Poll reports the request's status to the browser. When the request is
// authenticated, exactly one poll receives the authenticated document
// carrying the code, state, and redirect URI, and transitions the request
// to completed; concurrent polls observe the completed status without the
// code. Expired and errored requests both report the error status.
func (c *Coordinator) Poll(ctx context.Context, requestID string) (*Status, error) {
	req, err := c.store.GetAuthRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, oauth.ErrNotFound.WithDescription("authorization request not found")
		}
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}

	if req.Status == storage.StatusPending && req.IsExpired() {
		if err := c.expire(ctx, requestID); err != nil {
			return nil, err
		}
		return &Status{Status: storage.StatusError, Error: expiredMessage}, nil
	}

	switch req.Status {
	case storage.StatusPending:
		return &Status{Status: storage.StatusPending}, nil

	case storage.StatusError:
		return &Status{Status: storage.StatusError, Error: req.ErrorMessage}, nil

	case storage.StatusExpired:
		return &Status{Status: storage.StatusError, Error: expiredMessage}, nil

	case storage.StatusCompleted:
		return &Status{Status: storage.StatusCompleted}, nil

	case storage.StatusAuthenticated:
		completed, err := c.store.CompleteAuthRequest(ctx, requestID)
		if err != nil {
			if isInvalidState(err) {
				// Lost the delivery race; report the terminal status.
				return &Status{Status: storage.StatusCompleted}, nil
			}
			return nil, fmt.Errorf("failed to complete authorization request: %w", err)
		}

		redirect, err := buildRedirect(completed)
		if err != nil {
			return nil, err
		}
		logger.Infow("authorization code delivered",
			"request_id", requestID,
			"client_id", completed.ClientID,
		)
		return &Status{
			Status:      storage.StatusAuthenticated,
			Code:        completed.Code,
			State:       completed.State,
			RedirectURI: redirect,
		}, nil

	default:
		return nil, fmt.Errorf("unknown authorization request status: %s", req.Status)
	}
}

// expire transitions a pending request to expired, tolerating races with
// other pollers or the agent back channel.
func (c *Coordinator) expire(ctx context.Context, requestID string) error {
	err := c.store.ExpireAuthRequest(ctx, requestID)
	if err == nil || isInvalidState(err) || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to expire authorization request: %w", err)
}

func (c *Coordinator) fail(ctx context.Context, requestID, message string) error {
	err := c.store.FailAuthRequest(ctx, requestID, message)
	if err == nil || isInvalidState(err) {
		return nil
	}
	return fmt.Errorf("failed to mark authorization request failed: %w", err)
}

func isInvalidState(err error) bool {
	var stateErr *storage.InvalidStateError
	return errors.As(err, &stateErr)
}

// buildRedirect appends code and state to the client's redirect URI,
// preserving any query parameters the client included.
func buildRedirect(req *storage.AuthRequest) (string, error) {
	u, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", fmt.Errorf("stored redirect URI is invalid: %w", err)
	}
	q := u.Query()
	q.Set("code", req.Code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
