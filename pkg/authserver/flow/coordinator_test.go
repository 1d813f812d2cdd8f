// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package flow

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/agentauth/pkg/authserver/crypto"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/oauth"
)

const (
	testAgentSecret = "0jY1C_wbQ3mYQq0k9-0yTeSjX0FQkQ0Yw1vVb8tKl2E"
	testRedirectURI = "https://app.example.com/callback"
	testChallenge   = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

func newTestCoordinator(t *testing.T) (*Coordinator, storage.Storage) {
	t.Helper()

	store := storage.NewMemoryStorage(storage.WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	secretHash, err := crypto.HashSecret(testAgentSecret)
	require.NoError(t, err)
	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{
		AgentID:    "agent_test",
		SecretHash: secretHash,
		UserEmail:  "dev@example.com",
		UserName:   "Dev",
		CreatedAt:  time.Now(),
	}))
	require.NoError(t, store.CreateClient(ctx, &storage.Client{
		ClientID:     "client_test",
		Name:         "Example Web",
		RedirectURIs: []string{testRedirectURI},
		GrantTypes:   []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken},
		CreatedAt:    time.Now(),
	}))

	return NewCoordinator(store, 10*time.Minute, "openid profile"), store
}

func beginInput() BeginInput {
	return BeginInput{
		ClientID:            "client_test",
		RedirectURI:         testRedirectURI,
		ResponseType:        oauth.ResponseTypeCode,
		State:               "xyz",
		CodeChallenge:       testChallenge,
		CodeChallengeMethod: "S256",
	}
}

func TestCoordinator_Begin(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(req.RequestID, "req_"))
	assert.Equal(t, storage.StatusPending, req.Status)
	assert.Equal(t, "openid profile", req.Scope, "scope defaults when omitted")
	assert.Equal(t, "xyz", req.State)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), req.ExpiresAt, 5*time.Second)

	in := beginInput()
	in.Scope = "openid email"
	req, err = c.Begin(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, "openid email", req.Scope)
}

func TestCoordinator_BeginValidation(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(*BeginInput)
		wantCode string
	}{
		{
			name:     "missing client_id",
			mutate:   func(in *BeginInput) { in.ClientID = "" },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
		{
			name:     "unknown client",
			mutate:   func(in *BeginInput) { in.ClientID = "client_ghost" },
			wantCode: oauth.ErrorCodeInvalidClient,
		},
		{
			name:     "unregistered redirect_uri",
			mutate:   func(in *BeginInput) { in.RedirectURI = "https://evil.example.com/cb" },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
		{
			name:     "relative redirect_uri",
			mutate:   func(in *BeginInput) { in.RedirectURI = "/callback" },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
		{
			name:     "wrong response_type",
			mutate:   func(in *BeginInput) { in.ResponseType = "token" },
			wantCode: oauth.ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing code_challenge",
			mutate:   func(in *BeginInput) { in.CodeChallenge = "" },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
		{
			name:     "plain challenge method",
			mutate:   func(in *BeginInput) { in.CodeChallengeMethod = "plain" },
			wantCode: oauth.ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := beginInput()
			tt.mutate(&in)

			_, err := c.Begin(ctx, in)
			var oauthErr *oauth.Error
			require.ErrorAs(t, err, &oauthErr)
			assert.Equal(t, tt.wantCode, oauthErr.Code)
		})
	}
}

func TestCoordinator_AuthenticateHappyPath(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)

	authed, err := c.Authenticate(ctx, req.RequestID, "agent_test", testAgentSecret, "gpt-test")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAuthenticated, authed.Status)
	assert.Equal(t, "agent_test", authed.AgentID)
	assert.Equal(t, "gpt-test", authed.Model)
	assert.True(t, strings.HasPrefix(authed.Code, "code_"))
}

func TestCoordinator_AuthenticateBadCredentialsIsOneShot(t *testing.T) {
	t.Parallel()
	c, store := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)

	var oauthErr *oauth.Error
	_, err = c.Authenticate(ctx, req.RequestID, "agent_test", "wrong-secret", "gpt-test")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, oauth.ErrorCodeInvalidClient, oauthErr.Code)

	// The failure is terminal: the right credentials no longer help.
	_, err = c.Authenticate(ctx, req.RequestID, "agent_test", testAgentSecret, "gpt-test")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, oauth.ErrorCodeInvalidRequest, oauthErr.Code)

	stored, err := store.GetAuthRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, stored.Status)
	assert.Equal(t, "Invalid agent credentials", stored.ErrorMessage)
}

func TestCoordinator_AuthenticateUnknownAgent(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)

	var oauthErr *oauth.Error
	_, err = c.Authenticate(ctx, req.RequestID, "agent_ghost", testAgentSecret, "m")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, oauth.ErrorCodeInvalidClient, oauthErr.Code,
		"unknown agents and wrong secrets must be indistinguishable")
}

func TestCoordinator_AuthenticateUnknownRequest(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	var oauthErr *oauth.Error
	_, err := c.Authenticate(context.Background(), "req_ghost", "agent_test", testAgentSecret, "m")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, oauth.ErrorCodeNotFound, oauthErr.Code)
}

func TestCoordinator_AuthenticateExpiredRequest(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryStorage(storage.WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()

	secretHash, err := crypto.HashSecret(testAgentSecret)
	require.NoError(t, err)
	require.NoError(t, store.CreateAgent(ctx, &storage.Agent{AgentID: "agent_test", SecretHash: secretHash}))
	require.NoError(t, store.CreateClient(ctx, &storage.Client{
		ClientID:     "client_test",
		RedirectURIs: []string{testRedirectURI},
	}))

	// Zero TTL: the request is expired the moment it is created.
	c := NewCoordinator(store, 0, "openid profile")
	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)

	var oauthErr *oauth.Error
	_, err = c.Authenticate(ctx, req.RequestID, "agent_test", testAgentSecret, "m")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, oauth.ErrorCodeRequestExpired, oauthErr.Code)

	// The browser never sees the internal expired status; the poll reports
	// a terminal error document.
	status, err := c.Poll(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, status.Status)
	assert.Equal(t, "Authorization request expired", status.Error)
	assert.Empty(t, status.Code)

	stored, err := store.GetAuthRequest(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusExpired, stored.Status)

	// Polling again after the transition reports the same document.
	status, err = c.Poll(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, status.Status)
	assert.Equal(t, "Authorization request expired", status.Error)
}

func TestCoordinator_PollLifecycle(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)

	status, err := c.Poll(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, status.Status)
	assert.Empty(t, status.RedirectURI)

	authed, err := c.Authenticate(ctx, req.RequestID, "agent_test", testAgentSecret, "gpt-test")
	require.NoError(t, err)

	// First poll after authentication delivers the code, the state, and
	// the assembled redirect.
	status, err = c.Poll(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusAuthenticated, status.Status)
	assert.Equal(t, authed.Code, status.Code)
	assert.Equal(t, "xyz", status.State)
	require.NotEmpty(t, status.RedirectURI)

	u, err := url.Parse(status.RedirectURI)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, authed.Code, u.Query().Get("code"))
	assert.Equal(t, "xyz", u.Query().Get("state"))

	// Later polls see completed without the code.
	status, err = c.Poll(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, status.Status)
	assert.Empty(t, status.Code)
	assert.Empty(t, status.RedirectURI)
}

func TestCoordinator_PollErrorStatus(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)

	_, err = c.Authenticate(ctx, req.RequestID, "agent_test", "wrong-secret", "m")
	require.Error(t, err)

	status, err := c.Poll(ctx, req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusError, status.Status)
	assert.Equal(t, "Invalid agent credentials", status.Error)
}

func TestCoordinator_PollSingleDelivery(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)
	ctx := context.Background()

	req, err := c.Begin(ctx, beginInput())
	require.NoError(t, err)
	_, err = c.Authenticate(ctx, req.RequestID, "agent_test", testAgentSecret, "m")
	require.NoError(t, err)

	const pollers = 16
	var wg sync.WaitGroup
	redirects := make(chan string, pollers)
	for p := 0; p < pollers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, err := c.Poll(ctx, req.RequestID)
			if err == nil && status.Code != "" {
				redirects <- status.RedirectURI
			}
		}()
	}
	wg.Wait()
	close(redirects)

	var delivered []string
	for r := range redirects {
		delivered = append(delivered, r)
	}
	require.Len(t, delivered, 1, "exactly one poller must receive the redirect")
}

func TestCoordinator_PollUnknownRequest(t *testing.T) {
	t.Parallel()
	c, _ := newTestCoordinator(t)

	var oauthErr *oauth.Error
	_, err := c.Poll(context.Background(), "req_ghost")
	require.ErrorAs(t, err, &oauthErr)
	assert.Equal(t, oauth.ErrorCodeNotFound, oauthErr.Code)
}
