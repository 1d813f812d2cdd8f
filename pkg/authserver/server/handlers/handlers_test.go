// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentauth/agentauth/pkg/authserver/admin"
	"github.com/agentauth/agentauth/pkg/authserver/crypto"
	"github.com/agentauth/agentauth/pkg/authserver/flow"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/authserver/tokens"
	"github.com/agentauth/agentauth/pkg/oauth"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://app.example.com/callback"
	testVerifier    = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	testChallenge   = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

var testJWTSecret = []byte("0123456789abcdef0123456789abcdef")

var requestIDPattern = regexp.MustCompile(`req_[A-Za-z0-9_-]+`)

type fixture struct {
	handler      http.Handler
	store        *storage.MemoryStorage
	agentSecret  string
	clientSecret string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := storage.NewMemoryStorage(storage.WithSweepInterval(time.Hour))
	t.Cleanup(func() { _ = store.Close() })

	adminService := admin.NewService(store)
	ctx := context.Background()

	agent, err := adminService.CreateAgent(ctx, admin.CreateAgentInput{
		AgentID:   "agent_test",
		UserEmail: "dev@example.com",
		UserName:  "Dev",
	})
	require.NoError(t, err)
	client, err := adminService.CreateClient(ctx, admin.CreateClientInput{
		ClientID:     "client_test",
		Name:         "Example Web",
		RedirectURIs: []string{testRedirectURI},
	})
	require.NoError(t, err)

	coordinator := flow.NewCoordinator(store, 10*time.Minute, "openid profile")
	tokenService := tokens.NewService(store, testJWTSecret, testIssuer, time.Hour, 30*24*time.Hour)
	handler := NewHandler(testIssuer, coordinator, tokenService, adminService, store)

	return &fixture{
		handler:      handler.Routes(),
		store:        store,
		agentSecret:  agent.AgentSecret,
		clientSecret: client.ClientSecret,
	}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

// authorize starts an authorization request and returns the request ID
// scraped from the landing page.
func (f *fixture) authorize(t *testing.T) string {
	t.Helper()

	q := url.Values{
		"client_id":             {"client_test"},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"state":                 {"xyz"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}
	rec := f.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")

	requestID := requestIDPattern.FindString(rec.Body.String())
	require.NotEmpty(t, requestID, "landing page must embed the request ID")
	return requestID
}

// authenticate drives the agent back channel for a request.
func (f *fixture) authenticate(t *testing.T, requestID string) {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"request_id":   requestID,
		"agent_id":     "agent_test",
		"agent_secret": f.agentSecret,
		"model":        "gpt-test",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/agent/authenticate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, true, resp["success"])
}

// pollCode polls the status endpoint and extracts the code from the
// delivering response.
func (f *fixture) pollCode(t *testing.T, requestID string) string {
	t.Helper()

	rec := f.do(httptest.NewRequest(http.MethodGet, "/api/check-status?request_id="+requestID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status flow.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	require.Equal(t, storage.StatusAuthenticated, status.Status)
	require.True(t, strings.HasPrefix(status.Code, "code_"))
	require.Equal(t, "xyz", status.State)
	require.NotEmpty(t, status.RedirectURI)

	u, err := url.Parse(status.RedirectURI)
	require.NoError(t, err)
	require.Equal(t, "xyz", u.Query().Get("state"))
	require.Equal(t, status.Code, u.Query().Get("code"))
	return status.Code
}

// exchange posts an authorization code grant with basic client auth.
func (f *fixture) exchange(t *testing.T, code string) (*oauth.TokenResponse, *httptest.ResponseRecorder) {
	t.Helper()

	form := url.Values{
		"grant_type":    {oauth.GrantTypeAuthorizationCode},
		"code":          {code},
		"code_verifier": {testVerifier},
	}
	req := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth("client_test", f.clientSecret)
	rec := f.do(req)
	if rec.Code != http.StatusOK {
		return nil, rec
	}

	var resp oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return &resp, rec
}

func (f *fixture) postForm(t *testing.T, path string, form url.Values, basicAuth bool) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if basicAuth {
		req.SetBasicAuth("client_test", f.clientSecret)
	}
	return f.do(req)
}

func TestFullAuthorizationFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	requestID := f.authorize(t)
	f.authenticate(t, requestID)
	code := f.pollCode(t, requestID)

	resp, rec := f.exchange(t, code)
	require.NotNil(t, resp, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, oauth.TokenTypeBearer, resp.TokenType)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
	assert.True(t, strings.HasPrefix(resp.RefreshToken, "rt_"))

	claims, err := crypto.VerifyAccessToken(resp.AccessToken, testJWTSecret, testIssuer)
	require.NoError(t, err)
	assert.Equal(t, "agent_test", claims.Subject)
	assert.Equal(t, "gpt-test", claims.Model)

	// Replay of the code fails.
	_, rec = f.exchange(t, code)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var oauthErr oauth.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oauthErr))
	assert.Equal(t, oauth.ErrorCodeInvalidGrant, oauthErr.Code)
}

func TestRefreshAndRevokeOverHTTP(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	requestID := f.authorize(t)
	f.authenticate(t, requestID)
	issued, rec := f.exchange(t, f.pollCode(t, requestID))
	require.NotNil(t, issued, rec.Body.String())

	// Refresh with client_secret_post instead of basic auth.
	rec = f.postForm(t, "/token", url.Values{
		"grant_type":    {oauth.GrantTypeRefreshToken},
		"refresh_token": {issued.RefreshToken},
		"client_id":     {"client_test"},
		"client_secret": {f.clientSecret},
	}, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var refreshed oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &refreshed))
	assert.Equal(t, issued.RefreshToken, refreshed.RefreshToken, "refresh tokens are not rotated")
	assert.NotEqual(t, issued.AccessToken, refreshed.AccessToken)

	// Introspect the new access token.
	rec = f.postForm(t, "/introspect", url.Values{"token": {refreshed.AccessToken}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	var intro oauth.IntrospectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intro))
	assert.True(t, intro.Active)
	assert.Equal(t, "agent_test", intro.Sub)

	// Revoke the refresh token; the response body is an empty object.
	rec = f.postForm(t, "/revoke", url.Values{"token": {issued.RefreshToken}}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "{}", rec.Body.String())

	// Both access tokens and the refresh token are now dead.
	for _, token := range []string{issued.AccessToken, refreshed.AccessToken, issued.RefreshToken} {
		rec = f.postForm(t, "/introspect", url.Values{"token": {token}}, true)
		require.Equal(t, http.StatusOK, rec.Code)
		var resp oauth.IntrospectionResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.False(t, resp.Active)
	}

	// Revoking again still succeeds.
	rec = f.postForm(t, "/revoke", url.Values{"token": {issued.RefreshToken}}, true)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentAuthenticateFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	requestID := f.authorize(t)

	body, _ := json.Marshal(map[string]string{
		"request_id":   requestID,
		"agent_id":     "agent_test",
		"agent_secret": "wrong-secret",
		"model":        "gpt-test",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/agent/authenticate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	// The browser sees the failure on its next poll.
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/check-status?request_id="+requestID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var status flow.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, storage.StatusError, status.Status)
	assert.Equal(t, "Invalid agent credentials", status.Error)

	// Unknown request.
	body, _ = json.Marshal(map[string]string{
		"request_id":   "req_ghost",
		"agent_id":     "agent_test",
		"agent_secret": f.agentSecret,
	})
	req = httptest.NewRequest(http.MethodPost, "/api/agent/authenticate", bytes.NewReader(body))
	rec = f.do(req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Malformed body.
	req = httptest.NewRequest(http.MethodPost, "/api/agent/authenticate", strings.NewReader("{"))
	rec = f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthorizeErrorPage(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	q := url.Values{
		"client_id":             {"client_ghost"},
		"redirect_uri":          {testRedirectURI},
		"response_type":         {"code"},
		"code_challenge":        {testChallenge},
		"code_challenge_method": {"S256"},
	}
	// Validation failures render a human-readable page, not a protocol
	// status code.
	rec := f.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), oauth.ErrorCodeInvalidClient)

	// The "plain" PKCE method is rejected.
	q.Set("client_id", "client_test")
	q.Set("code_challenge_method", "plain")
	rec = f.do(httptest.NewRequest(http.MethodGet, "/authorize?"+q.Encode(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "code challenge method")
}

func TestTokenEndpointRejections(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.postForm(t, "/token", url.Values{"grant_type": {"password"}}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var oauthErr oauth.Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &oauthErr))
	assert.Equal(t, oauth.ErrorCodeUnsupportedGrantType, oauthErr.Code)

	rec = f.postForm(t, "/token", url.Values{}, true)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// No client credentials at all.
	rec = f.postForm(t, "/token", url.Values{
		"grant_type": {oauth.GrantTypeAuthorizationCode},
		"code":       {"code_x"},
	}, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTokenEndpointJSONBody(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	requestID := f.authorize(t)
	f.authenticate(t, requestID)
	code := f.pollCode(t, requestID)

	// The whole grant, client credentials included, as a JSON object.
	body, err := json.Marshal(map[string]string{
		"grant_type":    oauth.GrantTypeAuthorizationCode,
		"code":          code,
		"code_verifier": testVerifier,
		"client_id":     "client_test",
		"client_secret": f.clientSecret,
	})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/token", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var issued oauth.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.NotEmpty(t, issued.AccessToken)

	// Introspection accepts JSON bodies too.
	body, err = json.Marshal(map[string]string{
		"token":         issued.AccessToken,
		"client_id":     "client_test",
		"client_secret": f.clientSecret,
	})
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodPost, "/introspect", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var intro oauth.IntrospectionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &intro))
	assert.True(t, intro.Active)

	// Malformed JSON is rejected.
	req = httptest.NewRequest(http.MethodPost, "/token", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rec = f.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDiscoveryEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Cache-Control"), "max-age=3600")

	var metadata oauth.AuthorizationServerMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metadata))
	assert.Equal(t, testIssuer, metadata.Issuer)
	assert.Equal(t, testIssuer+"/authorize", metadata.AuthorizationEndpoint)
	assert.Equal(t, testIssuer+"/token", metadata.TokenEndpoint)
	assert.Equal(t, []string{"S256"}, metadata.CodeChallengeMethodsSupported)
	assert.Equal(t, []string{"code"}, metadata.ResponseTypesSupported)
	assert.Equal(t, []string{"HS256"}, metadata.TokenEndpointAuthSigningAlgValuesSupported)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"keys":[]}`, rec.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAdminEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// Create an agent; the secret appears only here.
	body := `{"user_email":"ops@example.com","user_name":"Ops"}`
	rec := f.do(httptest.NewRequest(http.MethodPost, "/api/admin/agents", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created admin.CreatedAgent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Len(t, created.AgentSecret, 43)

	// Fetching it back never exposes a secret or hash.
	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/admin/agents/"+created.AgentID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec = f.do(httptest.NewRequest(http.MethodGet, "/api/admin/agents", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Duplicate identifier conflicts.
	dup := `{"agent_id":"` + created.AgentID + `","user_email":"ops@example.com"}`
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/admin/agents", strings.NewReader(dup)))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/admin/agents/"+created.AgentID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/admin/agents/"+created.AgentID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Client registration and update.
	body = `{"name":"Second App","redirect_uris":["https://second.example.com/cb"]}`
	rec = f.do(httptest.NewRequest(http.MethodPost, "/api/admin/clients", strings.NewReader(body)))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var createdClient admin.CreatedClient
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &createdClient))
	assert.Len(t, createdClient.ClientSecret, 43)

	// Updates are accepted as PUT and as PATCH.
	put := `{"name":"Renamed App"}`
	rec = f.do(httptest.NewRequest(http.MethodPut, "/api/admin/clients/"+createdClient.ClientID, strings.NewReader(put)))
	require.Equal(t, http.StatusOK, rec.Code)
	var updated admin.ClientView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Renamed App", updated.Name)

	patch := `{"redirect_uris":["https://second.example.com/cb2"]}`
	rec = f.do(httptest.NewRequest(http.MethodPatch, "/api/admin/clients/"+createdClient.ClientID, strings.NewReader(patch)))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, "Renamed App", updated.Name)
	assert.Equal(t, []string{"https://second.example.com/cb2"}, updated.RedirectURIs)

	rec = f.do(httptest.NewRequest(http.MethodDelete, "/api/admin/clients/"+createdClient.ClientID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
