// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package handlers provides the HTTP handlers for the authorization server
// endpoints: the browser-facing authorization flow, the agent back channel,
// the token endpoints, discovery, and the admin API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agentauth/agentauth/pkg/authserver/admin"
	"github.com/agentauth/agentauth/pkg/authserver/flow"
	"github.com/agentauth/agentauth/pkg/authserver/storage"
	"github.com/agentauth/agentauth/pkg/authserver/tokens"
	"github.com/agentauth/agentauth/pkg/logger"
	"github.com/agentauth/agentauth/pkg/oauth"
)

// Handler provides HTTP handlers for the authorization server endpoints.
type Handler struct {
	issuer  string
	flow    *flow.Coordinator
	tokens  *tokens.Service
	admin   *admin.Service
	storage storage.Storage
}

// NewHandler creates a new Handler with the given dependencies.
func NewHandler(
	issuer string,
	flowCoordinator *flow.Coordinator,
	tokenService *tokens.Service,
	adminService *admin.Service,
	stor storage.Storage,
) *Handler {
	return &Handler{
		issuer:  issuer,
		flow:    flowCoordinator,
		tokens:  tokenService,
		admin:   adminService,
		storage: stor,
	}
}

// Routes returns a router with all endpoints registered.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	h.OAuthRoutes(r)
	h.AgentRoutes(r)
	h.WellKnownRoutes(r)
	h.AdminRoutes(r)
	r.Get("/health", h.HealthHandler)
	return r
}

// OAuthRoutes registers the OAuth protocol endpoints on the provided router.
func (h *Handler) OAuthRoutes(r chi.Router) {
	r.Get("/authorize", h.AuthorizeHandler)
	r.Post("/token", h.TokenHandler)
	r.Post("/introspect", h.IntrospectHandler)
	r.Post("/revoke", h.RevokeHandler)
}

// AgentRoutes registers the agent back channel and the browser status poll.
func (h *Handler) AgentRoutes(r chi.Router) {
	r.Post("/api/agent/authenticate", h.AgentAuthenticateHandler)
	r.Get("/api/check-status", h.CheckStatusHandler)
}

// WellKnownRoutes registers the discovery endpoints on the provided router.
func (h *Handler) WellKnownRoutes(r chi.Router) {
	r.Get("/.well-known/oauth-authorization-server", h.DiscoveryHandler)
	r.Get("/.well-known/jwks.json", h.JWKSHandler)
}

// AdminRoutes registers the provisioning API on the provided router.
func (h *Handler) AdminRoutes(r chi.Router) {
	r.Route("/api/admin", func(r chi.Router) {
		r.Post("/agents", h.CreateAgentHandler)
		r.Get("/agents", h.ListAgentsHandler)
		r.Get("/agents/{agentID}", h.GetAgentHandler)
		r.Delete("/agents/{agentID}", h.DeleteAgentHandler)

		r.Post("/clients", h.CreateClientHandler)
		r.Get("/clients", h.ListClientsHandler)
		r.Get("/clients/{clientID}", h.GetClientHandler)
		r.Put("/clients/{clientID}", h.UpdateClientHandler)
		r.Patch("/clients/{clientID}", h.UpdateClientHandler)
		r.Delete("/clients/{clientID}", h.DeleteClientHandler)
	})
}

// HealthHandler handles GET /health requests.
func (h *Handler) HealthHandler(w http.ResponseWriter, req *http.Request) {
	if err := h.storage.Health(req.Context()); err != nil {
		logger.Errorw("storage health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// writeOAuthError writes an error as an RFC 6749 error response body.
// Unexpected errors are logged and reported as an opaque server_error.
func writeOAuthError(w http.ResponseWriter, err error) {
	var oauthErr *oauth.Error
	if !errors.As(err, &oauthErr) {
		logger.Errorw("internal error", "error", err)
		oauthErr = oauth.ErrServerError
	}
	if oauthErr.Status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Basic realm="agentauth"`)
	}
	writeJSON(w, oauthErr.Status, oauthErr)
}

// maxProtocolBody bounds the token, introspection, and revocation request
// bodies.
const maxProtocolBody = 1 << 16

// protocolParams reads the parameters of a token, introspection, or
// revocation request. Bodies are accepted either form-encoded or as a JSON
// object with string members.
func protocolParams(req *http.Request) (url.Values, error) {
	if strings.HasPrefix(req.Header.Get("Content-Type"), "application/json") {
		var body map[string]string
		dec := json.NewDecoder(http.MaxBytesReader(nil, req.Body, maxProtocolBody))
		if err := dec.Decode(&body); err != nil {
			return nil, oauth.ErrInvalidRequest.WithDescription("invalid JSON body")
		}
		params := make(url.Values, len(body))
		for k, v := range body {
			params.Set(k, v)
		}
		return params, nil
	}

	if err := req.ParseForm(); err != nil {
		return nil, oauth.ErrInvalidRequest.WithDescription("malformed form body")
	}
	return req.PostForm, nil
}

// clientCredentials extracts the client credential pair from the request,
// accepting HTTP Basic authentication (client_secret_basic) and body
// parameters (client_secret_post). Basic auth wins when both are present.
func clientCredentials(req *http.Request, params url.Values) (clientID, clientSecret string) {
	if id, secret, ok := req.BasicAuth(); ok {
		return id, secret
	}
	return params.Get("client_id"), params.Get("client_secret")
}
