// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"net/http"

	"github.com/agentauth/agentauth/pkg/authserver/tokens"
	"github.com/agentauth/agentauth/pkg/oauth"
)

// TokenHandler handles POST /token requests for the authorization_code and
// refresh_token grants. Parameters are accepted form-encoded or as a JSON
// body; client credentials are also accepted as HTTP Basic auth.
func (h *Handler) TokenHandler(w http.ResponseWriter, req *http.Request) {
	params, err := protocolParams(req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	clientID, clientSecret := clientCredentials(req, params)

	var resp *oauth.TokenResponse
	switch grantType := params.Get("grant_type"); grantType {
	case oauth.GrantTypeAuthorizationCode:
		resp, err = h.tokens.Exchange(req.Context(), tokens.ExchangeInput{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Code:         params.Get("code"),
			CodeVerifier: params.Get("code_verifier"),
			RedirectURI:  params.Get("redirect_uri"),
		})
	case oauth.GrantTypeRefreshToken:
		resp, err = h.tokens.Refresh(req.Context(), tokens.RefreshInput{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RefreshToken: params.Get("refresh_token"),
		})
	case "":
		err = oauth.ErrInvalidRequest.WithDescription("grant_type is required")
	default:
		err = oauth.ErrUnsupportedGrantType.WithDescription("unsupported grant_type: %q", grantType)
	}
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	// RFC 6749 Section 5.1: token responses must not be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

// IntrospectHandler handles POST /introspect requests per RFC 7662.
func (h *Handler) IntrospectHandler(w http.ResponseWriter, req *http.Request) {
	params, err := protocolParams(req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	clientID, clientSecret := clientCredentials(req, params)
	resp, err := h.tokens.Introspect(req.Context(),
		clientID, clientSecret,
		params.Get("token"),
		params.Get("token_type_hint"),
	)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, resp)
}

// RevokeHandler handles POST /revoke requests per RFC 7009. Once the client
// authenticates, the response is always an empty 200 body; the endpoint
// never confirms whether the presented token existed.
func (h *Handler) RevokeHandler(w http.ResponseWriter, req *http.Request) {
	params, err := protocolParams(req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}

	clientID, clientSecret := clientCredentials(req, params)
	if err := h.tokens.Revoke(req.Context(),
		clientID, clientSecret,
		params.Get("token"),
		params.Get("token_type_hint"),
	); err != nil {
		writeOAuthError(w, err)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct{}{})
}
