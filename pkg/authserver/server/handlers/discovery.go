// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"fmt"
	"net/http"

	"github.com/agentauth/agentauth/pkg/oauth"
	"github.com/agentauth/agentauth/pkg/validation"
)

// DefaultDiscoveryCacheMaxAge is the Cache-Control max-age for the discovery
// and JWKS endpoints (1 hour).
const DefaultDiscoveryCacheMaxAge = 3600

// DiscoveryHandler handles GET /.well-known/oauth-authorization-server
// requests, returning the RFC 8414 authorization server metadata document.
func (h *Handler) DiscoveryHandler(w http.ResponseWriter, _ *http.Request) {
	metadata := oauth.AuthorizationServerMetadata{
		Issuer:                h.issuer,
		AuthorizationEndpoint: h.issuer + "/authorize",
		TokenEndpoint:         h.issuer + "/token",
		IntrospectionEndpoint: h.issuer + "/introspect",
		RevocationEndpoint:    h.issuer + "/revoke",
		JWKSURI:               h.issuer + "/.well-known/jwks.json",

		ResponseTypesSupported: []string{oauth.ResponseTypeCode},
		GrantTypesSupported: []string{
			oauth.GrantTypeAuthorizationCode,
			oauth.GrantTypeRefreshToken,
		},
		CodeChallengeMethodsSupported: []string{validation.PKCEChallengeMethodS256},
		TokenEndpointAuthMethodsSupported: []string{
			"client_secret_basic",
			"client_secret_post",
		},
		TokenEndpointAuthSigningAlgValuesSupported: []string{"HS256"},
		ScopesSupported: []string{"openid", "profile", "email"},
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, metadata)
}

// JWKSHandler handles GET /.well-known/jwks.json requests. Access tokens
// are signed with a symmetric key, so the published key set is empty; the
// endpoint exists so generic OAuth tooling does not trip over a 404.
func (h *Handler) JWKSHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", DefaultDiscoveryCacheMaxAge))
	writeJSON(w, http.StatusOK, oauth.JSONWebKeySet{Keys: []any{}})
}
