// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package oauth contains the shared OAuth wire types for agentauth: protocol
// errors, token responses, introspection responses, and the RFC 8414
// authorization server metadata document.
package oauth

// Grant types supported by the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
)

// ResponseTypeCode is the only supported response_type value.
const ResponseTypeCode = "code"

// TokenTypeBearer is the token_type of issued access tokens.
const TokenTypeBearer = "Bearer"

// Token type hints accepted by the revocation endpoint (RFC 7009 Section 2.1).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// TokenResponse is a successful token endpoint response (RFC 6749 Section 5.1).
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// IntrospectionResponse is a token introspection response (RFC 7662
// Section 2.2). Inactive tokens report only {"active": false}.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Scope     string `json:"scope,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Exp       int64  `json:"exp,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
	Sub       string `json:"sub,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Model     string `json:"model,omitempty"`
}

// AuthorizationServerMetadata is the RFC 8414 authorization server metadata
// document served at /.well-known/oauth-authorization-server.
type AuthorizationServerMetadata struct {
	Issuer                                    string   `json:"issuer"`
	AuthorizationEndpoint                     string   `json:"authorization_endpoint"`
	TokenEndpoint                             string   `json:"token_endpoint"`
	IntrospectionEndpoint                     string   `json:"introspection_endpoint,omitempty"`
	RevocationEndpoint                        string   `json:"revocation_endpoint,omitempty"`
	JWKSURI                                   string   `json:"jwks_uri,omitempty"`
	ResponseTypesSupported                    []string `json:"response_types_supported"`
	GrantTypesSupported                       []string `json:"grant_types_supported,omitempty"`
	CodeChallengeMethodsSupported             []string `json:"code_challenge_methods_supported,omitempty"`
	TokenEndpointAuthMethodsSupported         []string `json:"token_endpoint_auth_methods_supported,omitempty"`
	TokenEndpointAuthSigningAlgValuesSupported []string `json:"token_endpoint_auth_signing_alg_values_supported,omitempty"`
	ScopesSupported                           []string `json:"scopes_supported,omitempty"`
}

// JSONWebKeySet is the JWKS document served at /.well-known/jwks.json.
// Access tokens are signed with a symmetric key (HS256), so the published
// key set is always empty.
type JSONWebKeySet struct {
	Keys []any `json:"keys"`
}
