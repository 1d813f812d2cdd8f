// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSigningAlgorithm is the algorithm used for access tokens. The key is
// symmetric, so the published JWKS document is always empty.
const JWTSigningAlgorithm = "HS256"

// ErrInvalidToken is returned for any access token verification failure:
// malformed input, bad signature, wrong issuer, or expiry. The causes are
// deliberately not distinguished to avoid giving callers an oracle.
var ErrInvalidToken = errors.New("invalid token")

// AccessTokenClaims is the claim set carried by issued access tokens.
type AccessTokenClaims struct {
	// ClientID is the OAuth client the token was issued to.
	ClientID string `json:"client_id"`

	// Model is the model identifier the agent declared at authentication.
	Model string `json:"model,omitempty"`

	// Scope is the space-separated granted scope string.
	Scope string `json:"scope,omitempty"`

	jwt.RegisteredClaims
}

// SignAccessToken signs the claims with HS256 and returns the compact JWT
// serialization (base64url without padding).
func SignAccessToken(claims *AccessTokenClaims, secret []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// VerifyAccessToken parses and verifies a compact JWT, checking the HS256
// signature, the issuer, and that the token has not expired. On any failure
// it returns ErrInvalidToken.
func VerifyAccessToken(tokenString string, secret []byte, issuer string) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{JWTSigningAlgorithm}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
