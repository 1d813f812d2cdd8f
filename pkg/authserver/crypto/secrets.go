// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package crypto provides the cryptographic primitives for the authorization
// server: secret hashing and verification, PKCE S256 verification, HS256 JWT
// signing and verification, and secure random identifiers.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// SecretHashCost is the bcrypt work factor used for agent and client secrets.
const SecretHashCost = bcrypt.DefaultCost

// DummySecretHash is a valid bcrypt hash of no secret anyone holds. Compare
// against it when a principal lookup misses, so unknown identifiers cost the
// same as wrong secrets.
const DummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns a salted bcrypt hash of the plaintext secret. The salt
// and cost parameters are encoded inside the returned string.
func HashSecret(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), SecretHashCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret reports whether the plaintext matches the stored hash.
// The comparison is constant-time; any parse error yields false.
func VerifySecret(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// RandomBytes returns n cryptographically secure random bytes.
// It panics on crypto/rand read failure, which indicates a broken platform.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand read failed: %v", err))
	}
	return b
}

// RandomSecret returns a base64url-encoded (no padding) secret derived from
// n random bytes.
func RandomSecret(n int) string {
	return base64.RawURLEncoding.EncodeToString(RandomBytes(n))
}

// RandomID returns an opaque identifier of the form "<prefix>_<random>",
// where the random part is n bytes encoded as base64url without padding.
func RandomID(prefix string, n int) string {
	return prefix + "_" + RandomSecret(n)
}

// NewAuthorizationCode returns a fresh single-use authorization code backed
// by 32 random bytes.
func NewAuthorizationCode() string {
	return RandomID("code", 32)
}
