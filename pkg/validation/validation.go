// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

// Package validation provides functions for validating input data.
package validation

import (
	"fmt"
	"net/url"
	"regexp"
	"slices"
)

// PKCEChallengeMethodS256 is the only PKCE challenge method accepted by the
// server. OAuth 2.1 forbids the "plain" method.
const PKCEChallengeMethodS256 = "S256"

// MinIdentifierLength is the minimum length for agent and client identifiers.
const MinIdentifierLength = 3

var (
	// No whitespace or extra '@' on either side, and the domain part must
	// contain a dot. Deliberately loose beyond that; real mailbox validation
	// happens when mail is actually sent.
	validEmailRegex = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

	validIdentifierRegex = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// ValidateEmail checks that a string looks like an email address.
func ValidateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("email cannot be empty")
	}
	if !validEmailRegex.MatchString(email) {
		return fmt.Errorf("invalid email address: %q", email)
	}
	return nil
}

// ValidateRedirectURI checks that a redirect URI parses as an absolute URL
// with a scheme and host.
func ValidateRedirectURI(redirectURI string) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect URI cannot be empty")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("invalid redirect URI: %w", err)
	}
	if parsed.Scheme == "" {
		return fmt.Errorf("redirect URI must include a scheme (e.g., https://): %s", redirectURI)
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect URI must include a host: %s", redirectURI)
	}
	return nil
}

// RedirectURIAllowed reports whether a redirect URI is in the client's allowed
// set. Matching is strict string equality: no prefix or path matching, and no
// trailing-slash normalization.
func RedirectURIAllowed(redirectURI string, allowed []string) bool {
	return slices.Contains(allowed, redirectURI)
}

// ValidateIdentifier checks that an agent or client identifier only contains
// allowed characters ([A-Za-z0-9_-]) and meets the minimum length.
func ValidateIdentifier(id string) error {
	if len(id) < MinIdentifierLength {
		return fmt.Errorf("identifier must be at least %d characters", MinIdentifierLength)
	}
	if !validIdentifierRegex.MatchString(id) {
		return fmt.Errorf("identifier can only contain alphanumeric characters, underscores, and dashes: %q", id)
	}
	return nil
}

// ValidateChallengeMethod checks that a PKCE challenge method is exactly S256.
func ValidateChallengeMethod(method string) error {
	if method != PKCEChallengeMethodS256 {
		return fmt.Errorf("unsupported code challenge method: %q (only %s is supported)",
			method, PKCEChallengeMethodS256)
	}
	return nil
}
