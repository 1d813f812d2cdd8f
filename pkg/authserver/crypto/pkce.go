// SPDX-FileCopyrightText: Copyright 2025 agentauth contributors
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/subtle"

	"golang.org/x/oauth2"

	"github.com/agentauth/agentauth/pkg/validation"
)

// ComputePKCEChallenge computes the code_challenge from a code_verifier
// using the S256 method per RFC 7636 Section 4.2:
// code_challenge = BASE64URL(SHA256(code_verifier)) without padding.
//
// This delegates to oauth2.S256ChallengeFromVerifier from golang.org/x/oauth2.
func ComputePKCEChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// VerifyPKCE reports whether the code_verifier matches the code_challenge
// under the given method. It returns true iff method is S256 and the derived
// challenge equals the stored one. The comparison is constant-time.
func VerifyPKCE(verifier, challenge, method string) bool {
	if method != validation.PKCEChallengeMethodS256 {
		return false
	}
	derived := ComputePKCEChallenge(verifier)
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}
